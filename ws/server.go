package ws

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/rs/zerolog"

	"github.com/regiontog/asws/internal/config"
	"github.com/regiontog/asws/internal/handshake"
)

// defaultShutdownGrace bounds how long Shutdown waits for connections to
// finish their own close handshake before force-closing the stragglers
// (spec.md §7's shutdown broadcast).
const defaultShutdownGrace = 1 * time.Second

// HandlerFactory builds the callback set for one freshly accepted
// connection. It runs before the connection's Run loop starts, so it
// may safely close over conn to register it with application state
// (e.g. a chat server's broadcast list).
type HandlerFactory func(conn *ConnectionMachine) Handlers

// Server accepts WebSocket upgrade requests over HTTP/1.1, optionally
// behind TLS, and runs one ConnectionMachine per accepted connection.
// It keeps a registry of live peers so it can broadcast a close on
// shutdown. Grounded on the teacher's startServer (adapted here into
// the handshake handoff) and original_source/websocket/server.py's
// disconnect_all for the bounded-join shutdown sequence.
type Server struct {
	cfg     config.Config
	factory HandlerFactory
	logger  zerolog.Logger

	httpServer *http.Server
	listener   net.Listener

	mu    sync.Mutex
	peers map[string]*ConnectionMachine
}

// NewServer constructs a Server from cfg. factory is invoked once per
// accepted connection to obtain its Handlers.
func NewServer(cfg config.Config, factory HandlerFactory, logger zerolog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		factory: factory,
		logger:  logger,
		peers:   make(map[string]*ConnectionMachine),
	}
}

// Peers returns a snapshot of currently connected peers, for
// applications that need to broadcast (e.g. a chat room).
func (s *Server) Peers() []*ConnectionMachine {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*ConnectionMachine, 0, len(s.peers))
	for _, c := range s.peers {
		out = append(out, c)
	}
	return out
}

// ListenAndServe binds cfg.ListenAddress, upgrading every request that
// passes handshake.Upgrade to a tracked ConnectionMachine. If both
// cfg.TLSCertFile and cfg.TLSKeyFile are set, the listener terminates
// TLS before the HTTP/1.1 upgrade is attempted. It blocks until the
// listener is closed (normally via Shutdown) and returns
// http.ErrServerClosed in that case, matching net/http.Server.
func (s *Server) ListenAndServe() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleUpgrade)
	s.httpServer = &http.Server{Handler: mux}

	listener, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.ListenAddress, err)
	}

	if s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
		if err != nil {
			_ = listener.Close()
			return fmt.Errorf("loading TLS certificate: %w", err)
		}
		listener = tls.NewListener(listener, &tls.Config{Certificates: []tls.Certificate{cert}})
	}
	s.listener = listener

	s.logger.Info().Str("addr", listener.Addr().String()).Msg("websocket server listening")
	err = s.httpServer.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return fmt.Errorf("serve: %w", err)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, reader, err := handshake.Upgrade(w, r)
	if err != nil {
		s.logger.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("rejected upgrade request")
		return
	}

	id := shortuuid.New()
	cm := NewConnectionMachine(conn, reader, id, Handlers{}, Config{
		ReceiveChunkSize:     s.cfg.ReceiveChunkSize,
		RingBufferCapacity:   s.cfg.RingBufferCapacity,
		ClientTimeoutSeconds: s.cfg.ClientTimeoutSeconds,
	}, s.logger)

	if s.factory != nil {
		cm.handlers = s.factory(cm).withDefaults(cm)
	}

	key := conn.RemoteAddr().String()
	s.mu.Lock()
	s.peers[key] = cm
	s.mu.Unlock()

	cm.OnTeardown(func(c *ConnectionMachine) {
		s.mu.Lock()
		delete(s.peers, key)
		s.mu.Unlock()
	})

	s.logger.Info().Str("conn_id", id).Str("peer", key).Msg("connection open")
	cm.Run()
}

// Shutdown stops accepting new connections, broadcasts a NORMAL close
// to every live peer, and waits up to defaultShutdownGrace for
// them to finish their own close handshake. Stragglers still open past
// the grace period have their transport force-closed.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("http server shutdown error")
		}
	}

	peers := s.Peers()
	for _, c := range peers {
		c.RequestClose(ReasonNormal, "")
	}

	deadline := time.NewTimer(defaultShutdownGrace)
	defer deadline.Stop()

	for _, c := range peers {
		select {
		case <-c.Done():
		case <-deadline.C:
			s.forceCloseStragglers(peers)
			return nil
		case <-ctx.Done():
			s.forceCloseStragglers(peers)
			return ctx.Err()
		}
	}
	return nil
}

func (s *Server) forceCloseStragglers(peers []*ConnectionMachine) {
	for _, c := range peers {
		select {
		case <-c.Done():
		default:
			s.logger.Warn().Str("conn_id", c.ID).Msg("force-closing straggler past shutdown grace period")
			_ = c.conn.Close()
		}
	}
}
