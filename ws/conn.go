package ws

import (
	"bufio"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// ConnState is the lifecycle of a single connection (spec.md §3).
// Closed is terminal; no transition ever leaves it.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// errConnectionDone is returned by dispatch when the close handshake has
// just completed; Run treats it as a clean (not fatal) reason to stop.
var errConnectionDone = errors.New("close handshake complete")

// ConnectionMachine is the per-connection state machine of spec.md §4.7:
// it owns the frame-reader loop, dispatches on opcode via the table in
// §4.5, drives the close handshake, and surfaces protocol errors.
// Grounded on original_source/websocket/server.py's socket_connect loop
// and websocket/client.py's Client (continuation tracking,
// server_has_initiated_close latch), generalized from asyncio
// task-cancellation to a read-deadline-driven loop idiomatic for Go.
type ConnectionMachine struct {
	ID         string
	RemoteAddr net.Addr

	conn     net.Conn
	r        *bufio.Reader
	outbound *OutboundWriter
	inbound  *InboundReader

	assembler MessageAssembler
	handlers  Handlers
	logger    zerolog.Logger

	ringCapacity int
	timeout      time.Duration // 0 disables keepalive

	state     atomic.Int32
	lastSeen  atomic.Int64 // UnixNano of the last valid inbound frame header
	pingSent  atomic.Bool  // a keepalive ping was already sent this idle half-period

	done       chan struct{}
	onTeardown []func(*ConnectionMachine)
}

// Config bundles the per-connection tunables of spec.md §6's
// configuration enumeration that apply below the accept loop.
type Config struct {
	ReceiveChunkSize     int
	RingBufferCapacity   int
	ClientTimeoutSeconds float64
}

// NewConnectionMachine wires a ConnectionMachine around an already
// upgraded connection (conn in Open state, r buffered over it — r may
// already contain bytes buffered during the handshake read).
func NewConnectionMachine(conn net.Conn, r *bufio.Reader, id string, handlers Handlers, cfg Config, logger zerolog.Logger) *ConnectionMachine {
	if cfg.ReceiveChunkSize <= 0 {
		cfg.ReceiveChunkSize = 1024
	}
	if cfg.RingBufferCapacity <= 0 {
		cfg.RingBufferCapacity = 12 * cfg.ReceiveChunkSize
	}

	m := &ConnectionMachine{
		ID:           id,
		RemoteAddr:   conn.RemoteAddr(),
		conn:         conn,
		r:            r,
		inbound:      NewInboundReader(cfg.ReceiveChunkSize),
		ringCapacity: cfg.RingBufferCapacity,
		timeout:      time.Duration(cfg.ClientTimeoutSeconds * float64(time.Second)),
		logger:       logger.With().Str("conn_id", id).Str("peer", conn.RemoteAddr().String()).Logger(),
		done:         make(chan struct{}),
	}
	m.outbound = NewOutboundWriter(conn)
	m.handlers = handlers.withDefaults(m)
	m.state.Store(int32(StateConnecting))
	return m
}

// OnTeardown registers a callback invoked once, after the transport is
// closed. Multiple callbacks may be registered (e.g. a Server's peer
// registry and an application's own connection tracking); they run in
// registration order.
func (m *ConnectionMachine) OnTeardown(fn func(*ConnectionMachine)) {
	m.onTeardown = append(m.onTeardown, fn)
}

// State returns the connection's current lifecycle state.
func (m *ConnectionMachine) State() ConnState {
	return ConnState(m.state.Load())
}

// Done is closed once Run returns and the transport has been closed.
func (m *ConnectionMachine) Done() <-chan struct{} {
	return m.done
}

// Outbound exposes the connection's OutboundWriter to application code
// (e.g. a chat server broadcasting to every peer in the registry).
func (m *ConnectionMachine) Outbound() *OutboundWriter {
	return m.outbound
}

// RequestClose asks the connection to close with the given reason. It
// only takes effect from Open (its callers are a server-wide shutdown
// broadcasting close to every peer, a keepalive timeout, and onFatal
// for a protocol-layer error); it sends the close frame and
// force-unblocks a read the main loop may be blocked in.
func (m *ConnectionMachine) RequestClose(reason Reason, msg string) {
	if !m.state.CompareAndSwap(int32(StateOpen), int32(StateClosing)) {
		return
	}
	_ = m.outbound.Close(reason, msg)
	_ = m.conn.SetReadDeadline(time.Now())
}

// Run drives the connection until the peer disconnects, a protocol
// error tears it down, or RequestClose is observed. It returns once the
// transport has been closed; callers typically invoke it in its own
// goroutine per accepted connection.
func (m *ConnectionMachine) Run() {
	defer m.teardown()
	m.state.Store(int32(StateOpen))
	m.lastSeen.Store(time.Now().UnixNano())

	for {
		st := m.State()
		if st != StateOpen && st != StateClosing {
			return
		}

		if m.timeout > 0 {
			if m.checkKeepalive() {
				return
			}
		} else {
			_ = m.conn.SetReadDeadline(time.Time{})
		}

		b, timedOut, err := m.readByte()
		if timedOut {
			continue
		}
		if err != nil {
			m.onTransportFailure(err)
			return
		}

		m.lastSeen.Store(time.Now().UnixNano())
		m.pingSent.Store(false)

		if err := m.dispatch(b); err != nil {
			if errors.Is(err, errConnectionDone) {
				return
			}
			m.onFatal(err)
			return
		}
	}
}

// checkKeepalive applies spec.md §9's resolved heartbeat design: ping
// when idle > timeout/2, close with 1008 when idle > timeout. It
// arranges the next read's deadline so the loop wakes up in time to
// re-check. It returns true if the connection was closed for idling.
func (m *ConnectionMachine) checkKeepalive() bool {
	idle := time.Since(time.Unix(0, m.lastSeen.Load()))
	if idle >= m.timeout {
		m.logger.Warn().Dur("idle", idle).Msg("client idle timeout")
		m.assembler.Abort(errClosing)
		m.RequestClose(ReasonPolicyViolation, "keepalive timeout")
		m.state.Store(int32(StateClosed))
		return true
	}

	if idle >= m.timeout/2 && m.pingSent.CompareAndSwap(false, true) {
		if err := m.outbound.Ping(nil); err != nil {
			m.logger.Warn().Err(err).Msg("failed to send keepalive ping")
		}
	}

	next := m.timeout - idle
	if idle < m.timeout/2 {
		next = m.timeout/2 - idle
	}
	_ = m.conn.SetReadDeadline(time.Now().Add(next))
	return false
}

// readByte performs the cancellable 1-byte read of spec.md §4.7 step 1.
// A deadline-triggered timeout (from checkKeepalive or RequestClose) is
// reported as (0, true, nil) so Run re-evaluates state instead of
// treating it as a transport failure.
func (m *ConnectionMachine) readByte() (byte, bool, error) {
	var b [1]byte
	_, err := io.ReadFull(m.r, b[:])
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return 0, true, nil
		}
		return 0, false, err
	}
	return b[0], false, nil
}

// dispatch parses the rest of a frame header and routes it through the
// opcode table of spec.md §4.5.
func (m *ConnectionMachine) dispatch(first byte) error {
	h, err := ReadFrameHeaderAfterFirstByte(m.r, first)
	if err != nil {
		var perr *ProtocolError
		if errors.As(err, &perr) {
			_ = m.inbound.Drain(m.r, h)
			return perr
		}
		return err
	}

	switch h.Opcode {
	case OpText, OpBinary:
		return m.handleData(h)
	case OpContinuation:
		return m.handleContinuation(h)
	case OpPing:
		return m.handleControlFrame(h, KindPing)
	case OpPong:
		return m.handleControlFrame(h, KindPong)
	case OpClose:
		return m.handleCloseFrame(h)
	default:
		_ = m.inbound.Drain(m.r, h)
		return &ProtocolError{Msg: "invalid opcode"}
	}
}

func (m *ConnectionMachine) handleData(h Header) error {
	if m.assembler.InProgress() {
		_ = m.inbound.Drain(m.r, h)
		return &ProtocolError{Msg: "expected continuation frame"}
	}

	kind := kindForOpcode(h.Opcode)
	msg := m.assembler.Start(kind, m.ringCapacity)
	m.safeGo("on_message", func() { m.handlers.OnMessage(msg) })

	return m.feedFrame(h, msg)
}

func (m *ConnectionMachine) handleContinuation(h Header) error {
	if !m.assembler.InProgress() {
		_ = m.inbound.Drain(m.r, h)
		return &ProtocolError{Msg: "unexpected continuation"}
	}
	return m.feedFrame(h, m.assembler.Current())
}

// feedFrame streams one frame's payload into msg, validating UTF-8
// chunk-by-chunk for text messages, and finalizes msg if this frame
// carries FIN.
func (m *ConnectionMachine) feedFrame(h Header, msg *Message) error {
	onChunk := func(chunk []byte) error {
		if msg.Kind == KindText {
			if err := msg.validator.Decode(chunk, false); err != nil {
				msg.buf.SetErr(err)
				return err
			}
		}
		msg.buf.Write(chunk)
		return nil
	}

	if err := m.inbound.Stream(m.r, h, onChunk); err != nil {
		return err
	}

	if h.Fin {
		if msg.Kind == KindText {
			if err := msg.validator.Decode(nil, true); err != nil {
				msg.buf.SetErr(err)
				return err
			}
		}
		m.assembler.Finish()
	}
	return nil
}

// handleControlFrame implements the Ping/Pong row of spec.md §4.5: the
// payload is always consumed first (to keep the stream aligned), then
// fragmentation, post-close, and length rules are checked in that
// order, matching scenario 6 (oversized control frame drained before
// the close).
func (m *ConnectionMachine) handleControlFrame(h Header, kind DataKind) error {
	var payload []byte
	if h.Length <= 125 {
		var err error
		payload, err = m.inbound.ReadControlPayload(m.r, h)
		if err != nil {
			return err
		}
	} else if err := m.inbound.Drain(m.r, h); err != nil {
		return err
	}

	if !h.Fin {
		return &ProtocolError{Msg: "fragmented control frame"}
	}
	if m.outbound.Closed() {
		return &PolicyViolationError{Msg: "control frame after close"}
	}
	if h.Length > 125 {
		return &ProtocolError{Msg: "control frame too long"}
	}

	switch kind {
	case KindPing:
		m.safeGo("on_ping", func() { m.handlers.OnPing(payload) })
	case KindPong:
		m.safeGo("on_pong", func() { m.handlers.OnPong(payload) })
	}
	return nil
}

// handleCloseFrame implements the Close row of spec.md §4.5.
func (m *ConnectionMachine) handleCloseFrame(h Header) error {
	var payload []byte
	if h.Length <= 125 {
		var err error
		payload, err = m.inbound.ReadControlPayload(m.r, h)
		if err != nil {
			return err
		}
	} else {
		if err := m.inbound.Drain(m.r, h); err != nil {
			return err
		}
		return &ProtocolError{Msg: "control frame too long"}
	}

	reason, text, err := reasonFromBytes(payload)
	if err != nil {
		return err
	}

	effective := reason
	if effective == ReasonNoStatus {
		effective = ReasonNormal
	}

	m.safeGo("on_closed", func() { m.handlers.OnClosed(effective.Code, text) })

	wasServerInitiated := m.outbound.Closed()
	m.assembler.Abort(errClosing)
	if !wasServerInitiated {
		_ = m.outbound.Close(effective, text)
	}

	m.state.Store(int32(StateClosed))
	return errConnectionDone
}

// onTransportFailure handles a forcibly reset or incomplete connection:
// logged and abandoned, with no close frame attempted (spec.md §7.5).
func (m *ConnectionMachine) onTransportFailure(err error) {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		m.logger.Debug().Msg("peer closed the connection")
	default:
		m.logger.Warn().Err(err).Msg("transport read failed")
	}
	m.assembler.Abort(errClosing)
	m.state.Store(int32(StateClosed))
}

// onFatal handles a protocol-layer error surfaced from dispatch: the
// close handshake is attempted (echoing the mapped CloseReason) before
// the connection is torn down.
func (m *ConnectionMachine) onFatal(err error) {
	switch {
	case errors.As(err, new(*ProtocolError)), errors.As(err, new(*InconsistentDataError)),
		errors.As(err, new(*PolicyViolationError)), errors.As(err, new(*MessageTooBigError)):
		reason, msg := reasonFor(err)
		m.assembler.Abort(errClosing)
		m.RequestClose(reason, msg)
		m.logger.Warn().Err(err).Msg("closing connection due to protocol violation")
		m.state.Store(int32(StateClosed))
	default:
		m.onTransportFailure(err)
	}
}

func (m *ConnectionMachine) teardown() {
	m.state.Store(int32(StateClosed))
	_ = m.conn.Close()
	close(m.done)
	for _, fn := range m.onTeardown {
		fn(m)
	}
}

// safeGo runs fn in its own goroutine, recovering a panic so a faulty
// application callback can't take down the connection loop (spec.md
// §7.6: ApplicationError is logged, not propagated).
func (m *ConnectionMachine) safeGo(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error().Interface("panic", r).Str("handler", name).Msg("application handler panicked")
			}
		}()
		fn()
	}()
}
