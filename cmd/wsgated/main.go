// Command wsgated runs a standalone WebSocket server: it registers an
// echo-on-text handler and broadcasts binary messages to every other
// connected peer, exercising the full callback contract. Grounded on
// coregx-stream/examples/websocket/{echo,chat}-server and
// original_source/examples/{echoserver,chatserver}.py, both dropped by
// spec.md's distillation and re-added here per SPEC_FULL.md §7.7.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"github.com/regiontog/asws/internal/config"
	"github.com/regiontog/asws/ws"
)

func main() {
	bi, _ := debug.ReadBuildInfo()

	path, err := config.FilePath()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	flags := []cli.Flag{
		&cli.BoolFlag{
			Name:  "dev",
			Usage: "pretty console logging instead of JSON, and a lower log level",
		},
	}
	flags = append(flags, config.Flags(path)...)

	cmd := &cli.Command{
		Name:    "wsgated",
		Usage:   "server-side RFC 6455 WebSocket engine",
		Version: bi.Main.Version,
		Flags:   flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return run(ctx, cmd)
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	logger := newLogger(cmd.Bool("dev"))
	cfg := config.FromCommand(cmd)

	room := newChatRoom()
	server := ws.NewServer(cfg, room.handlersFor, logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// newLogger builds the base logger every connection's per-peer logger
// is derived from, matching tzrikka-timpani/cmd/timpani/main.go's
// --dev split between a human-readable console writer and structured
// JSON, swapped here from log/slog to this module's zerolog stack
// (github.com/rs/zerolog, grounded on tzrikka-timpani/pkg/temporal's
// zerolog.Logger usage).
func newLogger(dev bool) zerolog.Logger {
	if dev {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}).
			Level(zerolog.DebugLevel).
			With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).Level(zerolog.InfoLevel).With().Timestamp().Logger()
}
