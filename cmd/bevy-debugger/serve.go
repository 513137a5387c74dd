package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"

	"go.uber.org/zap"

	"github.com/bevy-tools/bevy-debugger-mcp/internal/config"
	"github.com/bevy-tools/bevy-debugger-mcp/internal/mcp"
	"github.com/bevy-tools/bevy-debugger-mcp/internal/transport"
)

// run builds the application and serves whichever transport cfg.Mode
// selects, mapping failures to the exit codes spec §6.3 defines.
func run(ctx context.Context, cfg *config.Config) error {
	app, err := buildApplication(ctx, cfg)
	if err != nil {
		return &exitError{code: 1, err: err}
	}
	defer app.shutdown(context.Background())

	switch cfg.Mode {
	case config.TransportStdio:
		return serveStdio(ctx, app)
	case config.TransportTCP:
		return serveTCP(ctx, app, cfg.MCPPort)
	default:
		return &exitError{code: 1, err: fmt.Errorf("unknown transport mode %q", cfg.Mode)}
	}
}

// stdioRWC adapts os.Stdin/os.Stdout to the single io.ReadWriteCloser
// StreamTransport expects; Close is a no-op since neither descriptor is
// ours to close.
type stdioRWC struct {
	io.Reader
	io.Writer
}

func (stdioRWC) Close() error { return nil }

func serveStdio(ctx context.Context, app *application) error {
	principal := principalForStdio(app.cfg)
	t := transport.NewStreamTransport(stdioRWC{Reader: os.Stdin, Writer: os.Stdout})
	srv := mcp.NewServer(t, app.registry, principal, version, app.logger)

	app.logger.Info("serving MCP over stdio")
	if err := srv.Serve(ctx); err != nil && ctx.Err() == nil {
		return &exitError{code: 2, err: fmt.Errorf("stdio transport fatal: %w", err)}
	}
	return nil
}

// serveTCP accepts exactly one MCP client at a time, per spec §6.1;
// a second connection attempt while one is active is rejected outright.
func serveTCP(ctx context.Context, app *application, port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return &exitError{code: 1, err: fmt.Errorf("tcp listen: %w", err)}
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	app.logger.Info("serving MCP over tcp", zap.Int("port", port))

	active := make(chan struct{}, 1)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return &exitError{code: 2, err: fmt.Errorf("tcp transport fatal: %w", err)}
		}

		select {
		case active <- struct{}{}:
		default:
			app.logger.Warn("rejecting tcp connection, one is already active", zap.String("remote", conn.RemoteAddr().String()))
			conn.Close()
			continue
		}

		go handleTCPConn(ctx, app, conn, active)
	}
}

func handleTCPConn(ctx context.Context, app *application, conn net.Conn, active chan struct{}) {
	defer func() { <-active }()
	defer conn.Close()

	principal, err := authenticateTCP(conn, app.tokens)
	if err != nil {
		app.logger.Warn("tcp handshake failed", zap.Error(err), zap.String("remote", conn.RemoteAddr().String()))
		return
	}

	t := transport.NewFramedTransport(conn)
	srv := mcp.NewServer(t, app.registry, principal, version, app.logger)
	if err := srv.Serve(ctx); err != nil && ctx.Err() == nil {
		app.logger.Warn("tcp session ended with error", zap.Error(err))
	}
}
