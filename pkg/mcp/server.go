package mcp

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"

	"github.com/xenophobed/isa-mcp/internal/telemetry"
)

// Server accepts MCP sessions over TCP.
type Server struct {
	deps Deps
	addr string
}

// NewServer creates a TCP session server.
func NewServer(addr string, deps Deps) *Server {
	return &Server{deps: deps, addr: addr}
}

// ListenAndServe accepts connections until ctx is cancelled, then waits for
// open sessions to finish unwinding.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.deps.Logger.Info("mcp server listening", "addr", s.addr)

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.deps.Logger.Warn("accepting mcp connection", "error", err)
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			telemetry.SessionsActive.Inc()
			defer telemetry.SessionsActive.Dec()
			NewSession(conn, s.deps).Run(ctx)
		}()
	}

	wg.Wait()
	return nil
}

// stdioConn glues stdin/stdout into one ReadWriteCloser for -stdio mode.
type stdioConn struct {
	in  io.ReadCloser
	out io.WriteCloser
}

func (c *stdioConn) Read(p []byte) (int, error)  { return c.in.Read(p) }
func (c *stdioConn) Write(p []byte) (int, error) { return c.out.Write(p) }
func (c *stdioConn) Close() error {
	_ = c.in.Close()
	return c.out.Close()
}

// ServeStdio serves a single session over stdin/stdout. Used when the
// process is launched directly by an MCP client.
func ServeStdio(ctx context.Context, deps Deps) error {
	telemetry.SessionsActive.Inc()
	defer telemetry.SessionsActive.Dec()
	NewSession(&stdioConn{in: os.Stdin, out: os.Stdout}, deps).Run(ctx)
	return nil
}
