// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrShutdownTimeout is returned when graceful shutdown exceeds the configured timeout.
	ErrShutdownTimeout = errors.New("shutdown timeout exceeded")
)

// Config holds the listener configuration.
type Config struct {
	// Network is "tcp" (default) or "unix".
	Network string

	// Address is host:port for tcp and the socket path for unix.
	Address string

	// TLSConfig is optional TLS configuration for the listener
	TLSConfig *tls.Config

	// MaxConnections caps concurrent connections. Zero means no limit.
	MaxConnections int

	// ShutdownTimeout is the maximum time to wait for active connections to drain
	// during graceful shutdown. After this timeout, remaining connections are
	// forcefully closed.
	ShutdownTimeout time.Duration

	// Logger for server events
	Logger *slog.Logger
}

// ConnHandler serves one accepted connection until it ends.
type ConnHandler interface {
	ServeConn(ctx context.Context, conn net.Conn) error
}

// Rejecter is implemented by handlers that tell refused clients why before
// the connection is closed.
type Rejecter interface {
	RejectConn(conn net.Conn)
}

// HandlerFunc adapts a function to ConnHandler.
type HandlerFunc func(ctx context.Context, conn net.Conn) error

func (f HandlerFunc) ServeConn(ctx context.Context, conn net.Conn) error {
	return f(ctx, conn)
}

// Server accepts stream connections and hands each to a ConnHandler.
type Server struct {
	config  Config
	handler ConnHandler
	wg      sync.WaitGroup
	active  atomic.Int64

	mu   sync.Mutex
	addr net.Addr
	up   chan struct{}
}

// New creates a new server with the given configuration and handler.
func New(cfg Config, h ConnHandler) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Network == "" {
		cfg.Network = "tcp"
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	return &Server{
		config:  cfg,
		handler: h,
		up:      make(chan struct{}),
	}
}

// Addr returns the bound address once the server is listening.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Ready is closed once the server is listening.
func (s *Server) Ready() <-chan struct{} {
	return s.up
}

// Active returns the number of connections being served.
func (s *Server) Active() int {
	return int(s.active.Load())
}

func (s *Server) listen() (net.Listener, error) {
	if s.config.Network == "unix" {
		// A socket file left behind by a crashed process blocks the bind.
		if err := os.Remove(s.config.Address); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to remove stale socket %s: %w", s.config.Address, err)
		}
	}
	return net.Listen(s.config.Network, s.config.Address)
}

// Listen starts the server and blocks until the context is cancelled.
// It implements graceful shutdown with connection draining.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := s.listen()
	if err != nil {
		return fmt.Errorf("failed to listen on %s %s: %w", s.config.Network, s.config.Address, err)
	}

	// Wrap with TLS if configured
	if s.config.TLSConfig != nil {
		listener = tls.NewListener(listener, s.config.TLSConfig)
		s.config.Logger.Info("TLS enabled", slog.String("address", s.config.Address))
	}

	s.mu.Lock()
	s.addr = listener.Addr()
	s.mu.Unlock()
	close(s.up)
	s.config.Logger.Info("server started",
		slog.String("network", s.config.Network),
		slog.String("address", listener.Addr().String()))

	// Connections outlive ctx until the drain timeout expires.
	connCtx, connCancel := context.WithCancel(context.Background())
	defer connCancel()

	// Accept loop
	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		for {
			conn, err := listener.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
					// Expected error during shutdown
					return
				default:
				}
				if errors.Is(err, net.ErrClosed) {
					return
				}
				s.config.Logger.Error("failed to accept connection", slog.String("error", err.Error()))
				continue
			}

			if limit := s.config.MaxConnections; limit > 0 && s.active.Load() >= int64(limit) {
				s.config.Logger.Warn("connection limit reached, refusing client",
					slog.String("remote", remote(conn)),
					slog.Int("limit", limit))
				go s.reject(conn)
				continue
			}

			s.wg.Add(1)
			s.active.Add(1)
			go func() {
				defer s.wg.Done()
				defer s.active.Add(-1)
				s.handleConn(connCtx, conn)
			}()
		}
	}()

	// Wait for shutdown signal
	<-ctx.Done()
	s.config.Logger.Info("shutdown signal received, closing listener")

	// Close the listener to stop accepting new connections
	if err := listener.Close(); err != nil {
		s.config.Logger.Error("error closing listener", slog.String("error", err.Error()))
	}

	// Wait for accept loop to finish
	<-acceptDone

	// Wait for active connections to drain with timeout
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.config.Logger.Info("all connections closed gracefully")
		return nil
	case <-time.After(s.config.ShutdownTimeout):
		s.config.Logger.Warn("shutdown timeout exceeded, forcing connection closure")
		// Cancel context to force close remaining connections
		connCancel()
		// Give a little more time for forced closure
		select {
		case <-done:
			return ErrShutdownTimeout
		case <-time.After(1 * time.Second):
			return ErrShutdownTimeout
		}
	}
}

func (s *Server) reject(conn net.Conn) {
	defer conn.Close()
	if r, ok := s.handler.(Rejecter); ok {
		r.RejectConn(conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	// Handlers block in Read; closing the connection is what ends them.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	s.config.Logger.Debug("connection accepted", slog.String("remote", remote(conn)))
	if err := s.handler.ServeConn(ctx, conn); err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
		s.config.Logger.Debug("connection handler error",
			slog.String("remote", remote(conn)),
			slog.String("error", err.Error()))
	}
	s.config.Logger.Debug("connection closed", slog.String("remote", remote(conn)))
}

func remote(conn net.Conn) string {
	if a := conn.RemoteAddr(); a != nil {
		return a.String()
	}
	return "unknown"
}
