// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package listener runs WAMP RawSocket and WebSocket endpoints and hands
// every accepted peer to a serve function.
package listener

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/absmach/wampd/pkg/parser/rawsocket"
	"github.com/absmach/wampd/pkg/parser/serializer"
	"github.com/absmach/wampd/pkg/parser/websocket"
	"github.com/absmach/wampd/pkg/protocol"
	"github.com/absmach/wampd/pkg/server/tcp"
)

// Listener kinds.
const (
	RawSocket = "rawsocket"
	WebSocket = "websocket"
)

// ServeFunc runs a WAMP session over an accepted peer.
type ServeFunc func(ctx context.Context, peer protocol.Peer) error

// Config configures one endpoint.
type Config struct {
	Type string
	// Network is tcp or unix.
	Network     string
	Address     string
	TLSConfig   *tls.Config
	Serializers []serializer.Serializer
	// Path is the WebSocket request path, "/" when empty.
	Path            string
	Cookie          websocket.CookieConfig
	MaxConnections  int
	ShutdownTimeout time.Duration
	Logger          *slog.Logger
}

// Listener is a running endpoint.
type Listener struct {
	addr   net.Addr
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// Addr is the bound address.
func (l *Listener) Addr() net.Addr {
	return l.addr
}

// Done is closed once the endpoint stopped.
func (l *Listener) Done() <-chan struct{} {
	return l.done
}

// Close stops accepting and waits for the endpoint to drain.
func (l *Listener) Close() error {
	l.cancel()
	<-l.done
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *Listener) finish(err error) {
	l.mu.Lock()
	l.err = err
	l.mu.Unlock()
	close(l.done)
}

// Start binds the endpoint and serves it in the background. The endpoint
// outlives ctx cancellation; use Close to stop it.
func Start(ctx context.Context, cfg Config, serve ServeFunc) (*Listener, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Network == "" {
		cfg.Network = "tcp"
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if len(cfg.Serializers) == 0 {
		cfg.Serializers = serializer.All
	}
	switch cfg.Type {
	case RawSocket:
		return startRawSocket(ctx, cfg, serve)
	case WebSocket:
		return startWebSocket(ctx, cfg, serve)
	default:
		return nil, fmt.Errorf("unknown listener type %q", cfg.Type)
	}
}

func startRawSocket(ctx context.Context, cfg Config, serve ServeFunc) (*Listener, error) {
	h := &rawsocket.Handler{
		Config: rawsocket.ServerConfig{Serializers: cfg.Serializers},
		Serve:  rawsocket.ServeFunc(serve),
	}
	srv := tcp.New(tcp.Config{
		Network:         cfg.Network,
		Address:         cfg.Address,
		TLSConfig:       cfg.TLSConfig,
		MaxConnections:  cfg.MaxConnections,
		ShutdownTimeout: cfg.ShutdownTimeout,
		Logger:          cfg.Logger,
	}, h)

	lctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	l := &Listener{cancel: cancel, done: make(chan struct{})}
	errCh := make(chan error, 1)
	go func() {
		err := srv.Listen(lctx)
		errCh <- err
		l.finish(err)
	}()
	select {
	case <-srv.Ready():
		l.addr = srv.Addr()
		return l, nil
	case err := <-errCh:
		cancel()
		return nil, err
	}
}

func startWebSocket(ctx context.Context, cfg Config, serve ServeFunc) (*Listener, error) {
	if cfg.Network == "unix" {
		if err := os.Remove(cfg.Address); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to remove stale socket %s: %w", cfg.Address, err)
		}
	}
	ln, err := net.Listen(cfg.Network, cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s %s: %w", cfg.Network, cfg.Address, err)
	}
	if cfg.TLSConfig != nil {
		ln = tls.NewListener(ln, cfg.TLSConfig)
	}

	lctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	path := cfg.Path
	if path == "" {
		path = "/"
	}
	mux := http.NewServeMux()
	mux.Handle(path, websocket.NewServer(websocket.ServerConfig{
		Serializers: cfg.Serializers,
		Cookie:      cfg.Cookie,
		Logger:      cfg.Logger,
	}, func(_ context.Context, p protocol.Peer) error {
		return serve(lctx, p)
	}))
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return lctx },
	}
	l := &Listener{addr: ln.Addr(), cancel: cancel, done: make(chan struct{})}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(ln)
	}()
	go func() {
		var err error
		select {
		case <-lctx.Done():
			cfg.Logger.Info("closing WebSocket listener", slog.String("address", l.addr.String()))
			shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			err = server.Shutdown(shutdownCtx)
			stop()
		case err = <-errCh:
			cancel()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		l.finish(err)
	}()
	cfg.Logger.Info("WebSocket listener started", slog.String("address", l.addr.String()))
	return l, nil
}
