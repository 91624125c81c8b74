// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/absmach/wampd"
	"github.com/absmach/wampd/pkg/health"
	"github.com/absmach/wampd/pkg/mgmt"
	"github.com/absmach/wampd/pkg/server/listener"
	"github.com/caarlos0/env/v11"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

// listenerConfig reads the settings under prefix. ok is false when the
// listener has no address.
func listenerConfig(prefix string) (wampd.Config, bool, error) {
	cfg, err := wampd.NewConfig(env.Options{Prefix: prefix})
	if err != nil {
		return wampd.Config{}, false, fmt.Errorf("%s: %w", prefix, err)
	}
	return cfg, cfg.Enabled(), nil
}

// bind opens the listening socket of cfg, replacing a stale Unix socket.
func bind(cfg wampd.Config) (net.Listener, error) {
	network, address := cfg.Address()
	if network == "unix" {
		if err := os.Remove(address); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to remove stale socket %s: %w", address, err)
		}
	}
	ln, err := net.Listen(network, address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s %s: %w", network, address, err)
	}
	if cfg.TLSConfig != nil {
		ln = tls.NewListener(ln, cfg.TLSConfig)
	}
	return ln, nil
}

// serveHTTP serves h on ln until ctx is cancelled.
func serveHTTP(ctx context.Context, ln net.Listener, h http.Handler, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// closeOnDone stops l once ctx is cancelled.
func closeOnDone(g *errgroup.Group, ctx context.Context, l *listener.Listener) {
	g.Go(func() error {
		select {
		case <-ctx.Done():
		case <-l.Done():
		}
		return l.Close()
	})
}

// newChecker registers the process level health checks.
func newChecker(app appConfig) *health.Checker {
	checker := health.NewChecker(app.HealthCacheTTL)
	checker.Register("goroutines", func(context.Context) error {
		if count := runtime.NumGoroutine(); count > app.MaxGoroutines {
			return fmt.Errorf("too many goroutines: %d > %d", count, app.MaxGoroutines)
		}
		return nil
	})
	return checker
}

// startManagement serves the management API when WAMPD_MGMT_ has an
// address. proxy is nil on router nodes.
func startManagement(g *errgroup.Group, ctx context.Context, app appConfig, checker *health.Checker, proxy mgmt.Proxy, logger *slog.Logger) error {
	cfg, ok, err := listenerConfig(mgmtPrefix)
	if err != nil || !ok {
		return err
	}
	ln, err := bind(cfg)
	if err != nil {
		return err
	}
	api := mgmt.New(mgmt.Config{
		Proxy:           proxy,
		Health:          checker,
		Metrics:         promhttp.Handler(),
		ShutdownTimeout: app.ShutdownTimeout,
		Logger:          logger.With(slog.String("component", "mgmt")),
	})
	g.Go(func() error {
		return api.Listen(ctx, ln)
	})
	return nil
}
