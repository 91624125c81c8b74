// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"crypto/tls"
	"log/slog"
	"time"

	"github.com/absmach/wampd/pkg/auth"
	"github.com/absmach/wampd/pkg/parser/serializer"
	"github.com/absmach/wampd/pkg/parser/websocket"
	"github.com/absmach/wampd/pkg/protocol"
	"github.com/absmach/wampd/pkg/server/listener"
)

// ListenConfig holds what every proxy transport shares.
type ListenConfig struct {
	// Deps are handed to the authenticator of each transport.
	Deps auth.Deps
	// TLSConfig is used for endpoints with tls set.
	TLSConfig       *tls.Config
	MaxConnections  int
	ShutdownTimeout time.Duration
	Logger          *slog.Logger
}

// NewListenFunc returns a ListenFunc that serves RawSocket and WebSocket
// transports with the frontend sessions of the controller.
func NewListenFunc(cfg ListenConfig) ListenFunc {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return func(ctx context.Context, tc TransportConfig, c *Controller) (Listener, error) {
		authn, err := auth.New(tc.Auth, cfg.Deps)
		if err != nil {
			return nil, err
		}
		sers, err := serializer.Resolve(tc.Serializers)
		if err != nil {
			return nil, err
		}
		network, address := tc.Endpoint.Network()
		lc := listener.Config{
			Type:            tc.Type,
			Network:         network,
			Address:         address,
			Serializers:     sers,
			Cookie:          websocket.CookieConfig{Enabled: tc.Cookie},
			MaxConnections:  cfg.MaxConnections,
			ShutdownTimeout: cfg.ShutdownTimeout,
			Logger:          cfg.Logger.With(slog.String("transport", tc.ID)),
		}
		if tc.Endpoint.TLS {
			lc.TLSConfig = cfg.TLSConfig
		}
		l, err := listener.Start(ctx, lc, func(ctx context.Context, p protocol.Peer) error {
			return c.Serve(ctx, p, authn)
		})
		if err != nil {
			return nil, err
		}
		return l, nil
	}
}
