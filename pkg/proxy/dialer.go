// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/absmach/wampd/pkg/errors"
	"github.com/absmach/wampd/pkg/parser/rawsocket"
	"github.com/absmach/wampd/pkg/parser/serializer"
	"github.com/absmach/wampd/pkg/parser/websocket"
	"github.com/absmach/wampd/pkg/protocol"
)

// Dialer opens the transport to a backend router worker.
type Dialer interface {
	Dial(ctx context.Context, cfg ConnectionConfig) (protocol.Peer, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, cfg ConnectionConfig) (protocol.Peer, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, cfg ConnectionConfig) (protocol.Peer, error) {
	return f(ctx, cfg)
}

// NetDialer reaches backends over RawSocket or WebSocket.
type NetDialer struct {
	// TLSConfig is used for endpoints with tls set.
	TLSConfig *tls.Config
}

// Dial connects to the backend described by cfg.
func (d NetDialer) Dial(ctx context.Context, cfg ConnectionConfig) (protocol.Peer, error) {
	ser := serializer.JSON
	if cfg.Transport.Serializer != "" {
		s, err := serializer.ByName(cfg.Transport.Serializer)
		if err != nil {
			return nil, err
		}
		ser = s
	}
	ep := cfg.Transport.Endpoint
	var tlsConfig *tls.Config
	if ep.TLS {
		tlsConfig = d.TLSConfig
		if tlsConfig == nil {
			tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
	}

	switch cfg.Transport.Type {
	case TransportRawSocket:
		network, address := ep.Network()
		p, err := rawsocket.Dial(ctx, network, address, tlsConfig, rawsocket.ClientConfig{Serializer: ser})
		if err != nil {
			return nil, err
		}
		return p, nil
	case TransportWebSocket:
		dc := websocket.DialConfig{URL: cfg.Transport.URL, Serializer: ser, TLSConfig: tlsConfig}
		if ep.Type == EndpointUnix {
			dc.UnixPath = ep.Path
		}
		p, err := websocket.Dial(ctx, dc)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("connection %s transport %q: %w", cfg.ID, cfg.Transport.Type, errors.ErrInvalidInput)
	}
}
