// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/absmach/wampd/pkg/errors"
	"github.com/absmach/wampd/pkg/handler"
	"github.com/absmach/wampd/pkg/metrics"
	"github.com/absmach/wampd/pkg/parser/mqtt"
	"github.com/google/uuid"
)

const readBufferSize = 4096

// Config holds the bridge configuration.
type Config struct {
	// Store keeps non-clean sessions between connections. Defaults to an
	// in-memory store.
	Store SessionStore

	// MaxPacketSize limits the remaining length of inbound packets.
	MaxPacketSize int

	// Protocol is reported in handler.Context ("mqtt" when empty).
	Protocol string

	// Metrics is optional.
	Metrics *metrics.Metrics

	// Logger for bridge events
	Logger *slog.Logger
}

// Bridge owns the MQTT connections of one listener and the sessions they
// share.
type Bridge struct {
	handler       handler.Handler
	store         SessionStore
	maxPacketSize int
	protocol      string
	metrics       *metrics.Metrics
	logger        *slog.Logger

	mu   sync.Mutex
	live map[string]*Protocol
}

// New creates a bridge dispatching to h.
func New(cfg Config, h handler.Handler) *Bridge {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore()
	}
	if cfg.MaxPacketSize <= 0 {
		cfg.MaxPacketSize = mqtt.DefaultMaxPacketSize
	}
	if cfg.Protocol == "" {
		cfg.Protocol = "mqtt"
	}
	return &Bridge{
		handler:       h,
		store:         cfg.Store,
		maxPacketSize: cfg.MaxPacketSize,
		protocol:      cfg.Protocol,
		metrics:       cfg.Metrics,
		logger:        cfg.Logger,
		live:          map[string]*Protocol{},
	}
}

// NewProtocol creates the state machine for one connection. All calls into
// it must be made from sched.
func (b *Bridge) NewProtocol(tr Transport, sched Scheduler, hctx *handler.Context) *Protocol {
	if hctx.SessionID == "" {
		hctx.SessionID = uuid.NewString()
	}
	if hctx.Protocol == "" {
		hctx.Protocol = b.protocol
	}
	return newProtocol(b, tr, sched, hctx)
}

// claim registers p as the live connection for clientID. A previous
// connection with the same client id is closed and its session, detached
// before it could be stored, is returned.
func (b *Bridge) claim(clientID string, p *Protocol) *Session {
	b.mu.Lock()
	prev := b.live[clientID]
	b.live[clientID] = p
	b.mu.Unlock()

	if prev == nil || prev == p {
		return nil
	}
	b.logger.Info("client id taken over by new connection", slog.String("client_id", clientID))
	s := prev.detach()
	prev.sched.Defer(prev.Close)
	return s
}

// release unregisters p. It reports whether p was still the live connection.
func (b *Bridge) release(clientID string, p *Protocol) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.live[clientID] != p {
		return false
	}
	delete(b.live, clientID)
	return true
}

// Connections returns the number of admitted connections.
func (b *Bridge) Connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.live)
}

type connTransport struct {
	conn net.Conn
}

func (t connTransport) Write(b []byte) error {
	_, err := t.conn.Write(b)
	return err
}

func (t connTransport) Close() error {
	return t.conn.Close()
}

// Serve runs one client connection until it closes or ctx is cancelled.
// Reads are paused while a packet is being processed.
func (b *Bridge) Serve(ctx context.Context, conn net.Conn) error {
	defer conn.Close()

	hctx := &handler.Context{
		SessionID:  uuid.NewString(),
		RemoteAddr: conn.RemoteAddr().String(),
		Protocol:   b.protocol,
	}
	if tlsConn, ok := conn.(*tls.Conn); ok {
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			return fmt.Errorf("TLS handshake failed: %w", err)
		}
		if state := tlsConn.ConnectionState(); len(state.PeerCertificates) > 0 {
			hctx.Cert = state.PeerCertificates[0]
		}
	}

	return b.metrics.ObserveConnection(b.protocol, func() error {
		loop := NewLoop()
		go loop.Run(context.Background())

		stop := context.AfterFunc(ctx, func() { conn.Close() })
		defer stop()

		p := b.NewProtocol(connTransport{conn: conn}, loop, hctx)
		defer func() {
			loop.Do(p.ConnectionLost)
			loop.Stop()
		}()

		buf := make([]byte, readBufferSize)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				chunk := bytes.Clone(buf[:n])
				loop.Do(func() { p.DataReceived(chunk) })
			}
			if err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
					return nil
				}
				return err
			}
		}
	})
}
