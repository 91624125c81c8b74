// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
	"crypto/x509"

	"github.com/absmach/wampd/pkg/parser/mqtt"
)

// Publisher sends an application message to the MQTT client owning a
// session. Implementations queue the message; they never write from within
// the call.
type Publisher interface {
	SendPublish(topic string, qos byte, payload []byte, retain bool) error
}

// Context contains connection metadata and credentials extracted from the
// Connect packet. It is passed to every Handler method.
type Context struct {
	// SessionID is a unique identifier for this connection
	SessionID string

	// Username from the Connect packet, empty when absent
	Username string

	// Password from the Connect packet (raw bytes, not hashed)
	Password []byte

	// ClientID from the Connect packet
	ClientID string

	// RemoteAddr is the client's network address
	RemoteAddr string

	// Protocol is "mqtt" for raw TCP and "mqtt-ws" for MQTT over WebSocket
	Protocol string

	// Cert is the client's TLS certificate (if using mTLS)
	Cert *x509.Certificate

	// Publisher delivers outbound messages to this client
	Publisher Publisher

	// Subscriptions holds the topic filters and granted QoS of a resumed
	// session. It is set before ExistingWAMPSession.
	Subscriptions map[string]byte

	// CleanDisconnect is set when the client ended the connection with a
	// Disconnect packet, in which case its will is discarded.
	CleanDisconnect bool
}

// Handler maps MQTT packets onto WAMP sessions. The bridge calls each method
// on the connection's event loop and does not read further input until it
// returns, so a slow handler applies backpressure to its own client only.
//
// Any returned error, and any panic, drops the connection.
type Handler interface {
	// ProcessConnect decides whether to admit a client. A return code of 0
	// accepts; 1 to 5 are the MQTT refusal codes. sessionPresent may only be
	// true together with code 0.
	ProcessConnect(ctx context.Context, hctx *Context, pkt *mqtt.Connect) (code byte, sessionPresent bool, err error)

	// NewWAMPSession is called after a Connect is accepted without a
	// resumable session.
	NewWAMPSession(ctx context.Context, hctx *Context, pkt *mqtt.Connect) error

	// ExistingWAMPSession is called after a Connect resumes a stored session.
	ExistingWAMPSession(ctx context.Context, hctx *Context, pkt *mqtt.Connect) error

	// ProcessPublishQoS0 handles an inbound at-most-once publish.
	ProcessPublishQoS0(ctx context.Context, hctx *Context, pkt *mqtt.Publish) error

	// ProcessPublishQoS1 handles an inbound at-least-once publish. PubACK is
	// sent when it returns nil.
	ProcessPublishQoS1(ctx context.Context, hctx *Context, pkt *mqtt.Publish) error

	// ProcessPublishQoS2 handles an inbound exactly-once publish. PubREC is
	// sent when it returns nil.
	ProcessPublishQoS2(ctx context.Context, hctx *Context, pkt *mqtt.Publish) error

	// ProcessSubscribe returns one granted QoS (or mqtt.SubscribeFailure) per
	// requested topic filter.
	ProcessSubscribe(ctx context.Context, hctx *Context, pkt *mqtt.Subscribe) ([]byte, error)

	// ProcessUnsubscribe removes subscriptions. UnsubACK follows.
	ProcessUnsubscribe(ctx context.Context, hctx *Context, pkt *mqtt.Unsubscribe) error

	// ProcessPubACK, ProcessPubREC, ProcessPubREL and ProcessPubCOMP observe
	// acknowledgements. The bridge owns the handshake state.
	ProcessPubACK(ctx context.Context, hctx *Context, pkt *mqtt.PubACK) error
	ProcessPubREC(ctx context.Context, hctx *Context, pkt *mqtt.PubREC) error
	ProcessPubREL(ctx context.Context, hctx *Context, pkt *mqtt.PubREL) error
	ProcessPubCOMP(ctx context.Context, hctx *Context, pkt *mqtt.PubCOMP) error

	// OnDisconnect is called once when the connection closes for any reason.
	OnDisconnect(ctx context.Context, hctx *Context) error
}

// NoopHandler accepts every connection, grants every subscription at the
// requested QoS and discards publishes. Useful for testing.
type NoopHandler struct{}

var _ Handler = (*NoopHandler)(nil)

func (h *NoopHandler) ProcessConnect(ctx context.Context, hctx *Context, pkt *mqtt.Connect) (byte, bool, error) {
	return mqtt.ConnAccepted, false, nil
}

func (h *NoopHandler) NewWAMPSession(ctx context.Context, hctx *Context, pkt *mqtt.Connect) error {
	return nil
}

func (h *NoopHandler) ExistingWAMPSession(ctx context.Context, hctx *Context, pkt *mqtt.Connect) error {
	return nil
}

func (h *NoopHandler) ProcessPublishQoS0(ctx context.Context, hctx *Context, pkt *mqtt.Publish) error {
	return nil
}

func (h *NoopHandler) ProcessPublishQoS1(ctx context.Context, hctx *Context, pkt *mqtt.Publish) error {
	return nil
}

func (h *NoopHandler) ProcessPublishQoS2(ctx context.Context, hctx *Context, pkt *mqtt.Publish) error {
	return nil
}

func (h *NoopHandler) ProcessSubscribe(ctx context.Context, hctx *Context, pkt *mqtt.Subscribe) ([]byte, error) {
	granted := make([]byte, len(pkt.TopicRequests))
	for i, req := range pkt.TopicRequests {
		granted[i] = req.MaxQoS
	}
	return granted, nil
}

func (h *NoopHandler) ProcessUnsubscribe(ctx context.Context, hctx *Context, pkt *mqtt.Unsubscribe) error {
	return nil
}

func (h *NoopHandler) ProcessPubACK(ctx context.Context, hctx *Context, pkt *mqtt.PubACK) error {
	return nil
}

func (h *NoopHandler) ProcessPubREC(ctx context.Context, hctx *Context, pkt *mqtt.PubREC) error {
	return nil
}

func (h *NoopHandler) ProcessPubREL(ctx context.Context, hctx *Context, pkt *mqtt.PubREL) error {
	return nil
}

func (h *NoopHandler) ProcessPubCOMP(ctx context.Context, hctx *Context, pkt *mqtt.PubCOMP) error {
	return nil
}

func (h *NoopHandler) OnDisconnect(ctx context.Context, hctx *Context) error {
	return nil
}
