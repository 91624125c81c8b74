// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"context"
	"crypto/x509"

	"github.com/gammazero/nexus/v3/wamp"
)

// TransportType names the kind of connection a session arrived on.
type TransportType string

const (
	TransportWebSocket TransportType = "websocket"
	TransportRawSocket TransportType = "rawsocket"
	TransportMQTT      TransportType = "mqtt"
	TransportFunction  TransportType = "function"
)

// Details describes the connection underneath a WAMP session.
type Details struct {
	Type       TransportType
	Peer       string
	IsSecure   bool
	UnixSocket bool
	ClientCert *x509.Certificate
	// CookieID is the tracking cookie presented or issued on upgrade.
	CookieID string
	// ChannelID is the TLS channel binding (tls-unique) when available.
	ChannelID []byte
	// Serializer is the negotiated serializer name (json, msgpack, cbor).
	Serializer string
}

// Dict marshals the details for session meta information.
func (d *Details) Dict() wamp.Dict {
	if d == nil {
		return wamp.Dict{}
	}
	out := wamp.Dict{
		"type":       string(d.Type),
		"peer":       d.Peer,
		"is_secure":  d.IsSecure,
		"serializer": d.Serializer,
	}
	if d.CookieID != "" {
		out["cbtid"] = d.CookieID
	}
	return out
}

// Transport sends WAMP messages to one peer.
type Transport interface {
	Send(msg wamp.Message) error
	Close() error
	Details() *Details
}

// Peer is a Transport that can also receive.
type Peer interface {
	Transport
	// Recv blocks for the next message. It returns an error once the
	// connection is closed.
	Recv(ctx context.Context) (wamp.Message, error)
}

// MessageName returns the WAMP message type name, such as "PUBLISH".
func MessageName(msg wamp.Message) string {
	if msg == nil {
		return "nil"
	}
	return msg.MessageType().String()
}
