// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package parser

// Direction indicates the direction of message flow through a proxied connection.
type Direction int

const (
	// Upstream represents messages flowing from the client to the backend router.
	Upstream Direction = iota

	// Downstream represents messages flowing from the backend router to the client.
	Downstream
)

// String returns a string representation of the direction.
func (d Direction) String() string {
	switch d {
	case Upstream:
		return "upstream"
	case Downstream:
		return "downstream"
	default:
		return "unknown"
	}
}

// Role selects which side of a protocol a parser decodes for. A server
// decodes client-originated packets and a client decodes server-originated
// ones; each role has its own dispatch table.
type Role int

const (
	// Server decodes packets sent by clients.
	Server Role = iota

	// Client decodes packets sent by servers.
	Client
)

// String returns a string representation of the role.
func (r Role) String() string {
	switch r {
	case Server:
		return "server"
	case Client:
		return "client"
	default:
		return "unknown"
	}
}

// StreamParser consumes a byte stream incrementally. Feeding the same
// stream in any chunking yields the same sequence of events.
type StreamParser[E any] interface {
	DataReceived(chunk []byte) []E
}
