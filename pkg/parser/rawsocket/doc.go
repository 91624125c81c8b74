// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package rawsocket implements the WAMP RawSocket transport.
//
// # Handshake
//
// The client opens with four octets: the magic 0x7F, a byte carrying the
// maximum message length it accepts in the upper nibble (2^(9+n) octets)
// and the serializer in the lower nibble, and two reserved zero octets. The
// server answers with the same layout announcing its own limit, or with an
// error code in the upper nibble and a zero serializer.
//
// # Framing
//
// Every message is prefixed by one octet of frame type (regular, ping or
// pong) and a 24-bit big endian payload length. Pings are answered with a
// pong carrying the same payload.
package rawsocket
