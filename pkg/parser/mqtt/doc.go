// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package mqtt implements an incremental MQTT 3.1.1 parser and encoder.
//
// # Overview
//
// Parser consumes a byte stream in arbitrary chunks and emits typed packet
// events. Feeding a stream one byte at a time produces the same events as
// feeding it in one piece; partial packets stay buffered until the rest
// arrives.
//
// # Roles
//
// A server-role parser decodes packets sent by clients (Connect, Publish,
// Subscribe, ...). A client-role parser decodes packets sent by servers
// (ConnACK, SubACK, ...). A packet type that is valid MQTT but belongs to
// the other role is a protocol violation.
//
// # Protocol Violations
//
// Any decode error produces a single Failure event and moves the parser to
// StateProtocolViolation. All later input is discarded. Ordering rules are
// enforced after decoding:
//   - the first packet must be Connect
//   - a second Connect is rejected
//   - the reserved Connect flag bit must be zero
//
// Trailing bytes after a complete Connect body are ignored with a warning;
// every other packet type must be consumed exactly.
//
// # Wire Primitives
//
// The codec functions (ReadString, WriteString, EncodeRemainingLength,
// WritePacketHeader) are exported for the bridge and for tests.
package mqtt
