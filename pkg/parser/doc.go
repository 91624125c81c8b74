// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package parser holds the types shared by the wampd wire protocol parsers.
//
// # Parsers
//
//   - mqtt: incremental MQTT 3.1.1 packet parser and serializer
//   - rawsocket: WAMP RawSocket handshake and framing
//   - websocket: WAMP over WebSocket (and MQTT over WebSocket) transports
//   - serializer: WAMP serializers and their negotiation
//
// # Stream Parsing
//
// Byte-stream parsers implement StreamParser. They buffer partial input and
// only emit an event once a complete frame is available, so the result never
// depends on how the network split the stream into reads.
//
// # Roles and Directions
//
// Role picks the dispatch table of a parser (server decodes client packets,
// client decodes server packets). Direction labels message flow through the
// WAMP proxy: Upstream is frontend to backend, Downstream is backend to
// frontend.
package parser
