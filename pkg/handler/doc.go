// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package handler defines the contract between the MQTT bridge and the
// WAMP side of the node.
//
// # Data Flow
//
//	Client → Parser (decodes) → Bridge (QoS state) → Handler → Router
//	Router → Handler → Publisher (queued) → Bridge → Client
//
// # Handler Methods
//
// Connection lifecycle:
//   - ProcessConnect: admits or refuses a client with an MQTT return code
//   - NewWAMPSession / ExistingWAMPSession: attach the client to a realm
//   - OnDisconnect: detach and clean up
//
// Per-packet processing:
//   - ProcessPublishQoS0/1/2: inbound application messages
//   - ProcessSubscribe / ProcessUnsubscribe: subscription changes
//   - ProcessPubACK/PubREC/PubREL/PubCOMP: acknowledgement notifications
//
// Every method is mandatory. Embed NoopHandler to implement only a subset.
//
// # Context
//
// Context carries the connection metadata and a Publisher through which the
// handler sends messages back to the client. Publisher calls are queued and
// written on a later event-loop turn, so a publish issued while handling a
// Subscribe is written after the SubACK.
package handler
