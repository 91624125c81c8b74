// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package bridge maps MQTT 3.1.1 client connections onto a pluggable
// handler.Handler.
//
// # Connection Lifecycle
//
// Each connection owns a Protocol with three states: awaiting Connect,
// established and closed. The handler decides admission in ProcessConnect:
//
//   - 0 accepts; ConnACK is written and, for a resumed session, every
//     unacknowledged outbound message is replayed right after it
//   - 1 to 5 refuse; ConnACK carries the code and the connection closes
//   - anything else, or a refusal claiming a present session, closes the
//     connection without a reply
//
// # QoS
//
// Inbound QoS 1 publishes are acknowledged with PubACK and QoS 2 publishes
// with PubREC/PubCOMP once the handler returns. Outbound publishes queued
// through handler.Publisher get a packet identifier from the session and
// stay in flight until acknowledged.
//
// # Scheduling
//
// All state is touched from one Scheduler. Serve uses a Loop goroutine and
// stops reading while a packet is being handled, so a slow handler only
// delays its own client. Keepalive is 1.5 times the Connect keep-alive and
// is re-armed on every complete packet.
//
// # Persistence
//
// Sessions of clients connecting with clean_session=false are saved to a
// SessionStore when the connection ends. BadgerStore persists them across
// restarts.
package bridge
