// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tcp implements the stream listener every wampd transport runs on.
//
// # Overview
//
// Server accepts TCP or Unix domain socket connections, optionally wrapped
// in TLS, and hands each to a ConnHandler on its own goroutine. The MQTT
// bridge and the RawSocket transport are both ConnHandlers:
//
//	srv := tcp.New(tcp.Config{Address: ":1883"}, tcp.HandlerFunc(bridge.Serve))
//	srv := tcp.New(tcp.Config{Network: "unix", Address: "/run/wampd.sock"}, &rawsocket.Handler{...})
//
// # Connection Limit
//
// With MaxConnections set, clients beyond the limit are closed right after
// accept. Handlers implementing Rejecter get to answer first; the RawSocket
// handler replies with the "maximum connection count" handshake error.
//
// # Graceful Shutdown
//
// When the context passed to Listen is cancelled:
//
//  1. The listener closes and no new connections are accepted
//  2. Active connections are given ShutdownTimeout to finish
//  3. Remaining connections are closed and Listen returns ErrShutdownTimeout
//
// Connection tracking uses sync.WaitGroup:
//
//	server.wg.Add(1)
//	go server.handleConn(...)
//	defer server.wg.Done()
//
// # TLS Support
//
// Optional TLS termination:
//
//	cfg := tcp.Config{
//		Address:   ":8883",
//		TLSConfig: &tls.Config{Certificates: []tls.Certificate{cert}},
//	}
//
// Handlers see the *tls.Conn and read the client certificate from it.
package tcp
