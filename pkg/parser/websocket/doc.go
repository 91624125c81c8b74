// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package websocket carries WAMP and MQTT over WebSocket.
//
// # WAMP
//
// Server upgrades HTTP requests, negotiating one of the wamp.2.json,
// wamp.2.msgpack and wamp.2.cbor subprotocols, and hands a Peer to the
// session loop. JSON travels in text frames, the binary serializations in
// binary frames. When cookie tracking is enabled the upgrade reads or issues
// the cbtid cookie and reports it in the transport details, which is what
// cookie authentication and logout fan-out key on. Dial opens the client
// side for proxy backends, optionally over a Unix domain socket.
//
// # MQTT
//
// MQTTHandler upgrades with the mqtt subprotocol and wraps the connection in
// Conn, a net.Conn adapter, so that the MQTT bridge reads the same byte
// stream it reads from TCP:
//
//	conn := websocket.NewConn(ws)
//	bridge.Serve(ctx, conn)
//
// Conn writes every Write as one binary message and reads messages back to
// back as a continuous stream.
package websocket
