// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package proxy implements a WAMP proxy node: client facing transports
// whose sessions are authenticated locally and then relayed to backend
// router workers.
//
// # Architecture
//
//	client ──► Transport ──► Frontend ──► Controller ──► Backend ──► router worker
//	                          (auth)      (routes,        (cryptosign-proxy
//	                                       mapping)        or anonymous-proxy)
//
// A Frontend runs the same authentication as a router session against the
// transport's auth policy. Once the client is accepted, the Controller
// selects a connection for the (realm, authrole) pair, round robin over the
// routes that serve it, and joins the backend router with a proxy
// credential. The client identity travels in the Hello authextra as
// proxy_realm, proxy_authid, proxy_authrole, proxy_authmethod,
// proxy_authprovider and proxy_authextra. The client receives its Welcome
// only after the backend session joined, and the session ID it sees is the
// one the backend router assigned.
//
// The Controller owns the mapping of frontends to backends; the two sides
// only know each other through a FrontendID handle.
//
// # Resources
//
// Transports, connections and routes are started and stopped at runtime.
// Every lifecycle transition is published as
// <prefix>on_proxy_<kind>_<state> with the resource as the only argument:
//
//	{"id": ..., "config": {...}, "state": "started", "started": ..., "stopped": ...}
//
// A connection is a backend endpoint plus its credential:
//
//	id: worker1
//	transport:
//	  type: rawsocket
//	  endpoint: {type: unix, path: /run/wampd/worker1.sock}
//	  serializer: cbor
//	auth:
//	  anonymous-proxy: {type: static}
//
// Anonymous proxy credentials are refused for anything but Unix domain
// sockets. Each connection dials through its own circuit breaker.
package proxy
