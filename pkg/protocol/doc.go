// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package protocol holds the WAMP vocabulary shared by the router, the
// authenticators, the proxy and the transports: transport details, the
// Transport and Peer interfaces, well-known URIs and helpers for reading
// loosely typed dictionaries.
package protocol
