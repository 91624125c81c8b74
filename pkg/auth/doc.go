// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package auth implements the WAMP authentication methods a router or proxy
// accepts during the HELLO/CHALLENGE/AUTHENTICATE exchange.
//
// An Authenticator is built once per transport from a Config naming the
// enabled methods. For each HELLO it walks the client's authmethods in
// order, skips those not configured, and runs the first match. Methods
// answer with Accept, Challenge or Deny; panics and lookup failures become a
// Deny, never an error the caller has to handle.
//
// Principals come from the configuration (static) or from a WAMP procedure
// called through a Caller (dynamic). Cookie authentication replays an
// earlier Accept stored in a CookieStore for the transport's tracking
// cookie and falls through when there is none.
package auth
