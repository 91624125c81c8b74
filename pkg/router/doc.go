// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package router implements the WAMP router core: the per-connection
// Session state machine, realms with their broker and dealer, role based
// and dynamic authorization, and the session meta API.
//
// A Session moves from unjoined through auth pending to joined and finally
// closed. Hello runs the transport's auth.Authenticator; an Accept joins the
// realm and sends Welcome, a Challenge waits for Authenticate under a
// timeout, a Deny answers with Abort. Joined sessions hand application
// messages to their Realm, which authorizes them before routing. Errors
// from an authorizer fail only the request that triggered them.
//
// LocalSession is an in-process client. Every realm runs one with the
// trusted role to reach dynamic authenticators and authorizers, and the
// MQTT bridge attaches one per MQTT connection.
package router
