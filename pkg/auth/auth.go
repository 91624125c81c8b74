// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/absmach/wampd/pkg/metrics"
	"github.com/absmach/wampd/pkg/protocol"
	"github.com/gammazero/nexus/v3/wamp"
)

// Authentication method names.
const (
	MethodAnonymous       = "anonymous"
	MethodTicket          = "ticket"
	MethodWAMPCRA         = "wampcra"
	MethodSCRAM           = "scram"
	MethodCryptosign      = "cryptosign"
	MethodCryptosignProxy = "cryptosign-proxy"
	MethodAnonymousProxy  = "anonymous-proxy"
	MethodTLS             = "tls"
	MethodCookie          = "cookie"
)

// Outcome is the result of one step of an authentication exchange: Accept,
// Challenge or Deny.
type Outcome interface {
	outcome()
}

// Accept admits the session with the given identity.
type Accept struct {
	Realm        string
	AuthID       string
	AuthRole     string
	AuthMethod   string
	AuthProvider string
	AuthExtra    wamp.Dict
}

// Challenge asks the client for one more round trip.
type Challenge struct {
	Method string
	Extra  wamp.Dict
}

// Deny rejects the session.
type Deny struct {
	Reason  wamp.URI
	Message string
}

func (Accept) outcome()    {}
func (Challenge) outcome() {}
func (Deny) outcome()      {}

func deny(reason wamp.URI, format string, args ...any) Outcome {
	return Deny{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// Hello carries what an authentication method sees of the client's HELLO.
type Hello struct {
	Realm     string
	SessionID wamp.ID
	Details   wamp.Dict
	Transport *protocol.Details
}

// AuthID returns the authid the client claims, if any.
func (h Hello) AuthID() string {
	return protocol.String(h.Details, "authid")
}

// AuthExtra returns the client's authextra dictionary.
func (h Hello) AuthExtra() wamp.Dict {
	return protocol.Dict(h.Details, "authextra")
}

// PendingAuth is one authentication attempt. Hello is called once; when it
// returns a Challenge, Authenticate is called with the client's response.
type PendingAuth interface {
	Method() string
	Hello(ctx context.Context, req Hello) Outcome
	Authenticate(ctx context.Context, signature string, extra wamp.Dict) Outcome
}

// Caller invokes a WAMP procedure on the router. Dynamic authenticators and
// authorizers are reached through it.
type Caller interface {
	Call(ctx context.Context, procedure wamp.URI, args wamp.List, kwargs wamp.Dict) (*wamp.Result, error)
}

// Deps are the collaborators shared by every method of one Authenticator.
type Deps struct {
	// Caller resolves dynamic principals. It may be nil when only static
	// principal databases are configured.
	Caller  Caller
	Cookies CookieStore
	Nonces  *NonceCache
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Factory builds the PendingAuth for one HELLO.
type Factory func(cfg MethodConfig, deps Deps) PendingAuth
