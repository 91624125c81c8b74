// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"crypto/subtle"

	"github.com/absmach/wampd/pkg/protocol"
	"github.com/gammazero/nexus/v3/wamp"
	"github.com/golang-jwt/jwt/v5"
)

const providerJWT = "jwt"

type ticket struct {
	cfg    MethodConfig
	deps   Deps
	req    Hello
	authid string
}

func newTicket(cfg MethodConfig, deps Deps) PendingAuth {
	return &ticket{cfg: cfg, deps: deps}
}

func (t *ticket) Method() string { return MethodTicket }

func (t *ticket) Hello(_ context.Context, req Hello) Outcome {
	t.req = req
	t.authid = req.AuthID()
	if t.authid == "" {
		return deny(protocol.ErrNoSuchPrincipal, "ticket authentication requires an authid")
	}
	if t.cfg.Type != TypeDynamic && t.cfg.JWTSecret == "" {
		if _, ok := t.cfg.Principals[t.authid]; !ok {
			return deny(protocol.ErrNoSuchPrincipal, "no principal with authid %q exists", t.authid)
		}
	}
	return Challenge{Method: MethodTicket, Extra: wamp.Dict{}}
}

func (t *ticket) Authenticate(ctx context.Context, signature string, _ wamp.Dict) Outcome {
	if t.cfg.JWTSecret != "" {
		if o, ok := t.verifyJWT(signature); ok {
			return o
		}
	}
	p, provider, err := lookup(ctx, t.cfg, t.deps, t.req, t.authid, wamp.Dict{"ticket": signature})
	if err != nil {
		return lookupOutcome(t.authid, err)
	}
	// Dynamic authenticators check the ticket themselves and only answer
	// with the principal on success.
	if provider != providerDynamic || p.Ticket != "" {
		if subtle.ConstantTimeCompare([]byte(p.Ticket), []byte(signature)) != 1 {
			return deny(protocol.ErrAuthenticationFailed, "invalid ticket for authid %q", t.authid)
		}
	}
	return accept(t.req, p, t.cfg, MethodTicket, provider, t.authid)
}

type ticketClaims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

func (t *ticket) verifyJWT(signature string) (Outcome, bool) {
	var claims ticketClaims
	tok, err := jwt.ParseWithClaims(signature, &claims, func(*jwt.Token) (any, error) {
		return []byte(t.cfg.JWTSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithSubject(t.authid))
	if err != nil || !tok.Valid {
		if _, static := t.cfg.Principals[t.authid]; static || t.cfg.Type == TypeDynamic {
			return nil, false
		}
		return deny(protocol.ErrAuthenticationFailed, "invalid ticket for authid %q", t.authid), true
	}
	p := t.cfg.Principals[t.authid]
	if claims.Role != "" {
		p.Role = claims.Role
	}
	return accept(t.req, p, t.cfg, MethodTicket, providerJWT, t.authid), true
}
