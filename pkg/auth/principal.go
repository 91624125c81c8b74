// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/absmach/wampd/pkg/errors"
	"github.com/absmach/wampd/pkg/protocol"
	"github.com/gammazero/nexus/v3/wamp"
)

const providerDynamic = "dynamic"

// lookup resolves authid in the method's principal database. Dynamic
// databases are asked through deps.Caller with (realm, authid, details).
func lookup(ctx context.Context, cfg MethodConfig, deps Deps, req Hello, authid string, extra wamp.Dict) (Principal, string, error) {
	if cfg.Type != TypeDynamic {
		p, ok := cfg.Principals[authid]
		if !ok {
			return Principal{}, "", errors.ErrNotFound
		}
		if p.Realm != "" && p.Realm != req.Realm {
			return Principal{}, "", fmt.Errorf("principal %q belongs to realm %q: %w", authid, p.Realm, errors.ErrUnauthorized)
		}
		return p, TypeStatic, nil
	}
	if deps.Caller == nil || cfg.Authenticator == "" {
		return Principal{}, "", fmt.Errorf("no dynamic authenticator configured: %w", errors.ErrInvalidState)
	}
	details := protocol.Clone(req.Details)
	for k, v := range extra {
		details[k] = v
	}
	details["session"] = req.SessionID
	details["transport"] = req.Transport.Dict()
	res, err := deps.Caller.Call(ctx, wamp.URI(cfg.Authenticator), wamp.List{req.Realm, authid, details}, nil)
	if err != nil {
		if strings.Contains(err.Error(), string(protocol.ErrNoSuchPrincipal)) {
			return Principal{}, "", errors.ErrNotFound
		}
		return Principal{}, "", err
	}
	if len(res.Arguments) == 0 {
		return Principal{}, "", fmt.Errorf("authenticator %s returned no principal", cfg.Authenticator)
	}
	return principalFrom(res.Arguments[0]), providerDynamic, nil
}

// principalFrom decodes a dynamic authenticator's answer. A plain string is
// taken as the role.
func principalFrom(v any) Principal {
	if s, ok := wamp.AsString(v); ok {
		return Principal{Role: s}
	}
	d, _ := wamp.AsDict(v)
	p := Principal{
		Realm:           protocol.String(d, "realm"),
		Role:            protocol.String(d, "role"),
		Ticket:          protocol.String(d, "ticket"),
		Secret:          protocol.String(d, "secret"),
		Salt:            protocol.String(d, "salt"),
		KDF:             protocol.String(d, "kdf"),
		StoredKey:       protocol.String(d, "stored-key"),
		ServerKey:       protocol.String(d, "server-key"),
		AuthorizedKeys:  protocol.Strings(d, "authorized_keys"),
		CertificateSHA1: protocol.String(d, "certificate_sha1"),
		Extra:           protocol.Dict(d, "extra"),
	}
	if n, ok := wamp.AsInt64(d["iterations"]); ok {
		p.Iterations = int(n)
	}
	if n, ok := wamp.AsInt64(d["keylen"]); ok {
		p.KeyLen = int(n)
	}
	if n, ok := wamp.AsInt64(d["memory"]); ok {
		p.Memory = int(n)
	}
	return p
}

// lookupOutcome maps a lookup failure to a Deny.
func lookupOutcome(authid string, err error) Outcome {
	if errors.Is(err, errors.ErrNotFound) {
		return deny(protocol.ErrNoSuchPrincipal, "no principal with authid %q exists", authid)
	}
	if errors.Is(err, errors.ErrUnauthorized) {
		return deny(protocol.ErrNotAuthorized, "%v", err)
	}
	return deny(protocol.ErrAuthenticationFailed, "principal lookup failed: %v", err)
}

func accept(req Hello, p Principal, cfg MethodConfig, method, provider, authid string) Outcome {
	realm := req.Realm
	if p.Realm != "" {
		realm = p.Realm
	}
	return Accept{
		Realm:        realm,
		AuthID:       authid,
		AuthRole:     p.role(cfg),
		AuthMethod:   method,
		AuthProvider: provider,
		AuthExtra:    wamp.Dict(p.Extra),
	}
}
