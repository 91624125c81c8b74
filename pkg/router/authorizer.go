// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/absmach/wampd/pkg/auth"
	"github.com/absmach/wampd/pkg/protocol"
	"github.com/gammazero/nexus/v3/wamp"
)

// Action is an operation subject to authorization.
type Action string

const (
	ActionCall      Action = "call"
	ActionRegister  Action = "register"
	ActionPublish   Action = "publish"
	ActionSubscribe Action = "subscribe"
)

// Decision is the answer of an Authorizer.
type Decision struct {
	Allow    bool
	Disclose bool
	// Cache lets the session reuse the decision for the same URI and
	// action.
	Cache bool
}

// Authorizer decides whether a session may perform action on uri.
type Authorizer interface {
	Authorize(ctx context.Context, s Info, uri wamp.URI, action Action) (Decision, error)
}

const dynamicAuthorizeTimeout = 10 * time.Second

// roleAuthorizer applies static permissions per role and delegates roles
// with an authorizer procedure to it.
type roleAuthorizer struct {
	roles  map[string]RoleConfig
	caller auth.Caller
}

func newRoleAuthorizer(cfg RealmConfig, caller auth.Caller) *roleAuthorizer {
	roles := make(map[string]RoleConfig, len(cfg.Roles))
	for _, r := range cfg.Roles {
		roles[r.Name] = r
	}
	return &roleAuthorizer{roles: roles, caller: caller}
}

func (a *roleAuthorizer) hasRole(role string) bool {
	if role == RoleTrusted {
		return true
	}
	_, ok := a.roles[role]
	return ok
}

func (a *roleAuthorizer) Authorize(ctx context.Context, s Info, uri wamp.URI, action Action) (Decision, error) {
	if s.AuthRole == RoleTrusted {
		return Decision{Allow: true, Disclose: true}, nil
	}
	role, ok := a.roles[s.AuthRole]
	if !ok {
		return Decision{}, nil
	}
	if role.Authorizer != "" {
		return a.dynamic(ctx, role.Authorizer, s, uri, action)
	}
	p, ok := bestPermission(role.Permissions, uri)
	if !ok {
		return Decision{}, nil
	}
	d := Decision{Cache: p.Cache}
	switch action {
	case ActionCall:
		d.Allow, d.Disclose = p.Allow.Call, p.Disclose.Caller
	case ActionRegister:
		d.Allow = p.Allow.Register
	case ActionPublish:
		d.Allow, d.Disclose = p.Allow.Publish, p.Disclose.Publisher
	case ActionSubscribe:
		d.Allow = p.Allow.Subscribe
	}
	return d, nil
}

func (a *roleAuthorizer) dynamic(ctx context.Context, procedure string, s Info, uri wamp.URI, action Action) (Decision, error) {
	if a.caller == nil {
		return Decision{}, fmt.Errorf("no service session to call authorizer %s", procedure)
	}
	ctx, cancel := context.WithTimeout(ctx, dynamicAuthorizeTimeout)
	defer cancel()
	res, err := a.caller.Call(ctx, wamp.URI(procedure), wamp.List{s.Dict(), string(uri), string(action)}, nil)
	if err != nil {
		return Decision{}, fmt.Errorf("authorizer %s failed: %w", procedure, err)
	}
	if len(res.Arguments) == 0 {
		return Decision{}, fmt.Errorf("authorizer %s returned nothing", procedure)
	}
	switch v := res.Arguments[0].(type) {
	case bool:
		return Decision{Allow: v}, nil
	default:
		d, ok := wamp.AsDict(v)
		if !ok {
			return Decision{}, fmt.Errorf("authorizer %s returned %T", procedure, v)
		}
		return Decision{
			Allow:    protocol.Bool(d, "allow"),
			Disclose: protocol.Bool(d, "disclose"),
			Cache:    protocol.Bool(d, "cache"),
		}, nil
	}
}

// bestPermission picks the most specific permission matching uri: an exact
// match wins, then the longest prefix, then the wildcard pattern with the
// most literal components.
func bestPermission(perms []Permission, uri wamp.URI) (Permission, bool) {
	var best Permission
	rank, score := -1, -1
	for _, p := range perms {
		match := p.Match
		if match == "" {
			match = protocol.MatchExact
		}
		if !protocol.MatchURI(match, wamp.URI(p.URI), uri) {
			continue
		}
		var r, sc int
		switch match {
		case protocol.MatchExact:
			r = 2
		case protocol.MatchPrefix:
			r, sc = 1, len(p.URI)
		case protocol.MatchWildcard:
			for _, c := range strings.Split(p.URI, ".") {
				if c != "" {
					sc++
				}
			}
		}
		if r > rank || (r == rank && sc > score) {
			best, rank, score = p, r, sc
		}
	}
	return best, rank >= 0
}
