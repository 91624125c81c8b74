// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/wampd/pkg/errors"
	"github.com/absmach/wampd/pkg/protocol"
	"github.com/gammazero/nexus/v3/wamp"
)

// registry maps every supported method to its constructor. Cookie is not
// listed: it is resolved by the Authenticator itself.
var registry = map[string]Factory{
	MethodAnonymous:       newAnonymous,
	MethodTicket:          newTicket,
	MethodWAMPCRA:         newWAMPCRA,
	MethodSCRAM:           newSCRAM,
	MethodCryptosign:      newCryptosign,
	MethodCryptosignProxy: newCryptosignProxy,
	MethodAnonymousProxy:  newAnonymousProxy,
	MethodTLS:             newTLS,
}

// Supported reports whether method can be configured.
func Supported(method string) bool {
	_, ok := registry[method]
	return ok || method == MethodCookie
}

// Authenticator runs the HELLO/AUTHENTICATE exchange for one transport's
// policy. It is safe for concurrent use; per attempt state lives in the
// returned PendingAuth.
type Authenticator struct {
	cfg       Config
	factories map[string]Factory
	deps      Deps
	logger    *slog.Logger
}

// New validates cfg and builds an Authenticator. When enabled is not empty
// only those methods may be configured.
func New(cfg Config, deps Deps, enabled ...string) (*Authenticator, error) {
	allowed := make(map[string]bool, len(enabled))
	for _, m := range enabled {
		allowed[m] = true
	}
	factories := make(map[string]Factory, len(cfg))
	for method, mc := range cfg {
		if !Supported(method) {
			return nil, fmt.Errorf("unknown authmethod %q: %w", method, errors.ErrInvalidInput)
		}
		if len(allowed) > 0 && !allowed[method] {
			return nil, fmt.Errorf("authmethod %q is not enabled in this process: %w", method, errors.ErrInvalidInput)
		}
		if mc.Type == TypeDynamic && mc.Authenticator == "" {
			return nil, fmt.Errorf("authmethod %q: dynamic principals need an authenticator procedure: %w", method, errors.ErrInvalidInput)
		}
		if method == MethodCookie {
			if deps.Cookies == nil {
				return nil, fmt.Errorf("authmethod cookie needs a cookie store: %w", errors.ErrInvalidInput)
			}
			continue
		}
		factories[method] = registry[method]
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Nonces == nil {
		deps.Nonces = NewNonceCache(0)
	}
	return &Authenticator{cfg: cfg, factories: factories, deps: deps, logger: logger}, nil
}

// Hello picks the first configured method among those the client offers
// and runs its first step. The PendingAuth is returned only with a
// Challenge.
func (a *Authenticator) Hello(ctx context.Context, req Hello) (Outcome, PendingAuth) {
	offered := protocol.Strings(req.Details, "authmethods")
	if len(offered) == 0 {
		offered = []string{MethodAnonymous}
	}
	for _, method := range offered {
		if _, ok := a.cfg[method]; !ok {
			continue
		}
		if method == MethodCookie {
			if o, ok := a.cookie(req); ok {
				return a.finish(req.Transport, method, o), nil
			}
			continue
		}
		pa := a.factories[method](a.cfg[method], a.deps)
		o := a.safe(method, func() Outcome { return pa.Hello(ctx, req) })
		if _, ok := o.(Challenge); ok {
			return o, pa
		}
		return a.finish(req.Transport, method, o), nil
	}
	return a.finish(req.Transport, "", deny(protocol.ErrNoAuthMethod,
		"cannot authenticate using any of the offered authmethods %v", offered)), nil
}

// Authenticate completes a challenge issued by pa.
func (a *Authenticator) Authenticate(ctx context.Context, td *protocol.Details, pa PendingAuth, signature string, extra wamp.Dict) Outcome {
	o := a.safe(pa.Method(), func() Outcome { return pa.Authenticate(ctx, signature, extra) })
	return a.finish(td, pa.Method(), o)
}

// Logout forgets the cookie association of a session.
func (a *Authenticator) Logout(td *protocol.Details) {
	if a.deps.Cookies == nil || td == nil || td.CookieID == "" {
		return
	}
	if err := a.deps.Cookies.Delete(td.CookieID); err != nil {
		a.logger.Warn("failed to delete cookie", slog.String("cookie", td.CookieID), slog.Any("error", err))
	}
}

func (a *Authenticator) cookie(req Hello) (Outcome, bool) {
	if req.Transport == nil || req.Transport.CookieID == "" {
		return nil, false
	}
	c, err := a.deps.Cookies.Get(req.Transport.CookieID)
	if err != nil {
		if !errors.Is(err, errors.ErrNotFound) {
			a.logger.Warn("failed to read cookie", slog.String("cookie", req.Transport.CookieID), slog.Any("error", err))
		}
		return nil, false
	}
	if c.Realm != req.Realm {
		return nil, false
	}
	return Accept{
		Realm:        c.Realm,
		AuthID:       c.AuthID,
		AuthRole:     c.AuthRole,
		AuthMethod:   MethodCookie,
		AuthProvider: c.AuthProvider,
		AuthExtra:    wamp.Dict(c.AuthExtra),
	}, true
}

// safe runs one step of a method and turns a panic into a Deny.
func (a *Authenticator) safe(method string, fn func() Outcome) (o Outcome) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("authentication method panicked", slog.String("authmethod", method), slog.Any("panic", r))
			o = deny(protocol.ErrAuthorizationFailed, "internal error in %s authentication: %v", method, r)
		}
	}()
	o = fn()
	if o == nil {
		o = deny(protocol.ErrAuthorizationFailed, "%s authentication returned no outcome", method)
	}
	return o
}

// finish records metrics and, for a tracked cookie, remembers the accepted
// identity.
func (a *Authenticator) finish(td *protocol.Details, method string, o Outcome) Outcome {
	switch v := o.(type) {
	case Accept:
		a.deps.Metrics.AuthAttempt(method, "accepted")
		if a.deps.Cookies != nil && td != nil && td.CookieID != "" && v.AuthMethod != MethodCookie {
			if _, tracked := a.cfg[MethodCookie]; tracked {
				c := Cookie{
					ID:           td.CookieID,
					Created:      time.Now().UTC(),
					Realm:        v.Realm,
					AuthID:       v.AuthID,
					AuthRole:     v.AuthRole,
					AuthMethod:   v.AuthMethod,
					AuthProvider: v.AuthProvider,
					AuthExtra:    v.AuthExtra,
				}
				if err := a.deps.Cookies.Set(c); err != nil {
					a.logger.Warn("failed to store cookie", slog.String("cookie", td.CookieID), slog.Any("error", err))
				}
			}
		}
	case Deny:
		a.deps.Metrics.AuthAttempt(method, string(v.Reason))
		a.logger.Debug("authentication denied", slog.String("authmethod", method), slog.String("reason", string(v.Reason)), slog.String("message", v.Message))
	}
	return o
}
