// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/absmach/wampd/pkg/auth"
	"github.com/absmach/wampd/pkg/errors"
	"github.com/absmach/wampd/pkg/metrics"
	"github.com/absmach/wampd/pkg/protocol"
	"github.com/gammazero/nexus/v3/wamp"
)

// DefaultAuthTimeout bounds the time between Challenge and Authenticate.
const DefaultAuthTimeout = 10 * time.Second

// Timer is a cancellable delayed call.
type Timer interface {
	Stop() bool
}

// Config configures a Router.
type Config struct {
	Realms []RealmConfig
	// Cookies, when set, is cleared on logout.
	Cookies     auth.CookieStore
	AuthTimeout time.Duration
	// AfterFunc schedules timeouts. It defaults to time.AfterFunc.
	AfterFunc func(time.Duration, func()) Timer
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

// Router owns the realms of a node and the sessions attached to them.
type Router struct {
	logger      *slog.Logger
	metrics     *metrics.Metrics
	cookies     auth.CookieStore
	authTimeout time.Duration
	afterFunc   func(time.Duration, func()) Timer

	mu     sync.RWMutex
	realms map[wamp.URI]*Realm
	// byCookie indexes joined sessions by tracking cookie.
	byCookie map[string]map[*Session]struct{}
	closed   bool
}

// New creates a Router with the configured realms.
func New(cfg Config) (*Router, error) {
	r := &Router{
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		cookies:     cfg.Cookies,
		authTimeout: cfg.AuthTimeout,
		afterFunc:   cfg.AfterFunc,
		realms:      make(map[wamp.URI]*Realm),
		byCookie:    make(map[string]map[*Session]struct{}),
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.authTimeout <= 0 {
		r.authTimeout = DefaultAuthTimeout
	}
	if r.afterFunc == nil {
		r.afterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}
	for _, rc := range cfg.Realms {
		if _, err := r.AddRealm(rc); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// AddRealm creates a realm and starts its service session.
func (r *Router) AddRealm(cfg RealmConfig) (*Realm, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	uri := wamp.URI(cfg.Name)
	r.mu.Lock()
	if _, ok := r.realms[uri]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("realm %s: %w", uri, errors.ErrAlreadyExists)
	}
	realm := newRealm(r, cfg)
	r.realms[uri] = realm
	r.mu.Unlock()

	svc, err := r.LocalSession(uri, "service", RoleTrusted, nil)
	if err != nil {
		return nil, err
	}
	realm.setService(svc)
	r.logger.Info("added realm", slog.String("realm", cfg.Name))
	return realm, nil
}

// Realm looks up a realm by name.
func (r *Router) Realm(uri wamp.URI) (*Realm, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	realm, ok := r.realms[uri]
	return realm, ok
}

// Realms returns the sorted realm names.
func (r *Router) Realms() []wamp.URI {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]wamp.URI, 0, len(r.realms))
	for uri := range r.realms {
		out = append(out, uri)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// NewSession creates the router side of a connection. authn is the
// transport's authentication policy.
func (r *Router) NewSession(tr protocol.Transport, authn *auth.Authenticator) *Session {
	return newSession(r, tr, authn)
}

// Serve runs a session over peer until the connection ends.
func (r *Router) Serve(ctx context.Context, peer protocol.Peer, authn *auth.Authenticator) error {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		peer.Send(&wamp.Abort{Details: wamp.Dict{}, Reason: protocol.CloseSystemDown})
		peer.Close()
		return errors.ErrConnectionClosed
	}
	s := r.NewSession(peer, authn)
	defer s.TransportClosed()
	for {
		msg, err := peer.Recv(ctx)
		if err != nil {
			return err
		}
		s.Receive(ctx, msg)
		if s.State() == StateClosed {
			return nil
		}
	}
}

// Check reports a closed router, or a realm whose service session is gone.
func (r *Router) Check(context.Context) error {
	r.mu.RLock()
	closed := r.closed
	realms := make([]*Realm, 0, len(r.realms))
	for _, realm := range r.realms {
		realms = append(realms, realm)
	}
	r.mu.RUnlock()
	if closed {
		return errors.ErrConnectionClosed
	}
	for _, realm := range realms {
		uri := realm.URI()
		svc := realm.Service()
		if svc == nil {
			return fmt.Errorf("realm %s has no service session: %w", uri, errors.ErrInvalidState)
		}
		select {
		case <-svc.Done():
			return fmt.Errorf("realm %s service session ended: %w", uri, errors.ErrInvalidState)
		default:
		}
	}
	return nil
}

// Close shuts every realm down.
func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	realms := make([]*Realm, 0, len(r.realms))
	for _, realm := range r.realms {
		realms = append(realms, realm)
	}
	r.mu.Unlock()
	for _, realm := range realms {
		realm.close()
	}
}

func (r *Router) track(s *Session) {
	cid := cookieOf(s.info.Transport)
	if cid == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.byCookie[cid]
	if !ok {
		set = make(map[*Session]struct{})
		r.byCookie[cid] = set
	}
	set[s] = struct{}{}
}

func (r *Router) untrack(s *Session) {
	cid := cookieOf(s.info.Transport)
	if cid == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if set, ok := r.byCookie[cid]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(r.byCookie, cid)
		}
	}
}

// logout forgets the cookie of s and closes every other session that
// shares it.
func (r *Router) logout(s *Session) {
	cid := cookieOf(s.info.Transport)
	if cid == "" {
		return
	}
	if r.cookies != nil {
		if err := r.cookies.Delete(cid); err != nil {
			r.logger.Warn("failed to delete cookie", slog.String("cookie", cid), slog.Any("error", err))
		}
	}
	r.mu.RLock()
	var siblings []*Session
	for other := range r.byCookie[cid] {
		if other != s {
			siblings = append(siblings, other)
		}
	}
	r.mu.RUnlock()
	for _, other := range siblings {
		go other.Close(protocol.CloseLogout, "logged out on another connection")
	}
}

func cookieOf(td *protocol.Details) string {
	if td == nil {
		return ""
	}
	return td.CookieID
}
