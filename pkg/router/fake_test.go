// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/absmach/wampd/pkg/auth"
	"github.com/absmach/wampd/pkg/protocol"
	"github.com/gammazero/nexus/v3/wamp"
	"github.com/stretchr/testify/require"
)

const (
	testWait = 2 * time.Second
	testTick = 5 * time.Millisecond
)

type fakeTransport struct {
	mu      sync.Mutex
	details *protocol.Details
	msgs    []wamp.Message
	closed  bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{details: &protocol.Details{Type: protocol.TransportRawSocket, Peer: "tcp4:127.0.0.1:4000"}}
}

func (f *fakeTransport) Send(msg wamp.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) Details() *protocol.Details {
	return f.details
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// take returns and clears the messages sent so far.
func (f *fakeTransport) take() []wamp.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.msgs
	f.msgs = nil
	return out
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

type fakeTimer struct {
	d       time.Duration
	fn      func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

type fakeTimers struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (f *fakeTimers) AfterFunc(d time.Duration, fn func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTimer{d: d, fn: fn}
	f.timers = append(f.timers, t)
	return t
}

func (f *fakeTimers) active() []*fakeTimer {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*fakeTimer
	for _, t := range f.timers {
		if !t.stopped {
			out = append(out, t)
		}
	}
	return out
}

// fireAll runs every timer ever created, stopped or not, the way a timer
// that raced with Stop would.
func (f *fakeTimers) fireAll() {
	f.mu.Lock()
	timers := append([]*fakeTimer(nil), f.timers...)
	f.mu.Unlock()
	for _, t := range timers {
		t.fn()
	}
}

var allowAll = Permission{
	URI:      "",
	Match:    protocol.MatchPrefix,
	Allow:    Allow{Call: true, Register: true, Publish: true, Subscribe: true},
	Disclose: Disclose{Caller: true, Publisher: true},
}

var testRealm = RealmConfig{
	Name: "realm1",
	Roles: []RoleConfig{
		{Name: "anonymous", Permissions: []Permission{allowAll}},
		{Name: "user", Permissions: []Permission{allowAll}},
		{Name: "guest", Permissions: []Permission{{
			URI:   "com.public.",
			Match: protocol.MatchPrefix,
			Allow: Allow{Subscribe: true, Call: true},
		}}},
		{Name: "dyn", Authorizer: "com.example.authorize"},
	},
}

type env struct {
	router *Router
	timers *fakeTimers
	authn  *auth.Authenticator
	realm  *Realm
}

func newEnv(t *testing.T, cookies auth.CookieStore) *env {
	t.Helper()
	timers := &fakeTimers{}
	r, err := New(Config{
		Realms:    []RealmConfig{testRealm},
		Cookies:   cookies,
		AfterFunc: timers.AfterFunc,
	})
	require.NoError(t, err)
	t.Cleanup(r.Close)

	cfg := auth.Config{
		auth.MethodAnonymous: {Role: "anonymous"},
		auth.MethodTicket: {Principals: map[string]auth.Principal{
			"joe":  {Ticket: "secret", Role: "user"},
			"gail": {Ticket: "secret", Role: "guest"},
			"dana": {Ticket: "secret", Role: "dyn"},
			"ned":  {Ticket: "secret", Role: "nobody"},
		}},
	}
	deps := auth.Deps{}
	if cookies != nil {
		cfg[auth.MethodCookie] = auth.MethodConfig{}
		deps.Cookies = cookies
	}
	authn, err := auth.New(cfg, deps)
	require.NoError(t, err)
	realm, ok := r.Realm("realm1")
	require.True(t, ok)
	return &env{router: r, timers: timers, authn: authn, realm: realm}
}

func helloMsg(realm string, authid string, methods ...string) *wamp.Hello {
	l := wamp.List{}
	for _, m := range methods {
		l = append(l, m)
	}
	details := wamp.Dict{"authmethods": l}
	if authid != "" {
		details["authid"] = authid
	}
	return &wamp.Hello{Realm: wamp.URI(realm), Details: details}
}

// join runs a complete handshake and returns the joined session.
func (e *env) join(t *testing.T, tr *fakeTransport, authid string) *Session {
	t.Helper()
	s := e.router.NewSession(tr, e.authn)
	ctx := context.Background()
	if authid == "" {
		s.Receive(ctx, helloMsg("realm1", "", auth.MethodAnonymous))
	} else {
		s.Receive(ctx, helloMsg("realm1", authid, auth.MethodTicket))
		msgs := tr.take()
		require.Len(t, msgs, 1)
		require.IsType(t, &wamp.Challenge{}, msgs[0])
		s.Receive(ctx, &wamp.Authenticate{Signature: "secret", Extra: wamp.Dict{}})
	}
	msgs := tr.take()
	require.Len(t, msgs, 1)
	require.IsType(t, &wamp.Welcome{}, msgs[0])
	require.Equal(t, StateJoined, s.State())
	return s
}

func (e *env) local(t *testing.T, authid, role string) *LocalSession {
	t.Helper()
	l, err := e.router.LocalSession("realm1", authid, role, nil)
	require.NoError(t, err)
	t.Cleanup(l.Close)
	return l
}

func only[T wamp.Message](t *testing.T, msgs []wamp.Message) T {
	t.Helper()
	require.Len(t, msgs, 1, "messages: %#v", msgs)
	m, ok := msgs[0].(T)
	require.True(t, ok, "unexpected message %#v", msgs[0])
	return m
}
