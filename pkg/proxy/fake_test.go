// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/wampd/pkg/auth"
	"github.com/absmach/wampd/pkg/errors"
	"github.com/absmach/wampd/pkg/protocol"
	"github.com/absmach/wampd/pkg/router"
	"github.com/gammazero/nexus/v3/wamp"
	"github.com/stretchr/testify/require"
)

const (
	testWait = 2 * time.Second
	testTick = 5 * time.Millisecond
)

// pipePeer is one end of an in-memory WAMP connection.
type pipePeer struct {
	details *protocol.Details
	in      chan wamp.Message
	out     chan wamp.Message
	done    chan struct{}
	once    *sync.Once
}

func newPipe(unix bool) (client, server *pipePeer) {
	up := make(chan wamp.Message, 64)
	down := make(chan wamp.Message, 64)
	done := make(chan struct{})
	once := &sync.Once{}
	client = &pipePeer{
		details: &protocol.Details{Type: protocol.TransportRawSocket, Peer: "pipe:client", UnixSocket: unix},
		in:      down,
		out:     up,
		done:    done,
		once:    once,
	}
	server = &pipePeer{
		details: &protocol.Details{Type: protocol.TransportRawSocket, Peer: "pipe:server", UnixSocket: unix},
		in:      up,
		out:     down,
		done:    done,
		once:    once,
	}
	return client, server
}

func (p *pipePeer) Send(msg wamp.Message) error {
	select {
	case <-p.done:
		return errors.ErrConnectionClosed
	default:
	}
	select {
	case p.out <- msg:
		return nil
	case <-p.done:
		return errors.ErrConnectionClosed
	}
}

func (p *pipePeer) Recv(ctx context.Context) (wamp.Message, error) {
	// Drain what was sent before the pipe closed.
	select {
	case msg := <-p.in:
		return msg, nil
	default:
	}
	select {
	case msg := <-p.in:
		return msg, nil
	case <-p.done:
		return nil, errors.ErrConnectionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipePeer) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

func (p *pipePeer) Details() *protocol.Details {
	return p.details
}

func (p *pipePeer) isClosed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// recv waits for the next message of type T.
func recv[T wamp.Message](t *testing.T, p *pipePeer) T {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testWait)
	defer cancel()
	msg, err := p.Recv(ctx)
	require.NoError(t, err)
	m, ok := msg.(T)
	require.True(t, ok, "unexpected message %#v", msg)
	return m
}

type fakeTransport struct {
	mu      sync.Mutex
	details *protocol.Details
	msgs    []wamp.Message
	closed  bool
}

func newFakeTransport(cookie string) *fakeTransport {
	return &fakeTransport{details: &protocol.Details{
		Type:     protocol.TransportWebSocket,
		Peer:     "tcp4:127.0.0.1:5000",
		CookieID: cookie,
	}}
}

func (f *fakeTransport) Send(msg wamp.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.ErrConnectionClosed
	}
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

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

// take returns and clears the messages sent so far.
func (f *fakeTransport) take() []wamp.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.msgs
	f.msgs = nil
	return out
}

// next waits for one message and returns it.
func next[T wamp.Message](t *testing.T, f *fakeTransport) T {
	t.Helper()
	require.Eventually(t, func() bool { return f.count() > 0 }, testWait, testTick)
	f.mu.Lock()
	msg := f.msgs[0]
	f.msgs = f.msgs[1:]
	f.mu.Unlock()
	m, ok := msg.(T)
	require.True(t, ok, "unexpected message %#v", msg)
	return m
}

type fakeTimer struct {
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

func (f *fakeTimers) AfterFunc(_ time.Duration, fn func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTimer{fn: fn}
	f.timers = append(f.timers, t)
	return t
}

func (f *fakeTimers) fireAll() {
	f.mu.Lock()
	timers := append([]*fakeTimer(nil), f.timers...)
	f.mu.Unlock()
	for _, t := range timers {
		t.fn()
	}
}

type event struct {
	topic wamp.URI
	res   wamp.Dict
}

type eventLog struct {
	mu     sync.Mutex
	events []event
}

func (l *eventLog) Publish(_ context.Context, topic wamp.URI, _ wamp.Dict, args wamp.List, _ wamp.Dict) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := event{topic: topic}
	if len(args) > 0 {
		e.res, _ = args[0].(wamp.Dict)
	}
	l.events = append(l.events, e)
	return nil
}

func (l *eventLog) topics() []wamp.URI {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]wamp.URI, len(l.events))
	for i, e := range l.events {
		out[i] = e.topic
	}
	return out
}

func (l *eventLog) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = nil
}

var allowAll = []router.Permission{{
	URI:   "",
	Match: protocol.MatchPrefix,
	Allow: router.Allow{Call: true, Register: true, Publish: true, Subscribe: true},
}}

type env struct {
	router *router.Router
	ctrl   *Controller
	events *eventLog
	timers *fakeTimers
	authn  *auth.Authenticator
	dials  atomic.Int32

	mu sync.Mutex
	// hook runs before each dial; a non nil error fails it.
	hook func(ctx context.Context) error
}

// newEnv builds a backend router trusting the node key of a controller,
// and the frontend auth policy of the proxy transports.
func newEnv(t *testing.T) *env {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	r, err := router.New(router.Config{Realms: []router.RealmConfig{{
		Name: "realm1",
		Roles: []router.RoleConfig{
			{Name: "user", Permissions: allowAll},
			{Name: "admin", Permissions: allowAll},
		},
	}}})
	require.NoError(t, err)
	t.Cleanup(r.Close)

	backendAuthn, err := auth.New(auth.Config{
		auth.MethodCryptosignProxy: {Principals: map[string]auth.Principal{
			"proxy-node": {AuthorizedKeys: []string{hex.EncodeToString(pub)}},
		}},
		auth.MethodAnonymousProxy: {},
	}, auth.Deps{})
	require.NoError(t, err)

	e := &env{router: r, events: &eventLog{}, timers: &fakeTimers{}}
	dialer := DialerFunc(func(ctx context.Context, cfg ConnectionConfig) (protocol.Peer, error) {
		e.dials.Add(1)
		e.mu.Lock()
		hook := e.hook
		e.mu.Unlock()
		if hook != nil {
			if err := hook(ctx); err != nil {
				return nil, err
			}
		}
		client, server := newPipe(cfg.Transport.Endpoint.Type == EndpointUnix)
		go r.Serve(context.Background(), server, backendAuthn)
		return client, nil
	})

	ctrl, err := New(Config{
		Key:       priv,
		Dialer:    dialer,
		Events:    e.events,
		AfterFunc: e.timers.AfterFunc,
	})
	require.NoError(t, err)
	t.Cleanup(func() { ctrl.Close(context.Background()) })
	e.ctrl = ctrl

	e.authn, err = auth.New(auth.Config{
		auth.MethodAnonymous: {Role: "user"},
		auth.MethodTicket: {Principals: map[string]auth.Principal{
			"joe": {Ticket: "secret", Role: "user"},
			"ann": {Ticket: "secret", Role: "admin"},
			"ned": {Ticket: "secret", Role: "nobody"},
		}},
	}, auth.Deps{})
	require.NoError(t, err)
	return e
}

func (e *env) setHook(h func(ctx context.Context) error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hook = h
}

func tcpConnection(id string) ConnectionConfig {
	return ConnectionConfig{
		ID: id,
		Transport: BackendTransport{
			Type:     TransportRawSocket,
			Endpoint: Endpoint{Type: EndpointTCP, Host: "127.0.0.1", Port: 8080},
		},
		Auth: map[string]BackendAuth{auth.MethodCryptosignProxy: {Type: auth.TypeStatic}},
	}
}

// routed starts conn1 and a route serving user and admin on realm1.
func (e *env) routed(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.ctrl.StartConnection(ctx, tcpConnection("conn1")))
	require.NoError(t, e.ctrl.StartRoute(ctx, RouteConfig{
		ID:    "route1",
		Realm: "realm1",
		Roles: map[string]string{"user": "conn1", "admin": "conn1"},
	}))
}

// serve runs a frontend over a pipe and returns the client end.
func (e *env) serve(t *testing.T) *pipePeer {
	t.Helper()
	client, server := newPipe(false)
	go e.ctrl.Serve(context.Background(), server, e.authn)
	t.Cleanup(func() { client.Close() })
	return client
}

func hello(realm, authid string, methods ...string) *wamp.Hello {
	l := wamp.List{}
	for _, m := range methods {
		l = append(l, m)
	}
	details := wamp.Dict{"authmethods": l, "roles": wamp.Dict{"subscriber": wamp.Dict{}}}
	if authid != "" {
		details["authid"] = authid
	}
	return &wamp.Hello{Realm: wamp.URI(realm), Details: details}
}

// backendSession asks the backend router about a session.
func (e *env) backendSession(t *testing.T, id wamp.ID) wamp.Dict {
	t.Helper()
	l, err := e.router.LocalSession("realm1", "inspector", router.RoleTrusted, nil)
	require.NoError(t, err)
	defer l.Close()
	ctx, cancel := context.WithTimeout(context.Background(), testWait)
	defer cancel()
	res, err := l.Call(ctx, protocol.MetaSessionGet, wamp.List{id}, nil)
	require.NoError(t, err)
	require.NotEmpty(t, res.Arguments)
	d, ok := wamp.AsDict(res.Arguments[0])
	require.True(t, ok)
	return d
}
