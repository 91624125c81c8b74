// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"context"
	"testing"

	"github.com/absmach/wampd/pkg/auth"
	"github.com/absmach/wampd/pkg/errors"
	"github.com/absmach/wampd/pkg/protocol"
	"github.com/gammazero/nexus/v3/wamp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHelloAnonymous(t *testing.T) {
	e := newEnv(t, nil)
	tr := newFakeTransport()
	s := e.router.NewSession(tr, e.authn)
	assert.Equal(t, StateUnjoined, s.State())

	s.Receive(context.Background(), helloMsg("realm1", "", auth.MethodAnonymous))
	w := only[*wamp.Welcome](t, tr.take())

	assert.Equal(t, StateJoined, s.State())
	assert.Equal(t, s.PendingID(), w.ID)
	assert.Equal(t, w.ID, s.ID())
	assert.Equal(t, "realm1", w.Details["realm"])
	assert.Equal(t, "anonymous", w.Details["authrole"])
	assert.Equal(t, auth.MethodAnonymous, w.Details["authmethod"])
	assert.Contains(t, w.Details["roles"], "broker")
	assert.Equal(t, 2, e.realm.SessionCount())

	info := s.Info()
	assert.Equal(t, wamp.URI("realm1"), info.Realm)
	assert.NotEmpty(t, info.AuthID)
}

func TestHelloRejected(t *testing.T) {
	e := newEnv(t, nil)
	cases := []struct {
		desc   string
		authn  *auth.Authenticator
		hello  *wamp.Hello
		reason wamp.URI
	}{
		{
			desc:   "unknown realm",
			authn:  e.authn,
			hello:  helloMsg("nowhere", "", auth.MethodAnonymous),
			reason: protocol.ErrNoSuchRealm,
		},
		{
			desc:   "transport without authenticator",
			hello:  helloMsg("realm1", "", auth.MethodAnonymous),
			reason: protocol.ErrNoAuthMethod,
		},
		{
			desc:   "unsupported method",
			authn:  e.authn,
			hello:  helloMsg("realm1", "joe", auth.MethodWAMPCRA),
			reason: protocol.ErrNoAuthMethod,
		},
		{
			desc:   "unknown principal",
			authn:  e.authn,
			hello:  helloMsg("realm1", "mallory", auth.MethodTicket),
			reason: protocol.ErrNoSuchPrincipal,
		},
	}
	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			tr := newFakeTransport()
			s := e.router.NewSession(tr, tc.authn)
			s.Receive(context.Background(), tc.hello)
			a := only[*wamp.Abort](t, tr.take())
			assert.Equal(t, tc.reason, a.Reason)
			assert.Equal(t, StateClosed, s.State())
			assert.True(t, tr.isClosed())
		})
	}
}

func TestTicketChallenge(t *testing.T) {
	e := newEnv(t, nil)
	tr := newFakeTransport()
	s := e.router.NewSession(tr, e.authn)
	ctx := context.Background()

	s.Receive(ctx, helloMsg("realm1", "joe", auth.MethodTicket))
	c := only[*wamp.Challenge](t, tr.take())
	assert.Equal(t, auth.MethodTicket, c.AuthMethod)
	assert.Equal(t, StateAuthPending, s.State())
	assert.Equal(t, wamp.ID(0), s.ID())
	require.Len(t, e.timers.active(), 1)
	assert.Equal(t, DefaultAuthTimeout, e.timers.active()[0].d)

	s.Receive(ctx, &wamp.Authenticate{Signature: "secret", Extra: wamp.Dict{}})
	w := only[*wamp.Welcome](t, tr.take())
	assert.Equal(t, "joe", w.Details["authid"])
	assert.Equal(t, "user", w.Details["authrole"])
	assert.Empty(t, e.timers.active())
}

func TestTicketWrongSecret(t *testing.T) {
	e := newEnv(t, nil)
	tr := newFakeTransport()
	s := e.router.NewSession(tr, e.authn)
	ctx := context.Background()

	s.Receive(ctx, helloMsg("realm1", "joe", auth.MethodTicket))
	only[*wamp.Challenge](t, tr.take())
	s.Receive(ctx, &wamp.Authenticate{Signature: "guess", Extra: wamp.Dict{}})
	a := only[*wamp.Abort](t, tr.take())
	assert.Equal(t, protocol.ErrAuthenticationFailed, a.Reason)
	assert.Equal(t, StateClosed, s.State())
}

func TestJoinUnknownRole(t *testing.T) {
	e := newEnv(t, nil)
	tr := newFakeTransport()
	s := e.router.NewSession(tr, e.authn)
	ctx := context.Background()

	s.Receive(ctx, helloMsg("realm1", "ned", auth.MethodTicket))
	only[*wamp.Challenge](t, tr.take())
	s.Receive(ctx, &wamp.Authenticate{Signature: "secret", Extra: wamp.Dict{}})
	a := only[*wamp.Abort](t, tr.take())
	assert.Equal(t, protocol.ErrNoSuchRole, a.Reason)
	assert.Equal(t, 1, e.realm.SessionCount())
}

func TestAuthenticateWithoutPending(t *testing.T) {
	e := newEnv(t, nil)
	tr := newFakeTransport()
	s := e.router.NewSession(tr, e.authn)

	s.Receive(context.Background(), &wamp.Authenticate{Signature: "secret", Extra: wamp.Dict{}})
	a := only[*wamp.Abort](t, tr.take())
	assert.Equal(t, protocol.ErrProtocolViolation, a.Reason)
	assert.Equal(t, StateClosed, s.State())

	// Nothing more is said on a closed session.
	s.Receive(context.Background(), &wamp.Authenticate{Signature: "secret", Extra: wamp.Dict{}})
	assert.Empty(t, tr.take())
}

func TestAuthTimeout(t *testing.T) {
	e := newEnv(t, nil)
	tr := newFakeTransport()
	s := e.router.NewSession(tr, e.authn)

	s.Receive(context.Background(), helloMsg("realm1", "joe", auth.MethodTicket))
	only[*wamp.Challenge](t, tr.take())

	e.timers.fireAll()
	a := only[*wamp.Abort](t, tr.take())
	assert.Equal(t, protocol.ErrTimeout, a.Reason)
	assert.Equal(t, StateClosed, s.State())
	assert.True(t, tr.isClosed())

	// A late Authenticate does not revive the session.
	s.Receive(context.Background(), &wamp.Authenticate{Signature: "secret", Extra: wamp.Dict{}})
	assert.Empty(t, tr.take())
}

func TestStaleTimerIgnored(t *testing.T) {
	e := newEnv(t, nil)
	tr := newFakeTransport()
	e.join(t, tr, "joe")

	// The timer was stopped by Authenticate; firing it anyway is harmless.
	e.timers.fireAll()
	assert.Empty(t, tr.take())
	assert.False(t, tr.isClosed())
}

func TestAbortDuringHandshake(t *testing.T) {
	e := newEnv(t, nil)
	tr := newFakeTransport()
	s := e.router.NewSession(tr, e.authn)

	s.Receive(context.Background(), helloMsg("realm1", "joe", auth.MethodTicket))
	only[*wamp.Challenge](t, tr.take())
	s.Receive(context.Background(), &wamp.Abort{Details: wamp.Dict{}, Reason: "wamp.close.client_gave_up"})
	assert.Empty(t, tr.take())
	assert.Equal(t, StateClosed, s.State())
	assert.True(t, tr.isClosed())
	assert.Empty(t, e.timers.active())
}

func TestMessagesOutOfState(t *testing.T) {
	e := newEnv(t, nil)
	tr := newFakeTransport()
	s := e.router.NewSession(tr, e.authn)
	ctx := context.Background()

	s.Receive(ctx, &wamp.Publish{Request: 1, Options: wamp.Dict{"acknowledge": true}, Topic: "com.example.topic"})
	s.Receive(ctx, &wamp.Goodbye{Details: wamp.Dict{}, Reason: protocol.CloseNormal})
	assert.Empty(t, tr.take())
	assert.Equal(t, StateUnjoined, s.State())

	// Hello on a joined session is ignored.
	tr2 := newFakeTransport()
	s2 := e.join(t, tr2, "")
	id := s2.ID()
	s2.Receive(ctx, helloMsg("realm1", "", auth.MethodAnonymous))
	assert.Empty(t, tr2.take())
	assert.Equal(t, StateJoined, s2.State())
	assert.Equal(t, id, s2.ID())
}

func TestGoodbyeOnce(t *testing.T) {
	e := newEnv(t, nil)
	tr := newFakeTransport()
	s := e.join(t, tr, "")
	ctx := context.Background()

	s.Receive(ctx, &wamp.Goodbye{Details: wamp.Dict{}, Reason: protocol.CloseNormal})
	g := only[*wamp.Goodbye](t, tr.take())
	assert.Equal(t, protocol.CloseGoodbye, g.Reason)
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, wamp.ID(0), s.ID())
	assert.True(t, tr.isClosed())
	assert.Equal(t, 1, e.realm.SessionCount())

	s.Receive(ctx, &wamp.Goodbye{Details: wamp.Dict{}, Reason: protocol.CloseNormal})
	s.Close(protocol.CloseSystemDown, "")
	assert.Empty(t, tr.take())
}

func TestCloseFromRouter(t *testing.T) {
	e := newEnv(t, nil)
	tr := newFakeTransport()
	s := e.join(t, tr, "")

	s.Close(protocol.CloseKilled, "bye")
	g := only[*wamp.Goodbye](t, tr.take())
	assert.Equal(t, protocol.CloseKilled, g.Reason)
	assert.Equal(t, "bye", g.Details["message"])

	// The client's reply to our Goodbye is swallowed.
	s.Receive(context.Background(), &wamp.Goodbye{Details: wamp.Dict{}, Reason: protocol.CloseGoodbye})
	assert.Empty(t, tr.take())
}

func TestOnLeaveCarriesSessionID(t *testing.T) {
	e := newEnv(t, nil)
	watcherTr := newFakeTransport()
	watcher := e.join(t, watcherTr, "")
	ctx := context.Background()
	watcher.Receive(ctx, &wamp.Subscribe{Request: 1, Options: wamp.Dict{}, Topic: protocol.MetaOnLeave})
	only[*wamp.Subscribed](t, watcherTr.take())

	tr := newFakeTransport()
	s := e.join(t, tr, "joe")
	id := s.ID()
	s.TransportClosed()

	ev := only[*wamp.Event](t, watcherTr.take())
	require.Len(t, ev.Arguments, 3)
	assert.Equal(t, id, ev.Arguments[0])
	assert.Equal(t, "joe", ev.Arguments[1])
	assert.Equal(t, "user", ev.Arguments[2])
	assert.Empty(t, tr.take())
	assert.Equal(t, StateClosed, s.State())
}

func TestCookieLogout(t *testing.T) {
	store := auth.NewMemoryCookieStore()
	e := newEnv(t, store)
	ctx := context.Background()

	tr1 := newFakeTransport()
	tr1.details.CookieID = "cookie-1"
	s1 := e.join(t, tr1, "joe")

	// The second connection is recognized by its cookie alone.
	tr2 := newFakeTransport()
	tr2.details.CookieID = "cookie-1"
	s2 := e.router.NewSession(tr2, e.authn)
	s2.Receive(ctx, helloMsg("realm1", "", auth.MethodCookie))
	w := only[*wamp.Welcome](t, tr2.take())
	assert.Equal(t, "joe", w.Details["authid"])
	assert.Equal(t, auth.MethodCookie, w.Details["authmethod"])

	s1.Receive(ctx, &wamp.Goodbye{Details: wamp.Dict{}, Reason: protocol.CloseLogout})
	only[*wamp.Goodbye](t, tr1.take())

	assert.Eventually(t, func() bool { return s2.State() == StateClosed }, testWait, testTick)
	g := only[*wamp.Goodbye](t, tr2.take())
	assert.Equal(t, protocol.CloseLogout, g.Reason)

	_, err := store.Get("cookie-1")
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

type fakePeer struct {
	*fakeTransport
	in chan wamp.Message
}

func (p *fakePeer) Recv(ctx context.Context) (wamp.Message, error) {
	select {
	case msg, ok := <-p.in:
		if !ok {
			return nil, context.Canceled
		}
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestServe(t *testing.T) {
	e := newEnv(t, nil)
	peer := &fakePeer{fakeTransport: newFakeTransport(), in: make(chan wamp.Message, 4)}
	peer.in <- helloMsg("realm1", "", auth.MethodAnonymous)
	peer.in <- &wamp.Goodbye{Details: wamp.Dict{}, Reason: protocol.CloseNormal}

	err := e.router.Serve(context.Background(), peer, e.authn)
	require.NoError(t, err)
	msgs := peer.take()
	require.Len(t, msgs, 2)
	assert.IsType(t, &wamp.Welcome{}, msgs[0])
	assert.IsType(t, &wamp.Goodbye{}, msgs[1])
	assert.Equal(t, 1, e.realm.SessionCount())
}

func TestServeTransportLost(t *testing.T) {
	e := newEnv(t, nil)
	peer := &fakePeer{fakeTransport: newFakeTransport(), in: make(chan wamp.Message, 4)}
	peer.in <- helloMsg("realm1", "", auth.MethodAnonymous)
	close(peer.in)

	err := e.router.Serve(context.Background(), peer, e.authn)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, e.realm.SessionCount())
}

func TestServeAfterClose(t *testing.T) {
	e := newEnv(t, nil)
	e.router.Close()
	peer := &fakePeer{fakeTransport: newFakeTransport(), in: make(chan wamp.Message)}
	err := e.router.Serve(context.Background(), peer, e.authn)
	assert.Error(t, err)
	a := only[*wamp.Abort](t, peer.take())
	assert.Equal(t, protocol.CloseSystemDown, a.Reason)
}
