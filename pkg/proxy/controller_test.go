// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/absmach/wampd/pkg/auth"
	"github.com/absmach/wampd/pkg/errors"
	"github.com/absmach/wampd/pkg/parser/rawsocket"
	"github.com/absmach/wampd/pkg/parser/serializer"
	"github.com/absmach/wampd/pkg/protocol"
	"github.com/absmach/wampd/pkg/server/listener"
	"github.com/gammazero/nexus/v3/wamp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionLifecycle(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	require.NoError(t, e.ctrl.StartConnection(ctx, tcpConnection("conn1")))
	assert.Equal(t, []wamp.URI{
		"wampd.proxy.on_proxy_connection_starting",
		"wampd.proxy.on_proxy_connection_started",
	}, e.events.topics())

	err := e.ctrl.StartConnection(ctx, tcpConnection("conn1"))
	assert.ErrorIs(t, err, errors.ErrAlreadyExists)

	res, err := e.ctrl.Resource(KindConnection, "conn1")
	require.NoError(t, err)
	assert.Equal(t, StateStarted, res.State)
	assert.NotNil(t, res.Started)
	assert.Nil(t, res.Stopped)

	e.events.reset()
	require.NoError(t, e.ctrl.StopConnection(ctx, "conn1"))
	assert.Equal(t, []wamp.URI{
		"wampd.proxy.on_proxy_connection_stopping",
		"wampd.proxy.on_proxy_connection_stopped",
	}, e.events.topics())
	assert.Empty(t, e.ctrl.Resources(KindConnection))

	err = e.ctrl.StopConnection(ctx, "conn1")
	assert.ErrorIs(t, err, errors.ErrNotFound)

	// The ID is free again once stopped.
	require.NoError(t, e.ctrl.StartConnection(ctx, tcpConnection("conn1")))
}

func TestLifecycleEventPayload(t *testing.T) {
	e := newEnv(t)
	e.routed(t)

	e.events.mu.Lock()
	defer e.events.mu.Unlock()
	require.Len(t, e.events.events, 4)
	started := e.events.events[3]
	assert.Equal(t, wamp.URI("wampd.proxy.on_proxy_route_started"), started.topic)
	assert.Equal(t, "route1", started.res["id"])
	assert.Equal(t, "started", started.res["state"])
	assert.NotNil(t, started.res["started"])
	assert.Nil(t, started.res["stopped"])
	cfg, ok := started.res["config"].(wamp.Dict)
	require.True(t, ok)
	assert.Equal(t, "realm1", cfg["realm"])

	starting := e.events.events[2]
	assert.Equal(t, "starting", starting.res["state"])
	assert.Nil(t, starting.res["started"])
}

func TestRouteRejections(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	err := e.ctrl.StartRoute(ctx, RouteConfig{ID: "r1", Realm: "realm1", Roles: map[string]string{"user": "missing"}})
	assert.ErrorIs(t, err, errors.ErrNotFound)
	assert.Empty(t, e.ctrl.Resources(KindRoute))

	err = e.ctrl.StartRoute(ctx, RouteConfig{ID: "r1", Realm: "realm1"})
	assert.ErrorIs(t, err, errors.ErrInvalidInput)

	e.routed(t)
	err = e.ctrl.StartRoute(ctx, RouteConfig{ID: "route1", Realm: "realm1", Roles: map[string]string{"user": "conn1"}})
	assert.ErrorIs(t, err, errors.ErrAlreadyExists)

	err = e.ctrl.StopConnection(ctx, "conn1")
	assert.ErrorIs(t, err, errors.ErrInvalidState)

	require.NoError(t, e.ctrl.StopRoute(ctx, "route1"))
	err = e.ctrl.StopRoute(ctx, "route1")
	assert.ErrorIs(t, err, errors.ErrNotFound)
	require.NoError(t, e.ctrl.StopConnection(ctx, "conn1"))
}

func TestConnectionValidation(t *testing.T) {
	unix := Endpoint{Type: EndpointUnix, Path: "/run/worker.sock"}
	tcp := Endpoint{Type: EndpointTCP, Host: "10.0.0.2", Port: 9000}
	cases := []struct {
		desc string
		cfg  ConnectionConfig
		err  error
	}{
		{
			desc: "anonymous proxy over unix",
			cfg: ConnectionConfig{ID: "c", Transport: BackendTransport{Type: TransportRawSocket, Endpoint: unix},
				Auth: map[string]BackendAuth{auth.MethodAnonymousProxy: {}}},
		},
		{
			desc: "anonymous proxy over tcp",
			cfg: ConnectionConfig{ID: "c", Transport: BackendTransport{Type: TransportRawSocket, Endpoint: tcp},
				Auth: map[string]BackendAuth{auth.MethodAnonymousProxy: {}}},
			err: errors.ErrInvalidInput,
		},
		{
			desc: "websocket without url",
			cfg: ConnectionConfig{ID: "c", Transport: BackendTransport{Type: TransportWebSocket, Endpoint: tcp},
				Auth: map[string]BackendAuth{auth.MethodCryptosignProxy: {}}},
			err: errors.ErrInvalidInput,
		},
		{
			desc: "two credentials",
			cfg: ConnectionConfig{ID: "c", Transport: BackendTransport{Type: TransportRawSocket, Endpoint: unix},
				Auth: map[string]BackendAuth{auth.MethodAnonymousProxy: {}, auth.MethodCryptosignProxy: {}}},
			err: errors.ErrInvalidInput,
		},
		{
			desc: "ticket credential",
			cfg: ConnectionConfig{ID: "c", Transport: BackendTransport{Type: TransportRawSocket, Endpoint: tcp},
				Auth: map[string]BackendAuth{auth.MethodTicket: {}}},
			err: errors.ErrInvalidInput,
		},
		{
			desc: "unknown serializer",
			cfg: ConnectionConfig{ID: "c", Transport: BackendTransport{Type: TransportRawSocket, Endpoint: tcp, Serializer: "xml"},
				Auth: map[string]BackendAuth{auth.MethodCryptosignProxy: {}}},
			err: errors.ErrInvalidInput,
		},
		{
			desc: "missing id",
			cfg: ConnectionConfig{Transport: BackendTransport{Type: TransportRawSocket, Endpoint: tcp},
				Auth: map[string]BackendAuth{auth.MethodCryptosignProxy: {}}},
			err: errors.ErrInvalidInput,
		},
	}
	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.err == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tc.err)
		})
	}
}

func TestCryptosignNeedsKey(t *testing.T) {
	c, err := New(Config{})
	require.NoError(t, err)
	err = c.StartConnection(context.Background(), tcpConnection("conn1"))
	assert.ErrorIs(t, err, errors.ErrInvalidState)

	_, err = New(Config{Key: []byte("short")})
	assert.ErrorIs(t, err, errors.ErrInvalidInput)
}

func TestRoundRobin(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		require.NoError(t, e.ctrl.StartConnection(ctx, tcpConnection(id)))
	}
	require.NoError(t, e.ctrl.StartRoute(ctx, RouteConfig{ID: "ra", Realm: "realm1", Roles: map[string]string{"user": "a"}}))
	require.NoError(t, e.ctrl.StartRoute(ctx, RouteConfig{ID: "rb", Realm: "realm1", Roles: map[string]string{"user": "b"}}))
	// A second route to a does not make it count twice.
	require.NoError(t, e.ctrl.StartRoute(ctx, RouteConfig{ID: "ra2", Realm: "realm1", Roles: map[string]string{"user": "a"}}))

	var got []string
	for i := 0; i < 4; i++ {
		cfg, err := e.ctrl.BackendConfig("realm1", "user")
		require.NoError(t, err)
		got = append(got, cfg.ID)
	}
	assert.Equal(t, []string{"a", "b", "a", "b"}, got)

	require.NoError(t, e.ctrl.StopRoute(ctx, "rb"))
	require.NoError(t, e.ctrl.StopRoute(ctx, "ra"))
	for i := 0; i < 3; i++ {
		cfg, err := e.ctrl.BackendConfig("realm1", "user")
		require.NoError(t, err)
		assert.Equal(t, "a", cfg.ID)
	}
	assert.True(t, e.ctrl.HasRole("realm1", "user"))

	require.NoError(t, e.ctrl.StopRoute(ctx, "ra2"))
	assert.False(t, e.ctrl.HasRealm("realm1"))
	assert.False(t, e.ctrl.HasRole("realm1", "user"))
	_, err := e.ctrl.BackendConfig("realm1", "user")
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestHasRealmAndRole(t *testing.T) {
	e := newEnv(t)
	assert.NoError(t, e.ctrl.Check(context.Background()))
	assert.False(t, e.ctrl.HasRealm("realm1"))
	e.routed(t)
	assert.True(t, e.ctrl.HasRealm("realm1"))
	assert.False(t, e.ctrl.HasRealm("realm2"))
	assert.True(t, e.ctrl.HasRole("realm1", "admin"))
	assert.False(t, e.ctrl.HasRole("realm1", "guest"))
}

func TestMapBackendIsIdempotent(t *testing.T) {
	e := newEnv(t)
	e.routed(t)
	ctx := context.Background()

	f, err := e.ctrl.NewFrontend(newFakeTransport(""), e.authn)
	require.NoError(t, err)
	id := Identity{Realm: "realm1", AuthID: "joe", AuthRole: "user", AuthMethod: "ticket", AuthProvider: "static"}

	be, err := e.ctrl.MapBackend(ctx, f.ID(), id)
	require.NoError(t, err)
	again, err := e.ctrl.MapBackend(ctx, f.ID(), id)
	require.NoError(t, err)
	assert.Same(t, be, again)
	assert.Equal(t, int32(1), e.dials.Load())
	assert.Equal(t, 1, e.ctrl.Mapped())

	info := e.backendSession(t, be.ID())
	assert.Equal(t, "joe", info["authid"])
	assert.Equal(t, "user", info["authrole"])
	assert.Equal(t, "ticket", info["authmethod"])

	other, err := e.ctrl.NewFrontend(newFakeTransport(""), e.authn)
	require.NoError(t, err)
	assert.False(t, e.ctrl.UnmapBackend(other.ID(), be))
	assert.True(t, e.ctrl.UnmapBackend(f.ID(), be))
	assert.False(t, e.ctrl.UnmapBackend(f.ID(), be))
	assert.Equal(t, 0, e.ctrl.Mapped())
	be.Close(protocol.CloseNormal, "")
}

func TestMapBackendForGoneFrontend(t *testing.T) {
	e := newEnv(t)
	e.routed(t)
	_, err := e.ctrl.MapBackend(context.Background(), 4242, Identity{Realm: "realm1", AuthID: "joe", AuthRole: "user"})
	assert.ErrorIs(t, err, errors.ErrConnectionClosed)
	assert.Equal(t, 0, e.ctrl.Mapped())
}

func TestBreakerOpens(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	cfg := tcpConnection("conn1")
	cfg.Breaker.MaxFailures = 2
	require.NoError(t, e.ctrl.StartConnection(ctx, cfg))
	require.NoError(t, e.ctrl.StartRoute(ctx, RouteConfig{ID: "r", Realm: "realm1", Roles: map[string]string{"user": "conn1"}}))
	e.setHook(func(context.Context) error { return fmt.Errorf("refused: %w", errors.ErrConnectionClosed) })

	f, err := e.ctrl.NewFrontend(newFakeTransport(""), e.authn)
	require.NoError(t, err)
	id := Identity{Realm: "realm1", AuthID: "joe", AuthRole: "user"}
	for i := 0; i < 2; i++ {
		_, err := e.ctrl.MapBackend(ctx, f.ID(), id)
		assert.ErrorIs(t, err, errors.ErrConnectionClosed)
	}
	_, err = e.ctrl.MapBackend(ctx, f.ID(), id)
	assert.ErrorIs(t, err, errors.ErrBackendUnavailable)
	assert.Equal(t, int32(2), e.dials.Load())
	assert.ErrorIs(t, e.ctrl.Check(ctx), errors.ErrBackendUnavailable)
}

func TestServiceSession(t *testing.T) {
	e := newEnv(t)
	e.routed(t)
	ctx := context.Background()

	svc, err := e.ctrl.ServiceSession(ctx, "realm1", "admin")
	require.NoError(t, err)
	res, err := svc.Call(ctx, protocol.MetaSessionCount, nil, nil)
	require.NoError(t, err)
	require.NotEmpty(t, res.Arguments)
	n, ok := wamp.AsInt64(res.Arguments[0])
	require.True(t, ok)
	assert.GreaterOrEqual(t, n, int64(1))

	_, err = svc.Call(ctx, "com.example.missing", nil, nil)
	var ce *CallError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, protocol.ErrNoSuchProcedure, ce.URI)

	again, err := e.ctrl.ServiceSession(ctx, "realm1", "admin")
	require.NoError(t, err)
	assert.Same(t, svc, again)
	_, err = e.ctrl.Call(ctx, "realm1", "admin", protocol.MetaSessionList, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(1), e.dials.Load())
	_, err = e.ctrl.Call(ctx, "realm1", "guest", protocol.MetaSessionList, nil, nil)
	assert.ErrorIs(t, err, errors.ErrNotFound)

	// Stopping the route and connection releases the cached session.
	require.NoError(t, e.ctrl.StopRoute(ctx, "route1"))
	require.NoError(t, e.ctrl.StopConnection(ctx, "conn1"))
	require.Eventually(t, func() bool {
		select {
		case <-svc.Done():
			return true
		default:
			return false
		}
	}, testWait, testTick)
	_, err = svc.Call(ctx, protocol.MetaSessionCount, nil, nil)
	assert.ErrorIs(t, err, errors.ErrConnectionClosed)
}

func TestForwardingBackendRejectsCall(t *testing.T) {
	e := newEnv(t)
	e.routed(t)
	f, err := e.ctrl.NewFrontend(newFakeTransport(""), e.authn)
	require.NoError(t, err)
	be, err := e.ctrl.MapBackend(context.Background(), f.ID(), Identity{Realm: "realm1", AuthID: "joe", AuthRole: "user"})
	require.NoError(t, err)
	defer be.Close(protocol.CloseNormal, "")
	be.Start(func(wamp.Message) {}, nil)
	_, err = be.Call(context.Background(), protocol.MetaSessionCount, nil, nil)
	assert.ErrorIs(t, err, errors.ErrInvalidState)
}

type fakeListener struct {
	closed bool
}

func (l *fakeListener) Close() error {
	l.closed = true
	return nil
}

func TestTransportLifecycle(t *testing.T) {
	ctx := context.Background()
	events := &eventLog{}
	l := &fakeListener{}
	fail := false
	c, err := New(Config{
		Events: events,
		Listen: func(_ context.Context, cfg TransportConfig, _ *Controller) (Listener, error) {
			if fail {
				return nil, fmt.Errorf("address in use")
			}
			return l, nil
		},
	})
	require.NoError(t, err)
	cfg := TransportConfig{ID: "t1", Type: TransportWebSocket, Endpoint: Endpoint{Type: EndpointTCP, Port: 8080}}

	require.NoError(t, c.StartTransport(ctx, cfg))
	assert.ErrorIs(t, c.StartTransport(ctx, cfg), errors.ErrAlreadyExists)
	require.NoError(t, c.StopTransport(ctx, "t1"))
	assert.True(t, l.closed)
	assert.ErrorIs(t, c.StopTransport(ctx, "t1"), errors.ErrNotFound)

	fail = true
	events.reset()
	assert.Error(t, c.StartTransport(ctx, cfg))
	assert.Equal(t, []wamp.URI{
		"wampd.proxy.on_proxy_transport_starting",
		"wampd.proxy.on_proxy_transport_stopped",
	}, events.topics())
	assert.Empty(t, c.Resources(KindTransport))

	bad := cfg
	bad.Serializers = []string{"xml"}
	assert.ErrorIs(t, c.StartTransport(ctx, bad), errors.ErrInvalidInput)
}

func TestTransportWithoutListener(t *testing.T) {
	c, err := New(Config{})
	require.NoError(t, err)
	err = c.StartTransport(context.Background(), TransportConfig{ID: "t1", Type: TransportRawSocket, Endpoint: Endpoint{Type: EndpointTCP}})
	assert.ErrorIs(t, err, errors.ErrInvalidState)
}

func TestRawSocketTransport(t *testing.T) {
	e := newEnv(t)
	e.routed(t)
	e.ctrl.listen = NewListenFunc(ListenConfig{ShutdownTimeout: time.Second})
	ctx := context.Background()

	require.NoError(t, e.ctrl.StartTransport(ctx, TransportConfig{
		ID:       "front",
		Type:     TransportRawSocket,
		Endpoint: Endpoint{Type: EndpointTCP, Host: "127.0.0.1", Port: 0},
		Auth:     auth.Config{auth.MethodAnonymous: {Role: "user"}},
	}))
	e.ctrl.mu.Lock()
	addr := e.ctrl.resources[KindTransport]["front"].listener.(*listener.Listener).Addr().String()
	e.ctrl.mu.Unlock()

	peer, err := rawsocket.Dial(ctx, "tcp", addr, nil, rawsocket.ClientConfig{Serializer: serializer.MsgPack})
	require.NoError(t, err)
	require.NoError(t, peer.Send(hello("realm1", "", auth.MethodAnonymous)))
	rctx, cancel := context.WithTimeout(ctx, testWait)
	defer cancel()
	msg, err := peer.Recv(rctx)
	require.NoError(t, err)
	w, ok := msg.(*wamp.Welcome)
	require.True(t, ok, "unexpected %#v", msg)
	assert.Equal(t, "user", e.backendSession(t, w.ID)["authrole"])

	peer.Close()
	require.Eventually(t, func() bool { return e.ctrl.Mapped() == 0 }, testWait, testTick)
	require.NoError(t, e.ctrl.StopTransport(ctx, "front"))
}

func TestControllerClose(t *testing.T) {
	e := newEnv(t)
	e.routed(t)
	client := e.serve(t)
	require.NoError(t, client.Send(hello("realm1", "", auth.MethodAnonymous)))
	recv[*wamp.Welcome](t, client)

	e.ctrl.Close(context.Background())
	g := recv[*wamp.Goodbye](t, client)
	assert.Equal(t, protocol.CloseSystemDown, g.Reason)
	assert.Empty(t, e.ctrl.Resources(KindRoute))
	assert.Empty(t, e.ctrl.Resources(KindConnection))
	assert.Equal(t, 0, e.ctrl.Mapped())

	_, err := e.ctrl.NewFrontend(newFakeTransport(""), e.authn)
	assert.ErrorIs(t, err, errors.ErrConnectionClosed)
	assert.ErrorIs(t, e.ctrl.StartConnection(context.Background(), tcpConnection("x")), errors.ErrInvalidState)
}
