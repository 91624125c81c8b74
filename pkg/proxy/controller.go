// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/absmach/wampd/pkg/auth"
	"github.com/absmach/wampd/pkg/breaker"
	"github.com/absmach/wampd/pkg/errors"
	"github.com/absmach/wampd/pkg/metrics"
	"github.com/absmach/wampd/pkg/protocol"
	"github.com/gammazero/nexus/v3/wamp"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	// DefaultEventPrefix is prepended to lifecycle event topics.
	DefaultEventPrefix = "wampd.proxy."
	// DefaultAuthTimeout bounds the time between Challenge and Authenticate.
	DefaultAuthTimeout = 10 * time.Second

	defaultServiceSessions = 64
	defaultServiceAuthID   = "wampd-proxy"
)

// Timer is a cancellable delayed call.
type Timer interface {
	Stop() bool
}

// Listener is a running client facing transport.
type Listener interface {
	Close() error
}

// ListenFunc starts a transport whose sessions are served by c.
type ListenFunc func(ctx context.Context, cfg TransportConfig, c *Controller) (Listener, error)

// Publisher receives lifecycle events. A router LocalSession satisfies it.
type Publisher interface {
	Publish(ctx context.Context, topic wamp.URI, options wamp.Dict, args wamp.List, kwargs wamp.Dict) error
}

// FrontendID is the handle the controller gives a frontend session.
type FrontendID uint64

// Config configures a Controller.
type Config struct {
	// Key is the node key presented to backends with cryptosign-proxy.
	Key    ed25519.PrivateKey
	Dialer Dialer
	Listen ListenFunc
	Events Publisher
	// EventPrefix defaults to DefaultEventPrefix.
	EventPrefix string
	// ServiceSessions bounds the cached service sessions.
	ServiceSessions int
	// ServiceAuthID is the authid of service sessions.
	ServiceAuthID string
	AuthTimeout   time.Duration
	// AfterFunc schedules timeouts. It defaults to time.AfterFunc.
	AfterFunc func(time.Duration, func()) Timer
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

type routeKey struct {
	realm string
	role  string
}

// target is the set of connections serving one (realm, role).
type target struct {
	conns []string
	refs  map[string]int
	next  uint64
}

// Controller owns the transports, connections and routes of a proxy node
// and the mapping of frontend sessions to backend sessions.
type Controller struct {
	key           ed25519.PrivateKey
	dialer        Dialer
	listen        ListenFunc
	events        Publisher
	prefix        string
	serviceAuthID string
	authTimeout   time.Duration
	afterFunc     func(time.Duration, func()) Timer
	logger        *slog.Logger
	metrics       *metrics.Metrics
	services      *lru.Cache[routeKey, *Backend]

	// mu guards the resources, the route index and the frontend to backend
	// mapping together.
	mu           sync.Mutex
	resources    map[Kind]map[string]*resource
	index        map[routeKey]*target
	frontends    map[FrontendID]*Frontend
	backends     map[FrontendID]*Backend
	lastFrontend FrontendID
	closed       bool
}

// New creates a Controller.
func New(cfg Config) (*Controller, error) {
	c := &Controller{
		key:           cfg.Key,
		dialer:        cfg.Dialer,
		listen:        cfg.Listen,
		events:        cfg.Events,
		prefix:        cfg.EventPrefix,
		serviceAuthID: cfg.ServiceAuthID,
		authTimeout:   cfg.AuthTimeout,
		afterFunc:     cfg.AfterFunc,
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
		resources: map[Kind]map[string]*resource{
			KindTransport:  {},
			KindConnection: {},
			KindRoute:      {},
		},
		index:     make(map[routeKey]*target),
		frontends: make(map[FrontendID]*Frontend),
		backends:  make(map[FrontendID]*Backend),
	}
	if c.dialer == nil {
		c.dialer = NetDialer{}
	}
	if c.prefix == "" {
		c.prefix = DefaultEventPrefix
	}
	if c.serviceAuthID == "" {
		c.serviceAuthID = defaultServiceAuthID
	}
	if c.authTimeout <= 0 {
		c.authTimeout = DefaultAuthTimeout
	}
	if c.afterFunc == nil {
		c.afterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if cfg.Key != nil && len(cfg.Key) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("node key has %d bytes: %w", len(cfg.Key), errors.ErrInvalidInput)
	}
	size := cfg.ServiceSessions
	if size <= 0 {
		size = defaultServiceSessions
	}
	services, err := lru.NewWithEvict[routeKey, *Backend](size, func(_ routeKey, be *Backend) {
		be.Close(protocol.CloseNormal, "service session released")
	})
	if err != nil {
		return nil, err
	}
	c.services = services
	return c, nil
}

// StartTransport starts a client facing listener.
func (c *Controller) StartTransport(ctx context.Context, cfg TransportConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if c.listen == nil {
		return fmt.Errorf("transport %s: no listener configured: %w", cfg.ID, errors.ErrInvalidState)
	}
	r, err := c.create(KindTransport, cfg.ID, cfg)
	if err != nil {
		return err
	}
	c.transition(ctx, r, StateStarting)
	l, err := c.listen(ctx, cfg, c)
	if err != nil {
		c.discard(ctx, r)
		return fmt.Errorf("start transport %s: %w", cfg.ID, err)
	}
	c.mu.Lock()
	r.listener = l
	c.mu.Unlock()
	c.transition(ctx, r, StateStarted)
	return nil
}

// StopTransport closes a listener. Sessions it accepted stay up.
func (c *Controller) StopTransport(ctx context.Context, id string) error {
	r, err := c.stopping(ctx, KindTransport, id, nil)
	if err != nil {
		return err
	}
	if err := r.listener.Close(); err != nil {
		c.logger.Warn("failed to close transport", slog.String("transport", id), slog.Any("error", err))
	}
	c.discard(ctx, r)
	return nil
}

// StartConnection makes a backend router worker available to routes.
func (c *Controller) StartConnection(ctx context.Context, cfg ConnectionConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Method() == auth.MethodCryptosignProxy && c.key == nil {
		return fmt.Errorf("connection %s: %s needs a node key: %w", cfg.ID, auth.MethodCryptosignProxy, errors.ErrInvalidState)
	}
	r, err := c.create(KindConnection, cfg.ID, cfg)
	if err != nil {
		return err
	}
	c.transition(ctx, r, StateStarting)
	cb := breaker.New(cfg.Breaker)
	id := cfg.ID
	cb.OnStateChange(func(from, to breaker.State) {
		c.metrics.BreakerState(id, int(to), to == breaker.StateOpen)
		c.logger.Warn("backend circuit changed state",
			slog.String("connection", id),
			slog.String("from", from.String()),
			slog.String("to", to.String()))
	})
	c.mu.Lock()
	r.conn = cfg
	r.cb = cb
	c.mu.Unlock()
	c.transition(ctx, r, StateStarted)
	return nil
}

// StopConnection retires a connection. A connection still referenced by
// a route cannot be stopped. Mapped backend sessions stay up until their
// frontends leave.
func (c *Controller) StopConnection(ctx context.Context, id string) error {
	r, err := c.stopping(ctx, KindConnection, id, func() error {
		for _, route := range c.resources[KindRoute] {
			for _, conn := range route.route.Roles {
				if conn == id {
					return fmt.Errorf("connection %s is used by route %s: %w", id, route.id, errors.ErrInvalidState)
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, k := range c.services.Keys() {
		if be, ok := c.services.Peek(k); ok && be.Connection() == id {
			c.services.Remove(k)
		}
	}
	c.discard(ctx, r)
	return nil
}

// StartRoute maps the roles of a realm to started connections.
func (c *Controller) StartRoute(ctx context.Context, cfg RouteConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	for _, conn := range cfg.Roles {
		if r, ok := c.resources[KindConnection][conn]; !ok || r.state != StateStarted {
			c.mu.Unlock()
			return fmt.Errorf("route %s references connection %s: %w", cfg.ID, conn, errors.ErrNotFound)
		}
	}
	r, err := c.createLocked(KindRoute, cfg.ID, cfg)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	r.route = cfg
	c.mu.Unlock()

	c.transition(ctx, r, StateStarting)
	c.mu.Lock()
	c.indexAdd(cfg)
	c.mu.Unlock()
	c.transition(ctx, r, StateStarted)
	return nil
}

// StopRoute removes a route from the index.
func (c *Controller) StopRoute(ctx context.Context, id string) error {
	r, err := c.stopping(ctx, KindRoute, id, nil)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.indexRemove(r.route)
	c.mu.Unlock()
	c.discard(ctx, r)
	return nil
}

// Resources lists the active resources of kind, sorted by ID.
func (c *Controller) Resources(kind Kind) []Resource {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Resource, 0, len(c.resources[kind]))
	for _, r := range c.resources[kind] {
		out = append(out, r.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Resource returns one active resource.
func (c *Controller) Resource(kind Kind, id string) (Resource, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.resources[kind][id]
	if !ok {
		return Resource{}, fmt.Errorf("%s %s: %w", kind, id, errors.ErrNotFound)
	}
	return r.snapshot(), nil
}

func (c *Controller) create(kind Kind, id string, config any) (*resource, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.createLocked(kind, id, config)
}

func (c *Controller) createLocked(kind Kind, id string, config any) (*resource, error) {
	if c.closed {
		return nil, fmt.Errorf("controller is closed: %w", errors.ErrInvalidState)
	}
	if _, ok := c.resources[kind][id]; ok {
		return nil, fmt.Errorf("%s %s: %w", kind, id, errors.ErrAlreadyExists)
	}
	r := &resource{kind: kind, id: id, config: config, state: StateCreated}
	c.resources[kind][id] = r
	return r, nil
}

// stopping moves a started resource to StateStopping. check runs under the
// lock and may veto.
func (c *Controller) stopping(ctx context.Context, kind Kind, id string, check func() error) (*resource, error) {
	c.mu.Lock()
	r, ok := c.resources[kind][id]
	if !ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("%s %s: %w", kind, id, errors.ErrNotFound)
	}
	if r.state != StateStarted {
		c.mu.Unlock()
		return nil, fmt.Errorf("%s %s is %s: %w", kind, id, r.state, errors.ErrInvalidState)
	}
	if check != nil {
		if err := check(); err != nil {
			c.mu.Unlock()
			return nil, err
		}
	}
	r.state = StateStopping
	snap := r.snapshot()
	c.mu.Unlock()
	c.publish(ctx, snap)
	return r, nil
}

func (c *Controller) transition(ctx context.Context, r *resource, state ResourceState) {
	c.mu.Lock()
	r.state = state
	if state == StateStarted {
		r.started = time.Now()
	}
	snap := r.snapshot()
	c.mu.Unlock()
	c.publish(ctx, snap)
	c.logger.Info("proxy resource "+string(state),
		slog.String("kind", string(r.kind)),
		slog.String("id", r.id))
}

// discard stops a resource and forgets it, freeing its ID.
func (c *Controller) discard(ctx context.Context, r *resource) {
	c.mu.Lock()
	r.state = StateStopped
	r.stopped = time.Now()
	if c.resources[r.kind][r.id] == r {
		delete(c.resources[r.kind], r.id)
	}
	snap := r.snapshot()
	c.mu.Unlock()
	c.publish(ctx, snap)
	c.logger.Info("proxy resource stopped",
		slog.String("kind", string(r.kind)),
		slog.String("id", r.id))
}

func (c *Controller) publish(ctx context.Context, r Resource) {
	if c.events == nil {
		return
	}
	topic := wamp.URI(c.prefix + "on_proxy_" + string(r.Kind) + "_" + string(r.State))
	if err := c.events.Publish(ctx, topic, wamp.Dict{}, wamp.List{r.Dict()}, nil); err != nil {
		c.logger.Warn("failed to publish lifecycle event", slog.String("topic", string(topic)), slog.Any("error", err))
	}
}

func (c *Controller) indexAdd(cfg RouteConfig) {
	for role, conn := range cfg.Roles {
		k := routeKey{realm: cfg.Realm, role: role}
		t, ok := c.index[k]
		if !ok {
			t = &target{refs: make(map[string]int)}
			c.index[k] = t
		}
		if t.refs[conn] == 0 {
			t.conns = append(t.conns, conn)
		}
		t.refs[conn]++
	}
}

func (c *Controller) indexRemove(cfg RouteConfig) {
	for role, conn := range cfg.Roles {
		k := routeKey{realm: cfg.Realm, role: role}
		t, ok := c.index[k]
		if !ok {
			continue
		}
		t.refs[conn]--
		if t.refs[conn] > 0 {
			continue
		}
		delete(t.refs, conn)
		for i, id := range t.conns {
			if id == conn {
				t.conns = append(t.conns[:i], t.conns[i+1:]...)
				break
			}
		}
		if len(t.conns) == 0 {
			delete(c.index, k)
		}
	}
}

// HasRealm reports whether any route serves realm.
func (c *Controller) HasRealm(realm string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.index {
		if k.realm == realm {
			return true
		}
	}
	return false
}

// HasRole reports whether a route serves role on realm.
func (c *Controller) HasRole(realm, role string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.index[routeKey{realm: realm, role: role}]
	return ok
}

// BackendConfig selects the next connection for (realm, role), round
// robin over the connections routed for the pair.
func (c *Controller) BackendConfig(realm, role string) (ConnectionConfig, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, err := c.selectLocked(realm, role)
	if err != nil {
		return ConnectionConfig{}, err
	}
	return r.conn, nil
}

func (c *Controller) selectLocked(realm, role string) (*resource, error) {
	t, ok := c.index[routeKey{realm: realm, role: role}]
	if !ok || len(t.conns) == 0 {
		return nil, fmt.Errorf("no route for role %s on realm %s: %w", role, realm, errors.ErrNotFound)
	}
	id := t.conns[t.next%uint64(len(t.conns))]
	t.next++
	r, ok := c.resources[KindConnection][id]
	if !ok {
		return nil, fmt.Errorf("connection %s: %w", id, errors.ErrNotFound)
	}
	c.metrics.RouteSelected(realm, role, id)
	return r, nil
}

func (c *Controller) credential(cfg ConnectionConfig) credential {
	method := cfg.Method()
	if method == auth.MethodCryptosignProxy {
		return credential{method: method, key: c.key}
	}
	return credential{method: method}
}

// connect dials the connection of r and joins the backend router as id.
func (c *Controller) connect(ctx context.Context, r *resource, id Identity) (*Backend, error) {
	var be *Backend
	err := r.cb.Call(ctx, func(ctx context.Context) error {
		peer, err := c.dialer.Dial(ctx, r.conn)
		if err != nil {
			return err
		}
		b, err := join(ctx, r.conn.ID, peer, id, c.credential(r.conn), c.logger)
		if err != nil {
			peer.Close()
			return err
		}
		be = b
		return nil
	})
	c.metrics.BackendConnect(r.conn.ID, err)
	if err != nil {
		return nil, fmt.Errorf("connect to backend %s: %w", r.conn.ID, err)
	}
	c.logger.Debug("backend session joined",
		slog.String("connection", r.conn.ID),
		slog.Uint64("session", uint64(be.ID())),
		slog.String("realm", id.Realm),
		slog.String("authid", id.AuthID))
	return be, nil
}

// MapBackend returns the backend session of a frontend, connecting one
// when there is none yet. The connection is selected round robin among
// the routes for the identity's realm and role.
func (c *Controller) MapBackend(ctx context.Context, fid FrontendID, id Identity) (*Backend, error) {
	c.mu.Lock()
	if be, ok := c.backends[fid]; ok {
		c.mu.Unlock()
		return be, nil
	}
	r, err := c.selectLocked(id.Realm, id.AuthRole)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	be, err := c.connect(ctx, r, id)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if cur, ok := c.backends[fid]; ok {
		c.mu.Unlock()
		be.Close(protocol.CloseNormal, "duplicate backend session")
		return cur, nil
	}
	if _, live := c.frontends[fid]; !live {
		c.mu.Unlock()
		be.Close(protocol.CloseNormal, "frontend session is gone")
		return nil, fmt.Errorf("frontend %d: %w", fid, errors.ErrConnectionClosed)
	}
	c.backends[fid] = be
	c.mu.Unlock()
	c.metrics.BackendMapped(be.Connection(), 1)
	return be, nil
}

// UnmapBackend detaches be from a frontend. It reports false when be is
// not the backend currently mapped to fid.
func (c *Controller) UnmapBackend(fid FrontendID, be *Backend) bool {
	c.mu.Lock()
	cur, ok := c.backends[fid]
	if !ok || cur != be {
		c.mu.Unlock()
		return false
	}
	delete(c.backends, fid)
	c.mu.Unlock()
	c.metrics.BackendMapped(be.Connection(), -1)
	return true
}

// Backend returns the backend session mapped to fid.
func (c *Controller) Backend(fid FrontendID) (*Backend, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	be, ok := c.backends[fid]
	return be, ok
}

// Mapped returns the number of frontends with a backend session.
func (c *Controller) Mapped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.backends)
}

// ServiceSession returns a cached session on the backend serving (realm,
// role), joining one when needed. Service sessions answer Call.
func (c *Controller) ServiceSession(ctx context.Context, realm, role string) (*Backend, error) {
	k := routeKey{realm: realm, role: role}
	if be, ok := c.services.Get(k); ok {
		select {
		case <-be.Done():
			c.services.Remove(k)
		default:
			return be, nil
		}
	}
	c.mu.Lock()
	r, err := c.selectLocked(realm, role)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	be, err := c.connect(ctx, r, Identity{
		Realm:        realm,
		AuthID:       c.serviceAuthID,
		AuthRole:     role,
		AuthMethod:   "trusted",
		AuthProvider: "proxy",
	})
	if err != nil {
		return nil, err
	}
	be.startService(func(wamp.URI, string) {
		if cur, ok := c.services.Peek(k); ok && cur == be {
			c.services.Remove(k)
		}
	})
	if found, _ := c.services.ContainsOrAdd(k, be); found {
		be.Close(protocol.CloseNormal, "duplicate service session")
		if cur, ok := c.services.Get(k); ok {
			return cur, nil
		}
		return nil, fmt.Errorf("service session for %s on %s: %w", role, realm, errors.ErrConnectionClosed)
	}
	return be, nil
}

// Call invokes procedure on the backend serving (realm, role) through a
// service session.
func (c *Controller) Call(ctx context.Context, realm, role string, procedure wamp.URI, args wamp.List, kwargs wamp.Dict) (*wamp.Result, error) {
	be, err := c.ServiceSession(ctx, realm, role)
	if err != nil {
		return nil, err
	}
	return be.Call(ctx, procedure, args, kwargs)
}

// Check fails when the circuit of a started connection is open.
func (c *Controller) Check(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var open []string
	for id, r := range c.resources[KindConnection] {
		if r.cb != nil && r.cb.State() == breaker.StateOpen {
			open = append(open, id)
		}
	}
	if len(open) == 0 {
		return nil
	}
	sort.Strings(open)
	return fmt.Errorf("circuit open for connections %v: %w", open, errors.ErrBackendUnavailable)
}

// Serve runs a frontend session over peer until the connection ends.
func (c *Controller) Serve(ctx context.Context, peer protocol.Peer, authn *auth.Authenticator) error {
	f, err := c.NewFrontend(peer, authn)
	if err != nil {
		peer.Send(&wamp.Abort{Details: wamp.Dict{}, Reason: protocol.CloseSystemDown})
		peer.Close()
		return err
	}
	defer f.TransportClosed()

	// Recv runs apart from Receive so a client going away is noticed while
	// Receive waits on a backend connect.
	stop := make(chan struct{})
	defer close(stop)
	msgs := make(chan wamp.Message)
	errc := make(chan error, 1)
	go func() {
		for {
			msg, err := peer.Recv(ctx)
			if err != nil {
				f.abandonConnect()
				errc <- err
				return
			}
			select {
			case msgs <- msg:
			case <-stop:
				return
			}
		}
	}()

	for {
		select {
		case msg := <-msgs:
			f.Receive(ctx, msg)
			if f.State() == FrontendClosed {
				return nil
			}
		case err := <-errc:
			return err
		}
	}
}

// NewFrontend registers a frontend session for tr.
func (c *Controller) NewFrontend(tr protocol.Transport, authn *auth.Authenticator) (*Frontend, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.ErrConnectionClosed
	}
	c.lastFrontend++
	f := newFrontend(c, c.lastFrontend, tr, authn)
	c.frontends[f.id] = f
	return f, nil
}

func (c *Controller) frontend(fid FrontendID) (*Frontend, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.frontends[fid]
	return f, ok
}

func (c *Controller) forget(fid FrontendID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.frontends, fid)
}

// deliver forwards a backend message to its frontend.
func (c *Controller) deliver(fid FrontendID, msg wamp.Message) {
	if f, ok := c.frontend(fid); ok {
		f.forward(msg)
	}
}

// backendClosed tells the frontend of be that the backend session ended.
func (c *Controller) backendClosed(fid FrontendID, be *Backend, reason wamp.URI, message string) {
	if !c.UnmapBackend(fid, be) {
		return
	}
	if f, ok := c.frontend(fid); ok {
		f.backendClosed(reason, message)
	}
}

// logout closes the other frontends sharing cookie.
func (c *Controller) logout(fid FrontendID, cookie string) {
	if cookie == "" {
		return
	}
	c.mu.Lock()
	var siblings []*Frontend
	for id, f := range c.frontends {
		if id != fid && f.cookie() == cookie {
			siblings = append(siblings, f)
		}
	}
	c.mu.Unlock()
	for _, f := range siblings {
		go f.Close(protocol.CloseLogout, "logged out on another connection")
	}
}

// Close stops every route, connection and transport and ends all sessions.
func (c *Controller) Close(ctx context.Context) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	frontends := make([]*Frontend, 0, len(c.frontends))
	for _, f := range c.frontends {
		frontends = append(frontends, f)
	}
	c.mu.Unlock()

	for _, f := range frontends {
		f.Close(protocol.CloseSystemDown, "proxy is shutting down")
	}
	for _, kind := range []Kind{KindRoute, KindConnection, KindTransport} {
		for _, r := range c.Resources(kind) {
			if r.State != StateStarted {
				continue
			}
			var err error
			switch kind {
			case KindRoute:
				err = c.StopRoute(ctx, r.ID)
			case KindConnection:
				err = c.StopConnection(ctx, r.ID)
			case KindTransport:
				err = c.StopTransport(ctx, r.ID)
			}
			if err != nil {
				c.logger.Warn("failed to stop proxy resource",
					slog.String("kind", string(kind)),
					slog.String("id", r.ID),
					slog.Any("error", err))
			}
		}
	}
	c.services.Purge()
}
