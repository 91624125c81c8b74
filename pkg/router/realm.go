// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/absmach/wampd/pkg/protocol"
	"github.com/gammazero/nexus/v3/wamp"
)

// Testament scopes.
const (
	ScopeDestroyed = "destroyed"
	ScopeDetached  = "detached"
)

var routerRoles = wamp.Dict{
	"broker": brokerFeatures,
	"dealer": dealerFeatures,
}

type delivery struct {
	to  *Session
	msg wamp.Message
}

func reply(s *Session, msg wamp.Message) []delivery {
	return []delivery{{to: s, msg: msg}}
}

func errorFor(m wamp.Message, request wamp.ID, uri wamp.URI, message string) *wamp.Error {
	return &wamp.Error{
		Type:      m.MessageType(),
		Request:   request,
		Details:   wamp.Dict{},
		Error:     uri,
		Arguments: wamp.List{message},
	}
}

type idgen struct {
	last wamp.ID
}

// next returns router scope IDs 1, 2, ... wrapping within the WAMP ID
// range.
func (g *idgen) next() wamp.ID {
	g.last++
	if g.last > 1<<53 {
		g.last = 1
	}
	return g.last
}

type testament struct {
	topic   wamp.URI
	args    wamp.List
	kwargs  wamp.Dict
	options wamp.Dict
}

type metaProcedure func(s *Session, m *wamp.Call) wamp.Message

// Realm is a routing namespace with its own broker, dealer and
// authorization.
type Realm struct {
	uri    wamp.URI
	router *Router
	logger *slog.Logger
	authz  *roleAuthorizer

	mu         sync.Mutex
	authorizer Authorizer
	sessions   map[wamp.ID]*Session
	ids        idgen
	broker     *broker
	dealer     *dealer
	meta       map[wamp.URI]metaProcedure
	service    *LocalSession
}

func newRealm(r *Router, cfg RealmConfig) *Realm {
	realm := &Realm{
		uri:      wamp.URI(cfg.Name),
		router:   r,
		logger:   r.logger.With(slog.String("realm", cfg.Name)),
		sessions: make(map[wamp.ID]*Session),
	}
	realm.authz = newRoleAuthorizer(cfg, nil)
	realm.authorizer = realm.authz
	realm.broker = newBroker(&realm.ids)
	realm.dealer = newDealer(&realm.ids)
	realm.meta = map[wamp.URI]metaProcedure{
		protocol.MetaSessionCount:     realm.sessionCount,
		protocol.MetaSessionList:      realm.sessionList,
		protocol.MetaSessionGet:       realm.sessionGet,
		protocol.MetaSessionKill:      realm.sessionKill,
		protocol.MetaAddTestament:     realm.addTestament,
		protocol.MetaFlushTestaments:  realm.flushTestaments,
		protocol.MetaSubscriptionList: realm.subscriptionList,
		protocol.MetaRegistrationList: realm.registrationList,
	}
	return realm
}

func (r *Realm) setService(svc *LocalSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.service = svc
	r.authz.caller = svc
}

// URI returns the realm name.
func (r *Realm) URI() wamp.URI {
	return r.uri
}

// Service returns the realm's trusted local session.
func (r *Realm) Service() *LocalSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.service
}

// SetAuthorizer replaces the role based authorizer.
func (r *Realm) SetAuthorizer(a Authorizer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.authorizer = a
}

// HasRole reports whether sessions with role may join. A realm without
// configured roles admits any role.
func (r *Realm) HasRole(role string) bool {
	return len(r.authz.roles) == 0 || r.authz.hasRole(role)
}

// SessionCount returns the number of joined sessions, the service session
// included.
func (r *Realm) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Realm) deliver(out []delivery) {
	for _, d := range out {
		d.to.send(d.msg)
	}
}

func (r *Realm) join(s *Session) {
	r.mu.Lock()
	r.sessions[s.info.ID] = s
	out := r.broker.publish(nil, &wamp.Publish{
		Topic:     protocol.MetaOnJoin,
		Arguments: wamp.List{s.info.Dict()},
	}, false)
	r.mu.Unlock()
	r.deliver(out)
}

// leave detaches s, fires its testaments and announces the departure with
// the session ID it had while joined.
func (r *Realm) leave(s *Session) {
	r.mu.Lock()
	delete(r.sessions, s.info.ID)
	r.broker.removeSession(s)
	out := r.dealer.removeSession(s)
	for _, scope := range []string{ScopeDetached, ScopeDestroyed} {
		for _, t := range s.testaments[scope] {
			out = append(out, r.broker.publish(nil, &wamp.Publish{
				Topic:       t.topic,
				Options:     t.options,
				Arguments:   t.args,
				ArgumentsKw: t.kwargs,
			}, false)...)
		}
	}
	s.testaments = nil
	out = append(out, r.broker.publish(nil, &wamp.Publish{
		Topic:     protocol.MetaOnLeave,
		Arguments: wamp.List{s.info.ID, s.info.AuthID, s.info.AuthRole},
	}, false)...)
	r.mu.Unlock()
	r.deliver(out)
}

func (r *Realm) close() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	svc := r.service
	r.mu.Unlock()
	for _, s := range sessions {
		if svc != nil && s == svc.sess {
			continue
		}
		s.Close(protocol.CloseSystemDown, "router is shutting down")
	}
	if svc != nil {
		svc.Close()
	}
}

// dispatch routes an application message from a joined session. It runs
// under s.mu.
func (r *Realm) dispatch(ctx context.Context, s *Session, msg wamp.Message) {
	var out []delivery
	switch m := msg.(type) {
	case *wamp.Publish:
		d, ok := r.check(ctx, s, msg, m.Request, m.Topic, ActionPublish, protocol.Bool(m.Options, "acknowledge"))
		if !ok {
			return
		}
		r.mu.Lock()
		out = r.broker.publish(s, m, d.Disclose)
		r.mu.Unlock()
	case *wamp.Subscribe:
		if _, ok := r.check(ctx, s, msg, m.Request, m.Topic, ActionSubscribe, true); !ok {
			return
		}
		r.mu.Lock()
		out = r.broker.subscribe(s, m)
		r.mu.Unlock()
	case *wamp.Unsubscribe:
		r.mu.Lock()
		out = r.broker.unsubscribe(s, m)
		r.mu.Unlock()
	case *wamp.Call:
		d, ok := r.check(ctx, s, msg, m.Request, m.Procedure, ActionCall, true)
		if !ok {
			return
		}
		r.mu.Lock()
		if fn, ok := r.meta[m.Procedure]; ok {
			out = reply(s, fn(s, m))
		} else {
			out = r.dealer.call(s, m, d.Disclose)
		}
		r.mu.Unlock()
	case *wamp.Register:
		if _, ok := r.check(ctx, s, msg, m.Request, m.Procedure, ActionRegister, true); !ok {
			return
		}
		r.mu.Lock()
		if _, reserved := r.meta[m.Procedure]; reserved {
			out = reply(s, errorFor(m, m.Request, protocol.ErrProcedureAlreadyExists, "procedure "+string(m.Procedure)+" is provided by the router"))
		} else {
			out = r.dealer.register(s, m)
		}
		r.mu.Unlock()
	case *wamp.Unregister:
		r.mu.Lock()
		out = r.dealer.unregister(s, m)
		r.mu.Unlock()
	case *wamp.Yield:
		r.mu.Lock()
		out = r.dealer.yield(s, m)
		r.mu.Unlock()
	case *wamp.Error:
		if m.Type != wamp.INVOCATION {
			r.logger.Warn("ignoring Error for unexpected message type", slog.String("type", m.Type.String()))
			return
		}
		r.mu.Lock()
		out = r.dealer.invocationError(s, m)
		r.mu.Unlock()
	case *wamp.Cancel:
		r.mu.Lock()
		out = r.dealer.cancel(s, m)
		r.mu.Unlock()
	default:
		r.logger.Warn("ignoring unexpected message", slog.String("message", protocol.MessageName(msg)), slog.Uint64("session", uint64(s.info.ID)))
		return
	}
	r.deliver(out)
}

// check authorizes an action. A denial or a failing authorizer is answered
// with an Error to this request only, when respond is set.
func (r *Realm) check(ctx context.Context, s *Session, msg wamp.Message, request wamp.ID, uri wamp.URI, action Action, respond bool) (Decision, bool) {
	key := authzKey{uri: uri, action: action}
	d, cached := s.authz[key]
	if !cached {
		err := r.selfAuthorizing(s)
		if err == nil {
			d, err = r.authorize(ctx, s.info, uri, action)
		}
		if err != nil {
			r.logger.Error("authorization failed",
				slog.Uint64("session", uint64(s.info.ID)),
				slog.String("uri", string(uri)),
				slog.String("action", string(action)),
				slog.Any("error", err))
			if respond {
				s.send(errorFor(msg, request, protocol.ErrAuthorizationFailed, fmt.Sprintf("failed to authorize session for %s on %s: %v", action, uri, err)))
			}
			return Decision{}, false
		}
		if d.Cache {
			s.authz[key] = d
		}
	}
	if !d.Allow {
		r.router.metrics.Denied(string(r.uri), string(action))
		if respond {
			s.send(errorFor(msg, request, protocol.ErrNotAuthorized, fmt.Sprintf("session is not authorized to %s %s", action, uri)))
		}
		return d, false
	}
	return d, true
}

// selfAuthorizing fails when s itself serves the authorizer procedure of
// its role. s handles one message at a time, so it could never answer.
func (r *Realm) selfAuthorizing(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.authorizer != r.authz {
		return nil
	}
	role, ok := r.authz.roles[s.info.AuthRole]
	if !ok || role.Authorizer == "" {
		return nil
	}
	if reg, ok := r.dealer.lookup(wamp.URI(role.Authorizer)); ok && reg.callee == s {
		return fmt.Errorf("session is the callee of its own authorizer %s", role.Authorizer)
	}
	return nil
}

func (r *Realm) authorize(ctx context.Context, info Info, uri wamp.URI, action Action) (d Decision, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("authorizer panicked: %v", p)
		}
	}()
	r.mu.Lock()
	a := r.authorizer
	r.mu.Unlock()
	return a.Authorize(ctx, info, uri, action)
}

func result(m *wamp.Call, args ...any) *wamp.Result {
	return &wamp.Result{Request: m.Request, Details: wamp.Dict{}, Arguments: wamp.List(args)}
}

// filtered returns the sessions whose authrole is in the optional filter
// list passed as the first call argument, sorted by ID.
func (r *Realm) filtered(m *wamp.Call) []*Session {
	var roles map[string]bool
	if len(m.Arguments) > 0 {
		if l := protocol.AsStrings(m.Arguments[0]); l != nil {
			roles = make(map[string]bool, len(l))
			for _, role := range l {
				roles[role] = true
			}
		}
	}
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if roles == nil || roles[s.info.AuthRole] {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].info.ID < out[j].info.ID })
	return out
}

func (r *Realm) sessionCount(_ *Session, m *wamp.Call) wamp.Message {
	return result(m, len(r.filtered(m)))
}

func (r *Realm) sessionList(_ *Session, m *wamp.Call) wamp.Message {
	sessions := r.filtered(m)
	ids := make(wamp.List, len(sessions))
	for i, s := range sessions {
		ids[i] = s.info.ID
	}
	return result(m, ids)
}

func (r *Realm) targetSession(m *wamp.Call) (*Session, *wamp.Error) {
	if len(m.Arguments) == 0 {
		return nil, errorFor(m, m.Request, protocol.ErrInvalidArgument, "session ID is required")
	}
	id, ok := wamp.AsID(m.Arguments[0])
	if !ok {
		return nil, errorFor(m, m.Request, protocol.ErrInvalidArgument, "session ID must be an integer")
	}
	s, ok := r.sessions[id]
	if !ok {
		return nil, errorFor(m, m.Request, protocol.ErrNoSuchSession, "no session with this ID")
	}
	return s, nil
}

func (r *Realm) sessionGet(_ *Session, m *wamp.Call) wamp.Message {
	s, errMsg := r.targetSession(m)
	if errMsg != nil {
		return errMsg
	}
	return result(m, s.info.Dict())
}

func (r *Realm) sessionKill(caller *Session, m *wamp.Call) wamp.Message {
	s, errMsg := r.targetSession(m)
	if errMsg != nil {
		return errMsg
	}
	if s == caller {
		return errorFor(m, m.Request, protocol.ErrInvalidArgument, "a session cannot kill itself")
	}
	reason, _ := wamp.AsURI(m.ArgumentsKw["reason"])
	if reason == "" {
		reason = protocol.CloseKilled
	}
	message, _ := wamp.AsString(m.ArgumentsKw["message"])
	go s.Close(reason, message)
	return result(m)
}

func testamentScope(opts wamp.Dict) (string, bool) {
	scope := protocol.String(opts, "scope")
	switch scope {
	case "":
		return ScopeDestroyed, true
	case ScopeDestroyed, ScopeDetached:
		return scope, true
	}
	return "", false
}

func (r *Realm) addTestament(s *Session, m *wamp.Call) wamp.Message {
	if len(m.Arguments) < 1 {
		return errorFor(m, m.Request, protocol.ErrInvalidArgument, "topic is required")
	}
	topic, _ := wamp.AsURI(m.Arguments[0])
	if !protocol.ValidURI(topic, protocol.MatchExact) {
		return errorFor(m, m.Request, protocol.ErrInvalidURI, "invalid testament topic")
	}
	t := testament{topic: topic, options: wamp.Dict{}}
	if len(m.Arguments) > 1 {
		t.args, _ = wamp.AsList(m.Arguments[1])
	}
	if len(m.Arguments) > 2 {
		t.kwargs, _ = wamp.AsDict(m.Arguments[2])
	}
	scope, ok := testamentScope(m.ArgumentsKw)
	if !ok {
		return errorFor(m, m.Request, protocol.ErrInvalidArgument, "scope must be destroyed or detached")
	}
	if opts, ok := wamp.AsDict(m.ArgumentsKw["publish_options"]); ok {
		t.options = opts
	}
	if s.testaments == nil {
		s.testaments = make(map[string][]testament)
	}
	s.testaments[scope] = append(s.testaments[scope], t)
	return result(m)
}

func (r *Realm) flushTestaments(s *Session, m *wamp.Call) wamp.Message {
	scope, ok := testamentScope(m.ArgumentsKw)
	if !ok {
		return errorFor(m, m.Request, protocol.ErrInvalidArgument, "scope must be destroyed or detached")
	}
	n := len(s.testaments[scope])
	delete(s.testaments, scope)
	return result(m, n)
}

func (r *Realm) subscriptionList(_ *Session, m *wamp.Call) wamp.Message {
	return result(m, r.broker.list())
}

func (r *Realm) registrationList(_ *Session, m *wamp.Call) wamp.Message {
	return result(m, r.dealer.list())
}
