// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/absmach/wampd/pkg/auth"
	"github.com/absmach/wampd/pkg/protocol"
	"github.com/gammazero/nexus/v3/wamp"
)

// State is the lifecycle state of a Session.
type State int32

const (
	StateUnjoined State = iota
	StateAuthPending
	StateJoined
	StateClosed
)

var stateNames = [...]string{"unjoined", "auth_pending", "joined", "closed"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Info is the identity of a joined session.
type Info struct {
	ID           wamp.ID
	Realm        wamp.URI
	AuthID       string
	AuthRole     string
	AuthMethod   string
	AuthProvider string
	AuthExtra    wamp.Dict
	Transport    *protocol.Details
}

// Dict marshals the session details as the meta API reports them.
func (i Info) Dict() wamp.Dict {
	d := wamp.Dict{
		"session":      i.ID,
		"realm":        string(i.Realm),
		"authid":       i.AuthID,
		"authrole":     i.AuthRole,
		"authmethod":   i.AuthMethod,
		"authprovider": i.AuthProvider,
		"transport":    i.Transport.Dict(),
	}
	if i.AuthExtra != nil {
		d["authextra"] = i.AuthExtra
	}
	return d
}

type authzKey struct {
	uri    wamp.URI
	action Action
}

// Session is the router side of one client connection. Messages must be
// fed through Receive from a single goroutine; Close and TransportClosed
// may be called from any goroutine.
type Session struct {
	router *Router
	tr     protocol.Transport
	authn  *auth.Authenticator
	logger *slog.Logger

	mu        sync.Mutex
	state     State
	pendingID wamp.ID
	info      Info
	realm     *Realm
	pending   auth.PendingAuth
	timer     Timer
	timerGen  uint64
	authz     map[authzKey]Decision

	// testaments are guarded by the realm lock.
	testaments map[string][]testament

	// silenced is set once the closing Goodbye or Abort went out.
	silenced atomic.Bool
	id       atomic.Uint64
}

func newSession(r *Router, tr protocol.Transport, authn *auth.Authenticator) *Session {
	return &Session{
		router: r,
		tr:     tr,
		authn:  authn,
		logger: r.logger,
		authz:  make(map[authzKey]Decision),
	}
}

// ID returns the session ID, or 0 while the session is not joined.
func (s *Session) ID() wamp.ID {
	return wamp.ID(s.id.Load())
}

// PendingID is the ID assigned on Hello, before authentication completes.
func (s *Session) PendingID() wamp.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingID
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Info returns the session identity.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// Receive processes one message from the client.
func (s *Session) Receive(ctx context.Context, msg wamp.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.router.metrics.WAMPMessage(protocol.MessageName(msg), "in")

	switch m := msg.(type) {
	case *wamp.Hello:
		s.onHello(ctx, m)
	case *wamp.Authenticate:
		s.onAuthenticate(ctx, m)
	case *wamp.Abort:
		s.onAbort(m)
	case *wamp.Goodbye:
		s.onGoodbye(m)
	default:
		if s.state != StateJoined {
			s.logger.Warn("ignoring message on session that is not joined",
				slog.String("message", protocol.MessageName(msg)),
				slog.String("state", s.state.String()))
			return
		}
		s.realm.dispatch(ctx, s, msg)
	}
}

func (s *Session) onHello(ctx context.Context, m *wamp.Hello) {
	switch s.state {
	case StateUnjoined:
	case StateClosed:
		return
	default:
		s.logger.Warn("ignoring Hello on session", slog.String("state", s.state.String()))
		return
	}
	s.pendingID = wamp.GlobalID()
	if _, ok := s.router.Realm(m.Realm); !ok {
		s.abort(protocol.ErrNoSuchRealm, "no realm \""+string(m.Realm)+"\" exists on this router")
		return
	}
	if s.authn == nil {
		s.abort(protocol.ErrNoAuthMethod, "transport accepts no authentication methods")
		return
	}
	o, pa := s.authn.Hello(ctx, auth.Hello{
		Realm:     string(m.Realm),
		SessionID: s.pendingID,
		Details:   m.Details,
		Transport: s.tr.Details(),
	})
	s.pending = pa
	s.outcome(o)
}

func (s *Session) onAuthenticate(ctx context.Context, m *wamp.Authenticate) {
	if s.state != StateAuthPending || s.pending == nil {
		if s.state == StateClosed {
			return
		}
		s.abort(protocol.ErrProtocolViolation, "Authenticate received without pending authentication")
		return
	}
	s.stopTimer()
	pa := s.pending
	s.pending = nil
	s.outcome(s.authn.Authenticate(ctx, s.tr.Details(), pa, m.Signature, m.Extra))
	if s.state == StateAuthPending {
		// The method asked for another round.
		s.pending = pa
	}
}

func (s *Session) outcome(o auth.Outcome) {
	switch v := o.(type) {
	case auth.Accept:
		s.join(v)
	case auth.Challenge:
		s.state = StateAuthPending
		s.send(&wamp.Challenge{AuthMethod: v.Method, Extra: v.Extra})
		s.startTimer()
	case auth.Deny:
		s.abort(v.Reason, v.Message)
	}
}

func (s *Session) join(a auth.Accept) {
	realm, ok := s.router.Realm(wamp.URI(a.Realm))
	if !ok {
		s.abort(protocol.ErrNoSuchRealm, "no realm \""+a.Realm+"\" exists on this router")
		return
	}
	if !realm.HasRole(a.AuthRole) {
		s.abort(protocol.ErrNoSuchRole, "role \""+a.AuthRole+"\" is not defined on realm "+a.Realm)
		return
	}
	s.info = Info{
		ID:           s.pendingID,
		Realm:        realm.uri,
		AuthID:       a.AuthID,
		AuthRole:     a.AuthRole,
		AuthMethod:   a.AuthMethod,
		AuthProvider: a.AuthProvider,
		AuthExtra:    a.AuthExtra,
		Transport:    s.tr.Details(),
	}
	s.realm = realm
	s.state = StateJoined
	s.id.Store(uint64(s.info.ID))

	details := wamp.Dict{
		"realm":        string(realm.uri),
		"authid":       a.AuthID,
		"authrole":     a.AuthRole,
		"authmethod":   a.AuthMethod,
		"authprovider": a.AuthProvider,
		"roles":        routerRoles,
	}
	if a.AuthExtra != nil {
		details["authextra"] = a.AuthExtra
	}
	s.send(&wamp.Welcome{ID: s.info.ID, Details: details})
	realm.join(s)
	s.router.track(s)
	s.router.metrics.SessionJoined(string(realm.uri), a.AuthMethod)
	s.logger.Info("session joined",
		slog.Uint64("session", uint64(s.info.ID)),
		slog.String("realm", string(realm.uri)),
		slog.String("authid", a.AuthID),
		slog.String("authrole", a.AuthRole),
		slog.String("authmethod", a.AuthMethod))
}

func (s *Session) onAbort(m *wamp.Abort) {
	switch s.state {
	case StateAuthPending, StateUnjoined:
		s.logger.Debug("client aborted handshake", slog.String("reason", string(m.Reason)))
		s.stopTimer()
		s.pending = nil
		s.state = StateClosed
		s.silenced.Store(true)
		s.tr.Close()
	case StateJoined:
		s.logger.Warn("Abort on joined session", slog.Uint64("session", uint64(s.info.ID)))
		s.leave()
		s.silenced.Store(true)
		s.tr.Close()
	}
}

func (s *Session) onGoodbye(m *wamp.Goodbye) {
	switch s.state {
	case StateJoined:
	case StateClosed:
		// The peer's reply to our own Goodbye, or a repeated one.
		return
	default:
		s.logger.Warn("ignoring Goodbye on session", slog.String("state", s.state.String()))
		return
	}
	if m.Reason == protocol.CloseLogout {
		s.router.logout(s)
	}
	s.sendFinal(&wamp.Goodbye{Details: wamp.Dict{}, Reason: protocol.CloseGoodbye})
	s.leave()
	s.tr.Close()
}

// Close ends the session from the router side. A joined session gets a
// Goodbye with reason; the transport is closed either way.
func (s *Session) Close(reason wamp.URI, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateJoined:
		details := wamp.Dict{}
		if message != "" {
			details["message"] = message
		}
		s.sendFinal(&wamp.Goodbye{Details: details, Reason: reason})
		s.leave()
	case StateClosed:
		return
	default:
		s.abort(reason, message)
		return
	}
	s.tr.Close()
}

// TransportClosed tells the session its connection is gone. A joined
// session leaves its realm without a reply.
func (s *Session) TransportClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.silenced.Store(true)
	s.stopTimer()
	s.pending = nil
	if s.state == StateJoined {
		s.leave()
	}
	s.state = StateClosed
}

// leave detaches a joined session. Must be called with s.mu held.
func (s *Session) leave() {
	s.state = StateClosed
	s.router.untrack(s)
	s.realm.leave(s)
	s.router.metrics.SessionLeft(string(s.realm.uri))
	s.id.Store(0)
	s.logger.Info("session left",
		slog.Uint64("session", uint64(s.info.ID)),
		slog.String("realm", string(s.realm.uri)))
}

func (s *Session) abort(reason wamp.URI, message string) {
	s.logger.Info("aborting session",
		slog.String("reason", string(reason)),
		slog.String("message", message),
		slog.String("peer", s.tr.Details().Peer))
	s.stopTimer()
	s.pending = nil
	s.sendFinal(&wamp.Abort{Details: wamp.Dict{"message": message}, Reason: reason})
	s.state = StateClosed
	s.tr.Close()
}

func (s *Session) startTimer() {
	s.stopTimer()
	gen := s.timerGen
	s.timer = s.router.afterFunc(s.router.authTimeout, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if gen != s.timerGen || s.state != StateAuthPending {
			return
		}
		s.abort(protocol.ErrTimeout, "authentication timed out")
	})
}

func (s *Session) stopTimer() {
	s.timerGen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// send writes msg unless the session has already said its last word.
func (s *Session) send(msg wamp.Message) bool {
	if s.silenced.Load() {
		return false
	}
	if err := s.tr.Send(msg); err != nil {
		s.logger.Debug("failed to send message",
			slog.String("message", protocol.MessageName(msg)),
			slog.Any("error", err))
		return false
	}
	s.router.metrics.WAMPMessage(protocol.MessageName(msg), "out")
	return true
}

// sendFinal sends the terminating Goodbye or Abort and silences the
// session.
func (s *Session) sendFinal(msg wamp.Message) {
	if s.silenced.Swap(true) {
		return
	}
	if err := s.tr.Send(msg); err != nil {
		s.logger.Debug("failed to send closing message", slog.Any("error", err))
	}
}
