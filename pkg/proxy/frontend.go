// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/absmach/wampd/pkg/auth"
	"github.com/absmach/wampd/pkg/parser"
	"github.com/absmach/wampd/pkg/protocol"
	"github.com/gammazero/nexus/v3/wamp"
)

// FrontendState is the lifecycle state of a Frontend.
type FrontendState int32

const (
	FrontendUnjoined FrontendState = iota
	FrontendAuthPending
	FrontendBackendConnecting
	FrontendJoined
	FrontendClosed
)

var frontendStateNames = [...]string{"unjoined", "auth_pending", "backend_connecting", "joined", "closed"}

func (s FrontendState) String() string {
	if int(s) < len(frontendStateNames) {
		return frontendStateNames[s]
	}
	return "unknown"
}

// Frontend is the client facing side of a proxied session. It
// authenticates the client, has the controller map a backend session for
// it and then relays messages unchanged. Messages must be fed through
// Receive from a single goroutine.
type Frontend struct {
	id     FrontendID
	ctrl   *Controller
	tr     protocol.Transport
	authn  *auth.Authenticator
	logger *slog.Logger

	// ctx is cancelled when the frontend closes, abandoning a backend
	// connect in progress.
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     FrontendState
	pendingID wamp.ID
	hello     *wamp.Hello
	pending   auth.PendingAuth
	timer     Timer
	timerGen  uint64
	identity  Identity

	silenced  atomic.Bool
	sessionID atomic.Uint64
}

func newFrontend(c *Controller, id FrontendID, tr protocol.Transport, authn *auth.Authenticator) *Frontend {
	ctx, cancel := context.WithCancel(context.Background())
	return &Frontend{
		id:     id,
		ctrl:   c,
		tr:     tr,
		authn:  authn,
		logger: c.logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// ID is the controller handle of the frontend.
func (f *Frontend) ID() FrontendID {
	return f.id
}

// SessionID is the backend session ID presented to the client, or 0
// before Welcome.
func (f *Frontend) SessionID() wamp.ID {
	return wamp.ID(f.sessionID.Load())
}

// State returns the current lifecycle state.
func (f *Frontend) State() FrontendState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *Frontend) cookie() string {
	if td := f.tr.Details(); td != nil {
		return td.CookieID
	}
	return ""
}

// Receive processes one message from the client.
func (f *Frontend) Receive(ctx context.Context, msg wamp.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ctrl.metrics.WAMPMessage(protocol.MessageName(msg), "in")

	switch m := msg.(type) {
	case *wamp.Hello:
		f.onHello(ctx, m)
	case *wamp.Authenticate:
		f.onAuthenticate(ctx, m)
	case *wamp.Abort:
		f.onAbort(m)
	case *wamp.Goodbye:
		f.onGoodbye(m)
	default:
		if f.state != FrontendJoined {
			f.logger.Warn("ignoring message on proxy session that is not joined",
				slog.String("message", protocol.MessageName(msg)),
				slog.String("state", f.state.String()))
			return
		}
		be, ok := f.ctrl.Backend(f.id)
		if !ok {
			return
		}
		if err := be.Send(msg); err != nil {
			f.logger.Debug("failed to relay message",
				slog.String("direction", parser.Upstream.String()),
				slog.String("message", protocol.MessageName(msg)),
				slog.Any("error", err))
		}
	}
}

func (f *Frontend) onHello(ctx context.Context, m *wamp.Hello) {
	switch f.state {
	case FrontendUnjoined:
	case FrontendClosed:
		return
	default:
		f.logger.Warn("ignoring Hello on proxy session", slog.String("state", f.state.String()))
		return
	}
	f.pendingID = wamp.GlobalID()
	f.hello = m
	if !f.ctrl.HasRealm(string(m.Realm)) {
		f.abort(protocol.ErrNoSuchRealm, "no route for realm \""+string(m.Realm)+"\" on this proxy")
		return
	}
	if f.authn == nil {
		f.abort(protocol.ErrNoAuthMethod, "transport accepts no authentication methods")
		return
	}
	o, pa := f.authn.Hello(ctx, auth.Hello{
		Realm:     string(m.Realm),
		SessionID: f.pendingID,
		Details:   m.Details,
		Transport: f.tr.Details(),
	})
	f.pending = pa
	f.outcome(o)
}

func (f *Frontend) onAuthenticate(ctx context.Context, m *wamp.Authenticate) {
	if f.state != FrontendAuthPending || f.pending == nil {
		if f.state == FrontendClosed {
			return
		}
		f.abort(protocol.ErrProtocolViolation, "Authenticate received without pending authentication")
		return
	}
	f.stopTimer()
	pa := f.pending
	f.pending = nil
	f.outcome(f.authn.Authenticate(ctx, f.tr.Details(), pa, m.Signature, m.Extra))
	if f.state == FrontendAuthPending {
		f.pending = pa
	}
}

func (f *Frontend) outcome(o auth.Outcome) {
	switch v := o.(type) {
	case auth.Accept:
		f.connect(v)
	case auth.Challenge:
		f.state = FrontendAuthPending
		f.send(&wamp.Challenge{AuthMethod: v.Method, Extra: v.Extra})
		f.startTimer()
	case auth.Deny:
		f.abort(v.Reason, v.Message)
	}
}

// connect maps a backend session for the accepted identity and welcomes
// the client once the backend has joined. f.mu is released while the
// backend connects.
func (f *Frontend) connect(a auth.Accept) {
	if !f.ctrl.HasRole(a.Realm, a.AuthRole) {
		f.abort(protocol.ErrNoSuchRole, "no route for role \""+a.AuthRole+"\" on realm "+a.Realm)
		return
	}
	f.state = FrontendBackendConnecting
	f.identity = Identity{
		Realm:        a.Realm,
		AuthID:       a.AuthID,
		AuthRole:     a.AuthRole,
		AuthMethod:   a.AuthMethod,
		AuthProvider: a.AuthProvider,
		AuthExtra:    a.AuthExtra,
		Roles:        protocol.Dict(f.hello.Details, "roles"),
	}
	id := f.identity

	f.mu.Unlock()
	be, err := f.ctrl.MapBackend(f.ctx, f.id, id)
	f.mu.Lock()

	if f.state != FrontendBackendConnecting {
		// Closed while connecting; the backend only needs releasing.
		if be != nil && f.ctrl.UnmapBackend(f.id, be) {
			be.Close(protocol.CloseNormal, "frontend session is gone")
		}
		return
	}
	if err != nil {
		f.logger.Warn("failed to map backend session",
			slog.String("realm", a.Realm),
			slog.String("authid", a.AuthID),
			slog.String("authrole", a.AuthRole),
			slog.Any("error", err))
		f.abort(protocol.ErrAuthenticationFailed, "cannot connect to backend: "+err.Error())
		return
	}

	details := be.Details()
	details["realm"] = a.Realm
	details["authid"] = a.AuthID
	details["authrole"] = a.AuthRole
	details["authmethod"] = a.AuthMethod
	details["authprovider"] = a.AuthProvider
	if a.AuthExtra != nil {
		details["authextra"] = a.AuthExtra
	}
	if !f.send(&wamp.Welcome{ID: be.ID(), Details: details}) {
		f.logger.Info("client connection lost before welcome",
			slog.String("realm", a.Realm),
			slog.String("authid", a.AuthID))
		if f.ctrl.UnmapBackend(f.id, be) {
			be.Close(protocol.CloseLost, "client connection lost")
		}
		f.state = FrontendClosed
		f.cancel()
		f.tr.Close()
		f.ctrl.forget(f.id)
		return
	}
	f.state = FrontendJoined
	f.sessionID.Store(uint64(be.ID()))
	fid := f.id
	be.Start(
		func(msg wamp.Message) { f.ctrl.deliver(fid, msg) },
		func(reason wamp.URI, message string) { f.ctrl.backendClosed(fid, be, reason, message) },
	)
	f.ctrl.metrics.SessionJoined(a.Realm, a.AuthMethod)
	f.logger.Info("proxy session joined",
		slog.Uint64("session", uint64(be.ID())),
		slog.String("connection", be.Connection()),
		slog.String("realm", a.Realm),
		slog.String("authid", a.AuthID),
		slog.String("authrole", a.AuthRole))
}

func (f *Frontend) onAbort(m *wamp.Abort) {
	switch f.state {
	case FrontendUnjoined, FrontendAuthPending:
		f.logger.Debug("client aborted handshake", slog.String("reason", string(m.Reason)))
		f.stopTimer()
		f.pending = nil
		f.state = FrontendClosed
		f.silenced.Store(true)
		f.cancel()
		f.tr.Close()
	case FrontendJoined:
		f.logger.Warn("Abort on joined proxy session", slog.Uint64("session", f.sessionID.Load()))
		f.leave(protocol.CloseNormal, "client aborted")
		f.silenced.Store(true)
		f.tr.Close()
	}
}

func (f *Frontend) onGoodbye(m *wamp.Goodbye) {
	switch f.state {
	case FrontendJoined:
	case FrontendClosed:
		return
	default:
		f.logger.Warn("ignoring Goodbye on proxy session", slog.String("state", f.state.String()))
		return
	}
	if m.Reason == protocol.CloseLogout {
		f.authn.Logout(f.tr.Details())
		f.ctrl.logout(f.id, f.cookie())
	}
	f.leave(m.Reason, protocol.String(m.Details, "message"))
	f.sendFinal(&wamp.Goodbye{Details: wamp.Dict{}, Reason: protocol.CloseGoodbye})
	f.tr.Close()
}

// Close ends the session from the proxy side. A joined session gets a
// Goodbye with reason; the transport is closed either way.
func (f *Frontend) Close(reason wamp.URI, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch f.state {
	case FrontendJoined:
		details := wamp.Dict{}
		if message != "" {
			details["message"] = message
		}
		f.sendFinal(&wamp.Goodbye{Details: details, Reason: reason})
		f.leave(reason, message)
	case FrontendClosed:
		return
	default:
		f.abort(reason, message)
		return
	}
	f.tr.Close()
}

// TransportClosed tells the frontend its connection is gone. The mapped
// backend session is released and a connect in progress abandoned.
func (f *Frontend) TransportClosed() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.silenced.Store(true)
	f.stopTimer()
	f.pending = nil
	if f.state == FrontendJoined {
		f.leave(protocol.CloseLost, "client connection lost")
	}
	f.state = FrontendClosed
	f.cancel()
	f.ctrl.forget(f.id)
}

// abandonConnect gives up a backend connect in progress once the client
// transport is gone. The connecting Receive releases the backend.
func (f *Frontend) abandonConnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != FrontendBackendConnecting {
		return
	}
	f.silenced.Store(true)
	f.state = FrontendClosed
	f.cancel()
}

// backendClosed is called once the backend session ended on its own.
func (f *Frontend) backendClosed(reason wamp.URI, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != FrontendJoined {
		return
	}
	details := wamp.Dict{}
	if message != "" {
		details["message"] = message
	}
	f.sendFinal(&wamp.Goodbye{Details: details, Reason: reason})
	f.state = FrontendClosed
	f.cancel()
	f.ctrl.metrics.SessionLeft(f.identity.Realm)
	f.sessionID.Store(0)
	f.tr.Close()
}

// forward relays a backend message to the client.
func (f *Frontend) forward(msg wamp.Message) {
	if !f.send(msg) {
		f.logger.Debug("dropped relayed message",
			slog.String("direction", parser.Downstream.String()),
			slog.String("message", protocol.MessageName(msg)))
	}
}

// leave releases the backend of a joined session. Must be called with
// f.mu held.
func (f *Frontend) leave(reason wamp.URI, message string) {
	f.state = FrontendClosed
	f.cancel()
	if be, ok := f.ctrl.Backend(f.id); ok && f.ctrl.UnmapBackend(f.id, be) {
		be.Close(reason, message)
	}
	f.ctrl.metrics.SessionLeft(f.identity.Realm)
	f.logger.Info("proxy session left",
		slog.Uint64("session", f.sessionID.Load()),
		slog.String("realm", f.identity.Realm))
	f.sessionID.Store(0)
}

func (f *Frontend) abort(reason wamp.URI, message string) {
	f.logger.Info("aborting proxy session",
		slog.String("reason", string(reason)),
		slog.String("message", message),
		slog.String("peer", f.tr.Details().Peer))
	f.stopTimer()
	f.pending = nil
	f.sendFinal(&wamp.Abort{Details: wamp.Dict{"message": message}, Reason: reason})
	f.state = FrontendClosed
	f.cancel()
	f.tr.Close()
}

func (f *Frontend) startTimer() {
	f.stopTimer()
	gen := f.timerGen
	f.timer = f.ctrl.afterFunc(f.ctrl.authTimeout, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if gen != f.timerGen || f.state != FrontendAuthPending {
			return
		}
		f.abort(protocol.ErrTimeout, "authentication timed out")
	})
}

func (f *Frontend) stopTimer() {
	f.timerGen++
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
}

func (f *Frontend) send(msg wamp.Message) bool {
	if f.silenced.Load() {
		return false
	}
	if err := f.tr.Send(msg); err != nil {
		f.logger.Debug("failed to send message",
			slog.String("message", protocol.MessageName(msg)),
			slog.Any("error", err))
		return false
	}
	f.ctrl.metrics.WAMPMessage(protocol.MessageName(msg), "out")
	return true
}

func (f *Frontend) sendFinal(msg wamp.Message) {
	if f.silenced.Swap(true) {
		return
	}
	if err := f.tr.Send(msg); err != nil {
		f.logger.Debug("failed to send closing message", slog.Any("error", err))
	}
}
