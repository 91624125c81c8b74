// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/wampd/pkg/auth"
	"github.com/absmach/wampd/pkg/errors"
	"github.com/absmach/wampd/pkg/protocol"
	"github.com/gammazero/nexus/v3/wamp"
)

// closeWait bounds how long Close waits for the router's Goodbye reply.
const closeWait = 5 * time.Second

// clientRoles are announced when the frontend client did not send any.
var clientRoles = wamp.Dict{
	"publisher":  wamp.Dict{},
	"subscriber": wamp.Dict{},
	"caller":     wamp.Dict{},
	"callee":     wamp.Dict{},
}

// Identity is what a frontend session was admitted as. It is forwarded to
// the backend router in authextra.
type Identity struct {
	Realm        string
	AuthID       string
	AuthRole     string
	AuthMethod   string
	AuthProvider string
	AuthExtra    wamp.Dict
	// Roles are the client roles from the frontend Hello.
	Roles wamp.Dict
}

func (id Identity) authExtra() wamp.Dict {
	extra := wamp.Dict{
		"proxy_realm":        id.Realm,
		"proxy_authid":       id.AuthID,
		"proxy_authrole":     id.AuthRole,
		"proxy_authmethod":   id.AuthMethod,
		"proxy_authprovider": id.AuthProvider,
	}
	if id.AuthExtra != nil {
		extra["proxy_authextra"] = id.AuthExtra
	}
	return extra
}

// AbortError is the Abort a backend router answered the handshake with.
type AbortError struct {
	Reason  wamp.URI
	Message string
}

func (e *AbortError) Error() string {
	if e.Message == "" {
		return "backend aborted: " + string(e.Reason)
	}
	return fmt.Sprintf("backend aborted: %s: %s", e.Reason, e.Message)
}

func (e *AbortError) Unwrap() error {
	return errors.ErrUnauthorized
}

// CallError is an ERROR reply to a service session call.
type CallError struct {
	URI  wamp.URI
	Args wamp.List
}

func (e *CallError) Error() string {
	return "call failed: " + string(e.URI)
}

type credential struct {
	method string
	key    ed25519.PrivateKey
}

// Backend is the session the proxy holds on a backend router on behalf of
// one frontend, or as a cached service session.
type Backend struct {
	conn    string
	peer    protocol.Peer
	id      wamp.ID
	details wamp.Dict
	logger  *slog.Logger
	done    chan struct{}

	mu      sync.Mutex
	started bool
	closing bool
	closed  bool
	forward func(wamp.Message)
	onClose func(reason wamp.URI, message string)
	lastReq wamp.ID
	pending map[wamp.ID]chan wamp.Message
}

// join performs the proxy authentication handshake over peer. The backend
// router sees the identity in authextra and the proxy node by its key.
func join(ctx context.Context, conn string, peer protocol.Peer, id Identity, cred credential, logger *slog.Logger) (*Backend, error) {
	extra := id.authExtra()
	if cred.method == auth.MethodCryptosignProxy {
		extra["pubkey"] = hex.EncodeToString(cred.key.Public().(ed25519.PublicKey))
	}
	roles := id.Roles
	if len(roles) == 0 {
		roles = clientRoles
	}
	hello := &wamp.Hello{
		Realm: wamp.URI(id.Realm),
		Details: wamp.Dict{
			"roles":       roles,
			"authmethods": wamp.List{cred.method},
			"authid":      id.AuthID,
			"authextra":   extra,
		},
	}
	if err := peer.Send(hello); err != nil {
		return nil, errors.Wrap(err, "send Hello to backend")
	}
	for {
		msg, err := peer.Recv(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "backend handshake")
		}
		switch m := msg.(type) {
		case *wamp.Welcome:
			return &Backend{
				conn:    conn,
				peer:    peer,
				id:      m.ID,
				details: m.Details,
				logger:  logger,
				done:    make(chan struct{}),
				pending: make(map[wamp.ID]chan wamp.Message),
			}, nil
		case *wamp.Challenge:
			sig, err := signChallenge(cred, m)
			if err != nil {
				return nil, err
			}
			if err := peer.Send(&wamp.Authenticate{Signature: sig, Extra: wamp.Dict{}}); err != nil {
				return nil, errors.Wrap(err, "send Authenticate to backend")
			}
		case *wamp.Abort:
			return nil, &AbortError{Reason: m.Reason, Message: protocol.String(m.Details, "message")}
		default:
			return nil, fmt.Errorf("unexpected %s during backend handshake: %w",
				protocol.MessageName(msg), errors.ErrProtocolViolation)
		}
	}
}

// signChallenge answers a cryptosign challenge with the signature followed
// by the challenge itself.
func signChallenge(cred credential, m *wamp.Challenge) (string, error) {
	if cred.method != auth.MethodCryptosignProxy || m.AuthMethod != auth.MethodCryptosignProxy {
		return "", fmt.Errorf("unexpected %s challenge: %w", m.AuthMethod, errors.ErrProtocolViolation)
	}
	challenge, err := hex.DecodeString(protocol.String(m.Extra, "challenge"))
	if err != nil || len(challenge) == 0 {
		return "", fmt.Errorf("malformed challenge: %w", errors.ErrProtocolViolation)
	}
	sig := ed25519.Sign(cred.key, challenge)
	return hex.EncodeToString(append(sig, challenge...)), nil
}

// ID is the session ID the backend router assigned.
func (b *Backend) ID() wamp.ID {
	return b.id
}

// Connection is the ID of the connection the session runs over.
func (b *Backend) Connection() string {
	return b.conn
}

// Details returns a copy of the backend Welcome details.
func (b *Backend) Details() wamp.Dict {
	return protocol.Clone(b.details)
}

// Done is closed once the backend session is gone.
func (b *Backend) Done() <-chan struct{} {
	return b.done
}

// Start begins reading from the backend. Every message other than Goodbye
// and Abort goes to forward. onClose runs once when the router ends the
// session or the connection is lost, but not after Close.
func (b *Backend) Start(forward func(wamp.Message), onClose func(reason wamp.URI, message string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started || b.closed {
		return
	}
	b.started = true
	b.forward = forward
	b.onClose = onClose
	go b.run()
}

// startService begins reading with replies resolved for Call.
func (b *Backend) startService(onClose func(reason wamp.URI, message string)) {
	b.Start(nil, onClose)
}

// Send writes msg to the backend router.
func (b *Backend) Send(msg wamp.Message) error {
	return b.peer.Send(msg)
}

func (b *Backend) run() {
	for {
		msg, err := b.peer.Recv(context.Background())
		if err != nil {
			b.finish(protocol.CloseLost, "backend connection lost")
			return
		}
		switch m := msg.(type) {
		case *wamp.Goodbye:
			b.mu.Lock()
			closing := b.closing
			b.mu.Unlock()
			if !closing {
				b.peer.Send(&wamp.Goodbye{Details: wamp.Dict{}, Reason: protocol.CloseGoodbye})
			}
			b.finish(m.Reason, protocol.String(m.Details, "message"))
			return
		case *wamp.Abort:
			b.finish(m.Reason, protocol.String(m.Details, "message"))
			return
		default:
			if b.forward != nil {
				b.forward(msg)
				continue
			}
			b.resolve(msg)
		}
	}
}

func (b *Backend) resolve(msg wamp.Message) {
	var req wamp.ID
	switch m := msg.(type) {
	case *wamp.Result:
		req = m.Request
	case *wamp.Error:
		req = m.Request
	default:
		b.logger.Debug("dropping message on service session", slog.String("message", protocol.MessageName(msg)))
		return
	}
	b.mu.Lock()
	ch, ok := b.pending[req]
	delete(b.pending, req)
	b.mu.Unlock()
	if ok {
		ch <- msg
	}
}

func (b *Backend) finish(reason wamp.URI, message string) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	notify := !b.closing && b.onClose != nil
	onClose := b.onClose
	pending := b.pending
	b.pending = nil
	b.mu.Unlock()

	b.peer.Close()
	for _, ch := range pending {
		close(ch)
	}
	close(b.done)
	b.logger.Debug("backend session ended",
		slog.String("connection", b.conn),
		slog.Uint64("session", uint64(b.id)),
		slog.String("reason", string(reason)))
	if notify {
		onClose(reason, message)
	}
}

// Close sends Goodbye to the backend router and releases the connection
// once it answers, or after closeWait.
func (b *Backend) Close(reason wamp.URI, message string) {
	b.mu.Lock()
	if b.closed || b.closing {
		b.mu.Unlock()
		return
	}
	b.closing = true
	started := b.started
	b.mu.Unlock()

	details := wamp.Dict{}
	if message != "" {
		details["message"] = message
	}
	if err := b.peer.Send(&wamp.Goodbye{Details: details, Reason: reason}); err != nil || !started {
		b.finish(reason, message)
		return
	}
	go func() {
		t := time.NewTimer(closeWait)
		defer t.Stop()
		select {
		case <-b.done:
		case <-t.C:
			b.finish(reason, message)
		}
	}()
}

// Call invokes procedure on the backend router. Only service sessions
// answer calls.
func (b *Backend) Call(ctx context.Context, procedure wamp.URI, args wamp.List, kwargs wamp.Dict) (*wamp.Result, error) {
	b.mu.Lock()
	if b.closed || b.closing {
		b.mu.Unlock()
		return nil, errors.ErrConnectionClosed
	}
	if b.forward != nil || !b.started {
		b.mu.Unlock()
		return nil, fmt.Errorf("backend session is not a service session: %w", errors.ErrInvalidState)
	}
	b.lastReq++
	req := b.lastReq
	ch := make(chan wamp.Message, 1)
	b.pending[req] = ch
	b.mu.Unlock()

	forget := func() {
		b.mu.Lock()
		delete(b.pending, req)
		b.mu.Unlock()
	}
	call := &wamp.Call{Request: req, Options: wamp.Dict{}, Procedure: procedure, Arguments: args, ArgumentsKw: kwargs}
	if err := b.peer.Send(call); err != nil {
		forget()
		return nil, errors.Wrap(err, "send Call to backend")
	}
	select {
	case msg, ok := <-ch:
		if !ok {
			return nil, errors.ErrConnectionClosed
		}
		switch m := msg.(type) {
		case *wamp.Result:
			return m, nil
		case *wamp.Error:
			return nil, &CallError{URI: m.Error, Args: m.Arguments}
		}
		return nil, errors.ErrProtocolViolation
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	}
}
