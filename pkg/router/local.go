// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/absmach/wampd/pkg/auth"
	"github.com/absmach/wampd/pkg/errors"
	"github.com/absmach/wampd/pkg/protocol"
	"github.com/gammazero/nexus/v3/wamp"
)

// EventHandler receives events of a local subscription. Handlers run one at
// a time in delivery order and must not wait for replies of the same
// LocalSession.
type EventHandler func(*wamp.Event)

// InvocationHandler serves a procedure registered by a local session.
type InvocationHandler func(ctx context.Context, inv *wamp.Invocation) InvokeResult

// InvokeResult is the outcome of an InvocationHandler. A non-empty Err
// makes it an error reply.
type InvokeResult struct {
	Args   wamp.List
	Kwargs wamp.Dict
	Err    wamp.URI
}

// RPCError is an Error reply received by a local session.
type RPCError struct {
	URI    wamp.URI
	Args   wamp.List
	Kwargs wamp.Dict
}

func (e *RPCError) Error() string {
	if len(e.Args) == 0 {
		return string(e.URI)
	}
	parts := make([]string, len(e.Args))
	for i, a := range e.Args {
		parts[i] = fmt.Sprint(a)
	}
	return string(e.URI) + ": " + strings.Join(parts, " ")
}

// LocalSession is a WAMP client running inside the router process. It is
// safe for concurrent use.
type LocalSession struct {
	sess   *Session
	logger *slog.Logger
	queue  *queue

	mu       sync.Mutex
	request  wamp.ID
	pending  map[wamp.ID]chan wamp.Message
	handlers map[wamp.ID]EventHandler
	procs    map[wamp.ID]InvocationHandler
	// attach holds the handler of an outstanding Subscribe or Register
	// request. It is installed before later messages are dispatched.
	attach map[wamp.ID]any
	done   chan struct{}
}

var _ auth.Caller = (*LocalSession)(nil)

// LocalSession joins an in-process session to realm with the given
// identity, bypassing authentication.
func (r *Router) LocalSession(realm wamp.URI, authid, authrole string, authextra wamp.Dict) (*LocalSession, error) {
	if _, ok := r.Realm(realm); !ok {
		return nil, fmt.Errorf("realm %s: %w", realm, errors.ErrNotFound)
	}
	l := &LocalSession{
		logger:   r.logger,
		queue:    newQueue(),
		pending:  make(map[wamp.ID]chan wamp.Message),
		handlers: make(map[wamp.ID]EventHandler),
		procs:    make(map[wamp.ID]InvocationHandler),
		attach:   make(map[wamp.ID]any),
		done:     make(chan struct{}),
	}
	l.sess = newSession(r, &localTransport{l: l, details: &protocol.Details{Type: protocol.TransportFunction, Peer: "local"}}, nil)
	go l.run()

	s := l.sess
	s.mu.Lock()
	s.pendingID = wamp.GlobalID()
	s.join(auth.Accept{
		Realm:        string(realm),
		AuthID:       authid,
		AuthRole:     authrole,
		AuthMethod:   "local",
		AuthProvider: "router",
		AuthExtra:    authextra,
	})
	state := s.state
	s.mu.Unlock()
	if state != StateJoined {
		l.queue.close()
		return nil, fmt.Errorf("local session on %s with role %s was not admitted: %w", realm, authrole, errors.ErrUnauthorized)
	}
	return l, nil
}

// ID returns the session ID.
func (l *LocalSession) ID() wamp.ID {
	return l.sess.ID()
}

// Done is closed once the session has ended.
func (l *LocalSession) Done() <-chan struct{} {
	return l.done
}

// Close leaves the realm.
func (l *LocalSession) Close() {
	l.sess.Close(protocol.CloseNormal, "")
}

func (l *LocalSession) nextRequest() (wamp.ID, chan wamp.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.request++
	ch := make(chan wamp.Message, 1)
	l.pending[l.request] = ch
	return l.request, ch
}

func (l *LocalSession) forget(req wamp.ID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.pending, req)
	delete(l.attach, req)
}

// roundTrip sends msg and waits for the reply to request req.
func (l *LocalSession) roundTrip(ctx context.Context, req wamp.ID, ch chan wamp.Message, msg wamp.Message) (wamp.Message, error) {
	l.sess.Receive(ctx, msg)
	select {
	case resp := <-ch:
		if e, ok := resp.(*wamp.Error); ok {
			return nil, &RPCError{URI: e.Error, Args: e.Arguments, Kwargs: e.ArgumentsKw}
		}
		return resp, nil
	case <-l.done:
		l.forget(req)
		return nil, errors.ErrConnectionClosed
	case <-ctx.Done():
		l.forget(req)
		if _, ok := msg.(*wamp.Call); ok {
			l.sess.Receive(context.Background(), &wamp.Cancel{Request: req, Options: wamp.Dict{"mode": CancelKillNoWait}})
		}
		return nil, ctx.Err()
	}
}

// Call invokes procedure and waits for its result.
func (l *LocalSession) Call(ctx context.Context, procedure wamp.URI, args wamp.List, kwargs wamp.Dict) (*wamp.Result, error) {
	req, ch := l.nextRequest()
	resp, err := l.roundTrip(ctx, req, ch, &wamp.Call{
		Request:     req,
		Options:     wamp.Dict{},
		Procedure:   procedure,
		Arguments:   args,
		ArgumentsKw: kwargs,
	})
	if err != nil {
		return nil, err
	}
	return resp.(*wamp.Result), nil
}

// Publish publishes an event and waits for the broker's acknowledgement.
func (l *LocalSession) Publish(ctx context.Context, topic wamp.URI, options wamp.Dict, args wamp.List, kwargs wamp.Dict) error {
	opts := protocol.Clone(options)
	opts["acknowledge"] = true
	req, ch := l.nextRequest()
	_, err := l.roundTrip(ctx, req, ch, &wamp.Publish{
		Request:     req,
		Options:     opts,
		Topic:       topic,
		Arguments:   args,
		ArgumentsKw: kwargs,
	})
	return err
}

// Subscribe subscribes handler to topic. options may set match.
func (l *LocalSession) Subscribe(ctx context.Context, topic wamp.URI, options wamp.Dict, handler EventHandler) (wamp.ID, error) {
	req, ch := l.nextRequest()
	l.mu.Lock()
	l.attach[req] = handler
	l.mu.Unlock()
	resp, err := l.roundTrip(ctx, req, ch, &wamp.Subscribe{Request: req, Options: protocol.Clone(options), Topic: topic})
	if err != nil {
		return 0, err
	}
	return resp.(*wamp.Subscribed).Subscription, nil
}

// Unsubscribe removes a subscription made by Subscribe.
func (l *LocalSession) Unsubscribe(ctx context.Context, id wamp.ID) error {
	req, ch := l.nextRequest()
	if _, err := l.roundTrip(ctx, req, ch, &wamp.Unsubscribe{Request: req, Subscription: id}); err != nil {
		return err
	}
	l.mu.Lock()
	delete(l.handlers, id)
	l.mu.Unlock()
	return nil
}

// Register serves procedure with handler.
func (l *LocalSession) Register(ctx context.Context, procedure wamp.URI, options wamp.Dict, handler InvocationHandler) (wamp.ID, error) {
	req, ch := l.nextRequest()
	l.mu.Lock()
	l.attach[req] = handler
	l.mu.Unlock()
	resp, err := l.roundTrip(ctx, req, ch, &wamp.Register{Request: req, Options: protocol.Clone(options), Procedure: procedure})
	if err != nil {
		return 0, err
	}
	return resp.(*wamp.Registered).Registration, nil
}

// Unregister removes a registration made by Register.
func (l *LocalSession) Unregister(ctx context.Context, id wamp.ID) error {
	req, ch := l.nextRequest()
	if _, err := l.roundTrip(ctx, req, ch, &wamp.Unregister{Request: req, Registration: id}); err != nil {
		return err
	}
	l.mu.Lock()
	delete(l.procs, id)
	l.mu.Unlock()
	return nil
}

// run dispatches messages the router sends to this session.
func (l *LocalSession) run() {
	defer close(l.done)
	for {
		msg, ok := l.queue.pop()
		if !ok {
			return
		}
		switch m := msg.(type) {
		case *wamp.Event:
			l.mu.Lock()
			h := l.handlers[m.Subscription]
			l.mu.Unlock()
			if h != nil {
				l.safeEvent(h, m)
			}
		case *wamp.Invocation:
			l.mu.Lock()
			h := l.procs[m.Registration]
			l.mu.Unlock()
			go l.invoke(h, m)
		case *wamp.Interrupt, *wamp.Welcome:
		case *wamp.Goodbye, *wamp.Abort:
			return
		default:
			l.resolve(msg)
		}
	}
}

func (l *LocalSession) resolve(msg wamp.Message) {
	var req wamp.ID
	switch m := msg.(type) {
	case *wamp.Result:
		req = m.Request
	case *wamp.Error:
		req = m.Request
	case *wamp.Published:
		req = m.Request
	case *wamp.Subscribed:
		req = m.Request
	case *wamp.Unsubscribed:
		req = m.Request
	case *wamp.Registered:
		req = m.Request
	case *wamp.Unregistered:
		req = m.Request
	default:
		return
	}
	l.mu.Lock()
	ch, ok := l.pending[req]
	delete(l.pending, req)
	h := l.attach[req]
	delete(l.attach, req)
	switch m := msg.(type) {
	case *wamp.Subscribed:
		if eh, isEvent := h.(EventHandler); isEvent {
			l.handlers[m.Subscription] = eh
		}
	case *wamp.Registered:
		if ih, isInv := h.(InvocationHandler); isInv {
			l.procs[m.Registration] = ih
		}
	}
	l.mu.Unlock()
	if ok {
		ch <- msg
	}
}

func (l *LocalSession) safeEvent(h EventHandler, ev *wamp.Event) {
	defer func() {
		if p := recover(); p != nil {
			l.logger.Error("event handler panicked", slog.Uint64("subscription", uint64(ev.Subscription)), slog.Any("panic", p))
		}
	}()
	h(ev)
}

func (l *LocalSession) invoke(h InvocationHandler, inv *wamp.Invocation) {
	res := InvokeResult{Err: protocol.ErrNoSuchProcedure}
	if h != nil {
		func() {
			defer func() {
				if p := recover(); p != nil {
					l.logger.Error("procedure panicked", slog.Uint64("registration", uint64(inv.Registration)), slog.Any("panic", p))
					res = InvokeResult{Err: protocol.ErrRuntime, Args: wamp.List{fmt.Sprint(p)}}
				}
			}()
			res = h(context.Background(), inv)
		}()
	}
	var out wamp.Message = &wamp.Yield{Request: inv.Request, Options: wamp.Dict{}, Arguments: res.Args, ArgumentsKw: res.Kwargs}
	if res.Err != "" {
		out = &wamp.Error{
			Type:        wamp.INVOCATION,
			Request:     inv.Request,
			Details:     wamp.Dict{},
			Error:       res.Err,
			Arguments:   res.Args,
			ArgumentsKw: res.Kwargs,
		}
	}
	l.sess.Receive(context.Background(), out)
}

type localTransport struct {
	l       *LocalSession
	details *protocol.Details
}

func (t *localTransport) Send(msg wamp.Message) error {
	if !t.l.queue.push(msg) {
		return errors.ErrConnectionClosed
	}
	return nil
}

func (t *localTransport) Close() error {
	t.l.queue.close()
	return nil
}

func (t *localTransport) Details() *protocol.Details {
	return t.details
}

// queue is an unbounded FIFO so the router never blocks on a local
// session.
type queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []wamp.Message
	closed bool
}

func newQueue() *queue {
	q := &queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *queue) push(msg wamp.Message) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, msg)
	q.cond.Signal()
	return true
}

// pop returns queued messages even after close, then reports false.
func (q *queue) pop() (wamp.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	msg := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return msg, true
}

func (q *queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}
