// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/absmach/wampd/pkg/handler"
	"github.com/absmach/wampd/pkg/parser"
	"github.com/absmach/wampd/pkg/parser/mqtt"
	"github.com/stretchr/testify/require"
)

// fakeClock is a deterministic Scheduler.
type fakeClock struct {
	now    time.Duration
	queue  []func()
	timers []*fakeTimer
}

type fakeTimer struct {
	at      time.Duration
	fn      func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

func (c *fakeClock) Defer(fn func()) {
	c.queue = append(c.queue, fn)
}

func (c *fakeClock) AfterFunc(d time.Duration, fn func()) Timer {
	t := &fakeTimer{at: c.now + d, fn: fn}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) Flush() {
	for len(c.queue) > 0 {
		q := c.queue
		c.queue = nil
		for _, fn := range q {
			fn()
		}
	}
}

func (c *fakeClock) Advance(d time.Duration) {
	target := c.now + d
	for {
		var due []*fakeTimer
		for _, t := range c.timers {
			if !t.stopped && !t.fired && t.at <= target {
				due = append(due, t)
			}
		}
		if len(due) == 0 {
			break
		}
		sort.Slice(due, func(i, j int) bool { return due[i].at < due[j].at })
		t := due[0]
		c.now = t.at
		t.fired = true
		t.fn()
		c.Flush()
	}
	c.now = target
}

func (c *fakeClock) activeTimers() int {
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

type fakeTransport struct {
	buf    bytes.Buffer
	closed bool
}

func (f *fakeTransport) Write(b []byte) error {
	if f.closed {
		return errors.New("closed")
	}
	f.buf.Write(b)
	return nil
}

func (f *fakeTransport) Close() error {
	f.closed = true
	return nil
}

// packets decodes everything written so far with a client-role parser.
func (f *fakeTransport) packets(t *testing.T) []mqtt.Event {
	t.Helper()
	if f.buf.Len() == 0 {
		return nil
	}
	events := mqtt.NewParser(parser.Client).DataReceived(f.buf.Bytes())
	for _, ev := range events {
		if fail, ok := ev.(mqtt.Failure); ok {
			t.Fatalf("server wrote invalid stream: %s", fail.Reason)
		}
	}
	return events
}

type recordingHandler struct {
	handler.NoopHandler

	code     byte
	present  bool
	failOn   string
	panicOn  string
	calls    []string
	onSub    func(hctx *handler.Context)
	received []*mqtt.Publish
}

func (h *recordingHandler) record(name string) error {
	h.calls = append(h.calls, name)
	if h.panicOn == name {
		panic("handler exploded")
	}
	if h.failOn == name {
		return errors.New(name + " failed")
	}
	return nil
}

func (h *recordingHandler) ProcessConnect(ctx context.Context, hctx *handler.Context, pkt *mqtt.Connect) (byte, bool, error) {
	return h.code, h.present, h.record("connect")
}

func (h *recordingHandler) NewWAMPSession(ctx context.Context, hctx *handler.Context, pkt *mqtt.Connect) error {
	return h.record("new_session")
}

func (h *recordingHandler) ExistingWAMPSession(ctx context.Context, hctx *handler.Context, pkt *mqtt.Connect) error {
	return h.record("existing_session")
}

func (h *recordingHandler) ProcessPublishQoS0(ctx context.Context, hctx *handler.Context, pkt *mqtt.Publish) error {
	h.received = append(h.received, pkt)
	return h.record("publish0")
}

func (h *recordingHandler) ProcessPublishQoS1(ctx context.Context, hctx *handler.Context, pkt *mqtt.Publish) error {
	h.received = append(h.received, pkt)
	return h.record("publish1")
}

func (h *recordingHandler) ProcessPublishQoS2(ctx context.Context, hctx *handler.Context, pkt *mqtt.Publish) error {
	h.received = append(h.received, pkt)
	return h.record("publish2")
}

func (h *recordingHandler) ProcessSubscribe(ctx context.Context, hctx *handler.Context, pkt *mqtt.Subscribe) ([]byte, error) {
	if h.onSub != nil {
		h.onSub(hctx)
	}
	granted, _ := h.NoopHandler.ProcessSubscribe(ctx, hctx, pkt)
	return granted, h.record("subscribe")
}

func (h *recordingHandler) OnDisconnect(ctx context.Context, hctx *handler.Context) error {
	return h.record("disconnect")
}

type harness struct {
	bridge  *Bridge
	handler *recordingHandler
	clock   *fakeClock
	tr      *fakeTransport
	proto   *Protocol
}

func newHarness(h *recordingHandler, b *Bridge) *harness {
	if b == nil {
		b = New(Config{}, h)
	}
	clock := &fakeClock{}
	tr := &fakeTransport{}
	return &harness{
		bridge:  b,
		handler: h,
		clock:   clock,
		tr:      tr,
		proto:   b.NewProtocol(tr, clock, &handler.Context{RemoteAddr: "127.0.0.1:5000"}),
	}
}

func (h *harness) send(t *testing.T, pkts ...mqtt.Packet) {
	t.Helper()
	for _, pkt := range pkts {
		b, err := pkt.Encode()
		require.NoError(t, err)
		h.proto.DataReceived(b)
	}
	h.clock.Flush()
}

func (h *harness) connect(t *testing.T, clientID string, clean bool, keepAlive uint16) {
	t.Helper()
	h.send(t, &mqtt.Connect{
		ClientID:  clientID,
		KeepAlive: keepAlive,
		Flags:     mqtt.ConnectFlags{CleanSession: clean},
	})
}
