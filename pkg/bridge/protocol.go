// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/absmach/wampd/pkg/errors"
	"github.com/absmach/wampd/pkg/handler"
	"github.com/absmach/wampd/pkg/parser"
	"github.com/absmach/wampd/pkg/parser/mqtt"
)

// Transport is the write side of a client connection.
type Transport interface {
	Write(b []byte) error
	Close() error
}

type state int

const (
	stateAwaitConnect state = iota
	stateEstablished
	stateClosed
)

// Protocol drives one MQTT client connection. Every method except
// SendPublish must be called from the connection's Scheduler.
//
// mu is held by every entry point. A new connection taking over the client
// id takes it to detach the session from the old one.
type Protocol struct {
	mu sync.Mutex


	bridge  *Bridge
	handler handler.Handler
	logger  *slog.Logger
	parser  *mqtt.Parser
	tr      Transport
	sched   Scheduler
	hctx    *handler.Context

	state     state
	session   *Session
	keepalive time.Duration
	timer     Timer
	timerGen  uint64
	tornDown  bool
}

var _ handler.Publisher = (*Protocol)(nil)

// DataReceived feeds bytes read from the client.
func (p *Protocol) DataReceived(chunk []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == stateClosed {
		return
	}
	for _, ev := range p.parser.DataReceived(chunk) {
		if p.state == stateClosed {
			return
		}
		switch e := ev.(type) {
		case mqtt.Failure:
			category := "mqtt.protocol_violation"
			if e.PacketType != mqtt.TypeReserved {
				category = "mqtt.unexpected_" + strings.ToLower(e.PacketType.String())
			}
			p.logger.Warn("dropping connection",
				slog.String("category", category),
				slog.String("reason", e.Reason))
			p.bridge.metrics.ProtocolViolation("mqtt")
			p.close()
			return
		case mqtt.Packet:
			p.bridge.metrics.MQTTPacket(e.Type().String(), "in")
			p.resetKeepalive()
			if err := p.handle(e); err != nil {
				p.logger.Error("dropping connection",
					slog.String("category", categoryOf(err)),
					slog.String("error", err.Error()))
				p.close()
				return
			}
		}
	}
}

// ConnectionLost is called once the transport is gone.
func (p *Protocol) ConnectionLost() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = stateClosed
	p.stopKeepalive()
	p.teardown()
}

// SendPublish queues an outbound publish. It may be called from any
// goroutine; the packet is written on a later scheduler turn.
func (p *Protocol) SendPublish(topic string, qos byte, payload []byte, retain bool) error {
	if qos > 2 {
		return fmt.Errorf("%w: QoS %d", errors.ErrInvalidInput, qos)
	}
	pub := &mqtt.Publish{QoSLevel: qos, Retain: retain, TopicName: topic, Payload: payload}
	p.sched.Defer(func() { p.deliver(pub) })
	return nil
}

func (p *Protocol) deliver(pub *mqtt.Publish) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != stateEstablished {
		p.logger.Debug("discarding publish for closed connection", slog.String("topic", pub.TopicName))
		return
	}
	if pub.QoSLevel > 0 {
		id, err := p.session.NextPacketID()
		if err != nil {
			p.logger.Warn("discarding publish", slog.String("topic", pub.TopicName), slog.String("error", err.Error()))
			return
		}
		pub.PacketIdentifier = id
		p.session.Track(pub)
	}
	p.write(pub)
}

// handlerError tags a collaborator failure with its log category.
type handlerError struct {
	category string
	err      error
}

func (e *handlerError) Error() string { return e.err.Error() }
func (e *handlerError) Unwrap() error { return e.err }

func categoryOf(err error) string {
	var he *handlerError
	if errors.As(err, &he) {
		return he.category
	}
	return "mqtt.protocol"
}

// call runs a handler callback, converting panics and errors into a
// handlerError for category.
func (p *Protocol) call(category string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &handlerError{category: category, err: fmt.Errorf("panic: %v", r)}
		}
		if err != nil {
			p.bridge.metrics.HandlerError(category)
		}
	}()
	if err := fn(context.Background()); err != nil {
		return &handlerError{category: category, err: err}
	}
	return nil
}

func (p *Protocol) handle(pkt mqtt.Packet) error {
	if p.state == stateAwaitConnect {
		c, ok := pkt.(*mqtt.Connect)
		if !ok {
			return fmt.Errorf("%w: %s before Connect", errors.ErrProtocolViolation, pkt.Type())
		}
		return p.handleConnect(c)
	}

	h, hctx := p.handler, p.hctx
	switch pkt := pkt.(type) {
	case *mqtt.Publish:
		return p.handlePublish(pkt)

	case *mqtt.PubREL:
		if err := p.call("mqtt.process_pubrel", func(ctx context.Context) error { return h.ProcessPubREL(ctx, hctx, pkt) }); err != nil {
			return err
		}
		delete(p.session.ReceivedQoS2, pkt.PacketIdentifier)
		p.write(&mqtt.PubCOMP{PacketIdentifier: pkt.PacketIdentifier})

	case *mqtt.PubACK:
		if err := p.call("mqtt.process_puback", func(ctx context.Context) error { return h.ProcessPubACK(ctx, hctx, pkt) }); err != nil {
			return err
		}
		if !p.session.Acknowledge(pkt.PacketIdentifier) {
			p.logger.Debug("PubACK for unknown packet", slog.Uint64("packet_id", uint64(pkt.PacketIdentifier)))
		}

	case *mqtt.PubREC:
		if err := p.call("mqtt.process_pubrec", func(ctx context.Context) error { return h.ProcessPubREC(ctx, hctx, pkt) }); err != nil {
			return err
		}
		if !p.session.Received(pkt.PacketIdentifier) {
			p.logger.Debug("PubREC for unknown packet", slog.Uint64("packet_id", uint64(pkt.PacketIdentifier)))
		}
		p.write(&mqtt.PubREL{PacketIdentifier: pkt.PacketIdentifier})

	case *mqtt.PubCOMP:
		if err := p.call("mqtt.process_pubcomp", func(ctx context.Context) error { return h.ProcessPubCOMP(ctx, hctx, pkt) }); err != nil {
			return err
		}
		p.session.Complete(pkt.PacketIdentifier)

	case *mqtt.Subscribe:
		var granted []byte
		if err := p.call("mqtt.process_subscribe", func(ctx context.Context) (err error) {
			granted, err = h.ProcessSubscribe(ctx, hctx, pkt)
			return err
		}); err != nil {
			return err
		}
		if len(granted) != len(pkt.TopicRequests) {
			return &handlerError{
				category: "mqtt.process_subscribe",
				err:      fmt.Errorf("%d granted QoS values for %d topic filters", len(granted), len(pkt.TopicRequests)),
			}
		}
		for i, req := range pkt.TopicRequests {
			if granted[i] != mqtt.SubscribeFailure {
				p.session.Subscriptions[req.TopicFilter] = granted[i]
			}
		}
		p.write(&mqtt.SubACK{PacketIdentifier: pkt.PacketIdentifier, GrantedQoS: granted})

	case *mqtt.Unsubscribe:
		if err := p.call("mqtt.process_unsubscribe", func(ctx context.Context) error { return h.ProcessUnsubscribe(ctx, hctx, pkt) }); err != nil {
			return err
		}
		for _, topic := range pkt.Topics {
			delete(p.session.Subscriptions, topic)
		}
		p.write(&mqtt.UnsubACK{PacketIdentifier: pkt.PacketIdentifier})

	case *mqtt.PingREQ:
		p.write(&mqtt.PingRESP{})

	case *mqtt.Disconnect:
		p.logger.Debug("client disconnected")
		p.hctx.CleanDisconnect = true
		p.close()

	default:
		return &handlerError{
			category: "mqtt.unexpected_" + strings.ToLower(pkt.Type().String()),
			err:      fmt.Errorf("%w: unexpected %s", errors.ErrProtocolViolation, pkt.Type()),
		}
	}
	return nil
}

func (p *Protocol) handlePublish(pkt *mqtt.Publish) error {
	h, hctx := p.handler, p.hctx
	switch pkt.QoSLevel {
	case 0:
		return p.call("mqtt.process_publish_qos_0", func(ctx context.Context) error { return h.ProcessPublishQoS0(ctx, hctx, pkt) })
	case 1:
		if err := p.call("mqtt.process_publish_qos_1", func(ctx context.Context) error { return h.ProcessPublishQoS1(ctx, hctx, pkt) }); err != nil {
			return err
		}
		p.write(&mqtt.PubACK{PacketIdentifier: pkt.PacketIdentifier})
	case 2:
		// A redelivered QoS 2 publish that was already handed over is only
		// acknowledged again.
		if !p.session.ReceivedQoS2[pkt.PacketIdentifier] {
			if err := p.call("mqtt.process_publish_qos_2", func(ctx context.Context) error { return h.ProcessPublishQoS2(ctx, hctx, pkt) }); err != nil {
				return err
			}
			p.session.ReceivedQoS2[pkt.PacketIdentifier] = true
		}
		p.write(&mqtt.PubREC{PacketIdentifier: pkt.PacketIdentifier})
	default:
		return fmt.Errorf("%w: QoS %d", errors.ErrProtocolViolation, pkt.QoSLevel)
	}
	return nil
}

func (p *Protocol) handleConnect(pkt *mqtt.Connect) error {
	p.hctx.ClientID = pkt.ClientID
	if pkt.Username != nil {
		p.hctx.Username = *pkt.Username
	}
	p.hctx.Password = pkt.Password
	p.logger = p.logger.With(slog.String("client_id", pkt.ClientID))

	var (
		code    byte
		present bool
	)
	if err := p.call("mqtt.process_connect", func(ctx context.Context) (err error) {
		code, present, err = p.handler.ProcessConnect(ctx, p.hctx, pkt)
		return err
	}); err != nil {
		return err
	}

	switch {
	case code == mqtt.ConnAccepted:
	case code <= mqtt.ConnRefusedNotAuthorized && !present:
		p.logger.Info("connection refused", slog.Int("return_code", int(code)))
		p.write(&mqtt.ConnACK{ReturnCode: code})
		p.close()
		return nil
	default:
		p.logger.Error("invalid connect decision, closing",
			slog.String("category", "mqtt.process_connect"),
			slog.Int("return_code", int(code)),
			slog.Bool("session_present", present))
		p.close()
		return nil
	}

	live := p.bridge.claim(pkt.ClientID, p)

	var stored *Session
	switch {
	case pkt.Flags.CleanSession:
		if err := p.bridge.store.Delete(pkt.ClientID); err != nil {
			p.logger.Warn("failed to discard stored session", slog.String("error", err.Error()))
		}
	case live != nil && !live.CleanSession:
		stored = live
	default:
		stored = p.loadSession(pkt.ClientID)
	}

	resumed := present && stored != nil
	if resumed {
		p.session = stored
		p.session.init()
		p.hctx.Subscriptions = maps.Clone(stored.Subscriptions)
		if err := p.call("mqtt.existing_wamp_session", func(ctx context.Context) error {
			return p.handler.ExistingWAMPSession(ctx, p.hctx, pkt)
		}); err != nil {
			return err
		}
	} else {
		p.session = NewSession(pkt.ClientID, pkt.Flags.CleanSession)
		if err := p.call("mqtt.new_wamp_session", func(ctx context.Context) error {
			return p.handler.NewWAMPSession(ctx, p.hctx, pkt)
		}); err != nil {
			return err
		}
	}
	p.session.CleanSession = pkt.Flags.CleanSession

	p.state = stateEstablished
	p.write(&mqtt.ConnACK{SessionPresent: resumed})
	if resumed {
		for _, r := range p.session.Replay() {
			p.write(r)
		}
	}

	p.keepalive = time.Duration(pkt.KeepAlive) * time.Second * 3 / 2
	p.resetKeepalive()
	return nil
}

func (p *Protocol) loadSession(clientID string) *Session {
	s, err := p.bridge.store.Get(clientID)
	if err != nil {
		if !errors.Is(err, errors.ErrNotFound) {
			p.logger.Warn("failed to load stored session", slog.String("error", err.Error()))
		}
		return nil
	}
	return s
}

// detach hands the session over to a connection taking over the client id.
// The remaining work of p runs against an empty clean session that is
// never stored.
func (p *Protocol) detach() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.session
	if s == nil {
		return nil
	}
	p.session = NewSession(s.ClientID, true)
	return s
}

// resetKeepalive cancels the pending keepalive timer and arms a new one.
func (p *Protocol) resetKeepalive() {
	p.stopKeepalive()
	if p.keepalive <= 0 || p.state == stateClosed {
		return
	}
	gen := p.timerGen
	p.timer = p.sched.AfterFunc(p.keepalive, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if gen != p.timerGen || p.state == stateClosed {
			return
		}
		p.logger.Info("keepalive expired, closing connection", slog.Duration("timeout", p.keepalive))
		p.close()
	})
}

func (p *Protocol) stopKeepalive() {
	p.timerGen++
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func (p *Protocol) write(pkt mqtt.Packet) {
	if p.tornDown {
		return
	}
	b, err := pkt.Encode()
	if err != nil {
		p.logger.Error("failed to encode packet", slog.String("packet", pkt.Type().String()), slog.String("error", err.Error()))
		return
	}
	if err := p.tr.Write(b); err != nil {
		p.logger.Debug("write failed", slog.String("error", err.Error()))
		p.close()
		return
	}
	p.bridge.metrics.MQTTPacket(pkt.Type().String(), "out")
}

// Close closes the connection from the server side.
func (p *Protocol) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.close()
}

func (p *Protocol) close() {
	if p.state == stateClosed && p.tornDown {
		return
	}
	p.state = stateClosed
	p.stopKeepalive()
	if err := p.tr.Close(); err != nil {
		p.logger.Debug("close failed", slog.String("error", err.Error()))
	}
	p.teardown()
}

func (p *Protocol) teardown() {
	if p.tornDown {
		return
	}
	p.tornDown = true

	if p.session == nil {
		return
	}
	if p.bridge.release(p.session.ClientID, p) {
		var err error
		if p.session.CleanSession {
			err = p.bridge.store.Delete(p.session.ClientID)
		} else {
			err = p.bridge.store.Save(p.session)
		}
		if err != nil {
			p.logger.Warn("failed to update session store", slog.String("error", err.Error()))
		}
	}
	if err := p.call("mqtt.on_disconnect", func(ctx context.Context) error {
		return p.handler.OnDisconnect(ctx, p.hctx)
	}); err != nil {
		p.logger.Warn("disconnect handler failed", slog.String("error", err.Error()))
	}
}

func newProtocol(b *Bridge, tr Transport, sched Scheduler, hctx *handler.Context) *Protocol {
	p := &Protocol{
		bridge:  b,
		handler: b.handler,
		logger:  b.logger.With(slog.String("session", hctx.SessionID)),
		tr:      tr,
		sched:   sched,
		hctx:    hctx,
	}
	p.parser = mqtt.NewParser(parser.Server,
		mqtt.WithMaxPacketSize(b.maxPacketSize),
		mqtt.WithLogger(p.logger))
	hctx.Publisher = p
	return p
}
