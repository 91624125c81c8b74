// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/absmach/wampd/pkg/auth"
	"github.com/absmach/wampd/pkg/errors"
	"github.com/absmach/wampd/pkg/handler"
	"github.com/absmach/wampd/pkg/metrics"
	"github.com/absmach/wampd/pkg/parser/mqtt"
	"github.com/absmach/wampd/pkg/protocol"
	"github.com/absmach/wampd/pkg/ratelimit"
	"github.com/absmach/wampd/pkg/router"
	"github.com/gammazero/nexus/v3/wamp"
)

// Payload mappings between MQTT payloads and WAMP events.
const (
	// PayloadPassthrough carries the raw payload as the "payload" keyword
	// argument.
	PayloadPassthrough = "passthrough"
	// PayloadNative decodes a JSON object {"args": [...], "kwargs": {...}}.
	PayloadNative = "native"
)

const wampCallTimeout = 10 * time.Second

// WAMPConfig configures a WAMPHandler.
type WAMPConfig struct {
	// Realm every MQTT client joins.
	Realm wamp.URI
	// Authenticator admits clients. Username and password go through the
	// ticket method; clients without a username use tls or anonymous.
	Authenticator *auth.Authenticator
	// Payload is PayloadPassthrough (default) or PayloadNative.
	Payload string
	// Limiter bounds inbound publishes per client. Optional.
	Limiter *ratelimit.Limiter
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// WAMPHandler attaches every MQTT connection to a router realm through a
// local session and maps publishes and subscriptions onto WAMP.
type WAMPHandler struct {
	router  *router.Router
	realm   wamp.URI
	authn   *auth.Authenticator
	payload string
	limiter *ratelimit.Limiter
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu    sync.Mutex
	conns map[string]*mqttConn
}

var _ handler.Handler = (*WAMPHandler)(nil)

type mqttConn struct {
	local *router.LocalSession

	mu   sync.Mutex
	subs map[string]wamp.ID
}

// NewWAMPHandler creates a handler bridging into realm cfg.Realm of r.
func NewWAMPHandler(r *router.Router, cfg WAMPConfig) (*WAMPHandler, error) {
	if _, ok := r.Realm(cfg.Realm); !ok {
		return nil, fmt.Errorf("mqtt bridge realm %s: %w", cfg.Realm, errors.ErrNotFound)
	}
	if cfg.Authenticator == nil {
		return nil, fmt.Errorf("mqtt bridge needs an authenticator: %w", errors.ErrInvalidInput)
	}
	switch cfg.Payload {
	case "":
		cfg.Payload = PayloadPassthrough
	case PayloadPassthrough, PayloadNative:
	default:
		return nil, fmt.Errorf("unknown payload mapping %q: %w", cfg.Payload, errors.ErrInvalidInput)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &WAMPHandler{
		router:  r,
		realm:   cfg.Realm,
		authn:   cfg.Authenticator,
		payload: cfg.Payload,
		limiter: cfg.Limiter,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
		conns:   make(map[string]*mqttConn),
	}, nil
}

// TopicToURI maps an MQTT topic name to a WAMP URI: a/b/c becomes a.b.c.
func TopicToURI(topic string) (wamp.URI, error) {
	if topic == "" || strings.ContainsAny(topic, "+#") {
		return "", fmt.Errorf("invalid topic name %q: %w", topic, errors.ErrInvalidInput)
	}
	uri := wamp.URI(strings.ReplaceAll(topic, "/", "."))
	if !protocol.ValidURI(uri, protocol.MatchExact) {
		return "", fmt.Errorf("topic %q does not map to a valid URI: %w", topic, errors.ErrInvalidInput)
	}
	return uri, nil
}

// URIToTopic maps a WAMP URI back to an MQTT topic name.
func URIToTopic(uri wamp.URI) string {
	return strings.ReplaceAll(string(uri), ".", "/")
}

// FilterToURI maps an MQTT topic filter to a URI pattern and match policy.
// Single level wildcards become a wildcard match, a trailing multi level
// wildcard a prefix match. Filters combining both are not supported.
func FilterToURI(filter string) (wamp.URI, string, error) {
	invalid := func() (wamp.URI, string, error) {
		return "", "", fmt.Errorf("unsupported topic filter %q: %w", filter, errors.ErrInvalidInput)
	}
	if filter == "" {
		return invalid()
	}
	match := protocol.MatchExact
	pattern := filter
	if strings.HasSuffix(pattern, "#") {
		if pattern != "#" && !strings.HasSuffix(pattern, "/#") {
			return invalid()
		}
		match = protocol.MatchPrefix
		pattern = strings.TrimSuffix(pattern, "#")
	}
	if strings.Contains(pattern, "#") {
		return invalid()
	}
	levels := strings.Split(pattern, "/")
	for i, l := range levels {
		if l == "+" {
			if match == protocol.MatchPrefix {
				return invalid()
			}
			match = protocol.MatchWildcard
			levels[i] = ""
		} else if strings.Contains(l, "+") {
			return invalid()
		}
	}
	uri := wamp.URI(strings.Join(levels, "."))
	if match == protocol.MatchPrefix && uri == "" {
		// "#" subscribes to everything.
		return "", match, nil
	}
	if !protocol.ValidURI(uri, match) {
		return invalid()
	}
	return uri, match, nil
}

func (h *WAMPHandler) conn(hctx *handler.Context) (*mqttConn, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[hctx.SessionID]
	if !ok {
		return nil, fmt.Errorf("no WAMP session for %s: %w", hctx.SessionID, errors.ErrInvalidState)
	}
	return c, nil
}

// ProcessConnect authenticates the client and joins its local session.
func (h *WAMPHandler) ProcessConnect(ctx context.Context, hctx *handler.Context, pkt *mqtt.Connect) (byte, bool, error) {
	td := &protocol.Details{
		Type:       protocol.TransportMQTT,
		Peer:       hctx.RemoteAddr,
		IsSecure:   hctx.Cert != nil,
		ClientCert: hctx.Cert,
	}
	details := wamp.Dict{}
	switch {
	case pkt.Username != nil:
		details["authid"] = *pkt.Username
		details["authmethods"] = wamp.List{auth.MethodTicket}
	case hctx.Cert != nil:
		details["authmethods"] = wamp.List{auth.MethodTLS, auth.MethodAnonymous}
	default:
		details["authmethods"] = wamp.List{auth.MethodAnonymous}
	}

	o, pa := h.authn.Hello(ctx, auth.Hello{
		Realm:     string(h.realm),
		SessionID: wamp.GlobalID(),
		Details:   details,
		Transport: td,
	})
	if _, ok := o.(auth.Challenge); ok && pa != nil {
		o = h.authn.Authenticate(ctx, td, pa, string(pkt.Password), wamp.Dict{})
	}

	switch v := o.(type) {
	case auth.Accept:
		local, err := h.router.LocalSession(wamp.URI(v.Realm), v.AuthID, v.AuthRole, v.AuthExtra)
		if err != nil {
			h.logger.Warn("MQTT client not admitted to realm",
				slog.String("client_id", pkt.ClientID),
				slog.String("authrole", v.AuthRole),
				slog.Any("error", err))
			if errors.Is(err, errors.ErrUnauthorized) {
				return mqtt.ConnRefusedNotAuthorized, false, nil
			}
			return mqtt.ConnRefusedServerUnavail, false, nil
		}
		h.mu.Lock()
		h.conns[hctx.SessionID] = &mqttConn{local: local, subs: make(map[string]wamp.ID)}
		h.mu.Unlock()
		h.logger.Info("MQTT client joined",
			slog.String("client_id", pkt.ClientID),
			slog.String("authid", v.AuthID),
			slog.String("authrole", v.AuthRole),
			slog.Uint64("session", uint64(local.ID())))
		return mqtt.ConnAccepted, !pkt.Flags.CleanSession, nil
	case auth.Deny:
		h.logger.Info("MQTT client denied",
			slog.String("client_id", pkt.ClientID),
			slog.String("reason", string(v.Reason)),
			slog.String("message", v.Message))
		switch v.Reason {
		case protocol.ErrAuthenticationFailed, protocol.ErrNoSuchPrincipal:
			return mqtt.ConnRefusedBadCredentials, false, nil
		}
		return mqtt.ConnRefusedNotAuthorized, false, nil
	default:
		h.logger.Warn("MQTT client asked for an unsupported authentication round", slog.String("client_id", pkt.ClientID))
		return mqtt.ConnRefusedNotAuthorized, false, nil
	}
}

// NewWAMPSession registers the client's will as a testament.
func (h *WAMPHandler) NewWAMPSession(ctx context.Context, hctx *handler.Context, pkt *mqtt.Connect) error {
	return h.addWill(ctx, hctx, pkt)
}

// ExistingWAMPSession restores the subscriptions of a resumed session and
// registers the client's will.
func (h *WAMPHandler) ExistingWAMPSession(ctx context.Context, hctx *handler.Context, pkt *mqtt.Connect) error {
	for filter, qos := range hctx.Subscriptions {
		if granted := h.subscribe(ctx, hctx, filter, qos); granted == mqtt.SubscribeFailure {
			h.logger.Warn("failed to restore subscription",
				slog.String("client_id", hctx.ClientID),
				slog.String("filter", filter))
		}
	}
	return h.addWill(ctx, hctx, pkt)
}

func (h *WAMPHandler) addWill(ctx context.Context, hctx *handler.Context, pkt *mqtt.Connect) error {
	if !pkt.Flags.Will || pkt.WillTopic == nil {
		return nil
	}
	c, err := h.conn(hctx)
	if err != nil {
		return err
	}
	uri, err := TopicToURI(*pkt.WillTopic)
	if err != nil {
		h.logger.Warn("ignoring will with unusable topic", slog.String("client_id", hctx.ClientID), slog.Any("error", err))
		return nil
	}
	args, kwargs, err := h.decode(pkt.WillMessage)
	if err != nil {
		h.logger.Warn("ignoring will with undecodable payload", slog.String("client_id", hctx.ClientID), slog.Any("error", err))
		return nil
	}
	if args == nil {
		args = wamp.List{}
	}
	if kwargs == nil {
		kwargs = wamp.Dict{}
	}
	opts := wamp.Dict{"exclude_me": false}
	if pkt.Flags.WillRetain {
		opts["retain"] = true
	}
	ctx, cancel := context.WithTimeout(ctx, wampCallTimeout)
	defer cancel()
	_, err = c.local.Call(ctx, protocol.MetaAddTestament, wamp.List{uri, args, kwargs}, wamp.Dict{"publish_options": opts})
	return err
}

func (h *WAMPHandler) publish(ctx context.Context, hctx *handler.Context, pkt *mqtt.Publish) error {
	c, err := h.conn(hctx)
	if err != nil {
		return err
	}
	if !h.limiter.Allow(hctx.ClientID) {
		h.metrics.RateLimited("mqtt")
		h.logger.Warn("dropping publish over rate limit", slog.String("client_id", hctx.ClientID), slog.String("topic", pkt.TopicName))
		return nil
	}
	uri, err := TopicToURI(pkt.TopicName)
	if err != nil {
		h.logger.Warn("dropping publish", slog.String("client_id", hctx.ClientID), slog.Any("error", err))
		return nil
	}
	args, kwargs, err := h.decode(pkt.Payload)
	if err != nil {
		h.logger.Warn("dropping publish with undecodable payload", slog.String("client_id", hctx.ClientID), slog.String("topic", pkt.TopicName), slog.Any("error", err))
		return nil
	}
	opts := wamp.Dict{"exclude_me": false}
	if pkt.Retain {
		opts["retain"] = true
	}
	ctx, cancel := context.WithTimeout(ctx, wampCallTimeout)
	defer cancel()
	if err := c.local.Publish(ctx, uri, opts, args, kwargs); err != nil {
		// MQTT 3.1.1 cannot refuse a publish; the message is dropped.
		h.logger.Warn("WAMP publish refused", slog.String("client_id", hctx.ClientID), slog.String("topic", string(uri)), slog.Any("error", err))
	}
	return nil
}

func (h *WAMPHandler) ProcessPublishQoS0(ctx context.Context, hctx *handler.Context, pkt *mqtt.Publish) error {
	return h.publish(ctx, hctx, pkt)
}

func (h *WAMPHandler) ProcessPublishQoS1(ctx context.Context, hctx *handler.Context, pkt *mqtt.Publish) error {
	return h.publish(ctx, hctx, pkt)
}

func (h *WAMPHandler) ProcessPublishQoS2(ctx context.Context, hctx *handler.Context, pkt *mqtt.Publish) error {
	return h.publish(ctx, hctx, pkt)
}

// ProcessSubscribe subscribes the local session once per topic filter.
func (h *WAMPHandler) ProcessSubscribe(ctx context.Context, hctx *handler.Context, pkt *mqtt.Subscribe) ([]byte, error) {
	if _, err := h.conn(hctx); err != nil {
		return nil, err
	}
	granted := make([]byte, len(pkt.TopicRequests))
	for i, req := range pkt.TopicRequests {
		granted[i] = h.subscribe(ctx, hctx, req.TopicFilter, req.MaxQoS)
	}
	return granted, nil
}

func (h *WAMPHandler) subscribe(ctx context.Context, hctx *handler.Context, filter string, qos byte) byte {
	c, err := h.conn(hctx)
	if err != nil {
		return mqtt.SubscribeFailure
	}
	uri, match, err := FilterToURI(filter)
	if err != nil {
		h.logger.Info("refusing subscription", slog.String("client_id", hctx.ClientID), slog.Any("error", err))
		return mqtt.SubscribeFailure
	}
	if qos > 2 {
		qos = 2
	}

	c.mu.Lock()
	prev, had := c.subs[filter]
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, wampCallTimeout)
	defer cancel()
	pub := hctx.Publisher
	id, err := c.local.Subscribe(ctx, uri, wamp.Dict{"match": match, "get_retained": true}, func(ev *wamp.Event) {
		h.deliver(pub, hctx.ClientID, uri, qos, ev)
	})
	if err != nil {
		h.logger.Info("WAMP subscribe refused", slog.String("client_id", hctx.ClientID), slog.String("filter", filter), slog.Any("error", err))
		return mqtt.SubscribeFailure
	}
	c.mu.Lock()
	c.subs[filter] = id
	c.mu.Unlock()
	// A repeated filter replaces the previous subscription.
	if had && prev != id {
		if err := c.local.Unsubscribe(ctx, prev); err != nil {
			h.logger.Debug("failed to drop replaced subscription", slog.Any("error", err))
		}
	}
	return qos
}

func (h *WAMPHandler) deliver(pub handler.Publisher, clientID string, pattern wamp.URI, qos byte, ev *wamp.Event) {
	topic := URIToTopic(pattern)
	if t := protocol.String(ev.Details, "topic"); t != "" {
		topic = URIToTopic(wamp.URI(t))
	}
	payload, err := h.encode(ev.Arguments, ev.ArgumentsKw)
	if err != nil {
		h.logger.Warn("dropping event that cannot be encoded", slog.String("client_id", clientID), slog.String("topic", topic), slog.Any("error", err))
		return
	}
	if err := pub.SendPublish(topic, qos, payload, protocol.Bool(ev.Details, "retained")); err != nil {
		h.logger.Warn("failed to forward event", slog.String("client_id", clientID), slog.Any("error", err))
	}
}

// ProcessUnsubscribe drops the subscriptions of the listed filters.
func (h *WAMPHandler) ProcessUnsubscribe(ctx context.Context, hctx *handler.Context, pkt *mqtt.Unsubscribe) error {
	c, err := h.conn(hctx)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, wampCallTimeout)
	defer cancel()
	for _, filter := range pkt.Topics {
		c.mu.Lock()
		id, ok := c.subs[filter]
		delete(c.subs, filter)
		c.mu.Unlock()
		if !ok {
			continue
		}
		if err := c.local.Unsubscribe(ctx, id); err != nil {
			h.logger.Debug("WAMP unsubscribe failed", slog.String("filter", filter), slog.Any("error", err))
		}
	}
	return nil
}

func (h *WAMPHandler) ProcessPubACK(context.Context, *handler.Context, *mqtt.PubACK) error {
	return nil
}

func (h *WAMPHandler) ProcessPubREC(context.Context, *handler.Context, *mqtt.PubREC) error {
	return nil
}

func (h *WAMPHandler) ProcessPubREL(context.Context, *handler.Context, *mqtt.PubREL) error {
	return nil
}

func (h *WAMPHandler) ProcessPubCOMP(context.Context, *handler.Context, *mqtt.PubCOMP) error {
	return nil
}

// OnDisconnect leaves the realm. The will fires unless the client sent
// Disconnect.
func (h *WAMPHandler) OnDisconnect(ctx context.Context, hctx *handler.Context) error {
	h.mu.Lock()
	c, ok := h.conns[hctx.SessionID]
	delete(h.conns, hctx.SessionID)
	h.mu.Unlock()
	if !ok {
		return nil
	}
	if hctx.CleanDisconnect {
		ctx, cancel := context.WithTimeout(ctx, wampCallTimeout)
		defer cancel()
		if _, err := c.local.Call(ctx, protocol.MetaFlushTestaments, nil, nil); err != nil {
			h.logger.Debug("failed to discard will", slog.Any("error", err))
		}
	}
	c.local.Close()
	return nil
}

// Sessions returns the number of attached MQTT clients.
func (h *WAMPHandler) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

func (h *WAMPHandler) decode(payload []byte) (wamp.List, wamp.Dict, error) {
	if h.payload == PayloadPassthrough {
		return nil, wamp.Dict{"payload": payload}, nil
	}
	if len(payload) == 0 {
		return nil, nil, nil
	}
	var msg struct {
		Args   []any          `json:"args"`
		Kwargs map[string]any `json:"kwargs"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, nil, fmt.Errorf("native payload is not a JSON object: %w", err)
	}
	return wamp.List(msg.Args), wamp.Dict(msg.Kwargs), nil
}

func (h *WAMPHandler) encode(args wamp.List, kwargs wamp.Dict) ([]byte, error) {
	if h.payload == PayloadPassthrough && len(args) == 0 && len(kwargs) == 1 {
		switch p := kwargs["payload"].(type) {
		case []byte:
			return p, nil
		case string:
			return []byte(p), nil
		}
	}
	msg := map[string]any{}
	if len(args) > 0 {
		msg["args"] = args
	}
	if len(kwargs) > 0 {
		msg["kwargs"] = kwargs
	}
	return json.Marshal(msg)
}
