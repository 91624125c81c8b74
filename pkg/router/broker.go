// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"sort"

	"github.com/absmach/wampd/pkg/protocol"
	"github.com/gammazero/nexus/v3/wamp"
)

var brokerFeatures = wamp.Dict{
	"features": wamp.Dict{
		"pattern_based_subscription":    true,
		"publisher_exclusion":           true,
		"publisher_identification":      true,
		"subscriber_blackwhite_listing": true,
		"event_retention":               true,
		"session_meta_api":              true,
		"subscription_meta_api":         true,
	},
}

type subscription struct {
	id          wamp.ID
	match       string
	topic       wamp.URI
	subscribers map[*Session]struct{}
}

type retained struct {
	publication wamp.ID
	topic       wamp.URI
	args        wamp.List
	kwargs      wamp.Dict
}

// broker routes events. It is guarded by the realm lock.
type broker struct {
	ids       *idgen
	subs      map[wamp.ID]*subscription
	byTopic   map[string]map[wamp.URI]*subscription
	bySession map[*Session]map[wamp.ID]struct{}
	retained  map[wamp.URI]retained
}

func newBroker(ids *idgen) *broker {
	return &broker{
		ids:  ids,
		subs: make(map[wamp.ID]*subscription),
		byTopic: map[string]map[wamp.URI]*subscription{
			protocol.MatchExact:    {},
			protocol.MatchPrefix:   {},
			protocol.MatchWildcard: {},
		},
		bySession: make(map[*Session]map[wamp.ID]struct{}),
		retained:  make(map[wamp.URI]retained),
	}
}

func matchPolicy(opts wamp.Dict) string {
	switch m := wamp.OptionString(opts, "match"); m {
	case protocol.MatchPrefix, protocol.MatchWildcard:
		return m
	}
	return protocol.MatchExact
}

func (b *broker) subscribe(s *Session, m *wamp.Subscribe) []delivery {
	match := matchPolicy(m.Options)
	if !protocol.ValidURI(m.Topic, match) {
		return reply(s, errorFor(m, m.Request, protocol.ErrInvalidURI, "subscribe for invalid topic URI "+string(m.Topic)))
	}
	sub, ok := b.byTopic[match][m.Topic]
	if !ok {
		sub = &subscription{
			id:          b.ids.next(),
			match:       match,
			topic:       m.Topic,
			subscribers: make(map[*Session]struct{}),
		}
		b.byTopic[match][m.Topic] = sub
		b.subs[sub.id] = sub
	}
	sub.subscribers[s] = struct{}{}
	set, ok := b.bySession[s]
	if !ok {
		set = make(map[wamp.ID]struct{})
		b.bySession[s] = set
	}
	set[sub.id] = struct{}{}

	out := reply(s, &wamp.Subscribed{Request: m.Request, Subscription: sub.id})
	if protocol.Bool(m.Options, "get_retained") {
		for _, r := range b.retainedFor(sub) {
			details := wamp.Dict{"retained": true}
			if match != protocol.MatchExact {
				details["topic"] = string(r.topic)
			}
			out = append(out, delivery{to: s, msg: &wamp.Event{
				Subscription: sub.id,
				Publication:  r.publication,
				Details:      details,
				Arguments:    r.args,
				ArgumentsKw:  r.kwargs,
			}})
		}
	}
	return out
}

func (b *broker) retainedFor(sub *subscription) []retained {
	var out []retained
	for topic, r := range b.retained {
		if protocol.MatchURI(sub.match, sub.topic, topic) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].topic < out[j].topic })
	return out
}

func (b *broker) unsubscribe(s *Session, m *wamp.Unsubscribe) []delivery {
	sub, ok := b.subs[m.Subscription]
	if ok {
		_, ok = sub.subscribers[s]
	}
	if !ok {
		return reply(s, errorFor(m, m.Request, protocol.ErrNoSuchSubscription, "no such subscription"))
	}
	b.drop(s, sub)
	return reply(s, &wamp.Unsubscribed{Request: m.Request})
}

func (b *broker) drop(s *Session, sub *subscription) {
	delete(sub.subscribers, s)
	if len(sub.subscribers) == 0 {
		delete(b.subs, sub.id)
		delete(b.byTopic[sub.match], sub.topic)
	}
	if set, ok := b.bySession[s]; ok {
		delete(set, sub.id)
		if len(set) == 0 {
			delete(b.bySession, s)
		}
	}
}

func (b *broker) removeSession(s *Session) {
	for id := range b.bySession[s] {
		if sub, ok := b.subs[id]; ok {
			b.drop(s, sub)
		}
	}
	delete(b.bySession, s)
}

// publish fans an event out to matching subscribers. pub is nil for events
// the router publishes itself.
func (b *broker) publish(pub *Session, m *wamp.Publish, disclose bool) []delivery {
	ack := protocol.Bool(m.Options, "acknowledge")
	if !protocol.ValidURI(m.Topic, protocol.MatchExact) {
		if ack && pub != nil {
			return reply(pub, errorFor(m, m.Request, protocol.ErrInvalidURI, "publish with invalid topic URI "+string(m.Topic)))
		}
		return nil
	}
	pubID := wamp.GlobalID()
	excludeMe := protocol.BoolOr(m.Options, "exclude_me", true)
	exclude := idSet(m.Options["exclude"])
	eligible := idSet(m.Options["eligible"])

	var out []delivery
	for _, sub := range b.matching(m.Topic) {
		for s := range sub.subscribers {
			if s == pub && excludeMe {
				continue
			}
			id := s.ID()
			if _, ok := exclude[id]; ok {
				continue
			}
			if eligible != nil {
				if _, ok := eligible[id]; !ok {
					continue
				}
			}
			details := wamp.Dict{}
			if sub.match != protocol.MatchExact {
				details["topic"] = string(m.Topic)
			}
			if disclose && pub != nil {
				details["publisher"] = pub.ID()
				details["publisher_authid"] = pub.info.AuthID
				details["publisher_authrole"] = pub.info.AuthRole
			}
			out = append(out, delivery{to: s, msg: &wamp.Event{
				Subscription: sub.id,
				Publication:  pubID,
				Details:      details,
				Arguments:    m.Arguments,
				ArgumentsKw:  m.ArgumentsKw,
			}})
		}
	}
	if protocol.Bool(m.Options, "retain") {
		b.retained[m.Topic] = retained{publication: pubID, topic: m.Topic, args: m.Arguments, kwargs: m.ArgumentsKw}
	}
	if ack && pub != nil {
		out = append(out, delivery{to: pub, msg: &wamp.Published{Request: m.Request, Publication: pubID}})
	}
	return out
}

func (b *broker) matching(topic wamp.URI) []*subscription {
	var out []*subscription
	if sub, ok := b.byTopic[protocol.MatchExact][topic]; ok {
		out = append(out, sub)
	}
	for _, policy := range []string{protocol.MatchPrefix, protocol.MatchWildcard} {
		for pattern, sub := range b.byTopic[policy] {
			if protocol.MatchURI(policy, pattern, topic) {
				out = append(out, sub)
			}
		}
	}
	return out
}

func (b *broker) list() wamp.Dict {
	out := wamp.Dict{}
	for policy, subs := range b.byTopic {
		ids := make(wamp.List, 0, len(subs))
		for _, sub := range subs {
			ids = append(ids, sub.id)
		}
		out[policy] = ids
	}
	return out
}

func idSet(v any) map[wamp.ID]struct{} {
	l, ok := wamp.AsList(v)
	if !ok {
		return nil
	}
	out := make(map[wamp.ID]struct{}, len(l))
	for _, e := range l {
		if id, ok := wamp.AsID(e); ok {
			out[id] = struct{}{}
		}
	}
	return out
}
