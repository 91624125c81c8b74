// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"errors"
	"maps"
	"sort"

	"github.com/absmach/wampd/pkg/parser/mqtt"
)

// ErrPacketIDsExhausted is returned when every packet identifier is in
// flight.
var ErrPacketIDsExhausted = errors.New("no free packet identifier")

const maxPacketID = 1<<16 - 1

// Inflight is an outbound message awaiting acknowledgement. Seq preserves
// the original send order for replay.
type Inflight struct {
	Seq     uint64        `json:"seq"`
	Publish *mqtt.Publish `json:"publish"`
}

// Session is the MQTT state that outlives a connection when the client asks
// for a persistent session.
type Session struct {
	ClientID     string `json:"client_id"`
	CleanSession bool   `json:"clean_session"`

	// PacketID is the last identifier handed out.
	PacketID uint16 `json:"packet_id"`
	Seq      uint64 `json:"seq"`

	// Outbound QoS 1 awaiting PubACK, QoS 2 awaiting PubREC, and released
	// QoS 2 awaiting PubCOMP.
	AwaitingPubACK  map[uint16]*Inflight `json:"awaiting_puback"`
	AwaitingPubREC  map[uint16]*Inflight `json:"awaiting_pubrec"`
	AwaitingPubCOMP map[uint16]*Inflight `json:"awaiting_pubcomp"`

	// Inbound QoS 2 identifiers delivered to the handler and awaiting PubREL.
	ReceivedQoS2 map[uint16]bool `json:"received_qos2"`

	// Subscriptions maps granted topic filters to their QoS.
	Subscriptions map[string]byte `json:"subscriptions,omitempty"`
}

// NewSession returns an empty session.
func NewSession(clientID string, clean bool) *Session {
	s := &Session{ClientID: clientID, CleanSession: clean}
	s.init()
	return s
}

func (s *Session) init() {
	if s.AwaitingPubACK == nil {
		s.AwaitingPubACK = map[uint16]*Inflight{}
	}
	if s.AwaitingPubREC == nil {
		s.AwaitingPubREC = map[uint16]*Inflight{}
	}
	if s.AwaitingPubCOMP == nil {
		s.AwaitingPubCOMP = map[uint16]*Inflight{}
	}
	if s.ReceivedQoS2 == nil {
		s.ReceivedQoS2 = map[uint16]bool{}
	}
	if s.Subscriptions == nil {
		s.Subscriptions = map[string]byte{}
	}
}

// clone returns a deep copy of s.
func (s *Session) clone() *Session {
	c := *s
	c.AwaitingPubACK = cloneInflight(s.AwaitingPubACK)
	c.AwaitingPubREC = cloneInflight(s.AwaitingPubREC)
	c.AwaitingPubCOMP = cloneInflight(s.AwaitingPubCOMP)
	c.ReceivedQoS2 = maps.Clone(s.ReceivedQoS2)
	c.Subscriptions = maps.Clone(s.Subscriptions)
	c.init()
	return &c
}

func cloneInflight(m map[uint16]*Inflight) map[uint16]*Inflight {
	out := make(map[uint16]*Inflight, len(m))
	for id, in := range m {
		pub := *in.Publish
		pub.Payload = append([]byte(nil), in.Publish.Payload...)
		out[id] = &Inflight{Seq: in.Seq, Publish: &pub}
	}
	return out
}

// InFlight reports whether id is used by an unacknowledged outbound message.
func (s *Session) InFlight(id uint16) bool {
	_, a := s.AwaitingPubACK[id]
	_, b := s.AwaitingPubREC[id]
	_, c := s.AwaitingPubCOMP[id]
	return a || b || c
}

// NextPacketID returns the next free identifier in 1..65535, wrapping after
// 65535 and skipping identifiers still in flight.
func (s *Session) NextPacketID() (uint16, error) {
	for range maxPacketID {
		s.PacketID++
		if s.PacketID == 0 {
			s.PacketID = 1
		}
		if !s.InFlight(s.PacketID) {
			return s.PacketID, nil
		}
	}
	return 0, ErrPacketIDsExhausted
}

// Track records an outbound QoS 1 or 2 publish as in flight.
func (s *Session) Track(pub *mqtt.Publish) {
	s.Seq++
	m := &Inflight{Seq: s.Seq, Publish: pub}
	switch pub.QoSLevel {
	case 1:
		s.AwaitingPubACK[pub.PacketIdentifier] = m
	case 2:
		s.AwaitingPubREC[pub.PacketIdentifier] = m
	}
}

// Acknowledge completes a QoS 1 handshake.
func (s *Session) Acknowledge(id uint16) bool {
	_, ok := s.AwaitingPubACK[id]
	delete(s.AwaitingPubACK, id)
	return ok
}

// Received moves a QoS 2 message from awaiting PubREC to awaiting PubCOMP.
func (s *Session) Received(id uint16) bool {
	m, ok := s.AwaitingPubREC[id]
	if !ok {
		return false
	}
	delete(s.AwaitingPubREC, id)
	s.AwaitingPubCOMP[id] = m
	return true
}

// Complete ends a QoS 2 handshake.
func (s *Session) Complete(id uint16) bool {
	_, ok := s.AwaitingPubCOMP[id]
	delete(s.AwaitingPubCOMP, id)
	return ok
}

// Pending returns the number of unacknowledged outbound messages.
func (s *Session) Pending() int {
	return len(s.AwaitingPubACK) + len(s.AwaitingPubREC) + len(s.AwaitingPubCOMP)
}

// Replay returns the packets to resend after a resumed Connect, in original
// send order. Unacknowledged publishes are marked duplicate; released QoS 2
// messages are resent as PubREL.
func (s *Session) Replay() []mqtt.Packet {
	type entry struct {
		seq uint64
		pkt mqtt.Packet
	}
	var entries []entry
	for _, m := range s.AwaitingPubACK {
		entries = append(entries, entry{m.Seq, duplicate(m.Publish)})
	}
	for _, m := range s.AwaitingPubREC {
		entries = append(entries, entry{m.Seq, duplicate(m.Publish)})
	}
	for id, m := range s.AwaitingPubCOMP {
		entries = append(entries, entry{m.Seq, &mqtt.PubREL{PacketIdentifier: id}})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	out := make([]mqtt.Packet, len(entries))
	for i, e := range entries {
		out[i] = e.pkt
	}
	return out
}

func duplicate(p *mqtt.Publish) *mqtt.Publish {
	dup := *p
	dup.Duplicate = true
	return &dup
}
