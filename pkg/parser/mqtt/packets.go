// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mqtt

import (
	"encoding/binary"
	"fmt"
)

// PacketType is the four-bit MQTT control packet type.
type PacketType byte

// MQTT 3.1.1 control packet types. 0 and 15 are reserved.
const (
	TypeReserved    PacketType = 0
	TypeConnect     PacketType = 1
	TypeConnACK     PacketType = 2
	TypePublish     PacketType = 3
	TypePubACK      PacketType = 4
	TypePubREC      PacketType = 5
	TypePubREL      PacketType = 6
	TypePubCOMP     PacketType = 7
	TypeSubscribe   PacketType = 8
	TypeSubACK      PacketType = 9
	TypeUnsubscribe PacketType = 10
	TypeUnsubACK    PacketType = 11
	TypePingREQ     PacketType = 12
	TypePingRESP    PacketType = 13
	TypeDisconnect  PacketType = 14
	TypeReserved15  PacketType = 15
)

var typeNames = [16]string{
	"Reserved", "Connect", "ConnACK", "Publish", "PubACK", "PubREC", "PubREL", "PubCOMP",
	"Subscribe", "SubACK", "Unsubscribe", "UnsubACK", "PingREQ", "PingRESP", "Disconnect", "Reserved",
}

func (t PacketType) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("PacketType(%d)", byte(t))
}

// SubscribeFailure is the SUBACK return code for a rejected topic filter.
const SubscribeFailure byte = 0x80

// CONNACK return codes.
const (
	ConnAccepted               byte = 0
	ConnRefusedProtocolVersion byte = 1
	ConnRefusedIdentifier      byte = 2
	ConnRefusedServerUnavail   byte = 3
	ConnRefusedBadCredentials  byte = 4
	ConnRefusedNotAuthorized   byte = 5
)

// Event is produced by the parser: either a decoded Packet or a Failure.
type Event interface {
	event()
}

// Packet is a decoded MQTT control packet.
type Packet interface {
	Event
	Type() PacketType
	Encode() ([]byte, error)
}

// Failure reports a protocol violation. It is always the last event a
// parser produces. PacketType is set when a packet type that is valid but
// not accepted for the parser's role was received.
type Failure struct {
	Reason     string
	PacketType PacketType
}

func (Failure) event() {}

// ConnectFlags is the decoded CONNECT flags byte.
type ConnectFlags struct {
	Username     bool
	Password     bool
	WillRetain   bool
	WillQoS      byte
	Will         bool
	CleanSession bool
	Reserved     bool
}

func (f ConnectFlags) byte() byte {
	var b byte
	if f.Username {
		b |= 0x80
	}
	if f.Password {
		b |= 0x40
	}
	if f.WillRetain {
		b |= 0x20
	}
	b |= (f.WillQoS & 0x03) << 3
	if f.Will {
		b |= 0x04
	}
	if f.CleanSession {
		b |= 0x02
	}
	if f.Reserved {
		b |= 0x01
	}
	return b
}

func parseConnectFlags(b byte) ConnectFlags {
	return ConnectFlags{
		Username:     b&0x80 != 0,
		Password:     b&0x40 != 0,
		WillRetain:   b&0x20 != 0,
		WillQoS:      (b >> 3) & 0x03,
		Will:         b&0x04 != 0,
		CleanSession: b&0x02 != 0,
		Reserved:     b&0x01 != 0,
	}
}

// Connect is the first packet a client sends.
type Connect struct {
	ClientID    string
	Flags       ConnectFlags
	KeepAlive   uint16
	WillTopic   *string
	WillMessage []byte
	Username    *string
	Password    []byte
}

// ConnACK acknowledges a Connect.
type ConnACK struct {
	SessionPresent bool
	ReturnCode     byte
}

// Publish carries an application message.
type Publish struct {
	Duplicate        bool
	QoSLevel         byte
	Retain           bool
	TopicName        string
	PacketIdentifier uint16
	Payload          []byte
}

// PubACK acknowledges a QoS 1 Publish.
type PubACK struct{ PacketIdentifier uint16 }

// PubREC is the first acknowledgement of a QoS 2 Publish.
type PubREC struct{ PacketIdentifier uint16 }

// PubREL releases a QoS 2 Publish.
type PubREL struct{ PacketIdentifier uint16 }

// PubCOMP completes a QoS 2 handshake.
type PubCOMP struct{ PacketIdentifier uint16 }

// SubscriptionTopicRequest is one topic filter of a Subscribe.
type SubscriptionTopicRequest struct {
	TopicFilter string
	MaxQoS      byte
}

// Subscribe requests one or more subscriptions.
type Subscribe struct {
	PacketIdentifier uint16
	TopicRequests    []SubscriptionTopicRequest
}

// SubACK grants or refuses each filter of a Subscribe.
type SubACK struct {
	PacketIdentifier uint16
	GrantedQoS       []byte
}

// Unsubscribe removes subscriptions.
type Unsubscribe struct {
	PacketIdentifier uint16
	Topics           []string
}

// UnsubACK acknowledges an Unsubscribe.
type UnsubACK struct{ PacketIdentifier uint16 }

// PingREQ is a keepalive probe.
type PingREQ struct{}

// PingRESP answers a PingREQ.
type PingRESP struct{}

// Disconnect is a clean client disconnect.
type Disconnect struct{}

func (*Connect) event()     {}
func (*ConnACK) event()     {}
func (*Publish) event()     {}
func (*PubACK) event()      {}
func (*PubREC) event()      {}
func (*PubREL) event()      {}
func (*PubCOMP) event()     {}
func (*Subscribe) event()   {}
func (*SubACK) event()      {}
func (*Unsubscribe) event() {}
func (*UnsubACK) event()    {}
func (*PingREQ) event()     {}
func (*PingRESP) event()    {}
func (*Disconnect) event()  {}

func (*Connect) Type() PacketType     { return TypeConnect }
func (*ConnACK) Type() PacketType     { return TypeConnACK }
func (*Publish) Type() PacketType     { return TypePublish }
func (*PubACK) Type() PacketType      { return TypePubACK }
func (*PubREC) Type() PacketType      { return TypePubREC }
func (*PubREL) Type() PacketType      { return TypePubREL }
func (*PubCOMP) Type() PacketType     { return TypePubCOMP }
func (*Subscribe) Type() PacketType   { return TypeSubscribe }
func (*SubACK) Type() PacketType      { return TypeSubACK }
func (*Unsubscribe) Type() PacketType { return TypeUnsubscribe }
func (*UnsubACK) Type() PacketType    { return TypeUnsubACK }
func (*PingREQ) Type() PacketType     { return TypePingREQ }
func (*PingRESP) Type() PacketType    { return TypePingRESP }
func (*Disconnect) Type() PacketType  { return TypeDisconnect }

func frame(t PacketType, flags byte, body []byte) []byte {
	out := WritePacketHeader(t, flags, len(body))
	return append(out, body...)
}

func idBody(id uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, id)
	return b
}

// Encode serializes the packet.
func (p *Connect) Encode() ([]byte, error) {
	body, _ := WriteString("MQTT")
	flags := p.Flags
	flags.Will = p.WillTopic != nil
	flags.Username = p.Username != nil
	flags.Password = p.Password != nil
	body = append(body, 4, flags.byte())
	body = binary.BigEndian.AppendUint16(body, p.KeepAlive)

	parts := [][]byte{}
	s, err := WriteString(p.ClientID)
	if err != nil {
		return nil, err
	}
	parts = append(parts, s)
	if p.WillTopic != nil {
		t, err := WriteString(*p.WillTopic)
		if err != nil {
			return nil, err
		}
		m, err := WritePrefixedBytes(p.WillMessage)
		if err != nil {
			return nil, err
		}
		parts = append(parts, t, m)
	}
	if p.Username != nil {
		u, err := WriteString(*p.Username)
		if err != nil {
			return nil, err
		}
		parts = append(parts, u)
	}
	if p.Password != nil {
		pw, err := WritePrefixedBytes(p.Password)
		if err != nil {
			return nil, err
		}
		parts = append(parts, pw)
	}
	for _, part := range parts {
		body = append(body, part...)
	}
	return frame(TypeConnect, 0, body), nil
}

// Encode serializes the packet.
func (p *ConnACK) Encode() ([]byte, error) {
	var sp byte
	if p.SessionPresent {
		sp = 1
	}
	return frame(TypeConnACK, 0, []byte{sp, p.ReturnCode}), nil
}

// Encode serializes the packet.
func (p *Publish) Encode() ([]byte, error) {
	if p.QoSLevel > 2 {
		return nil, fmt.Errorf("invalid QoS level %d", p.QoSLevel)
	}
	var flags byte
	if p.Duplicate {
		flags |= 0x08
	}
	flags |= p.QoSLevel << 1
	if p.Retain {
		flags |= 0x01
	}
	body, err := WriteString(p.TopicName)
	if err != nil {
		return nil, err
	}
	if p.QoSLevel > 0 {
		body = binary.BigEndian.AppendUint16(body, p.PacketIdentifier)
	}
	body = append(body, p.Payload...)
	return frame(TypePublish, flags, body), nil
}

// Encode serializes the packet.
func (p *PubACK) Encode() ([]byte, error) {
	return frame(TypePubACK, 0, idBody(p.PacketIdentifier)), nil
}

// Encode serializes the packet.
func (p *PubREC) Encode() ([]byte, error) {
	return frame(TypePubREC, 0, idBody(p.PacketIdentifier)), nil
}

// Encode serializes the packet.
func (p *PubREL) Encode() ([]byte, error) {
	return frame(TypePubREL, 0x02, idBody(p.PacketIdentifier)), nil
}

// Encode serializes the packet.
func (p *PubCOMP) Encode() ([]byte, error) {
	return frame(TypePubCOMP, 0, idBody(p.PacketIdentifier)), nil
}

// Encode serializes the packet.
func (p *Subscribe) Encode() ([]byte, error) {
	body := idBody(p.PacketIdentifier)
	for _, req := range p.TopicRequests {
		s, err := WriteString(req.TopicFilter)
		if err != nil {
			return nil, err
		}
		body = append(body, s...)
		body = append(body, req.MaxQoS)
	}
	return frame(TypeSubscribe, 0x02, body), nil
}

// Encode serializes the packet.
func (p *SubACK) Encode() ([]byte, error) {
	body := append(idBody(p.PacketIdentifier), p.GrantedQoS...)
	return frame(TypeSubACK, 0, body), nil
}

// Encode serializes the packet.
func (p *Unsubscribe) Encode() ([]byte, error) {
	body := idBody(p.PacketIdentifier)
	for _, topic := range p.Topics {
		s, err := WriteString(topic)
		if err != nil {
			return nil, err
		}
		body = append(body, s...)
	}
	return frame(TypeUnsubscribe, 0x02, body), nil
}

// Encode serializes the packet.
func (p *UnsubACK) Encode() ([]byte, error) {
	return frame(TypeUnsubACK, 0, idBody(p.PacketIdentifier)), nil
}

// Encode serializes the packet.
func (*PingREQ) Encode() ([]byte, error) { return frame(TypePingREQ, 0, nil), nil }

// Encode serializes the packet.
func (*PingRESP) Encode() ([]byte, error) { return frame(TypePingRESP, 0, nil), nil }

// Encode serializes the packet.
func (*Disconnect) Encode() ([]byte, error) { return frame(TypeDisconnect, 0, nil), nil }
