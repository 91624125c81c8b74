// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mqtt

import (
	"strings"

	"github.com/absmach/wampd/pkg/parser"
)

// decodeFunc decodes the body of one packet. flags is the low nibble of the
// fixed header.
type decodeFunc func(flags byte, r *Reader) (Packet, error)

// serverDecoders decodes the packets a client sends.
var serverDecoders = [16]decodeFunc{
	TypeConnect:     decodeConnect,
	TypePublish:     decodePublish,
	TypePubACK:      decodePubACK,
	TypePubREC:      decodePubREC,
	TypePubREL:      decodePubREL,
	TypePubCOMP:     decodePubCOMP,
	TypeSubscribe:   decodeSubscribe,
	TypeUnsubscribe: decodeUnsubscribe,
	TypePingREQ:     decodePingREQ,
	TypeDisconnect:  decodeDisconnect,
}

// clientDecoders decodes the packets a server sends.
var clientDecoders = [16]decodeFunc{
	TypeConnACK:  decodeConnACK,
	TypePublish:  decodePublish,
	TypePubACK:   decodePubACK,
	TypePubREC:   decodePubREC,
	TypePubREL:   decodePubREL,
	TypePubCOMP:  decodePubCOMP,
	TypeSubACK:   decodeSubACK,
	TypeUnsubACK: decodeUnsubACK,
	TypePingRESP: decodePingRESP,
}

func decodersFor(role parser.Role) *[16]decodeFunc {
	if role == parser.Client {
		return &clientDecoders
	}
	return &serverDecoders
}

// requiredFlags is the fixed-header flag nibble every type except Publish
// must carry.
var requiredFlags = [16]byte{
	TypePubREL:      0x02,
	TypeSubscribe:   0x02,
	TypeUnsubscribe: 0x02,
}

func checkFlags(t PacketType, flags byte) error {
	if flags != requiredFlags[t] {
		return failf("Bad header flags %#x for %s", flags, t)
	}
	return nil
}

func decodeConnect(flags byte, r *Reader) (Packet, error) {
	if err := checkFlags(TypeConnect, flags); err != nil {
		return nil, err
	}
	name, err := ReadString(r)
	if err != nil {
		return nil, err
	}
	if name != "MQTT" {
		return nil, failf("Bad protocol name %q", name)
	}
	level, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if level != 4 {
		return nil, failf("Bad protocol level %d", level)
	}
	fb, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	cf := parseConnectFlags(fb)
	switch {
	case cf.WillQoS == 3:
		return nil, failf("Invalid Will QoS 3 in Connect")
	case !cf.Will && (cf.WillQoS != 0 || cf.WillRetain):
		return nil, failf("Will QoS or Will Retain set without Will flag")
	case cf.Password && !cf.Username:
		return nil, failf("Password flag set without Username flag")
	}

	p := &Connect{Flags: cf}
	if p.KeepAlive, err = r.ReadUint16(); err != nil {
		return nil, err
	}
	if p.ClientID, err = ReadString(r); err != nil {
		return nil, err
	}
	if cf.Will {
		topic, err := ReadString(r)
		if err != nil {
			return nil, err
		}
		p.WillTopic = &topic
		if p.WillMessage, err = ReadPrefixedBytes(r); err != nil {
			return nil, err
		}
	}
	if cf.Username {
		user, err := ReadString(r)
		if err != nil {
			return nil, err
		}
		p.Username = &user
	}
	if cf.Password {
		if p.Password, err = ReadPrefixedBytes(r); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func decodeConnACK(flags byte, r *Reader) (Packet, error) {
	if err := checkFlags(TypeConnACK, flags); err != nil {
		return nil, err
	}
	ack, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if ack&0xFE != 0 {
		return nil, failf("Reserved acknowledge flags set in ConnACK")
	}
	code, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	return &ConnACK{SessionPresent: ack&0x01 != 0, ReturnCode: code}, nil
}

func decodePublish(flags byte, r *Reader) (Packet, error) {
	p := &Publish{
		Duplicate: flags&0x08 != 0,
		QoSLevel:  (flags >> 1) & 0x03,
		Retain:    flags&0x01 != 0,
	}
	if p.QoSLevel == 3 {
		return nil, failf("Invalid QoS 3 in Publish")
	}
	if p.QoSLevel == 0 && p.Duplicate {
		return nil, failf("Duplicate flag set on QoS 0 Publish")
	}
	var err error
	if p.TopicName, err = ReadString(r); err != nil {
		return nil, err
	}
	if strings.ContainsAny(p.TopicName, "+#") {
		return nil, failf("Wildcard in Publish topic %q", p.TopicName)
	}
	if p.QoSLevel > 0 {
		if p.PacketIdentifier, err = readPacketID(r); err != nil {
			return nil, err
		}
	}
	p.Payload = r.ReadRest()
	return p, nil
}

func readPacketID(r *Reader) (uint16, error) {
	id, err := r.ReadUint16()
	if err != nil {
		return 0, err
	}
	if id == 0 {
		return 0, failf("Packet identifier of 0")
	}
	return id, nil
}

func decodeID(t PacketType, flags byte, r *Reader) (uint16, error) {
	if err := checkFlags(t, flags); err != nil {
		return 0, err
	}
	return readPacketID(r)
}

func decodePubACK(flags byte, r *Reader) (Packet, error) {
	id, err := decodeID(TypePubACK, flags, r)
	if err != nil {
		return nil, err
	}
	return &PubACK{PacketIdentifier: id}, nil
}

func decodePubREC(flags byte, r *Reader) (Packet, error) {
	id, err := decodeID(TypePubREC, flags, r)
	if err != nil {
		return nil, err
	}
	return &PubREC{PacketIdentifier: id}, nil
}

func decodePubREL(flags byte, r *Reader) (Packet, error) {
	id, err := decodeID(TypePubREL, flags, r)
	if err != nil {
		return nil, err
	}
	return &PubREL{PacketIdentifier: id}, nil
}

func decodePubCOMP(flags byte, r *Reader) (Packet, error) {
	id, err := decodeID(TypePubCOMP, flags, r)
	if err != nil {
		return nil, err
	}
	return &PubCOMP{PacketIdentifier: id}, nil
}

func decodeUnsubACK(flags byte, r *Reader) (Packet, error) {
	id, err := decodeID(TypeUnsubACK, flags, r)
	if err != nil {
		return nil, err
	}
	return &UnsubACK{PacketIdentifier: id}, nil
}

func decodeSubscribe(flags byte, r *Reader) (Packet, error) {
	id, err := decodeID(TypeSubscribe, flags, r)
	if err != nil {
		return nil, err
	}
	p := &Subscribe{PacketIdentifier: id}
	for r.Len() > 0 {
		filter, err := ReadString(r)
		if err != nil {
			return nil, err
		}
		qos, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if qos > 2 {
			return nil, failf("Bad requested QoS %#x in Subscribe", qos)
		}
		p.TopicRequests = append(p.TopicRequests, SubscriptionTopicRequest{TopicFilter: filter, MaxQoS: qos})
	}
	if len(p.TopicRequests) == 0 {
		return nil, failf("Subscribe with no topic filters")
	}
	return p, nil
}

func decodeSubACK(flags byte, r *Reader) (Packet, error) {
	id, err := decodeID(TypeSubACK, flags, r)
	if err != nil {
		return nil, err
	}
	granted := r.ReadRest()
	for _, g := range granted {
		if g > 2 && g != SubscribeFailure {
			return nil, failf("Bad granted QoS %#x in SubACK", g)
		}
	}
	return &SubACK{PacketIdentifier: id, GrantedQoS: granted}, nil
}

func decodeUnsubscribe(flags byte, r *Reader) (Packet, error) {
	id, err := decodeID(TypeUnsubscribe, flags, r)
	if err != nil {
		return nil, err
	}
	p := &Unsubscribe{PacketIdentifier: id}
	for r.Len() > 0 {
		topic, err := ReadString(r)
		if err != nil {
			return nil, err
		}
		p.Topics = append(p.Topics, topic)
	}
	if len(p.Topics) == 0 {
		return nil, failf("Unsubscribe with no topic filters")
	}
	return p, nil
}

func decodePingREQ(flags byte, _ *Reader) (Packet, error) {
	if err := checkFlags(TypePingREQ, flags); err != nil {
		return nil, err
	}
	return &PingREQ{}, nil
}

func decodePingRESP(flags byte, _ *Reader) (Packet, error) {
	if err := checkFlags(TypePingRESP, flags); err != nil {
		return nil, err
	}
	return &PingRESP{}, nil
}

func decodeDisconnect(flags byte, _ *Reader) (Packet, error) {
	if err := checkFlags(TypeDisconnect, flags); err != nil {
		return nil, err
	}
	return &Disconnect{}, nil
}
