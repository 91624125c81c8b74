// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package serializer negotiates the WAMP message serialization of a
// connection and converts messages to and from their wire form.
package serializer

import (
	"fmt"

	"github.com/absmach/wampd/pkg/errors"
	"github.com/gammazero/nexus/v3/transport/serialize"
	"github.com/gammazero/nexus/v3/wamp"
)

// Serializer encodes WAMP messages in one serialization format.
type Serializer struct {
	// Name is json, msgpack or cbor.
	Name string
	// RawSocketID is the serializer number used in the RawSocket handshake.
	RawSocketID byte
	// Subprotocol is the WebSocket subprotocol announcing this format.
	Subprotocol string
	// Binary reports whether WebSocket frames must be binary.
	Binary bool

	codec serialize.Serializer
}

// Encode serializes msg.
func (s Serializer) Encode(msg wamp.Message) ([]byte, error) {
	b, err := s.codec.Serialize(msg)
	if err != nil {
		return nil, fmt.Errorf("%s encode %s: %w", s.Name, msg.MessageType(), err)
	}
	return b, nil
}

// Decode deserializes one message.
func (s Serializer) Decode(b []byte) (wamp.Message, error) {
	msg, err := s.codec.Deserialize(b)
	if err != nil {
		return nil, fmt.Errorf("%s decode: %v: %w", s.Name, err, errors.ErrProtocolViolation)
	}
	return msg, nil
}

func (s Serializer) String() string {
	return s.Name
}

var (
	JSON = Serializer{
		Name:        "json",
		RawSocketID: 1,
		Subprotocol: "wamp.2.json",
		codec:       &serialize.JSONSerializer{},
	}
	MsgPack = Serializer{
		Name:        "msgpack",
		RawSocketID: 2,
		Subprotocol: "wamp.2.msgpack",
		Binary:      true,
		codec:       &serialize.MessagePackSerializer{},
	}
	CBOR = Serializer{
		Name:        "cbor",
		RawSocketID: 3,
		Subprotocol: "wamp.2.cbor",
		Binary:      true,
		codec:       &serialize.CBORSerializer{},
	}
)

// All lists the supported serializers in order of preference.
var All = []Serializer{CBOR, MsgPack, JSON}

// ByName returns the serializer called name.
func ByName(name string) (Serializer, error) {
	for _, s := range All {
		if s.Name == name {
			return s, nil
		}
	}
	return Serializer{}, fmt.Errorf("unknown serializer %q: %w", name, errors.ErrInvalidInput)
}

// Resolve turns a list of serializer names into serializers. An empty list
// selects all of them.
func Resolve(names []string) ([]Serializer, error) {
	if len(names) == 0 {
		return All, nil
	}
	out := make([]Serializer, 0, len(names))
	for _, n := range names {
		s, err := ByName(n)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// ByRawSocketID finds the serializer for a RawSocket handshake number among
// allowed.
func ByRawSocketID(allowed []Serializer, id byte) (Serializer, bool) {
	for _, s := range allowed {
		if s.RawSocketID == id {
			return s, true
		}
	}
	return Serializer{}, false
}

// BySubprotocol finds the serializer for a WebSocket subprotocol among
// allowed.
func BySubprotocol(allowed []Serializer, sp string) (Serializer, bool) {
	for _, s := range allowed {
		if s.Subprotocol == sp {
			return s, true
		}
	}
	return Serializer{}, false
}

// Subprotocols returns the WebSocket subprotocols of ss.
func Subprotocols(ss []Serializer) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = s.Subprotocol
	}
	return out
}
