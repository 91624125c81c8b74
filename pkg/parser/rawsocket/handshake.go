// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package rawsocket

import (
	"fmt"

	"github.com/absmach/wampd/pkg/errors"
)

// Magic opens every handshake.
const Magic = 0x7F

// Message length exponents a peer may announce.
const (
	MinLengthExp     = 9
	MaxLengthExp     = 24
	DefaultLengthExp = 24
)

// HandshakeError is the error code a server replies with.
type HandshakeError byte

const (
	ErrSerializerUnsupported HandshakeError = 1
	ErrMaxLengthUnacceptable HandshakeError = 2
	ErrReservedBitsUsed      HandshakeError = 3
	ErrMaxConnectionCount    HandshakeError = 4
)

func (e HandshakeError) Error() string {
	switch e {
	case ErrSerializerUnsupported:
		return "serializer unsupported"
	case ErrMaxLengthUnacceptable:
		return "maximum message length unacceptable"
	case ErrReservedBitsUsed:
		return "use of reserved bits"
	case ErrMaxConnectionCount:
		return "maximum connection count reached"
	default:
		return fmt.Sprintf("handshake error %d", byte(e))
	}
}

// Handshake is one side's opening.
type Handshake struct {
	// LengthExp is the base two logarithm of the largest message the
	// sender accepts.
	LengthExp  int
	Serializer byte
}

// MaxLength is the largest message the sender accepts.
func (h Handshake) MaxLength() int {
	return 1 << h.LengthExp
}

// Encode returns the four handshake octets.
func (h Handshake) Encode() [4]byte {
	exp := h.LengthExp
	if exp < MinLengthExp {
		exp = MinLengthExp
	}
	if exp > MaxLengthExp {
		exp = MaxLengthExp
	}
	return [4]byte{Magic, byte(exp-MinLengthExp)<<4 | h.Serializer&0x0F, 0, 0}
}

// EncodeError returns the handshake reply refusing the connection.
func EncodeError(e HandshakeError) [4]byte {
	return [4]byte{Magic, byte(e) << 4, 0, 0}
}

// DecodeHandshake parses a handshake. A reply carrying an error code
// yields that HandshakeError.
func DecodeHandshake(b [4]byte) (Handshake, error) {
	if b[0] != Magic {
		return Handshake{}, fmt.Errorf("rawsocket handshake starts with %#x: %w", b[0], errors.ErrProtocolViolation)
	}
	if b[2] != 0 || b[3] != 0 {
		return Handshake{}, ErrReservedBitsUsed
	}
	ser := b[1] & 0x0F
	if ser == 0 {
		return Handshake{}, HandshakeError(b[1] >> 4)
	}
	return Handshake{LengthExp: int(b[1]>>4) + MinLengthExp, Serializer: ser}, nil
}
