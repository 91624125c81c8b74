// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mqtt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"
)

// ErrShortBuffer signals that the buffered data ends before the value being
// read. It is not fatal: the caller keeps the data and retries once more
// bytes arrive.
var ErrShortBuffer = errors.New("insufficient buffered bytes")

// maxRemainingLengthBytes is the longest remaining-length encoding the
// protocol allows.
const maxRemainingLengthBytes = 4

// ParseFailure is a fatal decode error. The connection it occurred on must
// be closed.
type ParseFailure struct {
	Reason string
	// PacketType is set for packets received in the wrong role.
	PacketType PacketType
}

func (e *ParseFailure) Error() string {
	return e.Reason
}

func failf(format string, args ...any) error {
	return &ParseFailure{Reason: fmt.Sprintf(format, args...)}
}

// Reader reads MQTT primitives from a byte slice.
//
// A Reader over a complete packet body is bounded: running out of bytes
// means a length field is inconsistent with the packet bounds, which is
// fatal. An unbounded Reader reports ErrShortBuffer instead.
type Reader struct {
	buf     []byte
	pos     int
	bounded bool
}

// NewReader returns an unbounded reader over partially buffered data.
func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

// NewPacketReader returns a bounded reader over a complete packet body.
func NewPacketReader(body []byte) *Reader {
	return &Reader{buf: body, bounded: true}
}

// Len returns the number of unread bytes.
func (r *Reader) Len() int {
	return len(r.buf) - r.pos
}

func (r *Reader) short(what string, need int) error {
	if r.bounded {
		return failf("Truncated %s: need %d bytes, %d remain in packet", what, need, r.Len())
	}
	return ErrShortBuffer
}

// ReadByte reads a single byte.
func (r *Reader) ReadByte() (byte, error) {
	if r.Len() < 1 {
		return 0, r.short("byte", 1)
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

// ReadUint16 reads a big-endian 16-bit integer.
func (r *Reader) ReadUint16() (uint16, error) {
	if r.Len() < 2 {
		return 0, r.short("uint16", 2)
	}
	v := binary.BigEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v, nil
}

// ReadN reads n bytes. The returned slice is a copy.
func (r *Reader) ReadN(n int) ([]byte, error) {
	if r.Len() < n {
		return nil, r.short("field", n)
	}
	b := bytes.Clone(r.buf[r.pos : r.pos+n])
	if b == nil {
		b = []byte{}
	}
	r.pos += n
	return b, nil
}

// ReadRest reads every unread byte.
func (r *Reader) ReadRest() []byte {
	b, _ := r.ReadN(r.Len())
	return b
}

// ReadPrefixedBytes reads a 16-bit length prefix followed by that many bytes.
func ReadPrefixedBytes(r *Reader) ([]byte, error) {
	n, err := r.ReadUint16()
	if err != nil {
		return nil, err
	}
	return r.ReadN(int(n))
}

// ReadString reads a length-prefixed UTF-8 string. MQTT forbids encoded
// surrogates and U+0000; the sequence EF BB BF is U+FEFF and is kept.
func ReadString(r *Reader) (string, error) {
	b, err := ReadPrefixedBytes(r)
	if err != nil {
		return "", err
	}
	if err := validateString(b); err != nil {
		return "", err
	}
	return string(b), nil
}

func validateString(b []byte) error {
	for i := 0; i+1 < len(b); i++ {
		// U+D800..U+DFFF encode as ED A0..BF xx.
		if b[i] == 0xED && b[i+1] >= 0xA0 && b[i+1] <= 0xBF {
			return &ParseFailure{Reason: "Invalid UTF-8 string (contains surrogates)"}
		}
	}
	if !utf8.Valid(b) {
		return &ParseFailure{Reason: "Invalid UTF-8 string"}
	}
	if bytes.IndexByte(b, 0) >= 0 {
		return &ParseFailure{Reason: "Invalid UTF-8 string (contains nulls)"}
	}
	return nil
}

// WritePrefixedBytes prepends a 16-bit big-endian length to b.
func WritePrefixedBytes(b []byte) ([]byte, error) {
	if len(b) > 0xFFFF {
		return nil, fmt.Errorf("field of %d bytes exceeds 65535", len(b))
	}
	out := make([]byte, 2, 2+len(b))
	binary.BigEndian.PutUint16(out, uint16(len(b)))
	return append(out, b...), nil
}

// WriteString encodes s as a length-prefixed UTF-8 string.
func WriteString(s string) ([]byte, error) {
	return WritePrefixedBytes([]byte(s))
}

// EncodeRemainingLength encodes n using the variable-length scheme: seven
// bits per byte, continuation bit set on all but the last. Zero encodes as a
// single byte.
func EncodeRemainingLength(n int) []byte {
	var out []byte
	for {
		b := byte(n % 128)
		n /= 128
		if n > 0 {
			b |= 0x80
		}
		out = append(out, b)
		if n == 0 {
			return out
		}
	}
}

// DecodeRemainingLength decodes a remaining-length field from the start of
// b. It returns ErrShortBuffer when b ends mid-field and a ParseFailure when
// the field is longer than four bytes.
func DecodeRemainingLength(b []byte) (value, consumed int, err error) {
	mult := 1
	for i := 0; i < maxRemainingLengthBytes; i++ {
		if i >= len(b) {
			return 0, 0, ErrShortBuffer
		}
		value += int(b[i]&0x7F) * mult
		if b[i]&0x80 == 0 {
			return value, i + 1, nil
		}
		mult *= 128
	}
	return 0, 0, &ParseFailure{Reason: "Too big packet size"}
}

// WritePacketHeader packs the fixed header: packet type in the high nibble,
// flags in the low nibble, then the encoded remaining length.
func WritePacketHeader(packetType PacketType, flags byte, length int) []byte {
	out := []byte{byte(packetType)<<4 | flags&0x0F}
	return append(out, EncodeRemainingLength(length)...)
}
