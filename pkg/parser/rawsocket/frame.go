// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package rawsocket

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/absmach/wampd/pkg/errors"
)

// FrameType tags a frame.
type FrameType byte

const (
	FrameRegular FrameType = 0
	FramePing    FrameType = 1
	FramePong    FrameType = 2
)

const (
	headerSize = 4
	// maxFrameLength is the largest length the 24-bit header can carry.
	maxFrameLength = 1<<24 - 1
)

// ReadFrame reads one frame. Frames longer than limit are refused.
func ReadFrame(r io.Reader, limit int) (FrameType, []byte, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	typ := FrameType(hdr[0])
	if typ > FramePong {
		return 0, nil, fmt.Errorf("unknown rawsocket frame type %d: %w", hdr[0], errors.ErrProtocolViolation)
	}
	n := int(hdr[1])<<16 | int(binary.BigEndian.Uint16(hdr[2:]))
	if n > limit {
		return 0, nil, fmt.Errorf("rawsocket frame of %d octets exceeds %d: %w", n, limit, errors.ErrSizeLimitExceeded)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return typ, payload, nil
}

// AppendFrame appends the frame header and payload to dst.
func AppendFrame(dst []byte, typ FrameType, payload []byte) ([]byte, error) {
	if len(payload) > maxFrameLength {
		return dst, fmt.Errorf("rawsocket frame of %d octets: %w", len(payload), errors.ErrSizeLimitExceeded)
	}
	n := len(payload)
	dst = append(dst, byte(typ), byte(n>>16), byte(n>>8), byte(n))
	return append(dst, payload...), nil
}
