// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mqtt

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/absmach/wampd/pkg/parser"
)

// DefaultMaxPacketSize is the largest remaining length accepted when no
// limit is configured.
const DefaultMaxPacketSize = 1 << 20

// State is the connection-level parser state.
type State int

const (
	// StateAwaitingConnect is the initial state.
	StateAwaitingConnect State = iota
	// StateConnected follows a valid Connect (or ConnACK for clients).
	StateConnected
	// StateProtocolViolation is terminal. No further input is decoded.
	StateProtocolViolation
)

func (s State) String() string {
	switch s {
	case StateAwaitingConnect:
		return "awaiting_connect"
	case StateConnected:
		return "connected"
	case StateProtocolViolation:
		return "protocol_violation"
	default:
		return "unknown"
	}
}

// Option configures a Parser.
type Option func(*Parser)

// WithMaxPacketSize limits the declared remaining length of a packet.
func WithMaxPacketSize(n int) Option {
	return func(p *Parser) {
		if n > 0 {
			p.maxPacketSize = n
		}
	}
}

// WithLogger sets the logger used for non-fatal diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(p *Parser) {
		if l != nil {
			p.logger = l
		}
	}
}

// Parser is an incremental MQTT 3.1.1 stream parser. It is not safe for
// concurrent use; each connection owns one.
type Parser struct {
	role          parser.Role
	decoders      *[16]decodeFunc
	state         State
	buf           []byte
	maxPacketSize int
	logger        *slog.Logger
}

var _ parser.StreamParser[Event] = (*Parser)(nil)

// NewParser returns a parser decoding packets for the given role.
func NewParser(role parser.Role, opts ...Option) *Parser {
	p := &Parser{
		role:          role,
		decoders:      decodersFor(role),
		maxPacketSize: DefaultMaxPacketSize,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// State returns the current parser state.
func (p *Parser) State() State {
	return p.state
}

// Buffered returns the number of bytes held waiting for a complete packet.
func (p *Parser) Buffered() int {
	return len(p.buf)
}

// DataReceived appends chunk to the buffer and returns every event that can
// be decoded from it. A Failure is always the final event and puts the
// parser in StateProtocolViolation, after which input is discarded.
func (p *Parser) DataReceived(chunk []byte) []Event {
	if p.state == StateProtocolViolation {
		return nil
	}
	p.buf = append(p.buf, chunk...)

	var events []Event
	for len(p.buf) > 1 {
		length, n, err := DecodeRemainingLength(p.buf[1:])
		if errors.Is(err, ErrShortBuffer) {
			break
		}
		if err != nil {
			return append(events, p.violation(err))
		}
		if length > p.maxPacketSize {
			return append(events, p.violation(&ParseFailure{Reason: "Too big packet size"}))
		}
		total := 1 + n + length
		if len(p.buf) < total {
			break
		}

		header := p.buf[0]
		pkt, err := p.decode(PacketType(header>>4), header&0x0F, p.buf[1+n:total])
		p.buf = p.buf[total:]
		if err != nil {
			return append(events, p.violation(err))
		}
		if err := p.advance(pkt); err != nil {
			return append(events, p.violation(err))
		}
		events = append(events, pkt)
	}
	if len(p.buf) == 0 {
		p.buf = nil
	}
	return events
}

func (p *Parser) decode(t PacketType, flags byte, body []byte) (Packet, error) {
	if t == TypeReserved || t == TypeReserved15 {
		return nil, failf("Reserved packet type %d", t)
	}
	decode := p.decoders[t]
	if decode == nil {
		return nil, &ParseFailure{
			Reason:     fmt.Sprintf("Unimplemented packet type %s for %s", t, p.role),
			PacketType: t,
		}
	}
	r := NewPacketReader(body)
	pkt, err := decode(flags, r)
	if err != nil {
		return nil, err
	}
	if r.Len() > 0 {
		// Some clients pad Connect with garbage. Tolerated for Connect only.
		if t != TypeConnect {
			return nil, failf("%d trailing bytes in %s", r.Len(), t)
		}
		p.logger.Warn("ignoring trailing bytes after Connect",
			slog.Int("bytes", r.Len()))
	}
	return pkt, nil
}

// advance enforces packet ordering: the opening packet (Connect for a
// server, ConnACK for a client) must come first and exactly once.
func (p *Parser) advance(pkt Packet) error {
	opening := TypeConnect
	if p.role == parser.Client {
		opening = TypeConnACK
	}
	switch {
	case p.state == StateAwaitingConnect && pkt.Type() != opening:
		return failf("%s packet was not first", opening)
	case p.state == StateConnected && pkt.Type() == opening:
		return failf("Multiple %s packets", opening)
	}
	if c, ok := pkt.(*Connect); ok && c.Flags.Reserved {
		return failf("Bad flags in Connect")
	}
	p.state = StateConnected
	return nil
}

func (p *Parser) violation(err error) Event {
	p.state = StateProtocolViolation
	p.buf = nil
	var pf *ParseFailure
	if errors.As(err, &pf) {
		return Failure{Reason: pf.Reason, PacketType: pf.PacketType}
	}
	return Failure{Reason: fmt.Sprintf("Parse error: %v", err)}
}
