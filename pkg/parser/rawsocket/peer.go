// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package rawsocket

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/absmach/wampd/pkg/errors"
	"github.com/absmach/wampd/pkg/parser/serializer"
	"github.com/absmach/wampd/pkg/protocol"
	"github.com/gammazero/nexus/v3/wamp"
)

const defaultHandshakeTimeout = 10 * time.Second

// Peer is a WAMP connection over RawSocket.
type Peer struct {
	conn    net.Conn
	r       *bufio.Reader
	ser     serializer.Serializer
	details *protocol.Details
	// inLimit is what we accept, outLimit what the other side accepts.
	inLimit  int
	outLimit int

	wmu sync.Mutex
	buf []byte

	closeOnce sync.Once
}

var _ protocol.Peer = (*Peer)(nil)

// ServerConfig configures the accepting side.
type ServerConfig struct {
	Serializers []serializer.Serializer
	// LengthExp is the limit announced to clients, DefaultLengthExp when 0.
	LengthExp        int
	HandshakeTimeout time.Duration
}

// ClientConfig configures the connecting side.
type ClientConfig struct {
	Serializer       serializer.Serializer
	LengthExp        int
	HandshakeTimeout time.Duration
}

func newPeer(conn net.Conn, r *bufio.Reader, ser serializer.Serializer, in, out int) *Peer {
	d := &protocol.Details{
		Type:       protocol.TransportRawSocket,
		Peer:       peerName(conn),
		Serializer: ser.Name,
	}
	if conn.RemoteAddr() != nil && conn.RemoteAddr().Network() == "unix" {
		d.UnixSocket = true
	}
	if tc, ok := conn.(*tls.Conn); ok {
		d.IsSecure = true
		state := tc.ConnectionState()
		if len(state.PeerCertificates) > 0 {
			d.ClientCert = state.PeerCertificates[0]
		}
		d.ChannelID = state.TLSUnique
	}
	return &Peer{conn: conn, r: r, ser: ser, details: d, inLimit: in, outLimit: out}
}

func peerName(conn net.Conn) string {
	addr := conn.RemoteAddr()
	if addr == nil {
		return "unknown"
	}
	switch a := addr.(type) {
	case *net.TCPAddr:
		if a.IP.To4() != nil {
			return "tcp4:" + a.String()
		}
		return "tcp6:" + a.String()
	case *net.UnixAddr:
		return "unix:" + a.Name
	}
	return addr.Network() + ":" + addr.String()
}

func lengthExp(exp int) int {
	if exp == 0 {
		return DefaultLengthExp
	}
	return min(max(exp, MinLengthExp), MaxLengthExp)
}

// Accept runs the server side of the handshake on conn.
func Accept(ctx context.Context, conn net.Conn, cfg ServerConfig) (*Peer, error) {
	if len(cfg.Serializers) == 0 {
		cfg.Serializers = serializer.All
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if tc, ok := conn.(*tls.Conn); ok {
		if err := tc.HandshakeContext(ctx); err != nil {
			return nil, fmt.Errorf("TLS handshake failed: %w", err)
		}
	}
	conn.SetDeadline(time.Now().Add(cfg.HandshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	r := bufio.NewReader(conn)
	var hs [4]byte
	if _, err := io.ReadFull(r, hs[:]); err != nil {
		return nil, fmt.Errorf("reading rawsocket handshake: %w", err)
	}
	client, err := DecodeHandshake(hs)
	if err != nil {
		var he HandshakeError
		if errors.As(err, &he) {
			reply := EncodeError(he)
			conn.Write(reply[:])
		}
		return nil, err
	}
	ser, ok := serializer.ByRawSocketID(cfg.Serializers, client.Serializer)
	if !ok {
		reply := EncodeError(ErrSerializerUnsupported)
		conn.Write(reply[:])
		return nil, fmt.Errorf("rawsocket serializer %d: %w", client.Serializer, ErrSerializerUnsupported)
	}
	own := Handshake{LengthExp: lengthExp(cfg.LengthExp), Serializer: ser.RawSocketID}
	reply := own.Encode()
	if _, err := conn.Write(reply[:]); err != nil {
		return nil, err
	}
	return newPeer(conn, r, ser, own.MaxLength(), client.MaxLength()), nil
}

// Connect runs the client side of the handshake on conn.
func Connect(ctx context.Context, conn net.Conn, cfg ClientConfig) (*Peer, error) {
	if cfg.Serializer.Name == "" {
		cfg.Serializer = serializer.JSON
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	deadline := time.Now().Add(cfg.HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)
	defer conn.SetDeadline(time.Time{})

	own := Handshake{LengthExp: lengthExp(cfg.LengthExp), Serializer: cfg.Serializer.RawSocketID}
	hs := own.Encode()
	if _, err := conn.Write(hs[:]); err != nil {
		return nil, err
	}
	r := bufio.NewReader(conn)
	var reply [4]byte
	if _, err := io.ReadFull(r, reply[:]); err != nil {
		return nil, fmt.Errorf("reading rawsocket handshake reply: %w", err)
	}
	server, err := DecodeHandshake(reply)
	if err != nil {
		return nil, fmt.Errorf("rawsocket handshake refused: %w", err)
	}
	if server.Serializer != cfg.Serializer.RawSocketID {
		return nil, fmt.Errorf("router answered with serializer %d: %w", server.Serializer, errors.ErrProtocolViolation)
	}
	return newPeer(conn, r, cfg.Serializer, own.MaxLength(), server.MaxLength()), nil
}

// Dial connects to a RawSocket listener on network ("tcp" or "unix").
func Dial(ctx context.Context, network, address string, tlsConfig *tls.Config, cfg ClientConfig) (*Peer, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	if tlsConfig != nil {
		conn = tls.Client(conn, tlsConfig)
	}
	p, err := Connect(ctx, conn, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return p, nil
}

// Send serializes and writes msg.
func (p *Peer) Send(msg wamp.Message) error {
	b, err := p.ser.Encode(msg)
	if err != nil {
		return err
	}
	if len(b) > p.outLimit {
		return fmt.Errorf("%s of %d octets exceeds peer limit %d: %w", msg.MessageType(), len(b), p.outLimit, errors.ErrSizeLimitExceeded)
	}
	return p.write(FrameRegular, b)
}

func (p *Peer) write(typ FrameType, payload []byte) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	var err error
	p.buf, err = AppendFrame(p.buf[:0], typ, payload)
	if err != nil {
		return err
	}
	_, err = p.conn.Write(p.buf)
	return err
}

// Ping sends a ping frame.
func (p *Peer) Ping(payload []byte) error {
	return p.write(FramePing, payload)
}

// Recv returns the next message, answering pings on the way.
func (p *Peer) Recv(ctx context.Context) (wamp.Message, error) {
	stop := context.AfterFunc(ctx, func() { p.conn.SetReadDeadline(time.Now()) })
	defer stop()
	for {
		typ, payload, err := ReadFrame(p.r, p.inLimit)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		switch typ {
		case FramePing:
			if err := p.write(FramePong, payload); err != nil {
				return nil, err
			}
		case FramePong:
		default:
			return p.ser.Decode(payload)
		}
	}
}

// Close closes the connection.
func (p *Peer) Close() error {
	var err error
	p.closeOnce.Do(func() { err = p.conn.Close() })
	return err
}

// Details describes the connection.
func (p *Peer) Details() *protocol.Details {
	return p.details
}

// ServeFunc runs a WAMP session over an accepted peer.
type ServeFunc func(ctx context.Context, peer protocol.Peer) error

// Handler accepts RawSocket connections for a stream listener.
type Handler struct {
	Config ServerConfig
	Serve  ServeFunc
}

// ServeConn runs the handshake and hands the peer to h.Serve.
func (h *Handler) ServeConn(ctx context.Context, conn net.Conn) error {
	p, err := Accept(ctx, conn, h.Config)
	if err != nil {
		conn.Close()
		return err
	}
	defer p.Close()
	return h.Serve(ctx, p)
}

// RejectConn answers a refused client with the connection count error.
func (h *Handler) RejectConn(conn net.Conn) {
	conn.SetDeadline(time.Now().Add(time.Second))
	var hs [4]byte
	if _, err := io.ReadFull(conn, hs[:]); err != nil {
		return
	}
	reply := EncodeError(ErrMaxConnectionCount)
	conn.Write(reply[:])
}
