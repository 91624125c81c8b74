// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/absmach/wampd/pkg/errors"
	"github.com/absmach/wampd/pkg/parser/serializer"
	"github.com/absmach/wampd/pkg/protocol"
	"github.com/gammazero/nexus/v3/wamp"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// DefaultCookieName is the tracking cookie.
const DefaultCookieName = "cbtid"

const (
	defaultCookieMaxAge     = 24 * time.Hour
	defaultHandshakeTimeout = 10 * time.Second
	closeWait               = time.Second
)

// Peer is a WAMP connection over WebSocket.
type Peer struct {
	conn    *websocket.Conn
	ser     serializer.Serializer
	details *protocol.Details
	frame   int

	wmu       sync.Mutex
	closeOnce sync.Once
}

var _ protocol.Peer = (*Peer)(nil)

func newPeer(conn *websocket.Conn, ser serializer.Serializer, details *protocol.Details) *Peer {
	frame := websocket.TextMessage
	if ser.Binary {
		frame = websocket.BinaryMessage
	}
	details.Type = protocol.TransportWebSocket
	details.Serializer = ser.Name
	return &Peer{conn: conn, ser: ser, details: details, frame: frame}
}

// Send serializes msg into one WebSocket message.
func (p *Peer) Send(msg wamp.Message) error {
	b, err := p.ser.Encode(msg)
	if err != nil {
		return err
	}
	p.wmu.Lock()
	defer p.wmu.Unlock()
	return p.conn.WriteMessage(p.frame, b)
}

// Recv returns the next message.
func (p *Peer) Recv(ctx context.Context) (wamp.Message, error) {
	stop := context.AfterFunc(ctx, func() { p.conn.SetReadDeadline(time.Now()) })
	defer stop()
	_, b, err := p.conn.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, errors.ErrConnectionClosed
		}
		return nil, err
	}
	return p.ser.Decode(b)
}

// Close sends a close frame and closes the connection.
func (p *Peer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.wmu.Lock()
		p.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeWait))
		p.wmu.Unlock()
		err = p.conn.Close()
	})
	return err
}

// Details describes the connection.
func (p *Peer) Details() *protocol.Details {
	return p.details
}

// CookieConfig enables cookie tracking.
type CookieConfig struct {
	Enabled bool          `yaml:"enabled"`
	Name    string        `yaml:"name"`
	MaxAge  time.Duration `yaml:"max_age"`
	Secure  bool          `yaml:"secure"`
}

// ServerConfig configures a WAMP WebSocket endpoint.
type ServerConfig struct {
	Serializers []serializer.Serializer
	Cookie      CookieConfig
	// CheckOrigin defaults to the same origin policy of gorilla/websocket.
	CheckOrigin func(*http.Request) bool
	// ReadLimit bounds inbound messages. Zero means no limit.
	ReadLimit int64
	Logger    *slog.Logger
}

// ServeFunc runs a WAMP session over peer until the connection ends.
type ServeFunc func(ctx context.Context, peer protocol.Peer) error

// Server upgrades HTTP requests to WAMP sessions.
type Server struct {
	cfg      ServerConfig
	upgrader websocket.Upgrader
	serve    ServeFunc
	logger   *slog.Logger
}

var _ http.Handler = (*Server)(nil)

// NewServer creates a WebSocket endpoint handing peers to serve.
func NewServer(cfg ServerConfig, serve ServeFunc) *Server {
	if len(cfg.Serializers) == 0 {
		cfg.Serializers = serializer.All
	}
	if cfg.Cookie.Name == "" {
		cfg.Cookie.Name = DefaultCookieName
	}
	if cfg.Cookie.MaxAge == 0 {
		cfg.Cookie.MaxAge = defaultCookieMaxAge
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			Subprotocols: serializer.Subprotocols(cfg.Serializers),
			CheckOrigin:  cfg.CheckOrigin,
		},
		serve:  serve,
		logger: cfg.Logger,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "this endpoint speaks WAMP over WebSocket", http.StatusUpgradeRequired)
		return
	}
	header := http.Header{}
	cookieID := s.trackingCookie(r, header)

	ws, err := s.upgrader.Upgrade(w, r, header)
	if err != nil {
		s.logger.Warn("failed to upgrade WAMP WebSocket connection",
			slog.String("remote", r.RemoteAddr),
			slog.String("error", err.Error()))
		return
	}
	ser, ok := serializer.BySubprotocol(s.cfg.Serializers, ws.Subprotocol())
	if !ok {
		s.logger.Info("client offered no supported WAMP subprotocol",
			slog.String("remote", r.RemoteAddr),
			slog.Any("offered", websocket.Subprotocols(r)))
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseProtocolError, "no supported WAMP subprotocol"),
			time.Now().Add(closeWait))
		ws.Close()
		return
	}
	if s.cfg.ReadLimit > 0 {
		ws.SetReadLimit(s.cfg.ReadLimit)
	}

	details := &protocol.Details{Peer: peerName(r.RemoteAddr), CookieID: cookieID}
	if r.TLS != nil {
		details.IsSecure = true
		if len(r.TLS.PeerCertificates) > 0 {
			details.ClientCert = r.TLS.PeerCertificates[0]
		}
		details.ChannelID = r.TLS.TLSUnique
	}
	peer := newPeer(ws, ser, details)
	defer peer.Close()

	if err := s.serve(r.Context(), peer); err != nil && !errors.Is(err, errors.ErrConnectionClosed) {
		s.logger.Debug("WAMP WebSocket connection ended",
			slog.String("remote", r.RemoteAddr),
			slog.String("error", err.Error()))
	}
}

// trackingCookie returns the cbtid of the request, issuing a new one
// through header when the client has none.
func (s *Server) trackingCookie(r *http.Request, header http.Header) string {
	if !s.cfg.Cookie.Enabled {
		return ""
	}
	if c, err := r.Cookie(s.cfg.Cookie.Name); err == nil && c.Value != "" {
		return c.Value
	}
	id := uuid.NewString()
	c := &http.Cookie{
		Name:     s.cfg.Cookie.Name,
		Value:    id,
		Path:     "/",
		MaxAge:   int(s.cfg.Cookie.MaxAge / time.Second),
		HttpOnly: true,
		Secure:   s.cfg.Cookie.Secure,
		SameSite: http.SameSiteLaxMode,
	}
	header.Add("Set-Cookie", c.String())
	return id
}

func peerName(remote string) string {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	if ip := net.ParseIP(host); ip != nil && ip.To4() == nil {
		return "tcp6:" + remote
	}
	return "tcp4:" + remote
}

// DialConfig configures a client connection.
type DialConfig struct {
	URL        string
	Serializer serializer.Serializer
	TLSConfig  *tls.Config
	// UnixPath, when set, dials this Unix domain socket instead of the URL
	// host.
	UnixPath         string
	HandshakeTimeout time.Duration
	Header           http.Header
}

// Dial opens a WAMP WebSocket connection.
func Dial(ctx context.Context, cfg DialConfig) (*Peer, error) {
	if cfg.Serializer.Name == "" {
		cfg.Serializer = serializer.JSON
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	d := websocket.Dialer{
		Subprotocols:     []string{cfg.Serializer.Subprotocol},
		TLSClientConfig:  cfg.TLSConfig,
		HandshakeTimeout: cfg.HandshakeTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}
	details := &protocol.Details{Peer: cfg.URL}
	if cfg.UnixPath != "" {
		path := cfg.UnixPath
		d.Proxy = nil
		d.NetDialContext = func(ctx context.Context, _, _ string) (net.Conn, error) {
			var nd net.Dialer
			return nd.DialContext(ctx, "unix", path)
		}
		details.UnixSocket = true
		details.Peer = "unix:" + path
	}
	ws, resp, err := d.DialContext(ctx, cfg.URL, cfg.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.URL, err)
	}
	if ws.Subprotocol() != cfg.Serializer.Subprotocol {
		ws.Close()
		return nil, fmt.Errorf("router at %s did not accept %s: %w", cfg.URL, cfg.Serializer.Subprotocol, errors.ErrProtocolViolation)
	}
	details.IsSecure = strings.HasPrefix(cfg.URL, "wss:")
	return newPeer(ws, cfg.Serializer, details), nil
}
