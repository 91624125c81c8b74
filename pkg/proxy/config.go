// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"fmt"
	"net"
	"strconv"

	"github.com/absmach/wampd/pkg/auth"
	"github.com/absmach/wampd/pkg/breaker"
	"github.com/absmach/wampd/pkg/errors"
	"github.com/absmach/wampd/pkg/parser/serializer"
)

// Transport kinds accepted by the proxy.
const (
	TransportRawSocket = "rawsocket"
	TransportWebSocket = "websocket"
)

// Endpoint kinds.
const (
	EndpointTCP  = "tcp"
	EndpointUnix = "unix"
)

// Endpoint is a TCP or Unix domain socket address.
type Endpoint struct {
	Type string `yaml:"type" json:"type"`
	Host string `yaml:"host" json:"host,omitempty"`
	Port int    `yaml:"port" json:"port,omitempty"`
	Path string `yaml:"path" json:"path,omitempty"`
	TLS  bool   `yaml:"tls" json:"tls,omitempty"`
}

// Network returns the net package network name and address.
func (e Endpoint) Network() (string, string) {
	if e.Type == EndpointUnix {
		return "unix", e.Path
	}
	return "tcp", net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Validate checks the endpoint is complete.
func (e Endpoint) Validate() error {
	switch e.Type {
	case EndpointTCP:
		if e.Port < 0 || e.Port > 65535 {
			return fmt.Errorf("endpoint port %d: %w", e.Port, errors.ErrInvalidInput)
		}
	case EndpointUnix:
		if e.Path == "" {
			return fmt.Errorf("unix endpoint without path: %w", errors.ErrInvalidInput)
		}
	default:
		return fmt.Errorf("endpoint type %q: %w", e.Type, errors.ErrInvalidInput)
	}
	return nil
}

// TransportConfig is a client facing listener of the proxy.
type TransportConfig struct {
	ID          string      `yaml:"id" json:"id"`
	Type        string      `yaml:"type" json:"type"`
	Endpoint    Endpoint    `yaml:"endpoint" json:"endpoint"`
	Serializers []string    `yaml:"serializers" json:"serializers,omitempty"`
	Auth        auth.Config `yaml:"auth" json:"-"`
	// Cookie enables WebSocket tracking cookies.
	Cookie bool `yaml:"cookie" json:"cookie,omitempty"`
}

// Validate checks the transport configuration.
func (c TransportConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("transport without id: %w", errors.ErrInvalidInput)
	}
	if c.Type != TransportRawSocket && c.Type != TransportWebSocket {
		return fmt.Errorf("transport %s type %q: %w", c.ID, c.Type, errors.ErrInvalidInput)
	}
	if err := c.Endpoint.Validate(); err != nil {
		return fmt.Errorf("transport %s: %w", c.ID, err)
	}
	if _, err := serializer.Resolve(c.Serializers); err != nil {
		return fmt.Errorf("transport %s: %w", c.ID, err)
	}
	for method := range c.Auth {
		if !auth.Supported(method) {
			return fmt.Errorf("transport %s authmethod %q: %w", c.ID, method, errors.ErrInvalidInput)
		}
	}
	return nil
}

// BackendTransport is how the proxy reaches a router worker.
type BackendTransport struct {
	Type       string   `yaml:"type" json:"type"`
	Endpoint   Endpoint `yaml:"endpoint" json:"endpoint"`
	Serializer string   `yaml:"serializer" json:"serializer,omitempty"`
	// URL is the WebSocket URL requested from the endpoint.
	URL string `yaml:"url" json:"url,omitempty"`
}

// BackendAuth configures one proxy credential.
type BackendAuth struct {
	Type string `yaml:"type" json:"type"`
}

// ConnectionConfig is a backend router worker the proxy connects to.
type ConnectionConfig struct {
	ID        string                 `yaml:"id" json:"id"`
	Transport BackendTransport       `yaml:"transport" json:"transport"`
	Auth      map[string]BackendAuth `yaml:"auth" json:"auth"`
	Breaker   breaker.Config         `yaml:"breaker" json:"-"`
}

// Method returns the proxy credential the connection authenticates with.
func (c ConnectionConfig) Method() string {
	if _, ok := c.Auth[auth.MethodCryptosignProxy]; ok {
		return auth.MethodCryptosignProxy
	}
	return auth.MethodAnonymousProxy
}

// Validate checks the connection configuration. Anonymous proxy
// credentials are only accepted on Unix domain sockets.
func (c ConnectionConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("connection without id: %w", errors.ErrInvalidInput)
	}
	t := c.Transport
	if t.Type != TransportRawSocket && t.Type != TransportWebSocket {
		return fmt.Errorf("connection %s transport type %q: %w", c.ID, t.Type, errors.ErrInvalidInput)
	}
	if err := t.Endpoint.Validate(); err != nil {
		return fmt.Errorf("connection %s: %w", c.ID, err)
	}
	if t.Type == TransportWebSocket && t.URL == "" {
		return fmt.Errorf("connection %s websocket transport without url: %w", c.ID, errors.ErrInvalidInput)
	}
	if t.Serializer != "" {
		if _, err := serializer.ByName(t.Serializer); err != nil {
			return fmt.Errorf("connection %s: %w", c.ID, err)
		}
	}
	if len(c.Auth) != 1 {
		return fmt.Errorf("connection %s needs exactly one of %s or %s: %w",
			c.ID, auth.MethodCryptosignProxy, auth.MethodAnonymousProxy, errors.ErrInvalidInput)
	}
	for method := range c.Auth {
		switch method {
		case auth.MethodCryptosignProxy:
		case auth.MethodAnonymousProxy:
			if t.Endpoint.Type != EndpointUnix {
				return fmt.Errorf("connection %s: %s requires a unix endpoint: %w",
					c.ID, method, errors.ErrInvalidInput)
			}
		default:
			return fmt.Errorf("connection %s authmethod %q: %w", c.ID, method, errors.ErrInvalidInput)
		}
	}
	return nil
}

// RouteConfig maps the roles of a realm to backend connections.
type RouteConfig struct {
	ID    string `yaml:"id" json:"id"`
	Realm string `yaml:"realm" json:"realm"`
	// Roles maps an authrole to a connection ID.
	Roles map[string]string `yaml:"roles" json:"roles"`
}

// Validate checks the route is well formed. Connection references are
// resolved when the route starts.
func (c RouteConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("route without id: %w", errors.ErrInvalidInput)
	}
	if c.Realm == "" {
		return fmt.Errorf("route %s without realm: %w", c.ID, errors.ErrInvalidInput)
	}
	if len(c.Roles) == 0 {
		return fmt.Errorf("route %s without roles: %w", c.ID, errors.ErrInvalidInput)
	}
	for role, conn := range c.Roles {
		if role == "" || conn == "" {
			return fmt.Errorf("route %s has an empty role or connection: %w", c.ID, errors.ErrInvalidInput)
		}
	}
	return nil
}
