// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package config loads the node topology of wampd from YAML: realms and
// their roles, per listener authentication, the MQTT bridge and the proxy
// transports, connections and routes.
//
// A minimal router node:
//
//	realms:
//	  - name: realm1
//	    roles:
//	      - name: user
//	        permissions:
//	          - uri: com.example.
//	            match: prefix
//	            allow: {call: true, subscribe: true}
//	auth:
//	  websocket:
//	    anonymous: {role: user}
//	mqtt:
//	  realm: realm1
//	  payload: native
package config

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/absmach/wampd/pkg/auth"
	"github.com/absmach/wampd/pkg/bridge"
	"github.com/absmach/wampd/pkg/errors"
	"github.com/absmach/wampd/pkg/proxy"
	"github.com/absmach/wampd/pkg/ratelimit"
	"github.com/absmach/wampd/pkg/router"
	"gopkg.in/yaml.v3"
)

// Router listener names used as keys of Config.Auth.
const (
	ListenerRawSocket = "rawsocket"
	ListenerWebSocket = "websocket"
	ListenerMQTT      = "mqtt"
)

// Config is the node topology.
type Config struct {
	// KeyFile holds the hex encoded Ed25519 seed or private key the proxy
	// presents to backends.
	KeyFile string               `yaml:"key_file"`
	Realms  []router.RealmConfig `yaml:"realms"`
	// Auth maps a router listener name to its authentication policy.
	Auth map[string]auth.Config `yaml:"auth"`
	// ServiceRealm answers dynamic authenticator calls. It defaults to the
	// first realm.
	ServiceRealm string        `yaml:"service_realm"`
	AuthTimeout  time.Duration `yaml:"auth_timeout"`
	Cookies      CookieConfig  `yaml:"cookies"`
	MQTT         MQTTConfig    `yaml:"mqtt"`
	Proxy        ProxyConfig   `yaml:"proxy"`
}

// CookieConfig selects the cookie store. An empty Path keeps cookies in
// memory.
type CookieConfig struct {
	Path string `yaml:"path"`
}

// MQTTConfig configures the MQTT bridge.
type MQTTConfig struct {
	// Realm every MQTT client joins. The bridge is disabled when empty.
	Realm   string `yaml:"realm"`
	Payload string `yaml:"payload"`
	// StoreDir persists non-clean sessions in badger. Sessions are kept in
	// memory when empty.
	StoreDir      string           `yaml:"store_dir"`
	MaxPacketSize int              `yaml:"max_packet_size"`
	RateLimit     ratelimit.Config `yaml:"rate_limit"`
}

// ProxyConfig configures a proxy node.
type ProxyConfig struct {
	Transports      []proxy.TransportConfig  `yaml:"transports"`
	Connections     []proxy.ConnectionConfig `yaml:"connections"`
	Routes          []proxy.RouteConfig      `yaml:"routes"`
	Management      ManagementConfig         `yaml:"management"`
	ServiceSessions int                      `yaml:"service_sessions"`
	AuthTimeout     time.Duration            `yaml:"auth_timeout"`
}

// ManagementConfig is the local realm lifecycle events are published on.
type ManagementConfig struct {
	Realm       string `yaml:"realm"`
	EventPrefix string `yaml:"event_prefix"`
	// Endpoint serves the management realm over RawSocket when set.
	Endpoint *proxy.Endpoint `yaml:"endpoint"`
}

// Load reads and validates the topology file at path.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to open config: %w", err)
	}
	defer f.Close()
	return Read(f)
}

// Read decodes and validates a topology. Unknown keys are rejected.
func Read(r io.Reader) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return Config{}, fmt.Errorf("failed to decode config: %w: %w", err, errors.ErrInvalidInput)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse is Read over a byte slice.
func Parse(b []byte) (Config, error) {
	return Read(bytes.NewReader(b))
}

// Validate checks the topology is consistent.
func (c Config) Validate() error {
	realms := make(map[string]bool, len(c.Realms))
	for _, rc := range c.Realms {
		if err := rc.Validate(); err != nil {
			return err
		}
		if realms[rc.Name] {
			return fmt.Errorf("realm %s defined twice: %w", rc.Name, errors.ErrInvalidInput)
		}
		realms[rc.Name] = true
	}
	if c.ServiceRealm != "" && !realms[c.ServiceRealm] {
		return fmt.Errorf("service realm %s is not defined: %w", c.ServiceRealm, errors.ErrInvalidInput)
	}
	for name, ac := range c.Auth {
		switch name {
		case ListenerRawSocket, ListenerWebSocket, ListenerMQTT:
		default:
			return fmt.Errorf("auth for unknown listener %q: %w", name, errors.ErrInvalidInput)
		}
		if err := validateAuth(ac); err != nil {
			return fmt.Errorf("%s auth: %w", name, err)
		}
	}
	if c.MQTT.Realm != "" && !realms[c.MQTT.Realm] {
		return fmt.Errorf("mqtt realm %s is not defined: %w", c.MQTT.Realm, errors.ErrInvalidInput)
	}
	switch c.MQTT.Payload {
	case "", bridge.PayloadPassthrough, bridge.PayloadNative:
	default:
		return fmt.Errorf("mqtt payload %q: %w", c.MQTT.Payload, errors.ErrInvalidInput)
	}
	return c.Proxy.Validate()
}

func validateAuth(ac auth.Config) error {
	for method := range ac {
		if !auth.Supported(method) {
			return fmt.Errorf("authmethod %q: %w", method, errors.ErrInvalidInput)
		}
	}
	return nil
}

// Validate checks resource IDs are unique and routes only reference
// declared connections.
func (p ProxyConfig) Validate() error {
	ids := map[string]bool{}
	for _, t := range p.Transports {
		if err := t.Validate(); err != nil {
			return err
		}
		if ids[t.ID] {
			return fmt.Errorf("transport %s defined twice: %w", t.ID, errors.ErrInvalidInput)
		}
		ids[t.ID] = true
	}
	conns := map[string]bool{}
	for _, cc := range p.Connections {
		if err := cc.Validate(); err != nil {
			return err
		}
		if conns[cc.ID] {
			return fmt.Errorf("connection %s defined twice: %w", cc.ID, errors.ErrInvalidInput)
		}
		conns[cc.ID] = true
	}
	routes := map[string]bool{}
	for _, rc := range p.Routes {
		if err := rc.Validate(); err != nil {
			return err
		}
		if routes[rc.ID] {
			return fmt.Errorf("route %s defined twice: %w", rc.ID, errors.ErrInvalidInput)
		}
		routes[rc.ID] = true
		for role, conn := range rc.Roles {
			if !conns[conn] {
				return fmt.Errorf("route %s role %s references unknown connection %s: %w",
					rc.ID, role, conn, errors.ErrInvalidInput)
			}
		}
	}
	if ep := p.Management.Endpoint; ep != nil {
		if p.Management.Realm == "" {
			return fmt.Errorf("management endpoint without realm: %w", errors.ErrInvalidInput)
		}
		if err := ep.Validate(); err != nil {
			return fmt.Errorf("management: %w", err)
		}
	}
	return nil
}

// NodeKey reads KeyFile. It returns nil when no key file is configured.
func (c Config) NodeKey() (ed25519.PrivateKey, error) {
	if c.KeyFile == "" {
		return nil, nil
	}
	b, err := os.ReadFile(c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read node key: %w", err)
	}
	return ParseKey(strings.TrimSpace(string(b)))
}

// ParseKey decodes a hex Ed25519 seed or private key.
func ParseKey(s string) (ed25519.PrivateKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("node key is not hex: %w", errors.ErrInvalidInput)
	}
	switch len(b) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(b), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(b), nil
	default:
		return nil, fmt.Errorf("node key has %d bytes: %w", len(b), errors.ErrInvalidInput)
	}
}
