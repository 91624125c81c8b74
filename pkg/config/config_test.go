// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/absmach/wampd/pkg/auth"
	"github.com/absmach/wampd/pkg/errors"
	"github.com/absmach/wampd/pkg/proxy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const topology = `
key_file: /etc/wampd/node.key
realms:
  - name: realm1
    roles:
      - name: user
        permissions:
          - uri: com.example.
            match: prefix
            allow: {call: true, subscribe: true}
            disclose: {caller: true}
            cache: true
      - name: dyn
        authorizer: com.example.authorize
auth:
  websocket:
    anonymous: {role: user}
    ticket:
      principals:
        joe: {ticket: secret, role: user}
  mqtt:
    ticket:
      jwt_secret: s3cr3t
auth_timeout: 5s
cookies:
  path: /var/lib/wampd/cookies.db
mqtt:
  realm: realm1
  payload: native
  store_dir: /var/lib/wampd/mqtt
  rate_limit: {burst: 10, rate: 2.5}
proxy:
  auth_timeout: 3s
  management:
    realm: wampd.management
    endpoint: {type: unix, path: /run/wampd/mgmt.sock}
  transports:
    - id: ws
      type: websocket
      endpoint: {type: tcp, port: 8080}
      serializers: [json, cbor]
      cookie: true
      auth:
        anonymous: {role: user}
  connections:
    - id: worker1
      transport:
        type: rawsocket
        endpoint: {type: unix, path: /run/wampd/worker1.sock}
      auth:
        anonymous-proxy: {}
    - id: worker2
      transport:
        type: rawsocket
        endpoint: {type: tcp, host: 10.0.0.2, port: 9000}
        serializer: msgpack
      auth:
        cryptosign-proxy: {type: static}
      breaker: {max_failures: 3, reset_timeout: 30s}
  routes:
    - id: route1
      realm: realm1
      roles: {user: worker1, admin: worker2}
`

func TestParseTopology(t *testing.T) {
	cfg, err := Parse([]byte(topology))
	require.NoError(t, err)

	require.Len(t, cfg.Realms, 1)
	rc := cfg.Realms[0]
	assert.Equal(t, "realm1", rc.Name)
	require.Len(t, rc.Roles, 2)
	assert.True(t, rc.Roles[0].Permissions[0].Allow.Subscribe)
	assert.False(t, rc.Roles[0].Permissions[0].Allow.Publish)
	assert.True(t, rc.Roles[0].Permissions[0].Disclose.Caller)
	assert.Equal(t, "com.example.authorize", rc.Roles[1].Authorizer)

	assert.Equal(t, "user", cfg.Auth[ListenerWebSocket][auth.MethodAnonymous].Role)
	assert.Equal(t, "secret", cfg.Auth[ListenerWebSocket][auth.MethodTicket].Principals["joe"].Ticket)
	assert.Equal(t, "s3cr3t", cfg.Auth[ListenerMQTT][auth.MethodTicket].JWTSecret)
	assert.Equal(t, 5*time.Second, cfg.AuthTimeout)
	assert.Equal(t, "/var/lib/wampd/cookies.db", cfg.Cookies.Path)

	assert.Equal(t, "native", cfg.MQTT.Payload)
	assert.Equal(t, int64(10), cfg.MQTT.RateLimit.Burst)
	assert.Equal(t, 2.5, cfg.MQTT.RateLimit.Rate)

	p := cfg.Proxy
	assert.Equal(t, 3*time.Second, p.AuthTimeout)
	require.NotNil(t, p.Management.Endpoint)
	assert.Equal(t, proxy.EndpointUnix, p.Management.Endpoint.Type)
	require.Len(t, p.Transports, 1)
	assert.Equal(t, []string{"json", "cbor"}, p.Transports[0].Serializers)
	assert.True(t, p.Transports[0].Cookie)
	assert.Equal(t, "user", p.Transports[0].Auth[auth.MethodAnonymous].Role)
	require.Len(t, p.Connections, 2)
	assert.Equal(t, auth.MethodAnonymousProxy, p.Connections[0].Method())
	assert.Equal(t, auth.MethodCryptosignProxy, p.Connections[1].Method())
	assert.Equal(t, 3, p.Connections[1].Breaker.MaxFailures)
	assert.Equal(t, 30*time.Second, p.Connections[1].Breaker.ResetTimeout)
	assert.Equal(t, map[string]string{"user": "worker1", "admin": "worker2"}, p.Routes[0].Roles)
}

func TestParseEmpty(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Empty(t, cfg.Realms)
}

func TestValidationErrors(t *testing.T) {
	cases := []struct {
		desc string
		yaml string
	}{
		{desc: "unknown key", yaml: "realmz: []"},
		{desc: "bad realm name", yaml: "realms: [{name: 'bad realm'}]"},
		{desc: "duplicate realm", yaml: "realms: [{name: r1}, {name: r1}]"},
		{desc: "unknown listener", yaml: "auth: {carrier: {anonymous: {}}}"},
		{desc: "unknown authmethod", yaml: "auth: {websocket: {kerberos: {}}}"},
		{desc: "mqtt realm missing", yaml: "mqtt: {realm: nowhere}"},
		{desc: "mqtt payload", yaml: "realms: [{name: r1}]\nmqtt: {realm: r1, payload: xml}"},
		{desc: "service realm missing", yaml: "service_realm: r9"},
		{
			desc: "route to unknown connection",
			yaml: "proxy: {routes: [{id: r, realm: realm1, roles: {user: ghost}}]}",
		},
		{
			desc: "duplicate connection",
			yaml: `proxy:
  connections:
    - {id: c, transport: {type: rawsocket, endpoint: {type: unix, path: /s}}, auth: {anonymous-proxy: {}}}
    - {id: c, transport: {type: rawsocket, endpoint: {type: unix, path: /s}}, auth: {anonymous-proxy: {}}}`,
		},
		{
			desc: "anonymous proxy over tcp",
			yaml: "proxy: {connections: [{id: c, transport: {type: rawsocket, endpoint: {type: tcp, port: 1}}, auth: {anonymous-proxy: {}}}]}",
		},
		{desc: "management endpoint without realm", yaml: "proxy: {management: {endpoint: {type: unix, path: /s}}}"},
	}
	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			assert.ErrorIs(t, err, errors.ErrInvalidInput)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wampd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(topology), 0o600))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "realm1", cfg.MQTT.Realm)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestNodeKey(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	dir := t.TempDir()

	seedFile := filepath.Join(dir, "seed.key")
	require.NoError(t, os.WriteFile(seedFile, []byte(hex.EncodeToString(priv.Seed())+"\n"), 0o600))
	key, err := Config{KeyFile: seedFile}.NodeKey()
	require.NoError(t, err)
	assert.Equal(t, priv, key)

	fullFile := filepath.Join(dir, "full.key")
	require.NoError(t, os.WriteFile(fullFile, []byte(hex.EncodeToString(priv)), 0o600))
	key, err = Config{KeyFile: fullFile}.NodeKey()
	require.NoError(t, err)
	assert.Equal(t, priv, key)

	key, err = Config{}.NodeKey()
	require.NoError(t, err)
	assert.Nil(t, key)

	_, err = ParseKey("abcd")
	assert.ErrorIs(t, err, errors.ErrInvalidInput)
	_, err = ParseKey("not hex")
	assert.ErrorIs(t, err, errors.ErrInvalidInput)
}
