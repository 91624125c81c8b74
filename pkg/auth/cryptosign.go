// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/absmach/wampd/pkg/protocol"
	"github.com/gammazero/nexus/v3/wamp"
)

const challengeSize = 32

type cryptosign struct {
	cfg       MethodConfig
	deps      Deps
	method    string
	req       Hello
	authid    string
	principal Principal
	provider  string
	keys      []ed25519.PublicKey
	challenge []byte
	// proxied is the end client identity asserted by a proxy node.
	proxied *Accept
}

func newCryptosign(cfg MethodConfig, deps Deps) PendingAuth {
	return &cryptosign{cfg: cfg, deps: deps, method: MethodCryptosign}
}

// newCryptosignProxy verifies that the key belongs to a trusted proxy node
// and then admits the client identity the proxy forwards in authextra.
func newCryptosignProxy(cfg MethodConfig, deps Deps) PendingAuth {
	return &cryptosign{cfg: cfg, deps: deps, method: MethodCryptosignProxy}
}

func (c *cryptosign) Method() string { return c.method }

func (c *cryptosign) Hello(ctx context.Context, req Hello) Outcome {
	c.req = req
	extra := req.AuthExtra()
	pubkey := strings.ToLower(protocol.String(extra, "pubkey"))

	if c.method == MethodCryptosignProxy {
		p, err := proxiedIdentity(req, MethodCryptosignProxy)
		if err != nil {
			return deny(protocol.ErrAuthenticationFailed, "%v", err)
		}
		c.proxied = p
	}

	// A proxy presents the client's authid; the proxy node itself is found
	// by its key.
	switch {
	case c.method == MethodCryptosignProxy:
		if pubkey != "" {
			c.authid = c.principalForKey(pubkey)
		}
		if c.authid == "" {
			return deny(protocol.ErrNotAuthorized, "pubkey does not belong to a trusted proxy node")
		}
	case req.AuthID() != "":
		c.authid = req.AuthID()
	case pubkey != "" && c.cfg.Type != TypeDynamic:
		c.authid = c.principalForKey(pubkey)
	}
	if c.authid == "" {
		return deny(protocol.ErrNoSuchPrincipal, "cryptosign requires an authid or a known pubkey")
	}
	p, provider, err := lookup(ctx, c.cfg, c.deps, req, c.authid, wamp.Dict{"authextra": extra})
	if err != nil {
		return lookupOutcome(c.authid, err)
	}
	c.principal, c.provider = p, provider

	for _, k := range p.AuthorizedKeys {
		k = strings.ToLower(k)
		if pubkey != "" && k != pubkey {
			continue
		}
		raw, err := hex.DecodeString(k)
		if err != nil || len(raw) != ed25519.PublicKeySize {
			continue
		}
		c.keys = append(c.keys, ed25519.PublicKey(raw))
	}
	if len(c.keys) == 0 {
		return deny(protocol.ErrAuthenticationFailed, "no authorized key for authid %q", c.authid)
	}

	c.challenge = make([]byte, challengeSize)
	if _, err := rand.Read(c.challenge); err != nil {
		return deny(protocol.ErrAuthenticationFailed, "cannot create challenge: %v", err)
	}
	return Challenge{
		Method: c.method,
		Extra: wamp.Dict{
			"challenge":       hex.EncodeToString(c.challenge),
			"channel_binding": nil,
		},
	}
}

func (c *cryptosign) principalForKey(pubkey string) string {
	for authid, p := range c.cfg.Principals {
		for _, k := range p.AuthorizedKeys {
			if strings.ToLower(k) == pubkey {
				return authid
			}
		}
	}
	return ""
}

func (c *cryptosign) Authenticate(_ context.Context, signature string, _ wamp.Dict) Outcome {
	raw, err := hex.DecodeString(signature)
	if err != nil {
		return deny(protocol.ErrAuthenticationFailed, "signature is not hex: %v", err)
	}
	switch len(raw) {
	case ed25519.SignatureSize:
	case ed25519.SignatureSize + challengeSize:
		if !bytes.Equal(raw[ed25519.SignatureSize:], c.challenge) {
			return deny(protocol.ErrAuthenticationFailed, "signed message does not match the challenge")
		}
		raw = raw[:ed25519.SignatureSize]
	default:
		return deny(protocol.ErrAuthenticationFailed, "signature has invalid length %d", len(raw))
	}

	var key ed25519.PublicKey
	for _, k := range c.keys {
		if ed25519.Verify(k, c.challenge, raw) {
			key = k
			break
		}
	}
	if key == nil {
		return deny(protocol.ErrAuthenticationFailed, "signature is invalid")
	}

	if c.proxied != nil {
		return *c.proxied
	}
	o := accept(c.req, c.principal, c.cfg, c.method, c.provider, c.authid).(Accept)
	ae := protocol.Clone(o.AuthExtra)
	ae["pubkey"] = hex.EncodeToString(key)
	o.AuthExtra = ae
	return o
}

// proxiedIdentity reads the end client identity a proxy forwards in
// authextra.
func proxiedIdentity(req Hello, method string) (*Accept, error) {
	extra := req.AuthExtra()
	realm := protocol.String(extra, "proxy_realm")
	authid := protocol.String(extra, "proxy_authid")
	authrole := protocol.String(extra, "proxy_authrole")
	if realm == "" || authid == "" || authrole == "" {
		return nil, errMissingProxyFields
	}
	if realm != req.Realm {
		return nil, errProxyRealm
	}
	authmethod := protocol.String(extra, "proxy_authmethod")
	if authmethod == "" {
		authmethod = method
	}
	provider := protocol.String(extra, "proxy_authprovider")
	if provider == "" {
		provider = "proxy"
	}
	return &Accept{
		Realm:        realm,
		AuthID:       authid,
		AuthRole:     authrole,
		AuthMethod:   authmethod,
		AuthProvider: provider,
		AuthExtra:    protocol.Dict(extra, "proxy_authextra"),
	}, nil
}
