// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"time"

	"github.com/absmach/wampd/pkg/protocol"
	"github.com/gammazero/nexus/v3/wamp"
	jsoniter "github.com/json-iterator/go"
	"golang.org/x/crypto/pbkdf2"
)

type wampcra struct {
	cfg       MethodConfig
	deps      Deps
	req       Hello
	authid    string
	principal Principal
	provider  string
	challenge string
}

func newWAMPCRA(cfg MethodConfig, deps Deps) PendingAuth {
	return &wampcra{cfg: cfg, deps: deps}
}

func (w *wampcra) Method() string { return MethodWAMPCRA }

func (w *wampcra) Hello(ctx context.Context, req Hello) Outcome {
	w.req = req
	w.authid = req.AuthID()
	if w.authid == "" {
		return deny(protocol.ErrNoSuchPrincipal, "wampcra requires an authid")
	}
	p, provider, err := lookup(ctx, w.cfg, w.deps, req, w.authid, nil)
	if err != nil {
		return lookupOutcome(w.authid, err)
	}
	w.principal, w.provider = p, provider

	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return deny(protocol.ErrAuthenticationFailed, "cannot create nonce: %v", err)
	}
	challenge, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalToString(map[string]any{
		"authid":       w.authid,
		"authrole":     p.role(w.cfg),
		"authmethod":   MethodWAMPCRA,
		"authprovider": provider,
		"nonce":        base64.StdEncoding.EncodeToString(nonce),
		"timestamp":    time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
		"session":      req.SessionID,
	})
	if err != nil {
		return deny(protocol.ErrAuthenticationFailed, "cannot create challenge: %v", err)
	}
	w.challenge = challenge

	extra := wamp.Dict{"challenge": challenge}
	if p.Salt != "" {
		extra["salt"] = p.Salt
		extra["iterations"] = p.Iterations
		extra["keylen"] = p.KeyLen
	}
	return Challenge{Method: MethodWAMPCRA, Extra: extra}
}

func (w *wampcra) Authenticate(_ context.Context, signature string, _ wamp.Dict) Outcome {
	want := SignCRA(w.principal.Secret, w.challenge)
	if !hmac.Equal([]byte(want), []byte(signature)) {
		return deny(protocol.ErrAuthenticationFailed, "WAMP-CRA signature is invalid")
	}
	return accept(w.req, w.principal, w.cfg, MethodWAMPCRA, w.provider, w.authid)
}

// SignCRA computes the WAMP-CRA signature of challenge: the base64 encoded
// HMAC-SHA256 keyed by secret.
func SignCRA(secret, challenge string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(challenge))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// DeriveKey derives a salted WAMP-CRA secret with PBKDF2-SHA256. The result
// is base64 encoded and is itself used as the HMAC key.
func DeriveKey(secret, salt string, iterations, keylen int) string {
	if iterations == 0 {
		iterations = 1000
	}
	if keylen == 0 {
		keylen = 32
	}
	key := pbkdf2.Key([]byte(secret), []byte(salt), iterations, keylen, sha256.New)
	return base64.StdEncoding.EncodeToString(key)
}
