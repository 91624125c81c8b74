// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"

	"github.com/absmach/wampd/pkg/protocol"
	"github.com/gammazero/nexus/v3/wamp"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/pbkdf2"
)

// SCRAM key derivation functions.
const (
	KDFArgon2 = "argon2id13"
	KDFPBKDF2 = "pbkdf2"
)

const defaultNonceCacheSize = 4096

// NonceCache remembers client nonces of recent SCRAM exchanges so a replayed
// nonce is refused.
type NonceCache struct {
	seen *lru.Cache[string, struct{}]
}

// NewNonceCache returns a cache holding up to size nonces.
func NewNonceCache(size int) *NonceCache {
	if size <= 0 {
		size = defaultNonceCacheSize
	}
	c, _ := lru.New[string, struct{}](size)
	return &NonceCache{seen: c}
}

// Use records nonce and reports whether it was fresh.
func (n *NonceCache) Use(nonce string) bool {
	if n == nil {
		return true
	}
	found, _ := n.seen.ContainsOrAdd(nonce, struct{}{})
	return !found
}

type scram struct {
	cfg         MethodConfig
	deps        Deps
	req         Hello
	authid      string
	principal   Principal
	provider    string
	clientNonce string
	nonce       string
}

func newSCRAM(cfg MethodConfig, deps Deps) PendingAuth {
	return &scram{cfg: cfg, deps: deps}
}

func (s *scram) Method() string { return MethodSCRAM }

func (s *scram) Hello(ctx context.Context, req Hello) Outcome {
	s.req = req
	s.authid = req.AuthID()
	if s.authid == "" {
		return deny(protocol.ErrNoSuchPrincipal, "scram requires an authid")
	}
	s.clientNonce = protocol.String(req.AuthExtra(), "nonce")
	if s.clientNonce == "" {
		return deny(protocol.ErrAuthenticationFailed, "scram requires a client nonce")
	}
	if !s.deps.Nonces.Use(s.clientNonce) {
		return deny(protocol.ErrAuthenticationFailed, "client nonce was already used")
	}
	p, provider, err := lookup(ctx, s.cfg, s.deps, req, s.authid, nil)
	if err != nil {
		return lookupOutcome(s.authid, err)
	}
	if p.KDF != KDFArgon2 && p.KDF != KDFPBKDF2 {
		return deny(protocol.ErrAuthenticationFailed, "unsupported kdf %q", p.KDF)
	}
	s.principal, s.provider = p, provider

	serverNonce := make([]byte, 16)
	if _, err := rand.Read(serverNonce); err != nil {
		return deny(protocol.ErrAuthenticationFailed, "cannot create nonce: %v", err)
	}
	s.nonce = s.clientNonce + base64.StdEncoding.EncodeToString(serverNonce)

	extra := wamp.Dict{
		"nonce":      s.nonce,
		"salt":       p.Salt,
		"kdf":        p.KDF,
		"iterations": p.Iterations,
	}
	if p.KDF == KDFArgon2 {
		extra["memory"] = p.Memory
	}
	return Challenge{Method: MethodSCRAM, Extra: extra}
}

func (s *scram) Authenticate(_ context.Context, signature string, extra wamp.Dict) Outcome {
	if nonce := protocol.String(extra, "nonce"); nonce != s.nonce {
		return deny(protocol.ErrAuthenticationFailed, "nonce does not match the challenge")
	}
	proof, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return deny(protocol.ErrAuthenticationFailed, "client proof is not base64: %v", err)
	}
	storedKey, err := base64.StdEncoding.DecodeString(s.principal.StoredKey)
	if err != nil {
		return deny(protocol.ErrAuthenticationFailed, "stored key is not base64: %v", err)
	}
	serverKey, err := base64.StdEncoding.DecodeString(s.principal.ServerKey)
	if err != nil {
		return deny(protocol.ErrAuthenticationFailed, "server key is not base64: %v", err)
	}
	if len(proof) != len(storedKey) {
		return deny(protocol.ErrAuthenticationFailed, "client proof has wrong length")
	}

	msg := scramAuthMessage(s.authid, s.clientNonce, s.nonce, s.principal.Salt, s.principal.Iterations)
	clientSig := hmacSHA256(storedKey, msg)
	clientKey := make([]byte, len(proof))
	for i := range proof {
		clientKey[i] = proof[i] ^ clientSig[i]
	}
	sum := sha256.Sum256(clientKey)
	if !hmac.Equal(sum[:], storedKey) {
		return deny(protocol.ErrAuthenticationFailed, "SCRAM proof is invalid")
	}

	o := accept(s.req, s.principal, s.cfg, MethodSCRAM, s.provider, s.authid).(Accept)
	ae := protocol.Clone(o.AuthExtra)
	ae["scram_server_signature"] = base64.StdEncoding.EncodeToString(hmacSHA256(serverKey, msg))
	o.AuthExtra = ae
	return o
}

func scramAuthMessage(authid, clientNonce, nonce, salt string, iterations int) []byte {
	clientFirst := "n=" + authid + ",r=" + clientNonce
	serverFirst := "r=" + nonce + ",s=" + salt + ",i=" + strconv.Itoa(iterations)
	clientFinal := "c=,r=" + nonce
	return []byte(clientFirst + "," + serverFirst + "," + clientFinal)
}

func hmacSHA256(key, msg []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(msg)
	return mac.Sum(nil)
}

// ScramSaltedPassword derives the salted password with the principal's KDF.
// salt is base64 encoded.
func ScramSaltedPassword(password, kdf, salt string, iterations, memory int) ([]byte, error) {
	rawSalt, err := base64.StdEncoding.DecodeString(salt)
	if err != nil {
		return nil, err
	}
	switch kdf {
	case KDFArgon2:
		return argon2.IDKey([]byte(password), rawSalt, uint32(iterations), uint32(memory), 1, 32), nil
	case KDFPBKDF2:
		return pbkdf2.Key([]byte(password), rawSalt, iterations, 32, sha256.New), nil
	default:
		return nil, fmt.Errorf("unsupported kdf %q", kdf)
	}
}

// ScramKeys returns the base64 stored key and server key for a salted
// password, as kept in a principal record.
func ScramKeys(salted []byte) (storedKey, serverKey string) {
	clientKey := hmacSHA256(salted, []byte("Client Key"))
	stored := sha256.Sum256(clientKey)
	return base64.StdEncoding.EncodeToString(stored[:]),
		base64.StdEncoding.EncodeToString(hmacSHA256(salted, []byte("Server Key")))
}

// ScramProof computes the client proof for a challenge. Clients and tests
// use it; the router only verifies.
func ScramProof(salted []byte, authid, clientNonce, nonce, salt string, iterations int) string {
	clientKey := hmacSHA256(salted, []byte("Client Key"))
	stored := sha256.Sum256(clientKey)
	sig := hmacSHA256(stored[:], scramAuthMessage(authid, clientNonce, nonce, salt, iterations))
	proof := make([]byte, len(clientKey))
	for i := range clientKey {
		proof[i] = clientKey[i] ^ sig[i]
	}
	return base64.StdEncoding.EncodeToString(proof)
}
