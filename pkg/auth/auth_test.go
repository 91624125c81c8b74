// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/hex"
	"math/big"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/absmach/wampd/pkg/errors"
	"github.com/absmach/wampd/pkg/protocol"
	"github.com/gammazero/nexus/v3/wamp"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAuthenticator(t *testing.T, cfg Config, deps Deps) *Authenticator {
	t.Helper()
	a, err := New(cfg, deps)
	require.NoError(t, err)
	return a
}

func hello(realm string, details wamp.Dict) Hello {
	return Hello{
		Realm:     realm,
		SessionID: 42,
		Details:   details,
		Transport: &protocol.Details{Type: protocol.TransportRawSocket, Peer: "tcp4:127.0.0.1:5000"},
	}
}

func methods(m ...string) wamp.List {
	l := make(wamp.List, len(m))
	for i := range m {
		l[i] = m[i]
	}
	return l
}

func requireChallenge(t *testing.T, o Outcome, pa PendingAuth) Challenge {
	t.Helper()
	c, ok := o.(Challenge)
	require.True(t, ok, "expected challenge, got %#v", o)
	require.NotNil(t, pa)
	return c
}

func requireAccept(t *testing.T, o Outcome) Accept {
	t.Helper()
	a, ok := o.(Accept)
	require.True(t, ok, "expected accept, got %#v", o)
	return a
}

func requireDeny(t *testing.T, o Outcome, reason wamp.URI) Deny {
	t.Helper()
	d, ok := o.(Deny)
	require.True(t, ok, "expected deny, got %#v", o)
	assert.Equal(t, reason, d.Reason)
	return d
}

func TestNewValidatesMethods(t *testing.T) {
	_, err := New(Config{"kerberos": {}}, Deps{})
	assert.ErrorIs(t, err, errors.ErrInvalidInput)

	_, err = New(Config{MethodTicket: {}}, Deps{}, MethodAnonymous)
	assert.ErrorIs(t, err, errors.ErrInvalidInput)

	_, err = New(Config{MethodTicket: {Type: TypeDynamic}}, Deps{})
	assert.ErrorIs(t, err, errors.ErrInvalidInput)

	_, err = New(Config{MethodCookie: {}}, Deps{})
	assert.ErrorIs(t, err, errors.ErrInvalidInput)
}

func TestAnonymous(t *testing.T) {
	a := newAuthenticator(t, Config{MethodAnonymous: {Role: "public"}}, Deps{})

	o, pa := a.Hello(context.Background(), hello("realm1", wamp.Dict{}))
	assert.Nil(t, pa)
	acc := requireAccept(t, o)
	assert.Equal(t, "realm1", acc.Realm)
	assert.Equal(t, "public", acc.AuthRole)
	assert.Equal(t, MethodAnonymous, acc.AuthMethod)
	assert.Regexp(t, regexp.MustCompile(`^[A-Z2-7]{4}(-[A-Z2-7]{4}){5}$`), acc.AuthID)

	req := hello("realm1", wamp.Dict{"authmethods": methods(MethodAnonymous)})
	req.Transport.CookieID = "cookie-1"
	o, _ = a.Hello(context.Background(), req)
	assert.Equal(t, "cookie-1", requireAccept(t, o).AuthID)
}

func TestMethodSelection(t *testing.T) {
	a := newAuthenticator(t, Config{
		MethodAnonymous: {},
		MethodTicket:    {Principals: map[string]Principal{"joe": {Ticket: "secret"}}},
	}, Deps{})

	// Offered but unconfigured methods are skipped in client order.
	o, pa := a.Hello(context.Background(), hello("r", wamp.Dict{
		"authmethods": methods(MethodWAMPCRA, MethodTicket, MethodAnonymous),
		"authid":      "joe",
	}))
	c := requireChallenge(t, o, pa)
	assert.Equal(t, MethodTicket, c.Method)

	o, pa = a.Hello(context.Background(), hello("r", wamp.Dict{"authmethods": methods(MethodSCRAM)}))
	assert.Nil(t, pa)
	requireDeny(t, o, protocol.ErrNoAuthMethod)
}

func TestTicketStatic(t *testing.T) {
	a := newAuthenticator(t, Config{MethodTicket: {
		Role:       "user",
		Principals: map[string]Principal{"joe": {Ticket: "secret"}, "ann": {Ticket: "pw", Role: "admin", Realm: "other"}},
	}}, Deps{})
	ctx := context.Background()

	cases := []struct {
		desc   string
		realm  string
		authid string
		ticket string
		reason wamp.URI
		role   string
	}{
		{desc: "valid ticket", realm: "r", authid: "joe", ticket: "secret", role: "user"},
		{desc: "wrong ticket", realm: "r", authid: "joe", ticket: "nope", reason: protocol.ErrAuthenticationFailed},
		{desc: "principal realm mismatch", realm: "r", authid: "ann", ticket: "pw", reason: protocol.ErrNotAuthorized},
		{desc: "principal realm", realm: "other", authid: "ann", ticket: "pw", role: "admin"},
	}
	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			o, pa := a.Hello(ctx, hello(tc.realm, wamp.Dict{"authmethods": methods(MethodTicket), "authid": tc.authid}))
			requireChallenge(t, o, pa)
			o = a.Authenticate(ctx, nil, pa, tc.ticket, nil)
			if tc.reason != "" {
				requireDeny(t, o, tc.reason)
				return
			}
			acc := requireAccept(t, o)
			assert.Equal(t, tc.authid, acc.AuthID)
			assert.Equal(t, tc.role, acc.AuthRole)
			assert.Equal(t, TypeStatic, acc.AuthProvider)
		})
	}

	o, pa := a.Hello(ctx, hello("r", wamp.Dict{"authmethods": methods(MethodTicket), "authid": "ghost"}))
	assert.Nil(t, pa)
	requireDeny(t, o, protocol.ErrNoSuchPrincipal)
}

func TestTicketJWT(t *testing.T) {
	secret := "jwt-secret"
	a := newAuthenticator(t, Config{MethodTicket: {Role: "user", JWTSecret: secret}}, Deps{})
	ctx := context.Background()

	sign := func(sub, role string) string {
		tok := jwt.NewWithClaims(jwt.SigningMethodHS256, ticketClaims{
			Role: role,
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   sub,
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		})
		s, err := tok.SignedString([]byte(secret))
		require.NoError(t, err)
		return s
	}

	o, pa := a.Hello(ctx, hello("r", wamp.Dict{"authmethods": methods(MethodTicket), "authid": "dev-1"}))
	requireChallenge(t, o, pa)
	acc := requireAccept(t, a.Authenticate(ctx, nil, pa, sign("dev-1", "device"), nil))
	assert.Equal(t, "device", acc.AuthRole)
	assert.Equal(t, providerJWT, acc.AuthProvider)

	o, pa = a.Hello(ctx, hello("r", wamp.Dict{"authmethods": methods(MethodTicket), "authid": "dev-1"}))
	requireChallenge(t, o, pa)
	requireDeny(t, a.Authenticate(ctx, nil, pa, sign("dev-2", ""), nil), protocol.ErrAuthenticationFailed)
}

func TestTicketDynamic(t *testing.T) {
	caller := &fakeCaller{result: wamp.Dict{"role": "frontend"}}
	a := newAuthenticator(t, Config{MethodTicket: {Type: TypeDynamic, Authenticator: "com.example.authenticate"}}, Deps{Caller: caller})
	ctx := context.Background()

	o, pa := a.Hello(ctx, hello("r", wamp.Dict{"authmethods": methods(MethodTicket), "authid": "joe"}))
	requireChallenge(t, o, pa)
	acc := requireAccept(t, a.Authenticate(ctx, nil, pa, "t0k3n", nil))
	assert.Equal(t, "frontend", acc.AuthRole)
	assert.Equal(t, providerDynamic, acc.AuthProvider)

	require.Len(t, caller.calls, 1)
	assert.Equal(t, wamp.URI("com.example.authenticate"), caller.calls[0].procedure)
	assert.Equal(t, "r", caller.calls[0].args[0])
	assert.Equal(t, "joe", caller.calls[0].args[1])
	assert.Equal(t, "t0k3n", caller.calls[0].args[2].(wamp.Dict)["ticket"])

	caller.err = errNoPrincipal
	o, pa = a.Hello(ctx, hello("r", wamp.Dict{"authmethods": methods(MethodTicket), "authid": "joe"}))
	requireChallenge(t, o, pa)
	requireDeny(t, a.Authenticate(ctx, nil, pa, "t0k3n", nil), protocol.ErrNoSuchPrincipal)
}

func TestPanicBecomesDeny(t *testing.T) {
	caller := &fakeCaller{panics: true}
	a := newAuthenticator(t, Config{MethodWAMPCRA: {Type: TypeDynamic, Authenticator: "com.example.authenticate"}}, Deps{Caller: caller})

	o, pa := a.Hello(context.Background(), hello("r", wamp.Dict{"authmethods": methods(MethodWAMPCRA), "authid": "joe"}))
	assert.Nil(t, pa)
	d := requireDeny(t, o, protocol.ErrAuthorizationFailed)
	assert.Contains(t, d.Message, "authenticator exploded")
}

func TestWAMPCRA(t *testing.T) {
	salted := DeriveKey("password", "salt123", 100, 32)
	a := newAuthenticator(t, Config{MethodWAMPCRA: {Principals: map[string]Principal{
		"joe":  {Secret: "plain", Role: "user"},
		"salt": {Secret: salted, Salt: "salt123", Iterations: 100, KeyLen: 32, Role: "user"},
	}}}, Deps{})
	ctx := context.Background()

	o, pa := a.Hello(ctx, hello("r", wamp.Dict{"authmethods": methods(MethodWAMPCRA), "authid": "joe"}))
	c := requireChallenge(t, o, pa)
	challenge := c.Extra["challenge"].(string)
	assert.Contains(t, challenge, `"authid":"joe"`)
	assert.Contains(t, challenge, `"session":42`)
	acc := requireAccept(t, a.Authenticate(ctx, nil, pa, SignCRA("plain", challenge), nil))
	assert.Equal(t, MethodWAMPCRA, acc.AuthMethod)

	o, pa = a.Hello(ctx, hello("r", wamp.Dict{"authmethods": methods(MethodWAMPCRA), "authid": "salt"}))
	c = requireChallenge(t, o, pa)
	assert.Equal(t, "salt123", c.Extra["salt"])
	assert.Equal(t, 100, c.Extra["iterations"])
	// The client derives the key from its password with the announced salt.
	key := DeriveKey("password", c.Extra["salt"].(string), c.Extra["iterations"].(int), c.Extra["keylen"].(int))
	requireAccept(t, a.Authenticate(ctx, nil, pa, SignCRA(key, c.Extra["challenge"].(string)), nil))

	o, pa = a.Hello(ctx, hello("r", wamp.Dict{"authmethods": methods(MethodWAMPCRA), "authid": "joe"}))
	requireChallenge(t, o, pa)
	requireDeny(t, a.Authenticate(ctx, nil, pa, SignCRA("wrong", "x"), nil), protocol.ErrAuthenticationFailed)
}

func scramPrincipal(t *testing.T, password, kdf string) Principal {
	t.Helper()
	salt := base64.StdEncoding.EncodeToString([]byte("0123456789abcdef"))
	p := Principal{KDF: kdf, Salt: salt, Iterations: 1, Memory: 64, Role: "user"}
	if kdf == KDFPBKDF2 {
		p.Iterations = 100
	}
	salted, err := ScramSaltedPassword(password, kdf, salt, p.Iterations, p.Memory)
	require.NoError(t, err)
	p.StoredKey, p.ServerKey = ScramKeys(salted)
	return p
}

func TestSCRAM(t *testing.T) {
	for _, kdf := range []string{KDFArgon2, KDFPBKDF2} {
		t.Run(kdf, func(t *testing.T) {
			p := scramPrincipal(t, "s3cret", kdf)
			a := newAuthenticator(t, Config{MethodSCRAM: {Principals: map[string]Principal{"joe": p}}}, Deps{})
			ctx := context.Background()

			clientNonce := "client-nonce-" + kdf
			o, pa := a.Hello(ctx, hello("r", wamp.Dict{
				"authmethods": methods(MethodSCRAM),
				"authid":      "joe",
				"authextra":   wamp.Dict{"nonce": clientNonce},
			}))
			c := requireChallenge(t, o, pa)
			nonce := c.Extra["nonce"].(string)
			assert.Contains(t, nonce, clientNonce)
			assert.Equal(t, kdf, c.Extra["kdf"])

			salted, err := ScramSaltedPassword("s3cret", kdf, p.Salt, p.Iterations, p.Memory)
			require.NoError(t, err)
			proof := ScramProof(salted, "joe", clientNonce, nonce, p.Salt, p.Iterations)
			acc := requireAccept(t, a.Authenticate(ctx, nil, pa, proof, wamp.Dict{"nonce": nonce}))
			assert.NotEmpty(t, acc.AuthExtra["scram_server_signature"])

			// The same client nonce cannot be used twice.
			o, pa = a.Hello(ctx, hello("r", wamp.Dict{
				"authmethods": methods(MethodSCRAM),
				"authid":      "joe",
				"authextra":   wamp.Dict{"nonce": clientNonce},
			}))
			assert.Nil(t, pa)
			requireDeny(t, o, protocol.ErrAuthenticationFailed)
		})
	}
}

func TestSCRAMRejectsBadProof(t *testing.T) {
	p := scramPrincipal(t, "s3cret", KDFPBKDF2)
	a := newAuthenticator(t, Config{MethodSCRAM: {Principals: map[string]Principal{"joe": p}}}, Deps{})
	ctx := context.Background()

	o, pa := a.Hello(ctx, hello("r", wamp.Dict{
		"authmethods": methods(MethodSCRAM),
		"authid":      "joe",
		"authextra":   wamp.Dict{"nonce": "n1"},
	}))
	c := requireChallenge(t, o, pa)
	nonce := c.Extra["nonce"].(string)

	salted, err := ScramSaltedPassword("wrong", KDFPBKDF2, p.Salt, p.Iterations, p.Memory)
	require.NoError(t, err)
	proof := ScramProof(salted, "joe", "n1", nonce, p.Salt, p.Iterations)
	requireDeny(t, a.Authenticate(ctx, nil, pa, proof, wamp.Dict{"nonce": nonce}), protocol.ErrAuthenticationFailed)

	requireDeny(t, a.Authenticate(ctx, nil, pa, proof, wamp.Dict{"nonce": "stale"}), protocol.ErrAuthenticationFailed)
}

func keyPair(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return pub, priv
}

func signChallenge(t *testing.T, priv ed25519.PrivateKey, c Challenge) string {
	t.Helper()
	raw, err := hex.DecodeString(c.Extra["challenge"].(string))
	require.NoError(t, err)
	return hex.EncodeToString(ed25519.Sign(priv, raw))
}

func TestCryptosign(t *testing.T) {
	pub, priv := keyPair(t)
	_, other := keyPair(t)
	a := newAuthenticator(t, Config{MethodCryptosign: {Principals: map[string]Principal{
		"device-1": {AuthorizedKeys: []string{hex.EncodeToString(pub)}, Role: "device"},
	}}}, Deps{})
	ctx := context.Background()
	details := wamp.Dict{
		"authmethods": methods(MethodCryptosign),
		"authextra":   wamp.Dict{"pubkey": hex.EncodeToString(pub)},
	}

	o, pa := a.Hello(ctx, hello("r", details))
	c := requireChallenge(t, o, pa)
	acc := requireAccept(t, a.Authenticate(ctx, nil, pa, signChallenge(t, priv, c), nil))
	assert.Equal(t, "device-1", acc.AuthID)
	assert.Equal(t, "device", acc.AuthRole)
	assert.Equal(t, hex.EncodeToString(pub), acc.AuthExtra["pubkey"])

	// Signature followed by the signed challenge is accepted too.
	o, pa = a.Hello(ctx, hello("r", details))
	c = requireChallenge(t, o, pa)
	requireAccept(t, a.Authenticate(ctx, nil, pa, signChallenge(t, priv, c)+c.Extra["challenge"].(string), nil))

	o, pa = a.Hello(ctx, hello("r", details))
	c = requireChallenge(t, o, pa)
	requireDeny(t, a.Authenticate(ctx, nil, pa, signChallenge(t, other, c), nil), protocol.ErrAuthenticationFailed)

	o, pa = a.Hello(ctx, hello("r", details))
	requireChallenge(t, o, pa)
	requireDeny(t, a.Authenticate(ctx, nil, pa, "abcd", nil), protocol.ErrAuthenticationFailed)
}

func TestCryptosignProxy(t *testing.T) {
	pub, priv := keyPair(t)
	untrusted, _ := keyPair(t)
	a := newAuthenticator(t, Config{MethodCryptosignProxy: {Principals: map[string]Principal{
		"proxy-node": {AuthorizedKeys: []string{hex.EncodeToString(pub)}},
	}}}, Deps{})
	ctx := context.Background()

	extra := wamp.Dict{
		"pubkey":             hex.EncodeToString(pub),
		"proxy_realm":        "realm1",
		"proxy_authid":       "alice",
		"proxy_authrole":     "user",
		"proxy_authmethod":   MethodTicket,
		"proxy_authprovider": TypeStatic,
		"proxy_authextra":    wamp.Dict{"tier": "gold"},
	}
	o, pa := a.Hello(ctx, hello("realm1", wamp.Dict{
		"authmethods": methods(MethodCryptosignProxy),
		"authid":      "alice",
		"authextra":   extra,
	}))
	c := requireChallenge(t, o, pa)
	assert.Equal(t, MethodCryptosignProxy, c.Method)
	acc := requireAccept(t, a.Authenticate(ctx, nil, pa, signChallenge(t, priv, c), nil))
	assert.Equal(t, Accept{
		Realm:        "realm1",
		AuthID:       "alice",
		AuthRole:     "user",
		AuthMethod:   MethodTicket,
		AuthProvider: TypeStatic,
		AuthExtra:    wamp.Dict{"tier": "gold"},
	}, acc)

	missing := protocol.Clone(extra)
	delete(missing, "proxy_authrole")
	o, _ = a.Hello(ctx, hello("realm1", wamp.Dict{"authmethods": methods(MethodCryptosignProxy), "authextra": missing}))
	requireDeny(t, o, protocol.ErrAuthenticationFailed)

	bad := protocol.Clone(extra)
	bad["pubkey"] = hex.EncodeToString(untrusted)
	o, _ = a.Hello(ctx, hello("realm1", wamp.Dict{"authmethods": methods(MethodCryptosignProxy), "authextra": bad}))
	requireDeny(t, o, protocol.ErrNotAuthorized)

	o, _ = a.Hello(ctx, hello("realm2", wamp.Dict{"authmethods": methods(MethodCryptosignProxy), "authextra": extra}))
	requireDeny(t, o, protocol.ErrAuthenticationFailed)
}

func TestAnonymousProxy(t *testing.T) {
	a := newAuthenticator(t, Config{MethodAnonymousProxy: {}}, Deps{})
	details := wamp.Dict{
		"authmethods": methods(MethodAnonymousProxy),
		"authextra":   wamp.Dict{"proxy_realm": "r", "proxy_authid": "bob", "proxy_authrole": "user"},
	}

	req := hello("r", details)
	o, _ := a.Hello(context.Background(), req)
	requireDeny(t, o, protocol.ErrNotAuthorized)

	req.Transport.UnixSocket = true
	acc := requireAccept(t, func() Outcome { o, _ := a.Hello(context.Background(), req); return o }())
	assert.Equal(t, "bob", acc.AuthID)
	assert.Equal(t, MethodAnonymousProxy, acc.AuthMethod)
}

func selfSigned(t *testing.T) *x509.Certificate {
	t.Helper()
	pub, priv := keyPair(t)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "device-7"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, pub, priv)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

func TestTLS(t *testing.T) {
	cert := selfSigned(t)
	fp := Fingerprint(cert)
	assert.Regexp(t, regexp.MustCompile(`^([0-9A-F]{2}:){19}[0-9A-F]{2}$`), fp)

	a := newAuthenticator(t, Config{MethodTLS: {Principals: map[string]Principal{
		"device-7": {CertificateSHA1: fp, Role: "device"},
	}}}, Deps{})
	details := wamp.Dict{"authmethods": methods(MethodTLS)}

	req := hello("r", details)
	o, _ := a.Hello(context.Background(), req)
	requireDeny(t, o, protocol.ErrAuthenticationFailed)

	req.Transport.ClientCert = cert
	o, pa := a.Hello(context.Background(), req)
	assert.Nil(t, pa)
	acc := requireAccept(t, o)
	assert.Equal(t, "device-7", acc.AuthID)
	assert.Equal(t, "device", acc.AuthRole)

	req.Transport.ClientCert = selfSigned(t)
	o, _ = a.Hello(context.Background(), req)
	requireDeny(t, o, protocol.ErrNoSuchPrincipal)
}

func TestCookie(t *testing.T) {
	cookies := NewMemoryCookieStore()
	a := newAuthenticator(t, Config{
		MethodCookie: {},
		MethodTicket: {Principals: map[string]Principal{"joe": {Ticket: "secret", Role: "user"}}},
	}, Deps{Cookies: cookies})
	ctx := context.Background()

	req := hello("r", wamp.Dict{"authmethods": methods(MethodCookie, MethodTicket), "authid": "joe"})
	req.Transport.CookieID = "cbtid-1"

	// No association yet: cookie falls through to ticket.
	o, pa := a.Hello(ctx, req)
	requireChallenge(t, o, pa)
	requireAccept(t, a.Authenticate(ctx, req.Transport, pa, "secret", nil))

	o, pa = a.Hello(ctx, req)
	assert.Nil(t, pa)
	acc := requireAccept(t, o)
	assert.Equal(t, MethodCookie, acc.AuthMethod)
	assert.Equal(t, "joe", acc.AuthID)
	assert.Equal(t, "user", acc.AuthRole)

	a.Logout(req.Transport)
	_, err := cookies.Get("cbtid-1")
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestBoltCookieStore(t *testing.T) {
	s, err := OpenBoltCookieStore(filepath.Join(t.TempDir(), "cookies.db"))
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Get("missing")
	assert.ErrorIs(t, err, errors.ErrNotFound)

	c := Cookie{ID: "c1", Realm: "r", AuthID: "joe", AuthRole: "user", AuthMethod: MethodTicket, AuthExtra: map[string]any{"k": "v"}}
	require.NoError(t, s.Set(c))
	got, err := s.Get("c1")
	require.NoError(t, err)
	assert.Equal(t, c.AuthID, got.AuthID)
	assert.Equal(t, c.AuthRole, got.AuthRole)
	assert.Equal(t, "v", got.AuthExtra["k"])

	require.NoError(t, s.Delete("c1"))
	_, err = s.Get("c1")
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestNonceCache(t *testing.T) {
	n := NewNonceCache(2)
	assert.True(t, n.Use("a"))
	assert.False(t, n.Use("a"))
	assert.True(t, n.Use("b"))
	assert.True(t, n.Use("c"))
	// "a" was evicted.
	assert.True(t, n.Use("a"))
	var nilCache *NonceCache
	assert.True(t, nilCache.Use("x"))
}
