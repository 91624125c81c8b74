// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"crypto/sha1"
	"crypto/x509"
	"fmt"
	"strings"

	"github.com/absmach/wampd/pkg/protocol"
	"github.com/gammazero/nexus/v3/wamp"
)

type tlsAuth struct {
	cfg  MethodConfig
	deps Deps
}

func newTLS(cfg MethodConfig, deps Deps) PendingAuth {
	return &tlsAuth{cfg: cfg, deps: deps}
}

func (t *tlsAuth) Method() string { return MethodTLS }

func (t *tlsAuth) Hello(ctx context.Context, req Hello) Outcome {
	if req.Transport == nil || req.Transport.ClientCert == nil {
		return deny(protocol.ErrAuthenticationFailed, "tls authentication requires a client certificate")
	}
	fp := Fingerprint(req.Transport.ClientCert)

	authid := req.AuthID()
	if t.cfg.Type != TypeDynamic {
		for id, p := range t.cfg.Principals {
			if strings.EqualFold(p.CertificateSHA1, fp) && (authid == "" || authid == id) {
				return accept(req, p, t.cfg, MethodTLS, TypeStatic, id)
			}
		}
		return deny(protocol.ErrNoSuchPrincipal, "no principal for certificate %s", fp)
	}
	if authid == "" {
		authid = req.Transport.ClientCert.Subject.CommonName
	}
	p, provider, err := lookup(ctx, t.cfg, t.deps, req, authid, wamp.Dict{"certificate_sha1": fp})
	if err != nil {
		return lookupOutcome(authid, err)
	}
	if p.CertificateSHA1 != "" && !strings.EqualFold(p.CertificateSHA1, fp) {
		return deny(protocol.ErrAuthenticationFailed, "certificate %s does not belong to %q", fp, authid)
	}
	return accept(req, p, t.cfg, MethodTLS, provider, authid)
}

func (t *tlsAuth) Authenticate(context.Context, string, wamp.Dict) Outcome {
	return deny(protocol.ErrProtocolViolation, "tls does not take a challenge response")
}

// Fingerprint returns the SHA-1 fingerprint of cert as upper case colon
// separated hex.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha1.Sum(cert.Raw)
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, ":")
}
