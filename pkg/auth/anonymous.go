// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"encoding/base32"
	"strings"

	"github.com/absmach/wampd/pkg/protocol"
	"github.com/gammazero/nexus/v3/wamp"
	"github.com/google/uuid"
)

const defaultAnonymousRole = "anonymous"

type anonymous struct {
	cfg MethodConfig
}

func newAnonymous(cfg MethodConfig, _ Deps) PendingAuth {
	return &anonymous{cfg: cfg}
}

func (a *anonymous) Method() string { return MethodAnonymous }

func (a *anonymous) Hello(_ context.Context, req Hello) Outcome {
	authid := req.AuthID()
	if authid == "" {
		if req.Transport != nil && req.Transport.CookieID != "" {
			authid = req.Transport.CookieID
		} else {
			authid = NewAuthID()
		}
	}
	role := a.cfg.Role
	if role == "" {
		role = defaultAnonymousRole
	}
	return Accept{
		Realm:        req.Realm,
		AuthID:       authid,
		AuthRole:     role,
		AuthMethod:   MethodAnonymous,
		AuthProvider: TypeStatic,
	}
}

func (a *anonymous) Authenticate(context.Context, string, wamp.Dict) Outcome {
	return deny(protocol.ErrProtocolViolation, "anonymous does not take a challenge response")
}

var serialEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// NewAuthID returns a random identifier formatted as six dash separated
// groups of four characters.
func NewAuthID() string {
	id := uuid.New()
	s := serialEncoding.EncodeToString(id[:])[:24]
	parts := make([]string, 0, 6)
	for i := 0; i < len(s); i += 4 {
		parts = append(parts, s[i:i+4])
	}
	return strings.Join(parts, "-")
}
