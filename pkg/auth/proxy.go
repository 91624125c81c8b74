// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"errors"

	"github.com/absmach/wampd/pkg/protocol"
	"github.com/gammazero/nexus/v3/wamp"
)

var (
	errMissingProxyFields = errors.New("proxy_realm, proxy_authid and proxy_authrole are required in authextra")
	errProxyRealm         = errors.New("proxy_realm does not match the requested realm")
)

type anonymousProxy struct{}

func newAnonymousProxy(MethodConfig, Deps) PendingAuth {
	return anonymousProxy{}
}

func (anonymousProxy) Method() string { return MethodAnonymousProxy }

func (anonymousProxy) Hello(_ context.Context, req Hello) Outcome {
	if req.Transport == nil || !req.Transport.UnixSocket {
		return deny(protocol.ErrNotAuthorized, "anonymous-proxy is only accepted over Unix domain sockets")
	}
	p, err := proxiedIdentity(req, MethodAnonymousProxy)
	if err != nil {
		return deny(protocol.ErrAuthenticationFailed, "%v", err)
	}
	return *p
}

func (anonymousProxy) Authenticate(context.Context, string, wamp.Dict) Outcome {
	return deny(protocol.ErrProtocolViolation, "anonymous-proxy does not take a challenge response")
}
