// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"errors"

	"github.com/gammazero/nexus/v3/wamp"
)

type call struct {
	procedure wamp.URI
	args      wamp.List
}

type fakeCaller struct {
	calls  []call
	result any
	err    error
	panics bool
}

func (f *fakeCaller) Call(_ context.Context, procedure wamp.URI, args wamp.List, _ wamp.Dict) (*wamp.Result, error) {
	f.calls = append(f.calls, call{procedure: procedure, args: args})
	if f.panics {
		panic("authenticator exploded")
	}
	if f.err != nil {
		return nil, f.err
	}
	return &wamp.Result{Arguments: wamp.List{f.result}}, nil
}

var errNoPrincipal = errors.New("wamp.error.no_such_principal")
