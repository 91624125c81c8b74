// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"time"

	"github.com/absmach/wampd/pkg/breaker"
	"github.com/gammazero/nexus/v3/wamp"
	jsoniter "github.com/json-iterator/go"
)

// Kind is a resource kind managed by the controller.
type Kind string

const (
	KindTransport  Kind = "transport"
	KindConnection Kind = "connection"
	KindRoute      Kind = "route"
)

// ResourceState is a lifecycle state of a resource.
type ResourceState string

const (
	StateCreated  ResourceState = "created"
	StateStarting ResourceState = "starting"
	StateStarted  ResourceState = "started"
	StateStopping ResourceState = "stopping"
	StateStopped  ResourceState = "stopped"
)

// Resource is a snapshot of a transport, connection or route.
type Resource struct {
	Kind    Kind          `json:"kind"`
	ID      string        `json:"id"`
	Config  any           `json:"config"`
	State   ResourceState `json:"state"`
	Started *time.Time    `json:"started,omitempty"`
	Stopped *time.Time    `json:"stopped,omitempty"`
}

// Dict marshals the resource as lifecycle events carry it.
func (r Resource) Dict() wamp.Dict {
	d := wamp.Dict{
		"id":      r.ID,
		"config":  configDict(r.Config),
		"state":   string(r.State),
		"started": nil,
		"stopped": nil,
	}
	if r.Started != nil {
		d["started"] = r.Started.UTC().Format(time.RFC3339Nano)
	}
	if r.Stopped != nil {
		d["stopped"] = r.Stopped.UTC().Format(time.RFC3339Nano)
	}
	return d
}

func configDict(v any) wamp.Dict {
	b, err := jsoniter.Marshal(v)
	if err != nil {
		return wamp.Dict{}
	}
	out := wamp.Dict{}
	if err := jsoniter.Unmarshal(b, &out); err != nil {
		return wamp.Dict{}
	}
	return out
}

type resource struct {
	kind    Kind
	id      string
	config  any
	state   ResourceState
	started time.Time
	stopped time.Time

	listener Listener
	conn     ConnectionConfig
	cb       *breaker.CircuitBreaker
	route    RouteConfig
}

func (r *resource) snapshot() Resource {
	s := Resource{Kind: r.kind, ID: r.id, Config: r.config, State: r.state}
	if !r.started.IsZero() {
		t := r.started
		s.Started = &t
	}
	if !r.stopped.IsZero() {
		t := r.stopped
		s.Stopped = &t
	}
	return s
}
