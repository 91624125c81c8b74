// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"sort"
	"strings"

	"github.com/absmach/wampd/pkg/protocol"
	"github.com/gammazero/nexus/v3/wamp"
)

// Cancel modes.
const (
	CancelSkip       = "skip"
	CancelKill       = "kill"
	CancelKillNoWait = "killnowait"
)

var dealerFeatures = wamp.Dict{
	"features": wamp.Dict{
		"call_canceling":             true,
		"caller_identification":      true,
		"pattern_based_registration": true,
		"progressive_call_results":   true,
		"registration_meta_api":      true,
		"session_meta_api":           true,
		"testament_meta_api":         true,
	},
}

type registration struct {
	id        wamp.ID
	match     string
	procedure wamp.URI
	callee    *Session
}

type invocation struct {
	id       wamp.ID
	caller   *Session
	request  wamp.ID
	callee   *Session
	canceled bool
}

type callKey struct {
	caller  *Session
	request wamp.ID
}

// dealer routes calls. It is guarded by the realm lock.
type dealer struct {
	ids         *idgen
	regs        map[wamp.ID]*registration
	byProc      map[string]map[wamp.URI]*registration
	bySession   map[*Session]map[wamp.ID]struct{}
	invocations map[wamp.ID]*invocation
	calls       map[callKey]*invocation
}

func newDealer(ids *idgen) *dealer {
	return &dealer{
		ids:  ids,
		regs: make(map[wamp.ID]*registration),
		byProc: map[string]map[wamp.URI]*registration{
			protocol.MatchExact:    {},
			protocol.MatchPrefix:   {},
			protocol.MatchWildcard: {},
		},
		bySession:   make(map[*Session]map[wamp.ID]struct{}),
		invocations: make(map[wamp.ID]*invocation),
		calls:       make(map[callKey]*invocation),
	}
}

func (d *dealer) register(s *Session, m *wamp.Register) []delivery {
	match := matchPolicy(m.Options)
	if !protocol.ValidURI(m.Procedure, match) {
		return reply(s, errorFor(m, m.Request, protocol.ErrInvalidURI, "register for invalid procedure URI "+string(m.Procedure)))
	}
	if _, ok := d.byProc[match][m.Procedure]; ok {
		return reply(s, errorFor(m, m.Request, protocol.ErrProcedureAlreadyExists, "procedure "+string(m.Procedure)+" is already registered"))
	}
	reg := &registration{id: d.ids.next(), match: match, procedure: m.Procedure, callee: s}
	d.regs[reg.id] = reg
	d.byProc[match][m.Procedure] = reg
	set, ok := d.bySession[s]
	if !ok {
		set = make(map[wamp.ID]struct{})
		d.bySession[s] = set
	}
	set[reg.id] = struct{}{}
	return reply(s, &wamp.Registered{Request: m.Request, Registration: reg.id})
}

func (d *dealer) unregister(s *Session, m *wamp.Unregister) []delivery {
	reg, ok := d.regs[m.Registration]
	if !ok || reg.callee != s {
		return reply(s, errorFor(m, m.Request, protocol.ErrNoSuchRegistration, "no such registration"))
	}
	d.drop(reg)
	return reply(s, &wamp.Unregistered{Request: m.Request})
}

func (d *dealer) drop(reg *registration) {
	delete(d.regs, reg.id)
	delete(d.byProc[reg.match], reg.procedure)
	if set, ok := d.bySession[reg.callee]; ok {
		delete(set, reg.id)
		if len(set) == 0 {
			delete(d.bySession, reg.callee)
		}
	}
}

// lookup finds the registration serving procedure: exact first, then the
// longest prefix, then the wildcard with the most literal components.
func (d *dealer) lookup(procedure wamp.URI) (*registration, bool) {
	if reg, ok := d.byProc[protocol.MatchExact][procedure]; ok {
		return reg, true
	}
	var best *registration
	for pattern, reg := range d.byProc[protocol.MatchPrefix] {
		if procedure.PrefixMatch(pattern) && (best == nil || len(pattern) > len(best.procedure)) {
			best = reg
		}
	}
	if best != nil {
		return best, true
	}
	score := -1
	for pattern, reg := range d.byProc[protocol.MatchWildcard] {
		if !procedure.WildcardMatch(pattern) {
			continue
		}
		n := len(strings.Split(string(pattern), ".")) - strings.Count(string(pattern), "..")
		if n > score {
			best, score = reg, n
		}
	}
	return best, best != nil
}

func (d *dealer) call(s *Session, m *wamp.Call, disclose bool) []delivery {
	if !protocol.ValidURI(m.Procedure, protocol.MatchExact) {
		return reply(s, errorFor(m, m.Request, protocol.ErrInvalidURI, "call with invalid procedure URI "+string(m.Procedure)))
	}
	reg, ok := d.lookup(m.Procedure)
	if !ok {
		return reply(s, errorFor(m, m.Request, protocol.ErrNoSuchProcedure, "no callee registered for procedure "+string(m.Procedure)))
	}
	inv := &invocation{id: d.ids.next(), caller: s, request: m.Request, callee: reg.callee}
	d.invocations[inv.id] = inv
	d.calls[callKey{s, m.Request}] = inv

	details := wamp.Dict{}
	if reg.match != protocol.MatchExact {
		details["procedure"] = string(m.Procedure)
	}
	if disclose {
		details["caller"] = s.ID()
		details["caller_authid"] = s.info.AuthID
		details["caller_authrole"] = s.info.AuthRole
	}
	if protocol.Bool(m.Options, "receive_progress") {
		details["receive_progress"] = true
	}
	return []delivery{{to: reg.callee, msg: &wamp.Invocation{
		Request:      inv.id,
		Registration: reg.id,
		Details:      details,
		Arguments:    m.Arguments,
		ArgumentsKw:  m.ArgumentsKw,
	}}}
}

func (d *dealer) finish(inv *invocation) {
	delete(d.invocations, inv.id)
	if cur, ok := d.calls[callKey{inv.caller, inv.request}]; ok && cur == inv {
		delete(d.calls, callKey{inv.caller, inv.request})
	}
}

func (d *dealer) yield(s *Session, m *wamp.Yield) []delivery {
	inv, ok := d.invocations[m.Request]
	if !ok || inv.callee != s {
		return nil
	}
	progress := protocol.Bool(m.Options, "progress")
	if !progress {
		d.finish(inv)
	}
	if inv.canceled {
		return nil
	}
	details := wamp.Dict{}
	if progress {
		details["progress"] = true
	}
	return []delivery{{to: inv.caller, msg: &wamp.Result{
		Request:     inv.request,
		Details:     details,
		Arguments:   m.Arguments,
		ArgumentsKw: m.ArgumentsKw,
	}}}
}

func (d *dealer) invocationError(s *Session, m *wamp.Error) []delivery {
	inv, ok := d.invocations[m.Request]
	if !ok || inv.callee != s {
		return nil
	}
	d.finish(inv)
	if inv.canceled {
		return nil
	}
	details := m.Details
	if details == nil {
		details = wamp.Dict{}
	}
	return []delivery{{to: inv.caller, msg: &wamp.Error{
		Type:        wamp.CALL,
		Request:     inv.request,
		Details:     details,
		Error:       m.Error,
		Arguments:   m.Arguments,
		ArgumentsKw: m.ArgumentsKw,
	}}}
}

func (d *dealer) cancel(s *Session, m *wamp.Cancel) []delivery {
	inv, ok := d.calls[callKey{s, m.Request}]
	if !ok || inv.canceled {
		return nil
	}
	mode := wamp.OptionString(m.Options, "mode")
	if mode == "" {
		mode = CancelKillNoWait
	}
	canceled := &wamp.Error{
		Type:      wamp.CALL,
		Request:   m.Request,
		Details:   wamp.Dict{},
		Error:     protocol.ErrCanceled,
		Arguments: wamp.List{"call canceled"},
	}
	interrupt := &wamp.Interrupt{Request: inv.id, Options: wamp.Dict{"mode": mode}}
	switch mode {
	case CancelSkip:
		inv.canceled = true
		delete(d.calls, callKey{s, m.Request})
		return reply(s, canceled)
	case CancelKill:
		return []delivery{{to: inv.callee, msg: interrupt}}
	case CancelKillNoWait:
		inv.canceled = true
		delete(d.calls, callKey{s, m.Request})
		return []delivery{{to: inv.callee, msg: interrupt}, {to: s, msg: canceled}}
	default:
		return reply(s, errorFor(m, m.Request, protocol.ErrInvalidArgument, "invalid cancel mode "+mode))
	}
}

// removeSession drops the session's registrations and fails or interrupts
// the calls it is part of.
func (d *dealer) removeSession(s *Session) []delivery {
	for id := range d.bySession[s] {
		if reg, ok := d.regs[id]; ok {
			d.drop(reg)
		}
	}
	delete(d.bySession, s)

	ids := make([]wamp.ID, 0, len(d.invocations))
	for id := range d.invocations {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var out []delivery
	for _, id := range ids {
		inv := d.invocations[id]
		switch {
		case inv.callee == s:
			d.finish(inv)
			if !inv.canceled {
				out = append(out, delivery{to: inv.caller, msg: &wamp.Error{
					Type:      wamp.CALL,
					Request:   inv.request,
					Details:   wamp.Dict{},
					Error:     protocol.ErrCanceled,
					Arguments: wamp.List{"callee left"},
				}})
			}
		case inv.caller == s:
			d.finish(inv)
			out = append(out, delivery{to: inv.callee, msg: &wamp.Interrupt{
				Request: inv.id,
				Options: wamp.Dict{"mode": CancelKillNoWait},
			}})
		}
	}
	return out
}

func (d *dealer) list() wamp.Dict {
	out := wamp.Dict{}
	for policy, regs := range d.byProc {
		ids := make(wamp.List, 0, len(regs))
		for _, reg := range regs {
			ids = append(ids, reg.id)
		}
		out[policy] = ids
	}
	return out
}
