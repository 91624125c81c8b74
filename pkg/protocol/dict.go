// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package protocol

import "github.com/gammazero/nexus/v3/wamp"

// String returns d[key] when it is a string or URI.
func String(d wamp.Dict, key string) string {
	s, _ := wamp.AsString(d[key])
	return s
}

// Bool returns d[key] when it is a bool.
func Bool(d wamp.Dict, key string) bool {
	return wamp.OptionFlag(d, key)
}

// BoolOr returns d[key] when it is a bool, or def.
func BoolOr(d wamp.Dict, key string, def bool) bool {
	if b, ok := d[key].(bool); ok {
		return b
	}
	return def
}

// Dict returns d[key] as a dictionary, or nil.
func Dict(d wamp.Dict, key string) wamp.Dict {
	out, _ := wamp.AsDict(d[key])
	return out
}

// Strings returns d[key] as a string slice, dropping non-string elements.
func Strings(d wamp.Dict, key string) []string {
	return AsStrings(d[key])
}

// AsStrings converts a list value into strings.
func AsStrings(v any) []string {
	if ss, ok := v.([]string); ok {
		return ss
	}
	l, ok := wamp.AsList(v)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(l))
	for _, e := range l {
		if s, ok := wamp.AsString(e); ok {
			out = append(out, s)
		}
	}
	return out
}

// Clone returns a shallow copy of d that is never nil.
func Clone(d wamp.Dict) wamp.Dict {
	out := make(wamp.Dict, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}
