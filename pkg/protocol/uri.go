// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"strings"

	"github.com/gammazero/nexus/v3/wamp"
)

// Error and close reasons.
const (
	ErrNotAuthorized          = wamp.URI("wamp.error.not_authorized")
	ErrAuthorizationFailed    = wamp.URI("wamp.error.authorization_failed")
	ErrAuthenticationFailed   = wamp.URI("wamp.error.authentication_failed")
	ErrNoAuthMethod           = wamp.URI("wamp.error.no_auth_method")
	ErrNoSuchRealm            = wamp.URI("wamp.error.no_such_realm")
	ErrNoSuchRole             = wamp.URI("wamp.error.no_such_role")
	ErrNoSuchPrincipal        = wamp.URI("wamp.error.no_such_principal")
	ErrNoSuchProcedure        = wamp.URI("wamp.error.no_such_procedure")
	ErrNoSuchRegistration     = wamp.URI("wamp.error.no_such_registration")
	ErrNoSuchSubscription     = wamp.URI("wamp.error.no_such_subscription")
	ErrNoSuchSession          = wamp.URI("wamp.error.no_such_session")
	ErrProcedureAlreadyExists = wamp.URI("wamp.error.procedure_already_exists")
	ErrInvalidURI             = wamp.URI("wamp.error.invalid_uri")
	ErrInvalidArgument        = wamp.URI("wamp.error.invalid_argument")
	ErrProtocolViolation      = wamp.URI("wamp.error.protocol_violation")
	ErrCanceled               = wamp.URI("wamp.error.canceled")
	ErrTimeout                = wamp.URI("wamp.error.timeout")
	ErrRuntime                = wamp.URI("wamp.error.runtime_error")

	CloseNormal     = wamp.URI("wamp.close.normal")
	CloseGoodbye    = wamp.URI("wamp.close.goodbye_and_out")
	CloseLogout     = wamp.URI("wamp.close.logout")
	CloseSystemDown = wamp.URI("wamp.close.system_shutdown")
	CloseKilled     = wamp.URI("wamp.close.killed")
	CloseLost       = wamp.URI("wamp.close.transport_lost")
)

// Meta API topics and procedures.
const (
	MetaOnJoin           = wamp.URI("wamp.session.on_join")
	MetaOnLeave          = wamp.URI("wamp.session.on_leave")
	MetaSessionCount     = wamp.URI("wamp.session.count")
	MetaSessionList      = wamp.URI("wamp.session.list")
	MetaSessionGet       = wamp.URI("wamp.session.get")
	MetaSessionKill      = wamp.URI("wamp.session.kill")
	MetaAddTestament     = wamp.URI("wamp.session.add_testament")
	MetaFlushTestaments  = wamp.URI("wamp.session.flush_testaments")
	MetaSubscriptionList = wamp.URI("wamp.subscription.list")
	MetaRegistrationList = wamp.URI("wamp.registration.list")
)

// Match policies for subscriptions and registrations.
const (
	MatchExact    = "exact"
	MatchPrefix   = "prefix"
	MatchWildcard = "wildcard"
)

// MatchURI reports whether uri matches pattern under policy. Wildcard
// patterns have empty components that match any single component.
func MatchURI(policy string, pattern, uri wamp.URI) bool {
	switch policy {
	case MatchPrefix:
		return uri.PrefixMatch(pattern)
	case MatchWildcard:
		return uri.WildcardMatch(pattern)
	default:
		return pattern == uri
	}
}

// ValidURI reports whether uri is a valid loose URI for the match policy.
// Empty components are allowed only for wildcard patterns; a prefix may end
// with a dot.
func ValidURI(uri wamp.URI, policy string) bool {
	switch policy {
	case MatchExact:
		policy = ""
	case MatchPrefix:
		if trimmed := strings.TrimSuffix(string(uri), "."); trimmed != string(uri) {
			return trimmed != "" && wamp.URI(trimmed).ValidURI(false, "")
		}
	}
	return uri.ValidURI(false, policy)
}
