// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"fmt"

	"github.com/absmach/wampd/pkg/errors"
	"github.com/absmach/wampd/pkg/protocol"
	"github.com/gammazero/nexus/v3/wamp"
)

// RoleTrusted is granted every action without consulting the realm's
// permissions. Service sessions run with it.
const RoleTrusted = "trusted"

// RealmConfig describes one realm and the roles allowed on it.
type RealmConfig struct {
	Name  string       `yaml:"name"`
	Roles []RoleConfig `yaml:"roles"`
}

// RoleConfig grants permissions to sessions with authrole Name. When
// Authorizer is set, every decision is delegated to that procedure instead.
type RoleConfig struct {
	Name        string       `yaml:"name"`
	Authorizer  string       `yaml:"authorizer"`
	Permissions []Permission `yaml:"permissions"`
}

// Permission allows actions on URIs matching URI under Match.
type Permission struct {
	URI      string   `yaml:"uri"`
	Match    string   `yaml:"match"`
	Allow    Allow    `yaml:"allow"`
	Disclose Disclose `yaml:"disclose"`
	Cache    bool     `yaml:"cache"`
}

// Allow lists the permitted actions.
type Allow struct {
	Call      bool `yaml:"call"`
	Register  bool `yaml:"register"`
	Publish   bool `yaml:"publish"`
	Subscribe bool `yaml:"subscribe"`
}

// Disclose controls caller and publisher disclosure.
type Disclose struct {
	Caller    bool `yaml:"caller"`
	Publisher bool `yaml:"publisher"`
}

// Validate checks the realm name, role names and permission patterns.
func (c RealmConfig) Validate() error {
	if !protocol.ValidURI(wamp.URI(c.Name), protocol.MatchExact) {
		return fmt.Errorf("invalid realm name %q: %w", c.Name, errors.ErrInvalidInput)
	}
	seen := make(map[string]bool, len(c.Roles))
	for _, role := range c.Roles {
		if role.Name == "" || seen[role.Name] {
			return fmt.Errorf("realm %s: empty or duplicate role %q: %w", c.Name, role.Name, errors.ErrInvalidInput)
		}
		seen[role.Name] = true
		for _, p := range role.Permissions {
			switch p.Match {
			case "", protocol.MatchExact, protocol.MatchPrefix, protocol.MatchWildcard:
			default:
				return fmt.Errorf("realm %s role %s: unknown match policy %q: %w", c.Name, role.Name, p.Match, errors.ErrInvalidInput)
			}
		}
	}
	return nil
}
