// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package auth

// Principal database types.
const (
	TypeStatic  = "static"
	TypeDynamic = "dynamic"
)

// Config is the authentication policy of one transport, keyed by method.
type Config map[string]MethodConfig

// MethodConfig configures one authentication method.
type MethodConfig struct {
	// Type is static (principals listed here) or dynamic (resolved by
	// calling Authenticator).
	Type string `yaml:"type"`
	// Role is assigned when the principal does not name one. Anonymous
	// sessions always get it.
	Role string `yaml:"role"`
	// Authenticator is the procedure called for dynamic principals.
	Authenticator string               `yaml:"authenticator"`
	Principals    map[string]Principal `yaml:"principals"`
	// JWTSecret enables HS256 JWT tickets whose subject is the authid.
	JWTSecret string `yaml:"jwt_secret"`
}

// Principal is a known identity and its credentials.
type Principal struct {
	Realm string         `yaml:"realm"`
	Role  string         `yaml:"role"`
	Extra map[string]any `yaml:"extra"`

	Ticket string `yaml:"ticket"`

	// Secret is the WAMP-CRA key. Salted secrets store the derived key and
	// announce Salt, Iterations and KeyLen to the client.
	Secret     string `yaml:"secret"`
	Salt       string `yaml:"salt"`
	Iterations int    `yaml:"iterations"`
	KeyLen     int    `yaml:"keylen"`

	// SCRAM credentials. Salt and Iterations are shared with WAMP-CRA.
	KDF       string `yaml:"kdf"`
	Memory    int    `yaml:"memory"`
	StoredKey string `yaml:"stored_key"`
	ServerKey string `yaml:"server_key"`

	// AuthorizedKeys are hex Ed25519 public keys for cryptosign.
	AuthorizedKeys []string `yaml:"authorized_keys"`

	// CertificateSHA1 is the colon separated fingerprint matched by tls.
	CertificateSHA1 string `yaml:"certificate_sha1"`
}

func (p Principal) role(cfg MethodConfig) string {
	if p.Role != "" {
		return p.Role
	}
	return cfg.Role
}
