// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package wampd holds the process level settings shared by the listeners of
// a wampd node.
package wampd

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/absmach/wampd/pkg/errors"
	"github.com/caarlos0/env/v11"
)

// Config is the address and TLS material of one listener, read from
// environment variables under a listener specific prefix.
type Config struct {
	Host string `env:"HOST" envDefault:""`
	Port string `env:"PORT" envDefault:""`
	// Path is the WebSocket request path.
	Path string `env:"PATH" envDefault:"/"`
	// UnixSocket replaces Host and Port with a Unix domain socket.
	UnixSocket      string        `env:"UNIX_SOCKET"      envDefault:""`
	ServerCertFile  string        `env:"SERVER_CERT_FILE" envDefault:""`
	ServerKeyFile   string        `env:"SERVER_KEY_FILE"  envDefault:""`
	ClientCAFile    string        `env:"CLIENT_CA_FILE"   envDefault:""`
	MaxConnections  int           `env:"MAX_CONNECTIONS"  envDefault:"0"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// TLSConfig is built from the certificate files. It is nil without a
	// server certificate; a client CA enables mutual TLS.
	TLSConfig *tls.Config `env:"-"`
}

// NewConfig parses the listener settings with opts, typically carrying the
// listener's prefix.
func NewConfig(opts env.Options) (Config, error) {
	var c Config
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return Config{}, err
	}
	tlsCfg, err := c.loadTLS()
	if err != nil {
		return Config{}, err
	}
	c.TLSConfig = tlsCfg
	return c, nil
}

// Enabled reports whether the listener has an address.
func (c Config) Enabled() bool {
	return c.Port != "" || c.UnixSocket != ""
}

// Address returns the listen network and address.
func (c Config) Address() (string, string) {
	if c.UnixSocket != "" {
		return "unix", c.UnixSocket
	}
	return "tcp", net.JoinHostPort(c.Host, c.Port)
}

func (c Config) loadTLS() (*tls.Config, error) {
	if c.ServerCertFile == "" && c.ServerKeyFile == "" {
		if c.ClientCAFile != "" {
			return nil, fmt.Errorf("client CA without server certificate: %w", errors.ErrInvalidInput)
		}
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(c.ServerCertFile, c.ServerKeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate: %w", err)
	}
	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if c.ClientCAFile == "" {
		return tlsCfg, nil
	}
	pem, err := os.ReadFile(c.ClientCAFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read client CA: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates in client CA %s: %w", c.ClientCAFile, errors.ErrInvalidInput)
	}
	tlsCfg.ClientCAs = pool
	tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
	return tlsCfg, nil
}
