// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"time"
)

// DefaultDialTimeout bounds connection establishment when DialConfig
// leaves it unset.
const DefaultDialTimeout = 10 * time.Second

// DialConfig describes how to reach the server.
type DialConfig struct {
	// Address is host:port.
	Address string

	// ServerName overrides the TLS server name. Defaults to the host
	// part of Address.
	ServerName string

	// CAFile is a PEM bundle used instead of the system roots.
	CAFile string

	// InsecureSkipVerify disables certificate verification.
	InsecureSkipVerify bool

	// Plaintext skips TLS entirely. Only the key exchange protects
	// such a connection.
	Plaintext bool

	DialTimeout time.Duration
}

// TLSConfig builds the client TLS configuration.
func (config DialConfig) TLSConfig() (*tls.Config, error) {
	serverName := config.ServerName
	if serverName == "" {
		host, _, err := net.SplitHostPort(config.Address)
		if err != nil {
			return nil, fmt.Errorf("parsing server address %q: %w", config.Address, err)
		}
		serverName = host
	}

	tlsConfig := &tls.Config{
		ServerName:         serverName,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: config.InsecureSkipVerify,
	}
	if config.CAFile != "" {
		pem, err := os.ReadFile(config.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("CA bundle %s contains no certificates", config.CAFile)
		}
		tlsConfig.RootCAs = pool
	}
	return tlsConfig, nil
}

// Dial connects to the server and wraps the stream in a Conn.
func Dial(ctx context.Context, config DialConfig, options Options) (*Conn, error) {
	timeout := config.DialTimeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	netDialer := &net.Dialer{Timeout: timeout}

	var conn net.Conn
	var err error
	if config.Plaintext {
		conn, err = netDialer.DialContext(ctx, "tcp", config.Address)
	} else {
		tlsConfig, configErr := config.TLSConfig()
		if configErr != nil {
			return nil, configErr
		}
		dialer := &tls.Dialer{NetDialer: netDialer, Config: tlsConfig}
		conn, err = dialer.DialContext(ctx, "tcp", config.Address)
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", config.Address, err)
	}

	options.Logger.Debug("connected", "address", config.Address, "tls", !config.Plaintext)
	return NewConn(conn, options), nil
}
