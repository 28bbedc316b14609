// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/helpdesk/cmd/helpdesk/cli"
	"github.com/bureau-foundation/helpdesk/lib/config"
	"github.com/bureau-foundation/helpdesk/lib/replica"
	"github.com/bureau-foundation/helpdesk/lib/secret"
	"github.com/bureau-foundation/helpdesk/lib/session"
	"github.com/bureau-foundation/helpdesk/lib/version"
)

// connectionOptions are the flags shared by every command that talks
// to the server.
type connectionOptions struct {
	configPath    string
	server        string
	login         string
	passwordStdin bool
	plaintext     bool
	insecure      bool
	handshake     string
	logLevel      string
	logFormat     string
	noColor       bool
}

func (o *connectionOptions) addFlags(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&o.configPath, "config", "", "configuration file (default: $HELPDESK_CONFIG)")
	flagSet.StringVar(&o.server, "server", "", "server address host:port (overrides configuration)")
	flagSet.StringVarP(&o.login, "login", "l", "", "login name (required)")
	flagSet.BoolVar(&o.passwordStdin, "password-stdin", false, "read the password from stdin")
	flagSet.BoolVar(&o.plaintext, "plaintext", false, "connect without TLS")
	flagSet.BoolVar(&o.insecure, "insecure", false, "skip TLS certificate verification")
	flagSet.StringVar(&o.handshake, "handshake", "", "handshake: key-exchange or plain")
	flagSet.StringVar(&o.logLevel, "log-level", "", "log level: debug, info, warn, error")
	flagSet.StringVar(&o.logFormat, "log-format", "", "log format: auto, text, json")
	flagSet.BoolVar(&o.noColor, "no-color", false, "disable colored output")
}

// loadConfig resolves configuration from the file, the environment and
// the flags, in increasing precedence.
func (o *connectionOptions) loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error
	if o.configPath != "" {
		cfg, err = config.LoadFile(o.configPath)
	} else {
		cfg, err = config.Load()
		if errors.Is(err, config.ErrNoConfig) {
			cfg, err = config.Default(), nil
			cfg.ApplyEnvironment()
		}
	}
	if err != nil {
		return nil, err
	}

	if o.server != "" {
		cfg.Server.Address = o.server
	}
	if o.plaintext {
		cfg.Server.Plaintext = true
	}
	if o.insecure {
		cfg.Server.InsecureSkipVerify = true
	}
	if o.handshake != "" {
		cfg.Session.Handshake = o.handshake
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if o.logFormat != "" {
		cfg.Log.Format = o.logFormat
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// connection is the resolved state of one command invocation.
type connection struct {
	config   *config.Config
	logger   *slog.Logger
	login    string
	password *secret.Buffer
}

// prepare validates the flags, loads configuration, builds the logger
// and reads the password. The caller must Close the result.
func (o *connectionOptions) prepare(a *app) (*connection, error) {
	if o.login == "" {
		return nil, cli.UsageErrorf("--login is required")
	}
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	level, err := cfg.LogLevel()
	if err != nil {
		return nil, err
	}
	logger, err := cli.NewCommandLogger(level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}
	logger.Debug("starting", "version", version.Info(), "server", cfg.Server.Address)
	password, err := a.readPassword(fmt.Sprintf("Password for %s: ", o.login), o.passwordStdin)
	if err != nil {
		return nil, fmt.Errorf("reading password: %w", err)
	}
	return &connection{
		config:   cfg,
		logger:   logger,
		login:    o.login,
		password: password,
	}, nil
}

// open dials the server, runs the handshake and logs in. seed, when
// non-nil, becomes the session's replica if its login matches.
func (c *connection) open(ctx context.Context, seed *replica.Replica) (*session.Session, error) {
	codec, err := c.config.Codec()
	if err != nil {
		return nil, err
	}
	strategy, err := c.config.Strategy()
	if err != nil {
		return nil, err
	}
	client, err := session.Dial(ctx, c.config.DialConfig(), session.Options{
		Strategy:         strategy,
		HandshakeTimeout: time.Duration(c.config.Session.HandshakeTimeout),
		Codec:            codec,
		WriteTimeout:     time.Duration(c.config.Session.WriteTimeout),
		Logger:           c.logger,
		Replica:          seed,
	})
	if err != nil {
		return nil, err
	}
	if err := client.Connect(ctx, c.login, c.password); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

// cache returns the replica cache, or nil when caching is disabled or
// its directory cannot be created.
func (c *connection) cache() *replica.Cache {
	if !c.config.Cache.Enabled {
		return nil
	}
	if err := c.config.EnsureCacheDirectory(); err != nil {
		c.logger.Warn("replica cache disabled", "error", err)
		return nil
	}
	return replica.NewCache(c.config.Cache.Directory)
}

// Close wipes the password.
func (c *connection) Close() error {
	return c.password.Close()
}
