// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/helpdesk/lib/handshake"
	"github.com/bureau-foundation/helpdesk/lib/protocol"
	"github.com/bureau-foundation/helpdesk/lib/transport"
)

// Environment variables read by this package.
const (
	EnvConfig = "HELPDESK_CONFIG"
	EnvServer = "HELPDESK_SERVER"
)

// ErrNoConfig is returned by Load when HELPDESK_CONFIG is not set.
var ErrNoConfig = errors.New("HELPDESK_CONFIG environment variable not set")

// Config is the client configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server" json:"server"`
	Session SessionConfig `yaml:"session" json:"session"`
	Cache   CacheConfig   `yaml:"cache" json:"cache"`
	Log     LogConfig     `yaml:"log" json:"log"`
}

// ServerConfig says where the server is and how to reach it.
type ServerConfig struct {
	// Address is host:port. Overridden by HELPDESK_SERVER.
	Address string `yaml:"address" json:"address"`

	// ServerName overrides the TLS server name.
	ServerName string `yaml:"server_name" json:"server_name"`

	// CAFile is a PEM bundle trusted instead of the system roots.
	CAFile string `yaml:"ca_file" json:"ca_file"`

	InsecureSkipVerify bool `yaml:"insecure_skip_verify" json:"insecure_skip_verify"`

	// Plaintext disables TLS. The key exchange still seals messages.
	Plaintext bool `yaml:"plaintext" json:"plaintext"`

	// DialTimeout bounds connection establishment.
	// Default: 10s
	DialTimeout Duration `yaml:"dial_timeout" json:"dial_timeout"`
}

// SessionConfig tunes the protocol session.
type SessionConfig struct {
	// Handshake is "key-exchange" or "plain".
	// Default: key-exchange
	Handshake string `yaml:"handshake" json:"handshake"`

	// HandshakeTimeout bounds each handshake and login read.
	// Default: 5s
	HandshakeTimeout Duration `yaml:"handshake_timeout" json:"handshake_timeout"`

	// Compression is "zstd", "lz4" or "none".
	// Default: zstd
	Compression string `yaml:"compression" json:"compression"`

	// CompressionThreshold is the smallest payload, in bytes, that is
	// compressed.
	// Default: 4096
	CompressionThreshold int `yaml:"compression_threshold" json:"compression_threshold"`

	// WriteTimeout bounds a single send. Zero means no bound.
	WriteTimeout Duration `yaml:"write_timeout" json:"write_timeout"`
}

// CacheConfig controls the encrypted on-disk replica cache.
type CacheConfig struct {
	// Enabled turns the cache on.
	// Default: true
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Directory holds one file per server and login.
	// Default: ${HELPDESK_CACHE}, the user cache directory + /helpdesk
	Directory string `yaml:"directory" json:"directory"`
}

// LogConfig controls command logging.
type LogConfig struct {
	// Level is debug, info, warn or error.
	// Default: info
	Level string `yaml:"level" json:"level"`

	// Format is "auto" (text on a terminal, JSON otherwise), "text"
	// or "json".
	// Default: auto
	Format string `yaml:"format" json:"format"`
}

// Default returns the configuration used before a file is applied.
// Server.Address has no default.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			DialTimeout: Duration(transport.DefaultDialTimeout),
		},
		Session: SessionConfig{
			Handshake:            handshake.NameKeyExchange,
			HandshakeTimeout:     Duration(handshake.DefaultTimeout),
			Compression:          protocol.CompressionZstd.String(),
			CompressionThreshold: protocol.DefaultCompressionThreshold,
		},
		Cache: CacheConfig{
			Enabled:   true,
			Directory: defaultCacheDirectory(),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "auto",
		},
	}
}

func defaultCacheDirectory() string {
	base, err := os.UserCacheDir()
	if err != nil {
		base = filepath.Join(os.TempDir(), "helpdesk-cache")
	}
	return filepath.Join(base, "helpdesk")
}

// Load loads the file named by HELPDESK_CONFIG. It returns ErrNoConfig
// when the variable is unset.
func Load() (*Config, error) {
	path := os.Getenv(EnvConfig)
	if path == "" {
		return nil, ErrNoConfig
	}
	return LoadFile(path)
}

// LoadFile loads configuration from path over the defaults, then
// applies HELPDESK_SERVER and expands path variables.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}
	cfg.ApplyEnvironment()
	cfg.expandVariables()
	return cfg, nil
}

// loadFile decodes path into c. Fields absent from the file keep their
// current values.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		decoder := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(c); err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
	case ".yaml", ".yml", "":
		decoder := yaml.NewDecoder(bytes.NewReader(data))
		decoder.KnownFields(true)
		if err := decoder.Decode(c); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
	default:
		return fmt.Errorf("config %s: unsupported extension (want .yaml, .yml, .json or .jsonc)", path)
	}
	return nil
}

// ApplyEnvironment applies HELPDESK_SERVER.
func (c *Config) ApplyEnvironment() {
	if address := os.Getenv(EnvServer); address != "" {
		c.Server.Address = address
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} in path fields.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME":           os.Getenv("HOME"),
		"HELPDESK_CACHE": defaultCacheDirectory(),
	}
	c.Cache.Directory = expandVars(c.Cache.Directory, vars)
	c.Server.CAFile = expandVars(c.Server.CAFile, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		name, fallback := parts[1], parts[2]
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return fallback
	})
}

// Validate checks the configuration for errors. All problems are
// reported together.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Address == "" {
		errs = append(errs, fmt.Errorf("server.address is required (or set %s)", EnvServer))
	}
	if c.Server.DialTimeout < 0 {
		errs = append(errs, errors.New("server.dial_timeout must not be negative"))
	}
	if _, err := handshake.ParseStrategy(c.Session.Handshake, 0); err != nil {
		errs = append(errs, fmt.Errorf("session.handshake: %w", err))
	}
	if c.Session.HandshakeTimeout <= 0 {
		errs = append(errs, errors.New("session.handshake_timeout must be positive"))
	}
	if _, err := protocol.ParseCompression(c.Session.Compression); err != nil {
		errs = append(errs, fmt.Errorf("session.compression: %w", err))
	}
	if c.Session.CompressionThreshold < 0 {
		errs = append(errs, errors.New("session.compression_threshold must not be negative"))
	}
	if c.Cache.Enabled && c.Cache.Directory == "" {
		errs = append(errs, errors.New("cache.directory is required when the cache is enabled"))
	}
	if _, err := c.LogLevel(); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "auto", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be one of auto, text, json (got %q)", c.Log.Format))
	}

	return errors.Join(errs...)
}

// DialConfig returns the transport settings for the server section.
func (c *Config) DialConfig() transport.DialConfig {
	return transport.DialConfig{
		Address:            c.Server.Address,
		ServerName:         c.Server.ServerName,
		CAFile:             c.Server.CAFile,
		InsecureSkipVerify: c.Server.InsecureSkipVerify,
		Plaintext:          c.Server.Plaintext,
		DialTimeout:        time.Duration(c.Server.DialTimeout),
	}
}

// Codec returns the wire codec for the session section.
func (c *Config) Codec() (protocol.Codec, error) {
	compression, err := protocol.ParseCompression(c.Session.Compression)
	if err != nil {
		return protocol.Codec{}, err
	}
	return protocol.Codec{
		Compression:          compression,
		CompressionThreshold: c.Session.CompressionThreshold,
	}, nil
}

// Strategy returns the configured handshake.
func (c *Config) Strategy() (handshake.Strategy, error) {
	return handshake.ParseStrategy(c.Session.Handshake, time.Duration(c.Session.HandshakeTimeout))
}

// LogLevel parses Log.Level.
func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

// EnsureCacheDirectory creates the cache directory with owner-only
// permissions.
func (c *Config) EnsureCacheDirectory() error {
	if err := os.MkdirAll(c.Cache.Directory, 0o700); err != nil {
		return fmt.Errorf("creating %s: %w", c.Cache.Directory, err)
	}
	return nil
}
