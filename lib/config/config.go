// Copyright 2026 The Conduit Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for the server.
//
// Configuration is loaded from a single YAML file specified by the
// CONDUIT_CONFIG environment variable or the --config flag. There are
// no fallbacks or automatic discovery: deterministic, auditable
// configuration with no hidden overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hankbao/conduit/lib/ref"
)

// EnvConfigPath is the environment variable naming the config file.
const EnvConfigPath = "CONDUIT_CONFIG"

// Config is the top-level server configuration.
type Config struct {
	// ServerName is this server's federation identity (e.g.
	// "example.com"). It appears in every user ID and signature this
	// server mints and cannot change after the first room is created.
	ServerName string `yaml:"server_name"`

	// Database configures persistent storage.
	Database DatabaseConfig `yaml:"database"`

	// SigningKeyPath is the file holding the server's ed25519 signing
	// key ("ed25519 <version> <unpadded base64 seed>"). Generated on
	// first boot if absent.
	SigningKeyPath string `yaml:"signing_key_path"`

	// Listen is the address for the federation listener (e.g.
	// ":8448").
	Listen string `yaml:"listen"`

	// Federation tunes outbound federation behavior.
	Federation FederationConfig `yaml:"federation"`
}

// DatabaseConfig configures the SQLite-backed store.
type DatabaseConfig struct {
	// Path is the SQLite database file.
	Path string `yaml:"path"`

	// PoolSize is the connection pool size. Zero uses the pool's
	// default.
	PoolSize int `yaml:"pool_size"`
}

// FederationConfig tunes the federation client.
type FederationConfig struct {
	// RequestTimeout bounds a single outbound federation request.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// SendQueueSize bounds the per-destination outbound event queue.
	// When full, the oldest events drop (best-effort delivery).
	SendQueueSize int `yaml:"send_queue_size"`

	// MaxBackoff caps the exponential retry backoff per destination.
	MaxBackoff time.Duration `yaml:"max_backoff"`

	// BackfillRetryInterval is how often a room with an unresolvable
	// gap retries fetching its missing ancestors.
	BackfillRetryInterval time.Duration `yaml:"backfill_retry_interval"`

	// InsecureHTTP dials peers over plain HTTP. For federation tests
	// against local peers only.
	InsecureHTTP bool `yaml:"insecure_http"`
}

// Defaults applied by Load for unset fields.
const (
	DefaultListen                = ":8448"
	DefaultRequestTimeout        = 30 * time.Second
	DefaultSendQueueSize         = 512
	DefaultMaxBackoff            = 10 * time.Minute
	DefaultBackfillRetryInterval = time.Minute
)

// Load reads and validates the config file at path. If path is empty,
// the CONDUIT_CONFIG environment variable is consulted.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path == "" {
		return nil, fmt.Errorf("no config file: set %s or pass --config", EnvConfigPath)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.Federation.RequestTimeout == 0 {
		c.Federation.RequestTimeout = DefaultRequestTimeout
	}
	if c.Federation.SendQueueSize == 0 {
		c.Federation.SendQueueSize = DefaultSendQueueSize
	}
	if c.Federation.MaxBackoff == 0 {
		c.Federation.MaxBackoff = DefaultMaxBackoff
	}
	if c.Federation.BackfillRetryInterval == 0 {
		c.Federation.BackfillRetryInterval = DefaultBackfillRetryInterval
	}
}

// ParsedServerName returns the typed server name. Only valid on a
// Config produced by Load, which has already validated it.
func (c *Config) ParsedServerName() ref.ServerName {
	return ref.MustParseServerName(c.ServerName)
}

func (c *Config) validate() error {
	if c.ServerName == "" {
		return fmt.Errorf("server_name is required")
	}
	if _, err := ref.ParseServerName(c.ServerName); err != nil {
		return fmt.Errorf("server_name: %w", err)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.SigningKeyPath == "" {
		return fmt.Errorf("signing_key_path is required")
	}
	return nil
}
