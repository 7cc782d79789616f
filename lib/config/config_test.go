// Copyright 2026 The Conduit Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "conduit.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
server_name: example.com
database:
  path: /var/lib/conduit/conduit.db
signing_key_path: /var/lib/conduit/signing.key
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen != DefaultListen {
		t.Errorf("Listen = %q, want default %q", cfg.Listen, DefaultListen)
	}
	if cfg.Federation.RequestTimeout != DefaultRequestTimeout {
		t.Errorf("RequestTimeout = %v, want %v", cfg.Federation.RequestTimeout, DefaultRequestTimeout)
	}
	if cfg.Federation.SendQueueSize != DefaultSendQueueSize {
		t.Errorf("SendQueueSize = %d, want %d", cfg.Federation.SendQueueSize, DefaultSendQueueSize)
	}
}

func TestLoadExplicitValues(t *testing.T) {
	path := writeConfig(t, `
server_name: example.com:8448
database:
  path: conduit.db
  pool_size: 2
signing_key_path: signing.key
listen: ":9999"
federation:
  request_timeout: 5s
  send_queue_size: 16
  max_backoff: 1m
  backfill_retry_interval: 10s
  insecure_http: true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ServerName != "example.com:8448" {
		t.Errorf("ServerName = %q", cfg.ServerName)
	}
	if cfg.Database.PoolSize != 2 {
		t.Errorf("PoolSize = %d, want 2", cfg.Database.PoolSize)
	}
	if cfg.Federation.RequestTimeout != 5*time.Second {
		t.Errorf("RequestTimeout = %v, want 5s", cfg.Federation.RequestTimeout)
	}
	if !cfg.Federation.InsecureHTTP {
		t.Error("InsecureHTTP = false, want true")
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing server_name", "database:\n  path: x\nsigning_key_path: y\n"},
		{"invalid server_name", "server_name: \"bad name\"\ndatabase:\n  path: x\nsigning_key_path: y\n"},
		{"missing database path", "server_name: example.com\nsigning_key_path: y\n"},
		{"missing signing key path", "server_name: example.com\ndatabase:\n  path: x\n"},
		{"not yaml", "{{{{"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, test.content)); err == nil {
				t.Error("Load succeeded, want error")
			}
		})
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	path := writeConfig(t, `
server_name: example.com
database:
  path: conduit.db
signing_key_path: signing.key
`)
	t.Setenv(EnvConfigPath, path)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load from env: %v", err)
	}
	if cfg.ServerName != "example.com" {
		t.Errorf("ServerName = %q", cfg.ServerName)
	}
}

func TestLoadMissingPath(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	if _, err := Load(""); err == nil {
		t.Error("Load with no path succeeded, want error")
	}
}
