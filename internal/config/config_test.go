// Conduit - Plugin Message Broker and Distributed Lock Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/conduit

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.NATS.StreamName != "CONDUIT" {
		t.Errorf("stream name = %q", cfg.NATS.StreamName)
	}
	if !cfg.NATS.EmbeddedServer {
		t.Error("embedded server should default on")
	}
	if cfg.Broker.RPCTimeout != 30*time.Second {
		t.Errorf("rpc timeout = %v", cfg.Broker.RPCTimeout)
	}
	if cfg.Locks.Backend != "nats" || cfg.Locks.TTL != 60*time.Second {
		t.Errorf("locks = %+v", cfg.Locks)
	}
	if cfg.Store.Backend != "badger" {
		t.Errorf("store backend = %q", cfg.Store.Backend)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CONDUIT_NATS_URL", "nats://nats.internal:4222")
	t.Setenv("CONDUIT_NATS_EMBEDDED", "false")
	t.Setenv("CONDUIT_LOCKS_BACKEND", "memory")
	t.Setenv("CONDUIT_LOCKS_TTL", "90s")
	t.Setenv("CONDUIT_STORE_BACKEND", "memory")
	t.Setenv("CONDUIT_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.NATS.URL != "nats://nats.internal:4222" {
		t.Errorf("url = %q", cfg.NATS.URL)
	}
	if cfg.NATS.EmbeddedServer {
		t.Error("embedded server should be off")
	}
	if cfg.Locks.Backend != "memory" {
		t.Errorf("locks backend = %q", cfg.Locks.Backend)
	}
	if cfg.Locks.TTL != 90*time.Second {
		t.Errorf("locks ttl = %v", cfg.Locks.TTL)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("log level = %q", cfg.Logging.Level)
	}
}

func TestLoad_UnmappedEnvIgnored(t *testing.T) {
	t.Setenv("CONDUIT_SOMETHING_ELSE", "surprise")

	if _, err := Load(); err != nil {
		t.Fatalf("unmapped variable should be dropped, got %v", err)
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conduit.yaml")
	content := []byte(`
nats:
  url: nats://file.example:4222
  embedded_server: false
locks:
  backend: memory
  ttl: 45s
logging:
  level: warn
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(ConfigPathEnvVar, path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.NATS.URL != "nats://file.example:4222" {
		t.Errorf("url = %q", cfg.NATS.URL)
	}
	if cfg.Locks.TTL != 45*time.Second {
		t.Errorf("locks ttl = %v", cfg.Locks.TTL)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("log level = %q", cfg.Logging.Level)
	}
	// Untouched sections keep their defaults.
	if cfg.NATS.StreamName != "CONDUIT" {
		t.Errorf("stream name = %q", cfg.NATS.StreamName)
	}
}

func TestLoad_EnvBeatsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conduit.yaml")
	if err := os.WriteFile(path, []byte("logging:\n  level: warn\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(ConfigPathEnvVar, path)
	t.Setenv("CONDUIT_LOG_LEVEL", "error")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Logging.Level != "error" {
		t.Errorf("log level = %q, want env to win", cfg.Logging.Level)
	}
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad lock backend", func(c *Config) { c.Locks.Backend = "redis" }},
		{"bad store backend", func(c *Config) { c.Store.Backend = "mongo" }},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
		{"zero subscribers", func(c *Config) { c.NATS.SubscribersCount = 0 }},
		{"port out of range", func(c *Config) { c.Ops.Port = 70000 }},
		{"badger without path", func(c *Config) { c.Store.Path = "" }},
		{"embedded without store dir", func(c *Config) { c.NATS.StoreDir = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestEnvTransform(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"CONDUIT_NATS_URL", "nats.url"},
		{"CONDUIT_LOCKS_TTL", "locks.ttl"},
		{"CONDUIT_LOG_LEVEL", "logging.level"},
		{"CONDUIT_UNKNOWN", ""},
		{"PATH", ""},
	}
	for _, tt := range tests {
		if got := envTransform(tt.in); got != tt.want {
			t.Errorf("envTransform(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
