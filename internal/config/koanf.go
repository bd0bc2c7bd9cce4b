// Conduit - Plugin Message Broker and Distributed Lock Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/conduit

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists where config files are searched, in order.
// The first file found wins.
var DefaultConfigPaths = []string{
	"conduit.yaml",
	"conduit.yml",
	"/etc/conduit/conduit.yaml",
	"/etc/conduit/conduit.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "CONDUIT_CONFIG"

// envPrefix namespaces Conduit's environment variables.
const envPrefix = "CONDUIT_"

// Load builds the configuration from three layers, later layers
// overriding earlier ones: built-in defaults, an optional YAML file,
// and CONDUIT_-prefixed environment variables.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envMappings maps CONDUIT_-stripped variable names to config paths.
// Unmapped variables are dropped so unrelated environment state cannot
// leak into the configuration.
var envMappings = map[string]string{
	"nats_url":            "nats.url",
	"nats_embedded":       "nats.embedded_server",
	"nats_store_dir":      "nats.store_dir",
	"nats_stream_name":    "nats.stream_name",
	"nats_queue_group":    "nats.queue_group",
	"nats_durable_name":   "nats.durable_name",
	"nats_subscribers":    "nats.subscribers_count",
	"nats_max_reconnects": "nats.max_reconnects",
	"nats_reconnect_wait": "nats.reconnect_wait",
	"nats_ack_wait":       "nats.ack_wait",
	"nats_max_deliver":    "nats.max_deliver",
	"nats_stream_max_age": "nats.stream_max_age",

	"broker_rpc_timeout":     "broker.rpc_timeout",
	"broker_publish_rate":    "broker.publish_rate_per_second",
	"broker_publish_burst":   "broker.publish_burst",
	"broker_breaker_enabled": "broker.breaker_enabled",

	"dispatch_close_timeout":          "dispatch.close_timeout",
	"dispatch_retry_max_retries":      "dispatch.retry_max_retries",
	"dispatch_retry_initial_interval": "dispatch.retry_initial_interval",
	"dispatch_retry_max_interval":     "dispatch.retry_max_interval",
	"dispatch_retry_multiplier":       "dispatch.retry_multiplier",
	"dispatch_poison_topic":           "dispatch.poison_queue_topic",

	"locks_backend": "locks.backend",
	"locks_bucket":  "locks.bucket",
	"locks_ttl":     "locks.ttl",

	"store_backend": "store.backend",
	"store_path":    "store.path",

	"ops_enabled":           "ops.enabled",
	"ops_host":              "ops.host",
	"ops_port":              "ops.port",
	"ops_rate_limit_reqs":   "ops.rate_limit_reqs",
	"ops_rate_limit_window": "ops.rate_limit_window",

	"log_level":  "logging.level",
	"log_format": "logging.format",
	"log_caller": "logging.caller",
}

func envTransform(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, envPrefix))
	if mapped, ok := envMappings[key]; ok {
		return mapped
	}
	return ""
}
