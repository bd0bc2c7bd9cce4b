// Conduit - Plugin Message Broker and Distributed Lock Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/conduit

// Package config loads layered configuration: built-in defaults, an
// optional YAML file, then CONDUIT_-prefixed environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the root configuration for a Conduit process.
type Config struct {
	NATS     NATSConfig     `koanf:"nats"`
	Broker   BrokerConfig   `koanf:"broker"`
	Dispatch DispatchConfig `koanf:"dispatch"`
	Locks    LocksConfig    `koanf:"locks"`
	Store    StoreConfig    `koanf:"store"`
	Ops      OpsConfig      `koanf:"ops"`
	Logging  LoggingConfig  `koanf:"logging"`

	// Integrations maps "tenant/inboxIntegrationID" to an operator phone
	// number, resolved when call history records are written. Loaded from
	// the config file only.
	Integrations map[string]string `koanf:"integrations"`
}

// NATSConfig configures the queue transport.
type NATSConfig struct {
	// URL of the NATS cluster. The embedded server rewrites this to its
	// own client URL.
	URL string `koanf:"url" validate:"required"`

	// EmbeddedServer runs an in-process NATS server with JetStream,
	// for single-binary deployments.
	EmbeddedServer bool `koanf:"embedded_server"`

	// StoreDir holds JetStream data for the embedded server.
	StoreDir string `koanf:"store_dir"`

	StreamName       string `koanf:"stream_name" validate:"required"`
	QueueGroup       string `koanf:"queue_group" validate:"required"`
	DurableName      string `koanf:"durable_name" validate:"required"`
	SubscribersCount int    `koanf:"subscribers_count" validate:"min=1"`

	MaxReconnects int           `koanf:"max_reconnects"`
	ReconnectWait time.Duration `koanf:"reconnect_wait"`
	AckWait       time.Duration `koanf:"ack_wait"`
	MaxDeliver    int           `koanf:"max_deliver" validate:"min=1"`
	StreamMaxAge  time.Duration `koanf:"stream_max_age"`
}

// BrokerConfig configures the publishing client.
type BrokerConfig struct {
	// RPCTimeout is the default wait for a correlated response.
	RPCTimeout time.Duration `koanf:"rpc_timeout" validate:"min=1000000"`

	// PublishRatePerSecond throttles outbound publishes; 0 disables.
	PublishRatePerSecond float64 `koanf:"publish_rate_per_second" validate:"min=0"`
	PublishBurst         int     `koanf:"publish_burst" validate:"min=0"`

	// BreakerEnabled trips publishing open after consecutive transport
	// failures.
	BreakerEnabled bool `koanf:"breaker_enabled"`
}

// DispatchConfig configures the consumer dispatch loop.
type DispatchConfig struct {
	CloseTimeout         time.Duration `koanf:"close_timeout"`
	RetryMaxRetries      int           `koanf:"retry_max_retries" validate:"min=0"`
	RetryInitialInterval time.Duration `koanf:"retry_initial_interval"`
	RetryMaxInterval     time.Duration `koanf:"retry_max_interval"`
	RetryMultiplier      float64       `koanf:"retry_multiplier" validate:"min=1"`
	PoisonQueueTopic     string        `koanf:"poison_queue_topic"`
}

// LocksConfig configures the distributed lock manager.
type LocksConfig struct {
	// Backend selects the lease store. "nats" uses a JetStream KV
	// bucket shared across instances; "memory" is single-process only.
	Backend string `koanf:"backend" validate:"oneof=nats memory"`
	Bucket  string `koanf:"bucket" validate:"required"`

	// TTL is the default critical-section lease duration.
	TTL time.Duration `koanf:"ttl" validate:"min=1000000000"`
}

// StoreConfig configures the idempotency record store.
type StoreConfig struct {
	// Backend selects record persistence. "badger" survives restarts;
	// "memory" is for development.
	Backend string `koanf:"backend" validate:"oneof=badger memory"`
	Path    string `koanf:"path"`
}

// OpsConfig configures the operational HTTP endpoint.
type OpsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Host    string `koanf:"host"`
	Port    int    `koanf:"port" validate:"min=1,max=65535"`

	RateLimitReqs   int           `koanf:"rate_limit_reqs" validate:"min=1"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error fatal"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// defaultConfig returns the built-in defaults, applied before the file
// and environment layers.
func defaultConfig() *Config {
	return &Config{
		NATS: NATSConfig{
			URL:              "nats://127.0.0.1:4222",
			EmbeddedServer:   true,
			StoreDir:         "/data/conduit/jetstream",
			StreamName:       "CONDUIT",
			QueueGroup:       "conduit",
			DurableName:      "conduit-consumer",
			SubscribersCount: 4,
			MaxReconnects:    -1,
			ReconnectWait:    2 * time.Second,
			AckWait:          30 * time.Second,
			MaxDeliver:       5,
			StreamMaxAge:     7 * 24 * time.Hour,
		},
		Broker: BrokerConfig{
			RPCTimeout:           30 * time.Second,
			PublishRatePerSecond: 0,
			PublishBurst:         0,
			BreakerEnabled:       true,
		},
		Dispatch: DispatchConfig{
			CloseTimeout:         30 * time.Second,
			RetryMaxRetries:      5,
			RetryInitialInterval: time.Second,
			RetryMaxInterval:     time.Minute,
			RetryMultiplier:      2.0,
			PoisonQueueTopic:     "conduit.dlq",
		},
		Locks: LocksConfig{
			Backend: "nats",
			Bucket:  "conduit_locks",
			TTL:     60 * time.Second,
		},
		Store: StoreConfig{
			Backend: "badger",
			Path:    "/data/conduit/records",
		},
		Ops: OpsConfig{
			Enabled:         true,
			Host:            "0.0.0.0",
			Port:            8617,
			RateLimitReqs:   100,
			RateLimitWindow: time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Validate checks field constraints and cross-field requirements.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Store.Backend == "badger" && c.Store.Path == "" {
		return fmt.Errorf("store.path is required for the badger backend")
	}
	if c.NATS.EmbeddedServer && c.NATS.StoreDir == "" {
		return fmt.Errorf("nats.store_dir is required for the embedded server")
	}
	return nil
}
