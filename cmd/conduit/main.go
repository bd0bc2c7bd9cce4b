// Conduit - Plugin Message Broker and Distributed Lock Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/conduit

// Package main is the entry point for the Conduit broker node.
//
// Conduit is a message broker and coordination layer for plugin-based
// systems. It carries fire-and-forget events and correlated RPC calls
// between plugin processes over NATS JetStream, arbitrates concurrent
// writers with lease-based distributed locks, and deduplicates redelivered
// work through an idempotent write coordinator.
//
// # Application Architecture
//
// The node initializes components in the following order:
//
//  1. Configuration: layered load from defaults, YAML file, and environment (Koanf v2)
//  2. Embedded NATS: optional in-process JetStream server for single-binary deployments
//  3. Stream provisioning: JetStream stream and lock KV bucket
//  4. Record store: BadgerDB (or in-memory for development)
//  5. Lock manager: JetStream KV leases (or in-memory)
//  6. Broker client and dispatcher: Watermill over NATS JetStream
//  7. Services: call history recording, automation trigger classification
//  8. Ops server: health, readiness, and Prometheus metrics
//  9. Supervisor tree: suture v4 manages every long-running component
//
// # Configuration
//
// Configuration is loaded via Koanf v2 with layered sources (highest
// priority wins):
//   - Environment variables (CONDUIT_ prefix)
//   - Config file (conduit.yaml, or CONDUIT_CONFIG)
//   - Built-in defaults
//
// # Signal Handling
//
// The node handles graceful shutdown on SIGINT and SIGTERM:
//   - Stops consuming new messages, waiting for in-flight handlers
//   - Releases broker subscriptions and closes the record store
//   - Shuts down the embedded NATS server last
//
// # Example Usage
//
// Single-binary mode with embedded JetStream:
//
//	export CONDUIT_NATS_STORE_DIR=/data/conduit/jetstream
//	export CONDUIT_STORE_PATH=/data/conduit/records
//	./conduit
//
// Against an external NATS cluster:
//
//	export CONDUIT_NATS_EMBEDDED=false
//	export CONDUIT_NATS_URL=nats://nats:4222
//	./conduit
//
// # Port 8617
//
// The default ops port 8617 spells "VOIP" backwards on a phone keypad,
// a nod to the call history workload Conduit was first built for.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dgraph-io/badger/v4"
	natsgo "github.com/nats-io/nats.go"
	"golang.org/x/time/rate"

	"github.com/tomtom215/conduit/internal/automations"
	"github.com/tomtom215/conduit/internal/broker"
	"github.com/tomtom215/conduit/internal/callhistory"
	"github.com/tomtom215/conduit/internal/config"
	"github.com/tomtom215/conduit/internal/coordinator"
	"github.com/tomtom215/conduit/internal/dispatch"
	"github.com/tomtom215/conduit/internal/lock"
	"github.com/tomtom215/conduit/internal/logging"
	"github.com/tomtom215/conduit/internal/ops"
	"github.com/tomtom215/conduit/internal/supervisor"
)

//nolint:gocyclo // Main initialization function with sequential setup steps
func main() {
	// Load configuration first to get logging settings
	cfg, err := config.Load()
	if err != nil {
		// Use default logger for config errors (config not yet available)
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().Msg("Starting Conduit with supervisor tree")

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Embedded NATS server must come up before anything connects.
	var embedded *broker.EmbeddedServer
	if cfg.NATS.EmbeddedServer {
		embedded, err = broker.NewEmbeddedServer(broker.EmbeddedServerConfig{
			Host:     "127.0.0.1",
			Port:     -1, // random free port; clients use ClientURL
			StoreDir: cfg.NATS.StoreDir,
		})
		if err != nil {
			logging.Fatal().Err(err).Msg("Failed to start embedded NATS server")
		}
		cfg.NATS.URL = embedded.ClientURL()
		logging.Info().Str("url", cfg.NATS.URL).Msg("Embedded NATS server started")
	}

	natsCfg := broker.DefaultNATSConfig()
	natsCfg.URL = cfg.NATS.URL
	natsCfg.StreamName = cfg.NATS.StreamName
	natsCfg.QueueGroup = cfg.NATS.QueueGroup
	natsCfg.DurableName = cfg.NATS.DurableName
	natsCfg.SubscribersCount = cfg.NATS.SubscribersCount
	natsCfg.MaxReconnects = cfg.NATS.MaxReconnects
	natsCfg.ReconnectWait = cfg.NATS.ReconnectWait
	natsCfg.AckWaitTimeout = cfg.NATS.AckWait
	natsCfg.MaxDeliver = cfg.NATS.MaxDeliver
	natsCfg.StreamMaxAge = cfg.NATS.StreamMaxAge

	// Dedicated connection for stream provisioning, the lock KV bucket,
	// and readiness checks. Watermill maintains its own connections.
	nc, err := natsgo.Connect(natsCfg.URL,
		natsgo.Name("conduit-control"),
		natsgo.MaxReconnects(natsCfg.MaxReconnects),
		natsgo.ReconnectWait(natsCfg.ReconnectWait),
	)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to connect to NATS")
	}
	defer nc.Close()

	if err := broker.EnsureStream(ctx, nc, natsCfg); err != nil {
		logging.Fatal().Err(err).Msg("Failed to provision JetStream stream")
	}
	logging.Info().Str("stream", natsCfg.StreamName).Msg("JetStream stream ready")

	// Lock manager: shared JetStream KV leases, or in-process for
	// single-node development.
	var locks lock.Manager
	switch cfg.Locks.Backend {
	case "nats":
		js, err := nc.JetStream()
		if err != nil {
			logging.Fatal().Err(err).Msg("Failed to open JetStream context")
		}
		kv, err := lock.ProvisionKVManager(js, cfg.Locks.Bucket)
		if err != nil {
			logging.Fatal().Err(err).Msg("Failed to provision lock bucket")
		}
		locks = lock.NewInstrumented(kv)
		logging.Info().Str("bucket", cfg.Locks.Bucket).Msg("Distributed lock manager ready")
	case "memory":
		locks = lock.NewInstrumented(lock.NewMemoryManager())
		logging.Warn().Msg("In-memory lock manager: locks are NOT shared across instances")
	}

	// Record store for the idempotent write coordinator and the
	// automation waiting-condition store.
	var (
		db           *badger.DB
		records      coordinator.RecordStore
		waitingStore automations.WaitingStore
	)
	switch cfg.Store.Backend {
	case "badger":
		db, err = badger.Open(badger.DefaultOptions(cfg.Store.Path).WithLogger(nil))
		if err != nil {
			logging.Fatal().Err(err).Str("path", cfg.Store.Path).Msg("Failed to open record store")
		}
		defer func() {
			if err := db.Close(); err != nil {
				logging.Error().Err(err).Msg("Error closing record store")
			}
		}()
		records = coordinator.NewBadgerStore(db)
		waitingStore = automations.NewBadgerWaitingStore(db)
		logging.Info().Str("path", cfg.Store.Path).Msg("Badger record store opened")
	case "memory":
		records = coordinator.NewMemoryStore()
		waitingStore = automations.NewMemoryWaitingStore()
		logging.Warn().Msg("In-memory record store: idempotency does not survive restarts")
	}

	coord := coordinator.New(locks, records, coordinator.WithLockTTL(cfg.Locks.TTL))

	wmLogger := logging.NewWatermillAdapter()

	// Separate publisher/subscriber pairs so the dispatcher and the
	// broker client each own their transport lifecycle.
	dispatchPub, err := broker.NewNATSPublisher(natsCfg, wmLogger)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create dispatch publisher")
	}
	dispatchSub, err := broker.NewNATSSubscriber(natsCfg, wmLogger)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create dispatch subscriber")
	}

	dispatcher, err := dispatch.New(dispatch.Config{
		CloseTimeout:         cfg.Dispatch.CloseTimeout,
		RetryMaxRetries:      cfg.Dispatch.RetryMaxRetries,
		RetryInitialInterval: cfg.Dispatch.RetryInitialInterval,
		RetryMaxInterval:     cfg.Dispatch.RetryMaxInterval,
		RetryMultiplier:      cfg.Dispatch.RetryMultiplier,
		PoisonQueueTopic:     cfg.Dispatch.PoisonQueueTopic,
	}, dispatchSub, dispatchPub)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create dispatcher")
	}

	// Broker client for outbound RPC (reply subscription included).
	clientPub, err := broker.NewNATSPublisher(natsCfg, wmLogger)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create client publisher")
	}
	clientSub, err := broker.NewNATSSubscriber(natsCfg, wmLogger)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create client subscriber")
	}

	var clientOpts []broker.Option
	if cfg.Broker.BreakerEnabled {
		clientOpts = append(clientOpts, broker.WithCircuitBreaker(broker.NewPublishBreaker("conduit-publish")))
	}
	if cfg.Broker.PublishRatePerSecond > 0 {
		clientOpts = append(clientOpts, broker.WithPublishRateLimit(
			rate.Limit(cfg.Broker.PublishRatePerSecond), cfg.Broker.PublishBurst))
	}
	client := broker.New(clientPub, clientSub, clientOpts...)

	// === SERVICE REGISTRATION ===

	history := callhistory.NewService(coord, callhistory.StaticIntegrations(cfg.Integrations))
	if err := callhistory.Register(dispatcher, history); err != nil {
		logging.Fatal().Err(err).Msg("Failed to register call history handlers")
	}
	logging.Info().Str("queue", callhistory.QueueRecord).Msg("Call history service registered")

	autoSvc := automations.NewService(waitingStore)
	if err := automations.Register(dispatcher, autoSvc); err != nil {
		logging.Fatal().Err(err).Msg("Failed to register automation handlers")
	}
	logging.Info().
		Str("trigger_queue", automations.QueueTrigger).
		Msg("Automations service registered")

	// === SUPERVISOR TREE ===

	// Bridge zerolog to slog for sutureslog compatibility.
	slogLogger := logging.NewSlogLogger()

	tree, err := supervisor.NewTree(slogLogger, supervisor.DefaultTreeConfig())
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create supervisor tree")
	}

	if db != nil {
		tree.AddDataService(supervisor.NewStoreGCService(db, 10*time.Minute))
	}

	if embedded != nil {
		tree.AddMessagingService(supervisor.NewEmbeddedNATSService(embedded, 10*time.Second))
	}
	tree.AddMessagingService(supervisor.NewBrokerService(client))
	tree.AddMessagingService(supervisor.NewDispatcherService(dispatcher))

	if cfg.Ops.Enabled {
		opsServer := ops.NewServer(ops.Config{
			Host:            cfg.Ops.Host,
			Port:            cfg.Ops.Port,
			RateLimitReqs:   cfg.Ops.RateLimitReqs,
			RateLimitWindow: cfg.Ops.RateLimitWindow,
		})
		opsServer.AddCheck("nats", func(_ context.Context) error {
			if nc.Status() != natsgo.CONNECTED {
				return errors.New("nats connection " + nc.Status().String())
			}
			return nil
		})
		if db != nil {
			opsServer.AddCheck("store", func(_ context.Context) error {
				if db.IsClosed() {
					return errors.New("record store closed")
				}
				return nil
			})
		}
		tree.AddAPIService(supervisor.NewOpsServerService(opsServer))
		logging.Info().Int("port", cfg.Ops.Port).Msg("Ops server added to supervisor tree")
	}

	// === START SUPERVISOR TREE ===

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	logging.Info().Msg("Starting supervisor tree...")
	errCh := tree.ServeBackground(ctx)

	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}

	// Report any services that failed to stop within timeout
	unstopped, _ := tree.UnstoppedServiceReport()
	if len(unstopped) > 0 {
		logging.Warn().Int("count", len(unstopped)).Msg("Services failed to stop within timeout")
		for _, svc := range unstopped {
			logging.Warn().Str("service", svc.Name).Msg("Service failed to stop")
		}
	}

	logging.Info().Msg("Conduit stopped gracefully")
}
