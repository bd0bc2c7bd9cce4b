// Conduit - Plugin Message Broker and Distributed Lock Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/conduit

// This file contains service wrappers that adapt Conduit components to the
// suture.Service interface.
//
// Each wrapper:
//   - Translates the component's lifecycle to Serve(context.Context) error
//   - Handles graceful shutdown on context cancellation
//   - Implements fmt.Stringer so suture identifies it in log events

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/tomtom215/conduit/internal/logging"
)

// Dispatcher matches the lifecycle surface of dispatch.Dispatcher.
type Dispatcher interface {
	Run(ctx context.Context) error
	Close() error
}

// DispatcherService runs the queue consumption loop under supervision.
// Run blocks until the context is canceled, so the wrapper is a direct
// pass-through with a Close on the way out.
type DispatcherService struct {
	dispatcher Dispatcher
}

// NewDispatcherService creates a supervised wrapper around the dispatcher.
func NewDispatcherService(d Dispatcher) *DispatcherService {
	return &DispatcherService{dispatcher: d}
}

// Serve implements suture.Service.
func (s *DispatcherService) Serve(ctx context.Context) error {
	logging.Info().Msg("dispatcher service starting")

	err := s.dispatcher.Run(ctx)

	if closeErr := s.dispatcher.Close(); closeErr != nil {
		logging.Warn().Err(closeErr).Msg("dispatcher close")
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("dispatcher: %w", err)
	}
	logging.Info().Msg("dispatcher service stopped")
	return err
}

// String implements fmt.Stringer for logging.
func (s *DispatcherService) String() string {
	return "dispatcher"
}

// ReplyConsumer matches the reply-loop surface of broker.Client.
type ReplyConsumer interface {
	Start(ctx context.Context) error
	Close() error
}

// BrokerService keeps the broker client's reply subscription alive for the
// lifetime of the process. Start is non-blocking; the wrapper holds the
// context open and closes the client on shutdown.
type BrokerService struct {
	client ReplyConsumer
}

// NewBrokerService creates a supervised wrapper around the broker client.
func NewBrokerService(c ReplyConsumer) *BrokerService {
	return &BrokerService{client: c}
}

// Serve implements suture.Service.
func (s *BrokerService) Serve(ctx context.Context) error {
	if err := s.client.Start(ctx); err != nil {
		return fmt.Errorf("broker client: %w", err)
	}

	<-ctx.Done()

	if err := s.client.Close(); err != nil {
		logging.Warn().Err(err).Msg("broker client close")
	}
	return ctx.Err()
}

// String implements fmt.Stringer for logging.
func (s *BrokerService) String() string {
	return "broker-client"
}

// OpsServer matches the lifecycle surface of ops.Server.
type OpsServer interface {
	Start(ctx context.Context) error
}

// OpsServerService runs the health/readiness/metrics HTTP server under
// supervision. ops.Server.Start blocks until the context is canceled and
// handles its own graceful shutdown.
type OpsServerService struct {
	server OpsServer
}

// NewOpsServerService creates a supervised wrapper around the ops server.
func NewOpsServerService(srv OpsServer) *OpsServerService {
	return &OpsServerService{server: srv}
}

// Serve implements suture.Service.
func (s *OpsServerService) Serve(ctx context.Context) error {
	if err := s.server.Start(ctx); err != nil {
		return fmt.Errorf("ops server: %w", err)
	}
	return ctx.Err()
}

// String implements fmt.Stringer for logging.
func (s *OpsServerService) String() string {
	return "ops-server"
}

// NATSRunner matches the lifecycle surface of broker.EmbeddedServer.
type NATSRunner interface {
	IsRunning() bool
	Shutdown(ctx context.Context) error
}

// EmbeddedNATSService supervises an already-started embedded NATS server.
//
// The server is created before the tree starts because clients need its
// URL to connect. The wrapper monitors health and shuts the server down on
// context cancellation. An unexpected stop is reported as an error; the
// process must be restarted to recover since existing client connections
// point at the dead listener.
type EmbeddedNATSService struct {
	server          NATSRunner
	checkInterval   time.Duration
	shutdownTimeout time.Duration
}

// NewEmbeddedNATSService creates a supervised wrapper around the embedded
// NATS server.
func NewEmbeddedNATSService(srv NATSRunner, shutdownTimeout time.Duration) *EmbeddedNATSService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &EmbeddedNATSService{
		server:          srv,
		checkInterval:   5 * time.Second,
		shutdownTimeout: shutdownTimeout,
	}
}

// Serve implements suture.Service.
func (s *EmbeddedNATSService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
			defer cancel()
			if err := s.server.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("embedded nats shutdown: %w", err)
			}
			return ctx.Err()

		case <-ticker.C:
			if !s.server.IsRunning() {
				return errors.New("embedded nats server stopped unexpectedly")
			}
		}
	}
}

// String implements fmt.Stringer for logging.
func (s *EmbeddedNATSService) String() string {
	return "embedded-nats"
}

// ValueLogGC matches the garbage collection surface of *badger.DB.
type ValueLogGC interface {
	RunValueLogGC(discardRatio float64) error
}

// StoreGCService periodically reclaims Badger value-log space.
//
// Badger never runs value-log GC on its own; a long-lived process must
// drive it. Each cycle repeats RunValueLogGC until it reports nothing to
// rewrite, matching the pattern Badger's documentation recommends.
type StoreGCService struct {
	db           ValueLogGC
	interval     time.Duration
	discardRatio float64
}

// NewStoreGCService creates a supervised Badger GC loop.
// A zero interval defaults to 10 minutes.
func NewStoreGCService(db ValueLogGC, interval time.Duration) *StoreGCService {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &StoreGCService{
		db:           db,
		interval:     interval,
		discardRatio: 0.5,
	}
}

// Serve implements suture.Service.
func (s *StoreGCService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.runCycle()
		}
	}
}

func (s *StoreGCService) runCycle() {
	reclaimed := 0
	for {
		err := s.db.RunValueLogGC(s.discardRatio)
		if err == nil {
			reclaimed++
			continue
		}
		if errors.Is(err, badger.ErrNoRewrite) {
			if reclaimed > 0 {
				logging.Debug().Int("files", reclaimed).Msg("badger value log GC reclaimed space")
			}
			return
		}
		logging.Warn().Err(err).Msg("badger value log GC")
		return
	}
}

// String implements fmt.Stringer for logging.
func (s *StoreGCService) String() string {
	return "store-gc"
}
