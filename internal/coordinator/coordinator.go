// Conduit - Plugin Message Broker and Distributed Lock Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/conduit

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/conduit/internal/lock"
	"github.com/tomtom215/conduit/internal/logging"
	"github.com/tomtom215/conduit/internal/metrics"
)

// DefaultLockTTL covers the critical section of a single write. Sized
// for handlers that make a handful of storage round-trips.
const DefaultLockTTL = 60 * time.Second

// Outcome is the typed result of an idempotent write attempt. Only
// OutcomeFailed carries an error; the other outcomes are expected
// states, not faults.
type Outcome int

const (
	// OutcomeFailed means the write aborted: storage error, lost lease,
	// or unmarshalable record.
	OutcomeFailed Outcome = iota

	// OutcomeSuccess means this attempt performed the write.
	OutcomeSuccess

	// OutcomeAlreadyExists means a record under the natural key was
	// found while holding the lock. The duplicate was not applied.
	OutcomeAlreadyExists

	// OutcomeLockHeld means another worker holds the lock for this
	// natural key right now. The caller should report "already being
	// processed" and stop; redelivery covers the retry.
	OutcomeLockHeld
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeAlreadyExists:
		return "already_exists"
	case OutcomeLockHeld:
		return "lock_held"
	case OutcomeFailed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Coordinator serializes writes per natural key through the lock
// manager and detects duplicates through the record store.
type Coordinator struct {
	locks lock.Manager
	store RecordStore
	ttl   time.Duration
}

// Option configures optional coordinator behavior.
type Option func(*Coordinator)

// WithLockTTL overrides the critical-section lease duration.
func WithLockTTL(ttl time.Duration) Option {
	return func(c *Coordinator) {
		c.ttl = ttl
	}
}

// New creates a coordinator over the given lock manager and record
// store.
func New(locks lock.Manager, store RecordStore, opts ...Option) *Coordinator {
	c := &Coordinator{
		locks: locks,
		store: store,
		ttl:   DefaultLockTTL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WriteOption adjusts a single write attempt.
type WriteOption func(*writeConfig)

type writeConfig struct {
	lockKey string
}

// WithLockKey overrides the lock key for one write. Some domains lock on
// a coarser key than the natural key they deduplicate on, e.g. call
// history locks per timestamp but detects duplicates by timestamp,
// customer phone, and call status together.
func WithLockKey(key string) WriteOption {
	return func(cfg *writeConfig) {
		cfg.lockKey = key
	}
}

// Write applies record under the natural key at most once. The record
// is serialized before the lock is taken so a marshal failure never
// consumes a lease.
func (c *Coordinator) Write(ctx context.Context, tenant, domain, naturalKey string, record any, opts ...WriteOption) (Outcome, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("marshal record: %w", err)
	}

	cfg := writeConfig{lockKey: lock.Key(tenant, domain, naturalKey)}
	for _, opt := range opts {
		opt(&cfg)
	}
	key := cfg.lockKey
	outcome := OutcomeFailed
	start := time.Now()

	err = lock.Do(ctx, c.locks, key, c.ttl, func(ctx context.Context, lease *lock.Lease) error {
		// Renew immediately so the full critical section runs against a
		// fresh lease rather than whatever remains of the acquire TTL.
		if err := c.locks.Extend(ctx, lease, c.ttl); err != nil {
			return fmt.Errorf("extend %s: %w", key, err)
		}

		_, err := c.store.Find(ctx, tenant, domain, naturalKey)
		switch {
		case err == nil:
			outcome = OutcomeAlreadyExists
			return nil
		case !errors.Is(err, ErrNotFound):
			return fmt.Errorf("find %s/%s: %w", domain, naturalKey, err)
		}

		if err := c.store.Insert(ctx, tenant, domain, naturalKey, data); err != nil {
			return fmt.Errorf("insert %s/%s: %w", domain, naturalKey, err)
		}
		outcome = OutcomeSuccess
		return nil
	})

	switch {
	case errors.Is(err, lock.ErrLockHeld):
		outcome = OutcomeLockHeld
		err = nil
	case err != nil:
		outcome = OutcomeFailed
		logging.Ctx(ctx).Error().
			Err(err).
			Str("domain", domain).
			Str("natural_key", naturalKey).
			Msg("idempotent write aborted")
	}

	metrics.RecordCoordinatorWrite(domain, outcome.String(), time.Since(start))
	return outcome, err
}

// Lookup returns the stored record bytes for a natural key, or
// ErrNotFound. It does not take the lock; use it for read paths only.
func (c *Coordinator) Lookup(ctx context.Context, tenant, domain, naturalKey string) ([]byte, error) {
	return c.store.Find(ctx, tenant, domain, naturalKey)
}
