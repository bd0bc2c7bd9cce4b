// Conduit - Plugin Message Broker and Distributed Lock Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/conduit

package lock

import (
	"context"
	"errors"
	"time"

	"github.com/tomtom215/conduit/internal/metrics"
)

// Instrumented wraps a Manager with Prometheus metrics. Backends stay
// metric-free so tests can exercise them without touching the default
// registry's label space.
type Instrumented struct {
	inner Manager
}

// NewInstrumented wraps m with metrics recording.
func NewInstrumented(m Manager) *Instrumented {
	return &Instrumented{inner: m}
}

// Acquire implements Manager.
func (i *Instrumented) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	lease, err := i.inner.Acquire(ctx, key, ttl)
	switch {
	case err == nil:
		metrics.RecordLockAcquire("acquired")
	case errors.Is(err, ErrLockHeld):
		metrics.RecordLockAcquire("held")
	default:
		metrics.RecordLockAcquire("error")
	}
	return lease, err
}

// Extend implements Manager.
func (i *Instrumented) Extend(ctx context.Context, lease *Lease, ttl time.Duration) error {
	err := i.inner.Extend(ctx, lease, ttl)
	if err != nil {
		metrics.RecordLockExtend("lost")
	} else {
		metrics.RecordLockExtend("extended")
	}
	return err
}

// Release implements Manager.
func (i *Instrumented) Release(ctx context.Context, lease *Lease) error {
	err := i.inner.Release(ctx, lease)
	metrics.RecordLockRelease()
	return err
}
