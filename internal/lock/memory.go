// Conduit - Plugin Message Broker and Distributed Lock Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/conduit

package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryManager is an in-process Manager for single-node deployments and
// tests. It is not sufficient when multiple process instances share a
// backing store; use the NATS KV manager there.
type MemoryManager struct {
	mu     sync.Mutex
	leases map[string]memoryLease

	// now is swappable for lease-expiry tests.
	now func() time.Time
}

type memoryLease struct {
	token     string
	expiresAt time.Time
}

// NewMemoryManager creates an empty in-memory lock manager.
func NewMemoryManager() *MemoryManager {
	return &MemoryManager{
		leases: make(map[string]memoryLease),
		now:    time.Now,
	}
}

// SetClock replaces the time source. Test helper.
func (m *MemoryManager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Acquire implements Manager.
func (m *MemoryManager) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if cur, ok := m.leases[key]; ok && now.Before(cur.expiresAt) {
		return nil, ErrLockHeld
	}

	lease := memoryLease{
		token:     uuid.New().String(),
		expiresAt: now.Add(ttl),
	}
	m.leases[key] = lease

	return &Lease{Key: key, Token: lease.token, ExpiresAt: lease.expiresAt}, nil
}

// Extend implements Manager.
func (m *MemoryManager) Extend(ctx context.Context, lease *Lease, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	cur, ok := m.leases[lease.Key]
	if !ok || cur.token != lease.Token || !now.Before(cur.expiresAt) {
		return ErrLockLost
	}

	cur.expiresAt = now.Add(ttl)
	m.leases[lease.Key] = cur
	lease.ExpiresAt = cur.expiresAt
	return nil
}

// Release implements Manager. Idempotent: releasing an expired, already
// released, or since-reacquired lease does nothing.
func (m *MemoryManager) Release(_ context.Context, lease *Lease) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.leases[lease.Key]
	if !ok || cur.token != lease.Token {
		return nil
	}
	delete(m.leases, lease.Key)
	return nil
}
