// Conduit - Plugin Message Broker and Distributed Lock Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/conduit

package lock

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrLockHeld is returned by Acquire when another holder has a valid
	// lease on the key. Callers should treat this as "in progress
	// elsewhere", not as a system fault.
	ErrLockHeld = errors.New("lock held by another holder")

	// ErrLockLost is returned by Extend when the lease expired or the
	// holder token no longer matches. The caller must abort its critical
	// section; proceeding without exclusivity would permit double writes.
	ErrLockLost = errors.New("lock lease lost")
)

// Lease is a time-bounded exclusive claim on a resource key. The Token
// identifies the holder; Extend and Release verify it so a stale holder
// cannot touch a lease it no longer owns.
type Lease struct {
	Key       string
	Token     string
	ExpiresAt time.Time
}

// Manager grants mutually-exclusive leases over resource keys.
type Manager interface {
	// Acquire attempts to atomically create a lease for key valid for
	// ttl. It fails immediately with ErrLockHeld if the key is already
	// leased by a non-expired holder; there is no built-in blocking or
	// retry.
	Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error)

	// Extend atomically renews the lease only if the caller still holds
	// the current token and the lease has not expired. Returns
	// ErrLockLost otherwise. The lease's ExpiresAt is updated in place
	// on success.
	Extend(ctx context.Context, lease *Lease, ttl time.Duration) error

	// Release clears the lease if still held by this token. Releasing an
	// already-expired or already-released lease is a no-op, not an
	// error.
	Release(ctx context.Context, lease *Lease) error
}

// Key builds a lock key in the wire format "{tenant}:{domain}{naturalKey}",
// e.g. "tenantA:call:history1699000000000".
func Key(tenant, domain, naturalKey string) string {
	return tenant + ":" + domain + naturalKey
}

// Do runs fn while holding a lease on key, releasing it on every exit path
// including panics. The lease is passed to fn so long-running work can
// call Extend. Acquisition failure is returned as ErrLockHeld without
// invoking fn.
func Do(ctx context.Context, m Manager, key string, ttl time.Duration, fn func(ctx context.Context, lease *Lease) error) error {
	lease, err := m.Acquire(ctx, key, ttl)
	if err != nil {
		if errors.Is(err, ErrLockHeld) {
			return err
		}
		return fmt.Errorf("acquire %s: %w", key, err)
	}
	defer func() {
		// Release uses a detached context so cancellation of the work
		// context cannot leak the lease until TTL expiry.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		// Release errors are ignored; the lease self-expires at TTL.
		_ = m.Release(releaseCtx, lease)
	}()

	return fn(ctx, lease)
}
