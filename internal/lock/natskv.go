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

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// DefaultBucket is the JetStream key-value bucket holding lock leases.
const DefaultBucket = "conduit_locks"

// leaseDoc is the stored lease value. Expiry lives in the value because
// JetStream KV TTLs are per-bucket, not per-key; revision CAS on the key
// gives us the atomicity.
type leaseDoc struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// KVManager enforces leases across process instances using a JetStream
// key-value bucket. Every state transition is a revision compare-and-swap,
// so two contenders can never both believe they won.
//
// Expiry comparison uses the local clock of whichever instance inspects
// the lease. Instances are expected to run NTP-synchronized; the lease TTL
// is the tolerance budget for residual skew.
type KVManager struct {
	kv nats.KeyValue

	// now is swappable for tests.
	now func() time.Time
}

// NewKVManager binds a manager to an existing key-value bucket.
func NewKVManager(kv nats.KeyValue) *KVManager {
	return &KVManager{kv: kv, now: time.Now}
}

// ProvisionKVManager creates (or binds to) the lock bucket and returns a
// manager for it. Creating an existing bucket is not an error.
func ProvisionKVManager(js nats.JetStreamContext, bucket string) (*KVManager, error) {
	if bucket == "" {
		bucket = DefaultBucket
	}

	kv, err := js.KeyValue(bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:      bucket,
			Description: "conduit lock leases",
			History:     1,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("bind lock bucket %q: %w", bucket, err)
	}

	return NewKVManager(kv), nil
}

// Acquire implements Manager.
func (m *KVManager) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := m.now()
	doc := leaseDoc{Token: uuid.New().String(), ExpiresAt: now.Add(ttl)}
	val, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal lease: %w", err)
	}

	k := encodeKey(key)

	_, err = m.kv.Create(k, val)
	if err == nil {
		return &Lease{Key: key, Token: doc.Token, ExpiresAt: doc.ExpiresAt}, nil
	}
	if !errors.Is(err, nats.ErrKeyExists) {
		return nil, fmt.Errorf("create lease %s: %w", key, err)
	}

	// Key exists: the lease may have been abandoned. Take it over only if
	// expired, and only via CAS on the observed revision.
	entry, err := m.kv.Get(k)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			// Released between Create and Get; treat as contended.
			return nil, ErrLockHeld
		}
		return nil, fmt.Errorf("read lease %s: %w", key, err)
	}

	var cur leaseDoc
	if uerr := json.Unmarshal(entry.Value(), &cur); uerr == nil && now.Before(cur.ExpiresAt) {
		return nil, ErrLockHeld
	}

	if _, err := m.kv.Update(k, val, entry.Revision()); err != nil {
		// Revision moved: another contender took the expired lease first.
		return nil, ErrLockHeld
	}

	return &Lease{Key: key, Token: doc.Token, ExpiresAt: doc.ExpiresAt}, nil
}

// Extend implements Manager.
func (m *KVManager) Extend(ctx context.Context, lease *Lease, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	k := encodeKey(lease.Key)

	entry, err := m.kv.Get(k)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return ErrLockLost
		}
		return fmt.Errorf("read lease %s: %w", lease.Key, err)
	}

	now := m.now()
	var cur leaseDoc
	if err := json.Unmarshal(entry.Value(), &cur); err != nil {
		return ErrLockLost
	}
	if cur.Token != lease.Token || !now.Before(cur.ExpiresAt) {
		return ErrLockLost
	}

	doc := leaseDoc{Token: lease.Token, ExpiresAt: now.Add(ttl)}
	val, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal lease: %w", err)
	}

	if _, err := m.kv.Update(k, val, entry.Revision()); err != nil {
		return ErrLockLost
	}

	lease.ExpiresAt = doc.ExpiresAt
	return nil
}

// Release implements Manager. Idempotent on every benign outcome: missing
// key, foreign token and lost CAS races all return nil.
func (m *KVManager) Release(_ context.Context, lease *Lease) error {
	k := encodeKey(lease.Key)

	entry, err := m.kv.Get(k)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return nil
		}
		return fmt.Errorf("read lease %s: %w", lease.Key, err)
	}

	var cur leaseDoc
	if err := json.Unmarshal(entry.Value(), &cur); err == nil && cur.Token != lease.Token {
		return nil
	}

	if err := m.kv.Delete(k, nats.LastRevision(entry.Revision())); err != nil {
		// Revision moved: the lease was reacquired; nothing left to release.
		return nil
	}
	return nil
}

// encodeKey rewrites a lock key into the character set JetStream KV
// accepts. Lock keys use ":" separators ("tenantA:call:history169...")
// which are invalid in KV keys.
func encodeKey(key string) string {
	out := make([]byte, 0, len(key))
	for i := 0; i < len(key); i++ {
		c := key[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9',
			c == '-', c == '_', c == '.':
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
