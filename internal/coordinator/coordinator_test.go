// Conduit - Plugin Message Broker and Distributed Lock Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/conduit

package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tomtom215/conduit/internal/lock"
)

type callRecord struct {
	TimeStamp     int64  `json:"timeStamp"`
	CustomerPhone string `json:"customerPhone"`
	CallStatus    string `json:"callStatus"`
}

func testRecord() callRecord {
	return callRecord{
		TimeStamp:     1700000000000,
		CustomerPhone: "+15551234567",
		CallStatus:    "cancelled",
	}
}

func TestCoordinator_WriteOnce(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	c := New(lock.NewMemoryManager(), store)

	outcome, err := c.Write(ctx, "tenantA", "call:", "history1700000000000", testRecord())
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if outcome != OutcomeSuccess {
		t.Fatalf("outcome = %s, want success", outcome)
	}

	data, err := c.Lookup(ctx, "tenantA", "call:", "history1700000000000")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("record not persisted")
	}
}

func TestCoordinator_DuplicateObservesAlreadyExists(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	c := New(lock.NewMemoryManager(), store)

	if outcome, err := c.Write(ctx, "tenantA", "call:", "history1700000000000", testRecord()); err != nil || outcome != OutcomeSuccess {
		t.Fatalf("first write: outcome=%s err=%v", outcome, err)
	}

	outcome, err := c.Write(ctx, "tenantA", "call:", "history1700000000000", testRecord())
	if err != nil {
		t.Fatalf("second write: %v", err)
	}
	if outcome != OutcomeAlreadyExists {
		t.Errorf("outcome = %s, want already_exists", outcome)
	}
	if store.Len() != 1 {
		t.Errorf("store has %d records, want 1", store.Len())
	}
}

func TestCoordinator_DistinctKeysIndependent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	c := New(lock.NewMemoryManager(), store)

	if outcome, _ := c.Write(ctx, "tenantA", "call:", "history1", testRecord()); outcome != OutcomeSuccess {
		t.Fatalf("outcome = %s", outcome)
	}
	if outcome, _ := c.Write(ctx, "tenantB", "call:", "history1", testRecord()); outcome != OutcomeSuccess {
		t.Fatalf("tenantB should not collide with tenantA, got %s", outcome)
	}
	if outcome, _ := c.Write(ctx, "tenantA", "call:", "history2", testRecord()); outcome != OutcomeSuccess {
		t.Fatalf("distinct natural key should write, got %s", outcome)
	}
	if store.Len() != 3 {
		t.Errorf("store has %d records, want 3", store.Len())
	}
}

func TestCoordinator_LockHeldIsTypedOutcome(t *testing.T) {
	ctx := context.Background()
	locks := lock.NewMemoryManager()
	c := New(locks, NewMemoryStore())

	key := lock.Key("tenantA", "call:", "history9")
	lease, err := locks.Acquire(ctx, key, time.Minute)
	if err != nil {
		t.Fatalf("pre-acquire: %v", err)
	}
	defer locks.Release(ctx, lease)

	outcome, err := c.Write(ctx, "tenantA", "call:", "history9", testRecord())
	if err != nil {
		t.Fatalf("lock contention must not be an error: %v", err)
	}
	if outcome != OutcomeLockHeld {
		t.Errorf("outcome = %s, want lock_held", outcome)
	}
}

func TestCoordinator_ConcurrentDuplicatesWriteExactlyOnce(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	c := New(lock.NewMemoryManager(), store)

	const workers = 24
	outcomes := make(chan Outcome, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := c.Write(ctx, "tenantA", "call:", "history1700000000000", testRecord())
			if err != nil {
				t.Errorf("write: %v", err)
			}
			outcomes <- outcome
		}()
	}
	wg.Wait()
	close(outcomes)

	var successes, duplicates, held int
	for outcome := range outcomes {
		switch outcome {
		case OutcomeSuccess:
			successes++
		case OutcomeAlreadyExists:
			duplicates++
		case OutcomeLockHeld:
			held++
		default:
			t.Errorf("unexpected outcome %s", outcome)
		}
	}

	if successes != 1 {
		t.Errorf("successes = %d, want exactly 1 (duplicates=%d held=%d)", successes, duplicates, held)
	}
	if store.Len() != 1 {
		t.Errorf("store has %d records, want 1", store.Len())
	}
}

// lostLeaseManager acquires normally but fails every Extend, simulating
// a lease lost to a pause between acquire and the critical section.
type lostLeaseManager struct {
	*lock.MemoryManager
}

func (m *lostLeaseManager) Extend(ctx context.Context, lease *lock.Lease, ttl time.Duration) error {
	return lock.ErrLockLost
}

func TestCoordinator_LostLeaseAbortsWrite(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	c := New(&lostLeaseManager{lock.NewMemoryManager()}, store)

	outcome, err := c.Write(ctx, "tenantA", "call:", "history1700000000000", testRecord())
	if outcome != OutcomeFailed {
		t.Errorf("outcome = %s, want failed", outcome)
	}
	if !errors.Is(err, lock.ErrLockLost) {
		t.Errorf("err = %v, want ErrLockLost", err)
	}
	if store.Len() != 0 {
		t.Error("write must not proceed without a valid lease")
	}
}

type failingStore struct {
	*MemoryStore
}

func (s *failingStore) Insert(ctx context.Context, tenant, domain, naturalKey string, record []byte) error {
	return errors.New("disk full")
}

func TestCoordinator_LockReleasedAfterStoreFailure(t *testing.T) {
	ctx := context.Background()
	locks := lock.NewMemoryManager()
	c := New(locks, &failingStore{NewMemoryStore()})

	outcome, err := c.Write(ctx, "tenantA", "call:", "history5", testRecord())
	if outcome != OutcomeFailed || err == nil {
		t.Fatalf("outcome=%s err=%v, want failed with error", outcome, err)
	}

	// The lease must have been released on the failure path.
	lease, err := locks.Acquire(ctx, lock.Key("tenantA", "call:", "history5"), time.Minute)
	if err != nil {
		t.Fatalf("lock leaked after failed write: %v", err)
	}
	locks.Release(ctx, lease)
}

func TestCoordinator_UnserializableRecordFailsBeforeLocking(t *testing.T) {
	ctx := context.Background()
	locks := lock.NewMemoryManager()
	c := New(locks, NewMemoryStore())

	outcome, err := c.Write(ctx, "tenantA", "call:", "history6", func() {})
	if outcome != OutcomeFailed || err == nil {
		t.Fatalf("outcome=%s err=%v, want failed with error", outcome, err)
	}

	// No lease should have been consumed.
	lease, err := locks.Acquire(ctx, lock.Key("tenantA", "call:", "history6"), time.Minute)
	if err != nil {
		t.Fatalf("lease consumed by marshal failure: %v", err)
	}
	locks.Release(ctx, lease)
}
