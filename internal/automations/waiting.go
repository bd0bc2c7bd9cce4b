// Conduit - Plugin Message Broker and Distributed Lock Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/conduit

package automations

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// ErrNoMatch is returned by Match when no parked condition fits the
// incoming envelope.
var ErrNoMatch = errors.New("no waiting condition matches")

// WaitingCondition is a parked automation step pending an external
// response. Type and ActionType must match the response exactly;
// TargetIDs must intersect it.
type WaitingCondition struct {
	ID         string   `json:"id"`
	Type       string   `json:"type"`
	ActionType string   `json:"actionType"`
	TargetIDs  []string `json:"targetIds"`
}

func (c *WaitingCondition) matches(typ, actionType string, targetIDs []string) bool {
	if c.Type != typ || c.ActionType != actionType {
		return false
	}
	for _, want := range c.TargetIDs {
		for _, got := range targetIDs {
			if want == got {
				return true
			}
		}
	}
	return false
}

// WaitingStore persists parked conditions per tenant.
type WaitingStore interface {
	// Park stores the condition. A zero ID is assigned.
	Park(ctx context.Context, tenant string, cond *WaitingCondition) error

	// Match returns the first parked condition matching the response, or
	// ErrNoMatch.
	Match(ctx context.Context, tenant, typ, actionType string, targetIDs []string) (*WaitingCondition, error)

	// Resolve removes a parked condition. Resolving an unknown ID is a
	// no-op.
	Resolve(ctx context.Context, tenant, condID string) error
}

// MemoryWaitingStore is an in-process waiting store for tests and
// single-node development.
type MemoryWaitingStore struct {
	mu     sync.RWMutex
	parked map[string]map[string]*WaitingCondition
}

// NewMemoryWaitingStore creates an empty in-memory waiting store.
func NewMemoryWaitingStore() *MemoryWaitingStore {
	return &MemoryWaitingStore{parked: make(map[string]map[string]*WaitingCondition)}
}

func (s *MemoryWaitingStore) Park(_ context.Context, tenant string, cond *WaitingCondition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cond.ID == "" {
		cond.ID = uuid.New().String()
	}
	if s.parked[tenant] == nil {
		s.parked[tenant] = make(map[string]*WaitingCondition)
	}
	stored := *cond
	s.parked[tenant][cond.ID] = &stored
	return nil
}

func (s *MemoryWaitingStore) Match(_ context.Context, tenant, typ, actionType string, targetIDs []string) (*WaitingCondition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, cond := range s.parked[tenant] {
		if cond.matches(typ, actionType, targetIDs) {
			found := *cond
			return &found, nil
		}
	}
	return nil, ErrNoMatch
}

func (s *MemoryWaitingStore) Resolve(_ context.Context, tenant, condID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.parked[tenant], condID)
	return nil
}

// Len reports the number of parked conditions for a tenant.
func (s *MemoryWaitingStore) Len(tenant string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.parked[tenant])
}

const waitingKeyPrefix = "waiting:"

func waitingKey(tenant, condID string) []byte {
	return []byte(waitingKeyPrefix + tenant + ":" + condID)
}

// BadgerWaitingStore persists parked conditions in BadgerDB so waits
// survive process restarts.
type BadgerWaitingStore struct {
	db *badger.DB
}

// NewBadgerWaitingStore creates a waiting store over an open BadgerDB
// handle. The caller owns the handle's lifecycle.
func NewBadgerWaitingStore(db *badger.DB) *BadgerWaitingStore {
	return &BadgerWaitingStore{db: db}
}

func (s *BadgerWaitingStore) Park(_ context.Context, tenant string, cond *WaitingCondition) error {
	if cond.ID == "" {
		cond.ID = uuid.New().String()
	}

	data, err := json.Marshal(cond)
	if err != nil {
		return fmt.Errorf("marshal waiting condition: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(waitingKey(tenant, cond.ID), data)
	})
}

func (s *BadgerWaitingStore) Match(_ context.Context, tenant, typ, actionType string, targetIDs []string) (*WaitingCondition, error) {
	var found *WaitingCondition

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(waitingKeyPrefix + tenant + ":")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var cond WaitingCondition
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &cond)
			})
			if err != nil {
				return err
			}
			if cond.matches(typ, actionType, targetIDs) {
				found = &cond
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, ErrNoMatch
	}
	return found, nil
}

func (s *BadgerWaitingStore) Resolve(_ context.Context, tenant, condID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete(waitingKey(tenant, condID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}
