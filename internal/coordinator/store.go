// Conduit - Plugin Message Broker and Distributed Lock Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/conduit

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

// ErrNotFound is returned by Find when no record exists under the
// natural key.
var ErrNotFound = errors.New("record not found")

// RecordStore persists idempotency records keyed by tenant, domain, and
// natural key. Exclusivity is the lock manager's job; the store only
// answers "does a record exist" and "persist this one".
type RecordStore interface {
	Find(ctx context.Context, tenant, domain, naturalKey string) ([]byte, error)
	Insert(ctx context.Context, tenant, domain, naturalKey string, record []byte) error
}

const recordKeyPrefix = "record:"

func recordKey(tenant, domain, naturalKey string) []byte {
	return []byte(recordKeyPrefix + tenant + ":" + domain + ":" + naturalKey)
}

// BadgerStore is a BadgerDB-backed record store, suitable for durable
// single-node deployments.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore creates a record store over an open BadgerDB handle.
// The caller owns the handle's lifecycle.
func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

// Find returns the stored record bytes, or ErrNotFound.
func (s *BadgerStore) Find(ctx context.Context, tenant, domain, naturalKey string) ([]byte, error) {
	var data []byte

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(tenant, domain, naturalKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get record: %w", err)
		}

		data, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Insert persists the record bytes under the natural key.
func (s *BadgerStore) Insert(ctx context.Context, tenant, domain, naturalKey string, record []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(tenant, domain, naturalKey), record)
	})
}

// MemoryStore is an in-process record store for tests and single-node
// development.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string][]byte
}

// NewMemoryStore creates an empty in-memory record store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string][]byte)}
}

// Find returns the stored record bytes, or ErrNotFound.
func (s *MemoryStore) Find(ctx context.Context, tenant, domain, naturalKey string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.records[string(recordKey(tenant, domain, naturalKey))]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Insert persists the record bytes under the natural key.
func (s *MemoryStore) Insert(ctx context.Context, tenant, domain, naturalKey string, record []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[string(recordKey(tenant, domain, naturalKey))] = record
	return nil
}

// Len reports the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
