// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package kv

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"
)

// memoryEntry is the stored form inside the in-memory backend.
type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryStore is a mutex-guarded in-memory Store. It backs tests and
// ephemeral deployments where durability is not required.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]memoryEntry

	// now is swappable for expiry tests.
	now func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]memoryEntry),
		now:  time.Now,
	}
}

func (m *MemoryStore) live(e memoryEntry) bool {
	return e.expiresAt.IsZero() || m.now().Before(e.expiresAt)
}

// Get returns the entry for key, or ErrKeyNotFound.
func (m *MemoryStore) Get(_ context.Context, key Key) (*Entry, error) {
	encoded, err := key.Encode()
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.data[encoded]
	if !ok || !m.live(e) {
		return nil, ErrKeyNotFound
	}
	return &Entry{Key: key, Value: bytes.Clone(e.value), ExpiresAt: e.expiresAt}, nil
}

// Set writes the value for key.
func (m *MemoryStore) Set(_ context.Context, key Key, value []byte, opts *SetOptions) error {
	encoded, err := key.Encode()
	if err != nil {
		return err
	}

	var ttl time.Duration
	if opts != nil {
		ttl = opts.TTL
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[encoded] = memoryEntry{value: bytes.Clone(value), expiresAt: expiresAt(m.now(), ttl)}
	return nil
}

// Delete removes the key.
func (m *MemoryStore) Delete(_ context.Context, key Key) error {
	encoded, err := key.Encode()
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, encoded)
	return nil
}

// ListByPrefix returns all live entries under the prefix, ordered by key.
func (m *MemoryStore) ListByPrefix(_ context.Context, prefix Key) ([]Entry, error) {
	encodedPrefix, err := prefix.Encode()
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	var matches []string
	for encoded, e := range m.data {
		if matchesPrefix(encoded, encodedPrefix) && m.live(e) {
			matches = append(matches, encoded)
		}
	}
	sort.Strings(matches)

	entries := make([]Entry, 0, len(matches))
	for _, encoded := range matches {
		e := m.data[encoded]
		entries = append(entries, Entry{
			Key:       DecodeKey(encoded),
			Value:     bytes.Clone(e.value),
			ExpiresAt: e.expiresAt,
		})
	}
	m.mu.RUnlock()

	return entries, nil
}

// AtomicCommit applies all operations under one lock acquisition. Checks run
// first; any failure aborts the commit without mutation.
func (m *MemoryStore) AtomicCommit(_ context.Context, ops []Op) error {
	// Encode everything up front so encoding errors cannot strand a
	// half-applied commit.
	encoded := make([]string, len(ops))
	for i, op := range ops {
		enc, err := op.Key.Encode()
		if err != nil {
			return err
		}
		encoded[i] = enc
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for i, op := range ops {
		e, ok := m.data[encoded[i]]
		exists := ok && m.live(e)
		switch op.Kind {
		case OpCheckAbsent:
			if exists {
				return ErrCommitConflict
			}
		case OpCheckValue:
			if !exists || !bytes.Equal(e.value, op.Expect) {
				return ErrCommitConflict
			}
		case OpSet, OpDelete:
			// Mutations are applied below.
		}
	}

	now := m.now()
	for i, op := range ops {
		switch op.Kind {
		case OpSet:
			m.data[encoded[i]] = memoryEntry{value: bytes.Clone(op.Value), expiresAt: expiresAt(now, op.TTL)}
		case OpDelete:
			delete(m.data, encoded[i])
		case OpCheckAbsent, OpCheckValue:
			// Already verified.
		}
	}
	return nil
}

// Close clears the store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = make(map[string]memoryEntry)
	return nil
}

// Compile-time interface compliance check
var _ Store = (*MemoryStore)(nil)
