// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stacklok/mcp-gateway/pkg/logger"
)

// Factory creates a session for an ID.
type Factory func(id string) Session

// Manager owns the live session map the transports serve from. Sessions
// idle past the TTL are reaped by a background cleanup loop.
type Manager struct {
	storage Storage
	factory Factory
	ttl     time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewManager creates a manager with in-memory storage. The factory's
// concrete session type is erased behind the Session interface.
func NewManager[T Session](ttl time.Duration, factory func(string) T) *Manager {
	return NewManagerWithStorage(ttl, func(id string) Session { return factory(id) }, NewLocalStorage())
}

// NewManagerWithStorage creates a manager on explicit storage.
func NewManagerWithStorage(ttl time.Duration, factory Factory, storage Storage) *Manager {
	m := &Manager{
		storage: storage,
		factory: factory,
		ttl:     ttl,
		stopCh:  make(chan struct{}),
	}
	go m.cleanupLoop()
	return m
}

// AddWithID creates a session via the factory and stores it. Adding an
// existing ID is an error.
func (m *Manager) AddWithID(id string) error {
	if _, err := m.storage.Load(context.Background(), id); err == nil {
		return fmt.Errorf("session %q already exists", id)
	}
	return m.storage.Store(context.Background(), m.factory(id))
}

// AddSession stores a caller-constructed session. Adding an existing ID is
// an error.
func (m *Manager) AddSession(session Session) error {
	if session == nil {
		return fmt.Errorf("session cannot be nil")
	}
	if session.ID() == "" {
		return fmt.Errorf("session ID cannot be empty")
	}
	if _, err := m.storage.Load(context.Background(), session.ID()); err == nil {
		return fmt.Errorf("session %q already exists", session.ID())
	}
	return m.storage.Store(context.Background(), session)
}

// ReplaceSession stores the session, overwriting any existing one with the
// same ID. Used on restore, where a placeholder is swapped for the real
// transport-bound session.
func (m *Manager) ReplaceSession(session Session) error {
	if session == nil {
		return fmt.Errorf("session cannot be nil")
	}
	if session.ID() == "" {
		return fmt.Errorf("session ID cannot be empty")
	}
	return m.storage.Store(context.Background(), session)
}

// Get returns the session and touches its last-activity time.
func (m *Manager) Get(id string) (Session, bool) {
	session, err := m.storage.Load(context.Background(), id)
	if err != nil {
		return nil, false
	}
	return session, true
}

// Delete removes the session.
func (m *Manager) Delete(id string) error {
	return m.storage.Delete(context.Background(), id)
}

// Count returns the number of live sessions, when the storage can count.
func (m *Manager) Count() int {
	if counter, ok := m.storage.(interface{ Count() int }); ok {
		return counter.Count()
	}
	return 0
}

// Range iterates the live sessions, when the storage supports iteration.
func (m *Manager) Range(f func(key, value any) bool) {
	if ranger, ok := m.storage.(interface {
		Range(func(key, value any) bool)
	}); ok {
		ranger.Range(f)
	}
}

// Stop terminates the cleanup loop. Sessions already stored stay available.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// cleanupLoop reaps idle sessions at half-TTL cadence.
func (m *Manager) cleanupLoop() {
	interval := m.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.cleanupExpiredOnce()
		}
	}
}

// cleanupExpiredOnce runs one reap pass.
func (m *Manager) cleanupExpiredOnce() {
	cutoff := time.Now().Add(-m.ttl)
	if err := m.storage.DeleteExpired(context.Background(), cutoff); err != nil {
		logger.Warnw("session cleanup failed", "error", err)
	}
}
