// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stacklok/mcp-gateway/pkg/kv"
	"github.com/stacklok/mcp-gateway/pkg/logger"
)

// anonymousUserKey indexes sessions that have no authenticated user.
const anonymousUserKey = "anonymous"

// TransportConfig is the transport-level configuration a restored session
// must be re-created with.
type TransportConfig struct {
	Host                   string   `json:"host"`
	Port                   int      `json:"port"`
	AllowedHosts           []string `json:"allowed_hosts,omitempty"`
	DNSRebindingProtection bool     `json:"dns_rebinding_protection"`
}

// PersistedSession is the durable descriptor of one transport session.
type PersistedSession struct {
	SessionID       string            `json:"session_id"`
	UserID          string            `json:"user_id,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	LastActivity    time.Time         `json:"last_activity"`
	Active          bool              `json:"active"`
	TransportConfig TransportConfig   `json:"transport_config"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// SessionRestorer re-creates a live transport session from its persisted
// descriptor, registering it in the live map before any request is served.
type SessionRestorer interface {
	RestoreSession(ctx context.Context, info *PersistedSession) error
}

// PersistentStore keeps session descriptors in the KV layer so a restarted
// process can resume the same session IDs.
type PersistentStore struct {
	kv  kv.Store
	now func() time.Time
}

// NewPersistentStore creates a descriptor store on the KV layer.
func NewPersistentStore(store kv.Store) *PersistentStore {
	return &PersistentStore{kv: store, now: time.Now}
}

func sessionKey(sessionID string) kv.Key {
	return kv.Key{"transport", "session", sessionID}
}

func sessionUserKey(userID, sessionID string) kv.Key {
	if userID == "" {
		userID = anonymousUserKey
	}
	return kv.Key{"transport", "session_by_user", userID, sessionID}
}

// indexValue is the minimal payload stored under the by_user index key.
type indexValue struct {
	SessionID string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
}

// PersistSession writes the descriptor and its by_user index row in one
// atomic commit; readers never observe a half-indexed session.
func (s *PersistentStore) PersistSession(
	ctx context.Context,
	sessionID string,
	config TransportConfig,
	userID string,
	metadata map[string]string,
) error {
	if sessionID == "" {
		return fmt.Errorf("session id is required")
	}

	now := s.now()
	record := &PersistedSession{
		SessionID:       sessionID,
		UserID:          userID,
		CreatedAt:       now,
		LastActivity:    now,
		Active:          true,
		TransportConfig: config,
		Metadata:        metadata,
	}
	value, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode session descriptor: %w", err)
	}
	index, err := json.Marshal(&indexValue{SessionID: sessionID, CreatedAt: now})
	if err != nil {
		return fmt.Errorf("failed to encode session index: %w", err)
	}

	return s.kv.AtomicCommit(ctx, []kv.Op{
		kv.Set(sessionKey(sessionID), value, 0),
		kv.Set(sessionUserKey(userID, sessionID), index, 0),
	})
}

// GetInfo returns the descriptor, or ErrSessionNotFound.
func (s *PersistentStore) GetInfo(ctx context.Context, sessionID string) (*PersistedSession, error) {
	entry, err := s.kv.Get(ctx, sessionKey(sessionID))
	if err != nil {
		if errors.Is(err, kv.ErrKeyNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}

	var record PersistedSession
	if err := json.Unmarshal(entry.Value, &record); err != nil {
		return nil, fmt.Errorf("failed to decode session descriptor: %w", err)
	}
	return &record, nil
}

// update rewrites the descriptor through a read-modify-write.
func (s *PersistentStore) update(ctx context.Context, sessionID string, mutate func(*PersistedSession)) error {
	record, err := s.GetInfo(ctx, sessionID)
	if err != nil {
		return err
	}
	mutate(record)
	value, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode session descriptor: %w", err)
	}
	return s.kv.Set(ctx, sessionKey(sessionID), value, nil)
}

// UpdateActivity bumps the descriptor's last-activity time.
func (s *PersistentStore) UpdateActivity(ctx context.Context, sessionID string) error {
	return s.update(ctx, sessionID, func(record *PersistedSession) {
		record.LastActivity = s.now()
	})
}

// MarkInactive flags the session as disconnected.
func (s *PersistentStore) MarkInactive(ctx context.Context, sessionID string) error {
	return s.update(ctx, sessionID, func(record *PersistedSession) {
		record.Active = false
		record.LastActivity = s.now()
	})
}

// GetUserSessions returns all descriptors for the user, walking the
// by_user index.
func (s *PersistentStore) GetUserSessions(ctx context.Context, userID string) ([]*PersistedSession, error) {
	if userID == "" {
		userID = anonymousUserKey
	}
	entries, err := s.kv.ListByPrefix(ctx, kv.Key{"transport", "session_by_user", userID})
	if err != nil {
		return nil, err
	}

	var sessions []*PersistedSession
	for _, entry := range entries {
		var idx indexValue
		if err := json.Unmarshal(entry.Value, &idx); err != nil {
			continue
		}
		record, err := s.GetInfo(ctx, idx.SessionID)
		if err != nil {
			// Index row without a primary: repair by dropping it.
			_ = s.kv.Delete(ctx, entry.Key)
			continue
		}
		sessions = append(sessions, record)
	}
	return sessions, nil
}

// GetActiveSessions returns all descriptors currently flagged active.
func (s *PersistentStore) GetActiveSessions(ctx context.Context) ([]*PersistedSession, error) {
	entries, err := s.kv.ListByPrefix(ctx, kv.Key{"transport", "session"})
	if err != nil {
		return nil, err
	}

	var sessions []*PersistedSession
	for _, entry := range entries {
		var record PersistedSession
		if err := json.Unmarshal(entry.Value, &record); err != nil {
			continue
		}
		if record.Active {
			sessions = append(sessions, &record)
		}
	}
	return sessions, nil
}

// DeleteSession removes the descriptor and its index row atomically.
func (s *PersistentStore) DeleteSession(ctx context.Context, sessionID string) error {
	record, err := s.GetInfo(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil
		}
		return err
	}
	return s.kv.AtomicCommit(ctx, []kv.Op{
		kv.Delete(sessionKey(sessionID)),
		kv.Delete(sessionUserKey(record.UserID, sessionID)),
	})
}

// CleanupOldSessions deletes sessions whose last activity is older than
// maxAge. Returns how many were removed.
func (s *PersistentStore) CleanupOldSessions(ctx context.Context, maxAge time.Duration) (int, error) {
	entries, err := s.kv.ListByPrefix(ctx, kv.Key{"transport", "session"})
	if err != nil {
		return 0, err
	}

	cutoff := s.now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		var record PersistedSession
		if err := json.Unmarshal(entry.Value, &record); err != nil {
			continue
		}
		if record.LastActivity.Before(cutoff) {
			if err := s.DeleteSession(ctx, record.SessionID); err != nil {
				logger.Warnw("failed to delete old session", "session", record.SessionID, "error", err)
				continue
			}
			removed++
		}
	}
	return removed, nil
}

// RestoreSessions re-creates every active session through the restorer.
// The restorer must insert the session into the live map before returning:
// a client reconnect may race the first post-restart request. Sessions that
// fail to restore are marked inactive.
func (s *PersistentStore) RestoreSessions(ctx context.Context, restorer SessionRestorer) (int, error) {
	active, err := s.GetActiveSessions(ctx)
	if err != nil {
		return 0, err
	}

	restored := 0
	for _, record := range active {
		if err := restorer.RestoreSession(ctx, record); err != nil {
			logger.Warnw("failed to restore session", "session", record.SessionID, "error", err)
			if markErr := s.MarkInactive(ctx, record.SessionID); markErr != nil {
				logger.Debugw("failed to mark unrestorable session inactive",
					"session", record.SessionID, "error", markErr)
			}
			continue
		}
		restored++
	}

	logger.Infow("restored transport sessions", "restored", restored, "total", len(active))
	return restored, nil
}
