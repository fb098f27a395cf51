// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"encoding/json"
	"fmt"
	"time"
)

// persistedSession is the JSON shape a session serializes to.
type persistedSession struct {
	ID        string            `json:"id"`
	Type      SessionType       `json:"type"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Data      json.RawMessage   `json:"data,omitempty"`
}

// serializeSession renders a session to JSON for storage.
func serializeSession(s Session) ([]byte, error) {
	if s == nil {
		return nil, fmt.Errorf("cannot serialize nil session")
	}

	persisted := persistedSession{
		ID:        s.ID(),
		Type:      s.Type(),
		CreatedAt: s.CreatedAt(),
		UpdatedAt: s.UpdatedAt(),
		Metadata:  s.GetMetadata(),
	}

	if data := s.GetData(); data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal session data: %w", err)
		}
		persisted.Data = raw
	}

	return json.Marshal(&persisted)
}

// deserializeSession restores a session from its JSON form. The concrete
// type is selected by the persisted type; unknown types come back as
// ProxySessions carrying the original type string.
func deserializeSession(data []byte) (Session, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("cannot deserialize empty data")
	}

	var persisted persistedSession
	if err := json.Unmarshal(data, &persisted); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}

	var restored Session
	switch persisted.Type {
	case SessionTypeSSE:
		restored = NewSSESession(persisted.ID)
	case SessionTypeStreamable:
		restored = NewStreamableSession(persisted.ID)
	default:
		restored = NewTypedProxySession(persisted.ID, persisted.Type)
	}

	base := baseSession(restored)
	base.mu.Lock()
	base.created = persisted.CreatedAt
	base.updated = persisted.UpdatedAt
	base.metadata = persisted.Metadata
	if persisted.Data != nil {
		base.data = persisted.Data
	}
	base.mu.Unlock()

	return restored, nil
}

// baseSession reaches the embedded ProxySession of any concrete type.
func baseSession(s Session) *ProxySession {
	switch v := s.(type) {
	case *ProxySession:
		return v
	case *SSESession:
		return &v.ProxySession
	case *StreamableSession:
		return &v.ProxySession
	default:
		return nil
	}
}
