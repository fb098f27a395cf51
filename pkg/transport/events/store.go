// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package events is the append-only per-stream log of transport messages.
// Streaming clients resume after a disconnect by replaying every event
// strictly after their last-seen event ID.
package events

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/stacklok/mcp-gateway/pkg/kv"
	"github.com/stacklok/mcp-gateway/pkg/logger"
)

// idSeparator joins the stream id, timestamp, and random tail inside an
// event ID. Stream ids containing it are rejected at the boundary.
const idSeparator = "|"

// cleanupBatchSize is how many deletions one cleanup commit carries.
const cleanupBatchSize = 10

// StoredEvent is one logged transport message.
type StoredEvent struct {
	EventID   string          `json:"event_id"`
	StreamID  string          `json:"stream_id"`
	Message   json.RawMessage `json:"message"`
	Timestamp time.Time       `json:"timestamp"`
}

// streamMetadata tracks per-stream bookkeeping.
type streamMetadata struct {
	StreamID    string    `json:"stream_id"`
	EventCount  int64     `json:"event_count"`
	LastEventAt time.Time `json:"last_event_at"`
}

// SendFunc delivers one replayed event to the client.
type SendFunc func(eventID string, message json.RawMessage) error

// Store is the KV-backed event log.
type Store struct {
	kv  kv.Store
	now func() time.Time
}

// NewStore creates an event log on the KV layer.
func NewStore(store kv.Store) *Store {
	return &Store{kv: store, now: time.Now}
}

func eventKey(streamID, eventID string) kv.Key {
	return kv.Key{"events", "stream", streamID, eventID}
}

func metadataKey(streamID string) kv.Key {
	return kv.Key{"events", "stream_metadata", streamID}
}

// newEventID builds {stream}|{base36 millis}|{8 random chars}.
func (s *Store) newEventID(streamID string) (string, error) {
	tail := make([]byte, 4)
	if _, err := rand.Read(tail); err != nil {
		return "", fmt.Errorf("failed to generate event id: %w", err)
	}
	return streamID + idSeparator +
		strconv.FormatInt(s.now().UnixMilli(), 36) + idSeparator +
		hex.EncodeToString(tail), nil
}

// StoreEvent appends one message to the stream and returns its event ID.
func (s *Store) StoreEvent(ctx context.Context, streamID string, message json.RawMessage) (string, error) {
	if streamID == "" {
		return "", fmt.Errorf("stream id is required")
	}
	if strings.Contains(streamID, idSeparator) {
		return "", fmt.Errorf("stream id must not contain %q", idSeparator)
	}

	eventID, err := s.newEventID(streamID)
	if err != nil {
		return "", err
	}

	event := &StoredEvent{
		EventID:   eventID,
		StreamID:  streamID,
		Message:   message,
		Timestamp: s.now(),
	}
	value, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("failed to encode event: %w", err)
	}

	if err := s.kv.Set(ctx, eventKey(streamID, eventID), value, nil); err != nil {
		return "", err
	}
	s.touchMetadata(ctx, streamID)
	return eventID, nil
}

// touchMetadata bumps the stream's bookkeeping, best-effort.
func (s *Store) touchMetadata(ctx context.Context, streamID string) {
	meta := &streamMetadata{StreamID: streamID}
	if entry, err := s.kv.Get(ctx, metadataKey(streamID)); err == nil {
		_ = json.Unmarshal(entry.Value, meta)
	}
	meta.EventCount++
	meta.LastEventAt = s.now()

	value, err := json.Marshal(meta)
	if err != nil {
		return
	}
	if err := s.kv.Set(ctx, metadataKey(streamID), value, nil); err != nil {
		logger.Debugw("failed to update stream metadata", "stream", streamID, "error", err)
	}
}

// listStream returns the stream's events in timestamp order.
func (s *Store) listStream(ctx context.Context, streamID string) ([]StoredEvent, error) {
	entries, err := s.kv.ListByPrefix(ctx, kv.Key{"events", "stream", streamID})
	if err != nil {
		return nil, err
	}

	events := make([]StoredEvent, 0, len(entries))
	for _, entry := range entries {
		var event StoredEvent
		if err := json.Unmarshal(entry.Value, &event); err != nil {
			logger.Warnw("skipping undecodable event", "stream", streamID, "error", err)
			continue
		}
		events = append(events, event)
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
	return events, nil
}

// ReplayEventsAfter replays every event of the stream strictly after
// lastEventID, in timestamp order, and returns the stream ID. A malformed
// ID or an unknown cursor is a no-op returning the empty string.
func (s *Store) ReplayEventsAfter(ctx context.Context, lastEventID string, send SendFunc) (string, error) {
	parts := strings.Split(lastEventID, idSeparator)
	if len(parts) != 3 || parts[0] == "" {
		logger.Debugw("malformed last event id, skipping replay", "lastEventID", lastEventID)
		return "", nil
	}
	streamID := parts[0]

	events, err := s.listStream(ctx, streamID)
	if err != nil {
		return "", err
	}

	cursor := -1
	for i, event := range events {
		if event.EventID == lastEventID {
			cursor = i
			break
		}
	}
	if cursor == -1 {
		logger.Debugw("replay cursor not found", "stream", streamID, "lastEventID", lastEventID)
		return "", nil
	}

	for _, event := range events[cursor+1:] {
		if err := send(event.EventID, event.Message); err != nil {
			return streamID, err
		}
	}
	return streamID, nil
}

// ListEvents returns all events of a stream in timestamp order.
func (s *Store) ListEvents(ctx context.Context, streamID string) ([]StoredEvent, error) {
	return s.listStream(ctx, streamID)
}

// CleanupOldEvents deletes the oldest events of the stream until only
// keepCount remain, committing deletions in batches of ten.
func (s *Store) CleanupOldEvents(ctx context.Context, streamID string, keepCount int) (int, error) {
	events, err := s.listStream(ctx, streamID)
	if err != nil {
		return 0, err
	}
	if keepCount < 0 {
		keepCount = 0
	}
	if len(events) <= keepCount {
		return 0, nil
	}

	doomed := events[:len(events)-keepCount]
	removed := 0
	for start := 0; start < len(doomed); start += cleanupBatchSize {
		end := start + cleanupBatchSize
		if end > len(doomed) {
			end = len(doomed)
		}
		ops := make([]kv.Op, 0, cleanupBatchSize)
		for _, event := range doomed[start:end] {
			ops = append(ops, kv.Delete(eventKey(streamID, event.EventID)))
		}
		if err := s.kv.AtomicCommit(ctx, ops); err != nil {
			return removed, err
		}
		removed += end - start
	}

	logger.Debugw("cleaned up old events", "stream", streamID, "removed", removed, "kept", keepCount)
	return removed, nil
}

// DeleteStream removes the whole stream including its metadata.
func (s *Store) DeleteStream(ctx context.Context, streamID string) error {
	events, err := s.listStream(ctx, streamID)
	if err != nil {
		return err
	}
	ops := make([]kv.Op, 0, len(events)+1)
	for _, event := range events {
		ops = append(ops, kv.Delete(eventKey(streamID, event.EventID)))
	}
	ops = append(ops, kv.Delete(metadataKey(streamID)))
	return s.kv.AtomicCommit(ctx, ops)
}
