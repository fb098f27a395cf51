// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/mcp-gateway/pkg/kv"
)

func newStoreForTest() *Store {
	return NewStore(kv.NewMemoryStore())
}

func TestStoreEvent(t *testing.T) {
	t.Parallel()

	store := newStoreForTest()
	ctx := context.Background()

	eventID, err := store.StoreEvent(ctx, "sess_1", json.RawMessage(`{"jsonrpc":"2.0","id":1}`))
	require.NoError(t, err)

	// ID shape: {stream}|{base36 millis}|{8 random chars}.
	parts := strings.Split(eventID, "|")
	require.Len(t, parts, 3)
	assert.Equal(t, "sess_1", parts[0])
	assert.NotEmpty(t, parts[1])
	assert.Len(t, parts[2], 8)

	events, err := store.ListEvents(ctx, "sess_1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, eventID, events[0].EventID)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":1}`, string(events[0].Message))
}

func TestStoreEventRejectsSeparatorInStreamID(t *testing.T) {
	t.Parallel()

	store := newStoreForTest()
	_, err := store.StoreEvent(context.Background(), "bad|stream", json.RawMessage(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `must not contain`)

	_, err = store.StoreEvent(context.Background(), "", json.RawMessage(`{}`))
	assert.Error(t, err)
}

func TestEventsOrderedByTimestamp(t *testing.T) {
	t.Parallel()

	store := newStoreForTest()
	ctx := context.Background()

	// Drive the clock manually so ordering is deterministic.
	base := time.Now()
	for i := 0; i < 5; i++ {
		offset := time.Duration(i) * time.Millisecond
		store.now = func() time.Time { return base.Add(offset) }
		_, err := store.StoreEvent(ctx, "sess_1", json.RawMessage(fmt.Sprintf(`{"seq":%d}`, i)))
		require.NoError(t, err)
	}

	events, err := store.ListEvents(ctx, "sess_1")
	require.NoError(t, err)
	require.Len(t, events, 5)
	for i := 1; i < len(events); i++ {
		assert.False(t, events[i].Timestamp.Before(events[i-1].Timestamp))
	}
	for i, event := range events {
		assert.JSONEq(t, fmt.Sprintf(`{"seq":%d}`, i), string(event.Message))
	}
}

func TestReplayEventsAfter(t *testing.T) {
	t.Parallel()

	store := newStoreForTest()
	ctx := context.Background()

	base := time.Now()
	var ids []string
	for i := 0; i < 4; i++ {
		offset := time.Duration(i) * time.Millisecond
		store.now = func() time.Time { return base.Add(offset) }
		id, err := store.StoreEvent(ctx, "sess_1", json.RawMessage(fmt.Sprintf(`{"seq":%d}`, i)))
		require.NoError(t, err)
		ids = append(ids, id)
	}

	var replayed []string
	streamID, err := store.ReplayEventsAfter(ctx, ids[1], func(eventID string, _ json.RawMessage) error {
		replayed = append(replayed, eventID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "sess_1", streamID)

	// Strictly after the cursor, in order, excluding the cursor itself.
	assert.Equal(t, []string{ids[2], ids[3]}, replayed)
}

func TestReplayEventsAfterDisconnectScenario(t *testing.T) {
	t.Parallel()

	store := newStoreForTest()
	ctx := context.Background()

	base := time.Now()
	store.now = func() time.Time { return base }
	e1, err := store.StoreEvent(ctx, "sess_X", json.RawMessage(`{"event":"E1"}`))
	require.NoError(t, err)
	store.now = func() time.Time { return base.Add(time.Millisecond) }
	e2, err := store.StoreEvent(ctx, "sess_X", json.RawMessage(`{"event":"E2"}`))
	require.NoError(t, err)

	// Client saw E1, reconnects: must receive E2 and only E2.
	var replayed []string
	_, err = store.ReplayEventsAfter(ctx, e1, func(eventID string, _ json.RawMessage) error {
		replayed = append(replayed, eventID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{e2}, replayed)
}

func TestReplayEventsAfterMalformedID(t *testing.T) {
	t.Parallel()

	store := newStoreForTest()
	ctx := context.Background()

	_, err := store.StoreEvent(ctx, "sess_1", json.RawMessage(`{}`))
	require.NoError(t, err)

	for _, malformed := range []string{"", "no-separators", "a|b", "a|b|c|d", "|x|y"} {
		streamID, err := store.ReplayEventsAfter(ctx, malformed, func(string, json.RawMessage) error {
			t.Fatalf("send must not be called for malformed id %q", malformed)
			return nil
		})
		require.NoError(t, err)
		assert.Empty(t, streamID)
	}
}

func TestReplayEventsAfterUnknownCursor(t *testing.T) {
	t.Parallel()

	store := newStoreForTest()
	ctx := context.Background()

	_, err := store.StoreEvent(ctx, "sess_1", json.RawMessage(`{}`))
	require.NoError(t, err)

	streamID, err := store.ReplayEventsAfter(ctx, "sess_1|zzzz|deadbeef", func(string, json.RawMessage) error {
		t.Fatal("send must not be called for an unknown cursor")
		return nil
	})
	require.NoError(t, err)
	assert.Empty(t, streamID)
}

func TestCleanupOldEvents(t *testing.T) {
	t.Parallel()

	store := newStoreForTest()
	ctx := context.Background()

	base := time.Now()
	for i := 0; i < 25; i++ {
		offset := time.Duration(i) * time.Millisecond
		store.now = func() time.Time { return base.Add(offset) }
		_, err := store.StoreEvent(ctx, "sess_1", json.RawMessage(fmt.Sprintf(`{"seq":%d}`, i)))
		require.NoError(t, err)
	}

	removed, err := store.CleanupOldEvents(ctx, "sess_1", 5)
	require.NoError(t, err)
	assert.Equal(t, 20, removed)

	events, err := store.ListEvents(ctx, "sess_1")
	require.NoError(t, err)
	require.Len(t, events, 5)

	// The newest five survive.
	assert.JSONEq(t, `{"seq":20}`, string(events[0].Message))
	assert.JSONEq(t, `{"seq":24}`, string(events[4].Message))
}

func TestCleanupOldEventsNothingToDo(t *testing.T) {
	t.Parallel()

	store := newStoreForTest()
	ctx := context.Background()

	_, err := store.StoreEvent(ctx, "sess_1", json.RawMessage(`{}`))
	require.NoError(t, err)

	removed, err := store.CleanupOldEvents(ctx, "sess_1", 10)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestStreamsAreIndependent(t *testing.T) {
	t.Parallel()

	store := newStoreForTest()
	ctx := context.Background()

	_, err := store.StoreEvent(ctx, "sess_1", json.RawMessage(`{"a":1}`))
	require.NoError(t, err)
	_, err = store.StoreEvent(ctx, "sess_2", json.RawMessage(`{"b":2}`))
	require.NoError(t, err)

	events, err := store.ListEvents(ctx, "sess_1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.JSONEq(t, `{"a":1}`, string(events[0].Message))
}

func TestDeleteStream(t *testing.T) {
	t.Parallel()

	store := newStoreForTest()
	ctx := context.Background()

	_, err := store.StoreEvent(ctx, "sess_1", json.RawMessage(`{}`))
	require.NoError(t, err)
	require.NoError(t, store.DeleteStream(ctx, "sess_1"))

	events, err := store.ListEvents(ctx, "sess_1")
	require.NoError(t, err)
	assert.Empty(t, events)
}
