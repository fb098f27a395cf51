// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package kv

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStoreForTest(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := NewRedisStore(context.Background(), RedisConfig{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func TestRedisStoreBasicOperations(t *testing.T) {
	t.Parallel()

	store, _ := newRedisStoreForTest(t)
	ctx := context.Background()

	key := Key{"mcp_auth", "tokens", "tok1"}
	require.NoError(t, store.Set(ctx, key, []byte("payload"), nil))

	entry, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), entry.Value)

	require.NoError(t, store.Delete(ctx, key))
	_, err = store.Get(ctx, key)
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestRedisStoreTTL(t *testing.T) {
	t.Parallel()

	store, mr := newRedisStoreForTest(t)
	ctx := context.Background()

	key := Key{"mcp_auth", "codes", "c1"}
	require.NoError(t, store.Set(ctx, key, []byte("v"), &SetOptions{TTL: time.Second}))

	entry, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, entry.ExpiresAt.IsZero())

	// miniredis advances TTLs manually.
	mr.FastForward(2 * time.Second)

	_, err = store.Get(ctx, key)
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestRedisStoreListByPrefix(t *testing.T) {
	t.Parallel()

	store, _ := newRedisStoreForTest(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, Key{"events", "stream", "s1", "b"}, []byte("2"), nil))
	require.NoError(t, store.Set(ctx, Key{"events", "stream", "s1", "a"}, []byte("1"), nil))
	require.NoError(t, store.Set(ctx, Key{"events", "stream", "s2", "z"}, []byte("x"), nil))
	require.NoError(t, store.Set(ctx, Key{"events", "stream_metadata", "s1"}, []byte("meta"), nil))

	entries, err := store.ListByPrefix(ctx, Key{"events", "stream", "s1"})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, Key{"events", "stream", "s1", "a"}, entries[0].Key)
	assert.Equal(t, Key{"events", "stream", "s1", "b"}, entries[1].Key)
}

func TestRedisStoreAtomicCommit(t *testing.T) {
	t.Parallel()

	store, _ := newRedisStoreForTest(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, Key{"a"}, []byte("1"), nil))

	err := store.AtomicCommit(ctx, []Op{
		CheckAbsent(Key{"a"}),
		Set(Key{"b"}, []byte("2"), 0),
	})
	assert.ErrorIs(t, err, ErrCommitConflict)
	_, err = store.Get(ctx, Key{"b"})
	assert.ErrorIs(t, err, ErrKeyNotFound)

	err = store.AtomicCommit(ctx, []Op{
		CheckValue(Key{"a"}, []byte("1")),
		Delete(Key{"a"}),
		Set(Key{"b"}, []byte("2"), 0),
	})
	require.NoError(t, err)

	_, err = store.Get(ctx, Key{"a"})
	assert.ErrorIs(t, err, ErrKeyNotFound)
	entry, err := store.Get(ctx, Key{"b"})
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), entry.Value)
}

func TestRedisStoreSingleUseRace(t *testing.T) {
	t.Parallel()

	store, _ := newRedisStoreForTest(t)
	ctx := context.Background()

	code := Key{"mcp_auth", "codes", "race"}
	require.NoError(t, store.Set(ctx, code, []byte("v"), nil))

	consume := func() error {
		return store.AtomicCommit(ctx, []Op{
			CheckValue(code, []byte("v")),
			Delete(code),
		})
	}

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() { results <- consume() }()
	}

	var wins int
	for i := 0; i < 2; i++ {
		if err := <-results; err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, ErrCommitConflict)
		}
	}
	assert.Equal(t, 1, wins)
}
