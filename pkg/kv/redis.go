// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package kv

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	mcperrors "github.com/stacklok/mcp-gateway/pkg/errors"
	"github.com/stacklok/mcp-gateway/pkg/logger"
)

// redisNamespace prefixes every key so a shared Redis can host other data.
const redisNamespace = "mcpgw:"

// watchRetries bounds optimistic-lock retries before a commit is reported as
// conflicted.
const watchRetries = 3

// RedisStore is the Redis-backed Store. Atomic commits use WATCH/MULTI/EXEC
// optimistic locking over the keys involved in the commit.
type RedisStore struct {
	client *redis.Client
}

// RedisConfig configures the Redis backend.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, mcperrors.NewStorageUnavailableError("failed to connect to redis", err)
	}
	logger.Debugw("redis kv store connected", "addr", cfg.Addr)
	return &RedisStore{client: client}, nil
}

func redisKey(encoded string) string {
	return redisNamespace + encoded
}

// Get returns the entry for key, or ErrKeyNotFound.
func (r *RedisStore) Get(ctx context.Context, key Key) (*Entry, error) {
	encoded, err := key.Encode()
	if err != nil {
		return nil, err
	}

	value, err := r.client.Get(ctx, redisKey(encoded)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrKeyNotFound
		}
		return nil, mcperrors.NewStorageUnavailableError("redis read failed", err)
	}

	entry := &Entry{Key: key, Value: value}
	if ttl, err := r.client.PTTL(ctx, redisKey(encoded)).Result(); err == nil && ttl > 0 {
		entry.ExpiresAt = time.Now().Add(ttl)
	}
	return entry, nil
}

// Set writes the value for key. Expiry maps onto Redis TTLs.
func (r *RedisStore) Set(ctx context.Context, key Key, value []byte, opts *SetOptions) error {
	encoded, err := key.Encode()
	if err != nil {
		return err
	}

	var ttl time.Duration
	if opts != nil {
		ttl = opts.TTL
	}
	if err := r.client.Set(ctx, redisKey(encoded), value, ttl).Err(); err != nil {
		return mcperrors.NewStorageUnavailableError("redis write failed", err)
	}
	return nil
}

// Delete removes the key.
func (r *RedisStore) Delete(ctx context.Context, key Key) error {
	encoded, err := key.Encode()
	if err != nil {
		return err
	}
	if err := r.client.Del(ctx, redisKey(encoded)).Err(); err != nil {
		return mcperrors.NewStorageUnavailableError("redis delete failed", err)
	}
	return nil
}

// ListByPrefix scans matching keys and returns them in key order. SCAN gives
// no ordering guarantee, so results are sorted client-side to meet the
// ordered contract.
func (r *RedisStore) ListByPrefix(ctx context.Context, prefix Key) ([]Entry, error) {
	encodedPrefix, err := prefix.Encode()
	if err != nil {
		return nil, err
	}

	pattern := escapeGlob(redisKey(encodedPrefix)) + "*"
	var matched []string
	iter := r.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		encoded := strings.TrimPrefix(iter.Val(), redisNamespace)
		if matchesPrefix(encoded, encodedPrefix) {
			matched = append(matched, encoded)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, mcperrors.NewStorageUnavailableError("redis scan failed", err)
	}
	sort.Strings(matched)

	entries := make([]Entry, 0, len(matched))
	for _, encoded := range matched {
		value, err := r.client.Get(ctx, redisKey(encoded)).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				// Expired between scan and read.
				continue
			}
			return nil, mcperrors.NewStorageUnavailableError("redis read failed", err)
		}
		entries = append(entries, Entry{Key: DecodeKey(encoded), Value: value})
	}
	return entries, nil
}

// AtomicCommit applies all operations inside a WATCH/MULTI/EXEC round.
// Failed checks return ErrCommitConflict; concurrent modification of a
// watched key retries a bounded number of times before reporting conflict.
func (r *RedisStore) AtomicCommit(ctx context.Context, ops []Op) error {
	encoded := make([]string, len(ops))
	watched := make([]string, 0, len(ops))
	for i, op := range ops {
		enc, err := op.Key.Encode()
		if err != nil {
			return err
		}
		encoded[i] = enc
		watched = append(watched, redisKey(enc))
	}

	txn := func(tx *redis.Tx) error {
		for i, op := range ops {
			if op.Kind != OpCheckAbsent && op.Kind != OpCheckValue {
				continue
			}
			value, err := tx.Get(ctx, redisKey(encoded[i])).Bytes()
			exists := err == nil
			if err != nil && !errors.Is(err, redis.Nil) {
				return mcperrors.NewStorageUnavailableError("redis read failed", err)
			}

			if op.Kind == OpCheckAbsent && exists {
				return ErrCommitConflict
			}
			if op.Kind == OpCheckValue && (!exists || !bytes.Equal(value, op.Expect)) {
				return ErrCommitConflict
			}
		}

		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for i, op := range ops {
				switch op.Kind {
				case OpSet:
					pipe.Set(ctx, redisKey(encoded[i]), op.Value, op.TTL)
				case OpDelete:
					pipe.Del(ctx, redisKey(encoded[i]))
				case OpCheckAbsent, OpCheckValue:
					// Already verified.
				}
			}
			return nil
		})
		return err
	}

	for attempt := 0; attempt < watchRetries; attempt++ {
		err := r.client.Watch(ctx, txn, watched...)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			// A watched key changed underneath us; retry the whole round.
			continue
		}
		return err
	}
	return ErrCommitConflict
}

// Close closes the Redis client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}

// escapeGlob escapes Redis glob metacharacters in a literal key prefix.
func escapeGlob(s string) string {
	replacer := strings.NewReplacer(
		`\`, `\\`,
		`*`, `\*`,
		`?`, `\?`,
		`[`, `\[`,
		`]`, `\]`,
	)
	return replacer.Replace(s)
}

// Compile-time interface compliance check
var _ Store = (*RedisStore)(nil)
