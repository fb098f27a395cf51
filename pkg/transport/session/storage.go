// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrSessionNotFound is returned by Load when no session exists for the ID.
var ErrSessionNotFound = errors.New("session not found")

// Storage persists live sessions for the Manager.
type Storage interface {
	// Store saves the session.
	Store(ctx context.Context, session Session) error

	// Load returns the session and touches its last-activity time.
	Load(ctx context.Context, id string) (Session, error)

	// Delete removes the session. Deleting an absent session is not an
	// error.
	Delete(ctx context.Context, id string) error

	// DeleteExpired removes sessions not touched since the cutoff.
	DeleteExpired(ctx context.Context, cutoff time.Time) error

	// Close releases storage resources.
	Close() error
}

// LocalStorage keeps sessions in process memory.
type LocalStorage struct {
	sessions sync.Map
}

// NewLocalStorage creates an empty in-memory storage.
func NewLocalStorage() *LocalStorage {
	return &LocalStorage{}
}

// Store saves the session.
func (l *LocalStorage) Store(_ context.Context, session Session) error {
	if session == nil {
		return fmt.Errorf("cannot store nil session")
	}
	if session.ID() == "" {
		return fmt.Errorf("cannot store session with empty ID")
	}
	l.sessions.Store(session.ID(), session)
	return nil
}

// Load returns the session, touching its last-activity time.
func (l *LocalStorage) Load(_ context.Context, id string) (Session, error) {
	if id == "" {
		return nil, fmt.Errorf("cannot load session with empty ID")
	}
	value, ok := l.sessions.Load(id)
	if !ok {
		return nil, ErrSessionNotFound
	}
	session := value.(Session)
	session.Touch()
	return session, nil
}

// Delete removes the session.
func (l *LocalStorage) Delete(_ context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("cannot delete session with empty ID")
	}
	l.sessions.Delete(id)
	return nil
}

// DeleteExpired removes sessions whose last activity is before the cutoff.
// Stops early (without error) when the context is cancelled.
func (l *LocalStorage) DeleteExpired(ctx context.Context, cutoff time.Time) error {
	l.sessions.Range(func(key, value any) bool {
		if ctx.Err() != nil {
			return false
		}
		if session, ok := value.(Session); ok && session.UpdatedAt().Before(cutoff) {
			l.sessions.Delete(key)
		}
		return true
	})
	return nil
}

// Count returns the number of stored sessions.
func (l *LocalStorage) Count() int {
	count := 0
	l.sessions.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}

// Range iterates over all stored sessions.
func (l *LocalStorage) Range(f func(key, value any) bool) {
	l.sessions.Range(f)
}

// Close clears all sessions.
func (l *LocalStorage) Close() error {
	l.sessions.Range(func(key, _ any) bool {
		l.sessions.Delete(key)
		return true
	})
	return nil
}

// redisKeyPrefix namespaces session keys in Redis.
const redisKeyPrefix = "mcpgw:sessions:"

// RedisStorage keeps serialized sessions in Redis with a TTL, for
// deployments that share session state across processes.
type RedisStorage struct {
	client *redis.Client
	ttl    time.Duration
}

// RedisConfig configures the Redis session storage.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisStorage connects to Redis and verifies the connection.
func NewRedisStorage(ctx context.Context, cfg *RedisConfig, ttl time.Duration) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisStorage{client: client, ttl: ttl}, nil
}

// Store saves the serialized session under its TTL.
func (r *RedisStorage) Store(ctx context.Context, session Session) error {
	if session == nil {
		return fmt.Errorf("cannot store nil session")
	}
	if session.ID() == "" {
		return fmt.Errorf("cannot store session with empty ID")
	}
	data, err := serializeSession(session)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, redisKeyPrefix+session.ID(), data, r.ttl).Err()
}

// Load returns the session, touching it and re-arming the TTL.
func (r *RedisStorage) Load(ctx context.Context, id string) (Session, error) {
	if id == "" {
		return nil, fmt.Errorf("cannot load session with empty ID")
	}
	data, err := r.client.Get(ctx, redisKeyPrefix+id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}

	session, err := deserializeSession(data)
	if err != nil {
		return nil, err
	}
	session.Touch()
	if err := r.Store(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// Delete removes the session.
func (r *RedisStorage) Delete(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("cannot delete session with empty ID")
	}
	return r.client.Del(ctx, redisKeyPrefix+id).Err()
}

// DeleteExpired is a no-op: Redis TTLs expire sessions server-side.
func (*RedisStorage) DeleteExpired(_ context.Context, _ time.Time) error {
	return nil
}

// Close closes the Redis client.
func (r *RedisStorage) Close() error {
	return r.client.Close()
}

// Compile-time interface compliance checks
var (
	_ Storage = (*LocalStorage)(nil)
	_ Storage = (*RedisStorage)(nil)
)
