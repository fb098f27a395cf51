// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"fmt"
	"time"
)

// DefaultTTL is applied when the config leaves the TTL zero.
const DefaultTTL = 30 * time.Minute

// Config selects and configures the live-session storage.
type Config struct {
	// StorageType is one of "local", "redis", or "valkey" (an alias for
	// redis). Empty defaults to local.
	StorageType string

	// TTL is the idle timeout after which sessions are reaped.
	TTL time.Duration

	// Redis holds connection details for the redis/valkey storage types.
	Redis *RedisConfig
}

// CreateStorage builds the configured Storage, applying the default TTL.
func (c *Config) CreateStorage() (Storage, error) {
	if c.TTL == 0 {
		c.TTL = DefaultTTL
	}

	switch c.StorageType {
	case "", "local":
		return NewLocalStorage(), nil
	case "redis", "valkey":
		if c.Redis == nil {
			return nil, fmt.Errorf("redis configuration required for storage type %q", c.StorageType)
		}
		return NewRedisStorage(context.Background(), c.Redis, c.TTL)
	default:
		return nil, fmt.Errorf("unknown storage type: %s", c.StorageType)
	}
}

// CreateManagerFromConfig builds a manager producing mcp sessions.
func CreateManagerFromConfig(config *Config) (*Manager, error) {
	return CreateTypedManagerFromConfig(config, SessionTypeMCP)
}

// CreateTypedManagerFromConfig builds a manager whose factory produces
// sessions of the given type.
func CreateTypedManagerFromConfig(config *Config, sessionType SessionType) (*Manager, error) {
	storage, err := config.CreateStorage()
	if err != nil {
		return nil, err
	}
	factory := func(id string) Session {
		return NewTypedProxySession(id, sessionType)
	}
	return NewManagerWithStorage(config.TTL, factory, storage), nil
}
