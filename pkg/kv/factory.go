// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package kv

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"

	"github.com/stacklok/mcp-gateway/pkg/logger"
)

// Backend selects a Store implementation.
type Backend string

// Supported backends.
const (
	BackendMemory Backend = "memory"
	BackendSQLite Backend = "sqlite"
	BackendRedis  Backend = "redis"
)

// Config selects and configures the storage backend.
type Config struct {
	// Backend is one of memory, sqlite, redis. Defaults to sqlite.
	Backend Backend

	// Path is the SQLite database path. Empty means the XDG data directory.
	Path string

	// Redis holds connection details for the redis backend.
	Redis RedisConfig
}

// NewStore builds the configured Store.
func NewStore(ctx context.Context, cfg Config) (Store, error) {
	backend := cfg.Backend
	if backend == "" {
		backend = BackendSQLite
	}

	switch backend {
	case BackendMemory:
		logger.Info("using in-memory storage; data will not survive restarts")
		return NewMemoryStore(), nil
	case BackendSQLite:
		path := cfg.Path
		if path == "" {
			var err error
			path, err = defaultSQLitePath()
			if err != nil {
				return nil, err
			}
		}
		return NewSQLiteStore(ctx, path)
	case BackendRedis:
		return NewRedisStore(ctx, cfg.Redis)
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", backend)
	}
}

// defaultSQLitePath resolves the XDG data location for the gateway database.
func defaultSQLitePath() (string, error) {
	dir := filepath.Join(xdg.DataHome, "mcp-gateway")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}
	return filepath.Join(dir, "gateway.db"), nil
}
