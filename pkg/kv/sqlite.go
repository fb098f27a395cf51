// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package kv

import (
	"bytes"
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver

	mcperrors "github.com/stacklok/mcp-gateway/pkg/errors"
	"github.com/stacklok/mcp-gateway/pkg/logger"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// goose configuration is package-global; serialize it across concurrent
// store openings.
var migrateMu sync.Mutex

// SQLiteStore is the durable single-node Store backend. Entries live in one
// table keyed by the encoded tuple; expiry is a unix-milli column checked on
// every read.
type SQLiteStore struct {
	db *sql.DB

	now func() time.Time
}

// NewSQLiteStore opens (or creates) the database at path and applies schema
// migrations. Use ":memory:" for an ephemeral database.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, mcperrors.NewStorageUnavailableError("failed to open sqlite database", err)
	}
	// SQLite handles one writer at a time; a single connection avoids
	// SQLITE_BUSY storms under concurrent commits.
	db.SetMaxOpenConns(1)

	migrateMu.Lock()
	goose.SetBaseFS(embedMigrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		migrateMu.Unlock()
		_ = db.Close()
		return nil, mcperrors.NewStorageUnavailableError("failed to set migration dialect", err)
	}
	err = goose.UpContext(ctx, db, "migrations")
	migrateMu.Unlock()
	if err != nil {
		_ = db.Close()
		return nil, mcperrors.NewStorageUnavailableError("failed to apply migrations", err)
	}

	logger.Debugw("sqlite kv store opened", "path", path)
	return &SQLiteStore{db: db, now: time.Now}, nil
}

// Get returns the entry for key, or ErrKeyNotFound.
func (s *SQLiteStore) Get(ctx context.Context, key Key) (*Entry, error) {
	encoded, err := key.Encode()
	if err != nil {
		return nil, err
	}

	var (
		value   []byte
		expires sql.NullInt64
	)
	row := s.db.QueryRowContext(ctx, `SELECT v, expires_at FROM kv WHERE k = ?`, encoded)
	if err := row.Scan(&value, &expires); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrKeyNotFound
		}
		return nil, mcperrors.NewStorageUnavailableError("sqlite read failed", err)
	}

	if expires.Valid && !s.now().Before(time.UnixMilli(expires.Int64)) {
		// Reap the expired row opportunistically; the caller sees absence
		// either way.
		_, _ = s.db.ExecContext(ctx, `DELETE FROM kv WHERE k = ? AND expires_at <= ?`, encoded, s.now().UnixMilli())
		return nil, ErrKeyNotFound
	}

	entry := &Entry{Key: key, Value: value}
	if expires.Valid {
		entry.ExpiresAt = time.UnixMilli(expires.Int64)
	}
	return entry, nil
}

// Set writes the value for key.
func (s *SQLiteStore) Set(ctx context.Context, key Key, value []byte, opts *SetOptions) error {
	encoded, err := key.Encode()
	if err != nil {
		return err
	}

	var ttl time.Duration
	if opts != nil {
		ttl = opts.TTL
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO kv (k, v, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT (k) DO UPDATE SET v = excluded.v, expires_at = excluded.expires_at`,
		encoded, value, expiryMilli(s.now(), ttl))
	if err != nil {
		return mcperrors.NewStorageUnavailableError("sqlite write failed", err)
	}
	return nil
}

// Delete removes the key.
func (s *SQLiteStore) Delete(ctx context.Context, key Key) error {
	encoded, err := key.Encode()
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE k = ?`, encoded); err != nil {
		return mcperrors.NewStorageUnavailableError("sqlite delete failed", err)
	}
	return nil
}

// ListByPrefix returns all live entries under the prefix, ordered by key.
func (s *SQLiteStore) ListByPrefix(ctx context.Context, prefix Key) ([]Entry, error) {
	encodedPrefix, err := prefix.Encode()
	if err != nil {
		return nil, err
	}

	// Children of the prefix all sort inside [prefix+0x1f, prefix+0x20): the
	// separator is the lowest byte any extension can append.
	lower := encodedPrefix + keySeparator
	upper := encodedPrefix + "\x20"

	rows, err := s.db.QueryContext(ctx,
		`SELECT k, v, expires_at FROM kv
		 WHERE (k = ? OR (k >= ? AND k < ?))
		   AND (expires_at IS NULL OR expires_at > ?)
		 ORDER BY k ASC`,
		encodedPrefix, lower, upper, s.now().UnixMilli())
	if err != nil {
		return nil, mcperrors.NewStorageUnavailableError("sqlite scan failed", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			encoded string
			value   []byte
			expires sql.NullInt64
		)
		if err := rows.Scan(&encoded, &value, &expires); err != nil {
			return nil, mcperrors.NewStorageUnavailableError("sqlite scan failed", err)
		}
		entry := Entry{Key: DecodeKey(encoded), Value: value}
		if expires.Valid {
			entry.ExpiresAt = time.UnixMilli(expires.Int64)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, mcperrors.NewStorageUnavailableError("sqlite scan failed", err)
	}
	return entries, nil
}

// AtomicCommit applies all operations inside one transaction. Checks are
// verified first; a failed check rolls back and returns ErrCommitConflict.
func (s *SQLiteStore) AtomicCommit(ctx context.Context, ops []Op) error {
	encoded := make([]string, len(ops))
	for i, op := range ops {
		enc, err := op.Key.Encode()
		if err != nil {
			return err
		}
		encoded[i] = enc
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mcperrors.NewStorageUnavailableError("sqlite begin failed", err)
	}
	defer func() { _ = tx.Rollback() }()

	nowMilli := s.now().UnixMilli()
	for i, op := range ops {
		if op.Kind != OpCheckAbsent && op.Kind != OpCheckValue {
			continue
		}
		var (
			value   []byte
			expires sql.NullInt64
		)
		row := tx.QueryRowContext(ctx, `SELECT v, expires_at FROM kv WHERE k = ?`, encoded[i])
		scanErr := row.Scan(&value, &expires)
		exists := scanErr == nil && (!expires.Valid || expires.Int64 > nowMilli)
		if scanErr != nil && !errors.Is(scanErr, sql.ErrNoRows) {
			return mcperrors.NewStorageUnavailableError("sqlite read failed", scanErr)
		}

		if op.Kind == OpCheckAbsent && exists {
			return ErrCommitConflict
		}
		if op.Kind == OpCheckValue && (!exists || !bytes.Equal(value, op.Expect)) {
			return ErrCommitConflict
		}
	}

	now := s.now()
	for i, op := range ops {
		switch op.Kind {
		case OpSet:
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO kv (k, v, expires_at) VALUES (?, ?, ?)
				 ON CONFLICT (k) DO UPDATE SET v = excluded.v, expires_at = excluded.expires_at`,
				encoded[i], op.Value, expiryMilli(now, op.TTL)); err != nil {
				return mcperrors.NewStorageUnavailableError("sqlite write failed", err)
			}
		case OpDelete:
			if _, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE k = ?`, encoded[i]); err != nil {
				return mcperrors.NewStorageUnavailableError("sqlite delete failed", err)
			}
		case OpCheckAbsent, OpCheckValue:
			// Already verified.
		}
	}

	if err := tx.Commit(); err != nil {
		return mcperrors.NewStorageUnavailableError("sqlite commit failed", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// expiryMilli converts a TTL to the nullable unix-milli column value.
func expiryMilli(now time.Time, ttl time.Duration) any {
	if ttl <= 0 {
		return nil
	}
	return now.Add(ttl).UnixMilli()
}

// Compile-time interface compliance check
var _ Store = (*SQLiteStore)(nil)
