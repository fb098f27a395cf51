// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package credentials persists third-party OAuth credentials, encrypted at
// rest and indexed by (user, provider).
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stacklok/mcp-gateway/pkg/kv"
	"github.com/stacklok/mcp-gateway/pkg/logger"
	"github.com/stacklok/mcp-gateway/pkg/secrets"
)

// ErrNotFound is returned when no usable credentials exist for the
// (user, provider) pair.
var ErrNotFound = errors.New("credentials: not found")

// DefaultRefreshBuffer is the slack before expiry during which a credential
// is treated as already expired, forcing a refresh before use.
const DefaultRefreshBuffer = 5 * time.Minute

// Credentials are the tokens held at a third-party provider for one user.
type Credentials struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type"`
	ExpiresAt    time.Time `json:"expires_at"`
	Scopes       []string  `json:"scopes"`
	StoredAt     time.Time `json:"stored_at"`
	LastUsedAt   time.Time `json:"last_used_at"`
}

// indexEntry is the value stored under the by_user index key. It carries
// just enough to answer expiry queries without decrypting the credential.
type indexEntry struct {
	ProviderID string    `json:"provider_id"`
	StoredAt   time.Time `json:"stored_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// UserProvider identifies one credential row.
type UserProvider struct {
	UserID     string
	ProviderID string
}

// Store persists encrypted credentials in the KV layer.
type Store struct {
	kv            kv.Store
	cipher        *secrets.Cipher
	refreshBuffer time.Duration

	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithRefreshBuffer overrides the default refresh buffer.
func WithRefreshBuffer(buffer time.Duration) Option {
	return func(s *Store) { s.refreshBuffer = buffer }
}

// NewStore creates a credential store on top of the KV layer.
func NewStore(store kv.Store, cipher *secrets.Cipher, opts ...Option) *Store {
	s := &Store{
		kv:            store,
		cipher:        cipher,
		refreshBuffer: DefaultRefreshBuffer,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func primaryKey(providerID, userID string) kv.Key {
	return kv.Key{"creds", providerID, userID}
}

func indexKey(userID, providerID string) kv.Key {
	return kv.Key{"creds", "by_user", userID, providerID}
}

// Store writes the credential and its index row in one atomic commit. On
// update, the original StoredAt is preserved.
func (s *Store) Store(ctx context.Context, userID, providerID string, creds *Credentials) error {
	if userID == "" || providerID == "" {
		return fmt.Errorf("user and provider ids are required")
	}
	if creds == nil {
		return fmt.Errorf("credentials are required")
	}

	stored := *creds
	stored.StoredAt = s.now()
	if existing, err := s.getRaw(ctx, userID, providerID); err == nil {
		stored.StoredAt = existing.StoredAt
	}

	plaintext, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("failed to encode credentials: %w", err)
	}
	ciphertext, err := s.cipher.Encrypt(plaintext)
	if err != nil {
		return fmt.Errorf("failed to encrypt credentials: %w", err)
	}

	index, err := json.Marshal(&indexEntry{
		ProviderID: providerID,
		StoredAt:   stored.StoredAt,
		ExpiresAt:  stored.ExpiresAt,
	})
	if err != nil {
		return fmt.Errorf("failed to encode index entry: %w", err)
	}

	return s.kv.AtomicCommit(ctx, []kv.Op{
		kv.Set(primaryKey(providerID, userID), ciphertext, 0),
		kv.Set(indexKey(userID, providerID), index, 0),
	})
}

// getRaw reads and decrypts the credential without applying the refresh
// buffer.
func (s *Store) getRaw(ctx context.Context, userID, providerID string) (*Credentials, error) {
	entry, err := s.kv.Get(ctx, primaryKey(providerID, userID))
	if err != nil {
		if errors.Is(err, kv.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	plaintext, err := s.cipher.Decrypt(entry.Value)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt credentials: %w", err)
	}
	var creds Credentials
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return nil, fmt.Errorf("failed to decode credentials: %w", err)
	}
	return &creds, nil
}

// Get returns the credential when its expiry is outside the refresh buffer.
// A credential expiring within the buffer is treated as absent so the caller
// refreshes before use. LastUsedAt is touched best-effort.
func (s *Store) Get(ctx context.Context, userID, providerID string) (*Credentials, error) {
	creds, err := s.getRaw(ctx, userID, providerID)
	if err != nil {
		return nil, err
	}

	if !creds.ExpiresAt.IsZero() && !creds.ExpiresAt.After(s.now().Add(s.refreshBuffer)) {
		return nil, ErrNotFound
	}

	s.touchLastUsed(ctx, userID, providerID, creds)
	return creds, nil
}

// GetAny returns the credential regardless of expiry, for refresh paths
// that need the stored refresh token.
func (s *Store) GetAny(ctx context.Context, userID, providerID string) (*Credentials, error) {
	return s.getRaw(ctx, userID, providerID)
}

// touchLastUsed updates LastUsedAt. Failures are logged and swallowed; the
// read itself has already succeeded.
func (s *Store) touchLastUsed(ctx context.Context, userID, providerID string, creds *Credentials) {
	updated := *creds
	updated.LastUsedAt = s.now()

	plaintext, err := json.Marshal(&updated)
	if err != nil {
		return
	}
	ciphertext, err := s.cipher.Encrypt(plaintext)
	if err != nil {
		return
	}
	if err := s.kv.Set(ctx, primaryKey(providerID, userID), ciphertext, nil); err != nil {
		logger.Debugw("failed to touch credential last_used_at",
			"user", userID, "provider", providerID, "error", err)
	}
}

// Delete removes the credential and its index row atomically.
func (s *Store) Delete(ctx context.Context, userID, providerID string) error {
	return s.kv.AtomicCommit(ctx, []kv.Op{
		kv.Delete(primaryKey(providerID, userID)),
		kv.Delete(indexKey(userID, providerID)),
	})
}

// DeleteAllForUser removes every credential belonging to the user. The walk
// uses the index only.
func (s *Store) DeleteAllForUser(ctx context.Context, userID string) error {
	entries, err := s.kv.ListByPrefix(ctx, kv.Key{"creds", "by_user", userID})
	if err != nil {
		return err
	}

	ops := make([]kv.Op, 0, 2*len(entries))
	for _, entry := range entries {
		var idx indexEntry
		if err := json.Unmarshal(entry.Value, &idx); err != nil {
			continue
		}
		ops = append(ops,
			kv.Delete(primaryKey(idx.ProviderID, userID)),
			kv.Delete(entry.Key),
		)
	}
	if len(ops) == 0 {
		return nil
	}
	return s.kv.AtomicCommit(ctx, ops)
}

// ListExpiring returns the (user, provider) pairs whose credentials expire
// within the buffer. The walk uses the index only.
func (s *Store) ListExpiring(ctx context.Context, buffer time.Duration) ([]UserProvider, error) {
	entries, err := s.kv.ListByPrefix(ctx, kv.Key{"creds", "by_user"})
	if err != nil {
		return nil, err
	}

	cutoff := s.now().Add(buffer)
	var expiring []UserProvider
	for _, entry := range entries {
		// Key shape: [creds, by_user, <user>, <provider>]
		if len(entry.Key) != 4 {
			continue
		}
		var idx indexEntry
		if err := json.Unmarshal(entry.Value, &idx); err != nil {
			continue
		}
		if !idx.ExpiresAt.IsZero() && !idx.ExpiresAt.After(cutoff) {
			expiring = append(expiring, UserProvider{UserID: entry.Key[2], ProviderID: idx.ProviderID})
		}
	}
	return expiring, nil
}

// CleanupExpired deletes credentials that are already past expiry (no
// buffer). Returns how many rows were removed.
func (s *Store) CleanupExpired(ctx context.Context) (int, error) {
	expired, err := s.ListExpiring(ctx, 0)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, pair := range expired {
		if err := s.Delete(ctx, pair.UserID, pair.ProviderID); err != nil {
			logger.Warnw("failed to delete expired credential",
				"user", pair.UserID, "provider", pair.ProviderID, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}
