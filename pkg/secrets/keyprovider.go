// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package secrets

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"

	"github.com/zalando/go-keyring"

	"github.com/stacklok/mcp-gateway/pkg/logger"
)

const (
	keyringService = "mcp-gateway"
	keyringUser    = "credential-encryption-key"

	// EnvEncryptionKey overrides the keyring when set; value is the
	// base64-encoded 32-byte key. Used in containers without a keyring.
	EnvEncryptionKey = "MCPGW_ENCRYPTION_KEY"
)

// KeyProvider sources the credential-encryption key.
type KeyProvider interface {
	// EncryptionKey returns the 32-byte AES key.
	EncryptionKey() ([]byte, error)
}

// KeyringProvider stores the key in the OS keyring, generating it on first
// use.
type KeyringProvider struct{}

// NewKeyringProvider creates a keyring-backed provider.
func NewKeyringProvider() *KeyringProvider {
	return &KeyringProvider{}
}

// EncryptionKey returns the stored key, generating and persisting a fresh
// one when none exists yet.
func (*KeyringProvider) EncryptionKey() ([]byte, error) {
	stored, err := keyring.Get(keyringService, keyringUser)
	if err == nil {
		key, decodeErr := base64.StdEncoding.DecodeString(stored)
		if decodeErr != nil || len(key) != KeySize {
			return nil, fmt.Errorf("keyring holds a malformed encryption key")
		}
		return key, nil
	}
	if !errors.Is(err, keyring.ErrNotFound) {
		return nil, fmt.Errorf("failed to read keyring: %w", err)
	}

	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate encryption key: %w", err)
	}
	if err := keyring.Set(keyringService, keyringUser, base64.StdEncoding.EncodeToString(key)); err != nil {
		return nil, fmt.Errorf("failed to persist encryption key: %w", err)
	}
	logger.Info("generated new credential encryption key")
	return key, nil
}

// EnvProvider reads the key from the environment.
type EnvProvider struct{}

// NewEnvProvider creates an environment-backed provider.
func NewEnvProvider() *EnvProvider {
	return &EnvProvider{}
}

// EncryptionKey decodes the key from EnvEncryptionKey.
func (*EnvProvider) EncryptionKey() ([]byte, error) {
	value := os.Getenv(EnvEncryptionKey)
	if value == "" {
		return nil, fmt.Errorf("%s is not set", EnvEncryptionKey)
	}
	key, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("%s is not valid base64: %w", EnvEncryptionKey, err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("%s must decode to %d bytes, got %d", EnvEncryptionKey, KeySize, len(key))
	}
	return key, nil
}

// FallbackProvider tries each provider in order and returns the first key.
type FallbackProvider struct {
	providers []KeyProvider
}

// NewFallbackProvider chains providers.
func NewFallbackProvider(providers ...KeyProvider) *FallbackProvider {
	return &FallbackProvider{providers: providers}
}

// EncryptionKey returns the first provider's key, falling through on error.
func (f *FallbackProvider) EncryptionKey() ([]byte, error) {
	var lastErr error
	for _, p := range f.providers {
		key, err := p.EncryptionKey()
		if err == nil {
			return key, nil
		}
		lastErr = err
		logger.Debugw("key provider failed, trying next", "error", err)
	}
	if lastErr == nil {
		lastErr = errors.New("no key providers configured")
	}
	return nil, fmt.Errorf("no usable encryption key: %w", lastErr)
}

// DefaultKeyProvider is the production chain: explicit env key first, then
// the OS keyring.
func DefaultKeyProvider() KeyProvider {
	return NewFallbackProvider(NewEnvProvider(), NewKeyringProvider())
}
