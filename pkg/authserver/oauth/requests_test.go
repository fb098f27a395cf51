// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcperrors "github.com/stacklok/mcp-gateway/pkg/errors"
	"github.com/stacklok/mcp-gateway/pkg/kv"
)

func TestAuthRequestStoreRoundTrip(t *testing.T) {
	t.Parallel()

	store := NewAuthRequestStore(kv.NewMemoryStore())
	ctx := context.Background()

	req := &MCPAuthRequest{
		MCPClientID:    "cid_1",
		MCPRedirectURI: "http://localhost:3503/callback",
		MCPState:       "S1",
		CodeChallenge:  "CC",
		UserID:         "u1",
		Scope:          "read write",
	}
	require.NoError(t, store.StoreMCPAuthRequest(ctx, "upstream-state-1", req))

	got, err := store.GetMCPAuthRequest(ctx, "upstream-state-1")
	require.NoError(t, err)
	assert.Equal(t, "cid_1", got.MCPClientID)
	assert.Equal(t, "S1", got.MCPState)
	assert.Equal(t, "upstream-state-1", got.UpstreamState)
	assert.False(t, got.CreatedAt.IsZero())
	assert.LessOrEqual(t, got.ExpiresAt.Sub(got.CreatedAt), 10*time.Minute)

	// Get does not consume.
	_, err = store.GetMCPAuthRequest(ctx, "upstream-state-1")
	assert.NoError(t, err)
}

func TestAuthRequestStoreConsume(t *testing.T) {
	t.Parallel()

	store := NewAuthRequestStore(kv.NewMemoryStore())
	ctx := context.Background()

	require.NoError(t, store.StoreMCPAuthRequest(ctx, "s1", &MCPAuthRequest{MCPClientID: "cid_1"}))

	got, err := store.ConsumeMCPAuthRequest(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "cid_1", got.MCPClientID)

	// One-time use.
	_, err = store.ConsumeMCPAuthRequest(ctx, "s1")
	assert.True(t, mcperrors.IsInvalidRequest(err))
}

func TestAuthRequestStoreUnknownState(t *testing.T) {
	t.Parallel()

	store := NewAuthRequestStore(kv.NewMemoryStore())
	_, err := store.GetMCPAuthRequest(context.Background(), "missing")
	assert.True(t, mcperrors.IsInvalidRequest(err))
}

func TestAuthRequestStoreEmptyState(t *testing.T) {
	t.Parallel()

	store := NewAuthRequestStore(kv.NewMemoryStore())
	err := store.StoreMCPAuthRequest(context.Background(), "", &MCPAuthRequest{})
	assert.True(t, mcperrors.IsInvalidRequest(err))
}
