// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcperrors "github.com/stacklok/mcp-gateway/pkg/errors"
	"github.com/stacklok/mcp-gateway/pkg/kv"
)

func newRegistryForTest(policy RedirectPolicy) *ClientRegistry {
	return NewClientRegistry(kv.NewMemoryStore(), policy)
}

func TestRegisterClient(t *testing.T) {
	t.Parallel()

	registry := newRegistryForTest(RedirectPolicy{})
	ctx := context.Background()

	resp, err := registry.RegisterClient(ctx, &RegistrationRequest{
		RedirectURIs: []string{"http://localhost:3503/callback"},
		Scope:        "read write",
	})
	require.NoError(t, err)

	assert.NotEmpty(t, resp.ClientID)
	assert.NotEmpty(t, resp.ClientSecret)
	assert.Equal(t, []string{"authorization_code", "refresh_token"}, resp.GrantTypes)
	assert.Equal(t, []string{"code"}, resp.ResponseTypes)
	assert.Equal(t, []string{"S256"}, resp.CodeChallengeMethodsSupported)

	record, err := registry.GetClient(ctx, resp.ClientID)
	require.NoError(t, err)
	assert.Equal(t, resp.ClientID, record.ClientID)
	assert.False(t, record.Revoked)
}

func TestRegisterPublicClientGetsNoSecret(t *testing.T) {
	t.Parallel()

	registry := newRegistryForTest(RedirectPolicy{})
	resp, err := registry.RegisterClient(context.Background(), &RegistrationRequest{
		RedirectURIs:            []string{"http://localhost:3503/callback"},
		TokenEndpointAuthMethod: "none",
	})
	require.NoError(t, err)

	assert.Empty(t, resp.ClientSecret)
	assert.Equal(t, "none", resp.TokenEndpointAuthMethod)
}

func TestRegisterClientRedirectValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		policy  RedirectPolicy
		uris    []string
		wantErr bool
	}{
		{
			name:    "no redirect uris",
			policy:  RedirectPolicy{},
			uris:    nil,
			wantErr: true,
		},
		{
			name:    "relative uri rejected",
			policy:  RedirectPolicy{},
			uris:    []string{"/callback"},
			wantErr: true,
		},
		{
			name:    "non-http scheme rejected",
			policy:  RedirectPolicy{},
			uris:    []string{"ftp://example.com/callback"},
			wantErr: true,
		},
		{
			name:    "allow-list enforced",
			policy:  RedirectPolicy{AllowedHosts: []string{"example.com"}},
			uris:    []string{"https://evil.com/callback"},
			wantErr: true,
		},
		{
			name:    "allow-list match accepted",
			policy:  RedirectPolicy{AllowedHosts: []string{"example.com"}},
			uris:    []string{"https://example.com/callback"},
			wantErr: false,
		},
		{
			name:    "https required rejects plain http",
			policy:  RedirectPolicy{RequireHTTPS: true},
			uris:    []string{"http://example.com/callback"},
			wantErr: true,
		},
		{
			name:    "https required exempts localhost",
			policy:  RedirectPolicy{RequireHTTPS: true},
			uris:    []string{"http://localhost:3503/callback"},
			wantErr: false,
		},
		{
			name:    "https required exempts 127.0.0.1",
			policy:  RedirectPolicy{RequireHTTPS: true},
			uris:    []string{"http://127.0.0.1:3503/callback"},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			registry := newRegistryForTest(tt.policy)
			_, err := registry.RegisterClient(context.Background(), &RegistrationRequest{RedirectURIs: tt.uris})
			if tt.wantErr {
				assert.True(t, mcperrors.IsInvalidRequest(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateClient(t *testing.T) {
	t.Parallel()

	registry := newRegistryForTest(RedirectPolicy{})
	ctx := context.Background()

	resp, err := registry.RegisterClient(ctx, &RegistrationRequest{
		RedirectURIs: []string{"http://localhost:3503/callback"},
	})
	require.NoError(t, err)

	t.Run("valid client and redirect", func(t *testing.T) {
		t.Parallel()
		validity, err := registry.ValidateClient(ctx, resp.ClientID, "http://localhost:3503/callback")
		require.NoError(t, err)
		assert.True(t, validity.Valid)
		require.NotNil(t, validity.Client)
	})

	t.Run("loopback port may vary", func(t *testing.T) {
		t.Parallel()
		validity, err := registry.ValidateClient(ctx, resp.ClientID, "http://localhost:49152/callback")
		require.NoError(t, err)
		assert.True(t, validity.Valid)
	})

	t.Run("unregistered redirect rejected", func(t *testing.T) {
		t.Parallel()
		validity, err := registry.ValidateClient(ctx, resp.ClientID, "http://localhost:3503/other")
		require.NoError(t, err)
		assert.False(t, validity.Valid)
		assert.Equal(t, "redirect_uri is not registered", validity.Reason)
	})

	t.Run("unknown client", func(t *testing.T) {
		t.Parallel()
		validity, err := registry.ValidateClient(ctx, "missing", "")
		require.NoError(t, err)
		assert.False(t, validity.Valid)
	})
}

func TestRevokeClient(t *testing.T) {
	t.Parallel()

	registry := newRegistryForTest(RedirectPolicy{})
	ctx := context.Background()

	resp, err := registry.RegisterClient(ctx, &RegistrationRequest{
		RedirectURIs: []string{"http://localhost:3503/callback"},
	})
	require.NoError(t, err)

	require.NoError(t, registry.RevokeClient(ctx, resp.ClientID))

	validity, err := registry.ValidateClient(ctx, resp.ClientID, "")
	require.NoError(t, err)
	assert.False(t, validity.Valid)
	assert.Equal(t, "client is revoked", validity.Reason)

	// Revoking an unknown client reports invalid_client.
	err = registry.RevokeClient(ctx, "missing")
	assert.True(t, mcperrors.IsInvalidClient(err))
}

func TestMatchRedirectURILoopbackRules(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		requested  string
		registered []string
		want       bool
	}{
		{
			name:       "exact match",
			requested:  "https://example.com/cb",
			registered: []string{"https://example.com/cb"},
			want:       true,
		},
		{
			name:       "loopback port varies",
			requested:  "http://127.0.0.1:54321/cb",
			registered: []string{"http://127.0.0.1:8080/cb"},
			want:       true,
		},
		{
			name:       "localhost case-insensitive",
			requested:  "http://LOCALHOST:54321/cb",
			registered: []string{"http://localhost:8080/cb"},
			want:       true,
		},
		{
			name:       "localhost does not match 127.0.0.1",
			requested:  "http://localhost:54321/cb",
			registered: []string{"http://127.0.0.1:8080/cb"},
			want:       false,
		},
		{
			name:       "path must match",
			requested:  "http://localhost:54321/other",
			registered: []string{"http://localhost:8080/cb"},
			want:       false,
		},
		{
			name:       "non-loopback port must match",
			requested:  "https://example.com:444/cb",
			registered: []string{"https://example.com:443/cb"},
			want:       false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, MatchRedirectURI(tt.requested, tt.registered))
		})
	}
}
