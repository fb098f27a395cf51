// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentityString(t *testing.T) {
	t.Parallel()

	identity := &Identity{
		Subject: "user123",
		Token:   "super-secret-token",
	}

	s := identity.String()
	assert.Contains(t, s, "user123")
	assert.NotContains(t, s, "super-secret-token")

	var nilIdentity *Identity
	assert.Equal(t, "<nil>", nilIdentity.String())
}

func TestIdentityMarshalJSONRedactsToken(t *testing.T) {
	t.Parallel()

	identity := &Identity{
		Subject:   "user123",
		Name:      "Alice",
		Email:     "alice@example.com",
		ClientID:  "cid_1",
		Scopes:    []string{"read", "write"},
		Token:     "super-secret-token",
		TokenType: "Bearer",
	}

	data, err := json.Marshal(identity)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "user123", decoded["subject"])
	assert.Equal(t, "cid_1", decoded["clientId"])
	assert.Equal(t, "REDACTED", decoded["token"])
	assert.NotContains(t, string(data), "super-secret-token")
}

func TestIdentityMarshalJSONEmptyToken(t *testing.T) {
	t.Parallel()

	identity := &Identity{Subject: "user123"}
	data, err := json.Marshal(identity)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "", decoded["token"])
}

func TestIdentityHasScope(t *testing.T) {
	t.Parallel()

	identity := &Identity{Scopes: []string{"read", "write"}}
	assert.True(t, identity.HasScope("read"))
	assert.True(t, identity.HasScope("write"))
	assert.False(t, identity.HasScope("admin"))

	var nilIdentity *Identity
	assert.False(t, nilIdentity.HasScope("read"))
}
