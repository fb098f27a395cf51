// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mcperrors "github.com/stacklok/mcp-gateway/pkg/errors"
	"github.com/stacklok/mcp-gateway/pkg/kv"
)

// authRequestTTL bounds how long a binding record may wait for the upstream
// callback to arrive.
const authRequestTTL = 10 * time.Minute

// MCPAuthRequest binds an MCP client's authorization request to the
// out-of-band upstream flow. It is created when the MCP client hits
// /authorize and consumed when the upstream callback returns.
type MCPAuthRequest struct {
	MCPClientID    string    `json:"mcp_client_id"`
	MCPRedirectURI string    `json:"mcp_redirect_uri"`
	MCPState       string    `json:"mcp_state"`
	CodeChallenge  string    `json:"code_challenge,omitempty"`
	UpstreamState  string    `json:"upstream_state"`
	UserID         string    `json:"user_id"`
	Scope          string    `json:"scope,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// AuthRequestStore persists binding records keyed by the upstream state.
type AuthRequestStore struct {
	kv  kv.Store
	now func() time.Time
}

// NewAuthRequestStore creates the binding-record store.
func NewAuthRequestStore(store kv.Store) *AuthRequestStore {
	return &AuthRequestStore{kv: store, now: time.Now}
}

func requestKey(externalState string) kv.Key {
	return kv.Key{"mcp_auth", "requests", externalState}
}

// StoreMCPAuthRequest persists the binding record under the upstream state
// with a 10-minute TTL.
func (s *AuthRequestStore) StoreMCPAuthRequest(ctx context.Context, externalState string, req *MCPAuthRequest) error {
	if externalState == "" {
		return mcperrors.NewInvalidRequestError("external state is required", nil)
	}

	record := *req
	record.UpstreamState = externalState
	record.CreatedAt = s.now()
	record.ExpiresAt = record.CreatedAt.Add(authRequestTTL)

	value, err := json.Marshal(&record)
	if err != nil {
		return fmt.Errorf("failed to encode auth request: %w", err)
	}
	return s.kv.Set(ctx, requestKey(externalState), value, &kv.SetOptions{TTL: authRequestTTL})
}

// GetMCPAuthRequest returns the binding record without consuming it.
func (s *AuthRequestStore) GetMCPAuthRequest(ctx context.Context, externalState string) (*MCPAuthRequest, error) {
	entry, err := s.kv.Get(ctx, requestKey(externalState))
	if err != nil {
		if errors.Is(err, kv.ErrKeyNotFound) {
			return nil, mcperrors.NewInvalidRequestError("unknown or expired authorization request", nil)
		}
		return nil, err
	}

	var record MCPAuthRequest
	if err := json.Unmarshal(entry.Value, &record); err != nil {
		return nil, fmt.Errorf("failed to decode auth request: %w", err)
	}
	return &record, nil
}

// ConsumeMCPAuthRequest returns the binding record and deletes it in the
// same atomic commit. Concurrent consumers race; exactly one wins.
func (s *AuthRequestStore) ConsumeMCPAuthRequest(ctx context.Context, externalState string) (*MCPAuthRequest, error) {
	entry, err := s.kv.Get(ctx, requestKey(externalState))
	if err != nil {
		if errors.Is(err, kv.ErrKeyNotFound) {
			return nil, mcperrors.NewInvalidRequestError("unknown or expired authorization request", nil)
		}
		return nil, err
	}

	err = s.kv.AtomicCommit(ctx, []kv.Op{
		kv.CheckValue(requestKey(externalState), entry.Value),
		kv.Delete(requestKey(externalState)),
	})
	if err != nil {
		if errors.Is(err, kv.ErrCommitConflict) {
			return nil, mcperrors.NewInvalidRequestError("authorization request already consumed", nil)
		}
		return nil, err
	}

	var record MCPAuthRequest
	if err := json.Unmarshal(entry.Value, &record); err != nil {
		return nil, fmt.Errorf("failed to decode auth request: %w", err)
	}
	return &record, nil
}
