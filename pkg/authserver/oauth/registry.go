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
	"github.com/stacklok/mcp-gateway/pkg/logger"
)

// clientIDEntropyBytes is the random payload of generated client IDs.
const clientIDEntropyBytes = 16

// authMethodNone marks public (PKCE-only) clients per RFC 7591.
const authMethodNone = "none"

// ClientRegistration is the persisted record for a registered OAuth client.
type ClientRegistration struct {
	ClientID                string    `json:"client_id"`
	ClientSecret            string    `json:"client_secret,omitempty"`
	RedirectURIs            []string  `json:"redirect_uris"`
	GrantTypes              []string  `json:"grant_types"`
	ResponseTypes           []string  `json:"response_types"`
	Scope                   string    `json:"scope,omitempty"`
	TokenEndpointAuthMethod string    `json:"token_endpoint_auth_method"`
	CodeChallengeMethods    []string  `json:"code_challenge_methods"`
	CreatedAt               time.Time `json:"created_at"`
	UpdatedAt               time.Time `json:"updated_at"`
	Revoked                 bool      `json:"revoked,omitempty"`
}

// RegistrationRequest is the RFC 7591 dynamic registration request body.
type RegistrationRequest struct {
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	ClientName              string   `json:"client_name,omitempty"`
}

// RegistrationResponse is the RFC 7591 response body.
type RegistrationResponse struct {
	ClientID                      string   `json:"client_id"`
	ClientSecret                  string   `json:"client_secret,omitempty"`
	RedirectURIs                  []string `json:"redirect_uris"`
	GrantTypes                    []string `json:"grant_types"`
	ResponseTypes                 []string `json:"response_types"`
	Scope                         string   `json:"scope,omitempty"`
	TokenEndpointAuthMethod       string   `json:"token_endpoint_auth_method"`
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported"`
	ClientIDIssuedAt              int64    `json:"client_id_issued_at"`
}

// ClientValidity is the structured result of ValidateClient.
type ClientValidity struct {
	Valid  bool
	Reason string
	Client *ClientRegistration
}

// ClientRegistry implements RFC 7591 dynamic client registration backed by
// the KV store.
type ClientRegistry struct {
	kv     kv.Store
	policy RedirectPolicy

	now func() time.Time
}

// NewClientRegistry creates a registry enforcing the given redirect policy.
func NewClientRegistry(store kv.Store, policy RedirectPolicy) *ClientRegistry {
	return &ClientRegistry{
		kv:     store,
		policy: policy,
		now:    time.Now,
	}
}

func clientKey(clientID string) kv.Key {
	return kv.Key{"oauth_clients", "registrations", clientID}
}

// RegisterClient validates the request and persists a new client. Clients
// that declare token_endpoint_auth_method "none" are public: they receive no
// secret and must use PKCE.
func (r *ClientRegistry) RegisterClient(ctx context.Context, req *RegistrationRequest) (*RegistrationResponse, error) {
	if req == nil || len(req.RedirectURIs) == 0 {
		return nil, mcperrors.NewInvalidRequestError("at least one redirect_uri is required", nil)
	}
	for _, uri := range req.RedirectURIs {
		if err := r.policy.ValidateURI(uri); err != nil {
			return nil, mcperrors.NewInvalidRequestError(err.Error(), nil)
		}
	}

	clientID, err := generateToken(clientIDEntropyBytes)
	if err != nil {
		return nil, err
	}

	public := req.TokenEndpointAuthMethod == authMethodNone
	var secret string
	authMethod := req.TokenEndpointAuthMethod
	if public {
		authMethod = authMethodNone
	} else {
		secret, err = generateToken(tokenEntropyBytes)
		if err != nil {
			return nil, err
		}
		if authMethod == "" {
			authMethod = "client_secret_post"
		}
	}

	grantTypes := req.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = []string{"authorization_code", "refresh_token"}
	}
	responseTypes := req.ResponseTypes
	if len(responseTypes) == 0 {
		responseTypes = []string{"code"}
	}

	now := r.now()
	record := &ClientRegistration{
		ClientID:                clientID,
		ClientSecret:            secret,
		RedirectURIs:            req.RedirectURIs,
		GrantTypes:              grantTypes,
		ResponseTypes:           responseTypes,
		Scope:                   req.Scope,
		TokenEndpointAuthMethod: authMethod,
		CodeChallengeMethods:    []string{"S256"},
		CreatedAt:               now,
		UpdatedAt:               now,
	}
	value, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("failed to encode client registration: %w", err)
	}

	// CheckAbsent guards the astronomically unlikely ID collision.
	err = r.kv.AtomicCommit(ctx, []kv.Op{
		kv.CheckAbsent(clientKey(clientID)),
		kv.Set(clientKey(clientID), value, 0),
	})
	if err != nil {
		return nil, err
	}

	logger.Infow("registered OAuth client",
		"client", clientID, "public", public, "redirectURIs", len(req.RedirectURIs))

	return &RegistrationResponse{
		ClientID:                      clientID,
		ClientSecret:                  secret,
		RedirectURIs:                  record.RedirectURIs,
		GrantTypes:                    record.GrantTypes,
		ResponseTypes:                 record.ResponseTypes,
		Scope:                         record.Scope,
		TokenEndpointAuthMethod:       record.TokenEndpointAuthMethod,
		CodeChallengeMethodsSupported: record.CodeChallengeMethods,
		ClientIDIssuedAt:              now.Unix(),
	}, nil
}

// SeedClient persists a statically configured client under its fixed ID.
// An existing registration with the same ID is left untouched so restarts
// do not clobber revocation state.
func (r *ClientRegistry) SeedClient(ctx context.Context, id, secret string, redirectURIs []string, public bool) error {
	if _, err := r.kv.Get(ctx, clientKey(id)); err == nil {
		return nil
	} else if !errors.Is(err, kv.ErrKeyNotFound) {
		return err
	}

	for _, uri := range redirectURIs {
		if err := r.policy.ValidateURI(uri); err != nil {
			return err
		}
	}

	authMethod := "client_secret_post"
	if public {
		authMethod = authMethodNone
	}

	now := r.now()
	record := &ClientRegistration{
		ClientID:                id,
		ClientSecret:            secret,
		RedirectURIs:            redirectURIs,
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		TokenEndpointAuthMethod: authMethod,
		CodeChallengeMethods:    []string{"S256"},
		CreatedAt:               now,
		UpdatedAt:               now,
	}
	value, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode client registration: %w", err)
	}
	return r.kv.Set(ctx, clientKey(id), value, nil)
}

// GetClient returns the registration record, or invalid_client.
func (r *ClientRegistry) GetClient(ctx context.Context, clientID string) (*ClientRegistration, error) {
	entry, err := r.kv.Get(ctx, clientKey(clientID))
	if err != nil {
		if errors.Is(err, kv.ErrKeyNotFound) {
			return nil, mcperrors.NewInvalidClientError("unknown client", nil)
		}
		return nil, err
	}

	var record ClientRegistration
	if err := json.Unmarshal(entry.Value, &record); err != nil {
		return nil, fmt.Errorf("failed to decode client registration: %w", err)
	}
	return &record, nil
}

// ValidateClient checks existence, revocation, and (when supplied) that the
// redirect URI matches a registered one under RFC 8252 loopback rules.
func (r *ClientRegistry) ValidateClient(ctx context.Context, clientID, redirectURI string) (*ClientValidity, error) {
	record, err := r.GetClient(ctx, clientID)
	if err != nil {
		if mcperrors.IsInvalidClient(err) {
			return &ClientValidity{Valid: false, Reason: "unknown client"}, nil
		}
		return nil, err
	}

	if record.Revoked {
		return &ClientValidity{Valid: false, Reason: "client is revoked", Client: record}, nil
	}
	if redirectURI != "" && !MatchRedirectURI(redirectURI, record.RedirectURIs) {
		return &ClientValidity{Valid: false, Reason: "redirect_uri is not registered", Client: record}, nil
	}
	return &ClientValidity{Valid: true, Client: record}, nil
}

// RevokeClient flips the soft-revocation flag. Tokens already issued to the
// client fail validation from this point on.
func (r *ClientRegistry) RevokeClient(ctx context.Context, clientID string) error {
	record, err := r.GetClient(ctx, clientID)
	if err != nil {
		return err
	}

	record.Revoked = true
	record.UpdatedAt = r.now()
	value, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode client registration: %w", err)
	}

	if err := r.kv.Set(ctx, clientKey(clientID), value, nil); err != nil {
		return err
	}
	logger.Infow("revoked OAuth client", "client", clientID)
	return nil
}
