// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	mcperrors "github.com/stacklok/mcp-gateway/pkg/errors"
	"github.com/stacklok/mcp-gateway/pkg/kv"
	"github.com/stacklok/mcp-gateway/pkg/logger"
)

// Token lifetimes applied when the config leaves them zero.
const (
	DefaultAuthCodeLifespan     = 10 * time.Minute
	DefaultAccessTokenLifespan  = time.Hour
	DefaultRefreshTokenLifespan = 30 * 24 * time.Hour

	// tokenEntropyBytes is the random payload of every issued token; 32
	// bytes base64url-encoded comfortably clears the minimum of 32 bytes
	// of encoded material.
	tokenEntropyBytes = 32
)

// AuthorizationCode is a single-use grant binding a client, user, and
// redirect URI, optionally locked to a PKCE challenge.
type AuthorizationCode struct {
	Code                string    `json:"code"`
	ClientID            string    `json:"client_id"`
	UserID              string    `json:"user_id"`
	RedirectURI         string    `json:"redirect_uri"`
	Scope               string    `json:"scope,omitempty"`
	CodeChallenge       string    `json:"code_challenge,omitempty"`
	CodeChallengeMethod string    `json:"code_challenge_method,omitempty"`
	IssuedAt            time.Time `json:"issued_at"`
	ExpiresAt           time.Time `json:"expires_at"`
}

// AccessToken is an issued MCP bearer token.
type AccessToken struct {
	AccessToken  string    `json:"access_token"`
	ClientID     string    `json:"client_id"`
	UserID       string    `json:"user_id"`
	Scope        []string  `json:"scope"`
	IssuedAt     time.Time `json:"issued_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	RefreshToken string    `json:"refresh_token,omitempty"`
}

// RefreshToken is the rotating credential paired with an access token.
type RefreshToken struct {
	RefreshToken string    `json:"refresh_token"`
	ClientID     string    `json:"client_id"`
	UserID       string    `json:"user_id"`
	Scope        []string  `json:"scope"`
	IssuedAt     time.Time `json:"issued_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// TokenPair is the result of token issuance.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scope        []string
}

// TokenValidation is the result of ValidateAccessToken. Valid tokens carry
// the bound client, user, and scopes; invalid ones carry a stable error
// code.
type TokenValidation struct {
	Valid     bool
	ClientID  string
	UserID    string
	Scopes    []string
	Error     string
	ErrorCode mcperrors.Type
}

// TokenManager issues, validates, refreshes, and revokes the authorization
// server's codes and tokens. All state lives in the KV store so every
// transition commits atomically.
type TokenManager struct {
	kv kv.Store

	authCodeLifespan     time.Duration
	accessTokenLifespan  time.Duration
	refreshTokenLifespan time.Duration

	now func() time.Time
}

// TokenManagerOption configures a TokenManager.
type TokenManagerOption func(*TokenManager)

// WithLifespans overrides the default token lifetimes. Zero values keep the
// defaults.
func WithLifespans(authCode, access, refresh time.Duration) TokenManagerOption {
	return func(tm *TokenManager) {
		if authCode > 0 {
			tm.authCodeLifespan = authCode
		}
		if access > 0 {
			tm.accessTokenLifespan = access
		}
		if refresh > 0 {
			tm.refreshTokenLifespan = refresh
		}
	}
}

// NewTokenManager creates a TokenManager on the given store.
func NewTokenManager(store kv.Store, opts ...TokenManagerOption) *TokenManager {
	tm := &TokenManager{
		kv:                   store,
		authCodeLifespan:     DefaultAuthCodeLifespan,
		accessTokenLifespan:  DefaultAccessTokenLifespan,
		refreshTokenLifespan: DefaultRefreshTokenLifespan,
		now:                  time.Now,
	}
	for _, opt := range opts {
		opt(tm)
	}
	return tm
}

func codeKey(code string) kv.Key {
	return kv.Key{"mcp_auth", "codes", code}
}

func tokenKey(token string) kv.Key {
	return kv.Key{"mcp_auth", "tokens", token}
}

func refreshKey(token string) kv.Key {
	return kv.Key{"mcp_auth", "refresh_tokens", token}
}

// generateToken returns n bytes of cryptographically random data,
// base64url-encoded without padding.
func generateToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// GenerateAuthorizationCode issues a single-use code bound to the client,
// user, and redirect URI. TTL is the configured code lifespan.
func (tm *TokenManager) GenerateAuthorizationCode(
	ctx context.Context,
	clientID, userID, redirectURI, codeChallenge, codeChallengeMethod, scope string,
) (string, error) {
	code, err := generateToken(tokenEntropyBytes)
	if err != nil {
		return "", err
	}

	now := tm.now()
	record := &AuthorizationCode{
		Code:                code,
		ClientID:            clientID,
		UserID:              userID,
		RedirectURI:         redirectURI,
		Scope:               scope,
		CodeChallenge:       codeChallenge,
		CodeChallengeMethod: codeChallengeMethod,
		IssuedAt:            now,
		ExpiresAt:           now.Add(tm.authCodeLifespan),
	}
	value, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("failed to encode authorization code: %w", err)
	}

	if err := tm.kv.Set(ctx, codeKey(code), value, &kv.SetOptions{TTL: tm.authCodeLifespan}); err != nil {
		return "", err
	}

	logger.Debugw("issued authorization code", "client", clientID, "user", userID)
	return code, nil
}

// GetAuthorizationCode returns the code record without consuming it.
func (tm *TokenManager) GetAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error) {
	entry, err := tm.kv.Get(ctx, codeKey(code))
	if err != nil {
		if errors.Is(err, kv.ErrKeyNotFound) {
			return nil, mcperrors.NewInvalidGrantError("authorization code not found or expired", nil)
		}
		return nil, err
	}

	var record AuthorizationCode
	if err := json.Unmarshal(entry.Value, &record); err != nil {
		return nil, fmt.Errorf("failed to decode authorization code: %w", err)
	}
	return &record, nil
}

// ExchangeAuthorizationCode consumes the code and validates the exchange.
// The code is deleted on first successful consumption regardless of whether
// the subsequent validation passes, so a failed exchange burns the code.
// Two concurrent exchanges race inside AtomicCommit; exactly one consumes.
func (tm *TokenManager) ExchangeAuthorizationCode(
	ctx context.Context,
	code, clientID, redirectURI, codeVerifier string,
) (*AuthorizationCode, error) {
	entry, err := tm.kv.Get(ctx, codeKey(code))
	if err != nil {
		if errors.Is(err, kv.ErrKeyNotFound) {
			return nil, mcperrors.NewInvalidGrantError("authorization code not found or expired", nil)
		}
		return nil, err
	}

	// Consume first: the winner of the commit race owns the exchange, the
	// loser sees a conflict and reports invalid_grant.
	err = tm.kv.AtomicCommit(ctx, []kv.Op{
		kv.CheckValue(codeKey(code), entry.Value),
		kv.Delete(codeKey(code)),
	})
	if err != nil {
		if errors.Is(err, kv.ErrCommitConflict) {
			return nil, mcperrors.NewInvalidGrantError("authorization code already used", nil)
		}
		return nil, err
	}

	var record AuthorizationCode
	if err := json.Unmarshal(entry.Value, &record); err != nil {
		return nil, fmt.Errorf("failed to decode authorization code: %w", err)
	}

	if !tm.now().Before(record.ExpiresAt) {
		return nil, mcperrors.NewInvalidGrantError("authorization code expired", nil)
	}
	if record.ClientID != clientID {
		return nil, mcperrors.NewInvalidGrantError("authorization code was issued to a different client", nil)
	}
	if record.RedirectURI != redirectURI {
		return nil, mcperrors.NewInvalidGrantError("redirect_uri does not match the authorization request", nil)
	}
	if record.CodeChallenge != "" {
		if codeVerifier == "" {
			return nil, mcperrors.NewInvalidGrantError("code_verifier is required", nil)
		}
		if !VerifyChallenge(codeVerifier, record.CodeChallenge) {
			return nil, mcperrors.NewInvalidGrantError("code_verifier does not match the challenge", nil)
		}
	}

	logger.Debugw("exchanged authorization code", "client", clientID, "user", record.UserID)
	return &record, nil
}

// GenerateAccessToken issues an access token (and optionally a refresh
// token) for the client/user pair.
func (tm *TokenManager) GenerateAccessToken(
	ctx context.Context,
	clientID, userID string,
	withRefresh bool,
	scope []string,
) (*TokenPair, error) {
	access, err := generateToken(tokenEntropyBytes)
	if err != nil {
		return nil, err
	}

	now := tm.now()
	accessRecord := &AccessToken{
		AccessToken: access,
		ClientID:    clientID,
		UserID:      userID,
		Scope:       scope,
		IssuedAt:    now,
		ExpiresAt:   now.Add(tm.accessTokenLifespan),
	}

	var ops []kv.Op
	pair := &TokenPair{
		AccessToken: access,
		ExpiresAt:   accessRecord.ExpiresAt,
		Scope:       scope,
	}

	if withRefresh {
		refresh, err := generateToken(tokenEntropyBytes)
		if err != nil {
			return nil, err
		}
		accessRecord.RefreshToken = refresh
		pair.RefreshToken = refresh

		refreshRecord := &RefreshToken{
			RefreshToken: refresh,
			ClientID:     clientID,
			UserID:       userID,
			Scope:        scope,
			IssuedAt:     now,
			ExpiresAt:    now.Add(tm.refreshTokenLifespan),
		}
		refreshValue, err := json.Marshal(refreshRecord)
		if err != nil {
			return nil, fmt.Errorf("failed to encode refresh token: %w", err)
		}
		ops = append(ops, kv.Set(refreshKey(refresh), refreshValue, tm.refreshTokenLifespan))
	}

	accessValue, err := json.Marshal(accessRecord)
	if err != nil {
		return nil, fmt.Errorf("failed to encode access token: %w", err)
	}
	ops = append(ops, kv.Set(tokenKey(access), accessValue, tm.accessTokenLifespan))

	if err := tm.kv.AtomicCommit(ctx, ops); err != nil {
		return nil, err
	}

	logger.Debugw("issued access token",
		"client", clientID, "user", userID, "withRefresh", withRefresh, "scope", strings.Join(scope, " "))
	return pair, nil
}

// ValidateAccessToken checks token existence and expiry. Revoked-client
// checks happen one layer up where the registry is available.
func (tm *TokenManager) ValidateAccessToken(ctx context.Context, token string) (*TokenValidation, error) {
	entry, err := tm.kv.Get(ctx, tokenKey(token))
	if err != nil {
		if errors.Is(err, kv.ErrKeyNotFound) {
			return &TokenValidation{
				Valid:     false,
				Error:     "Access token not found",
				ErrorCode: mcperrors.ErrInvalidToken,
			}, nil
		}
		return nil, err
	}

	var record AccessToken
	if err := json.Unmarshal(entry.Value, &record); err != nil {
		return nil, fmt.Errorf("failed to decode access token: %w", err)
	}

	if !tm.now().Before(record.ExpiresAt) {
		return &TokenValidation{
			Valid:     false,
			Error:     mcperrors.ErrExpiredToken.Guidance(),
			ErrorCode: mcperrors.ErrExpiredToken,
		}, nil
	}

	return &TokenValidation{
		Valid:    true,
		ClientID: record.ClientID,
		UserID:   record.UserID,
		Scopes:   record.Scope,
	}, nil
}

// RefreshAccessToken rotates: the old refresh token is deleted in the same
// atomic commit that stores the new pair, so there is no window in which
// both are valid.
func (tm *TokenManager) RefreshAccessToken(ctx context.Context, refreshToken, clientID string) (*TokenPair, error) {
	entry, err := tm.kv.Get(ctx, refreshKey(refreshToken))
	if err != nil {
		if errors.Is(err, kv.ErrKeyNotFound) {
			return nil, mcperrors.NewInvalidGrantError("refresh token not found or expired", nil)
		}
		return nil, err
	}

	var record RefreshToken
	if err := json.Unmarshal(entry.Value, &record); err != nil {
		return nil, fmt.Errorf("failed to decode refresh token: %w", err)
	}

	if record.ClientID != clientID {
		return nil, mcperrors.NewInvalidGrantError("refresh token was issued to a different client", nil)
	}
	if !tm.now().Before(record.ExpiresAt) {
		return nil, mcperrors.NewInvalidGrantError("refresh token expired", nil)
	}

	access, err := generateToken(tokenEntropyBytes)
	if err != nil {
		return nil, err
	}
	newRefresh, err := generateToken(tokenEntropyBytes)
	if err != nil {
		return nil, err
	}

	now := tm.now()
	accessRecord := &AccessToken{
		AccessToken:  access,
		ClientID:     record.ClientID,
		UserID:       record.UserID,
		Scope:        record.Scope,
		IssuedAt:     now,
		ExpiresAt:    now.Add(tm.accessTokenLifespan),
		RefreshToken: newRefresh,
	}
	refreshRecord := &RefreshToken{
		RefreshToken: newRefresh,
		ClientID:     record.ClientID,
		UserID:       record.UserID,
		Scope:        record.Scope,
		IssuedAt:     now,
		ExpiresAt:    now.Add(tm.refreshTokenLifespan),
	}

	accessValue, err := json.Marshal(accessRecord)
	if err != nil {
		return nil, fmt.Errorf("failed to encode access token: %w", err)
	}
	refreshValue, err := json.Marshal(refreshRecord)
	if err != nil {
		return nil, fmt.Errorf("failed to encode refresh token: %w", err)
	}

	err = tm.kv.AtomicCommit(ctx, []kv.Op{
		// The old token must still exist unchanged; a concurrent rotation
		// loses this race and reports invalid_grant.
		kv.CheckValue(refreshKey(refreshToken), entry.Value),
		kv.Delete(refreshKey(refreshToken)),
		kv.Set(tokenKey(access), accessValue, tm.accessTokenLifespan),
		kv.Set(refreshKey(newRefresh), refreshValue, tm.refreshTokenLifespan),
	})
	if err != nil {
		if errors.Is(err, kv.ErrCommitConflict) {
			return nil, mcperrors.NewInvalidGrantError("refresh token already rotated", nil)
		}
		return nil, err
	}

	logger.Debugw("rotated refresh token", "client", clientID, "user", record.UserID)
	return &TokenPair{
		AccessToken:  access,
		RefreshToken: newRefresh,
		ExpiresAt:    accessRecord.ExpiresAt,
		Scope:        record.Scope,
	}, nil
}

// RevokeAccessToken deletes the token and its paired refresh token.
func (tm *TokenManager) RevokeAccessToken(ctx context.Context, token string) error {
	entry, err := tm.kv.Get(ctx, tokenKey(token))
	if err != nil {
		if errors.Is(err, kv.ErrKeyNotFound) {
			return nil
		}
		return err
	}

	var record AccessToken
	if err := json.Unmarshal(entry.Value, &record); err != nil {
		return fmt.Errorf("failed to decode access token: %w", err)
	}

	ops := []kv.Op{kv.Delete(tokenKey(token))}
	if record.RefreshToken != "" {
		ops = append(ops, kv.Delete(refreshKey(record.RefreshToken)))
	}
	return tm.kv.AtomicCommit(ctx, ops)
}

// AccessTokenLifespan exposes the configured access-token lifetime for the
// expires_in field of token responses.
func (tm *TokenManager) AccessTokenLifespan() time.Duration {
	return tm.accessTokenLifespan
}
