// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/stacklok/mcp-gateway/pkg/credentials"
	mcperrors "github.com/stacklok/mcp-gateway/pkg/errors"
	"github.com/stacklok/mcp-gateway/pkg/kv"
	"github.com/stacklok/mcp-gateway/pkg/logger"
)

// flowStateTTL bounds how long a started authorization flow may wait for
// the user to return from the provider.
const flowStateTTL = 10 * time.Minute

// stateLength is the length of the generated state parameter.
const stateLength = 32

// authorizationRequest is the persisted state of one in-flight upstream
// flow, keyed by the state parameter.
type authorizationRequest struct {
	UserID       string    `json:"user_id"`
	CodeVerifier string    `json:"code_verifier,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Flow drives the third-party authorization-code flow and maintains the
// resulting credentials. It implements the AuthService and APIClient
// surfaces the authorization server binds against.
type Flow struct {
	adapter ProviderAdapter
	creds   *credentials.Store
	kv      kv.Store
	usePKCE bool

	// refreshGroup coalesces concurrent refreshes per (user, provider):
	// two racing refreshes would invalidate each other's rotated refresh
	// token, so concurrent callers await the winner.
	refreshGroup singleflight.Group

	now func() time.Time
}

// NewFlow creates the consumer flow for one provider.
func NewFlow(adapter ProviderAdapter, credStore *credentials.Store, store kv.Store, usePKCE bool) *Flow {
	return &Flow{
		adapter: adapter,
		creds:   credStore,
		kv:      store,
		usePKCE: usePKCE,
		now:     time.Now,
	}
}

func flowStateKey(state string) kv.Key {
	return kv.Key{"upstream", "requests", state}
}

// generateFlowState returns a cryptographically random state parameter of
// stateLength characters.
func generateFlowState() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf)[:stateLength], nil
}

// StartAuthorizationFlow begins the provider flow for the user. The state
// record persists for ten minutes so the callback can resume it.
func (f *Flow) StartAuthorizationFlow(ctx context.Context, userID string) (string, string, error) {
	state, err := generateFlowState()
	if err != nil {
		return "", "", err
	}

	var verifier string
	if f.usePKCE {
		verifier = oauth2.GenerateVerifier()
	}

	now := f.now()
	record := &authorizationRequest{
		UserID:       userID,
		CodeVerifier: verifier,
		CreatedAt:    now,
		ExpiresAt:    now.Add(flowStateTTL),
	}
	value, err := json.Marshal(record)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode authorization request: %w", err)
	}
	if err := f.kv.Set(ctx, flowStateKey(state), value, &kv.SetOptions{TTL: flowStateTTL}); err != nil {
		return "", "", err
	}

	authURL := f.adapter.BuildAuthURL(state, verifier)
	logger.Debugw("started upstream authorization flow",
		"provider", f.adapter.ProviderID(), "user", userID)
	return authURL, state, nil
}

// HandleAuthorizationCallback completes the flow: it resolves the state,
// exchanges the code, stores the credentials, and deletes the state record.
func (f *Flow) HandleAuthorizationCallback(ctx context.Context, code, state string) (string, error) {
	entry, err := f.kv.Get(ctx, flowStateKey(state))
	if err != nil {
		if errors.Is(err, kv.ErrKeyNotFound) {
			return "", mcperrors.NewInvalidRequestError("unknown or expired state", nil)
		}
		return "", err
	}

	var record authorizationRequest
	if err := json.Unmarshal(entry.Value, &record); err != nil {
		return "", fmt.Errorf("failed to decode authorization request: %w", err)
	}

	creds, err := f.adapter.ExchangeCode(ctx, code, record.CodeVerifier)
	if err != nil {
		return "", mcperrors.NewAccessDeniedError("upstream code exchange failed", err)
	}

	if err := f.creds.Store(ctx, record.UserID, f.adapter.ProviderID(), creds); err != nil {
		return "", err
	}
	if err := f.kv.Delete(ctx, flowStateKey(state)); err != nil {
		logger.Debugw("failed to delete consumed flow state", "error", err)
	}

	logger.Infow("upstream authorization completed",
		"provider", f.adapter.ProviderID(), "user", record.UserID)
	return record.UserID, nil
}

// GetValidAccessToken returns a live upstream access token for the user,
// refreshing it when the stored one is inside the refresh buffer.
// Concurrent callers for the same user share one refresh. On refresh
// failure the credential row is deleted and an error returned: the user
// must re-authenticate.
func (f *Flow) GetValidAccessToken(ctx context.Context, userID string) (string, error) {
	if creds, err := f.creds.Get(ctx, userID, f.adapter.ProviderID()); err == nil {
		return creds.AccessToken, nil
	}

	refreshed, err := f.refreshUser(ctx, userID)
	if err != nil {
		return "", err
	}
	return refreshed.AccessToken, nil
}

// refreshUser performs the coalesced refresh for one user.
func (f *Flow) refreshUser(ctx context.Context, userID string) (*credentials.Credentials, error) {
	key := userID + "|" + f.adapter.ProviderID()
	result, err, _ := f.refreshGroup.Do(key, func() (any, error) {
		// Re-check under the flight lock: the winner may already have
		// stored a fresh credential.
		if creds, err := f.creds.Get(ctx, userID, f.adapter.ProviderID()); err == nil {
			return creds, nil
		}

		stored, err := f.creds.GetAny(ctx, userID, f.adapter.ProviderID())
		if err != nil || stored.RefreshToken == "" {
			return nil, mcperrors.NewThirdPartyReauthRequiredError(
				mcperrors.ErrThirdPartyReauthRequired.Guidance(), err)
		}

		refreshed, err := f.retryRefresh(ctx, stored.RefreshToken)
		if err != nil {
			// A dead refresh token is unrecoverable; drop the row so the
			// next attempt goes straight to re-authentication.
			if deleteErr := f.creds.Delete(ctx, userID, f.adapter.ProviderID()); deleteErr != nil {
				logger.Warnw("failed to delete stale credential", "user", userID, "error", deleteErr)
			}
			return nil, mcperrors.NewThirdPartyReauthRequiredError(
				mcperrors.ErrThirdPartyReauthRequired.Guidance(), err)
		}

		if err := f.creds.Store(ctx, userID, f.adapter.ProviderID(), refreshed); err != nil {
			return nil, err
		}
		logger.Infow("refreshed upstream credential",
			"provider", f.adapter.ProviderID(), "user", userID)
		return refreshed, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*credentials.Credentials), nil
}

// retryRefresh calls the provider's token endpoint with one retry, since a
// transient network failure must not force the user back into the browser.
func (f *Flow) retryRefresh(ctx context.Context, refreshToken string) (*credentials.Credentials, error) {
	operation := func() (*credentials.Credentials, error) {
		return f.adapter.RefreshTokens(ctx, refreshToken)
	}
	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(2))
}

// IsUserAuthenticated reports whether the user holds a live credential
// outside the refresh buffer.
func (f *Flow) IsUserAuthenticated(ctx context.Context, userID string) bool {
	_, err := f.creds.Get(ctx, userID, f.adapter.ProviderID())
	return err == nil
}

// GetUserCredentials returns the stored credential regardless of expiry.
func (f *Flow) GetUserCredentials(ctx context.Context, userID string) (*credentials.Credentials, error) {
	return f.creds.GetAny(ctx, userID, f.adapter.ProviderID())
}

// UpdateUserCredentials replaces the stored credential.
func (f *Flow) UpdateUserCredentials(ctx context.Context, userID string, creds *credentials.Credentials) error {
	return f.creds.Store(ctx, userID, f.adapter.ProviderID(), creds)
}

// RefreshAccessToken exchanges a refresh token at the provider. This is the
// APIClient surface the authorization server's session binding uses.
func (f *Flow) RefreshAccessToken(ctx context.Context, refreshToken string) (*credentials.Credentials, error) {
	return f.retryRefresh(ctx, refreshToken)
}

// ProviderID exposes the adapter's provider identifier.
func (f *Flow) ProviderID() string {
	return f.adapter.ProviderID()
}
