// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package upstream implements the OAuth consumer side of the gateway: the
// authorization-code flow against a third-party provider, credential
// storage, and transparent refresh.
package upstream

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"golang.org/x/oauth2"

	"github.com/stacklok/mcp-gateway/pkg/credentials"
)

// ProviderAdapter abstracts one third-party OAuth provider. The default
// implementation speaks plain OAuth 2.0; providers with quirks supply their
// own adapter.
type ProviderAdapter interface {
	// ProviderID identifies the provider in credential storage.
	ProviderID() string

	// BuildAuthURL returns the provider's authorization URL for the given
	// state. verifier is the PKCE code verifier, empty when PKCE is
	// disabled.
	BuildAuthURL(state, verifier string) string

	// ExchangeCode redeems an authorization code at the provider's token
	// endpoint.
	ExchangeCode(ctx context.Context, code, verifier string) (*credentials.Credentials, error)

	// RefreshTokens exchanges a refresh token for a fresh credential.
	RefreshTokens(ctx context.Context, refreshToken string) (*credentials.Credentials, error)
}

// Config configures the default OAuth 2.0 adapter.
type Config struct {
	// ProviderID names the provider, e.g. "github".
	ProviderID string

	// ClientID is the OAuth client ID issued by the provider.
	ClientID string

	// ClientSecret is the OAuth client secret (optional for PKCE flow).
	ClientSecret string

	// AuthURL is the authorization endpoint URL.
	AuthURL string

	// TokenURL is the token endpoint URL.
	TokenURL string

	// RedirectURL is this gateway's callback URL.
	RedirectURL string

	// Scopes are the OAuth scopes to request.
	Scopes []string

	// UsePKCE enables PKCE for the upstream flow.
	UsePKCE bool
}

// Validate checks the adapter configuration.
func (c *Config) Validate() error {
	if c.ProviderID == "" {
		return fmt.Errorf("provider id is required")
	}
	if c.ClientID == "" {
		return fmt.Errorf("client ID is required")
	}
	if c.AuthURL == "" {
		return fmt.Errorf("authorization URL is required")
	}
	if c.TokenURL == "" {
		return fmt.Errorf("token URL is required")
	}
	for _, endpoint := range []string{c.AuthURL, c.TokenURL} {
		parsed, err := url.Parse(endpoint)
		if err != nil || !parsed.IsAbs() {
			return fmt.Errorf("invalid endpoint URL: %s", endpoint)
		}
	}
	return nil
}

// OAuth2Adapter is the default ProviderAdapter built on golang.org/x/oauth2.
type OAuth2Adapter struct {
	providerID string
	oauth      *oauth2.Config
	scopes     []string
}

// NewOAuth2Adapter creates the default adapter from the config.
func NewOAuth2Adapter(cfg *Config) (*OAuth2Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &OAuth2Adapter{
		providerID: cfg.ProviderID,
		scopes:     cfg.Scopes,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthURL,
				TokenURL: cfg.TokenURL,
			},
		},
	}, nil
}

// ProviderID identifies the provider in credential storage.
func (a *OAuth2Adapter) ProviderID() string {
	return a.providerID
}

// BuildAuthURL returns the authorization URL, attaching the S256 challenge
// when a verifier is supplied.
func (a *OAuth2Adapter) BuildAuthURL(state, verifier string) string {
	opts := []oauth2.AuthCodeOption{oauth2.AccessTypeOffline}
	if verifier != "" {
		opts = append(opts, oauth2.S256ChallengeOption(verifier))
	}
	return a.oauth.AuthCodeURL(state, opts...)
}

// ExchangeCode redeems the authorization code.
func (a *OAuth2Adapter) ExchangeCode(ctx context.Context, code, verifier string) (*credentials.Credentials, error) {
	var opts []oauth2.AuthCodeOption
	if verifier != "" {
		opts = append(opts, oauth2.VerifierOption(verifier))
	}
	token, err := a.oauth.Exchange(ctx, code, opts...)
	if err != nil {
		return nil, fmt.Errorf("code exchange failed: %w", err)
	}
	return a.tokenToCredentials(token), nil
}

// RefreshTokens exchanges the refresh token at the provider's token
// endpoint (grant_type=refresh_token).
func (a *OAuth2Adapter) RefreshTokens(ctx context.Context, refreshToken string) (*credentials.Credentials, error) {
	source := a.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	token, err := source.Token()
	if err != nil {
		return nil, fmt.Errorf("token refresh failed: %w", err)
	}
	creds := a.tokenToCredentials(token)
	if creds.RefreshToken == "" {
		// Providers that do not rotate keep the old refresh token valid.
		creds.RefreshToken = refreshToken
	}
	return creds, nil
}

func (a *OAuth2Adapter) tokenToCredentials(token *oauth2.Token) *credentials.Credentials {
	tokenType := token.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	expiresAt := token.Expiry
	if expiresAt.IsZero() {
		// Providers omitting expires_in get a conservative default.
		expiresAt = time.Now().Add(time.Hour)
	}
	return &credentials.Credentials{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    tokenType,
		ExpiresAt:    expiresAt,
		Scopes:       a.scopes,
	}
}

// Compile-time interface compliance check
var _ ProviderAdapter = (*OAuth2Adapter)(nil)
