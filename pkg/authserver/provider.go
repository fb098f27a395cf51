// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package authserver implements the OAuth 2.0 Authorization Server role of
// the gateway: issuing opaque tokens to MCP clients and binding every issued
// token to a live third-party credential.
//
// The auth server supports:
//   - OAuth 2.0 Authorization Code flow with PKCE (RFC 7636)
//   - Dynamic Client Registration (RFC 7591)
//   - Authorization Server Metadata discovery (RFC 8414)
//   - Refresh token rotation
//   - Session binding: a token validation only succeeds while the bound
//     upstream credential is live, refreshing it transparently when needed
//
// The primary entry point is the Provider, which composes the token
// manager, client registry, and binding-request store, and exposes
// AuthorizeMCPRequest to the transport's authentication middleware.
package authserver

import (
	"context"
	"strings"

	"github.com/stacklok/mcp-gateway/pkg/authserver/oauth"
	"github.com/stacklok/mcp-gateway/pkg/credentials"
	mcperrors "github.com/stacklok/mcp-gateway/pkg/errors"
	"github.com/stacklok/mcp-gateway/pkg/kv"
	"github.com/stacklok/mcp-gateway/pkg/logger"
)

// ActionThirdPartyTokenRefreshed is recorded in the AuthContext when a
// request was authorized only after transparently refreshing the upstream
// credential.
const ActionThirdPartyTokenRefreshed = "third_party_token_refreshed"

// thirdPartyExpiredMessage is the fixed client-facing message for the
// session-binding failure path.
const thirdPartyExpiredMessage = "Third-party authorization expired. " +
	"User must complete browser-based re-authentication"

// AuthService is the consumer-side view the provider needs for session
// binding. Implemented by the upstream flow.
type AuthService interface {
	// IsUserAuthenticated reports whether the user holds a live (outside
	// the refresh buffer) third-party credential.
	IsUserAuthenticated(ctx context.Context, userID string) bool

	// GetUserCredentials returns the stored credential regardless of
	// expiry, so the refresh path can reach the refresh token.
	GetUserCredentials(ctx context.Context, userID string) (*credentials.Credentials, error)

	// UpdateUserCredentials replaces the stored credential after a refresh.
	UpdateUserCredentials(ctx context.Context, userID string, creds *credentials.Credentials) error
}

// APIClient refreshes tokens at the third-party provider. Implemented by
// the upstream provider adapter.
type APIClient interface {
	// RefreshAccessToken exchanges the refresh token for a new credential.
	RefreshAccessToken(ctx context.Context, refreshToken string) (*credentials.Credentials, error)
}

// AuthContext is the outcome of AuthorizeMCPRequest.
type AuthContext struct {
	Authorized bool
	ClientID   string
	UserID     string
	Scopes     []string

	// Error and ErrorCode are set when Authorized is false.
	Error     string
	ErrorCode mcperrors.Type

	// ActionTaken records side effects of the authorization, such as a
	// transparent upstream token refresh.
	ActionTaken string
}

// Provider is the coordinator combining the token manager, client registry,
// and binding-request store. One Provider serves all transports.
type Provider struct {
	config   *Config
	tokens   *oauth.TokenManager
	clients  *oauth.ClientRegistry
	requests *oauth.AuthRequestStore
}

// NewProvider builds the provider on the shared KV store and seeds any
// pre-registered clients from the config.
func NewProvider(ctx context.Context, store kv.Store, cfg *Config) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	p := &Provider{
		config: cfg,
		tokens: oauth.NewTokenManager(store,
			oauth.WithLifespans(cfg.AuthCodeLifespan, cfg.AccessTokenLifespan, cfg.RefreshTokenLifespan)),
		clients:  oauth.NewClientRegistry(store, cfg.RedirectPolicy()),
		requests: oauth.NewAuthRequestStore(store),
	}

	if err := p.seedClients(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// seedClients persists the pre-registered clients from the config so they
// validate like dynamically registered ones.
func (p *Provider) seedClients(ctx context.Context) error {
	for _, c := range p.config.Clients {
		if err := p.clients.SeedClient(ctx, c.ID, c.Secret, c.RedirectURIs, c.Public); err != nil {
			return err
		}
		logger.Debugw("seeded pre-registered client", "client", c.ID)
	}
	return nil
}

// Tokens exposes the token manager to the HTTP handlers.
func (p *Provider) Tokens() *oauth.TokenManager {
	return p.tokens
}

// Clients exposes the client registry to the HTTP handlers.
func (p *Provider) Clients() *oauth.ClientRegistry {
	return p.clients
}

// Requests exposes the binding-request store to the HTTP handlers.
func (p *Provider) Requests() *oauth.AuthRequestStore {
	return p.requests
}

// Config exposes the resolved configuration.
func (p *Provider) Config() *Config {
	return p.config
}

// AuthorizeMCPRequest authorizes one MCP request from its bearer token.
//
// When authService is non-nil, session binding is enforced: the request is
// only authorized while the user's third-party credential is live. When the
// credential has expired and apiClient is non-nil, one transparent refresh
// is attempted; a request is never served on an expired upstream token.
func (p *Provider) AuthorizeMCPRequest(
	ctx context.Context,
	bearer string,
	authService AuthService,
	apiClient APIClient,
) *AuthContext {
	token := strings.TrimPrefix(bearer, "Bearer ")

	validation, err := p.tokens.ValidateAccessToken(ctx, token)
	if err != nil {
		logger.Errorw("token validation failed", "error", err)
		return &AuthContext{
			Authorized: false,
			Error:      "Token validation failed",
			ErrorCode:  mcperrors.ErrServerError,
		}
	}
	if !validation.Valid {
		return &AuthContext{
			Authorized: false,
			Error:      validation.Error,
			ErrorCode:  validation.ErrorCode,
		}
	}

	// A revoked client invalidates every token it was issued.
	clientValidity, err := p.clients.ValidateClient(ctx, validation.ClientID, "")
	if err != nil {
		logger.Errorw("client validation failed", "client", validation.ClientID, "error", err)
		return &AuthContext{
			Authorized: false,
			Error:      "Client validation failed",
			ErrorCode:  mcperrors.ErrServerError,
		}
	}
	if !clientValidity.Valid {
		return &AuthContext{
			Authorized: false,
			Error:      "Access token was issued to a revoked client",
			ErrorCode:  mcperrors.ErrInvalidToken,
		}
	}

	authorized := &AuthContext{
		Authorized: true,
		ClientID:   validation.ClientID,
		UserID:     validation.UserID,
		Scopes:     validation.Scopes,
	}

	if authService == nil {
		// Session binding disabled; the MCP token alone authorizes.
		return authorized
	}

	if authService.IsUserAuthenticated(ctx, validation.UserID) {
		return authorized
	}

	if apiClient != nil {
		if refreshed := p.refreshThirdParty(ctx, validation.UserID, authService, apiClient); refreshed {
			authorized.ActionTaken = ActionThirdPartyTokenRefreshed
			return authorized
		}
	}

	return &AuthContext{
		Authorized: false,
		Error:      thirdPartyExpiredMessage,
		ErrorCode:  mcperrors.ErrThirdPartyReauthRequired,
	}
}

// refreshThirdParty attempts one transparent upstream refresh. Returns true
// only when the new credential has been stored.
func (p *Provider) refreshThirdParty(
	ctx context.Context,
	userID string,
	authService AuthService,
	apiClient APIClient,
) bool {
	creds, err := authService.GetUserCredentials(ctx, userID)
	if err != nil || creds == nil || creds.RefreshToken == "" {
		logger.Debugw("no refreshable third-party credential", "user", userID)
		return false
	}

	refreshed, err := apiClient.RefreshAccessToken(ctx, creds.RefreshToken)
	if err != nil || refreshed == nil {
		logger.Warnw("third-party token refresh failed", "user", userID, "error", err)
		return false
	}

	if err := authService.UpdateUserCredentials(ctx, userID, refreshed); err != nil {
		logger.Errorw("failed to store refreshed third-party credential", "user", userID, "error", err)
		return false
	}

	logger.Infow("third-party token refreshed during authorization", "user", userID)
	return true
}

// ExchangeMCPAuthorizationCode exchanges an authorization code for an access
// token pair. The code record is read before the (deleting) exchange so the
// user id and scope survive the atomic delete for the token issuance.
func (p *Provider) ExchangeMCPAuthorizationCode(
	ctx context.Context,
	code, clientID, redirectURI, codeVerifier string,
) (*oauth.TokenPair, error) {
	record, err := p.tokens.GetAuthorizationCode(ctx, code)
	if err != nil {
		return nil, err
	}

	if _, err := p.tokens.ExchangeAuthorizationCode(ctx, code, clientID, redirectURI, codeVerifier); err != nil {
		return nil, err
	}

	scope := record.Scope
	if scope == "" {
		scope = p.config.DefaultScope
	}
	return p.tokens.GenerateAccessToken(ctx, clientID, record.UserID, true, strings.Fields(scope))
}
