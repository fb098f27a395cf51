// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"fmt"
	"time"

	"github.com/stacklok/mcp-gateway/pkg/authserver/oauth"
	"github.com/stacklok/mcp-gateway/pkg/logger"
)

// Config is the pure configuration for the OAuth authorization server.
// All values must be fully resolved (no file paths, no env vars).
type Config struct {
	// Issuer is the issuer identifier for this authorization server. It is
	// advertised in the RFC 8414 metadata document and used to derive the
	// endpoint URLs.
	Issuer string

	// AccessTokenLifespan is the duration that access tokens are valid.
	// If zero, defaults to 1 hour.
	AccessTokenLifespan time.Duration

	// RefreshTokenLifespan is the duration that refresh tokens are valid.
	// If zero, defaults to 30 days.
	RefreshTokenLifespan time.Duration

	// AuthCodeLifespan is the duration that authorization codes are valid.
	// If zero, defaults to 10 minutes.
	AuthCodeLifespan time.Duration

	// AllowedRedirectHosts restricts the hosts dynamic registrations may
	// use in redirect URIs. Empty means any host.
	AllowedRedirectHosts []string

	// RequireHTTPS restricts redirect URIs to https, exempting loopback
	// http per RFC 8252.
	RequireHTTPS bool

	// DefaultScope is granted when an authorization request carries no
	// scope parameter.
	DefaultScope string

	// Clients is the list of pre-registered OAuth clients.
	Clients []ClientConfig
}

// ClientConfig defines a pre-registered OAuth client.
type ClientConfig struct {
	// ID is the unique identifier for this client.
	ID string

	// Secret is the client secret. Required for confidential clients.
	// For public clients, this should be empty.
	Secret string

	// RedirectURIs is the list of allowed redirect URIs for this client.
	RedirectURIs []string

	// Public indicates whether this is a public client (e.g., native app, SPA).
	// Public clients do not have a secret and must use PKCE.
	Public bool
}

// Validate checks that the Config is valid.
func (c *Config) Validate() error {
	logger.Debugw("validating authserver config", "issuer", c.Issuer)

	if c.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}

	policy := c.RedirectPolicy()
	for i, client := range c.Clients {
		if err := client.Validate(&policy); err != nil {
			return fmt.Errorf("client %d: %w", i, err)
		}
	}

	logger.Debugw("authserver config validation passed",
		"issuer", c.Issuer,
		"clientCount", len(c.Clients),
		"requireHTTPS", c.RequireHTTPS,
	)
	return nil
}

// Validate checks that the ClientConfig is valid.
func (c *ClientConfig) Validate(policy *oauth.RedirectPolicy) error {
	logger.Debugw("validating client config", "clientID", c.ID, "public", c.Public)

	if c.ID == "" {
		return fmt.Errorf("client id is required")
	}

	if len(c.RedirectURIs) == 0 {
		return fmt.Errorf("at least one redirect_uri is required")
	}
	for _, uri := range c.RedirectURIs {
		if err := policy.ValidateURI(uri); err != nil {
			return err
		}
	}

	if !c.Public && c.Secret == "" {
		return fmt.Errorf("secret is required for confidential clients")
	}
	if c.Public && c.Secret != "" {
		return fmt.Errorf("public clients must not have a secret")
	}

	logger.Debugw("client config validated", "clientID", c.ID, "redirectURICount", len(c.RedirectURIs))
	return nil
}

// RedirectPolicy derives the redirect-URI policy from the config.
func (c *Config) RedirectPolicy() oauth.RedirectPolicy {
	return oauth.RedirectPolicy{
		AllowedHosts: c.AllowedRedirectHosts,
		RequireHTTPS: c.RequireHTTPS,
	}
}

// applyDefaults applies default values to the config where not set.
func (c *Config) applyDefaults() {
	logger.Debug("applying default values to authserver config")

	if c.AccessTokenLifespan == 0 {
		c.AccessTokenLifespan = oauth.DefaultAccessTokenLifespan
		logger.Debugw("applied default access token lifespan", "duration", c.AccessTokenLifespan)
	}
	if c.RefreshTokenLifespan == 0 {
		c.RefreshTokenLifespan = oauth.DefaultRefreshTokenLifespan
		logger.Debugw("applied default refresh token lifespan", "duration", c.RefreshTokenLifespan)
	}
	if c.AuthCodeLifespan == 0 {
		c.AuthCodeLifespan = oauth.DefaultAuthCodeLifespan
		logger.Debugw("applied default auth code lifespan", "duration", c.AuthCodeLifespan)
	}
	if c.DefaultScope == "" {
		c.DefaultScope = "read write"
	}
}
