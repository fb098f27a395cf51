// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package handlers terminates the OAuth HTTP endpoints of the authorization
// server: /authorize, /token, /register, the upstream callback, and the
// RFC 8414 metadata document.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"github.com/stacklok/mcp-gateway/pkg/authserver"
	mcperrors "github.com/stacklok/mcp-gateway/pkg/errors"
	"github.com/stacklok/mcp-gateway/pkg/logger"
)

// UpstreamFlow is the consumer-side surface the authorize/callback handlers
// need. Nil disables upstream delegation: users are identified by the
// gateway session cookie alone.
type UpstreamFlow interface {
	// StartAuthorizationFlow begins the third-party flow for the user and
	// returns the upstream authorization URL plus the state that keys the
	// binding record.
	StartAuthorizationFlow(ctx context.Context, userID string) (authorizationURL string, state string, err error)

	// HandleAuthorizationCallback completes the third-party flow.
	HandleAuthorizationCallback(ctx context.Context, code, state string) (userID string, err error)

	// IsUserAuthenticated reports whether the user already holds a live
	// third-party credential.
	IsUserAuthenticated(ctx context.Context, userID string) bool
}

// tokenEndpointRate bounds token-endpoint traffic; brute-forcing codes and
// refresh tokens gets expensive fast.
var tokenEndpointRate = rate.Limit(25)

const tokenEndpointBurst = 50

// Handler owns the OAuth endpoint implementations.
type Handler struct {
	provider *authserver.Provider
	upstream UpstreamFlow
	limiter  *rate.Limiter
}

// New creates the OAuth endpoint handler. upstream may be nil.
func New(provider *authserver.Provider, upstream UpstreamFlow) *Handler {
	return &Handler{
		provider: provider,
		upstream: upstream,
		limiter:  rate.NewLimiter(tokenEndpointRate, tokenEndpointBurst),
	}
}

// Router mounts the OAuth endpoints.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/.well-known/oauth-authorization-server", h.Metadata)
	r.Post("/register", h.Register)
	r.Get("/authorize", h.Authorize)
	r.Get("/callback", h.Callback)
	r.Post("/token", h.Token)
	return r
}

// oauthError is the RFC 6749 error response body.
type oauthError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// writeOAuthError writes an RFC 6749 error with the given HTTP status.
func writeOAuthError(w http.ResponseWriter, status int, code mcperrors.Type, description string) {
	if code == mcperrors.ErrStorageUnavailable {
		// Storage failures reach the client as server_error; the detail
		// stays in the log.
		logger.Errorw("storage unavailable", "detail", description)
		code = mcperrors.ErrServerError
		description = ""
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(oauthError{
		Error:            string(code),
		ErrorDescription: description,
	}); err != nil {
		logger.Debugw("failed to write oauth error response", "error", err)
	}
}

// writeJSON writes a JSON response body with the given status.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Debugw("failed to write json response", "error", err)
	}
}
