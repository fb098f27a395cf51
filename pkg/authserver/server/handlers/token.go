// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	mcperrors "github.com/stacklok/mcp-gateway/pkg/errors"
	"github.com/stacklok/mcp-gateway/pkg/logger"
)

// tokenResponse is the RFC 6749 token endpoint success body.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// Token implements the OAuth token endpoint for the authorization_code and
// refresh_token grants.
func (h *Handler) Token(w http.ResponseWriter, r *http.Request) {
	if !h.limiter.Allow() {
		writeOAuthError(w, http.StatusTooManyRequests, mcperrors.ErrTemporarilyUnavailable,
			"token endpoint rate limit exceeded")
		return
	}

	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, mcperrors.ErrInvalidRequest, "malformed form body")
		return
	}

	clientID := r.PostFormValue("client_id")
	if clientID == "" {
		writeOAuthError(w, http.StatusBadRequest, mcperrors.ErrInvalidRequest, "client_id is required")
		return
	}
	if !h.authenticateClient(w, r, clientID) {
		return
	}

	switch r.PostFormValue("grant_type") {
	case "authorization_code":
		h.tokenAuthorizationCode(w, r, clientID)
	case "refresh_token":
		h.tokenRefresh(w, r, clientID)
	default:
		writeOAuthError(w, http.StatusBadRequest, mcperrors.ErrUnsupportedGrantType,
			"grant_type must be authorization_code or refresh_token")
	}
}

// authenticateClient checks the client secret for confidential clients.
// Public clients authenticate via PKCE at code exchange instead.
func (h *Handler) authenticateClient(w http.ResponseWriter, r *http.Request, clientID string) bool {
	client, err := h.provider.Clients().GetClient(r.Context(), clientID)
	if err != nil {
		if mcperrors.IsInvalidClient(err) {
			writeOAuthError(w, http.StatusUnauthorized, mcperrors.ErrInvalidClient, "unknown client")
		} else {
			writeOAuthError(w, http.StatusInternalServerError, mcperrors.ErrServerError, "")
		}
		return false
	}
	if client.Revoked {
		writeOAuthError(w, http.StatusUnauthorized, mcperrors.ErrInvalidClient, "client is revoked")
		return false
	}

	if client.TokenEndpointAuthMethod == "none" {
		return true
	}

	secret := r.PostFormValue("client_secret")
	if subtle.ConstantTimeCompare([]byte(secret), []byte(client.ClientSecret)) != 1 {
		writeOAuthError(w, http.StatusUnauthorized, mcperrors.ErrInvalidClient, "client authentication failed")
		return false
	}
	return true
}

func (h *Handler) tokenAuthorizationCode(w http.ResponseWriter, r *http.Request, clientID string) {
	code := r.PostFormValue("code")
	redirectURI := r.PostFormValue("redirect_uri")
	codeVerifier := r.PostFormValue("code_verifier")

	if code == "" || redirectURI == "" {
		writeOAuthError(w, http.StatusBadRequest, mcperrors.ErrInvalidRequest,
			"code and redirect_uri are required")
		return
	}

	pair, err := h.provider.ExchangeMCPAuthorizationCode(r.Context(), code, clientID, redirectURI, codeVerifier)
	if err != nil {
		h.writeTokenError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  pair.AccessToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(h.provider.Tokens().AccessTokenLifespan().Seconds()),
		RefreshToken: pair.RefreshToken,
		Scope:        strings.Join(pair.Scope, " "),
	})
}

func (h *Handler) tokenRefresh(w http.ResponseWriter, r *http.Request, clientID string) {
	refreshToken := r.PostFormValue("refresh_token")
	if refreshToken == "" {
		writeOAuthError(w, http.StatusBadRequest, mcperrors.ErrInvalidRequest, "refresh_token is required")
		return
	}

	pair, err := h.provider.Tokens().RefreshAccessToken(r.Context(), refreshToken, clientID)
	if err != nil {
		h.writeTokenError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  pair.AccessToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(h.provider.Tokens().AccessTokenLifespan().Seconds()),
		RefreshToken: pair.RefreshToken,
		Scope:        strings.Join(pair.Scope, " "),
	})
}

// writeTokenError maps typed errors onto the RFC 6749 token error response.
func (h *Handler) writeTokenError(w http.ResponseWriter, err error) {
	var typed *mcperrors.Error
	if errors.As(err, &typed) {
		writeOAuthError(w, typed.Type.HTTPStatus(), typed.Type, typed.Message)
		return
	}
	logger.Errorw("token endpoint failure", "error", err)
	writeOAuthError(w, http.StatusInternalServerError, mcperrors.ErrServerError, "")
}
