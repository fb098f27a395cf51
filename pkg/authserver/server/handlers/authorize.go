// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"net/http"
	"net/url"

	"github.com/google/uuid"

	"github.com/stacklok/mcp-gateway/pkg/authserver/oauth"
	mcperrors "github.com/stacklok/mcp-gateway/pkg/errors"
	"github.com/stacklok/mcp-gateway/pkg/logger"
)

// userCookieName identifies the browser session across the authorize and
// callback legs.
const userCookieName = "mcpgw_user"

// Authorize implements the OAuth authorize endpoint.
//
// Error handling follows RFC 6749 section 4.1.2.1: recoverable errors
// redirect back to the client with error=..., including an unknown client
// (invalid_client), but a redirect_uri that is not registered for a known
// client is never redirected to.
func (h *Handler) Authorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	clientID := q.Get("client_id")
	redirectURI := q.Get("redirect_uri")
	state := q.Get("state")
	responseType := q.Get("response_type")
	codeChallenge := q.Get("code_challenge")
	codeChallengeMethod := q.Get("code_challenge_method")
	scope := q.Get("scope")

	if clientID == "" || redirectURI == "" {
		writeOAuthError(w, http.StatusBadRequest, mcperrors.ErrInvalidRequest,
			"client_id and redirect_uri are required")
		return
	}

	validity, err := h.provider.Clients().ValidateClient(r.Context(), clientID, redirectURI)
	if err != nil {
		writeOAuthError(w, http.StatusInternalServerError, mcperrors.ErrServerError, "")
		return
	}
	if !validity.Valid {
		if validity.Client == nil || validity.Reason == "redirect_uri is not registered" {
			// An unknown client is redirected with invalid_client; a URI
			// not registered for a known client is never redirected to.
			if validity.Client == nil {
				redirectError(w, r, redirectURI, state, mcperrors.ErrInvalidClient, "unknown client")
				return
			}
			writeOAuthError(w, http.StatusBadRequest, mcperrors.ErrInvalidRequest,
				"redirect_uri is not registered for this client")
			return
		}
		redirectError(w, r, redirectURI, state, mcperrors.ErrInvalidClient, validity.Reason)
		return
	}

	if responseType != "code" {
		redirectError(w, r, redirectURI, state, mcperrors.ErrInvalidRequest,
			"response_type must be code")
		return
	}

	// Public clients must present a PKCE challenge.
	pkceRequired := validity.Client.TokenEndpointAuthMethod == "none"
	if pkceRequired && codeChallenge == "" {
		redirectError(w, r, redirectURI, state, mcperrors.ErrInvalidRequest,
			"code_challenge is required for public clients")
		return
	}
	if codeChallenge != "" && codeChallengeMethod != "" && codeChallengeMethod != "S256" {
		redirectError(w, r, redirectURI, state, mcperrors.ErrInvalidRequest,
			"only the S256 code_challenge_method is supported")
		return
	}

	userID := h.resolveUser(w, r)

	// When an upstream provider is configured and the user holds no live
	// credential, delegate: park the MCP request as a binding record and
	// send the browser to the third party. The callback resumes the flow.
	if h.upstream != nil && !h.upstream.IsUserAuthenticated(r.Context(), userID) {
		authURL, upstreamState, err := h.upstream.StartAuthorizationFlow(r.Context(), userID)
		if err != nil {
			logger.Errorw("failed to start upstream authorization flow", "error", err)
			redirectError(w, r, redirectURI, state, mcperrors.ErrServerError, "")
			return
		}

		err = h.provider.Requests().StoreMCPAuthRequest(r.Context(), upstreamState, &oauth.MCPAuthRequest{
			MCPClientID:    clientID,
			MCPRedirectURI: redirectURI,
			MCPState:       state,
			CodeChallenge:  codeChallenge,
			UserID:         userID,
			Scope:          scope,
		})
		if err != nil {
			logger.Errorw("failed to store mcp auth request", "error", err)
			redirectError(w, r, redirectURI, state, mcperrors.ErrServerError, "")
			return
		}

		http.Redirect(w, r, authURL, http.StatusFound)
		return
	}

	h.issueCodeAndRedirect(w, r, clientID, userID, redirectURI, state, codeChallenge, codeChallengeMethod, scope)
}

// Callback completes the upstream leg: it exchanges the third-party code,
// consumes the binding record, and sends the browser back to the MCP client
// with a fresh authorization code.
func (h *Handler) Callback(w http.ResponseWriter, r *http.Request) {
	if h.upstream == nil {
		http.NotFound(w, r)
		return
	}

	q := r.URL.Query()
	code := q.Get("code")
	upstreamState := q.Get("state")
	if errCode := q.Get("error"); errCode != "" {
		writeOAuthError(w, http.StatusBadRequest, mcperrors.ErrAccessDenied,
			"upstream authorization failed: "+errCode)
		return
	}
	if code == "" || upstreamState == "" {
		writeOAuthError(w, http.StatusBadRequest, mcperrors.ErrInvalidRequest,
			"code and state are required")
		return
	}

	record, err := h.provider.Requests().ConsumeMCPAuthRequest(r.Context(), upstreamState)
	if err != nil {
		writeOAuthError(w, http.StatusNotFound, mcperrors.ErrInvalidRequest,
			"unknown or expired authorization request")
		return
	}

	userID, err := h.upstream.HandleAuthorizationCallback(r.Context(), code, upstreamState)
	if err != nil {
		logger.Errorw("upstream callback handling failed", "error", err)
		redirectError(w, r, record.MCPRedirectURI, record.MCPState, mcperrors.ErrAccessDenied,
			"upstream authorization failed")
		return
	}
	if userID == "" {
		userID = record.UserID
	}

	http.SetCookie(w, &http.Cookie{
		Name:     userCookieName,
		Value:    userID,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	h.issueCodeAndRedirect(w, r,
		record.MCPClientID, userID, record.MCPRedirectURI, record.MCPState,
		record.CodeChallenge, "S256", record.Scope)
}

// issueCodeAndRedirect generates the authorization code and 302s back to the
// client.
func (h *Handler) issueCodeAndRedirect(
	w http.ResponseWriter, r *http.Request,
	clientID, userID, redirectURI, state, codeChallenge, codeChallengeMethod, scope string,
) {
	if scope == "" {
		scope = h.provider.Config().DefaultScope
	}

	code, err := h.provider.Tokens().GenerateAuthorizationCode(r.Context(),
		clientID, userID, redirectURI, codeChallenge, codeChallengeMethod, scope)
	if err != nil {
		logger.Errorw("failed to issue authorization code", "client", clientID, "error", err)
		redirectError(w, r, redirectURI, state, mcperrors.ErrServerError, "")
		return
	}

	target, err := url.Parse(redirectURI)
	if err != nil {
		writeOAuthError(w, http.StatusBadRequest, mcperrors.ErrInvalidRequest, "invalid redirect_uri")
		return
	}
	values := target.Query()
	values.Set("code", code)
	if state != "" {
		values.Set("state", state)
	}
	target.RawQuery = values.Encode()

	http.Redirect(w, r, target.String(), http.StatusFound)
}

// resolveUser reads the session cookie, minting a new user id when absent.
func (h *Handler) resolveUser(w http.ResponseWriter, r *http.Request) string {
	if cookie, err := r.Cookie(userCookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}

	userID := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     userCookieName,
		Value:    userID,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return userID
}

// redirectError sends the browser back to the client with error query
// parameters per RFC 6749 section 4.1.2.1.
func redirectError(
	w http.ResponseWriter, r *http.Request,
	redirectURI, state string, code mcperrors.Type, description string,
) {
	target, err := url.Parse(redirectURI)
	if err != nil {
		writeOAuthError(w, http.StatusBadRequest, code, description)
		return
	}
	values := target.Query()
	values.Set("error", string(code))
	if description != "" {
		values.Set("error_description", description)
	}
	if state != "" {
		values.Set("state", state)
	}
	target.RawQuery = values.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}
