// Package middleware provides HTTP authentication middleware.
package middleware

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/stacklok/mcp-gateway/pkg/auth"
	"github.com/stacklok/mcp-gateway/pkg/authserver"
	mcperrors "github.com/stacklok/mcp-gateway/pkg/errors"
	"github.com/stacklok/mcp-gateway/pkg/logger"
	"github.com/stacklok/mcp-gateway/pkg/transport/types"
)

// Identity headers attached to authenticated requests for downstream
// handlers and proxied backends.
const (
	HeaderClientID      = "X-MCP-Client-ID"
	HeaderUserID        = "X-MCP-User-ID"
	HeaderScope         = "X-MCP-Scope"
	HeaderAuthenticated = "X-MCP-Authenticated"
)

// errorBody is the JSON error shape of the non-OAuth endpoints.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string            `json:"message"`
	Status  int               `json:"status"`
	Details map[string]string `json:"details,omitempty"`
}

// writeAuthError writes the error body with the status derived from the
// error code, plus an RFC 6750 WWW-Authenticate header.
func writeAuthError(w http.ResponseWriter, realm string, code mcperrors.Type, message string) {
	status := code.HTTPStatus()
	w.Header().Set("WWW-Authenticate", buildWWWAuthenticate(realm, code, message))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	details := map[string]string{"errorCode": string(code)}
	if guidance := code.Guidance(); guidance != "" {
		details["guidance"] = guidance
	}
	if err := json.NewEncoder(w).Encode(errorBody{Error: errorDetail{
		Message: message,
		Status:  status,
		Details: details,
	}}); err != nil {
		logger.Debugw("failed to write auth error response", "error", err)
	}
}

// buildWWWAuthenticate builds a RFC 6750 compliant value for the
// WWW-Authenticate header.
func buildWWWAuthenticate(realm string, code mcperrors.Type, description string) string {
	parts := []string{fmt.Sprintf(`realm="%s"`, escapeQuotes(realm))}
	parts = append(parts, fmt.Sprintf(`error="%s"`, escapeQuotes(string(code))))
	if description != "" {
		parts = append(parts, fmt.Sprintf(`error_description="%s"`, escapeQuotes(description)))
	}
	return "Bearer " + strings.Join(parts, ", ")
}

// escapeQuotes escapes quotes in a string for use in a quoted-string context.
func escapeQuotes(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}

// AuthenticationMiddleware authenticates each request through the OAuth
// provider, enforcing session binding when authService is non-nil.
//
// The rejection ladder:
//  1. missing header            -> 401 missing_token
//  2. wrong scheme / empty      -> 401 invalid_authorization_header_format
//  3. token below minimum size  -> 401 token_too_short
//  4. provider rejection        -> 403 for third_party_reauth_required,
//     401 otherwise
//
// Authorized requests are annotated with the X-MCP-* identity headers and
// executed inside a request-context scope.
func AuthenticationMiddleware(
	provider *authserver.Provider,
	authService authserver.AuthService,
	apiClient authserver.APIClient,
	transportType string,
) types.MiddlewareFunction {
	realm := provider.Config().Issuer

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := auth.ExtractBearerToken(r)
			if err != nil {
				code := mcperrors.ErrInvalidAuthorizationHeader
				switch {
				case errors.Is(err, auth.ErrAuthHeaderMissing):
					code = mcperrors.ErrMissingToken
				case errors.Is(err, auth.ErrTokenTooShort):
					code = mcperrors.ErrTokenTooShort
				}
				writeAuthError(w, realm, code, err.Error())
				return
			}

			authCtx := provider.AuthorizeMCPRequest(r.Context(), token, authService, apiClient)
			if !authCtx.Authorized {
				writeAuthError(w, realm, authCtx.ErrorCode, authCtx.Error)
				return
			}

			scope := strings.Join(authCtx.Scopes, " ")
			r.Header.Set(HeaderClientID, authCtx.ClientID)
			r.Header.Set(HeaderUserID, authCtx.UserID)
			r.Header.Set(HeaderScope, scope)
			r.Header.Set(HeaderAuthenticated, "true")

			identity := &auth.Identity{
				Subject:   authCtx.UserID,
				ClientID:  authCtx.ClientID,
				Scopes:    authCtx.Scopes,
				Token:     token,
				TokenType: "Bearer",
			}

			rc := auth.NewRequestContext(transportType)
			rc.AuthenticatedUserID = authCtx.UserID
			rc.ClientID = authCtx.ClientID
			rc.Scopes = authCtx.Scopes
			rc.SessionID = r.Header.Get("Mcp-Session-Id")
			if authCtx.ActionTaken != "" {
				rc.UpdateMetadata("actionTaken", authCtx.ActionTaken)
			}

			ctx := auth.WithRequestContext(auth.WithIdentity(r.Context(), identity), rc)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetAuthenticationMiddleware returns the authentication middleware, or the
// anonymous middleware when skipAuthentication is set.
func GetAuthenticationMiddleware(
	provider *authserver.Provider,
	authService authserver.AuthService,
	apiClient authserver.APIClient,
	transportType string,
	skipAuthentication bool,
) types.MiddlewareFunction {
	if skipAuthentication {
		logger.Warn("authentication is DISABLED; all requests run as anonymous")
		return auth.AnonymousMiddleware
	}
	return AuthenticationMiddleware(provider, authService, apiClient, transportType)
}
