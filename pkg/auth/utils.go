// Package auth provides authentication and authorization utilities.
package auth

import (
	"errors"
	"net/http"
	"strings"
)

// bearerTokenType defines the expected token type for Bearer authentication.
const bearerTokenType = "Bearer"

// MinTokenLength is the minimum plausible length of an issued access token.
// Issued tokens are 32 random bytes base64url-encoded (43 characters);
// anything shorter cannot be one of ours and is rejected before storage is
// consulted.
const MinTokenLength = 32

// Common Bearer token extraction errors
var (
	ErrAuthHeaderMissing       = errors.New("authorization header required")
	ErrInvalidAuthHeaderFormat = errors.New("invalid authorization header format, expected 'Bearer <token>'")
	ErrTokenTooShort           = errors.New("bearer token is too short")
)

// ExtractBearerToken extracts and validates a Bearer token from the Authorization header.
// It performs the following validations:
//  1. Verifies the Authorization header is present
//  2. Checks for the "Bearer " prefix (case-sensitive per RFC 6750)
//  3. Ensures the token is not empty after removing the prefix
//  4. Rejects tokens shorter than MinTokenLength
//
// The function returns the token string (without "Bearer " prefix) and any validation error.
// Callers are responsible for further token validation and for converting
// errors to appropriate HTTP responses.
//
// This function implements RFC 6750 Section 2.1 (Bearer Token Authorization Header).
// See: https://datatracker.ietf.org/doc/html/rfc6750#section-2.1
func ExtractBearerToken(r *http.Request) (string, error) {
	// Get the Authorization header
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", ErrAuthHeaderMissing
	}

	// Check for the Bearer prefix (case-sensitive per RFC 6750)
	bearerPrefix := bearerTokenType + " "
	if !strings.HasPrefix(authHeader, bearerPrefix) {
		return "", ErrInvalidAuthHeaderFormat
	}

	// Extract the token
	tokenString := strings.TrimPrefix(authHeader, bearerPrefix)

	// Check for empty token (handles "Bearer " with no token or only whitespace)
	if strings.TrimSpace(tokenString) == "" {
		return "", ErrInvalidAuthHeaderFormat
	}

	if len(tokenString) < MinTokenLength {
		return "", ErrTokenTooShort
	}

	return tokenString, nil
}
