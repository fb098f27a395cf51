// Package auth provides authentication and authorization utilities.
package auth

import (
	"encoding/json"
	"fmt"
)

// Identity represents an authenticated principal: the user an MCP access
// token was issued to, together with the client that presented it.
type Identity struct {
	// Subject is the unique identifier for the principal.
	Subject string

	// Name is the human-readable name, if known.
	Name string

	// Email is the email address, if known.
	Email string

	// ClientID is the OAuth client the presented token was issued to.
	ClientID string

	// Scopes are the scopes granted to the presented token.
	Scopes []string

	// Token is the original authentication token (for pass-through scenarios).
	// This is redacted in String() and MarshalJSON() to prevent leakage.
	Token string

	// TokenType is the type of token (e.g., "Bearer").
	TokenType string

	// Metadata stores additional identity information.
	Metadata map[string]string
}

// String returns a string representation of the Identity with sensitive fields redacted.
// This prevents accidental token leakage when the Identity is logged or printed.
func (i *Identity) String() string {
	if i == nil {
		return "<nil>"
	}

	return fmt.Sprintf("Identity{Subject:%q}", i.Subject)
}

// MarshalJSON implements json.Marshaler to redact sensitive fields during JSON serialization.
// This prevents accidental token leakage in structured logs, API responses, or audit logs.
func (i *Identity) MarshalJSON() ([]byte, error) {
	if i == nil {
		return []byte("null"), nil
	}

	// Create a safe representation with lowercase field names and redacted token
	type SafeIdentity struct {
		Subject   string            `json:"subject"`
		Name      string            `json:"name"`
		Email     string            `json:"email"`
		ClientID  string            `json:"clientId"`
		Scopes    []string          `json:"scopes"`
		Token     string            `json:"token"`
		TokenType string            `json:"tokenType"`
		Metadata  map[string]string `json:"metadata"`
	}

	token := i.Token
	if token != "" {
		token = "REDACTED"
	}

	return json.Marshal(&SafeIdentity{
		Subject:   i.Subject,
		Name:      i.Name,
		Email:     i.Email,
		ClientID:  i.ClientID,
		Scopes:    i.Scopes,
		Token:     token,
		TokenType: i.TokenType,
		Metadata:  i.Metadata,
	})
}

// HasScope reports whether the identity's token carries the scope.
func (i *Identity) HasScope(scope string) bool {
	if i == nil {
		return false
	}
	for _, s := range i.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}
