// Package auth provides authentication and authorization utilities.
package auth

import (
	"net/http"
)

// AnonymousMiddleware creates an HTTP middleware that installs an anonymous
// identity. This is what the skipAuthentication override mounts instead of
// the real authentication middleware, so downstream code that reads the
// request context keeps working without actual authentication.
//
// This is heavily discouraged in production settings but is handy for
// testing and local development environments.
func AnonymousMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := &Identity{
			Subject:   "anonymous",
			Name:      "Anonymous User",
			Email:     "anonymous@localhost",
			Scopes:    []string{"read", "write"},
			TokenType: bearerTokenType,
		}

		rc := NewRequestContext("http")
		rc.AuthenticatedUserID = identity.Subject
		rc.Scopes = identity.Scopes

		ctx := WithRequestContext(WithIdentity(r.Context(), identity), rc)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
