// Package auth provides authentication and authorization utilities.
package auth

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// IdentityContextKey is the key used to store Identity in the request context.
//
// Using an empty struct as the key prevents collisions with other context keys,
// as each empty struct type is distinct even if they have the same name in different packages.
type IdentityContextKey struct{}

// requestContextKey is the key used to store the RequestContext.
type requestContextKey struct{}

// WithIdentity stores an Identity in the context.
// If identity is nil, the original context is returned unchanged.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	if identity == nil {
		return ctx
	}
	return context.WithValue(ctx, IdentityContextKey{}, identity)
}

// IdentityFromContext retrieves an Identity from the context.
// Returns the identity and true if present, nil and false otherwise.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(IdentityContextKey{}).(*Identity)
	return identity, ok
}

// RequestContext carries the authenticated identity of one MCP request to
// the handler stack without parameter threading. It lives in the request's
// context.Context, so concurrent requests can never observe each other's
// identity and nested scopes restore naturally when the inner context is
// discarded.
type RequestContext struct {
	// RequestID uniquely identifies this request.
	RequestID string

	// SessionID is the MCP session this request belongs to, if any.
	SessionID string

	// TransportType names the transport the request arrived on.
	TransportType string

	// AuthenticatedUserID is the user the presented token was issued to.
	AuthenticatedUserID string

	// ClientID is the OAuth client that presented the token.
	ClientID string

	// Scopes are the token's granted scopes.
	Scopes []string

	// StartTime is when the request entered the handler stack.
	StartTime time.Time

	mu       sync.RWMutex
	metadata map[string]string
}

// NewRequestContext creates a context for one request, stamping the request
// ID and start time.
func NewRequestContext(transportType string) *RequestContext {
	return &RequestContext{
		RequestID:     uuid.NewString(),
		TransportType: transportType,
		StartTime:     time.Now(),
	}
}

// WithRequestContext enters a request scope. The previous scope (if any)
// is shadowed and restored when the returned context is discarded.
func WithRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	if rc == nil {
		return ctx
	}
	return context.WithValue(ctx, requestContextKey{}, rc)
}

// FromContext returns the current request scope. Outside a scope, ok is
// false.
func FromContext(ctx context.Context) (*RequestContext, bool) {
	rc, ok := ctx.Value(requestContextKey{}).(*RequestContext)
	return rc, ok
}

// ExecuteWithAuthContext runs fn inside the request scope. Scopes nest:
// fn's context carries rc, and leaving fn restores whatever the caller's
// context carried.
func ExecuteWithAuthContext(ctx context.Context, rc *RequestContext, fn func(ctx context.Context) error) error {
	return fn(WithRequestContext(ctx, rc))
}

// HasScope reports whether the request's token carries the scope.
func (rc *RequestContext) HasScope(scope string) bool {
	if rc == nil {
		return false
	}
	for _, s := range rc.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// HasAllScopes reports whether the request's token carries every scope.
func (rc *RequestContext) HasAllScopes(scopes ...string) bool {
	for _, scope := range scopes {
		if !rc.HasScope(scope) {
			return false
		}
	}
	return true
}

// Duration returns how long the request has been running.
func (rc *RequestContext) Duration() time.Duration {
	return time.Since(rc.StartTime)
}

// UpdateMetadata sets one metadata entry on the request scope.
func (rc *RequestContext) UpdateMetadata(key, value string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.metadata == nil {
		rc.metadata = make(map[string]string)
	}
	rc.metadata[key] = value
}

// Metadata returns a copy of the request metadata.
func (rc *RequestContext) Metadata() map[string]string {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	out := make(map[string]string, len(rc.metadata))
	for k, v := range rc.metadata {
		out[k] = v
	}
	return out
}
