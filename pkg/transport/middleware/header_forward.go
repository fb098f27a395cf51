// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package middleware provides transport-level HTTP middleware.
package middleware

import (
	"net/http"

	"github.com/stacklok/mcp-gateway/pkg/transport/types"
)

// CreateHeaderForwardMiddleware returns middleware that sets the configured
// headers on every forwarded request. Existing header values are
// overwritten. A nil or empty configuration yields a no-op.
func CreateHeaderForwardMiddleware(headers map[string]string) types.MiddlewareFunction {
	if len(headers) == 0 {
		return func(next http.Handler) http.Handler { return next }
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for name, value := range headers {
				r.Header.Set(name, value)
			}
			next.ServeHTTP(w, r)
		})
	}
}
