// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// executeMiddleware is a test helper that creates a request, applies the middleware, and returns the captured request.
func executeMiddleware(t *testing.T, mw func(http.Handler) http.Handler, existingHeaders map[string]string) *http.Request {
	t.Helper()
	var captured *http.Request
	handler := mw(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		captured = r
	}))
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	for k, v := range existingHeaders {
		req.Header.Set(k, v)
	}
	handler.ServeHTTP(httptest.NewRecorder(), req)
	return captured
}

func TestCreateHeaderForwardMiddleware(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name            string
		configHeaders   map[string]string
		existingHeaders map[string]string
		expected        map[string]string
	}{
		{
			name:          "nil config returns no-op",
			configHeaders: nil,
			expected:      map[string]string{},
		},
		{
			name:          "empty config returns no-op",
			configHeaders: map[string]string{},
			expected:      map[string]string{},
		},
		{
			name:          "single header",
			configHeaders: map[string]string{"X-Custom": "value"},
			expected:      map[string]string{"X-Custom": "value"},
		},
		{
			name: "multiple headers",
			configHeaders: map[string]string{
				"X-Custom-One": "one",
				"X-Custom-Two": "two",
			},
			expected: map[string]string{
				"X-Custom-One": "one",
				"X-Custom-Two": "two",
			},
		},
		{
			name:            "existing header is overwritten",
			configHeaders:   map[string]string{"X-Custom": "configured"},
			existingHeaders: map[string]string{"X-Custom": "original"},
			expected:        map[string]string{"X-Custom": "configured"},
		},
		{
			name:            "unrelated headers survive",
			configHeaders:   map[string]string{"X-Custom": "value"},
			existingHeaders: map[string]string{"X-Other": "kept"},
			expected: map[string]string{
				"X-Custom": "value",
				"X-Other":  "kept",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			mw := CreateHeaderForwardMiddleware(tt.configHeaders)
			captured := executeMiddleware(t, mw, tt.existingHeaders)
			require.NotNil(t, captured)
			for name, want := range tt.expected {
				assert.Equal(t, want, captured.Header.Get(name))
			}
		})
	}
}
