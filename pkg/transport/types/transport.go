// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package types defines the shared transport contracts: transport type
// identifiers, the transport lifecycle interface, and the MCP engine
// surface the transports invoke.
package types

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/stacklok/mcp-gateway/pkg/transport/errors"
)

// TransportType identifies a transport implementation.
type TransportType string

// Supported transport types.
const (
	// TransportTypeStdio is line-delimited JSON-RPC over stdin/stdout.
	TransportTypeStdio TransportType = "stdio"

	// TransportTypeSSE is the legacy HTTP+SSE transport identifier.
	TransportTypeSSE TransportType = "sse"

	// TransportTypeStreamableHTTP is MCP over streamable HTTP.
	TransportTypeStreamableHTTP TransportType = "streamable-http"
)

// String returns the string representation of the transport type.
func (t TransportType) String() string {
	return string(t)
}

// ParseTransportType parses a transport type string. Accepts the canonical
// lowercase names and their all-uppercase forms.
func ParseTransportType(s string) (TransportType, error) {
	switch s {
	case "stdio", "STDIO":
		return TransportTypeStdio, nil
	case "sse", "SSE":
		return TransportTypeSSE, nil
	case "streamable-http", "STREAMABLE-HTTP":
		return TransportTypeStreamableHTTP, nil
	default:
		return "", errors.ErrUnsupportedTransport
	}
}

// MCPEngine is the request-handling surface of the MCP server the
// transports feed messages into.
type MCPEngine interface {
	// HandleMessage processes one JSON-RPC message and returns the
	// response message, or nil for notifications.
	HandleMessage(ctx context.Context, message json.RawMessage) mcp.JSONRPCMessage
}

// MiddlewareFunction wraps an HTTP handler.
type MiddlewareFunction = func(http.Handler) http.Handler

// Config carries the transport-level settings shared by all transports.
type Config struct {
	// Type selects the transport.
	Type TransportType

	// Host and Port bind the HTTP transport.
	Host string
	Port int

	// AllowedHosts restricts the Host header when DNS-rebinding
	// protection is on.
	AllowedHosts []string

	// DNSRebindingProtection enables Host-header validation.
	DNSRebindingProtection bool

	// SkipAuthentication bypasses all authentication. Development only.
	SkipAuthentication bool

	// RequestTimeout bounds each MCP request. Zero means 30 seconds.
	RequestTimeout time.Duration
}

// DefaultRequestTimeout is applied when the config leaves it zero.
const DefaultRequestTimeout = 30 * time.Second

// Metrics is a point-in-time snapshot of one transport's counters.
type Metrics struct {
	ActiveSessions int    `json:"active_sessions"`
	RequestsServed uint64 `json:"requests_served"`
	EventsStored   uint64 `json:"events_stored"`
}

// Transport is the lifecycle contract the transport manager drives.
type Transport interface {
	// Mode returns the transport type.
	Mode() TransportType

	// Initialize binds the transport to the MCP engine.
	Initialize(ctx context.Context, engine MCPEngine) error

	// Start begins serving. Blocks until the context is cancelled or the
	// transport fails.
	Start(ctx context.Context) error

	// Cleanup releases resources and marks live sessions inactive.
	Cleanup(ctx context.Context) error

	// IsHealthy reports whether the transport is serving.
	IsHealthy() bool

	// Metrics returns a snapshot of the transport's counters.
	Metrics() Metrics
}
