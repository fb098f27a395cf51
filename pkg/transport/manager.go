// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/stacklok/mcp-gateway/pkg/logger"
	transporterrors "github.com/stacklok/mcp-gateway/pkg/transport/errors"
	"github.com/stacklok/mcp-gateway/pkg/transport/types"
)

// Builder constructs a transport for a type. Injected so the manager stays
// independent of the concrete transports' dependencies.
type Builder func(transportType types.TransportType) (types.Transport, error)

// Manager selects the transport at construction, owns its lifecycle, and
// enforces the MCP-spec compliance rules around OAuth and transport pairing.
type Manager struct {
	mu sync.Mutex

	config types.Config
	build  Builder
	engine types.MCPEngine
	active types.Transport

	// switched tracks the single allowed runtime transport switch.
	switched bool
}

// NewManager validates the configuration and builds the initial transport.
//
// Compliance rules (logged, not fatal, except the last):
//   - HTTP without OAuth: the MCP spec says HTTP transports SHOULD be protected.
//   - STDIO with OAuth: the MCP spec says STDIO SHOULD NOT use OAuth.
//   - OAuth enabled without a provider: fatal configuration error.
func NewManager(cfg types.Config, oauthEnabled, providerAvailable bool, build Builder) (*Manager, error) {
	switch cfg.Type {
	case types.TransportTypeStreamableHTTP, types.TransportTypeSSE:
		if !oauthEnabled {
			logger.Warn("HTTP transport configured without OAuth; the MCP spec says HTTP SHOULD be protected")
		}
	case types.TransportTypeStdio:
		if oauthEnabled {
			logger.Warn("STDIO transport configured with OAuth; the MCP spec says STDIO SHOULD NOT use OAuth")
		}
	default:
		return nil, transporterrors.ErrUnsupportedTransport
	}

	if oauthEnabled && !providerAvailable {
		return nil, transporterrors.ErrProviderRequired
	}

	active, err := build(cfg.Type)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s transport: %w", cfg.Type, err)
	}

	return &Manager{
		config: cfg,
		build:  build,
		active: active,
	}, nil
}

// Initialize binds the MCP engine to the active transport.
func (m *Manager) Initialize(ctx context.Context, engine types.MCPEngine) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.engine = engine
	return m.active.Initialize(ctx, engine)
}

// Start runs the active transport until the context is cancelled.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	active := m.active
	m.mu.Unlock()
	return active.Start(ctx)
}

// Cleanup shuts the active transport down.
func (m *Manager) Cleanup(ctx context.Context) error {
	m.mu.Lock()
	active := m.active
	m.mu.Unlock()
	return active.Cleanup(ctx)
}

// Active returns the current transport.
func (m *Manager) Active() types.Transport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// SwitchTransport replaces the active transport with a freshly built and
// initialized one. At most one switch is supported per process; the second
// attempt fails.
func (m *Manager) SwitchTransport(ctx context.Context, transportType types.TransportType) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.switched {
		return fmt.Errorf("transport already switched once; only one runtime switch is supported")
	}
	if m.active.Mode() == transportType {
		return fmt.Errorf("transport is already %s", transportType)
	}

	replacement, err := m.build(transportType)
	if err != nil {
		return fmt.Errorf("failed to build %s transport: %w", transportType, err)
	}
	if m.engine != nil {
		if err := replacement.Initialize(ctx, m.engine); err != nil {
			return fmt.Errorf("failed to initialize %s transport: %w", transportType, err)
		}
	}

	old := m.active
	if err := old.Cleanup(ctx); err != nil {
		logger.Warnw("cleanup of previous transport failed", "transport", old.Mode(), "error", err)
	}

	m.active = replacement
	m.switched = true
	logger.Infow("switched transport", "from", old.Mode(), "to", transportType)
	return nil
}

// IsHealthy reports the active transport's health.
func (m *Manager) IsHealthy() bool {
	return m.Active().IsHealthy()
}

// Metrics aggregates the active transport's metrics keyed by type.
func (m *Manager) Metrics() map[string]types.Metrics {
	active := m.Active()
	return map[string]types.Metrics{
		string(active.Mode()): active.Metrics(),
	}
}
