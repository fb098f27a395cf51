// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	transporterrors "github.com/stacklok/mcp-gateway/pkg/transport/errors"
	"github.com/stacklok/mcp-gateway/pkg/transport/types"
)

// fakeTransport is a hand-rolled types.Transport double.
type fakeTransport struct {
	mode        types.TransportType
	initialized bool
	started     bool
	cleaned     bool
	healthy     bool
}

func (f *fakeTransport) Mode() types.TransportType { return f.mode }

func (f *fakeTransport) Initialize(_ context.Context, _ types.MCPEngine) error {
	f.initialized = true
	return nil
}

func (f *fakeTransport) Start(_ context.Context) error {
	f.started = true
	return nil
}

func (f *fakeTransport) Cleanup(_ context.Context) error {
	f.cleaned = true
	return nil
}

func (f *fakeTransport) IsHealthy() bool { return f.healthy }

func (f *fakeTransport) Metrics() types.Metrics {
	return types.Metrics{RequestsServed: 7}
}

type nopEngine struct{}

func (*nopEngine) HandleMessage(context.Context, json.RawMessage) mcp.JSONRPCMessage {
	return nil
}

func fakeBuilder(built *[]*fakeTransport) Builder {
	return func(transportType types.TransportType) (types.Transport, error) {
		tr := &fakeTransport{mode: transportType, healthy: true}
		*built = append(*built, tr)
		return tr, nil
	}
}

func TestNewManagerBuildsConfiguredTransport(t *testing.T) {
	t.Parallel()

	var built []*fakeTransport
	m, err := NewManager(types.Config{Type: types.TransportTypeStreamableHTTP}, true, true, fakeBuilder(&built))
	require.NoError(t, err)
	require.Len(t, built, 1)
	assert.Equal(t, types.TransportTypeStreamableHTTP, m.Active().Mode())
}

func TestNewManagerUnsupportedType(t *testing.T) {
	t.Parallel()

	var built []*fakeTransport
	_, err := NewManager(types.Config{Type: "carrier-pigeon"}, false, false, fakeBuilder(&built))
	assert.ErrorIs(t, err, transporterrors.ErrUnsupportedTransport)
}

func TestNewManagerOAuthWithoutProviderIsFatal(t *testing.T) {
	t.Parallel()

	var built []*fakeTransport
	_, err := NewManager(types.Config{Type: types.TransportTypeStreamableHTTP}, true, false, fakeBuilder(&built))
	assert.ErrorIs(t, err, transporterrors.ErrProviderRequired)
}

func TestNewManagerComplianceWarningsAreNotFatal(t *testing.T) {
	t.Parallel()

	var built []*fakeTransport

	// HTTP without OAuth: warn, not fail.
	_, err := NewManager(types.Config{Type: types.TransportTypeStreamableHTTP}, false, false, fakeBuilder(&built))
	assert.NoError(t, err)

	// STDIO with OAuth: warn, not fail.
	_, err = NewManager(types.Config{Type: types.TransportTypeStdio}, true, true, fakeBuilder(&built))
	assert.NoError(t, err)
}

func TestManagerLifecycle(t *testing.T) {
	t.Parallel()

	var built []*fakeTransport
	m, err := NewManager(types.Config{Type: types.TransportTypeStdio}, false, false, fakeBuilder(&built))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, m.Initialize(ctx, &nopEngine{}))
	require.NoError(t, m.Start(ctx))
	require.NoError(t, m.Cleanup(ctx))

	tr := built[0]
	assert.True(t, tr.initialized)
	assert.True(t, tr.started)
	assert.True(t, tr.cleaned)
}

func TestSwitchTransport(t *testing.T) {
	t.Parallel()

	var built []*fakeTransport
	m, err := NewManager(types.Config{Type: types.TransportTypeStdio}, false, false, fakeBuilder(&built))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, m.Initialize(ctx, &nopEngine{}))

	require.NoError(t, m.SwitchTransport(ctx, types.TransportTypeStreamableHTTP))
	assert.Equal(t, types.TransportTypeStreamableHTTP, m.Active().Mode())

	// The old transport was cleaned up, the new one initialized.
	require.Len(t, built, 2)
	assert.True(t, built[0].cleaned)
	assert.True(t, built[1].initialized)

	// Only one switch is allowed.
	err = m.SwitchTransport(ctx, types.TransportTypeStdio)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already switched")
}

func TestSwitchTransportSameTypeRejected(t *testing.T) {
	t.Parallel()

	var built []*fakeTransport
	m, err := NewManager(types.Config{Type: types.TransportTypeStdio}, false, false, fakeBuilder(&built))
	require.NoError(t, err)

	err = m.SwitchTransport(context.Background(), types.TransportTypeStdio)
	assert.Error(t, err)
}

func TestManagerHealthAndMetrics(t *testing.T) {
	t.Parallel()

	var built []*fakeTransport
	m, err := NewManager(types.Config{Type: types.TransportTypeStdio}, false, false, fakeBuilder(&built))
	require.NoError(t, err)

	assert.True(t, m.IsHealthy())

	metrics := m.Metrics()
	require.Contains(t, metrics, "stdio")
	assert.Equal(t, uint64(7), metrics["stdio"].RequestsServed)
}
