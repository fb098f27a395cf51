// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/mcp-gateway/pkg/telemetry"
	"github.com/stacklok/mcp-gateway/pkg/transport/types"
	"github.com/stacklok/mcp-gateway/pkg/workflows"
)

type fakeHealth struct{ healthy bool }

func (f *fakeHealth) IsHealthy() bool { return f.healthy }

type fakeTransports struct{}

func (*fakeTransports) Metrics() map[string]types.Metrics {
	return map[string]types.Metrics{
		"streamable-http": {ActiveSessions: 2, RequestsServed: 10, EventsStored: 20},
	}
}

func newAPIForTest(t *testing.T, healthy bool, readyErr error) *httptest.Server {
	t.Helper()
	registry := workflows.NewRegistry()
	require.NoError(t, registry.Register(&workflows.Workflow{
		Name:        "sync-data",
		Description: "synchronizes data with the provider",
		Handler: func(context.Context, map[string]any) (any, error) {
			return "done", nil
		},
	}))

	server := httptest.NewServer(Router(Deps{
		Health:     &fakeHealth{healthy: healthy},
		Ready:      func() error { return readyErr },
		Transports: &fakeTransports{},
		Metrics:    telemetry.NewMetrics(),
		Workflows:  registry,
		Version:    "1.2.3",
	}))
	t.Cleanup(server.Close)
	return server
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestStatusEndpoint(t *testing.T) {
	t.Parallel()

	server := newAPIForTest(t, true, nil)

	var status struct {
		Status  string `json:"status"`
		Version string `json:"version"`
		Healthy bool   `json:"healthy"`
	}
	code := getJSON(t, server.URL+"/status", &status)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", status.Status)
	assert.Equal(t, "1.2.3", status.Version)
	assert.True(t, status.Healthy)
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()

	healthy := newAPIForTest(t, true, nil)
	assert.Equal(t, http.StatusNoContent, getJSON(t, healthy.URL+"/status/health", nil))
	assert.Equal(t, http.StatusNoContent, getJSON(t, healthy.URL+"/status/ready", nil))
	assert.Equal(t, http.StatusNoContent, getJSON(t, healthy.URL+"/status/live", nil))

	unhealthy := newAPIForTest(t, false, fmt.Errorf("storage down"))
	assert.Equal(t, http.StatusServiceUnavailable, getJSON(t, unhealthy.URL+"/status/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, getJSON(t, unhealthy.URL+"/status/ready", nil))
	// Liveness stays up as long as the process answers.
	assert.Equal(t, http.StatusNoContent, getJSON(t, unhealthy.URL+"/status/live", nil))
}

func TestMetricsSummary(t *testing.T) {
	t.Parallel()

	server := newAPIForTest(t, true, nil)

	var summary map[string]any
	code := getJSON(t, server.URL+"/metrics", &summary)
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, summary, "transports")
	assert.Contains(t, summary, "auth")
	assert.Contains(t, summary, "workflow_invocations")
}

func TestMetricsAuth(t *testing.T) {
	t.Parallel()

	server := newAPIForTest(t, true, nil)

	var body struct {
		Outcomes map[string]float64 `json:"outcomes"`
	}
	code := getJSON(t, server.URL+"/metrics/auth", &body)
	assert.Equal(t, http.StatusOK, code)
	assert.NotNil(t, body.Outcomes)
}

func TestMetricsPerformance(t *testing.T) {
	t.Parallel()

	server := newAPIForTest(t, true, nil)

	var perf struct {
		PID int32 `json:"pid"`
	}
	code := getJSON(t, server.URL+"/metrics/performance", &perf)
	assert.Equal(t, http.StatusOK, code)
	assert.NotZero(t, perf.PID)
}

func TestWorkflowEndpoints(t *testing.T) {
	t.Parallel()

	server := newAPIForTest(t, true, nil)

	var listing struct {
		Workflows []workflows.Info `json:"workflows"`
	}
	code := getJSON(t, server.URL+"/workflows", &listing)
	assert.Equal(t, http.StatusOK, code)
	require.Len(t, listing.Workflows, 1)
	assert.Equal(t, "sync-data", listing.Workflows[0].Name)

	var single workflows.Info
	code = getJSON(t, server.URL+"/workflows/sync-data", &single)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "sync-data", single.Name)

	assert.Equal(t, http.StatusNotFound, getJSON(t, server.URL+"/workflows/missing", nil))
}

func TestPrometheusExposition(t *testing.T) {
	t.Parallel()

	server := newAPIForTest(t, true, nil)
	resp, err := http.Get(server.URL + "/metrics/prometheus")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMethodNotAllowed(t *testing.T) {
	t.Parallel()

	server := newAPIForTest(t, true, nil)
	resp, err := http.Post(server.URL+"/status", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
