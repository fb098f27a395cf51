// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package api assembles the monitoring REST API of the gateway.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	v1 "github.com/stacklok/mcp-gateway/pkg/api/v1"
	"github.com/stacklok/mcp-gateway/pkg/telemetry"
	"github.com/stacklok/mcp-gateway/pkg/workflows"
)

// Deps are the injected collaborators of the monitoring API.
type Deps struct {
	// Health reports the transport manager's health.
	Health v1.HealthReporter

	// Ready verifies storage reachability for the readiness probe.
	Ready v1.ReadinessChecker

	// Transports supplies per-transport metric snapshots.
	Transports v1.TransportMetrics

	// Metrics holds the Prometheus collectors.
	Metrics *telemetry.Metrics

	// Workflows is the workflow registry.
	Workflows *workflows.Registry

	// Version is reported by the status endpoint.
	Version string
}

// Router assembles the /api/v1 monitoring surface. No route requires
// authentication. Routes are GET-only JSON, except that the health probes
// answer with an empty body and /metrics/prometheus serves the Prometheus
// text format to any method.
func Router(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Mount("/status", v1.StatusRouter(deps.Health, deps.Ready, deps.Version))
	r.Mount("/metrics", v1.MetricsRouter(deps.Metrics, deps.Transports, deps.Workflows))
	if deps.Workflows != nil {
		r.Mount("/workflows", v1.WorkflowsRouter(deps.Workflows))
	}
	return r
}
