// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/stacklok/mcp-gateway/pkg/telemetry"
	"github.com/stacklok/mcp-gateway/pkg/transport/types"
	"github.com/stacklok/mcp-gateway/pkg/workflows"
)

// TransportMetrics is the transport-manager surface the metrics routes read.
type TransportMetrics interface {
	Metrics() map[string]types.Metrics
}

// MetricsRouter sets up the metrics routes.
func MetricsRouter(metrics *telemetry.Metrics, transports TransportMetrics, registry *workflows.Registry) http.Handler {
	routes := &metricsRoutes{
		metrics:    metrics,
		transports: transports,
		registry:   registry,
	}
	r := chi.NewRouter()
	r.Get("/", routes.getSummary)
	r.Get("/auth", routes.getAuth)
	r.Get("/workflows", routes.getWorkflows)
	r.Get("/performance", routes.getPerformance)
	if metrics != nil {
		r.Handle("/prometheus", metrics.Handler())
	}
	return r
}

type metricsRoutes struct {
	metrics    *telemetry.Metrics
	transports TransportMetrics
	registry   *workflows.Registry
}

func (m *metricsRoutes) getSummary(w http.ResponseWriter, _ *http.Request) {
	summary := map[string]any{}
	if m.transports != nil {
		summary["transports"] = m.transports.Metrics()
	}
	if m.registry != nil {
		summary["workflow_invocations"] = m.registry.TotalInvocations()
	}
	summary["auth"] = m.authCounts()
	writeJSON(w, http.StatusOK, summary)
}

// authCounts extracts the auth outcome counters from the Prometheus
// registry so the JSON endpoints and the exposition format cannot drift.
func (m *metricsRoutes) authCounts() map[string]float64 {
	counts := map[string]float64{}
	if m.metrics == nil {
		return counts
	}
	families, err := m.metrics.Gather().Gather()
	if err != nil {
		return counts
	}
	for _, family := range families {
		if !strings.HasSuffix(family.GetName(), "auth_outcomes_total") {
			continue
		}
		for _, metric := range family.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "outcome" {
					counts[label.GetValue()] = metric.GetCounter().GetValue()
				}
			}
		}
	}
	return counts
}

func (m *metricsRoutes) getAuth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"outcomes": m.authCounts()})
}

func (m *metricsRoutes) getWorkflows(w http.ResponseWriter, _ *http.Request) {
	if m.registry == nil {
		writeJSON(w, http.StatusOK, map[string]any{"workflows": []any{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": m.registry.List()})
}

type performanceResponse struct {
	PID           int32   `json:"pid"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryRSS     uint64  `json:"memory_rss_bytes"`
	NumThreads    int32   `json:"num_threads"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

func (*metricsRoutes) getPerformance(w http.ResponseWriter, r *http.Request) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read process stats")
		return
	}

	resp := performanceResponse{PID: proc.Pid}
	if cpu, err := proc.CPUPercentWithContext(r.Context()); err == nil {
		resp.CPUPercent = cpu
	}
	if mem, err := proc.MemoryInfoWithContext(r.Context()); err == nil && mem != nil {
		resp.MemoryRSS = mem.RSS
	}
	if threads, err := proc.NumThreadsWithContext(r.Context()); err == nil {
		resp.NumThreads = threads
	}
	if created, err := proc.CreateTimeWithContext(r.Context()); err == nil {
		resp.UptimeSeconds = time.Since(time.UnixMilli(created)).Seconds()
	}

	writeJSON(w, http.StatusOK, resp)
}
