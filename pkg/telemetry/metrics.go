// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package telemetry owns the Prometheus metrics of the gateway. The Metrics
// value is constructed at startup and injected; nothing registers into a
// global registry.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stacklok/mcp-gateway/pkg/transport/types"
)

// Metrics holds the gateway's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	// AuthOutcomes counts authentication results by outcome label, derived
	// from the response status: success (below 400), unauthorized (401),
	// third_party_reauth_required (403), or error_<status> otherwise.
	AuthOutcomes *prometheus.CounterVec

	// TokenRefreshes counts transparent upstream token refreshes.
	TokenRefreshes prometheus.Counter

	// RequestDuration observes MCP request latency.
	RequestDuration prometheus.Histogram

	// WorkflowInvocations counts workflow executions by name.
	WorkflowInvocations *prometheus.CounterVec
}

// NewMetrics creates and registers the collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		AuthOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcpgw",
			Name:      "auth_outcomes_total",
			Help:      "Authentication outcomes by result.",
		}, []string{"outcome"}),
		TokenRefreshes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mcpgw",
			Name:      "third_party_token_refreshes_total",
			Help:      "Transparent upstream token refreshes performed during authorization.",
		}),
		RequestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "mcpgw",
			Name:      "mcp_request_duration_seconds",
			Help:      "MCP request latency.",
			Buckets:   prometheus.DefBuckets,
		}),
		WorkflowInvocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcpgw",
			Name:      "workflow_invocations_total",
			Help:      "Workflow executions by name.",
		}, []string{"workflow"}),
	}
	registry.MustRegister(m.AuthOutcomes, m.TokenRefreshes, m.RequestDuration, m.WorkflowInvocations)
	return m
}

// Handler serves the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gather exposes the registry for JSON metric summaries.
func (m *Metrics) Gather() prometheus.Gatherer {
	return m.registry
}

// statusRecorder captures the response status written downstream.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// HTTPMetricsMiddleware observes request latency and authentication
// outcomes from the response status. Mounted around the authenticated MCP
// surface.
func (m *Metrics) HTTPMetricsMiddleware() types.MiddlewareFunction {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(recorder, r)

			m.RequestDuration.Observe(time.Since(start).Seconds())
			switch recorder.status {
			case http.StatusUnauthorized:
				m.AuthOutcomes.WithLabelValues("unauthorized").Inc()
			case http.StatusForbidden:
				m.AuthOutcomes.WithLabelValues("third_party_reauth_required").Inc()
			default:
				if recorder.status < 400 {
					m.AuthOutcomes.WithLabelValues("success").Inc()
				} else {
					m.AuthOutcomes.WithLabelValues("error_" + strconv.Itoa(recorder.status)).Inc()
				}
			}
		})
	}
}
