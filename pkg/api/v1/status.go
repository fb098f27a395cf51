// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package v1 contains the monitoring API routes.
package v1

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/mcp-gateway/pkg/logger"
)

// HealthReporter is the transport-manager surface the status routes read.
type HealthReporter interface {
	IsHealthy() bool
}

// ReadinessChecker verifies the storage dependency is reachable.
type ReadinessChecker func() error

// errorBody is the JSON error shape of the non-OAuth endpoints.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Status  int    `json:"status"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Debugw("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Message: message, Status: status}})
}

// StatusRouter sets up the status routes.
func StatusRouter(health HealthReporter, ready ReadinessChecker, version string) http.Handler {
	routes := &statusRoutes{
		health:    health,
		ready:     ready,
		version:   version,
		startedAt: time.Now(),
	}
	r := chi.NewRouter()
	r.Get("/", routes.getStatus)
	r.Get("/health", routes.getHealth)
	r.Get("/ready", routes.getReady)
	r.Get("/live", routes.getLive)
	return r
}

type statusRoutes struct {
	health    HealthReporter
	ready     ReadinessChecker
	version   string
	startedAt time.Time
}

type statusResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
	Healthy bool   `json:"healthy"`
}

func (s *statusRoutes) getStatus(w http.ResponseWriter, _ *http.Request) {
	healthy := s.health == nil || s.health.IsHealthy()
	status := "ok"
	if !healthy {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Status:  status,
		Version: s.version,
		Uptime:  time.Since(s.startedAt).Round(time.Second).String(),
		Healthy: healthy,
	})
}

func (s *statusRoutes) getHealth(w http.ResponseWriter, _ *http.Request) {
	if s.health != nil && !s.health.IsHealthy() {
		writeError(w, http.StatusServiceUnavailable, "transport is not healthy")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *statusRoutes) getReady(w http.ResponseWriter, _ *http.Request) {
	if s.ready != nil {
		if err := s.ready(); err != nil {
			writeError(w, http.StatusServiceUnavailable, "not ready: "+err.Error())
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (*statusRoutes) getLive(w http.ResponseWriter, _ *http.Request) {
	// Liveness is answered by the process being able to answer at all.
	w.WriteHeader(http.StatusNoContent)
}
