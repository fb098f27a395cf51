// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/mcp-gateway/pkg/workflows"
)

// WorkflowsRouter sets up the workflow listing routes.
func WorkflowsRouter(registry *workflows.Registry) http.Handler {
	routes := &workflowRoutes{registry: registry}
	r := chi.NewRouter()
	r.Get("/", routes.listWorkflows)
	r.Get("/{name}", routes.getWorkflow)
	return r
}

type workflowRoutes struct {
	registry *workflows.Registry
}

func (wr *workflowRoutes) listWorkflows(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"workflows": wr.registry.List()})
}

func (wr *workflowRoutes) getWorkflow(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	workflow, ok := wr.registry.Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown workflow: "+name)
		return
	}

	// Pull the stats from the listing so the two views agree.
	for _, info := range wr.registry.List() {
		if info.Name == workflow.Name {
			writeJSON(w, http.StatusOK, info)
			return
		}
	}
	writeJSON(w, http.StatusOK, workflows.Info{Name: workflow.Name, Description: workflow.Description})
}
