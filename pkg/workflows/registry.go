// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package workflows is the injected name registry the MCP engine and the
// monitoring API serve from. It is constructed at startup and passed to its
// consumers; there is deliberately no process-global registry.
package workflows

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Handler executes one workflow invocation.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Workflow is one registered workflow.
type Workflow struct {
	// Name uniquely identifies the workflow.
	Name string

	// Description is shown in listings.
	Description string

	// Handler runs the workflow.
	Handler Handler
}

// Info is the listing view of a workflow, including invocation stats.
type Info struct {
	Name          string    `json:"name"`
	Description   string    `json:"description"`
	Invocations   uint64    `json:"invocations"`
	LastInvokedAt time.Time `json:"last_invoked_at,omitzero"`
}

// Registry holds the registered workflows.
type Registry struct {
	mu        sync.RWMutex
	workflows map[string]*Workflow
	stats     map[string]*stats
}

type stats struct {
	invocations   uint64
	lastInvokedAt time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		workflows: make(map[string]*Workflow),
		stats:     make(map[string]*stats),
	}
}

// Register adds a workflow. Duplicate names are rejected.
func (r *Registry) Register(w *Workflow) error {
	if w == nil || w.Name == "" {
		return fmt.Errorf("workflow name is required")
	}
	if w.Handler == nil {
		return fmt.Errorf("workflow %q has no handler", w.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.workflows[w.Name]; exists {
		return fmt.Errorf("workflow %q is already registered", w.Name)
	}
	r.workflows[w.Name] = w
	r.stats[w.Name] = &stats{}
	return nil
}

// Get returns the workflow, or false.
func (r *Registry) Get(name string) (*Workflow, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workflows[name]
	return w, ok
}

// List returns all workflows sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.workflows))
	for name, w := range r.workflows {
		s := r.stats[name]
		infos = append(infos, Info{
			Name:          name,
			Description:   w.Description,
			Invocations:   s.invocations,
			LastInvokedAt: s.lastInvokedAt,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Invoke runs the named workflow and records the invocation.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) (any, error) {
	r.mu.RLock()
	w, ok := r.workflows[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown workflow %q", name)
	}

	result, err := w.Handler(ctx, args)

	r.mu.Lock()
	if s, ok := r.stats[name]; ok {
		s.invocations++
		s.lastInvokedAt = time.Now()
	}
	r.mu.Unlock()

	return result, err
}

// TotalInvocations sums invocation counts across all workflows.
func (r *Registry) TotalInvocations() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var total uint64
	for _, s := range r.stats {
		total += s.invocations
	}
	return total
}
