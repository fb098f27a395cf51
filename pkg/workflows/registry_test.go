// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package workflows

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoWorkflow(name string) *Workflow {
	return &Workflow{
		Name:        name,
		Description: "echoes its arguments",
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			return args, nil
		},
	}
}

func TestRegisterAndGet(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	require.NoError(t, registry.Register(echoWorkflow("echo")))

	w, ok := registry.Get("echo")
	require.True(t, ok)
	assert.Equal(t, "echo", w.Name)

	_, ok = registry.Get("missing")
	assert.False(t, ok)
}

func TestRegisterValidation(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()

	assert.Error(t, registry.Register(nil))
	assert.Error(t, registry.Register(&Workflow{Name: ""}))
	assert.Error(t, registry.Register(&Workflow{Name: "no-handler"}))

	require.NoError(t, registry.Register(echoWorkflow("dup")))
	err := registry.Register(echoWorkflow("dup"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestListSorted(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	require.NoError(t, registry.Register(echoWorkflow("zeta")))
	require.NoError(t, registry.Register(echoWorkflow("alpha")))

	infos := registry.List()
	require.Len(t, infos, 2)
	assert.Equal(t, "alpha", infos[0].Name)
	assert.Equal(t, "zeta", infos[1].Name)
}

func TestInvokeRecordsStats(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	require.NoError(t, registry.Register(echoWorkflow("echo")))

	result, err := registry.Invoke(context.Background(), "echo", map[string]any{"k": "v"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"k": "v"}, result)

	infos := registry.List()
	require.Len(t, infos, 1)
	assert.Equal(t, uint64(1), infos[0].Invocations)
	assert.False(t, infos[0].LastInvokedAt.IsZero())
	assert.Equal(t, uint64(1), registry.TotalInvocations())
}

func TestInvokeUnknown(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	_, err := registry.Invoke(context.Background(), "missing", nil)
	assert.Error(t, err)
}

func TestInvokeErrorStillCounted(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	require.NoError(t, registry.Register(&Workflow{
		Name: "failing",
		Handler: func(context.Context, map[string]any) (any, error) {
			return nil, assert.AnError
		},
	}))

	_, err := registry.Invoke(context.Background(), "failing", nil)
	assert.Error(t, err)
	assert.Equal(t, uint64(1), registry.TotalInvocations())
}
