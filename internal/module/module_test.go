package module

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaypoint/erpsync/internal/job"
)

type stubHandler struct {
	name string
}

func (h *stubHandler) Name() string { return h.name }

func (h *stubHandler) Push(ctx context.Context, req Request) job.Outcome {
	return job.Success()
}

func (h *stubHandler) Pull(ctx context.Context, req Request) job.Outcome {
	return job.Success()
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&stubHandler{name: "catalog"}))

	h, ok := r.Get("catalog")
	require.True(t, ok)
	assert.Equal(t, "catalog", h.Name())

	_, ok = r.Get("crm")
	assert.False(t, ok)
}

func TestRegistry_DuplicateName(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&stubHandler{name: "catalog"}))
	assert.Error(t, r.Register(&stubHandler{name: "catalog"}))
}

func TestRegistry_EmptyName(t *testing.T) {
	r := NewRegistry()
	assert.Error(t, r.Register(&stubHandler{}))
}

func TestRegistry_Names(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&stubHandler{name: "crm"}))
	require.NoError(t, r.Register(&stubHandler{name: "catalog"}))

	assert.Equal(t, []string{"catalog", "crm"}, r.Names())
}

func TestImportGuard(t *testing.T) {
	g := NewImportGuard()
	assert.False(t, g.Importing("t1", "catalog"))

	g.Enter("t1", "catalog")
	assert.True(t, g.Importing("t1", "catalog"))
	assert.False(t, g.Importing("t2", "catalog"), "tenants are isolated")
	assert.False(t, g.Importing("t1", "crm"), "modules are isolated")

	g.Exit("t1", "catalog")
	assert.False(t, g.Importing("t1", "catalog"))
}

func TestImportGuard_Nesting(t *testing.T) {
	g := NewImportGuard()

	g.Enter("t1", "catalog")
	g.Enter("t1", "catalog")
	g.Exit("t1", "catalog")
	assert.True(t, g.Importing("t1", "catalog"), "outer enter still active")

	g.Exit("t1", "catalog")
	assert.False(t, g.Importing("t1", "catalog"))
}

func TestImportGuard_ExitWithoutEnter(t *testing.T) {
	g := NewImportGuard()
	g.Exit("t1", "catalog")
	assert.False(t, g.Importing("t1", "catalog"))
}
