package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corewell/genforge/internal/gatewayerr"
	"github.com/corewell/genforge/internal/registry"
	"github.com/corewell/genforge/internal/workflow"
)

func TestGetToolForRequestNoBackendsReturnsError(t *testing.T) {
	p := New(registry.New(3))

	_, err := p.GetToolForRequest()

	assert.ErrorIs(t, err, gatewayerr.ErrNoBackendAvailable)
}

func TestGetToolForRequestCreatesBindingLazily(t *testing.T) {
	reg := registry.New(3)
	reg.Add("a:8188")
	p := New(reg)

	b1, err := p.GetToolForRequest()
	require.NoError(t, err)
	assert.Equal(t, "a:8188", b1.Address)
	assert.NotEmpty(t, b1.ClientID)

	b2, err := p.GetToolForRequest()
	require.NoError(t, err)
	assert.Same(t, b1, b2, "the same backend must return the same binding across calls")
}

func TestLoadWorkflowPropagatesToExistingBindings(t *testing.T) {
	reg := registry.New(3)
	reg.Add("a:8188")
	p := New(reg)

	b, err := p.GetToolForRequest()
	require.NoError(t, err)
	assert.Nil(t, b.Workflow())

	g := workflow.Graph{Nodes: map[string]*workflow.Node{}}
	p.LoadWorkflow("v1", g)

	assert.Equal(t, "v1", b.Workflow().Name)
	assert.Equal(t, "v1", p.CurrentTemplate())
}

func TestGetToolForRequestSyncsNewBindingToCurrentTemplate(t *testing.T) {
	reg := registry.New(3)
	reg.Add("a:8188")
	p := New(reg)

	g := workflow.Graph{Nodes: map[string]*workflow.Node{}}
	p.LoadWorkflow("v1", g)

	b, err := p.GetToolForRequest()
	require.NoError(t, err)
	require.NotNil(t, b.Workflow())
	assert.Equal(t, "v1", b.Workflow().Name)
}

func TestRemoveBackendDropsBinding(t *testing.T) {
	reg := registry.New(3)
	reg.Add("a:8188")
	p := New(reg)

	b1, err := p.GetToolForRequest()
	require.NoError(t, err)

	p.RemoveBackend("a:8188")
	reg.Add("a:8188")

	b2, err := p.GetToolForRequest()
	require.NoError(t, err)
	assert.NotSame(t, b1, b2, "removing a backend must drop its stale binding")
}
