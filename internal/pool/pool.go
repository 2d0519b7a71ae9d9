// Package pool implements the Tool Pool: per-backend bindings (a stable
// client id plus a reference to the currently loaded workflow
// template) created lazily on first use and kept in sync whenever a new
// template is loaded.
//
// Grounded on tool_pool.py's ComfyUIToolPool: get_tool_for_request picks
// a backend via the load balancer and lazily creates/binds a tool to
// it; load_workflow replaces the shared template and pushes it to every
// already-bound tool.
package pool

import (
	"sync"

	"github.com/google/uuid"

	"github.com/corewell/genforge/internal/gatewayerr"
	"github.com/corewell/genforge/internal/registry"
	"github.com/corewell/genforge/internal/selector"
	"github.com/corewell/genforge/internal/workflow"
)

// LoadedWorkflow is an immutable reference to the currently active
// template and its name. Bindings hold a pointer to the Pool's current
// *LoadedWorkflow rather than a copy, so LoadWorkflow's swap is
// instantly visible to every caller already holding a Binding.
type LoadedWorkflow struct {
	Name  string
	Graph workflow.Graph
}

// Binding is one backend's tool state: a stable client id (so a
// backend's websocket progress frames can be correlated back to this
// caller across multiple jobs) and the template it last synced.
type Binding struct {
	Address  string
	ClientID string

	mu       sync.Mutex
	workflow *LoadedWorkflow
}

// Workflow returns the template this binding is currently synced to,
// or nil if none has been loaded yet.
func (b *Binding) Workflow() *LoadedWorkflow {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.workflow
}

func (b *Binding) setWorkflow(w *LoadedWorkflow) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.workflow = w
}

// Pool owns one Binding per backend and the single shared template
// every binding is kept in sync with.
type Pool struct {
	reg *registry.Registry

	mu       sync.Mutex
	bindings map[string]*Binding
	current  *LoadedWorkflow
}

// New builds an empty Pool backed by reg.
func New(reg *registry.Registry) *Pool {
	return &Pool{
		reg:      reg,
		bindings: make(map[string]*Binding),
	}
}

// LoadWorkflow replaces the pool's shared template and propagates it to
// every binding created so far. Bindings created afterward pick it up
// automatically via GetToolForRequest's lazy-bind path.
func (p *Pool) LoadWorkflow(name string, graph workflow.Graph) {
	p.mu.Lock()
	defer p.mu.Unlock()

	loaded := &LoadedWorkflow{Name: name, Graph: graph}
	p.current = loaded
	for _, b := range p.bindings {
		b.setWorkflow(loaded)
	}
}

// CurrentTemplate returns the name of the currently loaded template, or
// "" if none has been loaded.
func (p *Pool) CurrentTemplate() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return ""
	}
	return p.current.Name
}

// GetToolForRequest selects the least-loaded available backend via the
// Selector and returns its Binding, creating one on first use. Returns
// gatewayerr.ErrNoBackendAvailable if the registry is empty.
func (p *Pool) GetToolForRequest() (*Binding, error) {
	snapshot := p.reg.Snapshot()
	address := selector.Select(snapshot)
	if address == "" {
		return nil, gatewayerr.ErrNoBackendAvailable
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	b, ok := p.bindings[address]
	if !ok {
		b = &Binding{Address: address, ClientID: uuid.NewString()}
		p.bindings[address] = b
	}
	if b.Workflow() != p.current {
		b.setWorkflow(p.current)
	}
	return b, nil
}

// AddBackend registers address with the Registry. It does not create a
// Binding; that happens lazily on first GetToolForRequest.
func (p *Pool) AddBackend(address string) {
	p.reg.Add(address)
}

// RemoveBackend deregisters address and drops its Binding. Any Job
// Driver run already using the old Binding finishes unaffected.
func (p *Pool) RemoveBackend(address string) {
	p.reg.Remove(address)
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.bindings, address)
}
