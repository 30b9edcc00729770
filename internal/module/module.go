// Package module defines the capability interface the orchestration core
// depends on. Each integration (one local content type family and its field
// mapper) provides one Handler; the engine never sees a concrete mapper.
package module

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/relaypoint/erpsync/internal/job"
)

// Request carries the job fields a handler needs to perform one push or
// pull. The payload is an opaque serialized snapshot; an empty payload means
// the handler should fetch the record live.
type Request struct {
	TenantID   string
	EntityType string
	Action     job.Action
	LocalID    int64
	RemoteID   int64
	Payload    []byte
}

// BatchItem is one record in a bulk-create call.
type BatchItem struct {
	LocalID int64
	Payload []byte
}

// Handler is the per-integration sync capability.
//
// Implementations classify their own failures: return outcomes (or errors
// wrapped with job.Permanent/job.Transient) so the engine can route retries.
// Unclassified errors are treated as transient.
type Handler interface {
	// Name returns the module key jobs are routed by.
	Name() string

	// Push applies a local change to the remote system.
	Push(ctx context.Context, req Request) job.Outcome

	// Pull applies a remote change to the local system.
	Pull(ctx context.Context, req Request) job.Outcome
}

// BatchCreator is the optional bulk-create capability. Modules that don't
// implement it never have their creates batched.
type BatchCreator interface {
	// PushBatchCreates submits independent creates in one remote call and
	// returns a per-local-id outcome map. An error return means the call
	// itself failed (transport level) and no per-item result exists.
	PushBatchCreates(ctx context.Context, tenant, entityType string, items []BatchItem) (map[int64]job.Outcome, error)
}

// Registry maps module keys to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler under its name. Duplicate names are an error:
// two integrations claiming the same module key is a wiring bug.
func (r *Registry) Register(h Handler) error {
	name := h.Name()
	if name == "" {
		return fmt.Errorf("register module: empty name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("register module: %q already registered", name)
	}
	r.handlers[name] = h
	return nil
}

// Get returns the handler for a module key.
func (r *Registry) Get(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns the registered module keys, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
