package provider

import (
	"sort"
	"sync"
)

// Registry is the run-scoped lookup table of provider adapters. Adapters
// are registered once at run setup and selected by name when a query plan
// names them in its target set.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// DefaultRegistry is the process-wide registry. Provider integrations
// attach themselves to it from their package init.
var DefaultRegistry = NewRegistry()

// RegisterAdapter adds an adapter to the default registry.
func RegisterAdapter(a Adapter) {
	DefaultRegistry.Register(a)
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter under its own name. Re-registering a name
// replaces the previous adapter.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

// Get returns the adapter registered under name, or nil.
func (r *Registry) Get(name string) Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.adapters[name]
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
