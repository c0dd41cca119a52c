package backend

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps backend kinds to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty backend registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// Register adds a factory to the registry under the given kind.
func (r *Registry) Register(kind string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
}

// Resolve constructs the backend registered under kind.
// Returns an error if the kind is not registered or the factory fails.
func (r *Registry) Resolve(kind string, cfg Config) (Backend, error) {
	r.mu.RLock()
	f, ok := r.factories[kind]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("backend %q is not registered", kind)
	}

	b, err := f(cfg)
	if err != nil {
		return nil, fmt.Errorf("construct backend %q: %w", kind, err)
	}
	return b, nil
}

// Kinds returns the registered backend kinds, sorted by name.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.factories))
	for kind := range r.factories {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}
