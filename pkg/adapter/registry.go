package adapter

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrKindNotFound is returned when no adapter is registered for a kind.
var ErrKindNotFound = errors.New("unknown session kind")

// Registry maps a session kind to its adapter. It is populated at startup
// and holds no other state.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
	}
}

// Register binds a kind to an adapter. Registering a nil adapter or a
// duplicate kind is a startup configuration error.
func (r *Registry) Register(kind string, a Adapter) error {
	if kind == "" {
		return errors.New("adapter kind must not be empty")
	}
	if a == nil {
		return fmt.Errorf("adapter for kind %q is nil", kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[kind]; exists {
		return fmt.Errorf("adapter kind %q already registered", kind)
	}
	r.adapters[kind] = a
	return nil
}

// Get returns the adapter for a kind.
func (r *Registry) Get(kind string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKindNotFound, kind)
	}
	return a, nil
}

// Kinds returns all registered kinds, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.adapters))
	for k := range r.adapters {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
