package worker

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cuongbtq/queue-worker/internal/worker/domain"
)

// Registry maps handler names to factories. Populate it at startup, before
// the pool runs.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// Register associates name with factory, replacing any previous registration
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// RegisterFunc registers a stateless handler function under name
func (r *Registry) RegisterFunc(name string, fn HandlerFunc) {
	r.Register(name, func() Handler { return fn })
}

// Lookup returns the factory for name
func (r *Registry) Lookup(name string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	factory, ok := r.factories[name]
	if !ok || factory == nil {
		return nil, fmt.Errorf("%w: %q", domain.ErrHandlerNotFound, name)
	}
	return factory, nil
}

// Names returns the registered handler names in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
