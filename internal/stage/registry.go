package stage

import (
	"fmt"
	"sort"
	"sync"

	"mediamill/internal/services"
)

// Registry holds the stage handlers known to a daemon instance. Registration
// happens once at startup; lookups happen on every leased task.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler under its declared name. Registering the same name
// twice is a programming error.
func (r *Registry) Register(h Handler) error {
	name := h.Descriptor().Name
	if name == "" {
		return fmt.Errorf("stage handler has no name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("stage handler %q already registered", name)
	}
	r.handlers[name] = h
	return nil
}

// MustRegister registers a handler and panics on conflict. Intended for
// daemon startup where a duplicate registration is unrecoverable.
func (r *Registry) MustRegister(h Handler) {
	if err := r.Register(h); err != nil {
		panic(err)
	}
}

// Lookup returns the handler for a stage name.
func (r *Registry) Lookup(name string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	if !ok {
		return nil, services.Wrap(services.ErrValidation, name, "lookup stage",
			fmt.Sprintf("unknown stage %q", name), nil)
	}
	return h, nil
}

// Names returns the registered stage names in sorted order.
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
