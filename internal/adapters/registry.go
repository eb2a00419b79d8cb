package adapters

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the static adapter descriptors
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Descriptor
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[string]Descriptor),
	}
}

// NewRegistryFrom creates a registry pre-populated with descriptors
func NewRegistryFrom(descriptors []Descriptor) (*Registry, error) {
	r := NewRegistry()
	for _, d := range descriptors {
		if err := r.Register(d); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds an adapter descriptor
func (r *Registry) Register(d Descriptor) error {
	if d.ID == "" {
		return fmt.Errorf("adapter id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.adapters[d.ID]; exists {
		return fmt.Errorf("adapter %s already registered", d.ID)
	}
	r.adapters[d.ID] = d
	return nil
}

// Get retrieves an adapter by identifier
func (r *Registry) Get(id string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.adapters[id]
	return d, ok
}

// List returns all descriptors ordered by priority, then identifier
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	out := make([]Descriptor, 0, len(r.adapters))
	for _, d := range r.adapters {
		out = append(out, d)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ListEnabled returns enabled descriptors ordered by priority
func (r *Registry) ListEnabled() []Descriptor {
	all := r.List()
	out := all[:0]
	for _, d := range all {
		if d.Enabled {
			out = append(out, d)
		}
	}
	return out
}

// ListEnabledIDs returns enabled adapter identifiers ordered by priority
func (r *Registry) ListEnabledIDs() []string {
	enabled := r.ListEnabled()
	ids := make([]string, len(enabled))
	for i, d := range enabled {
		ids[i] = d.ID
	}
	return ids
}
