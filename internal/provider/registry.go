package provider

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the configured asset sources. The primary is tried first.
type Registry struct {
	sources map[string]AssetSource
	primary string
	mu      sync.RWMutex
}

// NewRegistry creates a new asset source registry.
func NewRegistry() *Registry {
	return &Registry{sources: make(map[string]AssetSource)}
}

// Register adds a source. The first registered source becomes primary.
func (r *Registry) Register(s AssetSource) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sources[s.ID()]; exists {
		return fmt.Errorf("asset source with ID '%s' already registered", s.ID())
	}
	r.sources[s.ID()] = s
	if r.primary == "" {
		r.primary = s.ID()
	}
	return nil
}

// Get returns a source by ID.
func (r *Registry) Get(id string) (AssetSource, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sources[id]
	return s, ok
}

// SetPrimary changes which source is tried first.
func (r *Registry) SetPrimary(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sources[id]; !ok {
		return fmt.Errorf("asset source not found: %s", id)
	}
	r.primary = id
	return nil
}

// Ordered returns the primary followed by the remaining sources sorted by ID.
func (r *Registry) Ordered() []AssetSource {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.sources))
	for id := range r.sources {
		if id != r.primary {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	out := make([]AssetSource, 0, len(r.sources))
	if p, ok := r.sources[r.primary]; ok {
		out = append(out, p)
	}
	for _, id := range ids {
		out = append(out, r.sources[id])
	}
	return out
}

// Len returns the number of registered sources.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sources)
}
