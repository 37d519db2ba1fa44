package providers

import (
	"fmt"
	"sort"
)

// Registry is the immutable set of configured providers.
type Registry struct {
	providers map[string]Provider
	names     []string
}

// NewRegistry builds a registry. Names must be unique and non-empty.
func NewRegistry(providers ...Provider) (*Registry, error) {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		if p == nil {
			return nil, fmt.Errorf("provider must not be nil")
		}
		name := p.Name()
		if name == "" {
			return nil, fmt.Errorf("provider name must not be empty")
		}
		if _, exists := r.providers[name]; exists {
			return nil, fmt.Errorf("provider %q registered twice", name)
		}
		r.providers[name] = p
		r.names = append(r.names, name)
	}
	sort.Strings(r.names)
	return r, nil
}

// Get returns the provider registered under name, or
// *UnsupportedProviderError.
func (r *Registry) Get(name string) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, &UnsupportedProviderError{Name: name}
	}
	return p, nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.providers[name]
	return ok
}

// Names returns the registered provider names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.names))
	copy(names, r.names)
	return names
}
