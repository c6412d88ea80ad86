package channel

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the platform adapters. It must be created via NewRegistry
// and passed explicitly to the components that need it.
type Registry struct {
	mu       sync.RWMutex
	adapters map[Platform]Adapter
}

// NewRegistry creates a Registry holding the given adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: map[Platform]Adapter{}}
	for _, a := range adapters {
		r.MustRegister(a)
	}
	return r
}

// Register adds an adapter to the registry.
func (r *Registry) Register(adapter Adapter) error {
	if adapter == nil {
		return fmt.Errorf("adapter is nil")
	}
	p := adapter.Platform()
	if !p.Messaging() {
		return fmt.Errorf("platform %q cannot be registered", p)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[p]; exists {
		return fmt.Errorf("platform already registered: %s", p)
	}
	r.adapters[p] = adapter
	return nil
}

// MustRegister calls Register and panics on error.
func (r *Registry) MustRegister(adapter Adapter) {
	if err := r.Register(adapter); err != nil {
		panic(err)
	}
}

// Get returns the adapter for the given platform.
func (r *Registry) Get(p Platform) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[p]
	return adapter, ok
}

// Parse validates a raw platform name against the registered adapters.
func (r *Registry) Parse(raw string) (Platform, error) {
	p, err := ParsePlatform(raw)
	if err != nil {
		return "", err
	}
	if _, ok := r.Get(p); !ok {
		return "", fmt.Errorf("unsupported platform: %s", raw)
	}
	return p, nil
}

// Gateway builds a gateway for the platform from the given credentials.
func (r *Registry) Gateway(p Platform, creds Credentials) (Gateway, error) {
	adapter, ok := r.Get(p)
	if !ok {
		return nil, fmt.Errorf("unsupported platform: %s", p)
	}
	return adapter.NewGateway(creds), nil
}

// Descriptors returns the metadata of every registered platform, sorted by name.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	items := make([]Descriptor, 0, len(r.adapters))
	for _, a := range r.adapters {
		items = append(items, a.Descriptor())
	}
	r.mu.RUnlock()
	sort.Slice(items, func(i, j int) bool { return items[i].Platform < items[j].Platform })
	return items
}
