package chromem

import (
	"sort"
	"sync"

	"github.com/becomeliminal/nim-assistant/index"
)

// Registry lazily creates one Index per namespace.
// Memory uses a namespace per owner; knowledge uses a single shared one.
type Registry struct {
	mu      sync.RWMutex
	indexes map[string]*Index
}

var _ index.Provider = (*Registry)(nil)

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{indexes: make(map[string]*Index)}
}

// Namespace returns the index for name, creating it on first use.
func (r *Registry) Namespace(name string) (index.Index, error) {
	return r.Get(name)
}

// Get is Namespace with the concrete type.
func (r *Registry) Get(name string) (*Index, error) {
	r.mu.RLock()
	idx, exists := r.indexes[name]
	r.mu.RUnlock()

	if exists {
		return idx, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock
	if idx, exists := r.indexes[name]; exists {
		return idx, nil
	}

	idx, err := New(name)
	if err != nil {
		return nil, err
	}
	r.indexes[name] = idx
	return idx, nil
}

// Drop forgets a namespace. The next Namespace call starts empty.
func (r *Registry) Drop(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.indexes, name)
}

// Namespaces lists known namespaces in sorted order.
func (r *Registry) Namespaces() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.indexes))
	for name := range r.indexes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Sizes reports the entry count of every namespace.
func (r *Registry) Sizes() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sizes := make(map[string]int, len(r.indexes))
	for name, idx := range r.indexes {
		sizes[name] = idx.Len()
	}
	return sizes
}
