package stack

import (
	"fmt"
	"sort"
	"sync"

	"github.com/openfroyo/topology/pkg/engine"
)

// Registry holds the catalogs of every loaded stack version and resolves
// stack references for the engine.
type Registry struct {
	// mu protects catalogs.
	mu sync.RWMutex

	// catalogs maps stack key (name-version) to its catalog.
	catalogs map[string]*Catalog
}

var _ engine.StackResolver = (*Registry)(nil)

// NewRegistry creates an empty stack registry.
func NewRegistry() *Registry {
	return &Registry{
		catalogs: make(map[string]*Catalog),
	}
}

// Register indexes a definition and adds it to the registry.
func (r *Registry) Register(def *Definition) (*Catalog, error) {
	catalog, err := NewCatalog(def)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := buildStackKey(def.Name, def.Version)
	if _, exists := r.catalogs[key]; exists {
		return nil, fmt.Errorf("stack %s already registered", key)
	}
	r.catalogs[key] = catalog
	return catalog, nil
}

// Unregister removes a stack version.
func (r *Registry) Unregister(name, version string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.catalogs, buildStackKey(name, version))
}

// Stack resolves a stack reference.
func (r *Registry) Stack(name, version string) (engine.StackCatalog, error) {
	catalog, err := r.Catalog(name, version)
	if err != nil {
		return nil, err
	}
	return catalog, nil
}

// Catalog resolves a stack reference into its concrete catalog.
func (r *Registry) Catalog(name, version string) (*Catalog, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	catalog, ok := r.catalogs[buildStackKey(name, version)]
	if !ok {
		return nil, fmt.Errorf("stack %s not found", buildStackKey(name, version))
	}
	return catalog, nil
}

// List returns the references of every registered stack, sorted.
func (r *Registry) List() []engine.StackRef {
	r.mu.RLock()
	defer r.mu.RUnlock()

	refs := make([]engine.StackRef, 0, len(r.catalogs))
	for _, c := range r.catalogs {
		refs = append(refs, c.Ref())
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Name != refs[j].Name {
			return refs[i].Name < refs[j].Name
		}
		return refs[i].Version < refs[j].Version
	})
	return refs
}

// buildStackKey builds a unique key for a stack version.
func buildStackKey(name, version string) string {
	return name + "-" + version
}
