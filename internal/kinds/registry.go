package kinds

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownKind is returned by Resolve for a name nobody registered.
var ErrUnknownKind = errors.New("unknown kind")

// Registry holds registered kinds by name. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]Kind
}

// NewRegistry creates an empty kind registry.
func NewRegistry() *Registry {
	return &Registry{
		kinds: make(map[string]Kind),
	}
}

// Register adds a kind under the given name, replacing any previous one.
func (r *Registry) Register(name string, k Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds[name] = k
}

// Resolve returns the kind registered under name.
func (r *Registry) Resolve(name string) (Kind, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	k, ok := r.kinds[name]
	if !ok {
		return nil, fmt.Errorf("kind %q: %w", name, ErrUnknownKind)
	}
	return k, nil
}

// List returns information about all registered kinds, sorted by name
// for a stable API response.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.kinds))
	for name, k := range r.kinds {
		info := k.Describe()
		info.Name = name
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}
