package permission

import (
	"errors"
	"sort"
	"strings"
	"sync"
)

// Registry holds the permission names the service recognises.
type Registry struct {
	mu     sync.RWMutex
	names  map[string]struct{}
	frozen bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{names: make(map[string]struct{})}
}

// Register adds name. Names are case-sensitive and may not contain spaces.
func (r *Registry) Register(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return errors.New("registry frozen")
	}
	if name == "" {
		return errors.New("permission name cannot be empty")
	}
	if strings.ContainsAny(name, " \t\n") {
		return errors.New("permission name cannot contain whitespace")
	}
	if _, exists := r.names[name]; exists {
		return errors.New("permission already registered: " + name)
	}
	r.names[name] = struct{}{}
	return nil
}

// Known reports whether name was registered.
func (r *Registry) Known(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.names[name]
	return ok
}

// Names returns every registered name in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.names))
	for n := range r.names {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Freeze prevents further registrations.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Count returns the number of registered permissions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.names)
}
