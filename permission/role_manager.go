package permission

import (
	"errors"
	"sort"
	"sync"
)

// RoleManager maps role names to permission sets drawn from a [Registry].
type RoleManager struct {
	registry *Registry

	mu     sync.RWMutex
	roles  map[string][]string
	frozen bool
}

// NewRoleManager returns a role manager validating against registry.
func NewRoleManager(registry *Registry) *RoleManager {
	return &RoleManager{
		registry: registry,
		roles:    make(map[string][]string),
	}
}

// RegisterRole binds roleName to permissionNames. Every permission must
// already be registered.
func (rm *RoleManager) RegisterRole(roleName string, permissionNames []string) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.frozen {
		return errors.New("role manager frozen")
	}
	if roleName == "" {
		return errors.New("role name empty")
	}
	if _, exists := rm.roles[roleName]; exists {
		return errors.New("role already registered: " + roleName)
	}
	for _, perm := range permissionNames {
		if !rm.registry.Known(perm) {
			return errors.New("permission not registered: " + perm)
		}
	}
	rm.roles[roleName] = normalize(permissionNames)
	return nil
}

// Permissions returns the permission set of roleName.
func (rm *RoleManager) Permissions(roleName string) ([]string, bool) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	perms, ok := rm.roles[roleName]
	if !ok {
		return nil, false
	}
	return append([]string(nil), perms...), true
}

// Resolve returns the union of the role's permissions and extra, dropping
// names the registry does not know. Unknown roles contribute nothing.
func (rm *RoleManager) Resolve(roleName string, extra []string) []string {
	rolePerms, _ := rm.Permissions(roleName)
	all := append(rolePerms, extra...)
	known := all[:0]
	for _, p := range all {
		if rm.registry.Known(p) {
			known = append(known, p)
		}
	}
	return normalize(known)
}

// Freeze prevents further role registrations.
func (rm *RoleManager) Freeze() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.frozen = true
}

// Count returns the number of registered roles.
func (rm *RoleManager) Count() int {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return len(rm.roles)
}

func normalize(perms []string) []string {
	seen := make(map[string]struct{}, len(perms))
	out := make([]string, 0, len(perms))
	for _, p := range perms {
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
