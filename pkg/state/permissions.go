package state

import (
	"fmt"
	"sync"
)

// a bitmap representing a set of capabilities
type Permission uint64

const (
	// PermAdmin allows responding to join requests of any project.
	PermAdmin Permission = 1 << iota
	// PermModerate allows joining the room of any project without being a
	// team member.
	PermModerate
)

var BuiltInPerms = map[string]Permission{
	"admin":    PermAdmin,
	"moderate": PermModerate,
}

func (p Permission) Has(flag Permission) bool {
	return p&flag == flag
}

// PermissionRegistry maps permission names found in token claims to bits.
type PermissionRegistry struct {
	mu       sync.RWMutex
	registry map[string]Permission
	nextBit  uint
}

// NewPermissionRegistry seeds the built-ins and registers custom names.
func NewPermissionRegistry(custom []string) (*PermissionRegistry, error) {
	r := &PermissionRegistry{
		registry: make(map[string]Permission, len(BuiltInPerms)+len(custom)),
		nextBit:  uint(len(BuiltInPerms)),
	}
	for name, perm := range BuiltInPerms {
		r.registry[name] = perm
	}
	for _, name := range custom {
		if err := r.Register(name); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *PermissionRegistry) Register(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := BuiltInPerms[name]; exists {
		return fmt.Errorf("'%s' is reserved for built in permission. please choose a different name", name)
	}
	if _, exists := r.registry[name]; exists {
		return fmt.Errorf("permission '%s' is already registered", name)
	}
	if r.nextBit >= 64 {
		return fmt.Errorf("cannot register new permission '%s': maximum of 64 permissions reached", name)
	}
	r.registry[name] = Permission(1 << r.nextBit)
	r.nextBit++
	return nil
}

// Compile folds permission names into one bitmap.
func (r *PermissionRegistry) Compile(names []string) (Permission, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var bitmap Permission
	for _, name := range names {
		value, ok := r.registry[name]
		if !ok {
			return 0, fmt.Errorf("permission '%s' not found", name)
		}
		bitmap |= value
	}
	return bitmap, nil
}

// All returns a copy of the registry.
func (r *PermissionRegistry) All() map[string]Permission {
	r.mu.RLock()
	defer r.mu.RUnlock()

	regCopy := make(map[string]Permission, len(r.registry))
	for k, v := range r.registry {
		regCopy[k] = v
	}
	return regCopy
}
