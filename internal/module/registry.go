package module

import (
	"fmt"
	"sync"
)

// Factory builds a handler for one module of the device inventory.
type Factory func(env *Env, info Info) (Handler, error)

// Registry maps module types to the factories that build their handlers.
//
// It is populated once at startup. Looking up a type without a factory
// yields ErrUnsupportedModule so the router can acknowledge the command
// instead of leaving the sender waiting.
//
// All methods are thread-safe.
type Registry struct {
	mu        sync.RWMutex
	factories map[Type]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[Type]Factory)}
}

// Register installs the factory for t, replacing any previous one.
func (r *Registry) Register(t Type, f Factory) {
	r.mu.Lock()
	r.factories[t] = f
	r.mu.Unlock()
}

// Supports reports whether a backend type name has a factory.
func (r *Registry) Supports(typeName string) bool {
	t, ok := NormalizeType(typeName)
	if !ok {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok = r.factories[t]
	return ok
}

// Create builds the handler for info.
func (r *Registry) Create(env *Env, info Info) (Handler, error) {
	t, ok := NormalizeType(info.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedModule, info.Type)
	}
	r.mu.RLock()
	f, ok := r.factories[t]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedModule, info.Type)
	}
	h, err := f(env, info)
	if err != nil {
		return nil, fmt.Errorf("creating %s module %s: %w", t, info.ID, err)
	}
	return h, nil
}
