// Package plugin defines the registration point through which plugins
// contribute named parameters to sessions.
package plugin

import (
	"errors"
	"fmt"
	"maps"
	"sort"
	"sync"
)

// ErrDuplicatePlugin is returned when a plugin id is registered twice.
var ErrDuplicatePlugin = errors.New("plugin already registered")

// ErrUnknownPlugin is returned when a session references an unregistered plugin.
var ErrUnknownPlugin = errors.New("plugin not registered")

// Plugin is identified by a stable id that is persisted with every session
// using it. Plugins additionally implement the session package's appliers
// for the session types they support.
type Plugin interface {
	ID() string
}

// Parameters is the named parameter object a session supplies to a plugin.
type Parameters map[string]string

// Clone returns a copy safe to retain.
func (p Parameters) Clone() Parameters {
	if p == nil {
		return nil
	}
	return maps.Clone(p)
}

// Keys returns the parameter names in sorted order.
func (p Parameters) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Entry is a plugin usage recorded on a session, in application order.
type Entry struct {
	ID     string
	Params Parameters
}

// Registry holds the plugins known to a library context.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]Plugin
	order   []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{plugins: make(map[string]Plugin)}
}

// Register adds p. Registering the same id twice fails.
func (r *Registry) Register(p Plugin) error {
	if p == nil || p.ID() == "" {
		return errors.New("plugin must have a non-empty id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.plugins[p.ID()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicatePlugin, p.ID())
	}
	r.plugins[p.ID()] = p
	r.order = append(r.order, p.ID())
	return nil
}

// Get returns the plugin registered under id.
func (r *Registry) Get(id string) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[id]
	return p, ok
}

// Resolve returns the plugin for id or ErrUnknownPlugin.
func (r *Registry) Resolve(id string) (Plugin, error) {
	p, ok := r.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlugin, id)
	}
	return p, nil
}

// IDs lists registered ids in registration order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}
