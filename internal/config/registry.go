package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/MrWong99/leadline/pkg/provider/s2s"
)

// ErrProviderNotRegistered is returned by [Registry.Create] for an unknown
// provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Factory builds a speech-to-speech provider from its config entry.
type Factory func(ProviderEntry) (s2s.Provider, error)

// Registry maps provider names to factories. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// Register adds f under name. It panics if name is empty, f is nil, or name
// is already taken, since all of these are wiring mistakes.
func (r *Registry) Register(name string, f Factory) {
	if name == "" || f == nil {
		panic("config: Register with empty name or nil factory")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.factories[name]; dup {
		panic(fmt.Sprintf("config: provider %q registered twice", name))
	}
	r.factories[name] = f
}

// Create builds the provider named by entry.Name.
func (r *Registry) Create(entry ProviderEntry) (s2s.Provider, error) {
	r.mu.RLock()
	f := r.factories[entry.Name]
	r.mu.RUnlock()
	if f == nil {
		return nil, fmt.Errorf("%w: %q (known: %v)", ErrProviderNotRegistered, entry.Name, r.Names())
	}
	p, err := f(entry)
	if err != nil {
		return nil, fmt.Errorf("config: create provider %q: %w", entry.Name, err)
	}
	return p, nil
}

// Names lists the registered providers, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.factories))
}
