package config

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/twowayaudio/pkg/audio"
)

// ErrBackendNotRegistered is returned by [Registry.CreateBackend] when no
// factory has been registered under the requested name.
var ErrBackendNotRegistered = errors.New("config: audio backend not registered")

// Backend is an opened audio backend: the hardware, its session, and a
// function releasing both.
type Backend struct {
	Hardware audio.Hardware
	Session  audio.Session
	Close    func() error

	// Watch, when set, polls for device changes until ctx ends and reports
	// them on the session's event stream.
	Watch func(ctx context.Context)
}

// BackendFactory opens a backend from the device section.
type BackendFactory func(DeviceConfig) (*Backend, error)

// Registry maps backend names to their constructor functions. It is safe for
// concurrent use.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]BackendFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]BackendFactory)}
}

// RegisterBackend registers a backend factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterBackend(name string, factory BackendFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[name] = factory
}

// CreateBackend opens the backend registered under cfg.Backend.
// Returns [ErrBackendNotRegistered] if no factory has been registered for
// that name.
func (r *Registry) CreateBackend(cfg DeviceConfig) (*Backend, error) {
	r.mu.RLock()
	factory, ok := r.backends[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (known: %v)", ErrBackendNotRegistered, cfg.Backend, r.Backends())
	}
	b, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("config: open backend %q: %w", cfg.Backend, err)
	}
	if b.Close == nil {
		b.Close = func() error { return nil }
	}
	return b, nil
}

// Backends returns the registered names in sorted order.
func (r *Registry) Backends() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
