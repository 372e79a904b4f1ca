package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/ndisrc/pkg/receiver"
)

// ErrReceiverNotRegistered is returned by [Registry.CreateDialer] when no
// factory has been registered under the requested receiver type.
var ErrReceiverNotRegistered = errors.New("config: receiver type not registered")

// DialerFactory builds a [receiver.Dialer] from the receiver config block.
type DialerFactory func(ReceiverConfig) (receiver.Dialer, error)

// Registry maps receiver type names to dialer constructors. It is safe for
// concurrent use.
type Registry struct {
	mu      sync.RWMutex
	dialers map[string]DialerFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{dialers: make(map[string]DialerFactory)}
}

// RegisterDialer registers a dialer factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterDialer(name string, factory DialerFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dialers[name] = factory
}

// CreateDialer instantiates the dialer registered under cfg.Type, or
// [DefaultReceiverType] if empty.
// Returns [ErrReceiverNotRegistered] if no factory has been registered for
// that name.
func (r *Registry) CreateDialer(cfg ReceiverConfig) (receiver.Dialer, error) {
	name := cfg.Type
	if name == "" {
		name = DefaultReceiverType
	}
	r.mu.RLock()
	factory, ok := r.dialers[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrReceiverNotRegistered, name)
	}
	return factory(cfg)
}

// Names returns the registered receiver types in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.dialers))
	for n := range r.dialers {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
