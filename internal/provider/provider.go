// Package provider holds lazily-initialized singletons for cloud clients.
//
// A Provider is created once per client type at application start and
// resolved on first use, so packages can depend on a client without forcing
// every process (tests, one-off commands) to dial it.
package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrNotInitialized is returned by Get when no value has been set and the
// provider has no init function.
var ErrNotInitialized = errors.New("provider not initialized")

// InitFunc creates the provided value.
type InitFunc[T any] func(ctx context.Context) (T, error)

// Provider lazily creates and caches a single value of type T.
type Provider[T any] struct {
	name string
	init InitFunc[T]

	mu    sync.Mutex
	value T
	set   bool
}

// New creates a provider. init may be nil, in which case the value must be
// installed with Set before Get is called.
func New[T any](name string, init InitFunc[T]) *Provider[T] {
	return &Provider[T]{name: name, init: init}
}

// Name returns the provider name used in errors and logs.
func (p *Provider[T]) Name() string {
	return p.name
}

// Get returns the cached value, creating it on first use. A failed init is
// not cached; the next call retries.
func (p *Provider[T]) Get(ctx context.Context) (T, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.set {
		return p.value, nil
	}

	var zero T
	if p.init == nil {
		return zero, fmt.Errorf("%s: %w", p.name, ErrNotInitialized)
	}

	value, err := p.init(ctx)
	if err != nil {
		return zero, fmt.Errorf("%s: init: %w", p.name, err)
	}

	p.value = value
	p.set = true
	return value, nil
}

// MustGet is like Get but panics on error.
func (p *Provider[T]) MustGet(ctx context.Context) T {
	value, err := p.Get(ctx)
	if err != nil {
		panic(err)
	}
	return value
}

// Set installs value, replacing anything previously created.
func (p *Provider[T]) Set(value T) {
	p.mu.Lock()
	p.value = value
	p.set = true
	p.mu.Unlock()
}

// Initialized reports whether a value is currently held.
func (p *Provider[T]) Initialized() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.set
}

// Close releases the held value when it implements Close() error and
// resets the provider so the next Get initializes again.
func (p *Provider[T]) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.set {
		return nil
	}

	var err error
	if closer, ok := any(p.value).(interface{ Close() error }); ok {
		err = closer.Close()
	}

	var zero T
	p.value = zero
	p.set = false

	if err != nil {
		return fmt.Errorf("%s: close: %w", p.name, err)
	}
	return nil
}
