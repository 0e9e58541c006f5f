// Package override implements the dynamic method-override registry: a
// mapping from (entity type, method name) to a substitute implementation,
// consulted before the entity's built-in default behavior. Optional modules
// use it to intercept core behaviors without the core depending on them.
package override

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"govex/internal/core"
	"govex/internal/entity"
)

// Kind distinguishes how an implementation binds to its entity type.
type Kind string

const (
	KindInstance Kind = "instance"
	KindStatic   Kind = "static"
	KindClass    Kind = "classmethod"
)

// ParseKind validates a kind declared in an external module manifest.
func ParseKind(raw string) (Kind, error) {
	switch Kind(raw) {
	case KindInstance, KindStatic, KindClass:
		return Kind(raw), nil
	default:
		return "", fmt.Errorf("%w: unknown method kind %q", core.ErrRegistration, raw)
	}
}

// Func is a method implementation. Instance methods receive the record they
// were invoked on; static and class methods receive a nil record.
type Func func(ctx context.Context, recv *entity.Record, args map[string]any) (any, error)

type methodKey struct {
	entityType string
	method     string
}

type implementation struct {
	kind Kind
	fn   Func
}

// Registry resolves entity behaviors. Defaults define the known method set;
// registering an override for a method without a default fails fast.
type Registry struct {
	logger *slog.Logger

	mu        sync.RWMutex
	defaults  map[methodKey]implementation
	overrides map[methodKey]implementation
}

// NewRegistry returns an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:    logger,
		defaults:  make(map[methodKey]implementation),
		overrides: make(map[methodKey]implementation),
	}
}

// RegisterDefault installs the built-in implementation of an entity method
// and thereby declares the method as overridable. Re-declaring a default is
// a programming error.
func (r *Registry) RegisterDefault(entityType, method string, kind Kind, fn Func) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := methodKey{entityType: entityType, method: method}
	if _, exists := r.defaults[key]; exists {
		return fmt.Errorf("%w: default for %s.%s already declared", core.ErrRegistration, entityType, method)
	}
	r.defaults[key] = implementation{kind: kind, fn: fn}
	return nil
}

// Register substitutes the implementation of a known entity method. An
// unknown entity type or method, or a kind that disagrees with the default,
// is rejected at registration time so a misconfigured module fails fast.
// When two modules target the same method the most recent registration
// wins; the collision is logged.
func (r *Registry) Register(entityType, method string, kind Kind, fn Func) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := methodKey{entityType: entityType, method: method}
	def, known := r.defaults[key]
	if !known {
		return fmt.Errorf("%w: no method %s.%s", core.ErrRegistration, entityType, method)
	}
	if def.kind != kind {
		return fmt.Errorf("%w: %s.%s is %s, override declares %s",
			core.ErrRegistration, entityType, method, def.kind, kind)
	}
	if _, conflict := r.overrides[key]; conflict {
		r.logger.Warn("override replaces a previously registered override",
			"entity", entityType, "method", method)
	}
	r.overrides[key] = implementation{kind: kind, fn: fn}
	return nil
}

// Unregister removes an override; resolution falls back to the default.
func (r *Registry) Unregister(entityType, method string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.overrides, methodKey{entityType: entityType, method: method})
}

// Resolve returns the implementation currently bound to the method: the
// override when one is registered, the built-in default otherwise.
func (r *Registry) Resolve(entityType, method string) (Func, Kind, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key := methodKey{entityType: entityType, method: method}
	if impl, ok := r.overrides[key]; ok {
		return impl.fn, impl.kind, nil
	}
	if impl, ok := r.defaults[key]; ok {
		return impl.fn, impl.kind, nil
	}
	return nil, "", fmt.Errorf("%w: no method %s.%s", core.ErrRegistration, entityType, method)
}

// Dispatch resolves and invokes an entity method. Errors inside an override
// propagate to the caller exactly as the default's would.
func (r *Registry) Dispatch(ctx context.Context, entityType, method string, recv *entity.Record, args map[string]any) (any, error) {
	fn, kind, err := r.Resolve(entityType, method)
	if err != nil {
		return nil, err
	}
	if kind == KindInstance && recv == nil {
		return nil, fmt.Errorf("instance method %s.%s needs a receiver", entityType, method)
	}
	if kind != KindInstance {
		recv = nil
	}
	return fn(ctx, recv, args)
}
