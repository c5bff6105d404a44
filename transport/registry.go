package transport

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"

	errspkg "github.com/drblury/servicebus/internal/runtime/errors"
)

// Registry maps the Config.Transport names to backend builders. Backends
// register themselves from init; names are case-insensitive.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

type entry struct {
	build Builder
	caps  Capabilities
}

// DefaultRegistry is the registry the built-in backends register with.
var DefaultRegistry = NewRegistry()

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Register adds or replaces the builder for name. Capabilities registered
// earlier for the same name are kept.
func (r *Registry) Register(name string, builder Builder) {
	name = normalizeName(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entries[name]
	e.build = builder
	if e.caps.Name == "" {
		e.caps.Name = name
	}
	r.entries[name] = e
}

// RegisterWithCapabilities adds or replaces the builder and capabilities for
// name.
func (r *Registry) RegisterWithCapabilities(name string, builder Builder, caps Capabilities) {
	name = normalizeName(name)
	if caps.Name == "" {
		caps.Name = name
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[name] = entry{build: builder, caps: caps}
}

// Unregister removes name. It reports whether it was registered.
func (r *Registry) Unregister(name string) bool {
	name = normalizeName(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[name]
	delete(r.entries, name)
	return ok
}

// Lookup returns the capabilities registered for name.
func (r *Registry) Lookup(name string) (Capabilities, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[normalizeName(name)]
	return e.caps, ok
}

// GetCapabilities returns the capabilities for name, or a zero value carrying
// only the name when it is unknown.
func (r *Registry) GetCapabilities(name string) Capabilities {
	if caps, ok := r.Lookup(name); ok {
		return caps
	}
	return Capabilities{Name: name}
}

// Build creates the transport named by cfg.GetTransport. A nil logger is
// replaced by watermill's no-op logger.
func (r *Registry) Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	if cfg == nil {
		return nil, errspkg.ErrConfigRequired
	}

	name := normalizeName(cfg.GetTransport())
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q (registered: %s)", errspkg.ErrUnknownTransport, name, strings.Join(r.Names(), ", "))
	}

	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return e.build(ctx, cfg, logger)
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Lookup(name)
	return ok
}

// Register adds a builder to DefaultRegistry.
func Register(name string, builder Builder) {
	DefaultRegistry.Register(name, builder)
}

// RegisterWithCapabilities adds a builder and its capabilities to
// DefaultRegistry.
func RegisterWithCapabilities(name string, builder Builder, caps Capabilities) {
	DefaultRegistry.RegisterWithCapabilities(name, builder, caps)
}

// Build creates a transport from DefaultRegistry.
func Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	return DefaultRegistry.Build(ctx, cfg, logger)
}
