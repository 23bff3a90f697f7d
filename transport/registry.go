package transport

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/ThreeDotsLabs/watermill"

	errspkg "github.com/drblury/streamflow/internal/runtime/errors"
)

// Builder creates a backend from config. Each backend package registers one
// for every URL scheme it serves.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Backend, error)

// Registry maps URL schemes to backend builders and their capabilities.
type Registry struct {
	mu           sync.RWMutex
	builders     map[string]Builder
	capabilities map[string]Capabilities
}

// DefaultRegistry is the global backend registry.
var DefaultRegistry = NewRegistry()

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		builders:     make(map[string]Builder),
		capabilities: make(map[string]Capabilities),
	}
}

// Register adds a builder for scheme, replacing any previous one.
func (r *Registry) Register(scheme string, builder Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[scheme] = builder
}

// RegisterWithCapabilities adds a builder and its capabilities for scheme.
func (r *Registry) RegisterWithCapabilities(scheme string, builder Builder, caps Capabilities) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[scheme] = builder
	r.capabilities[scheme] = caps
}

// GetCapabilities returns the capabilities registered for scheme, or a
// zero Capabilities carrying only the name when unknown.
func (r *Registry) GetCapabilities(scheme string) Capabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if caps, ok := r.capabilities[scheme]; ok {
		return caps
	}
	return Capabilities{Name: scheme}
}

// Build creates the backend selected by the scheme of cfg's URL.
func (r *Registry) Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Backend, error) {
	if cfg == nil {
		return nil, errspkg.NewConfigurationError(errspkg.ErrConfigRequired)
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	endpoint, err := ParseEndpoint(cfg.GetURL())
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	builder, ok := r.builders[endpoint.Scheme]
	r.mu.RUnlock()

	if !ok {
		return nil, errspkg.NewConfigurationError(
			fmt.Errorf("%w: %q (registered: %v)", errspkg.ErrUnknownBackend, endpoint.Scheme, r.Names()))
	}

	return builder(ctx, cfg, logger)
}

// Names returns the registered schemes in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.builders))
	for name := range r.builders {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Has reports whether a builder is registered for scheme.
func (r *Registry) Has(scheme string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.builders[scheme]
	return ok
}

// Register adds a builder to the default registry.
func Register(scheme string, builder Builder) {
	DefaultRegistry.Register(scheme, builder)
}

// RegisterWithCapabilities adds a builder and its capabilities to the
// default registry.
func RegisterWithCapabilities(scheme string, builder Builder, caps Capabilities) {
	DefaultRegistry.RegisterWithCapabilities(scheme, builder, caps)
}

// Build creates a backend using the default registry.
func Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Backend, error) {
	return DefaultRegistry.Build(ctx, cfg, logger)
}
