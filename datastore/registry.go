package datastore

import (
	"context"
	"fmt"
	"slices"
	"sync"

	errspkg "github.com/drblury/heapflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/heapflow/internal/runtime/logging"
	"github.com/drblury/heapflow/internal/runtime/metrics"
)

// Config provides the settings engines read. It is satisfied by the
// service configuration without importing it.
type Config interface {
	// GetDataStore returns the engine name.
	GetDataStore() string
	// GetSQLiteFile returns the database path for the sqlite engine.
	GetSQLiteFile() string
	// GetMessageByteLimit returns the largest encoded message accepted.
	GetMessageByteLimit() int
}

// Builder creates a DataStore from config.
type Builder func(ctx context.Context, cfg Config, logger loggingpkg.ServiceLogger, m *metrics.Metrics) (DataStore, error)

// Registry maps engine names to their builders.
type Registry struct {
	mu       sync.RWMutex
	builders map[string]Builder
}

// DefaultRegistry is the registry engines add themselves to.
var DefaultRegistry = NewRegistry()

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{builders: make(map[string]Builder)}
}

// Register adds or replaces the builder for name.
func (r *Registry) Register(name string, builder Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[name] = builder
}

// Build creates the engine selected by cfg.GetDataStore.
func (r *Registry) Build(ctx context.Context, cfg Config, logger loggingpkg.ServiceLogger, m *metrics.Metrics) (DataStore, error) {
	if cfg == nil {
		return nil, errspkg.ErrConfigRequired
	}

	name := cfg.GetDataStore()

	r.mu.RLock()
	builder, ok := r.builders[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q (registered: %v)", errspkg.ErrUnknownDataStore, name, r.Names())
	}

	return builder(ctx, cfg, loggingpkg.OrNop(logger), m)
}

// Names returns the registered engine names, sorted.
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

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.builders[name]
	return ok
}

// Register adds a builder to the default registry.
func Register(name string, builder Builder) {
	DefaultRegistry.Register(name, builder)
}

// Build creates a DataStore using the default registry.
func Build(ctx context.Context, cfg Config, logger loggingpkg.ServiceLogger, m *metrics.Metrics) (DataStore, error) {
	return DefaultRegistry.Build(ctx, cfg, logger, m)
}
