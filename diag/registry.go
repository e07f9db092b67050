// Package diag implements a module health registry a host process can use
// to register the components a transport.Server assembles (session drivers,
// the metrics exporter, the route registry) as health-checked units,
// adapted from the teacher's internal/core/registry.Registry (SUPPLEMENTED
// FEATURES #2).
package diag

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Module is a health-checked, lifecycle-managed component. Lattice's own
// collaborators (session.Manager, dispatch.Dispatcher, the metrics
// exporter) can be wrapped to satisfy this so a host process can register them
// alongside its own modules under one aggregated /health endpoint, mirroring
// the teacher's router.go health-endpoint aggregation.
type Module interface {
	Name() string
	Init(ctx context.Context) error
	Health(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// Registry tracks modules in registration order, initializing them in that
// order and shutting them down in reverse.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]Module
	order   []string
	logger  *slog.Logger
}

// New returns an empty Registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{modules: make(map[string]Module), logger: logger}
}

// Register adds or replaces a module by name, preserving its original
// position in the initialization order on replacement.
func (r *Registry) Register(m Module) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := m.Name()
	if _, exists := r.modules[name]; exists {
		r.modules[name] = m
		return
	}
	r.modules[name] = m
	r.order = append(r.order, name)
}

// Get returns a module by name.
func (r *Registry) Get(name string) (Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[name]
	return m, ok
}

// MustGet returns a module by name or panics, indicating a startup
// misconfiguration.
func (r *Registry) MustGet(name string) Module {
	m, ok := r.Get(name)
	if !ok {
		panic(fmt.Sprintf("diag: module %q not registered", name))
	}
	return m
}

// InitAll initializes every registered module in registration order,
// stopping at the first failure.
func (r *Registry) InitAll(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, name := range r.order {
		m := r.modules[name]
		r.logger.Info("initializing module", slog.String("module", name))
		if err := m.Init(ctx); err != nil {
			return fmt.Errorf("init module %q: %w", name, err)
		}
	}
	return nil
}

// ShutdownAll shuts down every module in reverse registration order,
// attempting all of them and returning the first error encountered.
func (r *Registry) ShutdownAll(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var firstErr error
	for i := len(r.order) - 1; i >= 0; i-- {
		name := r.order[i]
		m := r.modules[name]
		r.logger.Info("shutting down module", slog.String("module", name))
		if err := m.Shutdown(ctx); err != nil {
			r.logger.Error("module shutdown failed",
				slog.String("module", name), slog.String("error", err.Error()))
			if firstErr == nil {
				firstErr = fmt.Errorf("shutdown module %q: %w", name, err)
			}
		}
	}
	return firstErr
}

// HealthAll runs Health against every registered module, returning a
// per-module result map a host's /health handler can aggregate.
func (r *Registry) HealthAll(ctx context.Context) map[string]error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	results := make(map[string]error, len(r.modules))
	for _, name := range r.order {
		results[name] = r.modules[name].Health(ctx)
	}
	return results
}
