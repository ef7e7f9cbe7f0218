// ABOUTME: Registry of named module orchestrators built from configuration.
// ABOUTME: Dispatches by module name and coordinates shutdown of all modules.

package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/2389/seance-gateway/internal/backend"
	anthropicbackend "github.com/2389/seance-gateway/internal/backend/anthropic"
	openaibackend "github.com/2389/seance-gateway/internal/backend/openai"
	"github.com/2389/seance-gateway/internal/config"
	"github.com/2389/seance-gateway/internal/module"
)

// Factories maps a config backend name to its constructor. Unknown names are
// a configuration error surfaced at startup, not at request time.
var Factories = map[string]backend.Factory{
	"openai":    openaibackend.New,
	"anthropic": anthropicbackend.New,
}

// Registry holds the gateway's modules keyed by name. The map is built once
// at startup and never mutated, so lookups need no locking.
type Registry struct {
	modules map[string]*module.Module
	names   []string
	logger  *slog.Logger
}

// New builds a registry from configuration. Every module starts in the
// unloaded state; nothing is initialized here.
func New(cfgs []config.ModuleConfig, logger *slog.Logger) (*Registry, error) {
	r := &Registry{
		modules: make(map[string]*module.Module, len(cfgs)),
		logger:  logger.With("component", "registry"),
	}

	for _, mc := range cfgs {
		factory, ok := Factories[mc.Backend]
		if !ok {
			return nil, fmt.Errorf("module %q: unknown backend %q", mc.Name, mc.Backend)
		}
		b, err := factory(backend.Config{
			Model:        mc.Model,
			APIKey:       mc.APIKey,
			BaseURL:      mc.BaseURL,
			SystemPrompt: mc.SystemPrompt,
			Temperature:  mc.Temperature,
			MaxTokens:    mc.MaxTokens,
			MaxHistory:   mc.MaxHistory,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("module %q: %w", mc.Name, err)
		}
		r.modules[mc.Name] = module.New(mc.Name, b, logger)
		r.names = append(r.names, mc.Name)
	}
	sort.Strings(r.names)
	return r, nil
}

// Get returns the module for a name, or an unknown-module error.
func (r *Registry) Get(name string) (*module.Module, error) {
	m, ok := r.modules[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", backend.ErrUnknownModule, name)
	}
	return m, nil
}

// Names returns all module names in sorted order.
func (r *Registry) Names() []string {
	return r.names
}

// Modules returns all modules in name order.
func (r *Registry) Modules() []*module.Module {
	out := make([]*module.Module, 0, len(r.names))
	for _, name := range r.names {
		out = append(out, r.modules[name])
	}
	return out
}

// CloseAll shuts every module down: busy modules are stopped and drained,
// then each loaded module is closed blocking. Returns when all modules are
// unloaded or ctx expires.
func (r *Registry) CloseAll(ctx context.Context) {
	for _, m := range r.Modules() {
		if st, _ := m.Status(); st == module.StateBusy {
			m.Stop()
		}
	}

	for _, m := range r.Modules() {
		if err := r.closeOne(ctx, m); err != nil {
			r.logger.Warn("module shutdown incomplete", "module", m.Name(), "error", err)
		}
	}
}

// closeOne waits for a module to leave its transitional states and closes it.
func (r *Registry) closeOne(ctx context.Context, m *module.Module) error {
	for {
		switch st, _ := m.Status(); st {
		case module.StateUnloaded:
			return nil
		case module.StateIdle, module.StateFailed:
			return m.Close(ctx, true)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(25 * time.Millisecond):
		}
	}
}
