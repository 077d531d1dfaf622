// Package plugins implements the quality-gate plugin engine: an explicit
// registry of named plugins, TOML-driven discovery of built-in, external,
// and marketplace plugins, and trust verification for marketplace artifacts.
package plugins

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Metadata describes a quality-gate plugin.
type Metadata struct {
	Name        string
	Version     string
	Description string
	Author      string
	Category    string // "linting", "testing", "security", "custom", …
	Requires    []string
	Order       int // lower runs earlier
}

// Result is the outcome of one plugin execution.
type Result struct {
	Success  bool
	Message  string
	Details  map[string]any
	ExitCode int
}

// Plugin is a single quality check. Implementations invoke their external
// tooling inside Run and map exit codes into the Result.
type Plugin interface {
	Metadata() Metadata
	ValidateConfig(config map[string]any) error
	Run(ctx context.Context, config map[string]any) Result
}

// SetupHook is implemented by plugins needing pre-run initialisation.
type SetupHook interface {
	Setup() error
}

// TeardownHook is implemented by plugins needing post-run cleanup.
type TeardownHook interface {
	Teardown() error
}

// Registry holds at most one plugin per name.
type Registry struct {
	mu      sync.Mutex
	plugins map[string]Plugin
}

// NewRegistry creates an empty plugin registry.
func NewRegistry() *Registry {
	return &Registry{plugins: map[string]Plugin{}}
}

// Register adds a plugin, rejecting duplicate names.
func (r *Registry) Register(plugin Plugin) error {
	name := plugin.Metadata().Name
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.plugins[name]; exists {
		return fmt.Errorf("plugin %q already registered", name)
	}
	r.plugins[name] = plugin
	return nil
}

// Get returns a registered plugin by name.
func (r *Registry) Get(name string) (Plugin, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	plugin, ok := r.plugins[name]
	if !ok {
		return nil, fmt.Errorf("plugin %q not registered", name)
	}
	return plugin, nil
}

// IsRegistered reports whether a plugin name is present.
func (r *Registry) IsRegistered(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.plugins[name]
	return ok
}

// AllPlugins returns every plugin sorted by execution order, ties broken
// by name.
func (r *Registry) AllPlugins() []Plugin {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Plugin, 0, len(r.plugins))
	for _, plugin := range r.plugins {
		out = append(out, plugin)
	}
	sort.Slice(out, func(i, j int) bool {
		mi, mj := out[i].Metadata(), out[j].Metadata()
		if mi.Order != mj.Order {
			return mi.Order < mj.Order
		}
		return mi.Name < mj.Name
	})
	return out
}

// Clear drops every registered plugin. Discovery starts from a clean
// snapshot so disabling a plugin in configuration takes effect.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plugins = map[string]Plugin{}
}
