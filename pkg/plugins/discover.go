package plugins

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/IAmJonoBo/hephaestus/pkg/telemetry"
)

// DiscoverOptions configure one discovery pass.
type DiscoverOptions struct {
	ConfigPath      string
	MarketplaceRoot string
	Registry        *Registry                // reused and cleared when set
	Factories       map[string]func() Plugin // module-id → constructor
	Metrics         *telemetry.Metrics
	Logger          *slog.Logger
}

// Discover loads plugin configuration and populates a registry: built-ins
// (enabled unless configuration disables them), external entrypoints, and
// verified marketplace plugins. External load failures are logged and
// skipped; marketplace trust failures abort discovery.
func Discover(ctx context.Context, opts DiscoverOptions) (*Registry, error) {
	registry := opts.Registry
	if registry == nil {
		registry = NewRegistry()
	}
	registry.Clear()

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "plugins")

	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.Default()
	}

	marketplaceRoot := opts.MarketplaceRoot
	if marketplaceRoot == "" {
		marketplaceRoot = DefaultMarketplaceRoot
	}

	configs, err := LoadConfig(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	byName := map[string]Config{}
	for _, config := range configs {
		byName[config.Name] = config
	}

	for _, spec := range BuiltinSpecs() {
		config, configured := byName[spec.Meta.Name]
		if configured && !config.Enabled {
			continue
		}
		plugin := NewCommandPlugin(spec)
		if configured && len(config.Config) > 0 {
			if err := plugin.ValidateConfig(config.Config); err != nil {
				logger.Warn("invalid builtin plugin config", "plugin", spec.Meta.Name, "error", err)
				continue
			}
		}
		if err := registry.Register(plugin); err != nil {
			logger.Warn("failed to register builtin plugin", "plugin", spec.Meta.Name, "error", err)
		}
	}

	for _, config := range configs {
		if config.Source != SourceExternal || !config.Enabled {
			continue
		}
		plugin, err := loadExternalPlugin(ctx, config, opts.Factories)
		if err != nil {
			logger.Warn("failed to load external plugin", "plugin", config.Name, "error", err)
			continue
		}
		if err := registry.Register(plugin); err != nil {
			logger.Warn("failed to register external plugin", "plugin", config.Name, "error", err)
		}
	}

	if err := loadMarketplacePlugins(ctx, configs, marketplaceRoot, registry, opts.Factories, metrics); err != nil {
		return nil, err
	}

	return registry, nil
}

func loadExternalPlugin(ctx context.Context, config Config, factories map[string]func() Plugin) (Plugin, error) {
	switch {
	case config.Module != "":
		factory, ok := factories[config.Module]
		if !ok {
			return nil, fmt.Errorf("no plugin factory registered for module %q", config.Module)
		}
		return factory(), nil
	case config.Path != "":
		metadata := Metadata{
			Name:     config.Name,
			Version:  "0.0.0",
			Category: "custom",
			Order:    100,
		}
		if strings.HasSuffix(config.Path, ".wasm") {
			return NewWASIPlugin(ctx, metadata, config.Path)
		}
		return NewCommandPlugin(CommandSpec{Meta: metadata, Program: config.Path}), nil
	default:
		return nil, fmt.Errorf("plugin %q has neither 'module' nor 'path' specified", config.Name)
	}
}

func loadMarketplacePlugins(
	ctx context.Context,
	configs []Config,
	root string,
	registry *Registry,
	factories map[string]func() Plugin,
	metrics *telemetry.Metrics,
) error {
	var marketplaceConfigs []Config
	for _, config := range configs {
		if config.Source == SourceMarketplace && config.Enabled {
			marketplaceConfigs = append(marketplaceConfigs, config)
		}
	}
	if len(marketplaceConfigs) == 0 {
		return nil
	}

	manifests, err := LoadMarketplaceManifests(root)
	if err != nil {
		return err
	}
	policy, err := LoadTrustPolicy(root)
	if err != nil {
		return err
	}

	resolved := map[string]bool{}
	for _, plugin := range registry.AllPlugins() {
		resolved[plugin.Metadata().Name] = true
	}

	for _, config := range marketplaceConfigs {
		attributes := map[string]string{"plugin": config.Name}

		manifest, ok := manifests[config.Name]
		if !ok {
			return fmt.Errorf("marketplace plugin %q not found in registry %s", config.Name, root)
		}
		metrics.RecordCounter(metricMarketplaceFetch, 1, attributes)

		if config.Version != "" && config.Version != manifest.Version {
			return fmt.Errorf("marketplace plugin %q version %s is not available (registry has %s)",
				config.Name, config.Version, manifest.Version)
		}

		if err := EnsureMarketplaceCompatibility(manifest); err != nil {
			return err
		}
		if err := VerifyMarketplaceSignature(manifest, policy); err != nil {
			return err
		}
		metrics.RecordCounter(metricMarketplaceVerified, 1, attributes)

		if err := EnsureMarketplaceDependencies(manifest, resolved); err != nil {
			return err
		}
		metrics.RecordCounter(metricMarketplaceDependencies, 1, attributes)

		plugin, err := instantiateMarketplacePlugin(ctx, manifest, factories)
		if err != nil {
			return fmt.Errorf("failed to instantiate marketplace plugin %q: %w", config.Name, err)
		}
		if err := registry.Register(plugin); err != nil {
			return err
		}
		resolved[config.Name] = true
		metrics.RecordCounter(metricMarketplaceRegistered, 1, attributes)
	}
	return nil
}
