package plugins

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// DefaultConfigPath is the plugin configuration file location.
const DefaultConfigPath = ".hephaestus/plugins.toml"

// Source identifies where a plugin configuration entry came from.
type Source string

const (
	SourceBuiltin     Source = "builtin"
	SourceExternal    Source = "external"
	SourceMarketplace Source = "marketplace"
)

// Config is one plugin entry from the configuration file.
type Config struct {
	Name    string
	Enabled bool
	Config  map[string]any
	Module  string // importable plugin id (external)
	Path    string // filesystem entrypoint (external)
	Version string // pinned version (marketplace)
	Source  Source
}

type rawExternalEntry struct {
	Name    string         `toml:"name"`
	Enabled *bool          `toml:"enabled"`
	Config  map[string]any `toml:"config"`
	Module  string         `toml:"module"`
	Path    string         `toml:"path"`
}

type rawMarketplaceEntry struct {
	Name    string         `toml:"name"`
	Enabled *bool          `toml:"enabled"`
	Config  map[string]any `toml:"config"`
	Version string         `toml:"version"`
}

// LoadConfig reads plugin configuration from TOML. A missing file yields no
// entries, which leaves every built-in enabled.
func LoadConfig(path string) ([]Config, error) {
	if path == "" {
		path = DefaultConfigPath
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}

	var raw struct {
		Builtin     map[string]toml.Primitive `toml:"builtin"`
		External    toml.Primitive            `toml:"external"`
		Marketplace toml.Primitive            `toml:"marketplace"`
	}
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse plugin config: %w", err)
	}

	var configs []Config

	for name, primitive := range raw.Builtin {
		entry := Config{Name: name, Enabled: true, Source: SourceBuiltin}

		var enabled bool
		if err := meta.PrimitiveDecode(primitive, &enabled); err == nil {
			entry.Enabled = enabled
			configs = append(configs, entry)
			continue
		}

		var table struct {
			Enabled *bool          `toml:"enabled"`
			Config  map[string]any `toml:"config"`
		}
		if err := meta.PrimitiveDecode(primitive, &table); err != nil {
			return nil, fmt.Errorf("invalid builtin plugin config for %q", name)
		}
		if table.Enabled != nil {
			entry.Enabled = *table.Enabled
		}
		entry.Config = table.Config
		configs = append(configs, entry)
	}

	var externals []rawExternalEntry
	if meta.IsDefined("external") {
		externals, err = decodeEntryList[rawExternalEntry](meta, raw.External, "plugin")
		if err != nil {
			return nil, err
		}
	}
	for _, external := range externals {
		entry := Config{
			Name:    external.Name,
			Enabled: true,
			Config:  external.Config,
			Module:  external.Module,
			Path:    external.Path,
			Source:  SourceExternal,
		}
		if external.Enabled != nil {
			entry.Enabled = *external.Enabled
		}
		configs = append(configs, entry)
	}

	var marketplaces []rawMarketplaceEntry
	if meta.IsDefined("marketplace") {
		marketplaces, err = decodeEntryList[rawMarketplaceEntry](meta, raw.Marketplace, "marketplace plugin")
		if err != nil {
			return nil, err
		}
	}
	for _, marketplace := range marketplaces {
		entry := Config{
			Name:    marketplace.Name,
			Enabled: true,
			Config:  marketplace.Config,
			Version: marketplace.Version,
			Source:  SourceMarketplace,
		}
		if marketplace.Enabled != nil {
			entry.Enabled = *marketplace.Enabled
		}
		configs = append(configs, entry)
	}

	return configs, nil
}

// decodeEntryList accepts both `[[section]]` arrays and a single `[section]`
// table, rejecting anything else.
func decodeEntryList[T any](meta toml.MetaData, primitive toml.Primitive, kind string) ([]T, error) {
	var list []T
	if err := meta.PrimitiveDecode(primitive, &list); err == nil {
		return list, nil
	}

	var single T
	if err := meta.PrimitiveDecode(primitive, &single); err == nil {
		return []T{single}, nil
	}

	return nil, fmt.Errorf("invalid %s config", kind)
}
