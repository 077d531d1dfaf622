// Package toolbox loads the toolkit settings file and derives deterministic
// synthetic hotspots when real analytics sources are not configured.
package toolbox

import (
	"fmt"
	"math"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/IAmJonoBo/hephaestus/pkg/analytics"
)

// DefaultConfigPath is the standard toolkit settings location.
const DefaultConfigPath = "hephaestus-toolkit/refactoring/config/refactor.config.yaml"

// Settings is the runtime configuration for analytics and hotspot derivation.
type Settings struct {
	CoverageThreshold float64                   `yaml:"coverage_threshold"`
	HotspotLimit      int                       `yaml:"hotspot_limit"`
	Repositories      []string                  `yaml:"repositories"`
	Analytics         *analytics.Config         `yaml:"analytics"`
	HistoryDB         string                    `yaml:"history_db"`
	QAProfiles        map[string]map[string]any `yaml:"qa_profiles"`
}

// DefaultSettings returns the settings used when no configuration file exists.
func DefaultSettings() Settings {
	return Settings{
		CoverageThreshold: 0.75,
		HotspotLimit:      10,
	}
}

// LoadSettings reads configuration from disk, falling back to the default
// toolkit file location. A missing file is reported via os.IsNotExist.
func LoadSettings(path string) (Settings, error) {
	if path == "" {
		path = DefaultConfigPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, err
	}

	settings := DefaultSettings()
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return Settings{}, fmt.Errorf("parse settings %s: %w", path, err)
	}
	if settings.CoverageThreshold < 0 || settings.CoverageThreshold > 1 {
		return Settings{}, fmt.Errorf("coverage_threshold must be within [0, 1]")
	}
	if settings.HotspotLimit < 1 {
		settings.HotspotLimit = DefaultSettings().HotspotLimit
	}
	return settings, nil
}

// Hotspot is one synthetic high-churn module.
type Hotspot struct {
	Path     string
	Churn    int
	Coverage float64
}

// AnalyzeHotspots returns a ranked list of synthetic hotspots derived
// deterministically from the configured repositories. Real deployments feed
// analytics sources instead; this keeps the surface functional without data.
func AnalyzeHotspots(settings Settings, limit int) []Hotspot {
	if limit <= 0 {
		limit = settings.HotspotLimit
	}
	if limit <= 0 {
		limit = DefaultSettings().HotspotLimit
	}

	repositories := settings.Repositories
	if len(repositories) == 0 {
		repositories = []string{"monolith", "services/api"}
	}

	var hotspots []Hotspot
	churnSeed := 17
	for _, repository := range repositories {
		for index := 1; index <= 3; index++ {
			churn := churnSeed + index*3
			coverage := math.Max(0, 1.0-float64(index)*0.12)
			hotspots = append(hotspots, Hotspot{
				Path:     fmt.Sprintf("%s/module_%d.py", repository, index),
				Churn:    churn,
				Coverage: math.Round(coverage*100) / 100,
			})
		}
		churnSeed += 11
	}

	sort.Slice(hotspots, func(i, j int) bool {
		if hotspots[i].Churn != hotspots[j].Churn {
			return hotspots[i].Churn > hotspots[j].Churn
		}
		return hotspots[i].Path < hotspots[j].Path
	})
	if len(hotspots) > limit {
		hotspots = hotspots[:limit]
	}
	return hotspots
}
