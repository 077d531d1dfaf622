// Package analytics loads module quality signals (churn, coverage,
// embeddings), derives refactoring rankings, and ingests streamed analytics
// events into a bounded buffer.
package analytics

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config describes the structured analytics sources.
type Config struct {
	ChurnFile      string `yaml:"churn_file"`
	CoverageFile   string `yaml:"coverage_file"`
	EmbeddingsFile string `yaml:"embeddings_file"`
}

// IsConfigured reports whether at least one source is set.
func (c Config) IsConfigured() bool {
	return c.ChurnFile != "" || c.CoverageFile != "" || c.EmbeddingsFile != ""
}

// Resolve returns a copy with relative paths resolved from base.
func (c Config) Resolve(base string) Config {
	resolve := func(path string) string {
		if path == "" || filepath.IsAbs(path) {
			return path
		}
		return filepath.Join(base, path)
	}
	return Config{
		ChurnFile:      resolve(c.ChurnFile),
		CoverageFile:   resolve(c.CoverageFile),
		EmbeddingsFile: resolve(c.EmbeddingsFile),
	}
}

// ModuleSignal aggregates analytics signals for one source module.
type ModuleSignal struct {
	Path           string
	Churn          int
	Coverage       *float64
	UncoveredLines *int
	Embedding      []float64
	Metadata       map[string]any
}

// LoadError is raised when analytics data cannot be parsed.
type LoadError struct {
	Reason string
}

func (e *LoadError) Error() string { return e.Reason }

// LoadModuleSignals merges every configured source into per-module signals.
func LoadModuleSignals(config Config) (map[string]*ModuleSignal, error) {
	signals := map[string]*ModuleSignal{}
	if !config.IsConfigured() {
		return signals, nil
	}

	if config.ChurnFile != "" {
		if err := mergeChurn(signals, config.ChurnFile); err != nil {
			return nil, err
		}
	}
	if config.CoverageFile != "" {
		if err := mergeCoverage(signals, config.CoverageFile); err != nil {
			return nil, err
		}
	}
	if config.EmbeddingsFile != "" {
		if err := mergeEmbeddings(signals, config.EmbeddingsFile); err != nil {
			return nil, err
		}
	}
	return signals, nil
}

type signalRecord struct {
	Path           string         `yaml:"path"`
	Churn          *int           `yaml:"churn"`
	Coverage       *float64       `yaml:"coverage"`
	UncoveredLines *int           `yaml:"uncovered_lines"`
	Embedding      []float64      `yaml:"embedding"`
	Metadata       map[string]any `yaml:"metadata"`
}

// loadRecords parses a source file as either a list of records or a mapping
// of path to record body.
func loadRecords(path string) ([]signalRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("analytics source %s: %w", path, err)
	}

	var asList []signalRecord
	if err := yaml.Unmarshal(data, &asList); err == nil {
		return asList, nil
	}

	var asMap map[string]signalRecord
	if err := yaml.Unmarshal(data, &asMap); err == nil {
		records := make([]signalRecord, 0, len(asMap))
		for recordPath, record := range asMap {
			record.Path = recordPath
			records = append(records, record)
		}
		return records, nil
	}

	return nil, &LoadError{Reason: fmt.Sprintf("unsupported analytics payload in %s", path)}
}

func ensureSignal(target map[string]*ModuleSignal, path string) *ModuleSignal {
	if _, ok := target[path]; !ok {
		target[path] = &ModuleSignal{Path: path, Metadata: map[string]any{}}
	}
	return target[path]
}

func mergeChurn(target map[string]*ModuleSignal, path string) error {
	records, err := loadRecords(path)
	if err != nil {
		return err
	}
	for _, record := range records {
		if record.Path == "" {
			return &LoadError{Reason: fmt.Sprintf("missing required key 'path' in churn record in %s", path)}
		}
		if record.Churn == nil {
			return &LoadError{Reason: fmt.Sprintf("missing required key 'churn' for %q in %s", record.Path, path)}
		}
		signal := ensureSignal(target, record.Path)
		signal.Churn = *record.Churn
		for key, value := range record.Metadata {
			signal.Metadata[key] = value
		}
	}
	return nil
}

func mergeCoverage(target map[string]*ModuleSignal, path string) error {
	records, err := loadRecords(path)
	if err != nil {
		return err
	}
	for _, record := range records {
		if record.Path == "" {
			return &LoadError{Reason: fmt.Sprintf("missing required key 'path' in coverage record in %s", path)}
		}
		signal := ensureSignal(target, record.Path)
		if record.Coverage != nil {
			coverage := *record.Coverage
			if coverage < 0 {
				coverage = 0
			}
			if coverage > 1 {
				coverage = 1
			}
			signal.Coverage = &coverage
		}
		if record.UncoveredLines != nil {
			uncovered := *record.UncoveredLines
			signal.UncoveredLines = &uncovered
		}
	}
	return nil
}

func mergeEmbeddings(target map[string]*ModuleSignal, path string) error {
	records, err := loadRecords(path)
	if err != nil {
		return err
	}
	for _, record := range records {
		if record.Path == "" {
			return &LoadError{Reason: fmt.Sprintf("missing required key 'path' in embeddings record in %s", path)}
		}
		if record.Embedding == nil {
			return &LoadError{Reason: fmt.Sprintf("missing required key 'embedding' for %q in %s", record.Path, path)}
		}
		signal := ensureSignal(target, record.Path)
		signal.Embedding = record.Embedding
	}
	return nil
}
