package analytics

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeSource(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadModuleSignalsMergesSources(t *testing.T) {
	churn := writeSource(t, "churn.yaml", `
- path: src/module_a.py
  churn: 42
  metadata:
    owner: payments
- path: src/module_b.py
  churn: 7
`)
	coverage := writeSource(t, "coverage.yaml", `
- path: src/module_a.py
  coverage: 0.55
  uncovered_lines: 120
- path: src/module_c.py
  coverage: 1.4
`)

	signals, err := LoadModuleSignals(Config{ChurnFile: churn, CoverageFile: coverage})
	require.NoError(t, err)
	require.Len(t, signals, 3)

	moduleA := signals["src/module_a.py"]
	require.Equal(t, 42, moduleA.Churn)
	require.NotNil(t, moduleA.Coverage)
	require.Equal(t, 0.55, *moduleA.Coverage)
	require.Equal(t, 120, *moduleA.UncoveredLines)
	require.Equal(t, "payments", moduleA.Metadata["owner"])

	// Coverage values are clamped into [0, 1].
	require.Equal(t, 1.0, *signals["src/module_c.py"].Coverage)
}

func TestLoadModuleSignalsMappingForm(t *testing.T) {
	churn := writeSource(t, "churn.yaml", `
src/module_a.py:
  churn: 10
src/module_b.py:
  churn: 20
`)

	signals, err := LoadModuleSignals(Config{ChurnFile: churn})
	require.NoError(t, err)
	require.Len(t, signals, 2)
	require.Equal(t, 20, signals["src/module_b.py"].Churn)
}

func TestLoadModuleSignalsRejectsMissingChurn(t *testing.T) {
	churn := writeSource(t, "churn.yaml", `
- path: src/module_a.py
`)

	_, err := LoadModuleSignals(Config{ChurnFile: churn})
	var loadErr *LoadError
	require.ErrorAs(t, err, &loadErr)
	require.Contains(t, loadErr.Reason, "churn")
}

func TestConfigResolve(t *testing.T) {
	config := Config{ChurnFile: "data/churn.yaml", CoverageFile: "/abs/coverage.yaml"}
	resolved := config.Resolve("/base")
	require.Equal(t, filepath.Join("/base", "data/churn.yaml"), resolved.ChurnFile)
	require.Equal(t, "/abs/coverage.yaml", resolved.CoverageFile)
	require.Empty(t, resolved.EmbeddingsFile)
}

func coverageOf(value float64) *float64 { return &value }

func TestRankModulesRiskWeighted(t *testing.T) {
	signals := map[string]*ModuleSignal{
		"hot.py":  {Path: "hot.py", Churn: 90, Coverage: coverageOf(0.2)},
		"warm.py": {Path: "warm.py", Churn: 40, Coverage: coverageOf(0.6)},
		"cool.py": {Path: "cool.py", Churn: 5, Coverage: coverageOf(0.95)},
	}

	ranked := RankModules(signals, StrategyRiskWeighted, 0.75, 10)
	require.Len(t, ranked, 3)
	require.Equal(t, "hot.py", ranked[0].Path)
	require.Equal(t, 1, ranked[0].Rank)
	require.Equal(t, "cool.py", ranked[2].Path)
	require.Greater(t, ranked[0].Score, ranked[1].Score)
}

func TestRankModulesLimitAndDeterminism(t *testing.T) {
	signals := map[string]*ModuleSignal{
		"a.py": {Path: "a.py", Churn: 10},
		"b.py": {Path: "b.py", Churn: 10},
		"c.py": {Path: "c.py", Churn: 10},
	}

	ranked := RankModules(signals, StrategyChurnBased, 0.75, 2)
	require.Len(t, ranked, 2)
	// Equal scores break ties by path.
	require.Equal(t, "a.py", ranked[0].Path)
	require.Equal(t, "b.py", ranked[1].Path)
}

func TestParseStrategy(t *testing.T) {
	strategy, err := ParseStrategy("")
	require.NoError(t, err)
	require.Equal(t, DefaultStrategy, strategy)

	strategy, err = ParseStrategy("coverage_first")
	require.NoError(t, err)
	require.Equal(t, StrategyCoverageFirst, strategy)

	_, err = ParseStrategy("bogus")
	require.ErrorContains(t, err, "strategy must be one of")
}
