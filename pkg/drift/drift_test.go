package drift

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const samplePyproject = `
[project]
name = "sample"

[project.optional-dependencies]
dev = [
    "ruff>=0.8.0",
    "black>=24.10",
    "mypy[faster-cache]>=1.14.0",
    "pytest>=8.0",
]
`

func writePyproject(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pyproject.toml"), []byte(contents), 0o644))
	return dir
}

func stubProbe(versions map[string]string) func(context.Context, string) string {
	return func(_ context.Context, tool string) string {
		return versions[tool]
	}
}

func TestDetectReportsExpectedAndActual(t *testing.T) {
	dir := writePyproject(t, samplePyproject)
	detector := NewDetector().WithProbe(stubProbe(map[string]string{
		"ruff":  "0.8.4",
		"black": "24.10.0",
		"mypy":  "1.15.0",
	}))

	versions, err := detector.Detect(context.Background(), dir)
	require.NoError(t, err)
	require.Len(t, versions, 4)

	byName := map[string]ToolVersion{}
	for _, tool := range versions {
		byName[tool.Name] = tool
	}

	require.Equal(t, "0.8.0", byName["ruff"].Expected)
	require.False(t, byName["ruff"].HasDrift())

	require.Equal(t, "1.14.0", byName["mypy"].Expected)
	require.True(t, byName["mypy"].HasDrift())

	require.True(t, byName["pip-audit"].IsMissing())
	require.Empty(t, byName["pip-audit"].Expected)
}

func TestDetectFailsWithoutManifest(t *testing.T) {
	detector := NewDetector().WithProbe(stubProbe(nil))
	_, err := detector.Detect(context.Background(), t.TempDir())
	var detectionErr *DetectionError
	require.ErrorAs(t, err, &detectionErr)
	require.Contains(t, detectionErr.Reason, "pyproject.toml not found")
}

func TestVersionsMatchMajorMinorOnly(t *testing.T) {
	require.True(t, versionsMatch("1.14.0", "1.14.9"))
	require.True(t, versionsMatch("0.8", "0.8.4"))
	require.False(t, versionsMatch("1.14.0", "1.15.0"))
	require.False(t, versionsMatch("1.14.0", "2.14.0"))
}

func TestGenerateRemediationCommands(t *testing.T) {
	root := t.TempDir()
	drifted := []ToolVersion{
		{Name: "ruff", Expected: "0.8.0"},
		{Name: "black"},
		{Name: "mypy", Expected: "1.14.0", Actual: "1.15.0"},
	}

	commands := GenerateRemediationCommands(drifted, root)
	require.Equal(t, []string{
		"pip install ruff>=0.8.0",
		"pip install black",
		"pip install --upgrade mypy>=1.14.0",
	}, commands)
}

func TestGenerateRemediationPrefersUVLock(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "uv.lock"), []byte(""), 0o644))

	commands := GenerateRemediationCommands([]ToolVersion{{Name: "ruff", Expected: "0.8.0"}}, root)
	require.Equal(t, "# Recommended: Use uv to sync dependencies", commands[0])
	require.Equal(t, "uv sync --extra dev --extra qa", commands[1])
	require.Contains(t, commands, "pip install ruff>=0.8.0")
}

func TestApplyRemediationSkipsCommentsAndRecordsExitCodes(t *testing.T) {
	results := ApplyRemediationCommands(context.Background(), []string{
		"# comment",
		"",
		"true",
		"false",
	})

	require.Len(t, results, 2)
	require.Equal(t, 0, results[0].ExitCode)
	require.Equal(t, 1, results[1].ExitCode)
}

func TestDriftedFilters(t *testing.T) {
	versions := []ToolVersion{
		{Name: "ruff", Expected: "0.8.0", Actual: "0.8.4"},
		{Name: "mypy", Expected: "1.14.0", Actual: "1.15.0"},
		{Name: "black"},
	}
	drifted := Drifted(versions)
	require.Len(t, drifted, 2)
}
