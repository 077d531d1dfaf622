// Package drift detects version drift between the tool versions a project
// declares and the versions installed on PATH, at major.minor granularity.
package drift

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/Masterminds/semver/v3"
)

// probeTimeout bounds each `<tool> --version` subprocess.
const probeTimeout = 5 * time.Second

// trackedTools are the quality tools checked for drift, in report order.
var trackedTools = []string{"ruff", "black", "mypy", "pip-audit"}

// ToolVersion holds declared and installed version information for one tool.
type ToolVersion struct {
	Name     string
	Expected string // empty when the project declares no version
	Actual   string // empty when the tool is not installed
}

// IsMissing reports whether the tool is not installed.
func (t ToolVersion) IsMissing() bool { return t.Actual == "" }

// HasDrift reports whether installed and declared versions differ at
// major.minor granularity.
func (t ToolVersion) HasDrift() bool {
	if t.Expected == "" || t.Actual == "" {
		return false
	}
	return !versionsMatch(t.Expected, t.Actual)
}

func versionsMatch(expected, actual string) bool {
	ev, errE := semver.NewVersion(expected)
	av, errA := semver.NewVersion(actual)
	if errE == nil && errA == nil {
		return ev.Major() == av.Major() && ev.Minor() == av.Minor()
	}

	expectedParts := strings.SplitN(expected, ".", 3)
	actualParts := strings.SplitN(actual, ".", 3)
	for i := 0; i < 2; i++ {
		ep, ap := "", ""
		if i < len(expectedParts) {
			ep = expectedParts[i]
		}
		if i < len(actualParts) {
			ap = actualParts[i]
		}
		if ep != ap {
			return false
		}
	}
	return true
}

// DetectionError is raised when the project manifest cannot be read.
type DetectionError struct {
	Reason string
}

func (e *DetectionError) Error() string { return e.Reason }

type pyprojectFile struct {
	Project struct {
		OptionalDependencies map[string][]string `toml:"optional-dependencies"`
	} `toml:"project"`
}

var (
	versionOutputPattern = regexp.MustCompile(`(\d+\.\d+\.\d+)`)
)

// Detector probes installed tool versions. The prober is injectable so
// tests can avoid real subprocesses.
type Detector struct {
	probe func(ctx context.Context, tool string) string
}

// NewDetector creates a detector using real `--version` probes.
func NewDetector() *Detector {
	return &Detector{probe: probeInstalledVersion}
}

// WithProbe overrides the version prober.
func (d *Detector) WithProbe(probe func(ctx context.Context, tool string) string) *Detector {
	d.probe = probe
	return d
}

// Detect reads declared tool versions from the project manifest and probes
// the installed versions of every tracked tool.
func (d *Detector) Detect(ctx context.Context, projectRoot string) ([]ToolVersion, error) {
	if projectRoot == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		projectRoot = cwd
	}

	manifestPath := filepath.Join(projectRoot, "pyproject.toml")
	if _, err := os.Stat(manifestPath); err != nil {
		return nil, &DetectionError{Reason: fmt.Sprintf("pyproject.toml not found at %s", manifestPath)}
	}

	var manifest pyprojectFile
	if _, err := toml.DecodeFile(manifestPath, &manifest); err != nil {
		return nil, &DetectionError{Reason: fmt.Sprintf("failed to parse pyproject.toml: %v", err)}
	}

	devDeps := manifest.Project.OptionalDependencies["dev"]

	results := make([]ToolVersion, 0, len(trackedTools))
	for _, tool := range trackedTools {
		results = append(results, ToolVersion{
			Name:     tool,
			Expected: extractVersionSpec(devDeps, tool),
			Actual:   d.probe(ctx, tool),
		})
	}
	return results, nil
}

// extractVersionSpec pulls the minimum version from a dependency list entry
// like "ruff>=0.8.0" or "pkg[extra]>=1.0".
func extractVersionSpec(deps []string, name string) string {
	pattern := regexp.MustCompile(`^` + regexp.QuoteMeta(name) + `(\[.*?\])?>=([0-9.]+)`)
	for _, dep := range deps {
		if match := pattern.FindStringSubmatch(dep); match != nil {
			return match[2]
		}
	}
	return ""
}

// probeInstalledVersion runs `<tool> --version` with a short timeout and
// extracts the first full version triple from its output.
func probeInstalledVersion(ctx context.Context, tool string) string {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	cmd := exec.CommandContext(probeCtx, tool, "--version")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return ""
	}
	if match := versionOutputPattern.FindString(string(output)); match != "" {
		return match
	}
	return ""
}

// Drifted filters versions down to tools that are missing or drifting.
func Drifted(versions []ToolVersion) []ToolVersion {
	var out []ToolVersion
	for _, tool := range versions {
		if tool.HasDrift() || tool.IsMissing() {
			out = append(out, tool)
		}
	}
	return out
}
