// Package cleanup removes workspace cruft (macOS metadata, language caches,
// build artifacts, node_modules) under strict safety rails: dangerous roots
// are rejected at normalisation, .git internals are skipped by default, and
// virtualenv site-packages trees are preserved.
package cleanup

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

const (
	gitDir          = ".git"
	venvDir         = ".venv"
	nodeModulesDir  = "node_modules"
	sitePackagesDir = "site-packages"
)

// macOSPatterns are always removed.
var macOSPatterns = []string{
	".DS_Store",
	"._*",
	".AppleDouble",
	".AppleDesktop",
	".AppleDB",
	"Icon?",
	"__MACOSX",
	".DocumentRevisions-V100",
	".Spotlight-V100",
	".Trashes",
	".fseventsd",
	".TemporaryItems",
	".LSOverride",
	".apdisk",
}

var (
	pythonCacheDirs  = []string{"__pycache__"}
	pythonCacheFiles = []string{"*.pyc", "*.pyo"}
)

var buildArtifactPatterns = []string{
	"*.egg-info",
	"*.tsbuildinfo",
	"build",
	"dist",
	".tox",
	".pytest_cache",
	".coverage",
	"coverage.xml",
	".mypy_cache",
	".ruff_cache",
	"htmlcov",
	"*.whl",
	".trunk",
	sitePackagesDir,
	".turbo",
	".parcel-cache",
	".rollup.cache",
	".nyc_output",
	".eslintcache",
	"*.tmp",
	"*.temp",
	"*~",
}

const ipynbCheckpointDir = ".ipynb_checkpoints"

// dangerousPaths are never accepted as cleanup roots.
var dangerousPaths = []string{
	"/",
	"/home",
	"/usr",
	"/etc",
	"/var",
	"/bin",
	"/sbin",
	"/lib",
	"/lib64",
	"/opt",
	"/boot",
	"/root",
	"/sys",
	"/proc",
	"/dev",
}

// Options is the user-provided cleanup configuration. DeepClean implies
// every optional category.
type Options struct {
	Root           string
	IncludeGit     bool
	IncludeVenv    bool
	PythonCache    bool
	BuildArtifacts bool
	NodeModules    bool
	DeepClean      bool
	DryRun         bool
	ExtraPaths     []string
	ManifestPath   string
	MaxDepth       *int // nil means unlimited; 0 restricts to the root itself
}

// Normalized is the concrete option set with defaults resolved and every
// root validated.
type Normalized struct {
	Root           string
	IncludeGit     bool
	IncludeVenv    bool
	PythonCache    bool
	BuildArtifacts bool
	NodeModules    bool
	DryRun         bool
	ExtraPaths     []string
	ManifestPath   string
	MaxDepth       *int
}

// IsDangerousPath reports whether path may never be used as a cleanup root.
func IsDangerousPath(path string) bool {
	resolved, err := filepath.Abs(path)
	if err != nil {
		return true
	}
	resolved = filepath.Clean(resolved)
	for _, dangerous := range dangerousPaths {
		if resolved == dangerous {
			return true
		}
	}
	if home, err := os.UserHomeDir(); err == nil && resolved == filepath.Clean(home) {
		return true
	}
	return false
}

// ResolveRoot validates an explicit root or falls back to the git toplevel,
// then the working directory.
func ResolveRoot(root string) (string, error) {
	if root != "" {
		resolved, err := filepath.Abs(root)
		if err != nil {
			return "", fmt.Errorf("resolve root %s: %w", root, err)
		}
		if IsDangerousPath(resolved) {
			return "", &DangerousPathError{Path: resolved}
		}
		return filepath.Clean(resolved), nil
	}

	if out, err := exec.Command("git", "rev-parse", "--show-toplevel").Output(); err == nil {
		if toplevel := strings.TrimSpace(string(out)); toplevel != "" {
			return toplevel, nil
		}
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return cwd, nil
}

// DangerousPathError reports a rejected cleanup root.
type DangerousPathError struct {
	Path string
}

func (e *DangerousPathError) Error() string {
	return fmt.Sprintf("Refusing to clean dangerous path: %s", e.Path)
}

// Normalize resolves defaults and validates the root and every extra path.
func (o Options) Normalize() (Normalized, error) {
	root, err := ResolveRoot(o.Root)
	if err != nil {
		return Normalized{}, err
	}

	var extras []string
	for _, extra := range o.ExtraPaths {
		resolved, err := filepath.Abs(extra)
		if err != nil {
			return Normalized{}, fmt.Errorf("resolve extra path %s: %w", extra, err)
		}
		if IsDangerousPath(resolved) {
			return Normalized{}, &DangerousPathError{Path: resolved}
		}
		extras = append(extras, filepath.Clean(resolved))
	}

	return Normalized{
		Root:           root,
		IncludeGit:     o.IncludeGit || o.DeepClean,
		IncludeVenv:    o.IncludeVenv || o.DeepClean,
		PythonCache:    o.PythonCache || o.DeepClean,
		BuildArtifacts: o.BuildArtifacts || o.DeepClean,
		NodeModules:    o.NodeModules || o.DeepClean,
		DryRun:         o.DryRun,
		ExtraPaths:     extras,
		ManifestPath:   o.ManifestPath,
		MaxDepth:       o.MaxDepth,
	}, nil
}

// searchRoots returns the deduplicated roots to sweep: the primary root,
// every extra path, and the workspace virtualenv when venv sweeping is on.
func (n Normalized) searchRoots() []string {
	seen := map[string]bool{}
	var roots []string
	add := func(path string) {
		clean := filepath.Clean(path)
		if !seen[clean] {
			seen[clean] = true
			roots = append(roots, clean)
		}
	}

	add(n.Root)
	for _, extra := range n.ExtraPaths {
		add(extra)
	}
	if n.IncludeVenv {
		venv := filepath.Join(n.Root, venvDir)
		if info, err := os.Stat(venv); err == nil && info.IsDir() {
			add(venv)
		}
	}
	return roots
}
