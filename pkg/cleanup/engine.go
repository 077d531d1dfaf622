package cleanup

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/IAmJonoBo/hephaestus/pkg/telemetry"
)

// SkippedRoot records a path skipped during a sweep, with the reason.
type SkippedRoot struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// PathError records a removal failure.
type PathError struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// Result summarises one cleanup execution.
type Result struct {
	SearchRoots   []string
	RemovedPaths  []string
	PreviewPaths  []string
	SkippedRoots  []SkippedRoot
	Errors        []PathError
	AuditManifest string
}

// Engine runs cleanup sweeps. The unlock hook is invoked once before a
// removal is retried after a permission error.
type Engine struct {
	logger *slog.Logger
	clock  func() time.Time
	unlock func(path string) error
}

// NewEngine creates a cleanup engine.
func NewEngine(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		logger: logger.With("component", "cleanup"),
		clock:  time.Now,
		unlock: defaultUnlock,
	}
}

// WithUnlockHook overrides the permission-recovery hook (tests, platforms).
func (e *Engine) WithUnlockHook(hook func(path string) error) *Engine {
	e.unlock = hook
	return e
}

// Run executes a sweep with the provided options and returns a summary.
// Dry runs traverse identically but never mutate.
func (e *Engine) Run(ctx context.Context, opts Options) (*Result, error) {
	normalized, err := opts.Normalize()
	if err != nil {
		return nil, err
	}

	result := &Result{SearchRoots: normalized.searchRoots()}

	ctx = telemetry.WithFields(ctx, map[string]any{"command": "cleanup", "root": normalized.Root})
	_ = telemetry.Emit(ctx, e.logger, telemetry.CleanupRunStart, map[string]any{
		"search_roots":    result.SearchRoots,
		"include_git":     normalized.IncludeGit,
		"include_venv":    normalized.IncludeVenv,
		"python_cache":    normalized.PythonCache,
		"build_artifacts": normalized.BuildArtifacts,
		"node_modules":    normalized.NodeModules,
		"extra_paths":     normalized.ExtraPaths,
		"dry_run":         normalized.DryRun,
	})

	for _, root := range result.SearchRoots {
		info, err := os.Stat(root)
		if err != nil || !info.IsDir() {
			e.recordSkip(ctx, result, root, "missing")
			continue
		}
		e.sweepDir(ctx, root, 0, normalized, result)
	}

	if normalized.ManifestPath != "" {
		if err := e.writeManifest(normalized, result); err != nil {
			result.Errors = append(result.Errors, PathError{Path: normalized.ManifestPath, Reason: err.Error()})
		} else {
			result.AuditManifest = normalized.ManifestPath
		}
	}

	_ = telemetry.Emit(ctx, e.logger, telemetry.CleanupRunComplete, map[string]any{
		"removed":   len(result.RemovedPaths),
		"previewed": len(result.PreviewPaths),
		"skipped":   len(result.SkippedRoots),
		"errors":    len(result.Errors),
	})

	return result, nil
}

// sweepDir walks one directory level, removing matching entries and
// recursing into surviving subdirectories within the depth bound.
func (e *Engine) sweepDir(ctx context.Context, dir string, depth int, opts Normalized, result *Result) {
	if ctx.Err() != nil {
		return
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		result.Errors = append(result.Errors, PathError{Path: dir, Reason: err.Error()})
		return
	}

	for _, entry := range entries {
		name := entry.Name()
		target := filepath.Join(dir, name)

		if entry.IsDir() && name == gitDir && !opts.IncludeGit {
			continue
		}

		isDir := entry.IsDir()
		if matched, pyCache := e.matches(name, isDir, opts); matched {
			if !protectedSitePackages(target, pyCache) {
				e.removePath(ctx, target, isDir, opts.DryRun, result)
				continue
			}
			// Protected trees are kept but still descended so cache
			// entries inside them remain eligible.
			e.recordSkip(ctx, result, target, "site-packages preserved")
		}

		if isDir {
			if opts.MaxDepth != nil && depth+1 > *opts.MaxDepth {
				continue
			}
			e.sweepDir(ctx, target, depth+1, opts, result)
		}
	}
}

// matches reports whether an entry name matches any active pattern set.
// The second return flags Python-cache matches, which stay eligible inside
// site-packages.
func (e *Engine) matches(name string, isDir bool, opts Normalized) (bool, bool) {
	if matchesAny(name, macOSPatterns) {
		return true, false
	}
	if opts.PythonCache {
		if isDir && matchesAny(name, pythonCacheDirs) {
			return true, true
		}
		if !isDir && matchesAny(name, pythonCacheFiles) {
			return true, true
		}
	}
	if opts.BuildArtifacts {
		if matchesAny(name, buildArtifactPatterns) {
			return true, false
		}
		if isDir && name == ipynbCheckpointDir {
			return true, false
		}
	}
	if opts.NodeModules && isDir && name == nodeModulesDir {
		return true, false
	}
	return false, false
}

func matchesAny(name string, patterns []string) bool {
	for _, pattern := range patterns {
		if ok, err := filepath.Match(pattern, name); err == nil && ok {
			return true
		}
	}
	return false
}

// protectedSitePackages reports whether target sits in a virtualenv
// site-packages tree where only Python cache entries may be removed.
func protectedSitePackages(target string, pyCacheMatch bool) bool {
	if pyCacheMatch {
		return false
	}
	parts := strings.Split(filepath.ToSlash(target), "/")
	hasVenv, hasSitePackages := false, false
	for _, part := range parts {
		if part == venvDir {
			hasVenv = true
		}
		if part == sitePackagesDir {
			hasSitePackages = true
		}
	}
	return hasVenv && hasSitePackages
}

func (e *Engine) removePath(ctx context.Context, target string, isDir, dryRun bool, result *Result) {
	if dryRun {
		result.PreviewPaths = append(result.PreviewPaths, target)
		_ = telemetry.Emit(ctx, e.logger, telemetry.CleanupPathPreview, map[string]any{"path": target})
		return
	}

	err := remove(target, isDir)
	if err != nil && os.IsPermission(err) && e.unlock != nil {
		if unlockErr := e.unlock(target); unlockErr == nil {
			err = remove(target, isDir)
		}
	}
	switch {
	case err == nil:
		result.RemovedPaths = append(result.RemovedPaths, target)
		_ = telemetry.Emit(ctx, e.logger, telemetry.CleanupPathRemoved, map[string]any{"path": target})
	case os.IsNotExist(err):
		// Already gone; nothing to record.
	default:
		result.Errors = append(result.Errors, PathError{Path: target, Reason: err.Error()})
		_ = telemetry.Emit(ctx, e.logger, telemetry.CleanupPathError, map[string]any{
			"path":   target,
			"reason": err.Error(),
		})
	}
}

func remove(target string, isDir bool) error {
	if isDir {
		return os.RemoveAll(target)
	}
	return os.Remove(target)
}

// defaultUnlock makes the target and its parent writable before a retry.
func defaultUnlock(target string) error {
	if err := os.Chmod(target, 0o700); err != nil && !os.IsNotExist(err) {
		return err
	}
	return os.Chmod(filepath.Dir(target), 0o700)
}

func (e *Engine) recordSkip(ctx context.Context, result *Result, path, reason string) {
	result.SkippedRoots = append(result.SkippedRoots, SkippedRoot{Path: path, Reason: reason})
	_ = telemetry.Emit(ctx, e.logger, telemetry.CleanupPathSkipped, map[string]any{
		"path":   path,
		"reason": reason,
	})
}

type manifestDocument struct {
	Root         string        `json:"root"`
	GeneratedAt  string        `json:"generated_at"`
	SearchRoots  []string      `json:"search_roots"`
	RemovedPaths []string      `json:"removed_paths"`
	PreviewPaths []string      `json:"preview_paths,omitempty"`
	SkippedRoots []SkippedRoot `json:"skipped_roots,omitempty"`
	Errors       []PathError   `json:"errors,omitempty"`
}

func (e *Engine) writeManifest(opts Normalized, result *Result) error {
	doc := manifestDocument{
		Root:         opts.Root,
		GeneratedAt:  e.clock().UTC().Format(time.RFC3339),
		SearchRoots:  result.SearchRoots,
		RemovedPaths: result.RemovedPaths,
		PreviewPaths: result.PreviewPaths,
		SkippedRoots: result.SkippedRoots,
		Errors:       result.Errors,
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(opts.ManifestPath), 0o700); err != nil {
		return err
	}
	return os.WriteFile(opts.ManifestPath, data, 0o600)
}

// EstimateBytes returns a conservative byte estimate for the given paths.
// Unreadable entries and directories are skipped silently.
func EstimateBytes(paths []string) int64 {
	var total int64
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		total += info.Size()
	}
	return total
}
