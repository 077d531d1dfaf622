package cleanup

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
}

func mkdir(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(path, 0o755))
}

func TestNormalizeRejectsDangerousRoot(t *testing.T) {
	for _, root := range []string{"/", "/usr", "/etc", "/proc"} {
		_, err := Options{Root: root}.Normalize()
		var dangerous *DangerousPathError
		require.ErrorAs(t, err, &dangerous, "root %s", root)
	}

	home, err := os.UserHomeDir()
	require.NoError(t, err)
	_, err = Options{Root: home}.Normalize()
	var dangerous *DangerousPathError
	require.ErrorAs(t, err, &dangerous)
}

func TestNormalizeRejectsDangerousExtraPath(t *testing.T) {
	dir := t.TempDir()
	_, err := Options{Root: dir, ExtraPaths: []string{"/var"}}.Normalize()
	var dangerous *DangerousPathError
	require.ErrorAs(t, err, &dangerous)
}

func TestDeepCleanImpliesAllCategories(t *testing.T) {
	dir := t.TempDir()
	normalized, err := Options{Root: dir, DeepClean: true}.Normalize()
	require.NoError(t, err)
	require.True(t, normalized.IncludeGit)
	require.True(t, normalized.IncludeVenv)
	require.True(t, normalized.PythonCache)
	require.True(t, normalized.BuildArtifacts)
	require.True(t, normalized.NodeModules)
}

func TestRunRemovesMatchingEntries(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, ".DS_Store"))
	touch(t, filepath.Join(dir, "src", "._resource"))
	touch(t, filepath.Join(dir, "src", "keep.go"))
	mkdir(t, filepath.Join(dir, "pkg", "__pycache__"))
	touch(t, filepath.Join(dir, "pkg", "mod.pyc"))
	mkdir(t, filepath.Join(dir, "web", "node_modules", "left-pad"))
	mkdir(t, filepath.Join(dir, "dist"))

	engine := NewEngine(nil)
	result, err := engine.Run(context.Background(), Options{Root: dir, DeepClean: true})
	require.NoError(t, err)
	require.Empty(t, result.Errors)

	require.NoFileExists(t, filepath.Join(dir, ".DS_Store"))
	require.NoFileExists(t, filepath.Join(dir, "src", "._resource"))
	require.NoDirExists(t, filepath.Join(dir, "pkg", "__pycache__"))
	require.NoFileExists(t, filepath.Join(dir, "pkg", "mod.pyc"))
	require.NoDirExists(t, filepath.Join(dir, "web", "node_modules"))
	require.NoDirExists(t, filepath.Join(dir, "dist"))
	require.FileExists(t, filepath.Join(dir, "src", "keep.go"))
	require.Len(t, result.RemovedPaths, 6)
}

func TestRunSkipsGitInternalsByDefault(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, ".git", ".DS_Store"))

	engine := NewEngine(nil)
	result, err := engine.Run(context.Background(), Options{Root: dir})
	require.NoError(t, err)
	require.Empty(t, result.RemovedPaths)
	require.FileExists(t, filepath.Join(dir, ".git", ".DS_Store"))

	result, err = engine.Run(context.Background(), Options{Root: dir, IncludeGit: true})
	require.NoError(t, err)
	require.Len(t, result.RemovedPaths, 1)
}

func TestRunPreservesSitePackages(t *testing.T) {
	dir := t.TempDir()
	pkgDir := filepath.Join(dir, ".venv", "lib", "python3.12", "site-packages", "requests")
	mkdir(t, pkgDir)
	touch(t, filepath.Join(pkgDir, "api.py"))
	mkdir(t, filepath.Join(pkgDir, "__pycache__"))
	// site-packages itself matches the build-artifact pattern list.
	mkdir(t, filepath.Join(dir, ".venv", "lib", "python3.12", "site-packages", "dist"))

	engine := NewEngine(nil)
	result, err := engine.Run(context.Background(), Options{Root: filepath.Join(dir, ".venv"), DeepClean: true})
	require.NoError(t, err)

	require.FileExists(t, filepath.Join(pkgDir, "api.py"))
	require.NoDirExists(t, filepath.Join(pkgDir, "__pycache__"))
	require.NotEmpty(t, result.SkippedRoots)
}

func TestDryRunPreviewsWithoutMutation(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, ".DS_Store"))
	mkdir(t, filepath.Join(dir, "build"))

	engine := NewEngine(nil)
	preview, err := engine.Run(context.Background(), Options{Root: dir, DeepClean: true, DryRun: true})
	require.NoError(t, err)
	require.Len(t, preview.PreviewPaths, 2)
	require.Empty(t, preview.RemovedPaths)
	require.FileExists(t, filepath.Join(dir, ".DS_Store"))

	real, err := engine.Run(context.Background(), Options{Root: dir, DeepClean: true})
	require.NoError(t, err)

	// Real-run removals cover everything the dry run previewed.
	removed := map[string]bool{}
	for _, path := range real.RemovedPaths {
		removed[path] = true
	}
	for _, path := range preview.PreviewPaths {
		require.True(t, removed[path], "previewed path %s not removed", path)
	}
}

func TestMaxDepthZeroOnlySweepsRoot(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, ".DS_Store"))
	touch(t, filepath.Join(dir, "nested", ".DS_Store"))

	depth := 0
	engine := NewEngine(nil)
	result, err := engine.Run(context.Background(), Options{Root: dir, MaxDepth: &depth})
	require.NoError(t, err)

	require.Len(t, result.RemovedPaths, 1)
	require.FileExists(t, filepath.Join(dir, "nested", ".DS_Store"))
}

func TestRunRecordsMissingRoots(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, "absent")

	engine := NewEngine(nil)
	result, err := engine.Run(context.Background(), Options{Root: dir, ExtraPaths: []string{missing}})
	require.NoError(t, err)
	require.Len(t, result.SkippedRoots, 1)
	require.Equal(t, "missing", result.SkippedRoots[0].Reason)
}

func TestRunWritesAuditManifest(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, ".DS_Store"))
	manifest := filepath.Join(dir, "out", "cleanup-manifest.json")

	engine := NewEngine(nil)
	result, err := engine.Run(context.Background(), Options{Root: dir, ManifestPath: manifest})
	require.NoError(t, err)
	require.Equal(t, manifest, result.AuditManifest)

	data, err := os.ReadFile(manifest)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	require.Equal(t, dir, doc["root"])
	require.Len(t, doc["removed_paths"], 1)
}

func TestDeepCleanSweepsWorkspaceVenv(t *testing.T) {
	dir := t.TempDir()
	mkdir(t, filepath.Join(dir, ".venv"))
	touch(t, filepath.Join(dir, ".venv", ".DS_Store"))

	engine := NewEngine(nil)
	result, err := engine.Run(context.Background(), Options{Root: dir, DeepClean: true})
	require.NoError(t, err)
	require.Contains(t, result.SearchRoots, filepath.Join(dir, ".venv"))
}

func TestEstimateBytes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "file.tmp")
	require.NoError(t, os.WriteFile(path, make([]byte, 1024), 0o644))

	require.Equal(t, int64(1024), EstimateBytes([]string{path, filepath.Join(dir, "missing"), dir}))
}

// Dangerous roots are rejected for every flag combination; no traversal or
// mutation can occur.
func TestDangerousRootProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("normalize always rejects dangerous roots", prop.ForAll(
		func(rootIdx int, deep, dry bool) bool {
			root := dangerousPaths[rootIdx%len(dangerousPaths)]
			_, err := Options{Root: root, DeepClean: deep, DryRun: dry}.Normalize()
			var dangerous *DangerousPathError
			return err != nil && errorsAs(err, &dangerous)
		},
		gen.IntRange(0, len(dangerousPaths)-1),
		gen.Bool(),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

func errorsAs(err error, target **DangerousPathError) bool {
	for err != nil {
		if de, ok := err.(*DangerousPathError); ok {
			*target = de
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}
