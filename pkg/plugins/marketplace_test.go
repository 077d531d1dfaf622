package plugins

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/IAmJonoBo/hephaestus/pkg/telemetry"
)

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
}

func writeManifestFile(t *testing.T, root, name, body string) {
	t.Helper()
	writeFile(t, filepath.Join(root, name+".toml"), body)
}

func writeBundle(t *testing.T, path string, artifact string, identities []string) {
	t.Helper()
	data, err := os.ReadFile(artifact)
	require.NoError(t, err)
	digest := sha256.Sum256(data)

	bundle := map[string]any{
		"messageSignature": map[string]any{
			"messageDigest": map[string]any{
				"algorithm": "sha256",
				"digest":    base64.StdEncoding.EncodeToString(digest[:]),
			},
		},
		"verificationMaterial": map[string]any{
			"identities": identities,
		},
	}
	encoded, err := json.Marshal(bundle)
	require.NoError(t, err)
	writeFile(t, path, string(encoded))
}

func TestLoadMarketplaceManifestsEnforcesRegistryBoundaries(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "plugins", "safe.py"), "print('safe')\n")

	writeManifestFile(t, root, "safe", `
[plugin]
name = "safe"
version = "1.0.0"
description = "Safe plugin"
author = "Quality Team"
category = "custom"

[plugin.entrypoint]
path = "plugins/safe.py"
`)
	writeManifestFile(t, root, "escape-entry", `
[plugin]
name = "escape-entry"
version = "1.0.0"

[plugin.entrypoint]
path = "../outside.py"
`)
	writeManifestFile(t, root, "escape-signature", `
[plugin]
name = "escape-signature"
version = "1.0.0"

[plugin.entrypoint]
module = "escape.module"

[plugin.signature]
bundle = "../outside.sigstore"
`)

	manifests, err := LoadMarketplaceManifests(root)
	require.NoError(t, err)
	require.Len(t, manifests, 1)
	require.Contains(t, manifests, "safe")
	require.Equal(t, filepath.Join(root, "plugins", "safe.py"), manifests["safe"].EntryPath)
}

func TestLoadTrustPolicyWithPluginOverride(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, trustPolicyFile), `
[trust]
require_signature = true
allowed_identities = ["mailto:team@example.com"]

[trust.plugins."example-plugin"]
allowed_identities = ["mailto:plugins@example.com"]
`)

	policy, err := LoadTrustPolicy(root)
	require.NoError(t, err)
	require.True(t, policy.RequireSignature)
	require.Equal(t, []string{"mailto:plugins@example.com"}, policy.IdentitiesFor("example-plugin"))
	require.Equal(t, []string{"mailto:team@example.com"}, policy.IdentitiesFor("unknown"))
}

func TestEnsureMarketplaceCompatibility(t *testing.T) {
	previous := currentVersion
	currentVersion = "1.2.3"
	defer func() { currentVersion = previous }()

	require.NoError(t, EnsureMarketplaceCompatibility(MarketplaceManifest{
		Name:           "example",
		HephaestusSpec: ">=1.0, <2.0",
	}))

	err := EnsureMarketplaceCompatibility(MarketplaceManifest{
		Name:           "example",
		HephaestusSpec: ">=2.0",
	})
	require.ErrorContains(t, err, "requires Hephaestus")

	err = EnsureMarketplaceCompatibility(MarketplaceManifest{
		Name:           "example",
		HephaestusSpec: "not-a-spec",
	})
	require.ErrorContains(t, err, "invalid Hephaestus compatibility")
}

func TestEnsureMarketplaceDependencies(t *testing.T) {
	previous := runtimePackageVersion
	runtimePackageVersion = func(name string) (string, error) {
		if name == "packaging" {
			return "23.1.0", nil
		}
		return "", fmt.Errorf("runtime package %q not installed", name)
	}
	defer func() { runtimePackageVersion = previous }()

	manifest := MarketplaceManifest{
		Name: "example",
		Dependencies: []MarketplaceDependency{
			{Kind: DependencyPlugin, Name: "other"},
		},
	}
	require.ErrorContains(t, EnsureMarketplaceDependencies(manifest, map[string]bool{}), `requires plugin "other"`)

	manifest.Dependencies = []MarketplaceDependency{
		{Kind: DependencyRuntimePackage, Name: "packaging", VersionSpec: ">=24"},
	}
	require.ErrorContains(t, EnsureMarketplaceDependencies(manifest, map[string]bool{}), "does not satisfy")

	manifest.Dependencies = []MarketplaceDependency{
		{Kind: DependencyPlugin, Name: "other"},
		{Kind: DependencyRuntimePackage, Name: "packaging", VersionSpec: ">=23"},
	}
	require.NoError(t, EnsureMarketplaceDependencies(manifest, map[string]bool{"other": true}))

	manifest.Dependencies = []MarketplaceDependency{{Kind: "unknown", Name: "tool"}}
	require.ErrorContains(t, EnsureMarketplaceDependencies(manifest, map[string]bool{}), "unsupported dependency type")
}

func TestVerifyMarketplaceSignature(t *testing.T) {
	root := t.TempDir()
	artifact := filepath.Join(root, "plugin.py")
	writeFile(t, artifact, "print('hello')\n")

	t.Run("signature required but absent", func(t *testing.T) {
		err := VerifyMarketplaceSignature(
			MarketplaceManifest{Name: "example", EntryPath: artifact},
			TrustPolicy{RequireSignature: true},
		)
		var integrity *IntegrityError
		require.ErrorAs(t, err, &integrity)
		require.Contains(t, integrity.Reason, "requires a signature")
	})

	t.Run("bundle missing on disk", func(t *testing.T) {
		err := VerifyMarketplaceSignature(
			MarketplaceManifest{
				Name:            "example",
				EntryPath:       artifact,
				SignatureBundle: filepath.Join(root, "missing.sigstore"),
			},
			TrustPolicy{RequireSignature: true},
		)
		var integrity *IntegrityError
		require.ErrorAs(t, err, &integrity)
	})

	t.Run("accepted identity passes", func(t *testing.T) {
		bundle := filepath.Join(root, "plugin.sigstore")
		writeBundle(t, bundle, artifact, []string{"mailto:allowed@example.com"})

		err := VerifyMarketplaceSignature(
			MarketplaceManifest{Name: "example", EntryPath: artifact, SignatureBundle: bundle},
			TrustPolicy{RequireSignature: true, DefaultIdentities: []string{"mailto:allowed@example.com"}},
		)
		require.NoError(t, err)
	})

	t.Run("untrusted identity rejected", func(t *testing.T) {
		bundle := filepath.Join(root, "plugin2.sigstore")
		writeBundle(t, bundle, artifact, []string{"mailto:stranger@example.com"})

		err := VerifyMarketplaceSignature(
			MarketplaceManifest{Name: "example", EntryPath: artifact, SignatureBundle: bundle},
			TrustPolicy{RequireSignature: true, DefaultIdentities: []string{"mailto:allowed@example.com"}},
		)
		var integrity *IntegrityError
		require.ErrorAs(t, err, &integrity)
		require.Contains(t, integrity.Reason, "identity")
	})

	t.Run("digest mismatch rejected", func(t *testing.T) {
		other := filepath.Join(root, "other.py")
		writeFile(t, other, "print('other')\n")
		bundle := filepath.Join(root, "plugin3.sigstore")
		writeBundle(t, bundle, other, []string{"mailto:allowed@example.com"})

		err := VerifyMarketplaceSignature(
			MarketplaceManifest{Name: "example", EntryPath: artifact, SignatureBundle: bundle},
			TrustPolicy{RequireSignature: true, DefaultIdentities: []string{"mailto:allowed@example.com"}},
		)
		var integrity *IntegrityError
		require.ErrorAs(t, err, &integrity)
		require.Contains(t, integrity.Reason, "digest mismatch")
	})
}

func marketplaceFixture(t *testing.T) (string, string) {
	root := t.TempDir()
	artifact := filepath.Join(root, "plugins", "example.py")
	writeFile(t, artifact, "print('example')\n")

	bundle := filepath.Join(root, "example-plugin.sigstore")
	writeBundle(t, bundle, artifact, []string{"mailto:plugins@example.com"})

	writeManifestFile(t, root, "example-plugin", `
[plugin]
name = "example-plugin"
version = "1.0.0"
description = "Example plugin"
author = "Quality Team"
category = "custom"

[plugin.entrypoint]
path = "plugins/example.py"

[plugin.signature]
bundle = "example-plugin.sigstore"
`)
	writeFile(t, filepath.Join(root, trustPolicyFile), `
[trust]
require_signature = true
allowed_identities = ["mailto:plugins@example.com"]
`)

	configDir := t.TempDir()
	configPath := filepath.Join(configDir, "plugins.toml")
	writeFile(t, configPath, `
[[marketplace]]
name = "example-plugin"
version = "1.0.0"
`)
	return root, configPath
}

func TestDiscoverRegistersVerifiedMarketplacePlugin(t *testing.T) {
	root, configPath := marketplaceFixture(t)

	previous := instantiateMarketplacePlugin
	instantiateMarketplacePlugin = func(_ context.Context, manifest MarketplaceManifest, _ map[string]func() Plugin) (Plugin, error) {
		return &stubPlugin{meta: Metadata{Name: manifest.Name, Version: manifest.Version, Order: 100}}, nil
	}
	defer func() { instantiateMarketplacePlugin = previous }()

	metrics := telemetry.NewMetrics(true)
	registry, err := Discover(context.Background(), DiscoverOptions{
		ConfigPath:      configPath,
		MarketplaceRoot: root,
		Metrics:         metrics,
	})
	require.NoError(t, err)
	require.True(t, registry.IsRegistered("example-plugin"))

	values, err := metrics.Gather()
	require.NoError(t, err)
	require.Equal(t, float64(1), values["hephaestus_plugins_marketplace_fetch"])
	require.Equal(t, float64(1), values["hephaestus_plugins_marketplace_verified"])
	require.Equal(t, float64(1), values["hephaestus_plugins_marketplace_dependencies_resolved"])
	require.Equal(t, float64(1), values["hephaestus_plugins_marketplace_registered"])
}

func TestDiscoverRejectsUnavailableMarketplaceVersion(t *testing.T) {
	root, configPath := marketplaceFixture(t)
	writeFile(t, configPath, `
[[marketplace]]
name = "example-plugin"
version = "9.9.9"
`)

	_, err := Discover(context.Background(), DiscoverOptions{
		ConfigPath:      configPath,
		MarketplaceRoot: root,
	})
	require.ErrorContains(t, err, "version 9.9.9 is not available")
}

func TestDiscoverRejectsUnknownMarketplacePlugin(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "plugins.toml")
	writeFile(t, configPath, `
[[marketplace]]
name = "ghost"
`)

	_, err := Discover(context.Background(), DiscoverOptions{
		ConfigPath:      configPath,
		MarketplaceRoot: filepath.Join(dir, "marketplace"),
	})
	require.ErrorContains(t, err, "not found in registry")
}
