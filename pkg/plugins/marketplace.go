package plugins

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/Masterminds/semver/v3"
)

// DefaultMarketplaceRoot is where marketplace manifests and signature
// bundles live.
const DefaultMarketplaceRoot = ".hephaestus/marketplace"

// trustPolicyFile is the trust policy file name inside the registry root.
const trustPolicyFile = "trust-policy.toml"

// Marketplace counter names.
const (
	metricMarketplaceFetch        = "hephaestus.plugins.marketplace.fetch"
	metricMarketplaceVerified     = "hephaestus.plugins.marketplace.verified"
	metricMarketplaceDependencies = "hephaestus.plugins.marketplace.dependencies_resolved"
	metricMarketplaceRegistered   = "hephaestus.plugins.marketplace.registered"
)

// currentVersion is the toolkit version used for compatibility checks.
// Overridable in tests.
var currentVersion = "0.3.0"

// Dependency kinds accepted in marketplace manifests.
const (
	DependencyPlugin         = "plugin"
	DependencyRuntimePackage = "runtime-package"
)

// MarketplaceDependency pins one requirement of a marketplace plugin.
type MarketplaceDependency struct {
	Kind        string
	Name        string
	VersionSpec string
}

// MarketplaceManifest is the pinned record of a plugin artifact. Entry and
// signature paths are absolute and guaranteed to resolve inside the
// registry root.
type MarketplaceManifest struct {
	Name            string
	Version         string
	Description     string
	Author          string
	Category        string
	EntryPath       string
	EntryModule     string
	Dependencies    []MarketplaceDependency
	HephaestusSpec  string
	RuntimeSpec     string
	SignatureBundle string
	ManifestPath    string
}

// TrustPolicy controls marketplace signature enforcement.
type TrustPolicy struct {
	RequireSignature  bool
	DefaultIdentities []string
	PerPlugin         map[string][]string
}

// IdentitiesFor returns the accepted identities for a plugin: the per-plugin
// override when present, otherwise the default set.
func (p TrustPolicy) IdentitiesFor(name string) []string {
	if identities, ok := p.PerPlugin[name]; ok {
		return identities
	}
	return p.DefaultIdentities
}

// IntegrityError reports a trust or containment violation in marketplace
// plugin loading.
type IntegrityError struct {
	Reason string
}

func (e *IntegrityError) Error() string { return e.Reason }

type rawManifest struct {
	Plugin struct {
		Name        string `toml:"name"`
		Version     string `toml:"version"`
		Description string `toml:"description"`
		Author      string `toml:"author"`
		Category    string `toml:"category"`
		Entrypoint  struct {
			Path   string `toml:"path"`
			Module string `toml:"module"`
		} `toml:"entrypoint"`
		Signature struct {
			Bundle string `toml:"bundle"`
		} `toml:"signature"`
		Compatibility struct {
			Hephaestus string `toml:"hephaestus"`
			Runtime    string `toml:"runtime"`
		} `toml:"compatibility"`
		Dependencies []map[string]any `toml:"dependencies"`
	} `toml:"plugin"`
}

// LoadMarketplaceManifests reads every `{name}.toml` manifest under root.
// Manifests whose entrypoint or signature bundle escapes the registry root
// are dropped.
func LoadMarketplaceManifests(root string) (map[string]MarketplaceManifest, error) {
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return map[string]MarketplaceManifest{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read marketplace registry %s: %w", root, err)
	}

	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}

	manifests := map[string]MarketplaceManifest{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".toml") || name == trustPolicyFile {
			continue
		}

		manifestPath := filepath.Join(rootAbs, name)
		var raw rawManifest
		if _, err := toml.DecodeFile(manifestPath, &raw); err != nil {
			continue
		}
		plugin := raw.Plugin
		if plugin.Name == "" || plugin.Version == "" {
			continue
		}

		manifest := MarketplaceManifest{
			Name:           plugin.Name,
			Version:        plugin.Version,
			Description:    plugin.Description,
			Author:         plugin.Author,
			Category:       plugin.Category,
			EntryModule:    plugin.Entrypoint.Module,
			HephaestusSpec: plugin.Compatibility.Hephaestus,
			RuntimeSpec:    plugin.Compatibility.Runtime,
			ManifestPath:   manifestPath,
		}

		if plugin.Entrypoint.Path != "" {
			resolved, ok := confine(rootAbs, plugin.Entrypoint.Path)
			if !ok {
				continue
			}
			manifest.EntryPath = resolved
		}
		if plugin.Signature.Bundle != "" {
			resolved, ok := confine(rootAbs, plugin.Signature.Bundle)
			if !ok {
				continue
			}
			manifest.SignatureBundle = resolved
		}

		for _, dependency := range plugin.Dependencies {
			if parsed, ok := parseMarketplaceDependency(dependency); ok {
				manifest.Dependencies = append(manifest.Dependencies, parsed)
			}
		}

		manifests[plugin.Name] = manifest
	}
	return manifests, nil
}

// confine resolves candidate against root, rejecting any result outside it.
func confine(root, candidate string) (string, bool) {
	resolved := candidate
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(root, resolved)
	}
	resolved = filepath.Clean(resolved)

	rel, err := filepath.Rel(root, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return resolved, true
}

// parseMarketplaceDependency accepts `kind` with `type` as a legacy alias.
func parseMarketplaceDependency(raw map[string]any) (MarketplaceDependency, bool) {
	kind, _ := raw["kind"].(string)
	if kind == "" {
		kind, _ = raw["type"].(string)
	}
	name, _ := raw["name"].(string)
	if kind == "" || name == "" {
		return MarketplaceDependency{}, false
	}
	version, _ := raw["version"].(string)
	return MarketplaceDependency{Kind: kind, Name: name, VersionSpec: version}, true
}

// LoadTrustPolicy reads trust-policy.toml from the registry root. Absent a
// policy file, signatures are not required.
func LoadTrustPolicy(root string) (TrustPolicy, error) {
	path := filepath.Join(root, trustPolicyFile)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return TrustPolicy{PerPlugin: map[string][]string{}}, nil
	}

	var raw struct {
		Trust struct {
			RequireSignature  bool                      `toml:"require_signature"`
			AllowedIdentities []string                  `toml:"allowed_identities"`
			Plugins           map[string]toml.Primitive `toml:"plugins"`
		} `toml:"trust"`
	}
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return TrustPolicy{}, fmt.Errorf("parse trust policy: %w", err)
	}

	policy := TrustPolicy{
		RequireSignature:  raw.Trust.RequireSignature,
		DefaultIdentities: raw.Trust.AllowedIdentities,
		PerPlugin:         map[string][]string{},
	}
	for name, primitive := range raw.Trust.Plugins {
		var override struct {
			AllowedIdentities []string `toml:"allowed_identities"`
		}
		if err := meta.PrimitiveDecode(primitive, &override); err != nil {
			return TrustPolicy{}, fmt.Errorf("parse trust policy override for %q: %w", name, err)
		}
		policy.PerPlugin[name] = override.AllowedIdentities
	}
	return policy, nil
}

// sigstoreBundle is the subset of a Sigstore bundle the verifier consumes.
type sigstoreBundle struct {
	MessageSignature struct {
		MessageDigest struct {
			Algorithm string `json:"algorithm"`
			Digest    string `json:"digest"`
		} `json:"messageDigest"`
	} `json:"messageSignature"`
	VerificationMaterial struct {
		Identities []string `json:"identities"`
	} `json:"verificationMaterial"`
}

// VerifyMarketplaceSignature enforces the trust policy for one manifest:
// the bundle must exist, use SHA-256, match the artifact digest, and carry
// an accepted identity.
func VerifyMarketplaceSignature(manifest MarketplaceManifest, policy TrustPolicy) error {
	if manifest.SignatureBundle == "" {
		if policy.RequireSignature {
			return &IntegrityError{Reason: fmt.Sprintf("plugin %q requires a signature bundle", manifest.Name)}
		}
		return nil
	}

	data, err := os.ReadFile(manifest.SignatureBundle)
	if err != nil {
		return &IntegrityError{Reason: fmt.Sprintf("plugin %q signature bundle unreadable: %v", manifest.Name, err)}
	}

	var bundle sigstoreBundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return &IntegrityError{Reason: fmt.Sprintf("plugin %q signature bundle invalid: %v", manifest.Name, err)}
	}

	if !strings.EqualFold(bundle.MessageSignature.MessageDigest.Algorithm, "sha256") {
		return &IntegrityError{Reason: fmt.Sprintf(
			"plugin %q signature uses unsupported digest algorithm %q",
			manifest.Name, bundle.MessageSignature.MessageDigest.Algorithm)}
	}

	if manifest.EntryPath == "" {
		return &IntegrityError{Reason: fmt.Sprintf("plugin %q has no artifact to verify", manifest.Name)}
	}
	info, err := os.Stat(manifest.EntryPath)
	if err != nil || !info.Mode().IsRegular() {
		return &IntegrityError{Reason: fmt.Sprintf("plugin %q artifact is not a regular file", manifest.Name)}
	}

	artifact, err := os.ReadFile(manifest.EntryPath)
	if err != nil {
		return &IntegrityError{Reason: fmt.Sprintf("plugin %q artifact unreadable: %v", manifest.Name, err)}
	}
	computed := sha256.Sum256(artifact)

	declared, err := base64.StdEncoding.DecodeString(bundle.MessageSignature.MessageDigest.Digest)
	if err != nil {
		return &IntegrityError{Reason: fmt.Sprintf("plugin %q signature digest undecodable: %v", manifest.Name, err)}
	}
	if !bytes.Equal(computed[:], declared) {
		return &IntegrityError{Reason: fmt.Sprintf("plugin %q artifact digest mismatch", manifest.Name)}
	}

	allowed := policy.IdentitiesFor(manifest.Name)
	for _, identity := range bundle.VerificationMaterial.Identities {
		for _, accepted := range allowed {
			if identity == accepted {
				return nil
			}
		}
	}
	return &IntegrityError{Reason: fmt.Sprintf("plugin %q signature identity not in accepted set", manifest.Name)}
}

// EnsureMarketplaceCompatibility checks the manifest's declared version
// specs against the current toolkit and runtime versions.
func EnsureMarketplaceCompatibility(manifest MarketplaceManifest) error {
	if manifest.HephaestusSpec != "" {
		ok, err := versionSatisfies(currentVersion, manifest.HephaestusSpec)
		if err != nil {
			return fmt.Errorf("plugin %q has invalid Hephaestus compatibility specifier %q: %w",
				manifest.Name, manifest.HephaestusSpec, err)
		}
		if !ok {
			return fmt.Errorf("plugin %q requires Hephaestus %s (current: %s)",
				manifest.Name, manifest.HephaestusSpec, currentVersion)
		}
	}
	if manifest.RuntimeSpec != "" {
		ok, err := versionSatisfies(runtimeVersion(), manifest.RuntimeSpec)
		if err != nil {
			return fmt.Errorf("plugin %q has invalid runtime compatibility specifier %q: %w",
				manifest.Name, manifest.RuntimeSpec, err)
		}
		if !ok {
			return fmt.Errorf("plugin %q requires runtime %s (current: %s)",
				manifest.Name, manifest.RuntimeSpec, runtimeVersion())
		}
	}
	return nil
}

func versionSatisfies(version, spec string) (bool, error) {
	constraint, err := semver.NewConstraint(spec)
	if err != nil {
		return false, err
	}
	parsed, err := semver.NewVersion(version)
	if err != nil {
		return false, err
	}
	return constraint.Check(parsed), nil
}

var runtimeVersionPattern = regexp.MustCompile(`(\d+\.\d+(\.\d+)?)`)

func runtimeVersion() string {
	if match := runtimeVersionPattern.FindString(runtime.Version()); match != "" {
		return match
	}
	return "0.0.0"
}

// runtimePackageVersion probes the installed version of a runtime-package
// dependency. Overridable in tests.
var runtimePackageVersion = func(name string) (string, error) {
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("runtime package %q not installed", name)
	}
	output, err := exec.Command(path, "--version").CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("runtime package %q version probe failed: %w", name, err)
	}
	if match := runtimeVersionPattern.FindString(string(output)); match != "" {
		return match, nil
	}
	return "", fmt.Errorf("runtime package %q reported no version", name)
}

// EnsureMarketplaceDependencies resolves the manifest's dependency list:
// plugin dependencies must already be registered and runtime packages must
// be installed at a satisfying version.
func EnsureMarketplaceDependencies(manifest MarketplaceManifest, resolved map[string]bool) error {
	for _, dependency := range manifest.Dependencies {
		switch dependency.Kind {
		case DependencyPlugin:
			if !resolved[dependency.Name] {
				return fmt.Errorf("plugin %q requires plugin %q which is not registered",
					manifest.Name, dependency.Name)
			}
		case DependencyRuntimePackage:
			version, err := runtimePackageVersion(dependency.Name)
			if err != nil {
				return fmt.Errorf("plugin %q dependency: %w", manifest.Name, err)
			}
			if dependency.VersionSpec != "" {
				ok, err := versionSatisfies(version, dependency.VersionSpec)
				if err != nil {
					return fmt.Errorf("plugin %q has invalid dependency specifier %q: %w",
						manifest.Name, dependency.VersionSpec, err)
				}
				if !ok {
					return fmt.Errorf("plugin %q dependency %q version %s does not satisfy %s",
						manifest.Name, dependency.Name, version, dependency.VersionSpec)
				}
			}
		default:
			return fmt.Errorf("plugin %q declares unsupported dependency type %q",
				manifest.Name, dependency.Kind)
		}
	}
	return nil
}

// instantiateMarketplacePlugin builds a Plugin from a verified manifest.
// Overridable in tests.
var instantiateMarketplacePlugin = func(ctx context.Context, manifest MarketplaceManifest, factories map[string]func() Plugin) (Plugin, error) {
	metadata := Metadata{
		Name:        manifest.Name,
		Version:     manifest.Version,
		Description: manifest.Description,
		Author:      manifest.Author,
		Category:    manifest.Category,
		Order:       100,
	}

	switch {
	case manifest.EntryModule != "":
		factory, ok := factories[manifest.EntryModule]
		if !ok {
			return nil, fmt.Errorf("no plugin factory registered for module %q", manifest.EntryModule)
		}
		return factory(), nil
	case strings.HasSuffix(manifest.EntryPath, ".wasm"):
		return NewWASIPlugin(ctx, metadata, manifest.EntryPath)
	case manifest.EntryPath != "":
		return NewCommandPlugin(CommandSpec{Meta: metadata, Program: manifest.EntryPath}), nil
	default:
		return nil, fmt.Errorf("plugin %q has no usable entrypoint", manifest.Name)
	}
}
