package service

import (
	"context"
	"math"
	"path/filepath"

	"github.com/IAmJonoBo/hephaestus/pkg/analytics"
	"github.com/IAmJonoBo/hephaestus/pkg/auth"
	"github.com/IAmJonoBo/hephaestus/pkg/cleanup"
	"github.com/IAmJonoBo/hephaestus/pkg/drift"
	"github.com/IAmJonoBo/hephaestus/pkg/toolbox"
)

// CleanupRequest configures a cleanup run through the facade.
type CleanupRequest struct {
	Root      string
	DeepClean bool
	DryRun    bool
}

// CleanupSummaryResult is the serialisable cleanup outcome. Path lists are
// truncated to the first ten entries.
type CleanupSummaryResult struct {
	Files        int            `json:"files"`
	Bytes        int64          `json:"bytes"`
	Manifest     map[string]any `json:"manifest"`
	PreviewPaths []string       `json:"preview_paths"`
	RemovedPaths []string       `json:"removed_paths"`
}

// CleanupSummary normalises the request and executes the cleanup engine.
func (s *Service) CleanupSummary(ctx context.Context, principal *auth.AuthenticatedPrincipal, req CleanupRequest) (*CleanupSummaryResult, error) {
	if err := auth.RequireRole(principal, auth.RoleCleanup); err != nil {
		return nil, err
	}

	result, err := s.cleanup.Run(ctx, cleanup.Options{
		Root:      req.Root,
		DeepClean: req.DeepClean,
		DryRun:    req.DryRun,
	})
	if err != nil {
		return nil, err
	}

	paths := result.RemovedPaths
	if req.DryRun {
		paths = result.PreviewPaths
	}

	manifest := map[string]any{
		"search_roots":  len(result.SearchRoots),
		"preview_count": len(result.PreviewPaths),
		"removed_count": len(result.RemovedPaths),
		"skipped":       len(result.SkippedRoots),
		"errors":        len(result.Errors),
	}
	if result.AuditManifest != "" {
		manifest["audit_manifest"] = result.AuditManifest
	}

	return &CleanupSummaryResult{
		Files:        len(paths),
		Bytes:        cleanup.EstimateBytes(paths),
		Manifest:     manifest,
		PreviewPaths: truncate(result.PreviewPaths, 10),
		RemovedPaths: truncate(result.RemovedPaths, 10),
	}, nil
}

func truncate(paths []string, limit int) []string {
	if len(paths) <= limit {
		return append([]string{}, paths...)
	}
	return append([]string{}, paths[:limit]...)
}

// Ranking is one row of an analytics ranking response.
type Ranking struct {
	Rank           int      `json:"rank"`
	Path           string   `json:"path"`
	Score          float64  `json:"score"`
	Churn          int      `json:"churn"`
	Coverage       *float64 `json:"coverage"`
	UncoveredLines *int     `json:"uncovered_lines"`
	Rationale      string   `json:"rationale"`
}

// Rankings ranks modules by the requested strategy. With analytics sources
// configured the real signals drive the ranking; otherwise deterministic
// synthetic hotspots are returned, labelled as such.
func (s *Service) Rankings(ctx context.Context, principal *auth.AuthenticatedPrincipal, strategy analytics.Strategy, limit int) ([]Ranking, error) {
	if err := auth.RequireRole(principal, auth.RoleAnalytics); err != nil {
		return nil, err
	}

	settings := s.loadSettings()

	var signals map[string]*analytics.ModuleSignal
	if settings.Analytics != nil && settings.Analytics.IsConfigured() {
		config := settings.Analytics.Resolve(filepath.Dir(s.settingsPath))
		loaded, err := analytics.LoadModuleSignals(config)
		if err != nil {
			return nil, err
		}
		signals = loaded
	}

	if len(signals) > 0 {
		ranked := analytics.RankModules(signals, strategy, settings.CoverageThreshold, limit)
		rankings := make([]Ranking, 0, len(ranked))
		for _, module := range ranked {
			rankings = append(rankings, Ranking{
				Rank:           module.Rank,
				Path:           module.Path,
				Score:          module.Score,
				Churn:          module.Churn,
				Coverage:       module.Coverage,
				UncoveredLines: module.UncoveredLines,
				Rationale:      module.Rationale,
			})
		}
		return rankings, nil
	}

	hotspots := s.syntheticHotspots(settings, limit)
	rankings := make([]Ranking, 0, len(hotspots))
	for index, hotspot := range hotspots {
		coverage := hotspot.Coverage
		rankings = append(rankings, Ranking{
			Rank:      index + 1,
			Path:      hotspot.Path,
			Score:     round4(float64(hotspot.Churn)/100 + math.Max(0, 1-hotspot.Coverage)),
			Churn:     hotspot.Churn,
			Coverage:  &coverage,
			Rationale: "synthetic_hotspot",
		})
	}
	return rankings, nil
}

// HotspotView is one row of the hotspots response.
type HotspotView struct {
	Path            string  `json:"path"`
	ChangeFrequency int     `json:"change_frequency"`
	Complexity      int     `json:"complexity"`
	RiskScore       float64 `json:"risk_score"`
}

// Hotspots returns deterministic hotspot records derived from settings.
func (s *Service) Hotspots(ctx context.Context, principal *auth.AuthenticatedPrincipal, limit int) ([]HotspotView, error) {
	if err := auth.RequireRole(principal, auth.RoleAnalytics); err != nil {
		return nil, err
	}

	settings := s.loadSettings()
	hotspots := s.syntheticHotspots(settings, limit)

	views := make([]HotspotView, 0, len(hotspots))
	for _, hotspot := range hotspots {
		complexity := int(hotspot.Coverage * 100)
		if complexity < 1 {
			complexity = 1
		}
		views = append(views, HotspotView{
			Path:            hotspot.Path,
			ChangeFrequency: hotspot.Churn,
			Complexity:      complexity,
			RiskScore:       round4(float64(hotspot.Churn)/100 + (1 - hotspot.Coverage)),
		})
	}
	return views, nil
}

// ToolDrift is one row of a drift summary.
type ToolDrift struct {
	Tool     string `json:"tool"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
	Status   string `json:"status"` // "ok", "drift", or "missing"
}

// DriftSummary is the serialisable drift-detection outcome.
type DriftSummary struct {
	HasDrift bool        `json:"has_drift"`
	Drifts   []ToolDrift `json:"drifts"`
	Commands []string    `json:"commands"`
}

// DetectDriftSummary runs drift detection over the workspace manifest.
func (s *Service) DetectDriftSummary(ctx context.Context, principal *auth.AuthenticatedPrincipal, workspace string) (*DriftSummary, error) {
	if err := auth.RequireRole(principal, auth.RoleGuardRails); err != nil {
		return nil, err
	}

	versions, err := s.detector.Detect(ctx, workspace)
	if err != nil {
		return nil, err
	}

	drifted := drift.Drifted(versions)
	summary := &DriftSummary{
		HasDrift: len(drifted) > 0,
		Commands: drift.GenerateRemediationCommands(drifted, workspace),
	}
	for _, tool := range versions {
		status := "ok"
		switch {
		case tool.IsMissing():
			status = "missing"
		case tool.HasDrift():
			status = "drift"
		}
		summary.Drifts = append(summary.Drifts, ToolDrift{
			Tool:     tool.Name,
			Expected: tool.Expected,
			Actual:   tool.Actual,
			Status:   status,
		})
	}
	return summary, nil
}

// IngestResult reports the outcome of a streaming ingest call.
type IngestResult struct {
	Accepted int                `json:"accepted"`
	Rejected int                `json:"rejected"`
	Summary  analytics.Snapshot `json:"summary"`
}

// IngestEvents validates and buffers a batch of analytics events.
func (s *Service) IngestEvents(ctx context.Context, principal *auth.AuthenticatedPrincipal, events []map[string]any) (*IngestResult, error) {
	if err := auth.RequireRole(principal, auth.RoleAnalytics); err != nil {
		return nil, err
	}

	accepted, rejected := 0, 0
	for _, event := range events {
		if s.ingestor.IngestMap(event) {
			accepted++
		} else {
			rejected++
		}
	}
	return &IngestResult{
		Accepted: accepted,
		Rejected: rejected,
		Summary:  s.ingestor.Snapshot(),
	}, nil
}

func (s *Service) syntheticHotspots(settings toolbox.Settings, limit int) []toolbox.Hotspot {
	return toolbox.AnalyzeHotspots(settings, limit)
}

func round4(value float64) float64 {
	return math.Round(value*10000) / 10000
}
