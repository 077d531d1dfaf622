package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/IAmJonoBo/hephaestus/pkg/auth"
	"github.com/IAmJonoBo/hephaestus/pkg/drift"
	"github.com/IAmJonoBo/hephaestus/pkg/plugins"
	"github.com/IAmJonoBo/hephaestus/pkg/telemetry"
)

// formatPluginName is the gate skipped by the no-format flag.
const formatPluginName = "ruff-format"

// Gate summarises a single guard-rails quality gate.
type Gate struct {
	Name     string            `json:"name"`
	Passed   bool              `json:"passed"`
	Message  string            `json:"message"`
	Duration float64           `json:"duration"`
	Metadata map[string]string `json:"metadata"`
}

// GuardRailsRequest configures one guard-rails evaluation.
type GuardRailsRequest struct {
	NoFormat      bool
	Workspace     string
	DriftCheck    bool
	AutoRemediate bool
	RealCleanup   bool // estimate gate runs dry by default
}

// GuardRailsExecution is the aggregated evaluation result.
type GuardRailsExecution struct {
	Success             bool
	Duration            float64
	Gates               []Gate
	RemediationCommands []string
	RemediationResults  []drift.RemediationResult
}

// ProgressEvent is one step of a streamed guard-rails execution.
type ProgressEvent struct {
	Stage     string `json:"stage"`
	Progress  int    `json:"progress"`
	Message   string `json:"message"`
	Completed bool   `json:"completed"`
}

// ProgressSink receives streamed progress; implemented once per protocol.
type ProgressSink interface {
	Emit(event ProgressEvent) error
	Close() error
}

// EvaluateGuardRails runs the guard-rails pipeline: a cleanup estimate
// gate, every registered plugin in order, and optionally drift detection
// and auto-remediation. A gate failing only because its tooling is absent
// is advisory and does not fail the aggregate.
func (s *Service) EvaluateGuardRails(ctx context.Context, principal *auth.AuthenticatedPrincipal, req GuardRailsRequest) (*GuardRailsExecution, error) {
	if err := auth.RequireRole(principal, auth.RoleGuardRails); err != nil {
		return nil, err
	}

	root := req.Workspace
	if root == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		root = cwd
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	execution := &GuardRailsExecution{}

	_ = telemetry.Emit(ctx, s.logger, telemetry.GuardRailsStart, map[string]any{
		"workspace":      root,
		"no_format":      req.NoFormat,
		"drift_check":    req.DriftCheck,
		"auto_remediate": req.AutoRemediate,
	})

	cleanupGate, err := s.evaluateCleanupGate(ctx, principal, root, !req.RealCleanup)
	if err != nil {
		return nil, err
	}
	execution.Gates = append(execution.Gates, cleanupGate)

	registry, err := s.discover(ctx)
	if err != nil {
		return nil, err
	}
	execution.Gates = append(execution.Gates, s.evaluatePluginGates(registry, req.NoFormat)...)

	if req.DriftCheck {
		driftGate, drifted := s.evaluateDriftGate(ctx, root)
		execution.Gates = append(execution.Gates, driftGate)

		if req.AutoRemediate && len(drifted) > 0 {
			execution.RemediationCommands = drift.GenerateRemediationCommands(drifted, root)
			execution.RemediationResults = s.applyRemediation(ctx, execution.RemediationCommands)

			allApplied := true
			for _, result := range execution.RemediationResults {
				if result.ExitCode != 0 {
					allApplied = false
				}
			}
			message := "Applied remediation commands"
			if !allApplied {
				message = "Remediation commands failed"
			}
			execution.Gates = append(execution.Gates, Gate{
				Name:    "auto-remediation",
				Passed:  allApplied,
				Message: message,
				Metadata: map[string]string{
					"commands": strings.Join(execution.RemediationCommands, ";"),
				},
			})
		}
	}

	execution.Duration = time.Since(start).Seconds()

	success := true
	for _, gate := range execution.Gates {
		if !gate.Passed && gate.Metadata["missing"] == "" {
			success = false
		}
	}
	execution.Success = success

	_ = telemetry.Emit(ctx, s.logger, telemetry.GuardRailsComplete, map[string]any{
		"success":          execution.Success,
		"gates":            len(execution.Gates),
		"duration_seconds": execution.Duration,
	})

	return execution, nil
}

// EvaluateGuardRailsStream evaluates guard-rails and writes one progress
// event per gate through the sink, then a terminal "complete" event whose
// completed flag carries the aggregate success.
func (s *Service) EvaluateGuardRailsStream(ctx context.Context, principal *auth.AuthenticatedPrincipal, req GuardRailsRequest, sink ProgressSink) (*GuardRailsExecution, error) {
	execution, err := s.EvaluateGuardRails(ctx, principal, req)
	if err != nil {
		return nil, err
	}

	total := len(execution.Gates)
	if total == 0 {
		total = 1
	}
	for index, gate := range execution.Gates {
		event := ProgressEvent{
			Stage:    gate.Name,
			Progress: (index + 1) * 100 / total,
			Message:  gate.Message,
		}
		if err := sink.Emit(event); err != nil {
			return execution, err
		}
	}
	if err := sink.Emit(ProgressEvent{
		Stage:     "complete",
		Progress:  100,
		Message:   "Guard rails completed",
		Completed: execution.Success,
	}); err != nil {
		return execution, err
	}
	return execution, sink.Close()
}

func (s *Service) evaluateCleanupGate(ctx context.Context, principal *auth.AuthenticatedPrincipal, workspace string, dryRun bool) (Gate, error) {
	start := time.Now()
	summary, err := s.CleanupSummary(ctx, principal, CleanupRequest{
		Root:      workspace,
		DeepClean: true,
		DryRun:    dryRun,
	})
	if err != nil {
		return Gate{}, err
	}
	return Gate{
		Name:     "cleanup",
		Passed:   true,
		Message:  "Workspace sweep analysed",
		Duration: time.Since(start).Seconds(),
		Metadata: map[string]string{
			"files":   strconv.Itoa(summary.Files),
			"bytes":   strconv.FormatInt(summary.Bytes, 10),
			"dry_run": strconv.FormatBool(dryRun),
		},
	}, nil
}

func (s *Service) evaluatePluginGates(registry *plugins.Registry, noFormat bool) []Gate {
	var gates []Gate
	for _, plugin := range registry.AllPlugins() {
		start := time.Now()
		metadata := plugin.Metadata()

		if noFormat && metadata.Name == formatPluginName {
			gates = append(gates, Gate{
				Name:     metadata.Name,
				Passed:   true,
				Message:  "Skipped due to no-format flag",
				Duration: time.Since(start).Seconds(),
				Metadata: map[string]string{"skipped": "true"},
			})
			continue
		}

		var required, missing []string
		for _, requirement := range metadata.Requires {
			tool := requirementTool(requirement)
			required = append(required, tool)
			if _, err := s.lookPath(tool); err != nil {
				missing = append(missing, tool)
			}
		}

		message := "All required tooling available"
		if len(missing) > 0 {
			message = fmt.Sprintf("Missing tooling: %s", strings.Join(missing, ", "))
		}
		gates = append(gates, Gate{
			Name:     metadata.Name,
			Passed:   len(missing) == 0,
			Message:  message,
			Duration: time.Since(start).Seconds(),
			Metadata: map[string]string{
				"requires": strings.Join(required, ","),
				"missing":  strings.Join(missing, ","),
			},
		})
	}
	return gates
}

// requirementTool extracts the bare tool name from a requirement spec like
// "ruff>=0.8.0" or "pytest[cov]>=8.0".
func requirementTool(requirement string) string {
	tool := requirement
	if index := strings.Index(tool, ">="); index >= 0 {
		tool = tool[:index]
	}
	if index := strings.Index(tool, "["); index >= 0 {
		tool = tool[:index]
	}
	return tool
}

func (s *Service) evaluateDriftGate(ctx context.Context, workspace string) (Gate, []drift.ToolVersion) {
	start := time.Now()
	versions, err := s.detector.Detect(ctx, workspace)
	if err != nil {
		return Gate{
			Name:     "drift-detection",
			Passed:   false,
			Message:  err.Error(),
			Duration: time.Since(start).Seconds(),
			Metadata: map[string]string{},
		}, nil
	}

	drifted := drift.Drifted(versions)
	checked := make([]string, 0, len(versions))
	for _, tool := range versions {
		checked = append(checked, tool.Name)
	}
	driftedNames := make([]string, 0, len(drifted))
	for _, tool := range drifted {
		driftedNames = append(driftedNames, tool.Name)
	}

	message := "No tool drift detected"
	if len(drifted) > 0 {
		message = "Tool drift detected"
	}
	return Gate{
		Name:     "drift-detection",
		Passed:   len(drifted) == 0,
		Message:  message,
		Duration: time.Since(start).Seconds(),
		Metadata: map[string]string{
			"checked": strings.Join(checked, ","),
			"drifted": strings.Join(driftedNames, ","),
		},
	}, drifted
}
