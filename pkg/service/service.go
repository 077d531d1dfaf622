// Package service exposes the protocol-neutral operations shared by the
// REST and gRPC adapters: guard-rails evaluation, workspace cleanup,
// analytics rankings and hotspots, drift summaries, and streaming ingest.
// Every operation begins with a role check and reports authorization
// failures for the adapters to map onto their protocol.
package service

import (
	"context"
	"log/slog"
	"os"
	"os/exec"

	"github.com/IAmJonoBo/hephaestus/pkg/analytics"
	"github.com/IAmJonoBo/hephaestus/pkg/audit"
	"github.com/IAmJonoBo/hephaestus/pkg/cleanup"
	"github.com/IAmJonoBo/hephaestus/pkg/drift"
	"github.com/IAmJonoBo/hephaestus/pkg/plugins"
	"github.com/IAmJonoBo/hephaestus/pkg/tasks"
	"github.com/IAmJonoBo/hephaestus/pkg/telemetry"
	"github.com/IAmJonoBo/hephaestus/pkg/toolbox"
)

// Options wire the facade's collaborators. Zero-value fields get sensible
// process-wide defaults.
type Options struct {
	Tasks        *tasks.Manager
	Audit        *audit.Recorder
	Ingestor     *analytics.Ingestor
	Cleanup      *cleanup.Engine
	Detector     *drift.Detector
	SettingsPath string
	PluginConfig plugins.DiscoverOptions
	Metrics      *telemetry.Metrics
	Logger       *slog.Logger

	// LookPath overrides tool-availability probing (tests).
	LookPath func(name string) (string, error)
}

// Service is the facade shared by both protocol adapters.
type Service struct {
	tasks    *tasks.Manager
	audit    *audit.Recorder
	ingestor *analytics.Ingestor
	cleanup  *cleanup.Engine
	detector *drift.Detector

	settingsPath string
	pluginConfig plugins.DiscoverOptions
	metrics      *telemetry.Metrics
	logger       *slog.Logger

	// injectable seams for tests
	lookPath         func(name string) (string, error)
	discover         func(ctx context.Context) (*plugins.Registry, error)
	applyRemediation func(ctx context.Context, commands []string) []drift.RemediationResult
}

// New composes the facade from its collaborators.
func New(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "service")

	svc := &Service{
		tasks:        opts.Tasks,
		audit:        opts.Audit,
		ingestor:     opts.Ingestor,
		cleanup:      opts.Cleanup,
		detector:     opts.Detector,
		settingsPath: opts.SettingsPath,
		pluginConfig: opts.PluginConfig,
		metrics:      opts.Metrics,
		logger:       logger,
		lookPath:     opts.LookPath,
		applyRemediation: func(ctx context.Context, commands []string) []drift.RemediationResult {
			return drift.ApplyRemediationCommands(ctx, commands)
		},
	}
	if svc.tasks == nil {
		svc.tasks = tasks.NewManager(logger)
	}
	if svc.audit == nil {
		svc.audit = audit.NewRecorder("", logger)
	}
	if svc.ingestor == nil {
		svc.ingestor = analytics.NewIngestor(0)
	}
	if svc.cleanup == nil {
		svc.cleanup = cleanup.NewEngine(logger)
	}
	if svc.detector == nil {
		svc.detector = drift.NewDetector()
	}
	if svc.metrics == nil {
		svc.metrics = telemetry.Default()
	}
	if svc.lookPath == nil {
		svc.lookPath = exec.LookPath
	}
	svc.discover = func(ctx context.Context) (*plugins.Registry, error) {
		discoverOpts := svc.pluginConfig
		if discoverOpts.Metrics == nil {
			discoverOpts.Metrics = svc.metrics
		}
		if discoverOpts.Logger == nil {
			discoverOpts.Logger = svc.logger
		}
		return plugins.Discover(ctx, discoverOpts)
	}
	return svc
}

// Tasks returns the task manager shared with the adapters.
func (s *Service) Tasks() *tasks.Manager { return s.tasks }

// Audit returns the audit recorder shared with the adapters.
func (s *Service) Audit() *audit.Recorder { return s.audit }

// Ingestor returns the streaming analytics buffer.
func (s *Service) Ingestor() *analytics.Ingestor { return s.ingestor }

// loadSettings reads the toolkit settings, defaulting when the file is
// absent.
func (s *Service) loadSettings() toolbox.Settings {
	settings, err := toolbox.LoadSettings(s.settingsPath)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("failed to load toolkit settings", "error", err)
		}
		return toolbox.DefaultSettings()
	}
	return settings
}
