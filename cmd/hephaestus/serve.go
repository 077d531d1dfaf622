package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/IAmJonoBo/hephaestus/pkg/analytics"
	"github.com/IAmJonoBo/hephaestus/pkg/api"
	"github.com/IAmJonoBo/hephaestus/pkg/api/grpcapi"
	"github.com/IAmJonoBo/hephaestus/pkg/audit"
	"github.com/IAmJonoBo/hephaestus/pkg/auth"
	"github.com/IAmJonoBo/hephaestus/pkg/cleanup"
	"github.com/IAmJonoBo/hephaestus/pkg/plugins"
	"github.com/IAmJonoBo/hephaestus/pkg/service"
	"github.com/IAmJonoBo/hephaestus/pkg/tasks"
	"github.com/IAmJonoBo/hephaestus/pkg/telemetry"
	"github.com/IAmJonoBo/hephaestus/pkg/toolbox"
)

// runServe starts the REST and gRPC servers plus the optional Prometheus
// endpoint, and blocks until interrupted.
func runServe(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		restAddr        string
		grpcPort        int
		keystorePath    string
		auditDir        string
		settingsPath    string
		pluginConfig    string
		marketplaceRoot string
		logJSON         bool
	)
	cmd.StringVar(&restAddr, "rest-addr", ":8000", "REST listen address")
	cmd.IntVar(&grpcPort, "grpc-port", grpcapi.DefaultPort, "gRPC listen port")
	cmd.StringVar(&keystorePath, "keystore", "", "Service-account keystore path (default: env or "+auth.DefaultKeystorePath+")")
	cmd.StringVar(&auditDir, "audit-dir", "", "Audit log directory (default: env or "+audit.DefaultLogDir+")")
	cmd.StringVar(&settingsPath, "settings", "", "Toolkit settings file (default: "+toolbox.DefaultConfigPath+")")
	cmd.StringVar(&pluginConfig, "plugin-config", "", "Plugin configuration file (default: "+plugins.DefaultConfigPath+")")
	cmd.StringVar(&marketplaceRoot, "marketplace-root", "", "Marketplace registry root (default: "+plugins.DefaultMarketplaceRoot+")")
	cmd.BoolVar(&logJSON, "log-json", false, "Emit JSON logs")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	logger := buildLogger(stderr, logJSON)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.ConfigureTracing(ctx)
	if err != nil {
		logger.Warn("tracing unavailable", "error", err)
		shutdownTracing = func(context.Context) error { return nil }
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(shutdownCtx)
	}()

	keystore, err := auth.NewKeyStore(keystorePath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: cannot load keystore: %v\n", err)
		return 1
	}
	verifier := auth.NewVerifier(keystore)
	logger.Info("keystore loaded", "path", keystore.Path(), "keys", len(keystore.AllKeys()))

	metrics := telemetry.Default()
	recorder := audit.NewRecorder(auditDir, logger)
	taskManager := tasks.NewManager(logger)
	ingestor := analytics.NewIngestor(0)

	// Persist accepted analytics events when the settings name a history
	// database.
	if settings, err := toolbox.LoadSettings(settingsPath); err == nil && settings.HistoryDB != "" {
		store, err := analytics.OpenHistoryStore(settings.HistoryDB)
		if err != nil {
			logger.Warn("analytics history store unavailable", "error", err)
		} else {
			defer store.Close()
			ingestor.WithSink(func(event analytics.Event) {
				if err := store.Insert(event); err != nil {
					logger.Warn("failed to persist analytics event", "error", err)
				}
			})
			logger.Info("analytics history store enabled", "path", settings.HistoryDB)
		}
	}

	svc := service.New(service.Options{
		Tasks:        taskManager,
		Audit:        recorder,
		Ingestor:     ingestor,
		Cleanup:      cleanup.NewEngine(logger),
		SettingsPath: settingsPath,
		PluginConfig: plugins.DiscoverOptions{
			ConfigPath:      pluginConfig,
			MarketplaceRoot: marketplaceRoot,
		},
		Metrics: metrics,
		Logger:  logger,
	})

	restServer := &http.Server{
		Addr:              restAddr,
		Handler:           api.NewServer(svc, verifier, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("REST server listening", "addr", restAddr)
		if err := restServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("REST server failed", "error", err)
			stop()
		}
	}()

	grpcServer := grpcapi.NewGRPCServer(svc, verifier, logger)
	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", grpcPort))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: cannot bind gRPC port %d: %v\n", grpcPort, err)
		return 1
	}
	go func() {
		logger.Info("gRPC server listening", "port", grpcPort)
		if err := grpcServer.Serve(grpcListener); err != nil {
			logger.Error("gRPC server failed", "error", err)
			stop()
		}
	}()

	promServer, err := telemetry.ServePrometheus(metrics, telemetry.PrometheusAddr())
	if err != nil {
		logger.Warn("metrics endpoint unavailable", "error", err)
	} else if promServer != nil {
		logger.Info("metrics endpoint listening", "addr", promServer.Addr)
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = restServer.Shutdown(shutdownCtx)
	grpcServer.GracefulStop()
	if promServer != nil {
		_ = promServer.Shutdown(shutdownCtx)
	}

	_, _ = fmt.Fprintln(stdout, "Shutdown complete")
	return 0
}

func buildLogger(w io.Writer, jsonFormat bool) *slog.Logger {
	runID := telemetry.GenerateRunID()
	var handler slog.Handler
	if jsonFormat {
		handler = slog.NewJSONHandler(w, nil)
	} else {
		handler = slog.NewTextHandler(w, nil)
	}
	return slog.New(handler).With("run_id", runID)
}
