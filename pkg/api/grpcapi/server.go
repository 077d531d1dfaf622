package grpcapi

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/IAmJonoBo/hephaestus/pkg/analytics"
	"github.com/IAmJonoBo/hephaestus/pkg/audit"
	"github.com/IAmJonoBo/hephaestus/pkg/auth"
	"github.com/IAmJonoBo/hephaestus/pkg/service"
	"github.com/IAmJonoBo/hephaestus/pkg/tasks"
)

// DefaultPort is the gRPC listen port.
const DefaultPort = 50051

// Server implements the three Hephaestus gRPC services over the facade.
type Server struct {
	svc    *service.Service
	logger *slog.Logger
}

// NewServer creates the gRPC adapter handlers.
func NewServer(svc *service.Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{svc: svc, logger: logger.With("component", "grpc")}
}

// NewGRPCServer builds a ready-to-serve *grpc.Server: JSON codec, auth
// interceptors, and all three services registered.
func NewGRPCServer(svc *service.Service, verifier *auth.Verifier, logger *slog.Logger) *grpc.Server {
	server := grpc.NewServer(
		grpc.ForceServerCodec(JSONCodec{}),
		grpc.ChainUnaryInterceptor(UnaryAuthInterceptor(verifier)),
		grpc.ChainStreamInterceptor(StreamAuthInterceptor(verifier)),
	)
	handlers := NewServer(svc, logger)
	server.RegisterService(&QualityServiceDesc, handlers)
	server.RegisterService(&CleanupServiceDesc, handlers)
	server.RegisterService(&AnalyticsServiceDesc, handlers)
	return server
}

func principalFrom(ctx context.Context) (*auth.AuthenticatedPrincipal, error) {
	principal, err := auth.PrincipalFrom(ctx)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, "Missing authentication principal")
	}
	return principal, nil
}

// mapError converts facade errors into gRPC statuses: authorization to
// PERMISSION_DENIED, authentication to UNAUTHENTICATED, unknown tasks to
// NOT_FOUND, everything else to INTERNAL.
func mapError(err error) error {
	if _, ok := status.FromError(err); ok && status.Code(err) != codes.Unknown {
		return err
	}
	var authzErr *auth.AuthorizationError
	if errors.As(err, &authzErr) {
		return status.Error(codes.PermissionDenied, err.Error())
	}
	var authnErr *auth.AuthenticationError
	if errors.As(err, &authnErr) {
		return status.Error(codes.Unauthenticated, err.Error())
	}
	if errors.Is(err, tasks.ErrNotFound) {
		return status.Error(codes.NotFound, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

func (s *Server) recordAudit(ctx context.Context, principal *auth.AuthenticatedPrincipal, entry audit.Entry) {
	entry.Protocol = "grpc"
	if err := s.svc.Audit().Record(ctx, principal, entry); err != nil {
		s.logger.Error("failed to record audit event", "operation", entry.Operation, "error", err)
	}
}

// auditStatusFor classifies an error for the audit trail.
func auditStatusFor(err error) audit.Status {
	var authzErr *auth.AuthorizationError
	if errors.As(err, &authzErr) {
		return audit.StatusDenied
	}
	return audit.StatusFailed
}

// RunGuardRails implements QualityService.RunGuardRails.
func (s *Server) RunGuardRails(ctx context.Context, req *GuardRailsRequest) (*GuardRailsResponse, error) {
	principal, err := principalFrom(ctx)
	if err != nil {
		return nil, err
	}

	operation := "grpc.guard-rails.run"
	parameters := map[string]any{
		"no_format":      req.NoFormat,
		"workspace":      req.Workspace,
		"drift_check":    req.DriftCheck,
		"auto_remediate": req.AutoRemediate,
	}

	execution, err := s.svc.EvaluateGuardRails(ctx, principal, service.GuardRailsRequest{
		NoFormat:      req.NoFormat,
		Workspace:     req.Workspace,
		DriftCheck:    req.DriftCheck,
		AutoRemediate: req.AutoRemediate,
	})
	if err != nil {
		s.recordAudit(ctx, principal, audit.Entry{
			Operation:  operation,
			Status:     auditStatusFor(err),
			Parameters: parameters,
			Outcome:    map[string]any{"error": err.Error()},
		})
		return nil, mapError(err)
	}

	s.recordAudit(ctx, principal, audit.Entry{
		Operation:  operation,
		Status:     audit.StatusSuccess,
		Parameters: parameters,
		Outcome:    map[string]any{"success": execution.Success},
	})

	return &GuardRailsResponse{
		Success:  execution.Success,
		Gates:    gatesToWire(execution.Gates),
		Duration: execution.Duration,
		TaskID:   "guard-rails-" + uuid.New().String(),
	}, nil
}

func gatesToWire(gates []service.Gate) []QualityGateResult {
	out := make([]QualityGateResult, 0, len(gates))
	for _, gate := range gates {
		out = append(out, QualityGateResult{
			Name:     gate.Name,
			Passed:   gate.Passed,
			Message:  gate.Message,
			Duration: gate.Duration,
			Metadata: gate.Metadata,
		})
	}
	return out
}

// progressStream adapts a gRPC server stream to the facade's ProgressSink.
type progressStream struct {
	stream grpc.ServerStream
}

func (p *progressStream) Emit(event service.ProgressEvent) error {
	return p.stream.SendMsg(&GuardRailsProgress{
		Stage:     event.Stage,
		Progress:  event.Progress,
		Message:   event.Message,
		Completed: event.Completed,
	})
}

func (p *progressStream) Close() error { return nil }

// RunGuardRailsStream implements QualityService.RunGuardRailsStream: one
// progress event per gate plus a terminal "complete" event.
func (s *Server) RunGuardRailsStream(req *GuardRailsRequest, stream grpc.ServerStream) error {
	ctx := stream.Context()
	principal, err := principalFrom(ctx)
	if err != nil {
		return err
	}

	operation := "grpc.guard-rails.stream"
	parameters := map[string]any{
		"no_format":      req.NoFormat,
		"workspace":      req.Workspace,
		"drift_check":    req.DriftCheck,
		"auto_remediate": req.AutoRemediate,
	}

	execution, err := s.svc.EvaluateGuardRailsStream(ctx, principal, service.GuardRailsRequest{
		NoFormat:      req.NoFormat,
		Workspace:     req.Workspace,
		DriftCheck:    req.DriftCheck,
		AutoRemediate: req.AutoRemediate,
	}, &progressStream{stream: stream})
	if err != nil {
		s.recordAudit(ctx, principal, audit.Entry{
			Operation:  operation,
			Status:     auditStatusFor(err),
			Parameters: parameters,
			Outcome:    map[string]any{"error": err.Error()},
		})
		return mapError(err)
	}

	s.recordAudit(ctx, principal, audit.Entry{
		Operation:  operation,
		Status:     audit.StatusSuccess,
		Parameters: parameters,
		Outcome:    map[string]any{"success": execution.Success},
	})
	return nil
}

// CheckDrift implements QualityService.CheckDrift.
func (s *Server) CheckDrift(ctx context.Context, req *DriftRequest) (*DriftResponse, error) {
	principal, err := principalFrom(ctx)
	if err != nil {
		return nil, err
	}

	operation := "grpc.guard-rails.drift"
	parameters := map[string]any{"workspace": req.Workspace}

	summary, err := s.svc.DetectDriftSummary(ctx, principal, req.Workspace)
	if err != nil {
		s.recordAudit(ctx, principal, audit.Entry{
			Operation:  operation,
			Status:     auditStatusFor(err),
			Parameters: parameters,
			Outcome:    map[string]any{"error": err.Error()},
		})
		return nil, mapError(err)
	}

	s.recordAudit(ctx, principal, audit.Entry{
		Operation:  operation,
		Status:     audit.StatusSuccess,
		Parameters: parameters,
		Outcome:    map[string]any{"has_drift": summary.HasDrift},
	})

	response := &DriftResponse{HasDrift: summary.HasDrift, Commands: summary.Commands}
	for _, tool := range summary.Drifts {
		response.Drifts = append(response.Drifts, ToolDriftEntry{
			Tool:     tool.Tool,
			Expected: tool.Expected,
			Actual:   tool.Actual,
			Status:   tool.Status,
		})
	}
	return response, nil
}

// clean executes cleanup through the facade for both Clean and
// PreviewCleanup.
func (s *Server) clean(ctx context.Context, req *CleanupRequest, operation string, dryRun bool) (*CleanupResponse, error) {
	principal, err := principalFrom(ctx)
	if err != nil {
		return nil, err
	}

	parameters := map[string]any{
		"root":       req.Root,
		"deep_clean": req.DeepClean,
		"dry_run":    dryRun,
	}

	summary, err := s.svc.CleanupSummary(ctx, principal, service.CleanupRequest{
		Root:      req.Root,
		DeepClean: req.DeepClean,
		DryRun:    dryRun,
	})
	if err != nil {
		s.recordAudit(ctx, principal, audit.Entry{
			Operation:  operation,
			Status:     auditStatusFor(err),
			Parameters: parameters,
			Outcome:    map[string]any{"error": err.Error()},
		})
		return nil, mapError(err)
	}

	s.recordAudit(ctx, principal, audit.Entry{
		Operation:  operation,
		Status:     audit.StatusSuccess,
		Parameters: parameters,
		Outcome:    map[string]any{"files": summary.Files, "bytes": summary.Bytes},
	})

	return &CleanupResponse{
		Files:        summary.Files,
		Bytes:        summary.Bytes,
		Manifest:     summary.Manifest,
		PreviewPaths: summary.PreviewPaths,
		RemovedPaths: summary.RemovedPaths,
	}, nil
}

// Clean implements CleanupService.Clean.
func (s *Server) Clean(ctx context.Context, req *CleanupRequest) (*CleanupResponse, error) {
	return s.clean(ctx, req, "grpc.cleanup.run", false)
}

// PreviewCleanup implements CleanupService.PreviewCleanup.
func (s *Server) PreviewCleanup(ctx context.Context, req *CleanupRequest) (*CleanupResponse, error) {
	return s.clean(ctx, req, "grpc.cleanup.preview", true)
}

// GetRankings implements AnalyticsService.GetRankings.
func (s *Server) GetRankings(ctx context.Context, req *RankingsRequest) (*RankingsResponse, error) {
	principal, err := principalFrom(ctx)
	if err != nil {
		return nil, err
	}

	strategy, err := analytics.ParseStrategy(req.Strategy)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		return nil, status.Error(codes.InvalidArgument, "limit must be at most 100")
	}

	operation := "grpc.analytics.rankings"
	parameters := map[string]any{"strategy": string(strategy), "limit": limit}

	rankings, err := s.svc.Rankings(ctx, principal, strategy, limit)
	if err != nil {
		s.recordAudit(ctx, principal, audit.Entry{
			Operation:  operation,
			Status:     auditStatusFor(err),
			Parameters: parameters,
			Outcome:    map[string]any{"error": err.Error()},
		})
		return nil, mapError(err)
	}

	s.recordAudit(ctx, principal, audit.Entry{
		Operation:  operation,
		Status:     audit.StatusSuccess,
		Parameters: parameters,
		Outcome:    map[string]any{"count": len(rankings)},
	})

	response := &RankingsResponse{Strategy: string(strategy)}
	for _, ranking := range rankings {
		response.Rankings = append(response.Rankings, RankingEntry{
			Rank:           ranking.Rank,
			Path:           ranking.Path,
			Score:          ranking.Score,
			Churn:          ranking.Churn,
			Coverage:       ranking.Coverage,
			UncoveredLines: ranking.UncoveredLines,
			Rationale:      ranking.Rationale,
		})
	}
	return response, nil
}

// GetHotspots implements AnalyticsService.GetHotspots.
func (s *Server) GetHotspots(ctx context.Context, req *HotspotsRequest) (*HotspotsResponse, error) {
	principal, err := principalFrom(ctx)
	if err != nil {
		return nil, err
	}

	limit := req.Limit
	if limit <= 0 {
		limit = 10
	}

	operation := "grpc.analytics.hotspots"
	parameters := map[string]any{"limit": limit}

	hotspots, err := s.svc.Hotspots(ctx, principal, limit)
	if err != nil {
		s.recordAudit(ctx, principal, audit.Entry{
			Operation:  operation,
			Status:     auditStatusFor(err),
			Parameters: parameters,
			Outcome:    map[string]any{"error": err.Error()},
		})
		return nil, mapError(err)
	}

	s.recordAudit(ctx, principal, audit.Entry{
		Operation:  operation,
		Status:     audit.StatusSuccess,
		Parameters: parameters,
		Outcome:    map[string]any{"count": len(hotspots)},
	})

	response := &HotspotsResponse{}
	for _, hotspot := range hotspots {
		response.Hotspots = append(response.Hotspots, HotspotEntry{
			Path:            hotspot.Path,
			ChangeFrequency: hotspot.ChangeFrequency,
			Complexity:      hotspot.Complexity,
			RiskScore:       hotspot.RiskScore,
		})
	}
	return response, nil
}

// StreamIngest implements the client-streaming
// AnalyticsService.StreamIngest: events are validated one by one, then a
// single summary closes the stream.
func (s *Server) StreamIngest(stream grpc.ServerStream) error {
	ctx := stream.Context()
	principal, err := principalFrom(ctx)
	if err != nil {
		return err
	}

	operation := "grpc.analytics.stream_ingest"

	if err := auth.RequireRole(principal, auth.RoleAnalytics); err != nil {
		s.recordAudit(ctx, principal, audit.Entry{
			Operation: operation,
			Status:    audit.StatusDenied,
			Outcome:   map[string]any{"error": err.Error()},
		})
		return mapError(err)
	}

	var events []map[string]any
	for {
		event := new(AnalyticsEvent)
		if err := stream.RecvMsg(event); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return err
		}
		events = append(events, event.asPayload())
	}

	result, err := s.svc.IngestEvents(ctx, principal, events)
	if err != nil {
		s.recordAudit(ctx, principal, audit.Entry{
			Operation:  operation,
			Status:     auditStatusFor(err),
			Parameters: map[string]any{"events": len(events)},
			Outcome:    map[string]any{"error": err.Error()},
		})
		return mapError(err)
	}

	s.recordAudit(ctx, principal, audit.Entry{
		Operation:  operation,
		Status:     audit.StatusSuccess,
		Parameters: map[string]any{"events": len(events)},
		Outcome:    map[string]any{"accepted": result.Accepted, "rejected": result.Rejected},
	})

	return stream.SendMsg(&IngestSummary{
		Accepted:    result.Accepted,
		Rejected:    result.Rejected,
		TotalEvents: result.Summary.TotalEvents,
	})
}
