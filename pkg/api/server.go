package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/IAmJonoBo/hephaestus/pkg/analytics"
	"github.com/IAmJonoBo/hephaestus/pkg/audit"
	"github.com/IAmJonoBo/hephaestus/pkg/auth"
	"github.com/IAmJonoBo/hephaestus/pkg/service"
	"github.com/IAmJonoBo/hephaestus/pkg/tasks"
)

const (
	// Version is reported by the root endpoint.
	Version = "0.3.0"

	maxBodyBytes = 1 << 20

	defaultRateLimit = rate.Limit(50)
	defaultBurst     = 100
)

// Server is the REST adapter over the service facade.
type Server struct {
	svc      *service.Service
	verifier *auth.Verifier
	logger   *slog.Logger

	taskTimeout  time.Duration
	pollInterval time.Duration
	streamPoll   time.Duration
}

// NewServer creates the REST adapter.
func NewServer(svc *service.Service, verifier *auth.Verifier, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		svc:          svc,
		verifier:     verifier,
		logger:       logger.With("component", "rest"),
		taskTimeout:  tasks.DefaultTimeout,
		pollInterval: tasks.DefaultPollInterval,
		streamPoll:   time.Second,
	}
}

// WithTimeouts overrides the task wait deadline and poll cadences (tests).
func (s *Server) WithTimeouts(taskTimeout, pollInterval, streamPoll time.Duration) *Server {
	if taskTimeout > 0 {
		s.taskTimeout = taskTimeout
	}
	if pollInterval > 0 {
		s.pollInterval = pollInterval
	}
	if streamPoll > 0 {
		s.streamPoll = streamPoll
	}
	return s
}

// Handler builds the routed HTTP handler: public root and health
// endpoints, everything under /api/v1 behind bearer auth and rate limiting.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)

	authed := http.NewServeMux()
	authed.HandleFunc("POST /api/v1/quality/guard-rails", s.handleGuardRails)
	authed.HandleFunc("POST /api/v1/cleanup", s.handleCleanup)
	authed.HandleFunc("GET /api/v1/analytics/rankings", s.handleRankings)
	authed.HandleFunc("POST /api/v1/analytics/ingest", s.handleIngest)
	authed.HandleFunc("GET /api/v1/tasks/{id}", s.handleTaskStatus)
	authed.HandleFunc("GET /api/v1/tasks/{id}/stream", s.handleTaskStream)

	chain := BearerAuthMiddleware(s.verifier)(
		RateLimitMiddleware(defaultRateLimit, defaultBurst)(authed))
	mux.Handle("/api/v1/", chain)

	return mux
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, map[string]string{
		"name":    "Hephaestus API",
		"version": Version,
		"status":  "operational",
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, map[string]string{"status": "healthy"})
}

// recordAudit appends one audit line; append failures are logged rather
// than failing the request.
func (s *Server) recordAudit(ctx context.Context, principal *auth.AuthenticatedPrincipal, entry audit.Entry) {
	entry.Protocol = "rest"
	if err := s.svc.Audit().Record(ctx, principal, entry); err != nil {
		s.logger.Error("failed to record audit event", "operation", entry.Operation, "error", err)
	}
}

func (s *Server) handleGuardRails(w http.ResponseWriter, r *http.Request) {
	principal, err := auth.PrincipalFrom(r.Context())
	if err != nil {
		WriteUnauthorized(w, "")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req GuardRailsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}

	operation := "rest.guard-rails.run"
	parameters := map[string]any{
		"no_format":      req.NoFormat,
		"workspace":      req.Workspace,
		"drift_check":    req.DriftCheck,
		"auto_remediate": req.AutoRemediate,
	}

	if err := auth.RequireRole(principal, auth.RoleGuardRails); err != nil {
		s.recordAudit(r.Context(), principal, audit.Entry{
			Operation:  operation,
			Status:     audit.StatusDenied,
			Parameters: parameters,
			Outcome:    map[string]any{"error": err.Error()},
		})
		WriteForbidden(w, err.Error())
		return
	}

	serviceReq := service.GuardRailsRequest{
		NoFormat:      req.NoFormat,
		Workspace:     req.Workspace,
		DriftCheck:    req.DriftCheck,
		AutoRemediate: req.AutoRemediate,
	}
	taskID, err := s.svc.Tasks().Create(r.Context(), "guard-rails",
		func(taskCtx context.Context) (map[string]any, error) {
			execution, err := s.svc.EvaluateGuardRails(taskCtx, principal, serviceReq)
			if err != nil {
				return nil, err
			}
			gates := make([]any, 0, len(execution.Gates))
			for _, gate := range execution.Gates {
				gates = append(gates, gate)
			}
			return map[string]any{
				"success":  execution.Success,
				"gates":    gates,
				"duration": execution.Duration,
			}, nil
		},
		tasks.Options{Principal: principal, RequiredRoles: []auth.Role{auth.RoleGuardRails}})
	if err != nil {
		s.recordAudit(r.Context(), principal, audit.Entry{
			Operation:  operation,
			Status:     audit.StatusFailed,
			Parameters: parameters,
			Outcome:    map[string]any{"error": err.Error()},
		})
		WriteInternal(w, err.Error())
		return
	}

	task, err := s.svc.Tasks().WaitForCompletion(r.Context(), taskID, s.pollInterval, s.taskTimeout, principal)
	switch {
	case errors.Is(err, tasks.ErrWaitTimeout):
		s.recordAudit(r.Context(), principal, audit.Entry{
			Operation:  operation,
			Status:     audit.StatusFailed,
			Parameters: parameters,
			Outcome:    map[string]any{"error": "timeout", "task_id": taskID},
		})
		WriteGatewayTimeout(w, "Guard-rails execution timed out")
		return
	case err != nil:
		WriteInternal(w, err.Error())
		return
	}

	if task.Status == tasks.StatusFailed {
		s.recordAudit(r.Context(), principal, audit.Entry{
			Operation:  operation,
			Status:     audit.StatusFailed,
			Parameters: parameters,
			Outcome:    map[string]any{"error": task.Error, "task_id": taskID},
		})
		WriteInternal(w, task.Error)
		return
	}

	success, _ := task.Result["success"].(bool)
	duration, _ := task.Result["duration"].(float64)
	gates, _ := task.Result["gates"].([]any)

	s.recordAudit(r.Context(), principal, audit.Entry{
		Operation:  operation,
		Status:     audit.StatusSuccess,
		Parameters: parameters,
		Outcome:    map[string]any{"success": success, "task_id": taskID},
	})
	WriteJSON(w, GuardRailsResponse{
		Success:  success,
		Gates:    gates,
		Duration: duration,
		TaskID:   taskID,
	})
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	principal, err := auth.PrincipalFrom(r.Context())
	if err != nil {
		WriteUnauthorized(w, "")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req CleanupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}

	operation := "rest.cleanup.run"
	parameters := map[string]any{
		"root":       req.Root,
		"deep_clean": req.DeepClean,
		"dry_run":    req.DryRun,
	}

	if err := auth.RequireRole(principal, auth.RoleCleanup); err != nil {
		s.recordAudit(r.Context(), principal, audit.Entry{
			Operation:  operation,
			Status:     audit.StatusDenied,
			Parameters: parameters,
			Outcome:    map[string]any{"error": err.Error()},
		})
		WriteForbidden(w, err.Error())
		return
	}

	serviceReq := service.CleanupRequest{Root: req.Root, DeepClean: req.DeepClean, DryRun: req.DryRun}
	taskID, err := s.svc.Tasks().Create(r.Context(), "cleanup",
		func(taskCtx context.Context) (map[string]any, error) {
			summary, err := s.svc.CleanupSummary(taskCtx, principal, serviceReq)
			if err != nil {
				return nil, err
			}
			return map[string]any{"summary": summary}, nil
		},
		tasks.Options{Principal: principal, RequiredRoles: []auth.Role{auth.RoleCleanup}})
	if err != nil {
		WriteInternal(w, err.Error())
		return
	}

	task, err := s.svc.Tasks().WaitForCompletion(r.Context(), taskID, s.pollInterval, s.taskTimeout, principal)
	switch {
	case errors.Is(err, tasks.ErrWaitTimeout):
		s.recordAudit(r.Context(), principal, audit.Entry{
			Operation:  operation,
			Status:     audit.StatusFailed,
			Parameters: parameters,
			Outcome:    map[string]any{"error": "timeout", "task_id": taskID},
		})
		WriteGatewayTimeout(w, "Cleanup execution timed out")
		return
	case err != nil:
		WriteInternal(w, err.Error())
		return
	}

	if task.Status == tasks.StatusFailed {
		s.recordAudit(r.Context(), principal, audit.Entry{
			Operation:  operation,
			Status:     audit.StatusFailed,
			Parameters: parameters,
			Outcome:    map[string]any{"error": task.Error, "task_id": taskID},
		})
		WriteInternal(w, task.Error)
		return
	}

	summary, _ := task.Result["summary"].(*service.CleanupSummaryResult)
	if summary == nil {
		WriteInternal(w, "Invalid task result")
		return
	}

	s.recordAudit(r.Context(), principal, audit.Entry{
		Operation:  operation,
		Status:     audit.StatusSuccess,
		Parameters: parameters,
		Outcome: map[string]any{
			"files":   summary.Files,
			"bytes":   summary.Bytes,
			"task_id": taskID,
		},
	})
	WriteJSON(w, map[string]any{
		"files":         summary.Files,
		"bytes":         summary.Bytes,
		"manifest":      summary.Manifest,
		"preview_paths": summary.PreviewPaths,
		"removed_paths": summary.RemovedPaths,
		"task_id":       taskID,
	})
}

func (s *Server) handleRankings(w http.ResponseWriter, r *http.Request) {
	principal, err := auth.PrincipalFrom(r.Context())
	if err != nil {
		WriteUnauthorized(w, "")
		return
	}

	strategy, err := analytics.ParseStrategy(r.URL.Query().Get("strategy"))
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 100 {
			WriteBadRequest(w, "limit must be an integer between 1 and 100")
			return
		}
		limit = parsed
	}

	operation := "rest.analytics.rankings"
	parameters := map[string]any{"strategy": string(strategy), "limit": limit}

	rankings, err := s.svc.Rankings(r.Context(), principal, strategy, limit)
	if err != nil {
		var authzErr *auth.AuthorizationError
		if errors.As(err, &authzErr) {
			s.recordAudit(r.Context(), principal, audit.Entry{
				Operation:  operation,
				Status:     audit.StatusDenied,
				Parameters: parameters,
				Outcome:    map[string]any{"error": err.Error()},
			})
			WriteForbidden(w, err.Error())
			return
		}
		s.recordAudit(r.Context(), principal, audit.Entry{
			Operation:  operation,
			Status:     audit.StatusFailed,
			Parameters: parameters,
			Outcome:    map[string]any{"error": err.Error()},
		})
		WriteInternal(w, err.Error())
		return
	}

	s.recordAudit(r.Context(), principal, audit.Entry{
		Operation:  operation,
		Status:     audit.StatusSuccess,
		Parameters: parameters,
		Outcome:    map[string]any{"count": len(rankings)},
	})
	WriteJSON(w, map[string]any{"rankings": rankings, "strategy": string(strategy)})
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	principal, err := auth.PrincipalFrom(r.Context())
	if err != nil {
		WriteUnauthorized(w, "")
		return
	}

	operation := "rest.analytics.ingest"

	if err := auth.RequireRole(principal, auth.RoleAnalytics); err != nil {
		s.recordAudit(r.Context(), principal, audit.Entry{
			Operation: operation,
			Status:    audit.StatusDenied,
			Outcome:   map[string]any{"error": err.Error()},
		})
		WriteForbidden(w, err.Error())
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var events []map[string]any
	scanner := bufio.NewScanner(r.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxBodyBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var event map[string]any
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			// Undecodable lines are counted as rejections downstream.
			events = append(events, map[string]any{})
			continue
		}
		events = append(events, event)
	}
	if err := scanner.Err(); err != nil {
		WriteBadRequest(w, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	result, err := s.svc.IngestEvents(r.Context(), principal, events)
	if err != nil {
		WriteInternal(w, err.Error())
		return
	}

	s.recordAudit(r.Context(), principal, audit.Entry{
		Operation:  operation,
		Status:     audit.StatusSuccess,
		Parameters: map[string]any{"events": len(events)},
		Outcome:    map[string]any{"accepted": result.Accepted, "rejected": result.Rejected},
	})
	WriteJSON(w, result)
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	principal, err := auth.PrincipalFrom(r.Context())
	if err != nil {
		WriteUnauthorized(w, "")
		return
	}

	taskID := r.PathValue("id")
	operation := "rest.tasks.status"

	task, err := s.svc.Tasks().Status(taskID, principal)
	switch {
	case errors.Is(err, tasks.ErrNotFound):
		WriteNotFound(w, "Task not found")
		return
	case errors.Is(err, tasks.ErrAccessDenied):
		s.recordAudit(r.Context(), principal, audit.Entry{
			Operation:  operation,
			Status:     audit.StatusDenied,
			Parameters: map[string]any{"task_id": taskID},
			Outcome:    map[string]any{"error": err.Error()},
		})
		WriteForbidden(w, err.Error())
		return
	case err != nil:
		WriteInternal(w, err.Error())
		return
	}

	WriteJSON(w, TaskStatusResponse{
		TaskID:   task.ID,
		Status:   string(task.Status),
		Progress: task.Progress,
		Result:   task.Result,
		Error:    task.Error,
	})
}

type streamEvent struct {
	Status   string         `json:"status"`
	Progress float64        `json:"progress"`
	Result   map[string]any `json:"result"`
	Error    *string        `json:"error"`
}

type streamTimeoutEvent struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

func (s *Server) handleTaskStream(w http.ResponseWriter, r *http.Request) {
	principal, err := auth.PrincipalFrom(r.Context())
	if err != nil {
		WriteUnauthorized(w, "")
		return
	}

	taskID := r.PathValue("id")
	operation := "rest.tasks.stream"

	if _, err := s.svc.Tasks().Status(taskID, principal); err != nil {
		switch {
		case errors.Is(err, tasks.ErrNotFound):
			WriteNotFound(w, "Task not found")
		case errors.Is(err, tasks.ErrAccessDenied):
			s.recordAudit(r.Context(), principal, audit.Entry{
				Operation:  operation,
				Status:     audit.StatusDenied,
				Parameters: map[string]any{"task_id": taskID},
				Outcome:    map[string]any{"error": err.Error()},
			})
			WriteForbidden(w, err.Error())
		default:
			WriteInternal(w, err.Error())
		}
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteInternal(w, "Streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	writeFrame := func(payload any) {
		data, err := json.Marshal(payload)
		if err != nil {
			return
		}
		_, _ = fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	deadline := time.Now().Add(s.taskTimeout)
	for {
		task, err := s.svc.Tasks().Status(taskID, principal)
		if err != nil {
			writeFrame(map[string]string{"error": "Task not found"})
			return
		}

		event := streamEvent{
			Status:   string(task.Status),
			Progress: task.Progress,
		}
		if task.Status == tasks.StatusCompleted {
			event.Result = task.Result
		}
		if task.Status == tasks.StatusFailed && task.Error != "" {
			taskErr := task.Error
			event.Error = &taskErr
		}
		writeFrame(event)

		if task.Status.IsTerminal() {
			s.recordAudit(r.Context(), principal, audit.Entry{
				Operation:  operation,
				Status:     audit.StatusSuccess,
				Parameters: map[string]any{"task_id": taskID},
				Outcome:    map[string]any{"status": string(task.Status)},
			})
			return
		}
		if time.Now().After(deadline) {
			writeFrame(streamTimeoutEvent{Status: "timeout", Error: "Task stream timed out"})
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-time.After(s.streamPoll):
		}
	}
}
