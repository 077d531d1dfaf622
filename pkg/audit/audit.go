// Package audit appends structured operation records to daily JSONL files
// and mirrors each record as a telemetry event. Files are append-only; one
// JSON object per line.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/IAmJonoBo/hephaestus/pkg/auth"
	"github.com/IAmJonoBo/hephaestus/pkg/telemetry"
)

const (
	// LogDirEnv overrides the audit log directory.
	LogDirEnv = "HEPHAESTUS_AUDIT_LOG_DIR"

	// DefaultLogDir is used when no override is set.
	DefaultLogDir = ".hephaestus/audit"
)

// Status classifies an audited operation outcome.
type Status string

const (
	StatusSuccess Status = "success"
	StatusDenied  Status = "denied"
	StatusFailed  Status = "failed"
)

// Entry describes one audited operation.
type Entry struct {
	Operation  string
	Status     Status
	Protocol   string
	Parameters map[string]any
	Outcome    map[string]any
}

// Recorder persists audit entries. Safe for concurrent use; the mutex only
// brackets the file append.
type Recorder struct {
	dir    string
	logger *slog.Logger
	clock  func() time.Time

	mu sync.Mutex
}

// NewRecorder creates a recorder writing under dir. An empty dir falls back
// to the environment override, then the default location.
func NewRecorder(dir string, logger *slog.Logger) *Recorder {
	if dir == "" {
		dir = os.Getenv(LogDirEnv)
	}
	if dir == "" {
		dir = DefaultLogDir
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		dir:    dir,
		logger: logger.With("component", "audit"),
		clock:  time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (r *Recorder) WithClock(clock func() time.Time) *Recorder {
	r.clock = clock
	return r
}

// Dir returns the audit log directory.
func (r *Recorder) Dir() string { return r.dir }

// Record appends one audit line for the principal and emits the matching
// telemetry event. The write happens before the caller sends any response.
func (r *Recorder) Record(ctx context.Context, principal *auth.AuthenticatedPrincipal, entry Entry) error {
	if principal == nil {
		return fmt.Errorf("audit: principal is required")
	}

	timestamp := r.clock().UTC()
	record := map[string]any{
		"timestamp": timestamp.Format(time.RFC3339Nano),
		"principal": principal.Principal,
		"key_id":    principal.KeyID,
		"operation": entry.Operation,
		"status":    string(entry.Status),
	}
	if entry.Protocol != "" {
		record["protocol"] = entry.Protocol
	}
	if len(entry.Parameters) > 0 {
		record["parameters"] = jsonSafe(entry.Parameters)
	}
	if len(entry.Outcome) > 0 {
		record["outcome"] = jsonSafe(entry.Outcome)
	}

	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("audit: marshal record: %w", err)
	}

	if err := r.append(timestamp, line); err != nil {
		return err
	}

	payload := map[string]any{
		"principal": principal.Principal,
		"operation": entry.Operation,
		"status":    string(entry.Status),
		"key_id":    principal.KeyID,
	}
	if entry.Protocol != "" {
		payload["protocol"] = entry.Protocol
	}
	if len(entry.Parameters) > 0 {
		payload["parameters"] = jsonSafe(entry.Parameters)
	}
	if len(entry.Outcome) > 0 {
		payload["outcome"] = jsonSafe(entry.Outcome)
	}
	_ = telemetry.Emit(ctx, r.logger, telemetry.APIAuditEvent, payload)

	return nil
}

// FileFor returns the audit file path for the given UTC day.
func (r *Recorder) FileFor(t time.Time) string {
	return filepath.Join(r.dir, fmt.Sprintf("audit-%s.jsonl", t.UTC().Format("20060102")))
}

func (r *Recorder) append(timestamp time.Time, line []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.MkdirAll(r.dir, 0o700); err != nil {
		return fmt.Errorf("audit: create log dir: %w", err)
	}

	file, err := os.OpenFile(r.FileFor(timestamp), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("audit: open log file: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("audit: append record: %w", err)
	}
	return nil
}

// jsonSafe recursively converts a value into JSON-serialisable form:
// mappings stay mappings, sequences become arrays, scalars pass through,
// and anything else becomes its string form.
func jsonSafe(value any) any {
	switch v := value.(type) {
	case nil, bool, string, int, int32, int64, uint, uint32, uint64, float32, float64, json.Number:
		return v
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			out[key] = jsonSafe(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = jsonSafe(item)
		}
		return out
	case []string:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = item
		}
		return out
	case time.Time:
		return v.UTC().Format(time.RFC3339Nano)
	case error:
		return v.Error()
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}
