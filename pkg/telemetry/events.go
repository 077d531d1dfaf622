// Package telemetry provides the structured event schema, metric primitives,
// and tracing bootstrap for the Hephaestus service core. Events are validated
// against their registered field sets before emission; metrics are no-ops
// unless telemetry is enabled via the environment.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// Event describes a structured log event with its field schema.
type Event struct {
	Name        string
	Description string
	Required    []string
	Optional    []string
}

// Validate checks payload against the event schema. Missing required fields
// and unexpected fields are programmer bugs surfaced as errors.
func (e Event) Validate(payload map[string]any) error {
	var missing []string
	for _, field := range e.Required {
		if _, ok := payload[field]; !ok {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("event %q missing required fields: %s", e.Name, strings.Join(missing, ", "))
	}

	allowed := make(map[string]bool, len(e.Required)+len(e.Optional))
	for _, field := range e.Required {
		allowed[field] = true
	}
	for _, field := range e.Optional {
		allowed[field] = true
	}

	var unexpected []string
	for field := range payload {
		if !allowed[field] {
			unexpected = append(unexpected, field)
		}
	}
	if len(unexpected) > 0 {
		sort.Strings(unexpected)
		return fmt.Errorf("event %q received unexpected fields: %s", e.Name, strings.Join(unexpected, ", "))
	}
	return nil
}

// Registry tracks the telemetry events the service may emit.
type Registry struct {
	events map[string]Event
}

// NewRegistry creates an empty event registry.
func NewRegistry() *Registry {
	return &Registry{events: map[string]Event{}}
}

// Register adds an event definition, rejecting duplicate names.
func (r *Registry) Register(event Event) (Event, error) {
	if _, exists := r.events[event.Name]; exists {
		return Event{}, fmt.Errorf("event %q already registered", event.Name)
	}
	r.events[event.Name] = event
	return event, nil
}

// Get returns a registered event by name.
func (r *Registry) Get(name string) (Event, error) {
	event, ok := r.events[name]
	if !ok {
		return Event{}, fmt.Errorf("telemetry event %q not defined", name)
	}
	return event, nil
}

// AllEvents returns every registered event.
func (r *Registry) AllEvents() []Event {
	events := make([]Event, 0, len(r.events))
	for _, event := range r.events {
		events = append(events, event)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Name < events[j].Name })
	return events
}

// DefaultRegistry holds the events defined by the service core.
var DefaultRegistry = NewRegistry()

func mustRegister(event Event) Event {
	registered, err := DefaultRegistry.Register(event)
	if err != nil {
		panic(err)
	}
	return registered
}

// Events emitted by the service core.
var (
	APIAuditEvent = mustRegister(Event{
		Name:        "api.audit",
		Description: "Authenticated API operation outcome",
		Required:    []string{"principal", "operation", "status", "key_id"},
		Optional:    []string{"protocol", "parameters", "outcome"},
	})

	CleanupRunStart = mustRegister(Event{
		Name:        "cleanup.run.start",
		Description: "Cleanup sweep started",
		Required:    []string{"search_roots"},
		Optional: []string{
			"include_git", "include_venv", "python_cache",
			"build_artifacts", "node_modules", "extra_paths", "dry_run",
		},
	})

	CleanupRunComplete = mustRegister(Event{
		Name:        "cleanup.run.complete",
		Description: "Cleanup sweep completed",
		Required:    []string{"removed", "skipped", "errors"},
		Optional:    []string{"previewed"},
	})

	CleanupPathRemoved = mustRegister(Event{
		Name:        "cleanup.path.removed",
		Description: "Path removed by cleanup",
		Required:    []string{"path"},
	})

	CleanupPathPreview = mustRegister(Event{
		Name:        "cleanup.path.preview",
		Description: "Path that a real cleanup run would remove",
		Required:    []string{"path"},
	})

	CleanupPathSkipped = mustRegister(Event{
		Name:        "cleanup.path.skipped",
		Description: "Path skipped by cleanup",
		Required:    []string{"path", "reason"},
	})

	CleanupPathError = mustRegister(Event{
		Name:        "cleanup.path.error",
		Description: "Cleanup failed to remove a path",
		Required:    []string{"path", "reason"},
	})

	GuardRailsStart = mustRegister(Event{
		Name:        "guard_rails.run.start",
		Description: "Guard-rails evaluation started",
		Required:    []string{"workspace"},
		Optional:    []string{"no_format", "drift_check", "auto_remediate"},
	})

	GuardRailsComplete = mustRegister(Event{
		Name:        "guard_rails.run.complete",
		Description: "Guard-rails evaluation completed",
		Required:    []string{"success", "gates"},
		Optional:    []string{"duration_seconds"},
	})

	TaskCreated = mustRegister(Event{
		Name:        "tasks.created",
		Description: "Background task registered",
		Required:    []string{"task_id", "task_name"},
	})

	TaskCompleted = mustRegister(Event{
		Name:        "tasks.completed",
		Description: "Background task reached a terminal state",
		Required:    []string{"task_id", "status"},
		Optional:    []string{"error"},
	})
)

// Emit validates payload against the event schema and logs it through the
// given logger, merging any operation-scoped context fields.
func Emit(ctx context.Context, logger *slog.Logger, event Event, payload map[string]any) error {
	if err := event.Validate(payload); err != nil {
		logger.ErrorContext(ctx, "invalid telemetry payload", "event", event.Name, "error", err)
		return err
	}

	attrs := make([]any, 0, 2+2*len(payload))
	attrs = append(attrs, "event", event.Name)
	for _, key := range sortedKeys(ContextFields(ctx)) {
		attrs = append(attrs, key, ContextFields(ctx)[key])
	}
	for _, key := range sortedKeys(payload) {
		attrs = append(attrs, key, payload[key])
	}
	logger.InfoContext(ctx, event.Description, attrs...)
	return nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
