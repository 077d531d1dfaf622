// Package tasks implements the bounded asynchronous task registry: one
// goroutine per task, polling and cancellation, owner/role access checks,
// and age-based garbage collection of terminal tasks.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/IAmJonoBo/hephaestus/pkg/auth"
	"github.com/IAmJonoBo/hephaestus/pkg/telemetry"
)

const (
	// DefaultTimeout bounds task execution when no explicit timeout is set.
	DefaultTimeout = 5 * time.Minute

	// DefaultMaxTasks caps the number of tracked tasks.
	DefaultMaxTasks = 100

	// DefaultMaxAge is how long terminal tasks are retained.
	DefaultMaxAge = time.Hour

	// DefaultPollInterval paces completion polling.
	DefaultPollInterval = 500 * time.Millisecond
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// IsTerminal reports whether the status is absorbing.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

var (
	// ErrNotFound is returned for unknown task ids.
	ErrNotFound = errors.New("task not found")
	// ErrAccessDenied is returned when a principal may not observe a task.
	ErrAccessDenied = errors.New("principal lacks access to task")
	// ErrCapacity is returned when the registry is full after GC.
	ErrCapacity = errors.New("maximum number of tasks exceeded")
	// ErrWaitTimeout is returned when a wait deadline expires.
	ErrWaitTimeout = errors.New("task did not complete within deadline")
)

// Task is an immutable snapshot of one background task.
type Task struct {
	ID            string
	Name          string
	Status        Status
	Progress      float64
	Result        map[string]any
	Error         string
	CreatedAt     time.Time
	CompletedAt   time.Time
	PrincipalID   string
	RequiredRoles map[string]bool
}

// Func is the unit of work a task executes. The context carries the task's
// timeout and cancellation; implementations must honour it.
type Func func(ctx context.Context) (map[string]any, error)

type taskState struct {
	Task
	cancel context.CancelFunc
}

// Options configure task creation.
type Options struct {
	Timeout       time.Duration // zero means DefaultTimeout
	Principal     *auth.AuthenticatedPrincipal
	RequiredRoles []auth.Role
}

// Manager tracks background tasks. The mutex brackets registry mutations
// only; execution happens on per-task goroutines.
type Manager struct {
	maxTasks int
	maxAge   time.Duration
	logger   *slog.Logger
	clock    func() time.Time

	mu    sync.Mutex
	tasks map[string]*taskState
}

// NewManager creates a task manager with the default bounds.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		maxTasks: DefaultMaxTasks,
		maxAge:   DefaultMaxAge,
		logger:   logger.With("component", "tasks"),
		clock:    time.Now,
	}
}

// WithLimits overrides capacity and retention (primarily for tests).
func (m *Manager) WithLimits(maxTasks int, maxAge time.Duration) *Manager {
	if maxTasks > 0 {
		m.maxTasks = maxTasks
	}
	if maxAge > 0 {
		m.maxAge = maxAge
	}
	return m
}

// WithClock overrides the clock for deterministic testing.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// Create registers and launches a task, returning its id. Fails when the
// name is empty or the registry is still full after a GC pass.
func (m *Manager) Create(ctx context.Context, name string, fn Func, opts Options) (string, error) {
	if name == "" {
		return "", fmt.Errorf("task name must be non-empty")
	}
	if fn == nil {
		return "", fmt.Errorf("task function is required")
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	roles := make(map[string]bool, len(opts.RequiredRoles))
	for _, role := range opts.RequiredRoles {
		roles[string(role)] = true
	}

	m.mu.Lock()
	if m.tasks == nil {
		m.tasks = map[string]*taskState{}
	}
	if len(m.tasks) >= m.maxTasks {
		m.gcLocked(m.maxAge)
		if len(m.tasks) >= m.maxTasks {
			m.mu.Unlock()
			return "", fmt.Errorf("%w (%d)", ErrCapacity, m.maxTasks)
		}
	}

	taskID := uuid.New().String()
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	state := &taskState{
		Task: Task{
			ID:            taskID,
			Name:          name,
			Status:        StatusPending,
			CreatedAt:     m.clock(),
			RequiredRoles: roles,
		},
		cancel: cancel,
	}
	if opts.Principal != nil {
		state.PrincipalID = opts.Principal.Principal
	}
	m.tasks[taskID] = state
	m.mu.Unlock()

	_ = telemetry.Emit(ctx, m.logger, telemetry.TaskCreated, map[string]any{
		"task_id":   taskID,
		"task_name": name,
	})

	go m.execute(runCtx, taskID, fn, timeout)

	return taskID, nil
}

func (m *Manager) execute(ctx context.Context, taskID string, fn Func, timeout time.Duration) {
	defer func() {
		if recovered := recover(); recovered != nil {
			m.finish(taskID, nil, fmt.Sprintf("panic: %v", recovered))
		}
	}()

	m.mu.Lock()
	if state, ok := m.tasks[taskID]; ok && !state.Status.IsTerminal() {
		state.Status = StatusRunning
	}
	m.mu.Unlock()

	result, err := fn(ctx)

	switch {
	case err == nil:
		m.finish(taskID, result, "")
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		m.finish(taskID, nil, fmt.Sprintf("Task timed out after %s", timeout))
	case errors.Is(ctx.Err(), context.Canceled):
		m.finish(taskID, nil, "Task cancelled")
	default:
		m.finish(taskID, nil, err.Error())
	}
}

// finish records a terminal state exactly once.
func (m *Manager) finish(taskID string, result map[string]any, errMsg string) {
	m.mu.Lock()
	state, ok := m.tasks[taskID]
	if !ok || state.Status.IsTerminal() {
		m.mu.Unlock()
		return
	}
	if errMsg == "" {
		state.Status = StatusCompleted
		state.Progress = 1.0
		state.Result = result
	} else {
		state.Status = StatusFailed
		state.Error = errMsg
	}
	state.CompletedAt = m.clock()
	if state.cancel != nil {
		state.cancel()
		state.cancel = nil
	}
	status := state.Status
	m.mu.Unlock()

	payload := map[string]any{"task_id": taskID, "status": string(status)}
	if errMsg != "" {
		payload["error"] = errMsg
	}
	_ = telemetry.Emit(context.Background(), m.logger, telemetry.TaskCompleted, payload)
}

// Status returns a snapshot of the task, enforcing owner/role access.
func (m *Manager) Status(taskID string, principal *auth.AuthenticatedPrincipal) (Task, error) {
	m.mu.Lock()
	state, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return Task{}, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	snapshot := state.Task
	m.mu.Unlock()

	if err := ensureAccess(snapshot, principal); err != nil {
		return Task{}, err
	}
	return snapshot, nil
}

func ensureAccess(task Task, principal *auth.AuthenticatedPrincipal) error {
	if task.PrincipalID == "" && len(task.RequiredRoles) == 0 {
		return nil
	}
	if principal == nil {
		return fmt.Errorf("authentication required: %w", ErrAccessDenied)
	}
	for role := range task.RequiredRoles {
		if !principal.Roles[role] {
			return fmt.Errorf("missing role %s: %w", role, ErrAccessDenied)
		}
	}
	if task.PrincipalID != "" && task.PrincipalID != principal.Principal {
		return fmt.Errorf("task owned by another principal: %w", ErrAccessDenied)
	}
	return nil
}

// UpdateProgress records task progress in [0, 1]. Terminal tasks are left
// untouched so the completed-implies-1.0 invariant holds.
func (m *Manager) UpdateProgress(taskID string, progress float64) error {
	if progress < 0 || progress > 1 {
		return fmt.Errorf("progress must be between 0.0 and 1.0, got %v", progress)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if !state.Status.IsTerminal() {
		state.Progress = progress
	}
	return nil
}

// WaitForCompletion polls until the task is terminal or the deadline passes.
func (m *Manager) WaitForCompletion(ctx context.Context, taskID string, pollInterval, timeout time.Duration, principal *auth.AuthenticatedPrincipal) (Task, error) {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	deadline := time.Now().Add(timeout)

	for {
		task, err := m.Status(taskID, principal)
		if err != nil {
			return Task{}, err
		}
		if task.Status.IsTerminal() {
			return task, nil
		}
		if time.Now().After(deadline) {
			return Task{}, fmt.Errorf("task %s: %w after %s", taskID, ErrWaitTimeout, timeout)
		}

		select {
		case <-ctx.Done():
			return Task{}, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// Cancel requests cancellation of a running task. Terminal tasks are left
// unchanged.
func (m *Manager) Cancel(taskID string) error {
	m.mu.Lock()
	state, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if state.Status.IsTerminal() {
		m.mu.Unlock()
		return nil
	}
	cancel := state.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.finish(taskID, nil, "Task cancelled")
	return nil
}

// List returns a snapshot of every tracked task.
func (m *Manager) List() []Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Task, 0, len(m.tasks))
	for _, state := range m.tasks {
		out = append(out, state.Task)
	}
	return out
}

// CleanupCompleted drops terminal tasks older than maxAge, returning how
// many were removed.
func (m *Manager) CleanupCompleted(maxAge time.Duration) int {
	if maxAge <= 0 {
		maxAge = m.maxAge
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gcLocked(maxAge)
}

func (m *Manager) gcLocked(maxAge time.Duration) int {
	now := m.clock()
	removed := 0
	for taskID, state := range m.tasks {
		if state.Status.IsTerminal() && !state.CompletedAt.IsZero() && now.Sub(state.CompletedAt) > maxAge {
			delete(m.tasks, taskID)
			removed++
		}
	}
	return removed
}
