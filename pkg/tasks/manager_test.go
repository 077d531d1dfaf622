package tasks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/IAmJonoBo/hephaestus/pkg/auth"
)

func waitForTerminal(t *testing.T, m *Manager, taskID string, principal *auth.AuthenticatedPrincipal) Task {
	t.Helper()
	task, err := m.WaitForCompletion(context.Background(), taskID, 10*time.Millisecond, 5*time.Second, principal)
	require.NoError(t, err)
	return task
}

func TestCreateAndComplete(t *testing.T) {
	m := NewManager(nil)

	taskID, err := m.Create(context.Background(), "guard-rails", func(ctx context.Context) (map[string]any, error) {
		return map[string]any{"success": true}, nil
	}, Options{})
	require.NoError(t, err)

	task := waitForTerminal(t, m, taskID, nil)
	require.Equal(t, StatusCompleted, task.Status)
	require.Equal(t, 1.0, task.Progress)
	require.Empty(t, task.Error)
	require.Equal(t, map[string]any{"success": true}, task.Result)
	require.False(t, task.CompletedAt.IsZero())
}

func TestCreateRejectsEmptyName(t *testing.T) {
	m := NewManager(nil)
	_, err := m.Create(context.Background(), "", func(ctx context.Context) (map[string]any, error) {
		return nil, nil
	}, Options{})
	require.ErrorContains(t, err, "non-empty")
}

func TestFailedTaskRecordsError(t *testing.T) {
	m := NewManager(nil)

	taskID, err := m.Create(context.Background(), "boom", func(ctx context.Context) (map[string]any, error) {
		return nil, context.DeadlineExceeded
	}, Options{})
	require.NoError(t, err)

	task := waitForTerminal(t, m, taskID, nil)
	require.Equal(t, StatusFailed, task.Status)
	require.NotEmpty(t, task.Error)
}

func TestTimeoutFailsTask(t *testing.T) {
	m := NewManager(nil)

	taskID, err := m.Create(context.Background(), "slow", func(ctx context.Context) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, Options{Timeout: 50 * time.Millisecond})
	require.NoError(t, err)

	task := waitForTerminal(t, m, taskID, nil)
	require.Equal(t, StatusFailed, task.Status)
	require.Contains(t, task.Error, "timed out")
}

func TestCancelRecordsTaskCancelled(t *testing.T) {
	m := NewManager(nil)

	started := make(chan struct{})
	taskID, err := m.Create(context.Background(), "forever", func(ctx context.Context) (map[string]any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}, Options{Timeout: time.Minute})
	require.NoError(t, err)

	<-started
	require.NoError(t, m.Cancel(taskID))

	task := waitForTerminal(t, m, taskID, nil)
	require.Equal(t, StatusFailed, task.Status)
	require.Equal(t, "Task cancelled", task.Error)
}

func TestTerminalStatesAreWriteOnce(t *testing.T) {
	m := NewManager(nil)

	taskID, err := m.Create(context.Background(), "quick", func(ctx context.Context) (map[string]any, error) {
		return map[string]any{"done": true}, nil
	}, Options{})
	require.NoError(t, err)

	task := waitForTerminal(t, m, taskID, nil)
	require.Equal(t, StatusCompleted, task.Status)

	require.NoError(t, m.Cancel(taskID))
	task, err = m.Status(taskID, nil)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, task.Status)
	require.Empty(t, task.Error)
}

func TestAccessControl(t *testing.T) {
	m := NewManager(nil)

	owner := &auth.AuthenticatedPrincipal{
		Principal: "owner@example.com",
		Roles:     map[string]bool{"cleanup": true},
		KeyID:     "k1",
	}
	stranger := &auth.AuthenticatedPrincipal{
		Principal: "stranger@example.com",
		Roles:     map[string]bool{"cleanup": true},
		KeyID:     "k2",
	}
	noRole := &auth.AuthenticatedPrincipal{
		Principal: "owner@example.com",
		Roles:     map[string]bool{"analytics": true},
		KeyID:     "k1",
	}

	taskID, err := m.Create(context.Background(), "cleanup", func(ctx context.Context) (map[string]any, error) {
		return nil, nil
	}, Options{Principal: owner, RequiredRoles: []auth.Role{auth.RoleCleanup}})
	require.NoError(t, err)

	_, err = m.Status(taskID, owner)
	require.NoError(t, err)

	_, err = m.Status(taskID, nil)
	require.ErrorIs(t, err, ErrAccessDenied)

	_, err = m.Status(taskID, stranger)
	require.ErrorIs(t, err, ErrAccessDenied)

	_, err = m.Status(taskID, noRole)
	require.ErrorIs(t, err, ErrAccessDenied)
}

func TestUpdateProgressRangeChecked(t *testing.T) {
	m := NewManager(nil)

	blocker := make(chan struct{})
	taskID, err := m.Create(context.Background(), "steady", func(ctx context.Context) (map[string]any, error) {
		<-blocker
		return nil, nil
	}, Options{})
	require.NoError(t, err)

	require.Error(t, m.UpdateProgress(taskID, -0.1))
	require.Error(t, m.UpdateProgress(taskID, 1.5))
	require.NoError(t, m.UpdateProgress(taskID, 0.5))

	task, err := m.Status(taskID, nil)
	require.NoError(t, err)
	require.Equal(t, 0.5, task.Progress)

	close(blocker)
	waitForTerminal(t, m, taskID, nil)
}

func TestCapacityTriggersGC(t *testing.T) {
	current := time.Now()
	m := NewManager(nil).WithLimits(2, time.Minute).WithClock(func() time.Time { return current })

	run := func() string {
		taskID, err := m.Create(context.Background(), "quick", func(ctx context.Context) (map[string]any, error) {
			return nil, nil
		}, Options{})
		require.NoError(t, err)
		waitForTerminal(t, m, taskID, nil)
		return taskID
	}

	run()
	run()

	// Registry full of fresh terminal tasks: GC cannot help yet.
	_, err := m.Create(context.Background(), "overflow", func(ctx context.Context) (map[string]any, error) {
		return nil, nil
	}, Options{})
	require.ErrorIs(t, err, ErrCapacity)

	// Age the terminal tasks out and retry.
	current = current.Add(2 * time.Minute)
	taskID, err := m.Create(context.Background(), "after-gc", func(ctx context.Context) (map[string]any, error) {
		return nil, nil
	}, Options{})
	require.NoError(t, err)
	waitForTerminal(t, m, taskID, nil)
}

func TestWaitForCompletionTimeout(t *testing.T) {
	m := NewManager(nil)

	taskID, err := m.Create(context.Background(), "forever", func(ctx context.Context) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, Options{Timeout: time.Minute})
	require.NoError(t, err)

	_, err = m.WaitForCompletion(context.Background(), taskID, 10*time.Millisecond, 50*time.Millisecond, nil)
	require.ErrorIs(t, err, ErrWaitTimeout)

	require.NoError(t, m.Cancel(taskID))
}

func TestCleanupCompletedCountsRemovals(t *testing.T) {
	current := time.Now()
	m := NewManager(nil).WithClock(func() time.Time { return current })

	taskID, err := m.Create(context.Background(), "quick", func(ctx context.Context) (map[string]any, error) {
		return nil, nil
	}, Options{})
	require.NoError(t, err)
	waitForTerminal(t, m, taskID, nil)

	require.Equal(t, 0, m.CleanupCompleted(time.Hour))
	current = current.Add(2 * time.Hour)
	require.Equal(t, 1, m.CleanupCompleted(time.Hour))
	require.Empty(t, m.List())
}
