package task

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/arbiterhq/arbiter/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, opts Options) *Manager {
	t.Helper()
	m := NewManager(opts, nil)
	t.Cleanup(func() { m.Shutdown(true, true) })
	return m
}

func waitTerminal(t *testing.T, m *Manager, id string) *types.Task {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		if task := m.Get(id); task != nil && task.Status.Terminal() {
			return task
		}
		select {
		case <-deadline:
			t.Fatalf("task %s never reached a terminal status", id)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestSubmitAndComplete(t *testing.T) {
	m := newTestManager(t, Options{Workers: 2, QueueSize: 8})

	task, err := m.Submit("alice", "gambit", "g1", map[string]any{"solver": "lcp"},
		func(_ context.Context, _ map[string]any) (*types.Result, error) {
			return &types.Result{Summary: "2 equilibria found"}, nil
		})
	require.NoError(t, err)
	assert.Len(t, task.ID, 8)
	assert.Equal(t, types.TaskStatusPending, task.Status)

	done := waitTerminal(t, m, task.ID)
	assert.Equal(t, types.TaskStatusCompleted, done.Status)
	require.NotNil(t, done.Result)
	assert.Equal(t, "2 equilibria found", done.Result.Summary)
	assert.NotNil(t, done.StartedAt)
	assert.NotNil(t, done.CompletedAt)
}

func TestRunFuncErrorFailsTask(t *testing.T) {
	m := newTestManager(t, Options{Workers: 1, QueueSize: 8})

	task, err := m.Submit("alice", "gambit", "g1", nil,
		func(_ context.Context, _ map[string]any) (*types.Result, error) {
			return nil, errors.New("solver crashed")
		})
	require.NoError(t, err)

	done := waitTerminal(t, m, task.ID)
	assert.Equal(t, types.TaskStatusFailed, done.Status)
	assert.Contains(t, done.Error, "solver crashed")
	assert.NotNil(t, done.CompletedAt)
}

func TestCancelBeforePickupNeverRuns(t *testing.T) {
	m := newTestManager(t, Options{Workers: 1, QueueSize: 8})

	release := make(chan struct{})
	blocker, err := m.Submit("alice", "gambit", "g1", nil,
		func(_ context.Context, _ map[string]any) (*types.Result, error) {
			<-release
			return &types.Result{Summary: "done"}, nil
		})
	require.NoError(t, err)

	ran := false
	queued, err := m.Submit("alice", "gambit", "g2", nil,
		func(_ context.Context, _ map[string]any) (*types.Result, error) {
			ran = true
			return nil, nil
		})
	require.NoError(t, err)

	// Cancel while the single worker is still occupied with the blocker.
	require.True(t, m.Cancel(queued.ID))
	close(release)

	waitTerminal(t, m, blocker.ID)
	done := waitTerminal(t, m, queued.ID)
	assert.Equal(t, types.TaskStatusCancelled, done.Status)
	assert.False(t, ran)
	assert.Nil(t, done.StartedAt)
	assert.NotNil(t, done.CompletedAt)
}

func TestCancelDuringRunKeepsPartialResult(t *testing.T) {
	m := newTestManager(t, Options{Workers: 1, QueueSize: 8})

	started := make(chan string)
	cancelled := make(chan struct{})
	task, err := m.Submit("alice", "gambit", "g1", nil,
		func(_ context.Context, config map[string]any) (*types.Result, error) {
			token := config[CancelTokenKey].(*types.CancelToken)
			started <- "running"
			<-cancelled
			require.True(t, token.IsSet())
			return &types.Result{Summary: "partial: 1 of 3 solved"}, nil
		})
	require.NoError(t, err)

	<-started
	require.True(t, m.Cancel(task.ID))
	close(cancelled)

	done := waitTerminal(t, m, task.ID)
	assert.Equal(t, types.TaskStatusCancelled, done.Status)
	require.NotNil(t, done.Result)
	assert.Equal(t, "partial: 1 of 3 solved", done.Result.Summary)
}

func TestCancelTerminalOrUnknownIsNoop(t *testing.T) {
	m := newTestManager(t, Options{Workers: 1, QueueSize: 8})

	task, err := m.Submit("alice", "gambit", "g1", nil,
		func(_ context.Context, _ map[string]any) (*types.Result, error) {
			return &types.Result{Summary: "ok"}, nil
		})
	require.NoError(t, err)
	waitTerminal(t, m, task.ID)

	assert.False(t, m.Cancel(task.ID))
	assert.False(t, m.Cancel("nonexistent"))
}

func TestQueueFullRejectsSubmission(t *testing.T) {
	m := newTestManager(t, Options{Workers: 1, QueueSize: 1})

	release := make(chan struct{})
	defer close(release)
	blocked := func(_ context.Context, _ map[string]any) (*types.Result, error) {
		<-release
		return nil, nil
	}

	// One running, one queued; the third must be rejected.
	_, err := m.Submit("a", "p", "g", nil, blocked)
	require.NoError(t, err)

	// Give the worker a moment to pick up the first job.
	time.Sleep(20 * time.Millisecond)
	_, err = m.Submit("a", "p", "g", nil, blocked)
	require.NoError(t, err)

	_, err = m.Submit("a", "p", "g", nil, blocked)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue is full")
}

func TestListFiltersByOwnerNewestFirst(t *testing.T) {
	m := newTestManager(t, Options{Workers: 2, QueueSize: 8})

	noop := func(_ context.Context, _ map[string]any) (*types.Result, error) { return nil, nil }
	first, err := m.Submit("alice", "p", "g1", nil, noop)
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	second, err := m.Submit("alice", "p", "g2", nil, noop)
	require.NoError(t, err)
	_, err = m.Submit("bob", "p", "g3", nil, noop)
	require.NoError(t, err)

	waitTerminal(t, m, first.ID)
	waitTerminal(t, m, second.ID)

	all := m.List("")
	assert.Len(t, all, 3)

	alice := m.List("alice")
	require.Len(t, alice, 2)
	assert.Equal(t, second.ID, alice[0].ID)
	assert.Equal(t, first.ID, alice[1].ID)
}

func TestCleanupRemovesOldTerminalTasks(t *testing.T) {
	m := newTestManager(t, Options{Workers: 1, QueueSize: 8})

	task, err := m.Submit("alice", "p", "g1", nil,
		func(_ context.Context, _ map[string]any) (*types.Result, error) { return nil, nil })
	require.NoError(t, err)
	waitTerminal(t, m, task.ID)

	// A generous maxAge keeps the fresh task.
	assert.Zero(t, m.Cleanup(time.Hour))
	assert.NotNil(t, m.Get(task.ID))

	// A zero maxAge reaps everything terminal.
	assert.Equal(t, 1, m.Cleanup(0))
	assert.Nil(t, m.Get(task.ID))
}

func TestShutdownCancelsPending(t *testing.T) {
	m := NewManager(Options{Workers: 1, QueueSize: 8}, nil)

	release := make(chan struct{})
	blocker, err := m.Submit("a", "p", "g1", nil,
		func(_ context.Context, config map[string]any) (*types.Result, error) {
			<-release
			return nil, nil
		})
	require.NoError(t, err)

	queued, err := m.Submit("a", "p", "g2", nil,
		func(_ context.Context, _ map[string]any) (*types.Result, error) {
			return &types.Result{Summary: "should not run"}, nil
		})
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()
	m.Shutdown(true, true)

	_, err = m.Submit("a", "p", "g3", nil,
		func(_ context.Context, _ map[string]any) (*types.Result, error) { return nil, nil })
	require.Error(t, err)

	assert.True(t, m.Get(blocker.ID).Status.Terminal())
	assert.Equal(t, types.TaskStatusCancelled, m.Get(queued.ID).Status)
}
