package task

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/arbiterhq/arbiter/pkg/errdefs"
	"github.com/arbiterhq/arbiter/pkg/events"
	"github.com/arbiterhq/arbiter/pkg/log"
	"github.com/arbiterhq/arbiter/pkg/metrics"
	"github.com/arbiterhq/arbiter/pkg/types"
	"github.com/rs/zerolog"
)

// RunFunc is the body of a task. It receives the task's config map with the
// cancel token injected under CancelTokenKey. Errors become a failed task;
// drivers that want structured failure records return a Result instead.
type RunFunc func(ctx context.Context, config map[string]any) (*types.Result, error)

// CancelTokenKey is the config key under which the manager hands the task's
// cancel token to the run function. Underscore-prefixed keys are internal
// and are stripped before config reaches a plugin.
const CancelTokenKey = "_cancel_token"

// Options tunes the manager's worker pool.
type Options struct {
	Workers   int
	QueueSize int
	IDLength  int
}

type job struct {
	id string
	fn RunFunc
}

// Manager owns the task table and a fixed worker pool. Submissions beyond
// the pool's capacity wait in a bounded queue; a full queue rejects the
// submission instead of blocking the caller.
type Manager struct {
	mu     sync.Mutex
	tasks  map[string]*types.Task
	tokens map[string]*types.CancelToken

	queue chan job
	wg    sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	broker *events.Broker
	logger zerolog.Logger

	idLength int
	closed   bool
}

// NewManager creates a manager and starts its workers. The broker may be nil.
func NewManager(opts Options, broker *events.Broker) *Manager {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.IDLength <= 0 {
		opts.IDLength = 8
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		tasks:    make(map[string]*types.Task),
		tokens:   make(map[string]*types.CancelToken),
		queue:    make(chan job, opts.QueueSize),
		ctx:      ctx,
		cancel:   cancel,
		broker:   broker,
		logger:   log.WithComponent("task"),
		idLength: opts.IDLength,
	}

	for i := 0; i < opts.Workers; i++ {
		m.wg.Add(1)
		go m.worker()
	}
	return m
}

// Submit records a pending task and enqueues it for execution. The returned
// task is a snapshot; poll Get for progress.
func (m *Manager) Submit(owner, plugin, gameID string, config map[string]any, fn RunFunc) (*types.Task, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errdefs.BadRequest("task manager is shutting down")
	}

	id, err := m.newIDLocked()
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}

	task := &types.Task{
		ID:        id,
		Owner:     owner,
		Plugin:    plugin,
		GameID:    gameID,
		Config:    config,
		Status:    types.TaskStatusPending,
		CreatedAt: time.Now(),
	}
	m.tasks[id] = task
	m.tokens[id] = types.NewCancelToken()

	select {
	case m.queue <- job{id: id, fn: fn}:
	default:
		delete(m.tasks, id)
		delete(m.tokens, id)
		m.mu.Unlock()
		return nil, errdefs.BadRequest("task queue is full")
	}
	snapshot := *task
	m.mu.Unlock()

	metrics.TasksSubmittedTotal.WithLabelValues(plugin).Inc()
	metrics.TasksTotal.WithLabelValues(string(types.TaskStatusPending)).Inc()
	m.publish(events.EventTaskSubmitted, &snapshot)
	m.logger.Info().Str("task_id", id).Str("plugin", plugin).Str("game_id", gameID).Msg("task submitted")
	return &snapshot, nil
}

// Get returns a snapshot of the task, or nil if unknown.
func (m *Manager) Get(id string) *types.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil
	}
	snapshot := *task
	return &snapshot
}

// List returns snapshots of all tasks, newest first, optionally filtered by
// owner.
func (m *Manager) List(owner string) []*types.Task {
	m.mu.Lock()
	out := make([]*types.Task, 0, len(m.tasks))
	for _, task := range m.tasks {
		if owner != "" && task.Owner != owner {
			continue
		}
		snapshot := *task
		out = append(out, &snapshot)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Cancel requests cooperative cancellation. A pending task is cancelled on
// pickup without ever running; a running task cancels at the driver's next
// token check. Cancelling a terminal or unknown task is a no-op; the return
// reports whether a cancellation was actually requested.
func (m *Manager) Cancel(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[id]
	if !ok || task.Status.Terminal() {
		return false
	}
	m.tokens[id].Set()
	m.logger.Info().Str("task_id", id).Msg("cancellation requested")
	return true
}

// Cleanup removes terminal tasks whose completion is older than maxAge and
// returns how many were removed.
func (m *Manager) Cleanup(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	m.mu.Lock()
	removed := 0
	for id, task := range m.tasks {
		if !task.Status.Terminal() || task.CompletedAt == nil || task.CompletedAt.After(cutoff) {
			continue
		}
		delete(m.tasks, id)
		delete(m.tokens, id)
		metrics.TasksTotal.WithLabelValues(string(task.Status)).Dec()
		removed++
	}
	m.mu.Unlock()

	if removed > 0 {
		metrics.TasksReapedTotal.Add(float64(removed))
		m.logger.Debug().Int("removed", removed).Msg("reaped terminal tasks")
	}
	return removed
}

// StartReaper runs Cleanup on a ticker until the manager shuts down. The
// sweep period is a quarter of maxAge.
func (m *Manager) StartReaper(maxAge time.Duration) {
	interval := maxAge / 4
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.Cleanup(maxAge)
			case <-m.ctx.Done():
				return
			}
		}
	}()
}

// Shutdown stops accepting submissions. When cancelPending is set, every
// non-terminal task's token is set so queued work cancels on pickup and
// running work cancels at its next token check. When wait is set, Shutdown
// blocks until the workers have drained the queue.
func (m *Manager) Shutdown(wait, cancelPending bool) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	if cancelPending {
		for id, task := range m.tasks {
			if !task.Status.Terminal() {
				m.tokens[id].Set()
			}
		}
	}
	close(m.queue)
	m.mu.Unlock()

	if wait {
		m.wg.Wait()
	}
	m.cancel()
	m.logger.Info().Msg("task manager stopped")
}

func (m *Manager) worker() {
	defer m.wg.Done()
	for j := range m.queue {
		m.run(j)
	}
}

func (m *Manager) run(j job) {
	m.mu.Lock()
	task, ok := m.tasks[j.id]
	if !ok {
		m.mu.Unlock()
		return
	}
	token := m.tokens[j.id]

	// A task cancelled while still queued never runs.
	if token.IsSet() {
		m.completeLocked(task, types.TaskStatusCancelled, nil, "")
		m.mu.Unlock()
		m.publish(events.EventTaskCancelled, task)
		return
	}

	now := time.Now()
	task.StartedAt = &now
	task.Status = types.TaskStatusRunning
	metrics.TasksTotal.WithLabelValues(string(types.TaskStatusPending)).Dec()
	metrics.TasksTotal.WithLabelValues(string(types.TaskStatusRunning)).Inc()

	config := make(map[string]any, len(task.Config)+1)
	for k, v := range task.Config {
		config[k] = v
	}
	config[CancelTokenKey] = token
	m.mu.Unlock()

	result, err := j.fn(m.ctx, config)

	m.mu.Lock()
	var eventType events.EventType
	switch {
	case err != nil:
		m.completeLocked(task, types.TaskStatusFailed, result, fmt.Sprintf("%T: %v", err, err))
		eventType = events.EventTaskFailed
	case token.IsSet():
		// Partial results produced before the token check are kept.
		m.completeLocked(task, types.TaskStatusCancelled, result, "")
		eventType = events.EventTaskCancelled
	default:
		m.completeLocked(task, types.TaskStatusCompleted, result, "")
		eventType = events.EventTaskCompleted
	}
	m.mu.Unlock()
	m.publish(eventType, task)
}

// completeLocked moves a task to a terminal status. CompletedAt is assigned
// before the status so observers of a terminal status always see timing.
func (m *Manager) completeLocked(task *types.Task, status types.TaskStatus, result *types.Result, errMsg string) {
	now := time.Now()
	task.CompletedAt = &now
	task.Result = result
	task.Error = errMsg
	prev := task.Status
	task.Status = status

	metrics.TasksTotal.WithLabelValues(string(prev)).Dec()
	metrics.TasksTotal.WithLabelValues(string(status)).Inc()
	if task.StartedAt != nil {
		metrics.TaskDuration.WithLabelValues(task.Plugin, string(status)).
			Observe(now.Sub(*task.StartedAt).Seconds())
	}
	m.logger.Info().
		Str("task_id", task.ID).
		Str("plugin", task.Plugin).
		Str("status", string(status)).
		Msg("task finished")
}

func (m *Manager) newIDLocked() (string, error) {
	buf := make([]byte, (m.idLength+1)/2)
	for attempt := 0; attempt < 5; attempt++ {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("failed to generate task id: %w", err)
		}
		id := hex.EncodeToString(buf)[:m.idLength]
		if _, taken := m.tasks[id]; !taken {
			return id, nil
		}
	}
	return "", fmt.Errorf("failed to generate unique task id")
}

func (m *Manager) publish(eventType events.EventType, task *types.Task) {
	if m.broker == nil {
		return
	}
	m.broker.Publish(&events.Event{
		Type: eventType,
		Metadata: map[string]string{
			"task_id": task.ID,
			"plugin":  task.Plugin,
			"game_id": task.GameID,
		},
	})
}
