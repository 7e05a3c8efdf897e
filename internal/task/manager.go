package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/fieldstack/simsync/internal/platform/logger"
	"github.com/fieldstack/simsync/internal/platform/telemetry"
	"github.com/fieldstack/simsync/internal/redact"
	"github.com/fieldstack/simsync/internal/store"
)

// ManagerConfig holds configuration for the task manager
type ManagerConfig struct {
	// MaxExecutionTime is the wall-clock budget of a single task run.
	MaxExecutionTime time.Duration

	// BufferTime is subtracted from MaxExecutionTime to leave room for
	// handing the remainder to a continuation.
	BufferTime time.Duration

	// ContinuationDelay is how long a continuation waits before it starts.
	ContinuationDelay time.Duration

	// DependencyPollInterval and DependencyTimeout govern how StartTask
	// waits for dependencies to complete.
	DependencyPollInterval time.Duration
	DependencyTimeout      time.Duration

	// DefaultStrategy is used when StartOptions.Strategy is empty.
	DefaultStrategy string
}

// DefaultManagerConfig returns a ManagerConfig with the standard budget:
// 105s per run with a 15s buffer, continuations after 1s, and dependencies
// polled every second for at most 5 minutes.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		MaxExecutionTime:       105 * time.Second,
		BufferTime:             15 * time.Second,
		ContinuationDelay:      time.Second,
		DependencyPollInterval: time.Second,
		DependencyTimeout:      5 * time.Minute,
		DefaultStrategy:        "streaming_sync",
	}
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithClock overrides the time source used for deadlines and metrics.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// StartOptions describe a task to start.
type StartOptions struct {
	// ID is generated when empty.
	ID           string
	Strategy     string
	Priority     Priority
	Dependencies []string
	OwnerID      string
	// Total is the number of units in the payload. When zero and the strategy
	// implements Sizer, it is computed from the payload.
	Total int
	// ParentID, when set, registers the new task as a child of that task.
	ParentID string
	Metadata map[string]any
}

// ChildStatus is the summary of a child task shown on its parent.
type ChildStatus struct {
	ID        string `json:"id"`
	Status    Status `json:"status"`
	Progress  int    `json:"progress"`
	Processed int    `json:"processed"`
	Total     int    `json:"total"`
	Error     string `json:"error,omitempty"`
}

// TaskView is a task as returned to a caller polling for status.
type TaskView struct {
	Task     *Task         `json:"task"`
	Children []ChildStatus `json:"children,omitempty"`
}

// cancelSignal is the process-local cancellation handle of an active task.
type cancelSignal struct {
	mu        sync.Mutex
	cancelled bool
}

// cancel marks the signal. It is observed at the next progress report.
func (s *cancelSignal) cancel() {
	s.mu.Lock()
	s.cancelled = true
	s.mu.Unlock()
}

func (s *cancelSignal) isCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// Manager creates tasks, waits on their dependencies, runs them through
// their strategy in the background and tracks cancellation.
//
// Cancellation handles live in process memory, so CancelTask only reaches
// tasks started by this instance. Run exactly one Manager per process.
type Manager struct {
	store    TaskStore
	registry *Registry
	config   ManagerConfig
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	active map[string]*cancelSignal

	wg      sync.WaitGroup
	closing chan struct{}
	once    sync.Once
}

// NewManager creates a Manager. Zero config values fall back to DefaultManagerConfig.
func NewManager(taskStore TaskStore, registry *Registry, config ManagerConfig, logger *slog.Logger, opts ...ManagerOption) *Manager {
	def := DefaultManagerConfig()
	if config.MaxExecutionTime <= 0 {
		config.MaxExecutionTime = def.MaxExecutionTime
	}
	if config.BufferTime < 0 || config.BufferTime >= config.MaxExecutionTime {
		config.BufferTime = 0
	}
	if config.ContinuationDelay < 0 {
		config.ContinuationDelay = def.ContinuationDelay
	}
	if config.DependencyPollInterval <= 0 {
		config.DependencyPollInterval = def.DependencyPollInterval
	}
	if config.DependencyTimeout <= 0 {
		config.DependencyTimeout = def.DependencyTimeout
	}
	if config.DefaultStrategy == "" {
		config.DefaultStrategy = def.DefaultStrategy
	}

	m := &Manager{
		store:    taskStore,
		registry: registry,
		config:   config,
		logger:   logger.With(slog.String("component", "task_manager")),
		now:      time.Now,
		active:   make(map[string]*cancelSignal),
		closing:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StartTask waits for dependencies, persists a pending task and launches it
// in the background. It returns as soon as the task is stored.
//
// Options are validated before any waiting: an unknown strategy returns
// ErrUnknownStrategy, and a bad priority, a negative total, an unsizable
// payload or a task listing itself as a dependency return ErrInvalidTask.
// When dependencies are still incomplete after DependencyTimeout the call
// fails with ErrDependencyTimeout and no task is created. Every successful
// start also triggers an opportunistic retention sweep.
func (m *Manager) StartTask(ctx context.Context, payload json.RawMessage, opts StartOptions) (string, error) {
	if opts.Strategy == "" {
		opts.Strategy = m.config.DefaultStrategy
	}
	strategy, err := m.registry.Get(opts.Strategy)
	if err != nil {
		return "", err
	}

	if opts.Priority == "" {
		opts.Priority = PriorityNormal
	}
	if _, err := ParsePriority(string(opts.Priority)); err != nil {
		return "", err
	}

	if opts.Total < 0 {
		return "", fmt.Errorf("%w: total must not be negative", ErrInvalidTask)
	}
	if opts.Total == 0 {
		if sizer, ok := strategy.(Sizer); ok {
			units, err := sizer.Units(payload)
			if err != nil {
				return "", fmt.Errorf("%w: %v", ErrInvalidTask, err)
			}
			opts.Total = units
		}
	}

	if opts.ID != "" && slices.Contains(opts.Dependencies, opts.ID) {
		return "", fmt.Errorf("%w: task cannot depend on itself", ErrInvalidTask)
	}

	if opts.ParentID != "" {
		parent, err := m.store.Get(ctx, opts.ParentID)
		if err != nil {
			return "", fmt.Errorf("failed to load parent task: %w", err)
		}
		if parent.OwnerID != opts.OwnerID {
			return "", ErrUnauthorized
		}
	}

	if err := m.waitForDependencies(ctx, opts.Dependencies); err != nil {
		return "", err
	}

	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}

	metadata := make(map[string]any, len(opts.Metadata)+1)
	for k, v := range opts.Metadata {
		metadata[k] = v
	}
	metadata[MetaStrategy] = strategy.Name()

	now := m.now()
	t := &Task{
		ID:           id,
		Status:       StatusPending,
		Total:        opts.Total,
		OwnerID:      opts.OwnerID,
		Priority:     opts.Priority,
		Metrics:      Metrics{StartTime: now},
		Dependencies: opts.Dependencies,
		Metadata:     metadata,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := m.store.Create(ctx, t); err != nil {
		return "", fmt.Errorf("failed to create task: %w", err)
	}

	if opts.ParentID != "" {
		if _, err := m.store.Update(ctx, opts.ParentID, Update{AppendChildren: []string{id}}); err != nil {
			m.logger.Warn("failed to link child task to parent",
				slog.String("task_id", id),
				slog.String("parent_id", opts.ParentID),
				slog.String("error", err.Error()))
		}
	}

	telemetry.TasksStarted.WithLabelValues(strategy.Name()).Inc()
	m.logger.Info("task created",
		slog.String("task_id", id),
		slog.String("strategy", strategy.Name()),
		slog.String("priority", string(opts.Priority)),
		slog.Int("total", opts.Total))

	m.launch(t, payload, strategy, 0)
	m.sweepAsync()

	return id, nil
}

// waitForDependencies polls until every dependency has completed. Unknown
// dependencies count as incomplete.
func (m *Manager) waitForDependencies(ctx context.Context, deps []string) error {
	if len(deps) == 0 {
		return nil
	}

	timeout := time.NewTimer(m.config.DependencyTimeout)
	defer timeout.Stop()
	ticker := time.NewTicker(m.config.DependencyPollInterval)
	defer ticker.Stop()

	for {
		if m.dependenciesMet(ctx, deps) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout.C:
			return fmt.Errorf("%w: waited %s for %v", ErrDependencyTimeout, m.config.DependencyTimeout, deps)
		case <-ticker.C:
		}
	}
}

// dependenciesMet reports whether every dependency exists and is completed.
// Lookup errors other than not-found are logged and count as unmet.
func (m *Manager) dependenciesMet(ctx context.Context, deps []string) bool {
	for _, id := range deps {
		dep, err := m.store.Get(ctx, id)
		if err != nil {
			if !store.IsNotFoundError(err) {
				m.logger.Warn("failed to check dependency",
					slog.String("dependency_id", id),
					slog.String("error", err.Error()))
			}
			return false
		}
		if dep.Status != StatusCompleted {
			return false
		}
	}
	return true
}

// processTask runs one task to a terminal status.
//
// The task moves to running, the strategy is invoked with a deadline of
// MaxExecutionTime minus BufferTime from now, and the outcome is mapped to
// completed, cancelled (ErrCancelled from a progress report) or failed with
// the redacted error text. A run that handed its remainder to a continuation
// has already been marked completed by the handoff.
func (m *Manager) processTask(t *Task, payload json.RawMessage, strategy Strategy, sig *cancelSignal) {
	defer m.untrack(t.ID)

	log := m.logger.With(slog.String("task_id", t.ID), slog.String("strategy", strategy.Name()))
	if t.IsContinuation() {
		log = log.With(slog.String("continuation_of", t.ContinuationOf))
	}
	ctx := logger.WithContext(context.Background(), log)
	ctx, span := telemetry.Tracer().Start(ctx, "task.process")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", t.ID),
		attribute.String("task.strategy", strategy.Name()),
		attribute.Int("task.total", t.Total),
	)

	if sig.isCancelled() {
		m.finish(ctx, log, t.ID, strategy.Name(), Update{Status: ptr(StatusCancelled), EndTime: ptr(m.now())})
		return
	}

	start := m.now()
	if _, err := m.store.Update(ctx, t.ID, Update{
		Status:    ptr(StatusRunning),
		StartTime: &start,
		Metrics:   MetricsUpdate{StartTime: &start},
	}); err != nil {
		log.Error("failed to update task status to running", slog.String("error", err.Error()))
		span.SetStatus(codes.Error, err.Error())
		return
	}
	log.Info("processing task")

	telemetry.TasksInFlight.Inc()
	defer telemetry.TasksInFlight.Dec()

	run := &taskRun{
		manager:  m,
		task:     t,
		strategy: strategy,
		signal:   sig,
		start:    start,
		logger:   log,
	}

	exec := Execution{
		TaskID:    t.ID,
		Payload:   payload,
		Principal: Principal{ID: t.OwnerID},
		Deadline:  start.Add(m.config.MaxExecutionTime - m.config.BufferTime),
		Report:    run.report,
		Continue:  run.handoff,
	}

	err := run.invoke(ctx, exec)
	end := m.now()
	telemetry.TaskDurationSeconds.WithLabelValues(strategy.Name()).Observe(end.Sub(start).Seconds())

	switch {
	case run.continued():
		log.Info("task handed remainder to continuation", slog.String("continued_by", run.continuationID))
	case err == nil:
		m.finish(ctx, log, t.ID, strategy.Name(), run.finalUpdate(StatusCompleted, end, 100, ""))
		log.Info("task completed successfully")
	case errors.Is(err, ErrCancelled):
		m.finish(ctx, log, t.ID, strategy.Name(), run.finalUpdate(StatusCancelled, end, -1, ""))
		log.Info("task cancelled")
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, redact.Error(err))
		m.finish(ctx, log, t.ID, strategy.Name(), run.finalUpdate(StatusFailed, end, -1, redact.Error(err)))
		log.Error("task execution failed", slog.String("error", err.Error()))
	}
}

// finish applies the terminal update and records the outcome metric.
func (m *Manager) finish(ctx context.Context, log *slog.Logger, id, strategy string, u Update) {
	if _, err := m.store.Update(ctx, id, u); err != nil {
		log.Error("failed to update task status",
			slog.String("status", string(*u.Status)),
			slog.String("error", err.Error()))
		return
	}
	telemetry.TasksFinished.WithLabelValues(strategy, string(*u.Status)).Inc()
}

// CancelTask requests cooperative cancellation of an active task. It returns
// false when the task is not running in this process.
func (m *Manager) CancelTask(id string) bool {
	m.mu.Lock()
	sig, ok := m.active[id]
	m.mu.Unlock()
	if !ok {
		return false
	}
	sig.cancel()
	m.logger.Info("task cancellation requested", slog.String("task_id", id))
	return true
}

// IsActive reports whether the task is tracked by this process.
func (m *Manager) IsActive(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[id]
	return ok
}

// GetTaskStatus returns the task and the status of its children. Children
// that no longer exist are left out.
func (m *Manager) GetTaskStatus(ctx context.Context, id, ownerID string) (*TaskView, error) {
	t, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.OwnerID != ownerID {
		return nil, ErrUnauthorized
	}

	view := &TaskView{Task: t}
	for _, childID := range t.Children {
		child, err := m.store.Get(ctx, childID)
		if err != nil {
			if !store.IsNotFoundError(err) {
				m.logger.Warn("failed to load child task",
					slog.String("task_id", id),
					slog.String("child_id", childID),
					slog.String("error", err.Error()))
			}
			continue
		}
		view.Children = append(view.Children, ChildStatus{
			ID:        child.ID,
			Status:    child.Status,
			Progress:  child.Progress,
			Processed: child.Processed,
			Total:     child.Total,
			Error:     child.Error,
		})
	}
	return view, nil
}

// CleanupNow runs the retention sweep and returns how many tasks were removed.
func (m *Manager) CleanupNow(ctx context.Context) (int, error) {
	removed, err := m.store.SweepExpired(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep expired tasks: %w", err)
	}
	if removed > 0 {
		telemetry.TasksSwept.Add(float64(removed))
		m.logger.Info("swept expired tasks", slog.Int("count", removed))
	}
	return removed, nil
}

// DeleteTask removes a task record. Failures are logged, never returned.
func (m *Manager) DeleteTask(ctx context.Context, id string) {
	if err := m.store.Delete(ctx, id); err != nil {
		m.logger.Warn("failed to delete task",
			slog.String("task_id", id),
			slog.String("error", err.Error()))
	}
}

// sweepAsync runs the retention sweep in the background. Its errors are
// logged at debug level and otherwise ignored.
func (m *Manager) sweepAsync() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if _, err := m.CleanupNow(context.Background()); err != nil {
			m.logger.Debug("opportunistic sweep failed", slog.String("error", err.Error()))
		}
	}()
}

// Recover resumes work left behind by a previous process. Pending
// continuations carry their payload and are relaunched. Other pending or
// running tasks cannot be resumed and are marked failed.
func (m *Manager) Recover(ctx context.Context) error {
	pending, err := m.store.ListByStatus(ctx, StatusPending)
	if err != nil {
		return fmt.Errorf("failed to list pending tasks: %w", err)
	}
	running, err := m.store.ListByStatus(ctx, StatusRunning)
	if err != nil {
		return fmt.Errorf("failed to list running tasks: %w", err)
	}

	m.logger.Info("recovering unfinished tasks",
		slog.Int("pending_count", len(pending)),
		slog.Int("running_count", len(running)))

	resumed, abandoned := 0, 0
	for _, t := range append(pending, running...) {
		if m.IsActive(t.ID) {
			continue
		}

		if t.Status == StatusPending && t.IsContinuation() && len(t.Payload) > 0 {
			strategy, err := m.registry.Get(t.StrategyName())
			if err == nil {
				m.launch(t, t.Payload, strategy, 0)
				resumed++
				continue
			}
			m.logger.Error("cannot resume continuation",
				slog.String("task_id", t.ID),
				slog.String("error", err.Error()))
		}

		now := m.now()
		if _, err := m.store.Update(ctx, t.ID, Update{
			Status:  ptr(StatusFailed),
			EndTime: &now,
			Error:   ptr("interrupted by restart"),
		}); err != nil {
			m.logger.Error("failed to mark orphaned task failed",
				slog.String("task_id", t.ID),
				slog.String("error", err.Error()))
			continue
		}
		abandoned++
	}

	m.logger.Info("task recovery finished",
		slog.Int("resumed", resumed),
		slog.Int("abandoned", abandoned))
	return nil
}

// launch starts t after delay unless the manager is shutting down first.
// Tasks skipped because of shutdown stay pending for Recover.
func (m *Manager) launch(t *Task, payload json.RawMessage, strategy Strategy, delay time.Duration) {
	sig := m.track(t.ID)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if delay > 0 {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-m.closing:
				m.untrack(t.ID)
				return
			}
		}
		m.processTask(t, payload, strategy, sig)
	}()
}

// track registers a cancellation handle for id.
func (m *Manager) track(id string) *cancelSignal {
	sig := &cancelSignal{}
	m.mu.Lock()
	m.active[id] = sig
	m.mu.Unlock()
	return sig
}

func (m *Manager) untrack(id string) {
	m.mu.Lock()
	delete(m.active, id)
	m.mu.Unlock()
}

// Wait blocks until every task launched by this manager, including
// scheduled continuations, has finished.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Shutdown stops scheduled continuations from starting, requests
// cancellation of running tasks and waits for them until ctx is done.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.once.Do(func() { close(m.closing) })

	m.mu.Lock()
	for _, sig := range m.active {
		sig.cancel()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
