package task

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fieldstack/simsync/internal/platform/telemetry"
)

// taskRun is the state of one strategy invocation: it adapts progress
// reports into store updates and performs the continuation handoff.
type taskRun struct {
	manager  *Manager
	task     *Task
	strategy Strategy
	signal   *cancelSignal
	start    time.Time
	logger   *slog.Logger

	// mu serialises progress writes so stored counters never move backwards.
	mu             sync.Mutex
	last           Progress
	continuationID string
}

// invoke runs the strategy, turning a panic into an error.
func (r *taskRun) invoke(ctx context.Context, exec Execution) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("strategy panicked: %v", p)
		}
	}()
	return r.strategy.Process(ctx, exec)
}

// report persists a cumulative progress report and returns ErrCancelled
// once cancellation has been requested.
func (r *taskRun) report(ctx context.Context, p Progress) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.continuationID != "" {
		return nil
	}

	if p.Processed < r.last.Processed {
		p.Processed = r.last.Processed
	}
	if p.Failed < r.last.Failed {
		p.Failed = r.last.Failed
	}
	if r.task.Total > 0 && p.Processed > r.task.Total {
		p.Processed = r.task.Total
	}
	r.last = p

	now := r.manager.now()
	u := Update{
		Processed: ptr(p.Processed),
		Metrics:   r.metricsAt(now, p),
	}
	if r.task.Total > 0 {
		u.Progress = ptr(p.Processed * 100 / r.task.Total)
	}
	if _, err := r.manager.store.Update(ctx, r.task.ID, u); err != nil {
		r.logger.Warn("failed to persist task progress",
			slog.Int("processed", p.Processed),
			slog.String("error", err.Error()))
	}

	if r.signal.isCancelled() {
		return ErrCancelled
	}
	return nil
}

// metricsAt derives processing time and throughput for a report made at now.
func (r *taskRun) metricsAt(now time.Time, p Progress) MetricsUpdate {
	elapsed := now.Sub(r.start)
	ms := elapsed.Milliseconds()
	m := MetricsUpdate{
		ProcessingTimeMs: &ms,
		ErrorCount:       ptr(p.Failed),
	}
	if secs := elapsed.Seconds(); secs > 0 {
		m.UnitsPerSecond = ptr(float64(p.Processed) / secs)
	}
	return m
}

// handoff creates a continuation for the unprocessed remainder, schedules
// it, and marks the current task completed. An empty remainder is a no-op.
func (r *taskRun) handoff(ctx context.Context, c Continuation) (string, error) {
	if c.Total <= 0 {
		return "", nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.continuationID != "" {
		return "", fmt.Errorf("task %s already continued by %s", r.task.ID, r.continuationID)
	}

	m := r.manager
	now := m.now()

	metadata := make(map[string]any, len(c.Metadata)+2)
	for k, v := range c.Metadata {
		metadata[k] = v
	}
	metadata[MetaType] = TypeContinuation
	metadata[MetaStrategy] = r.strategy.Name()

	next := &Task{
		ID:             uuid.NewString(),
		Status:         StatusPending,
		Total:          c.Total,
		OwnerID:        r.task.OwnerID,
		Priority:       PriorityHigh,
		Metrics:        Metrics{StartTime: now},
		ContinuationOf: r.task.ID,
		Metadata:       metadata,
		Payload:        c.Payload,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := m.store.Create(ctx, next); err != nil {
		return "", fmt.Errorf("failed to create continuation task: %w", err)
	}

	m.launch(next, c.Payload, r.strategy, m.config.ContinuationDelay)
	r.continuationID = next.ID

	u := r.terminalUpdate(r.last, StatusCompleted, now, 100, "")
	u.Metadata = map[string]any{
		MetaPartialCompletion: true,
		MetaContinuedBy:       next.ID,
	}
	if _, err := m.store.Update(ctx, r.task.ID, u); err != nil {
		r.logger.Error("failed to mark task as partially completed",
			slog.String("continued_by", next.ID),
			slog.String("error", err.Error()))
	} else {
		telemetry.TasksFinished.WithLabelValues(r.strategy.Name(), string(StatusCompleted)).Inc()
	}
	telemetry.ContinuationsTotal.WithLabelValues(r.strategy.Name()).Inc()

	r.logger.Info("continuation task scheduled",
		slog.String("continuation_id", next.ID),
		slog.Int("remaining", c.Total),
		slog.Duration("delay", m.config.ContinuationDelay))

	return next.ID, nil
}

func (r *taskRun) continued() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.continuationID != ""
}

// finalUpdate builds the terminal update. A negative progress leaves the
// stored progress unchanged.
func (r *taskRun) finalUpdate(status Status, end time.Time, progress int, errMsg string) Update {
	r.mu.Lock()
	p := r.last
	r.mu.Unlock()
	return r.terminalUpdate(p, status, end, progress, errMsg)
}

func (r *taskRun) terminalUpdate(p Progress, status Status, end time.Time, progress int, errMsg string) Update {
	if status == StatusFailed {
		p.Failed++
	}

	u := Update{
		Status:  ptr(status),
		EndTime: &end,
		Metrics: r.metricsAt(end, p),
	}
	u.Metrics.EndTime = &end
	if progress >= 0 {
		u.Progress = ptr(progress)
	}
	if errMsg != "" {
		u.Error = ptr(errMsg)
	}
	return u
}
