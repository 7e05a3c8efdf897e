package task

import (
	"context"
	"time"
)

// TaskStore persists task records. Implementations must apply Update
// atomically with respect to concurrent updates of the same task and must
// return an error wrapping store.ErrNotFound for unknown ids.
type TaskStore interface {
	// Create stores a new task. It fails with store.ErrDuplicate if the id is taken.
	Create(ctx context.Context, t *Task) error

	// Get returns a copy of the stored task.
	Get(ctx context.Context, id string) (*Task, error)

	// Update merges u into the stored task and returns the result.
	Update(ctx context.Context, id string, u Update) (*Task, error)

	// Delete removes a task. Deleting an unknown id is not an error.
	Delete(ctx context.Context, id string) error

	// SweepExpired removes tasks past their retention window and returns how many were removed.
	SweepExpired(ctx context.Context) (int, error)

	// ListByStatus returns all tasks currently in the given status.
	ListByStatus(ctx context.Context, status Status) ([]*Task, error)
}

// Retention defines how long tasks are kept per lifecycle state.
type Retention struct {
	Completed time.Duration
	Failed    time.Duration
	Stale     time.Duration
}

// DefaultRetention returns the standard retention windows.
func DefaultRetention() Retention {
	return Retention{
		Completed: time.Hour,
		Failed:    24 * time.Hour,
		Stale:     2 * time.Hour,
	}
}

// Expired reports whether t is due for removal at now.
//
// Completed and failed tasks age from their end time, falling back to the last
// update. Pending and running tasks age from creation. Cancelled tasks are kept.
func (r Retention) Expired(t *Task, now time.Time) bool {
	switch t.Status {
	case StatusCompleted:
		return now.Sub(finishedAt(t)) > r.Completed
	case StatusFailed:
		return now.Sub(finishedAt(t)) > r.Failed
	case StatusPending, StatusRunning:
		return now.Sub(t.CreatedAt) > r.Stale
	default:
		return false
	}
}

// Cutoffs returns the reference times before which completed, failed and
// stale tasks are expired. SQL-backed stores use these directly.
func (r Retention) Cutoffs(now time.Time) (completed, failed, stale time.Time) {
	return now.Add(-r.Completed), now.Add(-r.Failed), now.Add(-r.Stale)
}

func finishedAt(t *Task) time.Time {
	if t.EndTime != nil {
		return *t.EndTime
	}
	return t.UpdatedAt
}
