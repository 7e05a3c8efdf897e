package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/fieldstack/simsync/internal/platform/logger"
	"github.com/fieldstack/simsync/internal/store"
	"github.com/fieldstack/simsync/internal/task"
)

const taskColumns = `id, status, progress, total, processed, start_time, end_time, error,
	owner_id, priority, metrics, dependencies, continuation_of, children, metadata, payload,
	created_at, updated_at`

// TaskStore implements task.TaskStore using PostgreSQL
type TaskStore struct {
	db        *sql.DB
	retention task.Retention
	now       func() time.Time
}

var _ task.TaskStore = (*TaskStore)(nil)

// TaskStoreOption configures a TaskStore.
type TaskStoreOption func(*TaskStore)

// WithTaskClock overrides the time source used for timestamps and sweeps.
func WithTaskClock(now func() time.Time) TaskStoreOption {
	return func(s *TaskStore) {
		s.now = now
	}
}

// WithTaskRetention overrides the default retention windows.
func WithTaskRetention(r task.Retention) TaskStoreOption {
	return func(s *TaskStore) {
		s.retention = r
	}
}

// NewTaskStore creates a new TaskStore
func NewTaskStore(db *sql.DB, opts ...TaskStoreOption) *TaskStore {
	s := &TaskStore{
		db:        db,
		retention: task.DefaultRetention(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create implements task.TaskStore.
func (s *TaskStore) Create(ctx context.Context, t *task.Task) error {
	log := logger.FromContext(ctx)

	if err := t.Validate(); err != nil {
		return err
	}

	now := s.now().UTC()
	createdAt, updatedAt := t.CreatedAt, t.UpdatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}

	cols, err := encodeTaskJSON(t)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		t.ID, t.Status, t.Progress, t.Total, t.Processed,
		nullTime(t.StartTime), nullTime(t.EndTime), t.Error,
		t.OwnerID, t.Priority, cols.metrics, cols.dependencies, nullString(t.ContinuationOf),
		cols.children, cols.metadata, cols.payload,
		createdAt, updatedAt,
	)
	if err != nil {
		if IsUniqueViolation(err) {
			return fmt.Errorf("%w: %s", store.ErrTaskExists, t.ID)
		}
		log.Error("failed to create task",
			slog.String("task_id", t.ID),
			slog.String("error", err.Error()))
		return MapError(err)
	}
	return nil
}

// Get implements task.TaskStore.
func (s *TaskStore) Get(ctx context.Context, id string) (*task.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if err != nil {
		return nil, taskError(err, id)
	}
	return t, nil
}

// Update implements task.TaskStore. The row is locked for the read-merge-write
// so concurrent partial updates never clobber each other.
func (s *TaskStore) Update(ctx context.Context, id string, u task.Update) (*task.Task, error) {
	var updated *task.Task

	err := store.RunInTransaction(ctx, s.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, id)
		t, err := scanTask(row)
		if err != nil {
			return taskError(err, id)
		}

		t.Apply(u, s.now().UTC())

		cols, err := encodeTaskJSON(t)
		if err != nil {
			return err
		}

		result, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = $2, progress = $3, total = $4, processed = $5,
			    start_time = $6, end_time = $7, error = $8,
			    metrics = $9, children = $10, metadata = $11, updated_at = $12
			WHERE id = $1`,
			t.ID, t.Status, t.Progress, t.Total, t.Processed,
			nullTime(t.StartTime), nullTime(t.EndTime), t.Error,
			cols.metrics, cols.children, cols.metadata, t.UpdatedAt,
		)
		if err != nil {
			return MapError(err)
		}
		if err := CheckRowsAffected(result, "task"); err != nil {
			return err
		}

		updated = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Delete implements task.TaskStore.
func (s *TaskStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = $1`, id); err != nil {
		return MapError(err)
	}
	return nil
}

// SweepExpired implements task.TaskStore in a single statement.
func (s *TaskStore) SweepExpired(ctx context.Context) (int, error) {
	completed, failed, stale := s.retention.Cutoffs(s.now().UTC())

	result, err := s.db.ExecContext(ctx, `
		DELETE FROM tasks
		WHERE (status = 'completed' AND COALESCE(end_time, updated_at) < $1)
		   OR (status = 'failed' AND COALESCE(end_time, updated_at) < $2)
		   OR (status IN ('pending', 'running') AND created_at < $3)`,
		completed, failed, stale,
	)
	if err != nil {
		return 0, MapError(err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(n), nil
}

// ListByStatus implements task.TaskStore.
func (s *TaskStore) ListByStatus(ctx context.Context, status task.Status) ([]*task.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status = $1 ORDER BY created_at ASC`, status)
	if err != nil {
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, MapError(err)
	}
	return tasks, nil
}

// scanTask reads a task row from a *sql.Row or *sql.Rows.
func scanTask(row interface{ Scan(...any) error }) (*task.Task, error) {
	var (
		t                                           task.Task
		startTime, endTime                          sql.NullTime
		continuationOf                              sql.NullString
		metrics, deps, children, metadata, payload []byte
	)
	err := row.Scan(
		&t.ID, &t.Status, &t.Progress, &t.Total, &t.Processed,
		&startTime, &endTime, &t.Error,
		&t.OwnerID, &t.Priority, &metrics, &deps, &continuationOf,
		&children, &metadata, &payload,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if startTime.Valid {
		t.StartTime = &startTime.Time
	}
	if endTime.Valid {
		t.EndTime = &endTime.Time
	}
	t.ContinuationOf = continuationOf.String

	for _, col := range []struct {
		name string
		data []byte
		dst  any
	}{
		{"metrics", metrics, &t.Metrics},
		{"dependencies", deps, &t.Dependencies},
		{"children", children, &t.Children},
		{"metadata", metadata, &t.Metadata},
	} {
		if len(col.data) == 0 {
			continue
		}
		if err := json.Unmarshal(col.data, col.dst); err != nil {
			return nil, fmt.Errorf("failed to decode task %s: %w", col.name, err)
		}
	}
	if len(payload) > 0 {
		t.Payload = json.RawMessage(payload)
	}

	return &t, nil
}

type taskJSON struct {
	metrics, dependencies, children, metadata []byte
	payload                                   any
}

func encodeTaskJSON(t *task.Task) (taskJSON, error) {
	var out taskJSON
	var err error

	if out.metrics, err = json.Marshal(t.Metrics); err != nil {
		return out, fmt.Errorf("failed to encode task metrics: %w", err)
	}
	if out.dependencies, err = json.Marshal(emptyIfNil(t.Dependencies)); err != nil {
		return out, fmt.Errorf("failed to encode task dependencies: %w", err)
	}
	if out.children, err = json.Marshal(emptyIfNil(t.Children)); err != nil {
		return out, fmt.Errorf("failed to encode task children: %w", err)
	}
	metadata := t.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	if out.metadata, err = json.Marshal(metadata); err != nil {
		return out, fmt.Errorf("failed to encode task metadata: %w", err)
	}
	if len(t.Payload) > 0 {
		out.payload = []byte(t.Payload)
	}
	return out, nil
}

func taskError(err error, id string) error {
	mapped := MapError(err)
	if store.IsNotFoundError(mapped) {
		return fmt.Errorf("%w: %s", store.ErrTaskNotFound, id)
	}
	return mapped
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
