package postgres_test

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldstack/simsync/internal/platform/postgres"
	"github.com/fieldstack/simsync/internal/store"
	"github.com/fieldstack/simsync/internal/task"
)

var taskColumnNames = []string{
	"id", "status", "progress", "total", "processed", "start_time", "end_time", "error",
	"owner_id", "priority", "metrics", "dependencies", "continuation_of", "children", "metadata", "payload",
	"created_at", "updated_at",
}

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTaskStore(t *testing.T) (*postgres.TaskStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return postgres.NewTaskStore(db, postgres.WithTaskClock(func() time.Time { return fixedNow })), mock
}

func taskRow(id string, status task.Status, processed int) []driver.Value {
	return []driver.Value{
		id, string(status), 10, 100, processed, fixedNow.Add(-time.Minute), nil, "",
		"user-1", "normal", []byte(`{"start_time":"2026-03-01T11:59:00Z","error_count":0}`),
		[]byte(`[]`), nil, []byte(`["child-1"]`), []byte(`{"strategy":"streaming_sync"}`), nil,
		fixedNow.Add(-time.Minute), fixedNow.Add(-time.Minute),
	}
}

func TestTaskStore_Create(t *testing.T) {
	t.Parallel()

	t.Run("inserts the task", func(t *testing.T) {
		s, mock := newTaskStore(t)
		mock.ExpectExec(`INSERT INTO tasks`).
			WithArgs("task-1", sqlmock.AnyArg(), 0, 10, 0,
				sqlmock.AnyArg(), sqlmock.AnyArg(), "", "user-1", sqlmock.AnyArg(),
				sqlmock.AnyArg(), []byte(`[]`), sqlmock.AnyArg(), []byte(`[]`), []byte(`{}`), nil,
				fixedNow, fixedNow).
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := s.Create(context.Background(), &task.Task{
			ID:       "task-1",
			Status:   task.StatusPending,
			Total:    10,
			OwnerID:  "user-1",
			Priority: task.PriorityNormal,
		})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("duplicate id", func(t *testing.T) {
		s, mock := newTaskStore(t)
		mock.ExpectExec(`INSERT INTO tasks`).WillReturnError(newPgError("23505"))

		err := s.Create(context.Background(), &task.Task{ID: "task-1", Status: task.StatusPending})
		assert.ErrorIs(t, err, store.ErrTaskExists)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("invalid task never reaches the database", func(t *testing.T) {
		s, mock := newTaskStore(t)

		err := s.Create(context.Background(), &task.Task{ID: "", Status: task.StatusPending})
		assert.ErrorIs(t, err, task.ErrInvalidTask)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestTaskStore_Get(t *testing.T) {
	t.Parallel()

	t.Run("decodes json columns", func(t *testing.T) {
		s, mock := newTaskStore(t)
		mock.ExpectQuery(`SELECT .* FROM tasks WHERE id = \$1`).
			WithArgs("task-1").
			WillReturnRows(sqlmock.NewRows(taskColumnNames).AddRow(taskRow("task-1", task.StatusRunning, 10)...))

		got, err := s.Get(context.Background(), "task-1")
		require.NoError(t, err)
		assert.Equal(t, task.StatusRunning, got.Status)
		assert.Equal(t, task.PriorityNormal, got.Priority)
		assert.Equal(t, []string{"child-1"}, got.Children)
		assert.Equal(t, "streaming_sync", got.StrategyName())
		assert.Nil(t, got.EndTime)
		require.NotNil(t, got.StartTime)
		assert.Empty(t, got.ContinuationOf)
		assert.Nil(t, got.Payload)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("not found", func(t *testing.T) {
		s, mock := newTaskStore(t)
		mock.ExpectQuery(`SELECT .* FROM tasks WHERE id = \$1`).
			WithArgs("missing").
			WillReturnRows(sqlmock.NewRows(taskColumnNames))

		_, err := s.Get(context.Background(), "missing")
		assert.ErrorIs(t, err, store.ErrTaskNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestTaskStore_Update(t *testing.T) {
	t.Parallel()

	t.Run("locks merges and writes", func(t *testing.T) {
		s, mock := newTaskStore(t)
		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT .* FROM tasks WHERE id = \$1 FOR UPDATE`).
			WithArgs("task-1").
			WillReturnRows(sqlmock.NewRows(taskColumnNames).AddRow(taskRow("task-1", task.StatusRunning, 10)...))
		mock.ExpectExec(`UPDATE tasks`).
			WithArgs("task-1", sqlmock.AnyArg(), 40, 100, 40,
				sqlmock.AnyArg(), sqlmock.AnyArg(), "",
				sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), fixedNow).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		got, err := s.Update(context.Background(), "task-1", task.Update{
			Processed: ptr(40),
			Progress:  ptr(40),
			Metadata:  map[string]any{"note": "x"},
		})
		require.NoError(t, err)
		assert.Equal(t, 40, got.Processed)
		assert.Equal(t, "x", got.Metadata["note"])
		assert.Equal(t, "streaming_sync", got.Metadata["strategy"])
		assert.Equal(t, fixedNow, got.UpdatedAt)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing task rolls back", func(t *testing.T) {
		s, mock := newTaskStore(t)
		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT .* FOR UPDATE`).
			WithArgs("missing").
			WillReturnRows(sqlmock.NewRows(taskColumnNames))
		mock.ExpectRollback()

		_, err := s.Update(context.Background(), "missing", task.Update{Progress: ptr(1)})
		assert.ErrorIs(t, err, store.ErrTaskNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestTaskStore_SweepExpired(t *testing.T) {
	t.Parallel()

	s, mock := newTaskStore(t)
	completed, failed, stale := task.DefaultRetention().Cutoffs(fixedNow)
	mock.ExpectExec(`DELETE FROM tasks WHERE`).
		WithArgs(completed, failed, stale).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := s.SweepExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskStore_ListByStatus(t *testing.T) {
	t.Parallel()

	s, mock := newTaskStore(t)
	rows := sqlmock.NewRows(taskColumnNames).
		AddRow(taskRow("a", task.StatusPending, 0)...).
		AddRow(taskRow("b", task.StatusPending, 0)...)
	mock.ExpectQuery(`SELECT .* FROM tasks WHERE status = \$1 ORDER BY created_at`).
		WithArgs(task.StatusPending).
		WillReturnRows(rows)

	got, err := s.ListByStatus(context.Background(), task.StatusPending)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "b", got[1].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskStore_PayloadRoundTrip(t *testing.T) {
	t.Parallel()

	s, mock := newTaskStore(t)
	payload := json.RawMessage(`{"records":[{"serial":"S1"}]}`)
	row := taskRow("cont-1", task.StatusPending, 0)
	row[12] = "task-0"
	row[15] = []byte(payload)
	mock.ExpectQuery(`SELECT .* FROM tasks WHERE id = \$1`).
		WithArgs("cont-1").
		WillReturnRows(sqlmock.NewRows(taskColumnNames).AddRow(row...))

	got, err := s.Get(context.Background(), "cont-1")
	require.NoError(t, err)
	assert.Equal(t, "task-0", got.ContinuationOf)
	assert.JSONEq(t, string(payload), string(got.Payload))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func ptr[T any](v T) *T { return &v }
