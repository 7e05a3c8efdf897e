package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"slices"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fieldstack/simsync/internal/store"
	"github.com/fieldstack/simsync/internal/task"
)

// maxUpdateAttempts bounds optimistic-lock retries when a watched task key
// changes between read and write.
const maxUpdateAttempts = 10

func taskKey(id string) string             { return "simsync:task:" + id }
func statusKey(status task.Status) string { return "simsync:tasks:status:" + string(status) }

// TaskStore implements task.TaskStore on Redis. Each task is a JSON document;
// a set per status indexes ids for listing and sweeping.
type TaskStore struct {
	client    redis.UniversalClient
	retention task.Retention
	now       func() time.Time
}

var _ task.TaskStore = (*TaskStore)(nil)

// Option configures a TaskStore.
type Option func(*TaskStore)

// WithClock overrides the time source used for timestamps and sweeps.
func WithClock(now func() time.Time) Option {
	return func(s *TaskStore) {
		s.now = now
	}
}

// WithRetention overrides the default retention windows.
func WithRetention(r task.Retention) Option {
	return func(s *TaskStore) {
		s.retention = r
	}
}

// NewClient creates and returns a new Redis client.
func NewClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		PoolSize:     10,
	})
}

// NewTaskStore creates a Redis-backed TaskStore.
func NewTaskStore(client redis.UniversalClient, opts ...Option) *TaskStore {
	s := &TaskStore{
		client:    client,
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
	if err := t.Validate(); err != nil {
		return err
	}

	c := t.Clone()
	now := s.now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}

	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", c.ID, err)
	}

	// Document and status index entry are written in one MULTI.
	key := taskKey(c.ID)
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("%w: %s", store.ErrTaskExists, c.ID)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.SAdd(ctx, statusKey(c.Status), c.ID)
			return nil
		})
		return err
	}, key)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.TxFailedErr):
		// the key was written between WATCH and EXEC
		return fmt.Errorf("%w: %s", store.ErrTaskExists, c.ID)
	case store.IsDuplicateError(err):
		return err
	default:
		return mapError(fmt.Errorf("redis create task %s: %w", c.ID, err))
	}
}

// Get implements task.TaskStore.
func (s *TaskStore) Get(ctx context.Context, id string) (*task.Task, error) {
	return s.load(ctx, s.client, id)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *TaskStore) load(ctx context.Context, c getter, id string) (*task.Task, error) {
	data, err := c.Get(ctx, taskKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", store.ErrTaskNotFound, id)
		}
		return nil, mapError(fmt.Errorf("redis get task %s: %w", id, err))
	}
	var t task.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("unmarshal task %s: %w", id, err)
	}
	return &t, nil
}

// Update implements task.TaskStore with WATCH/MULTI so concurrent merges of
// the same task are serialised.
func (s *TaskStore) Update(ctx context.Context, id string, u task.Update) (*task.Task, error) {
	key := taskKey(id)

	for range maxUpdateAttempts {
		var updated *task.Task
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			t, err := s.load(ctx, tx, id)
			if err != nil {
				return err
			}
			prev := t.Status
			t.Apply(u, s.now().UTC())

			data, err := json.Marshal(t)
			if err != nil {
				return fmt.Errorf("marshal task %s: %w", id, err)
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, 0)
				if prev != t.Status {
					pipe.SRem(ctx, statusKey(prev), id)
					pipe.SAdd(ctx, statusKey(t.Status), id)
				}
				return nil
			})
			if err != nil {
				return err
			}
			updated = t
			return nil
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, mapError(err)
		}
		return updated, nil
	}

	return nil, fmt.Errorf("%w: task %s kept changing during update", store.ErrTransientIO, id)
}

// Delete implements task.TaskStore.
func (s *TaskStore) Delete(ctx context.Context, id string) error {
	t, err := s.Get(ctx, id)
	if err != nil {
		if store.IsNotFoundError(err) {
			return nil
		}
		return err
	}
	return s.remove(ctx, t)
}

func (s *TaskStore) remove(ctx context.Context, t *task.Task) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, taskKey(t.ID))
		pipe.SRem(ctx, statusKey(t.Status), t.ID)
		return nil
	})
	if err != nil {
		return mapError(fmt.Errorf("redis delete task %s: %w", t.ID, err))
	}
	return nil
}

// SweepExpired implements task.TaskStore.
func (s *TaskStore) SweepExpired(ctx context.Context) (int, error) {
	now := s.now().UTC()
	removed := 0
	for _, status := range []task.Status{task.StatusCompleted, task.StatusFailed, task.StatusPending, task.StatusRunning} {
		tasks, err := s.ListByStatus(ctx, status)
		if err != nil {
			return removed, err
		}
		for _, t := range tasks {
			if !s.retention.Expired(t, now) {
				continue
			}
			if err := s.remove(ctx, t); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}

// ListByStatus implements task.TaskStore. Index entries whose document is
// gone are dropped from the set.
func (s *TaskStore) ListByStatus(ctx context.Context, status task.Status) ([]*task.Task, error) {
	ids, err := s.client.SMembers(ctx, statusKey(status)).Result()
	if err != nil {
		return nil, mapError(fmt.Errorf("redis list %s tasks: %w", status, err))
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = taskKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, mapError(fmt.Errorf("redis load %s tasks: %w", status, err))
	}

	tasks := make([]*task.Task, 0, len(values))
	var stale []any
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var t task.Task
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			return nil, fmt.Errorf("unmarshal task %s: %w", ids[i], err)
		}
		if t.Status != status {
			continue
		}
		tasks = append(tasks, &t)
	}
	if len(stale) > 0 {
		_ = s.client.SRem(ctx, statusKey(status), stale...).Err()
	}

	slices.SortFunc(tasks, func(a, b *task.Task) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return tasks, nil
}

// mapError marks connection and timeout failures as transient.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, redis.ErrClosed) {
		return fmt.Errorf("%w: %v", store.ErrTransientIO, err)
	}
	return err
}
