package redis

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldstack/simsync/internal/store"
	"github.com/fieldstack/simsync/internal/task"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T) (*TaskStore, *miniredis.Miniredis, *testClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return NewTaskStore(client, WithClock(clock.Now)), mr, clock
}

func TestTaskStore_CRUD(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, mr, _ := newTestStore(t)

	require.NoError(t, s.Create(ctx, &task.Task{
		ID:       "a",
		Status:   task.StatusPending,
		Total:    5,
		Metadata: map[string]any{"strategy": "streaming_sync"},
	}))
	assert.True(t, mr.Exists(taskKey("a")))

	err := s.Create(ctx, &task.Task{ID: "a", Status: task.StatusPending})
	assert.ErrorIs(t, err, store.ErrTaskExists)

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 5, got.Total)
	assert.Equal(t, "streaming_sync", got.StrategyName())

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrTaskNotFound)

	require.NoError(t, s.Delete(ctx, "a"))
	require.NoError(t, s.Delete(ctx, "a"))
	assert.False(t, mr.Exists(taskKey("a")))
	members, _ := mr.Members(statusKey(task.StatusPending))
	assert.Empty(t, members)
}

func TestTaskStore_CreateIndexesInSameTransaction(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, mr, _ := newTestStore(t)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		dupes   int
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Create(ctx, &task.Task{ID: "race", Status: task.StatusPending})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case store.IsDuplicateError(err):
				dupes++
			default:
				t.Errorf("unexpected create error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Equal(t, 7, dupes)
	members, err := mr.Members(statusKey(task.StatusPending))
	require.NoError(t, err)
	assert.Equal(t, []string{"race"}, members)

	// a document written behind the store's back is still a duplicate and
	// gains no index entry
	require.NoError(t, mr.Set(taskKey("foreign"), "{}"))
	err = s.Create(ctx, &task.Task{ID: "foreign", Status: task.StatusRunning})
	assert.ErrorIs(t, err, store.ErrTaskExists)
	assert.False(t, mr.Exists(statusKey(task.StatusRunning)))
}

func TestTaskStore_UpdateMovesStatusIndex(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _, _ := newTestStore(t)
	require.NoError(t, s.Create(ctx, &task.Task{ID: "a", Status: task.StatusPending, Total: 10}))

	running := task.StatusRunning
	processed := 4
	got, err := s.Update(ctx, "a", task.Update{Status: &running, Processed: &processed})
	require.NoError(t, err)
	assert.Equal(t, task.StatusRunning, got.Status)
	assert.Equal(t, 4, got.Processed)

	pending, err := s.ListByStatus(ctx, task.StatusPending)
	require.NoError(t, err)
	assert.Empty(t, pending)

	list, err := s.ListByStatus(ctx, task.StatusRunning)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "a", list[0].ID)

	_, err = s.Update(ctx, "missing", task.Update{})
	assert.ErrorIs(t, err, store.ErrTaskNotFound)
}

func TestTaskStore_ConcurrentMetadataUpdates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _, _ := newTestStore(t)
	require.NoError(t, s.Create(ctx, &task.Task{ID: "a", Status: task.StatusRunning}))

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Update(ctx, "a", task.Update{Metadata: map[string]any{fmt.Sprintf("k%d", i): true}})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, got.Metadata, 8)
}

func TestTaskStore_SweepExpired(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _, clock := newTestStore(t)
	now := clock.Now()
	old := now.Add(-3 * time.Hour)
	ended := now.Add(-90 * time.Minute)

	for _, tk := range []*task.Task{
		{ID: "done-old", Status: task.StatusCompleted, EndTime: &ended, CreatedAt: old},
		{ID: "done-new", Status: task.StatusCompleted, CreatedAt: now},
		{ID: "failed-recent", Status: task.StatusFailed, EndTime: &ended, CreatedAt: old},
		{ID: "stale", Status: task.StatusRunning, CreatedAt: old},
		{ID: "cancelled", Status: task.StatusCancelled, CreatedAt: old},
	} {
		require.NoError(t, s.Create(ctx, tk))
	}

	n, err := s.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []string{"done-new", "failed-recent", "cancelled"} {
		_, err := s.Get(ctx, id)
		assert.NoError(t, err, id)
	}

	clock.Advance(24 * time.Hour)
	n, err = s.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = s.Get(ctx, "cancelled")
	assert.NoError(t, err)
}

func TestTaskStore_ListDropsDanglingIndexEntries(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, mr, _ := newTestStore(t)
	require.NoError(t, s.Create(ctx, &task.Task{ID: "a", Status: task.StatusPending}))
	mr.Del(taskKey("a"))

	list, err := s.ListByStatus(ctx, task.StatusPending)
	require.NoError(t, err)
	assert.Empty(t, list)

	members, _ := mr.Members(statusKey(task.StatusPending))
	assert.Empty(t, members)
}

func TestTaskStore_UnreachableServerIsTransient(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1, DialTimeout: 100 * time.Millisecond})
	t.Cleanup(func() { _ = client.Close() })
	s := NewTaskStore(client)
	mr.Close()

	_, err := s.Get(context.Background(), "a")
	assert.True(t, store.IsTransient(err), "got %v", err)
}
