package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldstack/simsync/internal/platform/telemetry"
	"github.com/fieldstack/simsync/internal/store"
	"github.com/fieldstack/simsync/internal/task"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// hookedStore wraps a MemoryRecordStore with optional failure and timing hooks.
type hookedStore struct {
	*MemoryRecordStore
	onFetch  func(call int, serials []string) error
	onUpdate func(id string, attempt int) error

	mu       sync.Mutex
	fetches  int
	attempts map[string]int
	fetched  [][]string
}

func (s *hookedStore) FetchBySerials(ctx context.Context, serials []string) ([]SimCard, error) {
	s.mu.Lock()
	s.fetches++
	call := s.fetches
	s.fetched = append(s.fetched, append([]string(nil), serials...))
	s.mu.Unlock()

	if s.onFetch != nil {
		if err := s.onFetch(call, serials); err != nil {
			return nil, err
		}
	}
	return s.MemoryRecordStore.FetchBySerials(ctx, serials)
}

func (s *hookedStore) UpdateRecord(ctx context.Context, id string, u FieldUpdate) error {
	s.mu.Lock()
	if s.attempts == nil {
		s.attempts = make(map[string]int)
	}
	s.attempts[id]++
	attempt := s.attempts[id]
	s.mu.Unlock()

	if s.onUpdate != nil {
		if err := s.onUpdate(id, attempt); err != nil {
			return err
		}
	}
	return s.MemoryRecordStore.UpdateRecord(ctx, id, u)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	return Config{
		FetchBatchSize:   50,
		ProcessChunkSize: 25,
		MaxConcurrency:   5,
		RetryAttempts:    3,
		RetryBaseDelay:   time.Millisecond,
	}
}

func seedCards(n int) []SimCard {
	cards := make([]SimCard, n)
	for i := range cards {
		cards[i] = SimCard{ID: fmt.Sprintf("card-%03d", i), Serial: fmt.Sprintf("SN%03d", i)}
	}
	return cards
}

func sourcePayload(t *testing.T, n int) json.RawMessage {
	t.Helper()
	records := make([]SourceRecord, n)
	for i := range records {
		records[i] = SourceRecord{
			Serial:      fmt.Sprintf("SN%03d", i),
			Status:      "active",
			TopUpAmount: "25",
		}
	}
	raw, err := json.Marshal(Payload{Records: records})
	require.NoError(t, err)
	return raw
}

type harness struct {
	clock   *fakeClock
	tasks   *task.MemoryTaskStore
	records *hookedStore
	manager *task.Manager
}

func newHarness(records *hookedStore, cfg Config) *harness {
	clock := newFakeClock()
	tasks := task.NewMemoryTaskStore(task.WithStoreClock(clock.Now))
	strategy := NewStreamingSync(records, cfg, testLogger(), WithClock(clock.Now))

	mcfg := task.DefaultManagerConfig()
	mcfg.ContinuationDelay = 0
	manager := task.NewManager(tasks, task.NewRegistry(strategy), mcfg, testLogger(), task.WithClock(clock.Now))

	return &harness{clock: clock, tasks: tasks, records: records, manager: manager}
}

func TestStreamingSync_HappyPath(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	records := &hookedStore{MemoryRecordStore: NewMemoryRecordStore(seedCards(120)...)}
	h := newHarness(records, testConfig())

	id, err := h.manager.StartTask(ctx, sourcePayload(t, 120), task.StartOptions{OwnerID: "ops-1"})
	require.NoError(t, err)
	h.manager.Wait()

	got, err := h.tasks.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, got.Status)
	assert.Equal(t, 120, got.Total)
	assert.Equal(t, 120, got.Processed)
	assert.Equal(t, 100, got.Progress)
	assert.Empty(t, got.Children)
	assert.Equal(t, 0, got.Metrics.ErrorCount)
	assert.Equal(t, StrategyName, got.StrategyName())

	require.Len(t, records.fetched, 3)
	assert.Len(t, records.fetched[0], 50)
	assert.Len(t, records.fetched[2], 20)

	card, err := records.GetRecord(ctx, "card-007")
	require.NoError(t, err)
	assert.Equal(t, "active", card.Status)
	assert.Equal(t, QualityStandard, card.Quality)
	assert.Equal(t, "ops-1", card.UpdatedBy)
	require.NotNil(t, card.FirstTopUp)
	assert.Equal(t, 25.0, *card.FirstTopUp)
}

func TestStreamingSync_UnchangedCardsRefreshSyncStamp(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	records := &hookedStore{MemoryRecordStore: NewMemoryRecordStore(seedCards(3)...)}
	h := newHarness(records, testConfig())
	unchanged := testutil.ToFloat64(telemetry.RecordsProcessed.WithLabelValues("unchanged"))

	for range 2 {
		_, err := h.manager.StartTask(ctx, sourcePayload(t, 3), task.StartOptions{OwnerID: "ops-1"})
		require.NoError(t, err)
		h.manager.Wait()
		h.clock.Advance(time.Minute)
	}

	// the counter is shared with parallel tests, so only a lower bound holds
	assert.GreaterOrEqual(t, testutil.ToFloat64(telemetry.RecordsProcessed.WithLabelValues("unchanged"))-unchanged, 3.0)

	card, err := records.GetRecord(ctx, "card-001")
	require.NoError(t, err)
	require.NotNil(t, card.LastSyncedAt)
	assert.True(t, h.clock.Now().Add(-time.Minute).Equal(*card.LastSyncedAt))
	assert.Equal(t, 2, records.attempts["card-001"])
}

func TestStreamingSync_ForcedContinuation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	records := &hookedStore{MemoryRecordStore: NewMemoryRecordStore(seedCards(120)...)}
	h := newHarness(records, testConfig())
	// The first fetch consumes the whole time budget.
	records.onFetch = func(call int, _ []string) error {
		if call == 1 {
			h.clock.Advance(100 * time.Second)
		}
		return nil
	}

	id, err := h.manager.StartTask(ctx, sourcePayload(t, 120), task.StartOptions{ID: "sync-1", OwnerID: "ops-1"})
	require.NoError(t, err)
	h.manager.Wait()

	original, err := h.tasks.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, original.Status)
	assert.Equal(t, 50, original.Processed)
	assert.Equal(t, 100, original.Progress)
	assert.Equal(t, true, original.Metadata[task.MetaPartialCompletion])

	var continuations []*task.Task
	completed, err := h.tasks.ListByStatus(ctx, task.StatusCompleted)
	require.NoError(t, err)
	for _, tk := range completed {
		if tk.IsContinuation() {
			continuations = append(continuations, tk)
		}
	}
	require.Len(t, continuations, 1)
	next := continuations[0]
	assert.Equal(t, id, next.ContinuationOf)
	assert.Equal(t, next.ID, original.Metadata[task.MetaContinuedBy])
	assert.Equal(t, 70, next.Total)
	assert.Equal(t, 70, next.Processed)
	assert.Equal(t, task.PriorityHigh, next.Priority)
	assert.Equal(t, 50, next.Metadata[MetaResumedAfter])

	// The remainder is exactly the serials the original never fetched.
	rest, err := DecodePayload(next.Payload)
	require.NoError(t, err)
	require.Len(t, rest.Records, 70)
	seen := make(map[string]bool)
	for _, serial := range records.fetched[0] {
		seen[serial] = true
	}
	for _, r := range rest.Records {
		assert.False(t, seen[r.Serial], "serial %s in both parts", r.Serial)
		seen[r.Serial] = true
	}
	assert.Len(t, seen, 120)
}

func TestStreamingSync_MissingAndKeylessRecords(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	records := &hookedStore{MemoryRecordStore: NewMemoryRecordStore(seedCards(10)...)}
	h := newHarness(records, testConfig())

	payload := Payload{Records: []SourceRecord{{Serial: "  "}, {Status: "active"}}}
	for i := 0; i < 15; i++ {
		payload.Records = append(payload.Records, SourceRecord{Serial: fmt.Sprintf("SN%03d", i), DataBalanceMB: "12"})
	}
	raw, err := json.Marshal(payload)
	require.NoError(t, err)

	id, err := h.manager.StartTask(ctx, raw, task.StartOptions{OwnerID: "ops-1"})
	require.NoError(t, err)
	h.manager.Wait()

	got, err := h.tasks.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, got.Status)
	assert.Equal(t, 15, got.Total, "records without a serial are ignored")
	assert.Equal(t, 15, got.Processed, "serials with no local card count as processed")
}

func TestStreamingSync_TransientRetry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	records := &hookedStore{MemoryRecordStore: NewMemoryRecordStore(seedCards(4)...)}
	records.onUpdate = func(id string, attempt int) error {
		switch id {
		case "card-001":
			if attempt < 3 {
				return fmt.Errorf("connection reset: %w", store.ErrTransientIO)
			}
		case "card-002":
			return fmt.Errorf("still down: %w", store.ErrTransientIO)
		case "card-003":
			return errors.New("constraint violated")
		}
		return nil
	}
	h := newHarness(records, testConfig())

	id, err := h.manager.StartTask(ctx, sourcePayload(t, 4), task.StartOptions{OwnerID: "ops-1"})
	require.NoError(t, err)
	h.manager.Wait()

	got, err := h.tasks.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, got.Status, "record failures never fail the task")
	assert.Equal(t, 4, got.Processed)
	assert.Equal(t, 2, got.Metrics.ErrorCount)

	records.mu.Lock()
	defer records.mu.Unlock()
	assert.Equal(t, 1, records.attempts["card-000"])
	assert.Equal(t, 3, records.attempts["card-001"], "succeeds on the last attempt")
	assert.Equal(t, 3, records.attempts["card-002"], "gives up after three attempts")
	assert.Equal(t, 1, records.attempts["card-003"], "permanent errors are not retried")

	card, err := records.MemoryRecordStore.GetRecord(ctx, "card-001")
	require.NoError(t, err)
	assert.Equal(t, "active", card.Status)
}

func TestStreamingSync_FetchFailureSkipsBatch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	records := &hookedStore{MemoryRecordStore: NewMemoryRecordStore(seedCards(120)...)}
	records.onFetch = func(call int, _ []string) error {
		if call == 2 {
			return fmt.Errorf("timeout: %w", store.ErrTransientIO)
		}
		return nil
	}
	h := newHarness(records, testConfig())

	id, err := h.manager.StartTask(ctx, sourcePayload(t, 120), task.StartOptions{OwnerID: "ops-1"})
	require.NoError(t, err)
	h.manager.Wait()

	got, err := h.tasks.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, got.Status)
	assert.Equal(t, 120, got.Processed)
	assert.Equal(t, 1, got.Metrics.ErrorCount)

	skipped, err := records.GetRecord(ctx, "card-060")
	require.NoError(t, err)
	assert.Empty(t, skipped.Status, "cards in the failed batch are untouched")
}

func TestStreamingSync_InvalidPayloadFailsTask(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	records := &hookedStore{MemoryRecordStore: NewMemoryRecordStore()}
	h := newHarness(records, testConfig())

	_, err := h.manager.StartTask(ctx, json.RawMessage(`[1,2]`), task.StartOptions{})
	assert.ErrorIs(t, err, task.ErrInvalidTask, "sizing rejects the payload before creation")

	id, err := h.manager.StartTask(ctx, json.RawMessage(`{"records":"nope"}`), task.StartOptions{Total: 1})
	require.NoError(t, err)
	h.manager.Wait()

	got, err := h.tasks.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, got.Status)
	assert.Contains(t, got.Error, "invalid sync payload")
}

func TestStreamingSync_CancelBetweenChunks(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	records := &hookedStore{MemoryRecordStore: NewMemoryRecordStore(seedCards(100)...)}
	h := newHarness(records, testConfig())
	records.onFetch = func(call int, _ []string) error {
		if call == 1 {
			h.manager.CancelTask("cancel-me")
		}
		return nil
	}

	_, err := h.manager.StartTask(ctx, sourcePayload(t, 100), task.StartOptions{ID: "cancel-me"})
	require.NoError(t, err)
	h.manager.Wait()

	got, err := h.tasks.Get(ctx, "cancel-me")
	require.NoError(t, err)
	assert.Equal(t, task.StatusCancelled, got.Status)
	assert.Equal(t, 25, got.Processed, "the in-flight chunk drains before the cancel takes effect")
	assert.Len(t, records.fetched, 1)
}

func TestStreamingSync_Units(t *testing.T) {
	t.Parallel()

	s := NewStreamingSync(NewMemoryRecordStore(), DefaultConfig(), testLogger())

	n, err := s.Units(json.RawMessage(`{"records":[{"serial":"a"},{"serial":"a"},{"serial":"b"},{"serial":""}]}`))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.Units(nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
