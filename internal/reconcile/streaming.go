package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fieldstack/simsync/internal/platform/logger"
	"github.com/fieldstack/simsync/internal/platform/telemetry"
	"github.com/fieldstack/simsync/internal/store"
	"github.com/fieldstack/simsync/internal/task"
)

// StrategyName is the tag under which StreamingSync is registered.
const StrategyName = "streaming_sync"

// recordPriority is the limiter priority of per-record updates, one above the default.
const recordPriority = 1

// Metadata keys written on continuations.
const (
	MetaResumedAfter = "resumedAfter"
)

// Config tunes the streaming reconciliation.
type Config struct {
	// FetchBatchSize is how many serials are looked up per store fetch.
	FetchBatchSize int
	// ProcessChunkSize is how many records are updated concurrently before progress is reported.
	ProcessChunkSize int
	// MaxConcurrency bounds in-flight record updates within one run.
	MaxConcurrency int

	ChunkDelay time.Duration
	BatchDelay time.Duration

	// RetryAttempts is the total number of tries for a transient update failure.
	// Delays grow exponentially from RetryBaseDelay, doubling each time.
	RetryAttempts  int
	RetryBaseDelay time.Duration
}

// DefaultConfig returns the standard streaming settings.
func DefaultConfig() Config {
	return Config{
		FetchBatchSize:   500,
		ProcessChunkSize: 50,
		MaxConcurrency:   task.DefaultLimiterCapacity,
		ChunkDelay:       50 * time.Millisecond,
		BatchDelay:       200 * time.Millisecond,
		RetryAttempts:    3,
		RetryBaseDelay:   time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.FetchBatchSize <= 0 {
		c.FetchBatchSize = def.FetchBatchSize
	}
	if c.ProcessChunkSize <= 0 {
		c.ProcessChunkSize = def.ProcessChunkSize
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = def.MaxConcurrency
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = def.RetryAttempts
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = def.RetryBaseDelay
	}
	return c
}

// Option configures a StreamingSync.
type Option func(*StreamingSync)

// WithClock overrides the time source used for deadline checks and sync stamps.
func WithClock(now func() time.Time) Option {
	return func(s *StreamingSync) {
		s.now = now
	}
}

// StreamingSync reconciles provider records against local SIM cards in
// sequential fetch-batches, updating each batch in concurrent chunks, and
// hands the rest of the work to a continuation when the deadline is reached.
type StreamingSync struct {
	records RecordStore
	config  Config
	logger  *slog.Logger
	now     func() time.Time
}

var (
	_ task.Strategy = (*StreamingSync)(nil)
	_ task.Sizer    = (*StreamingSync)(nil)
)

// NewStreamingSync creates the strategy.
func NewStreamingSync(records RecordStore, config Config, logger *slog.Logger, opts ...Option) *StreamingSync {
	s := &StreamingSync{
		records: records,
		config:  config.withDefaults(),
		logger:  logger.With(slog.String("component", "streaming_sync")),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name implements task.Strategy.
func (s *StreamingSync) Name() string {
	return StrategyName
}

// Units implements task.Sizer: the number of distinct keyed records.
func (s *StreamingSync) Units(payload json.RawMessage) (int, error) {
	p, err := DecodePayload(payload)
	if err != nil {
		return 0, err
	}
	_, serials := index(p.Records)
	return len(serials), nil
}

// DecodePayload parses a streaming sync payload. An empty payload has no records.
func DecodePayload(raw json.RawMessage) (Payload, error) {
	var p Payload
	if len(raw) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("invalid sync payload: %w", err)
	}
	return p, nil
}

// index builds the serial lookup and the ordered list of distinct serials.
// Records without a serial are dropped; a later record replaces an earlier
// one with the same serial.
func index(records []SourceRecord) (map[string]SourceRecord, []string) {
	lookup := make(map[string]SourceRecord, len(records))
	serials := make([]string, 0, len(records))
	for _, r := range records {
		r.Serial = strings.TrimSpace(r.Serial)
		if r.Serial == "" {
			continue
		}
		if _, seen := lookup[r.Serial]; !seen {
			serials = append(serials, r.Serial)
		}
		lookup[r.Serial] = r
	}
	return lookup, serials
}

// Process implements task.Strategy.
func (s *StreamingSync) Process(ctx context.Context, exec task.Execution) error {
	log := logger.FromContext(ctx)

	p, err := DecodePayload(exec.Payload)
	if err != nil {
		return err
	}
	lookup, serials := index(p.Records)

	run := &syncRun{
		StreamingSync: s,
		exec:          exec,
		lookup:        lookup,
		limiter:       task.NewLimiter(s.config.MaxConcurrency),
		logger:        log,
	}

	for start := 0; start < len(serials); start += s.config.FetchBatchSize {
		runtime.Gosched()
		if !exec.Deadline.IsZero() && !s.now().Before(exec.Deadline) {
			return run.handoff(ctx, serials[start:])
		}

		end := min(start+s.config.FetchBatchSize, len(serials))
		if err := run.batch(ctx, serials[start:end]); err != nil {
			return err
		}

		if end < len(serials) {
			if err := sleep(ctx, s.config.BatchDelay); err != nil {
				return err
			}
		}
	}

	log.Info("streaming sync finished",
		slog.Int("processed", run.processed),
		slog.Int("failed", run.failed))
	return nil
}

// syncRun is the state of one Process call.
type syncRun struct {
	*StreamingSync
	exec      task.Execution
	lookup    map[string]SourceRecord
	limiter   *task.Limiter
	logger    *slog.Logger
	processed int
	failed    int
}

func (r *syncRun) report(ctx context.Context) error {
	return r.exec.Report(ctx, task.Progress{Processed: r.processed, Failed: r.failed})
}

// batch fetches the local cards for serials and reconciles them chunk by chunk.
// A failed fetch counts the whole batch as processed with one error.
func (r *syncRun) batch(ctx context.Context, serials []string) error {
	ctx, span := telemetry.Tracer().Start(ctx, "reconcile.batch")
	defer span.End()
	span.SetAttributes(attribute.Int("batch.size", len(serials)))

	cards, err := r.records.FetchBySerials(ctx, serials)
	if err != nil {
		span.RecordError(err)
		r.logger.Warn("failed to fetch batch, skipping",
			slog.Int("size", len(serials)),
			slog.String("error", err.Error()))
		r.processed += len(serials)
		r.failed++
		return r.report(ctx)
	}
	cards = matchCards(cards, serials)

	for start := 0; start < len(cards); start += r.config.ProcessChunkSize {
		end := min(start+r.config.ProcessChunkSize, len(cards))
		r.failed += r.chunk(ctx, cards[start:end])
		r.processed += end - start
		if err := r.report(ctx); err != nil {
			return err
		}
		if err := sleep(ctx, r.config.ChunkDelay); err != nil {
			return err
		}
	}

	if missing := len(serials) - len(cards); missing > 0 {
		telemetry.RecordsProcessed.WithLabelValues("missing").Add(float64(missing))
		r.processed += missing
		return r.report(ctx)
	}
	return nil
}

// matchCards keeps one card per requested serial.
func matchCards(cards []SimCard, serials []string) []SimCard {
	wanted := make(map[string]bool, len(serials))
	for _, s := range serials {
		wanted[s] = true
	}
	out := cards[:0]
	for _, c := range cards {
		if wanted[c.Serial] {
			out = append(out, c)
			wanted[c.Serial] = false
		}
	}
	return out
}

// chunk reconciles cards concurrently and returns how many failed.
func (r *syncRun) chunk(ctx context.Context, cards []SimCard) int {
	var failed atomic.Int32
	var wg conc.WaitGroup
	for _, card := range cards {
		wg.Go(func() {
			err := r.limiter.Run(ctx, recordPriority, func(ctx context.Context) error {
				return r.reconcile(ctx, card)
			})
			if err != nil {
				failed.Add(1)
			}
		})
	}
	if recovered := wg.WaitAndRecover(); recovered != nil {
		r.logger.Error("record reconciliation panicked", slog.Any("panic", recovered.Value))
		failed.Add(1)
	}
	return int(failed.Load())
}

// reconcile applies the delta for one card, retrying transient store errors.
// Cards whose inventory fields already match still get their sync stamp
// written and are counted as unchanged.
func (r *syncRun) reconcile(ctx context.Context, card SimCard) error {
	src := r.lookup[card.Serial]
	delta := ComputeDelta(card, src, r.exec.Principal.ID, r.now())
	outcome := "updated"
	if !delta.ChangesData() {
		outcome = "unchanged"
	}

	backoff := retry.WithMaxRetries(uint64(r.config.RetryAttempts-1), retry.NewExponential(r.config.RetryBaseDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := r.records.UpdateRecord(ctx, card.ID, delta)
		if err != nil && store.IsTransient(err) {
			telemetry.RecordRetriesTotal.Inc()
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		telemetry.RecordsProcessed.WithLabelValues("failed").Inc()
		r.logger.Warn("failed to update sim card, skipping",
			slog.String("card_id", card.ID),
			slog.String("serial", card.Serial),
			slog.String("error", err.Error()))
		return err
	}

	telemetry.RecordsProcessed.WithLabelValues(outcome).Inc()
	return nil
}

// handoff persists the records for the remaining serials as a continuation.
func (r *syncRun) handoff(ctx context.Context, remaining []string) error {
	rest := make([]SourceRecord, 0, len(remaining))
	for _, serial := range remaining {
		rest = append(rest, r.lookup[serial])
	}
	raw, err := json.Marshal(Payload{Records: rest})
	if err != nil {
		return fmt.Errorf("failed to encode continuation payload: %w", err)
	}

	id, err := r.exec.Continue(ctx, task.Continuation{
		Payload:  raw,
		Total:    len(rest),
		Metadata: map[string]any{MetaResumedAfter: r.processed},
	})
	if err != nil {
		return err
	}

	r.logger.Info("deadline reached, continuing in new task",
		slog.String("continuation_id", id),
		slog.Int("processed", r.processed),
		slog.Int("remaining", len(rest)))
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
