package task

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fieldstack/simsync/internal/store"
)

// MemoryTaskStore is a process-local TaskStore. Records are copied on the way
// in and out so callers never share state with the store.
type MemoryTaskStore struct {
	mu        sync.RWMutex
	tasks     map[string]*Task
	retention Retention
	now       func() time.Time
}

// MemoryStoreOption configures a MemoryTaskStore.
type MemoryStoreOption func(*MemoryTaskStore)

// WithStoreClock overrides the time source used for timestamps and sweeps.
func WithStoreClock(now func() time.Time) MemoryStoreOption {
	return func(s *MemoryTaskStore) {
		s.now = now
	}
}

// WithRetention overrides the default retention windows.
func WithRetention(r Retention) MemoryStoreOption {
	return func(s *MemoryTaskStore) {
		s.retention = r
	}
}

// NewMemoryTaskStore creates an empty in-memory store.
func NewMemoryTaskStore(opts ...MemoryStoreOption) *MemoryTaskStore {
	s := &MemoryTaskStore{
		tasks:     make(map[string]*Task),
		retention: DefaultRetention(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create implements TaskStore.
func (s *MemoryTaskStore) Create(ctx context.Context, t *Task) error {
	if err := t.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[t.ID]; exists {
		return fmt.Errorf("%w: %s", store.ErrTaskExists, t.ID)
	}

	c := t.Clone()
	now := s.now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	s.tasks[c.ID] = c
	return nil
}

// Get implements TaskStore.
func (s *MemoryTaskStore) Get(ctx context.Context, id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrTaskNotFound, id)
	}
	return t.Clone(), nil
}

// Update implements TaskStore.
func (s *MemoryTaskStore) Update(ctx context.Context, id string, u Update) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrTaskNotFound, id)
	}
	t.Apply(u, s.now())
	return t.Clone(), nil
}

// Delete implements TaskStore.
func (s *MemoryTaskStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.tasks, id)
	return nil
}

// SweepExpired implements TaskStore.
func (s *MemoryTaskStore) SweepExpired(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for id, t := range s.tasks {
		if s.retention.Expired(t, now) {
			delete(s.tasks, id)
			removed++
		}
	}
	return removed, nil
}

// ListByStatus implements TaskStore. Results are ordered by creation time.
func (s *MemoryTaskStore) ListByStatus(ctx context.Context, status Status) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Task
	for _, t := range s.tasks {
		if t.Status == status {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Len returns the number of stored tasks.
func (s *MemoryTaskStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}
