package task

import (
	"context"
	"slices"
	"sort"
	"sync"
)

// DefaultLimiterCapacity is the number of concurrent permits used when none is configured.
const DefaultLimiterCapacity = 5

// Limiter is a counting semaphore whose waiters are admitted in priority
// order, highest first. Waiters with equal priority are admitted in arrival
// order. A released permit is handed directly to the next waiter.
type Limiter struct {
	mu        sync.Mutex
	available int
	capacity  int
	waiters   []*waiter
}

type waiter struct {
	priority int
	ready    chan struct{}
	granted  bool
}

// NewLimiter creates a Limiter with the given number of permits. A capacity
// below one falls back to DefaultLimiterCapacity.
func NewLimiter(capacity int) *Limiter {
	if capacity < 1 {
		capacity = DefaultLimiterCapacity
	}
	return &Limiter{available: capacity, capacity: capacity}
}

// Capacity returns the total number of permits.
func (l *Limiter) Capacity() int {
	return l.capacity
}

// Waiting returns the number of callers blocked in Acquire.
func (l *Limiter) Waiting() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.waiters)
}

// Acquire blocks until a permit is available or ctx is done.
func (l *Limiter) Acquire(ctx context.Context, priority int) error {
	l.mu.Lock()
	if l.available > 0 && len(l.waiters) == 0 {
		l.available--
		l.mu.Unlock()
		return nil
	}

	w := &waiter{priority: priority, ready: make(chan struct{})}
	idx := sort.Search(len(l.waiters), func(i int) bool {
		return l.waiters[i].priority < priority
	})
	l.waiters = slices.Insert(l.waiters, idx, w)
	l.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		if w.granted {
			// Permit arrived while we were giving up; pass it on.
			l.mu.Unlock()
			l.Release()
			return ctx.Err()
		}
		if i := slices.Index(l.waiters, w); i >= 0 {
			l.waiters = slices.Delete(l.waiters, i, i+1)
		}
		l.mu.Unlock()
		return ctx.Err()
	}
}

// Release returns a permit, admitting the highest-priority waiter if any.
func (l *Limiter) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.waiters) > 0 {
		next := l.waiters[0]
		l.waiters = l.waiters[1:]
		next.granted = true
		close(next.ready)
		return
	}
	if l.available < l.capacity {
		l.available++
	}
}

// Run acquires a permit, runs fn and releases the permit however fn returns.
func (l *Limiter) Run(ctx context.Context, priority int, fn func(ctx context.Context) error) error {
	if err := l.Acquire(ctx, priority); err != nil {
		return err
	}
	defer l.Release()
	return fn(ctx)
}
