package task

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Principal identifies the caller on whose behalf work is done.
type Principal struct {
	ID string
}

// Progress is a cumulative progress report from a strategy.
type Progress struct {
	Processed int
	Failed    int
}

// ProgressFunc persists a progress report. It returns ErrCancelled once the
// task has been cancelled; strategies should stop and return that error.
type ProgressFunc func(ctx context.Context, p Progress) error

// Continuation describes the unprocessed remainder of a task.
type Continuation struct {
	Payload  json.RawMessage
	Total    int
	Metadata map[string]any
}

// ContinueFunc hands the remainder of the work to a new task and returns its id.
type ContinueFunc func(ctx context.Context, c Continuation) (string, error)

// Execution is everything a strategy receives for one run.
type Execution struct {
	TaskID    string
	Payload   json.RawMessage
	Principal Principal
	Deadline  time.Time
	Report    ProgressFunc
	Continue  ContinueFunc
}

// Strategy performs the work of a task.
//
// Process returns nil when all work has been done or handed to a
// continuation via Execution.Continue. After a successful Continue the
// strategy must return immediately without reporting further progress.
type Strategy interface {
	Name() string
	Process(ctx context.Context, exec Execution) error
}

// Sizer is implemented by strategies that can count the units in a payload.
// The manager uses it to fill in Total when the caller leaves it at zero.
type Sizer interface {
	Units(payload json.RawMessage) (int, error)
}

// Registry maps strategy tags to implementations.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
}

// NewRegistry creates a registry holding the given strategies.
func NewRegistry(strategies ...Strategy) *Registry {
	r := &Registry{strategies: make(map[string]Strategy)}
	for _, s := range strategies {
		r.Register(s)
	}
	return r
}

// Register adds s, replacing any strategy with the same name.
func (r *Registry) Register(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[s.Name()] = s
}

// Get returns the strategy registered under name.
func (r *Registry) Get(name string) (Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
	}
	return s, nil
}

// Names returns the registered tags in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
