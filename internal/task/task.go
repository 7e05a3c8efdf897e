package task

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// Status represents the lifecycle state of a task.
type Status string

// Possible task status values
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal returns true if no further status transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Priority is the advisory priority of a task. It does not reorder tasks
// against each other; continuations are created with PriorityHigh.
type Priority string

// Priority values
const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// ParsePriority converts a string into a Priority. An empty string yields PriorityNormal.
func ParsePriority(s string) (Priority, error) {
	switch Priority(s) {
	case "":
		return PriorityNormal, nil
	case PriorityLow, PriorityNormal, PriorityHigh:
		return Priority(s), nil
	}
	return "", fmt.Errorf("%w: unknown priority %q", ErrInvalidTask, s)
}

// Weight maps the priority onto the ordering used by Limiter.
func (p Priority) Weight() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityHigh:
		return 2
	default:
		return 1
	}
}

// Metadata keys written by the engine itself.
const (
	MetaStrategy          = "strategy"
	MetaType              = "type"
	MetaPartialCompletion = "partialCompletion"
	MetaContinuedBy       = "continuedBy"

	TypeContinuation = "continuation"
)

// Metrics holds execution timing and throughput for a task.
type Metrics struct {
	StartTime        time.Time  `json:"start_time"`
	EndTime          *time.Time `json:"end_time,omitempty"`
	ProcessingTimeMs *int64     `json:"processing_time_ms,omitempty"`
	UnitsPerSecond   *float64   `json:"units_per_second,omitempty"`
	ErrorCount       int        `json:"error_count"`
}

// Task is the persisted record of one unit of bounded-time work.
type Task struct {
	ID             string          `json:"id"`
	Status         Status          `json:"status"`
	Progress       int             `json:"progress"`
	Total          int             `json:"total"`
	Processed      int             `json:"processed"`
	StartTime      *time.Time      `json:"start_time,omitempty"`
	EndTime        *time.Time      `json:"end_time,omitempty"`
	Error          string          `json:"error,omitempty"`
	OwnerID        string          `json:"owner_id"`
	Priority       Priority        `json:"priority"`
	Metrics        Metrics         `json:"metrics"`
	Dependencies   []string        `json:"dependencies,omitempty"`
	ContinuationOf string          `json:"continuation_of,omitempty"`
	Children       []string        `json:"children,omitempty"`
	Metadata       map[string]any  `json:"metadata,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// StrategyName returns the strategy tag recorded in metadata.
func (t *Task) StrategyName() string {
	name, _ := t.Metadata[MetaStrategy].(string)
	return name
}

// IsContinuation reports whether the task was spawned to finish another task's work.
func (t *Task) IsContinuation() bool {
	return t.ContinuationOf != ""
}

// Validate checks the invariants a new task must satisfy before it is stored.
func (t *Task) Validate() error {
	switch {
	case t.ID == "":
		return fmt.Errorf("%w: id is required", ErrInvalidTask)
	case !t.Status.Valid():
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTask, t.Status)
	case t.Total < 0 || t.Processed < 0:
		return fmt.Errorf("%w: counters must not be negative", ErrInvalidTask)
	case t.Total > 0 && t.Processed > t.Total:
		return fmt.Errorf("%w: processed %d exceeds total %d", ErrInvalidTask, t.Processed, t.Total)
	case slices.Contains(t.Dependencies, t.ID):
		return fmt.Errorf("%w: task cannot depend on itself", ErrInvalidTask)
	}
	return nil
}

// MetricsUpdate carries the metric fields to overwrite. Nil fields are left untouched.
type MetricsUpdate struct {
	StartTime        *time.Time
	EndTime          *time.Time
	ProcessingTimeMs *int64
	UnitsPerSecond   *float64
	ErrorCount       *int
}

// Update is a partial change to a task record. Nil pointers and empty
// collections leave the stored value as it is; Metadata is merged key by key.
type Update struct {
	Status         *Status
	Progress       *int
	Total          *int
	Processed      *int
	StartTime      *time.Time
	EndTime        *time.Time
	Error          *string
	Metrics        MetricsUpdate
	AppendChildren []string
	Metadata       map[string]any
}

// Apply merges u into t. Once t has reached a terminal status only children
// and metadata can change.
func (t *Task) Apply(u Update, now time.Time) {
	if !t.Status.IsTerminal() {
		if u.Status != nil {
			t.Status = *u.Status
		}
		if u.Total != nil {
			t.Total = *u.Total
		}
		if u.Processed != nil && *u.Processed >= t.Processed {
			t.Processed = *u.Processed
		}
		if t.Total > 0 && t.Processed > t.Total {
			t.Processed = t.Total
		}
		if u.Progress != nil {
			t.Progress = min(max(*u.Progress, 0), 100)
		}
		if u.StartTime != nil {
			t.StartTime = timePtr(*u.StartTime)
		}
		if u.EndTime != nil {
			t.EndTime = timePtr(*u.EndTime)
		}
		if u.Error != nil {
			t.Error = *u.Error
		}
		t.Metrics.apply(u.Metrics)
	}

	for _, child := range u.AppendChildren {
		if !slices.Contains(t.Children, child) {
			t.Children = append(t.Children, child)
		}
	}

	if len(u.Metadata) > 0 {
		if t.Metadata == nil {
			t.Metadata = make(map[string]any, len(u.Metadata))
		}
		for k, v := range u.Metadata {
			t.Metadata[k] = v
		}
	}

	t.UpdatedAt = now
}

func (m *Metrics) apply(u MetricsUpdate) {
	if u.StartTime != nil {
		m.StartTime = *u.StartTime
	}
	if u.EndTime != nil {
		m.EndTime = timePtr(*u.EndTime)
	}
	if u.ProcessingTimeMs != nil {
		v := *u.ProcessingTimeMs
		m.ProcessingTimeMs = &v
	}
	if u.UnitsPerSecond != nil {
		v := *u.UnitsPerSecond
		m.UnitsPerSecond = &v
	}
	if u.ErrorCount != nil {
		m.ErrorCount = *u.ErrorCount
	}
}

// Clone returns a deep copy of t.
func (t *Task) Clone() *Task {
	c := *t
	c.StartTime = clonePtr(t.StartTime)
	c.EndTime = clonePtr(t.EndTime)
	c.Metrics.EndTime = clonePtr(t.Metrics.EndTime)
	c.Metrics.ProcessingTimeMs = clonePtr(t.Metrics.ProcessingTimeMs)
	c.Metrics.UnitsPerSecond = clonePtr(t.Metrics.UnitsPerSecond)
	c.Dependencies = slices.Clone(t.Dependencies)
	c.Children = slices.Clone(t.Children)
	c.Payload = slices.Clone(t.Payload)
	if t.Metadata != nil {
		c.Metadata = cloneMap(t.Metadata)
	}
	return &c
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return slices.Clone(val)
	default:
		return v
	}
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func timePtr(t time.Time) *time.Time {
	return &t
}

// ptr returns a pointer to v.
func ptr[T any](v T) *T {
	return &v
}
