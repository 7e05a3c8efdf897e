package task

import "errors"

// Errors returned by the task engine. Store-level failures use the sentinels
// in the store package (store.ErrNotFound, store.ErrDuplicate, store.ErrTransientIO).
var (
	// ErrUnauthorized is returned when a task is read by someone other than its owner.
	ErrUnauthorized = errors.New("task belongs to another owner")

	// ErrDependencyTimeout is returned by StartTask when the dependencies did not
	// complete within the configured ceiling. No task record is created.
	ErrDependencyTimeout = errors.New("task dependencies did not complete in time")

	// ErrCancelled is raised through the progress callback once cancellation
	// has been requested. It maps to StatusCancelled rather than StatusFailed.
	ErrCancelled = errors.New("task cancelled")

	// ErrUnknownStrategy is returned when no strategy is registered under the requested tag.
	ErrUnknownStrategy = errors.New("unknown processing strategy")

	// ErrInvalidTask is returned when task options or records fail validation.
	ErrInvalidTask = errors.New("invalid task")
)
