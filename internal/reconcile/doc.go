// Package reconcile implements the streaming_sync strategy, which brings
// locally stored SIM cards in line with a provider report.
//
// Serials are fetched in batches and each batch is updated in concurrent
// chunks through a task.Limiter. Per-card updates only fill first-seen
// fields that are unset and refresh the mutable ones. When the run's
// deadline is reached before a batch starts, the remaining records are
// handed to a continuation task.
package reconcile
