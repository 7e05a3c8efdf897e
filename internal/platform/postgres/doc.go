// Package postgres provides the PostgreSQL implementations of task.TaskStore
// and reconcile.RecordStore, the embedded goose migrations that create their
// tables, and the mapping from driver errors to store errors.
package postgres
