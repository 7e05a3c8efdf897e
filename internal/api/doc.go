// Package api exposes the task manager over HTTP: start, status, cancel and
// cleanup under /api/tasks, all behind bearer-token authentication.
package api
