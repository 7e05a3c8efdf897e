package api

import "encoding/json"

// StartTaskRequest is the body of POST /api/tasks.
type StartTaskRequest struct {
	Strategy     string          `json:"strategy"     validate:"omitempty,max=64"`
	Payload      json.RawMessage `json:"payload"      validate:"required"`
	Priority     string          `json:"priority"     validate:"omitempty,oneof=low normal high"`
	Dependencies []string        `json:"dependencies" validate:"omitempty,max=100,dive,required"`
	Total        int             `json:"total"        validate:"gte=0"`
	ParentID     string          `json:"parent_id"    validate:"omitempty,max=128"`
}

// StartTaskResponse is returned once a task has been accepted.
type StartTaskResponse struct {
	TaskID string `json:"task_id"`
}

// CancelTaskResponse reports whether a running execution was signalled.
type CancelTaskResponse struct {
	Cancelled bool `json:"cancelled"`
}
