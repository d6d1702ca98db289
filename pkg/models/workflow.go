package models

import (
	"encoding/json"
	"time"
)

type RunStatus string

const (
	RunningRunStatus   RunStatus = "RUNNING"
	CompletedRunStatus RunStatus = "COMPLETED"
	FailedRunStatus    RunStatus = "FAILED"
)

// WorkflowRun is the durable record of one workflow instance.
type WorkflowRun struct {
	ID          string          `json:"id" db:"id"`                         // Deterministic identifier (e.g. "application-lifecycle-<app id>")
	Name        string          `json:"name" db:"name"`                     // Registered workflow name
	Status      RunStatus       `json:"status" db:"status"`                 // "RUNNING", "COMPLETED", "FAILED"
	Input       json.RawMessage `json:"input" db:"input"`                   // Start arguments
	State       json.RawMessage `json:"state,omitempty" db:"state"`         // Last checkpoint, nil before the first one
	ErrorMsg    string          `json:"error,omitempty" db:"error_msg"`     // Terminal error message (optional)
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`         // Creation timestamp
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`         // Last checkpoint timestamp
	CompletedAt *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
}

// WorkflowSignal is one entry of a run's durable inbox.
type WorkflowSignal struct {
	ID          int64           `json:"id" db:"id"`
	WorkflowID  string          `json:"workflow_id" db:"workflow_id"`
	Name        string          `json:"name" db:"name"`
	Payload     json.RawMessage `json:"payload,omitempty" db:"payload"`
	ReceivedAt  time.Time       `json:"received_at" db:"received_at"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty" db:"processed_at"`
}

// Decode unmarshals the signal payload into v. An empty payload leaves v untouched.
func (s WorkflowSignal) Decode(v interface{}) error {
	if len(s.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(s.Payload, v)
}
