package models

import "time"

type AttemptStatus string

const (
	CompletedAttemptStatus AttemptStatus = "COMPLETED"
	FailedAttemptStatus    AttemptStatus = "FAILED"
)

// ExecutionLog tracks every activity attempt for auditing.
type ExecutionLog struct {
	ID         int64         `json:"id" db:"id"`                     // Auto-incremented log ID
	WorkflowID string        `json:"workflow_id" db:"workflow_id"`   // Owning workflow run
	Activity   string        `json:"activity" db:"activity"`         // Activity name
	Attempt    int           `json:"attempt" db:"attempt"`           // 1-based attempt number
	Status     AttemptStatus `json:"status" db:"status"`             // Outcome of this attempt
	Message    string        `json:"message,omitempty" db:"message"` // Error text on failure
	Duration   time.Duration `json:"duration" db:"duration"`         // Wall time of the attempt
	LoggedAt   time.Time     `json:"logged_at" db:"logged_at"`       // Timestamp of log entry
}
