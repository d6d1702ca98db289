package models

import "time"

// TimelineEvent is an append-only record of one status transition.
type TimelineEvent struct {
	ID            string            `json:"id" db:"id"`
	ApplicationID string            `json:"applicationId" db:"application_id"`
	Status        ApplicationStatus `json:"status" db:"status"`
	Note          *string           `json:"note,omitempty" db:"note"`
	Timestamp     time.Time         `json:"timestamp" db:"timestamp"`
}
