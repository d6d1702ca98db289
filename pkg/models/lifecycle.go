package models

import "time"

// LifecycleStatus is the status of an application lifecycle workflow.
type LifecycleStatus string

const (
	CreatedLifecycleStatus     LifecycleStatus = "Created"
	ActiveLifecycleStatus      LifecycleStatus = "Active"
	RemindLifecycleStatus      LifecycleStatus = "Remind"
	GracePeriodLifecycleStatus LifecycleStatus = "GracePeriod"
	ArchivedLifecycleStatus    LifecycleStatus = "Archived"
)

// LifecycleState is the in-flight state of a lifecycle workflow and the
// snapshot returned by its state query.
type LifecycleState struct {
	ApplicationID    string             `json:"applicationId"`
	Status           LifecycleStatus    `json:"status"`
	Deadline         time.Time          `json:"deadline"`
	OriginalDeadline time.Time          `json:"originalDeadline"`
	GracePeriodEnd   *time.Time         `json:"gracePeriodEnd,omitempty"`
	LastStatusUpdate *ApplicationStatus `json:"lastStatusUpdate,omitempty"`
	LastStatusNotes  *string            `json:"lastStatusNotes,omitempty"`
	Cancelled        bool               `json:"cancelled"`
	CreatedAt        time.Time          `json:"createdAt"`
	UpdatedAt        time.Time          `json:"updatedAt"`
}

// RemindersArmed reports whether the deadline timeline still applies. Once the
// user moves the application past Active (e.g. Interview) the deadline
// reminder no longer fires until the application is set back to Active.
func (s LifecycleState) RemindersArmed() bool {
	return s.LastStatusUpdate == nil || *s.LastStatusUpdate == ActiveApplicationStatus
}

// UpdateStatusSignal is the payload of the updateStatus signal.
type UpdateStatusSignal struct {
	Status string  `json:"status"`
	Notes  *string `json:"notes,omitempty"`
}

// ExtendDeadlineSignal is the payload of the extendDeadline signal.
type ExtendDeadlineSignal struct {
	Days int `json:"days"`
}

// CancelWorkflowSignal is the payload of the cancelWorkflow signal.
type CancelWorkflowSignal struct {
	Reason *string `json:"reason,omitempty"`
}
