package models

import "time"

type NotificationType string

const (
	DeadlineReminderNotification     NotificationType = "DeadlineReminder"
	InterviewReminderNotification    NotificationType = "InterviewReminder"
	CoverLetterGeneratedNotification NotificationType = "CoverLetterGenerated"
	StatusUpdateNotification         NotificationType = "StatusUpdate"
)

type NotificationStatus string

const (
	PendingNotificationStatus   NotificationStatus = "Pending"
	CompletedNotificationStatus NotificationStatus = "Completed"
	FailedNotificationStatus    NotificationStatus = "Failed"
)

// Notification is created by activities and read by the user.
type Notification struct {
	ID            string             `json:"id" db:"id"`
	ApplicationID string             `json:"applicationId" db:"application_id"`
	Type          NotificationType   `json:"type" db:"type"`
	Title         string             `json:"title" db:"title"`
	Message       string             `json:"message" db:"message"`
	Status        NotificationStatus `json:"status" db:"status"`
	Read          bool               `json:"read" db:"read"`
	DedupeKey     *string            `json:"-" db:"dedupe_key"` // unique when set
	Timestamp     time.Time          `json:"timestamp" db:"timestamp"`
}
