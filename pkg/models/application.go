package models

import (
	"fmt"
	"time"
)

type ApplicationStatus string

const (
	ActiveApplicationStatus    ApplicationStatus = "Active"
	InterviewApplicationStatus ApplicationStatus = "Interview"
	OfferApplicationStatus     ApplicationStatus = "Offer"
	RejectedApplicationStatus  ApplicationStatus = "Rejected"
	WithdrawnApplicationStatus ApplicationStatus = "Withdrawn"
	ArchivedApplicationStatus  ApplicationStatus = "Archived"
)

// ParseApplicationStatus validates a user supplied status string.
func ParseApplicationStatus(s string) (ApplicationStatus, error) {
	switch status := ApplicationStatus(s); status {
	case ActiveApplicationStatus, InterviewApplicationStatus, OfferApplicationStatus,
		RejectedApplicationStatus, WithdrawnApplicationStatus, ArchivedApplicationStatus:
		return status, nil
	default:
		return "", fmt.Errorf("invalid application status %q", s)
	}
}

// IsTerminal reports whether a user decision closes the application for good.
func (s ApplicationStatus) IsTerminal() bool {
	switch s {
	case OfferApplicationStatus, RejectedApplicationStatus, WithdrawnApplicationStatus:
		return true
	}
	return false
}

// ProcessingStatus tracks the background document pipelines of an application.
type ProcessingStatus string

const (
	PendingProcessingStatus    ProcessingStatus = "Pending"
	ProcessingProcessingStatus ProcessingStatus = "Processing"
	CompletedProcessingStatus  ProcessingStatus = "Completed"
	FailedProcessingStatus     ProcessingStatus = "Failed"
)

// Application is one tracked job application.
type Application struct {
	ID                          string            `json:"id" db:"id"`
	Company                     string            `json:"company" db:"company"`
	Role                        string            `json:"role" db:"role"`
	JobDescription              string            `json:"jobDescription" db:"job_description"`
	ResumeURL                   *string           `json:"resumeUrl,omitempty" db:"resume_url"`
	ResumeText                  *string           `json:"-" db:"resume_text"`
	CoverLetterURL              *string           `json:"coverLetterUrl,omitempty" db:"cover_letter_url"`
	Status                      ApplicationStatus `json:"status" db:"status"`
	Deadline                    time.Time         `json:"deadline" db:"deadline"`
	OriginalDeadline            time.Time         `json:"originalDeadline" db:"original_deadline"`
	Notes                       *string           `json:"notes,omitempty" db:"notes"`
	InterviewDate               *time.Time        `json:"interviewDate,omitempty" db:"interview_date"`
	ResumeExtractionStatus      ProcessingStatus  `json:"resumeExtractionStatus" db:"resume_extraction_status"`
	CoverLetterGenerationStatus ProcessingStatus  `json:"coverLetterGenerationStatus" db:"cover_letter_generation_status"`
	WorkflowID                  *string           `json:"workflowId,omitempty" db:"workflow_id"`
	CreatedAt                   time.Time         `json:"createdAt" db:"created_at"`
	UpdatedAt                   time.Time         `json:"updatedAt" db:"updated_at"`
}

// HasResumePipelineInput reports whether resume extraction can run for the application.
func (a Application) HasResumePipelineInput() bool {
	return a.ResumeURL != nil && *a.ResumeURL != "" && a.JobDescription != ""
}

// ApplicationUpdate is a narrow, single-row patch. Nil fields are left untouched.
type ApplicationUpdate struct {
	Company                     *string
	Role                        *string
	JobDescription              *string
	Notes                       *string
	InterviewDate               *time.Time
	Deadline                    *time.Time
	ResumeText                  *string
	CoverLetterURL              *string
	ResumeExtractionStatus      *ProcessingStatus
	CoverLetterGenerationStatus *ProcessingStatus
}

// IsEmpty reports whether the update carries no field.
func (u ApplicationUpdate) IsEmpty() bool {
	return u.Company == nil && u.Role == nil && u.JobDescription == nil && u.Notes == nil &&
		u.InterviewDate == nil && u.Deadline == nil && u.ResumeText == nil && u.CoverLetterURL == nil &&
		u.ResumeExtractionStatus == nil && u.CoverLetterGenerationStatus == nil
}

// UserProfile holds optional personalization for generated documents.
type UserProfile struct {
	Name      *string   `json:"name,omitempty" db:"name"`
	Email     *string   `json:"email,omitempty" db:"email"`
	Phone     *string   `json:"phone,omitempty" db:"phone"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}
