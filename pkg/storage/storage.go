package storage

import (
	"context"
	"time"

	"github.com/h-amg/job-tracker/pkg/models"
	"github.com/pkg/errors"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// ApplicationFilter narrows ListApplications. Zero value lists everything.
type ApplicationFilter struct {
	Status *models.ApplicationStatus
}

// Store defines the storage operations for the job tracker and the workflow engine.
type Store interface {
	// Transaction operations
	Begin(ctx context.Context) (Store, error)
	Commit() error
	Rollback() error
	Close() error

	// Application operations
	CreateApplication(ctx context.Context, app models.Application) error
	GetApplication(ctx context.Context, id string) (models.Application, error)
	ListApplications(ctx context.Context, filter ApplicationFilter) ([]models.Application, error)
	UpdateApplication(ctx context.Context, id string, update models.ApplicationUpdate, at time.Time) error
	// TransitionApplicationStatus sets the status and appends a timeline event
	// only when the stored status differs. It reports whether a change happened.
	TransitionApplicationStatus(ctx context.Context, id string, status models.ApplicationStatus, note *string, at time.Time) (bool, error)
	SetWorkflowID(ctx context.Context, id string, workflowID *string) error
	DeleteApplication(ctx context.Context, id string) error

	// Timeline operations
	AppendTimelineEvent(ctx context.Context, event models.TimelineEvent) error
	ListTimelineEvents(ctx context.Context, applicationID string) ([]models.TimelineEvent, error)

	// Notification operations
	// CreateNotification returns false without error when a notification with
	// the same dedupe key already exists.
	CreateNotification(ctx context.Context, n models.Notification) (bool, error)
	ListNotifications(ctx context.Context, applicationID string) ([]models.Notification, error)
	MarkNotificationRead(ctx context.Context, id string) error

	// Profile operations
	GetUserProfile(ctx context.Context) (models.UserProfile, error)
	SaveUserProfile(ctx context.Context, profile models.UserProfile) error

	// Workflow run operations
	CreateWorkflowRun(ctx context.Context, run models.WorkflowRun) error
	GetWorkflowRun(ctx context.Context, id string) (models.WorkflowRun, error)
	ListWorkflowRuns(ctx context.Context, status *models.RunStatus) ([]models.WorkflowRun, error)
	SaveWorkflowState(ctx context.Context, id string, state []byte, at time.Time) error
	CompleteWorkflowRun(ctx context.Context, id string, status models.RunStatus, errMsg string, at time.Time) error

	// Signal inbox operations
	AppendSignal(ctx context.Context, signal models.WorkflowSignal) (int64, error)
	ListPendingSignals(ctx context.Context, workflowID string) ([]models.WorkflowSignal, error)
	MarkSignalsProcessed(ctx context.Context, ids []int64, at time.Time) error

	// Execution log operations
	SaveExecutionLog(ctx context.Context, log models.ExecutionLog) error
	ListExecutionLogs(ctx context.Context, workflowID string) ([]models.ExecutionLog, error)
}
