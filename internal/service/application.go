package service

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/h-amg/job-tracker/internal/log"
	"github.com/h-amg/job-tracker/internal/workflows"
	"github.com/h-amg/job-tracker/pkg/clock"
	"github.com/h-amg/job-tracker/pkg/models"
	wfservice "github.com/h-amg/job-tracker/pkg/service"
	"github.com/h-amg/job-tracker/pkg/storage"
	"github.com/pkg/errors"
)

var (
	ErrValidation = errors.New("validation failed")
	ErrNoWorkflow = errors.New("application has no workflow")
)

// LifecycleClient is the workflow surface the application service drives.
type LifecycleClient interface {
	StartLifecycle(ctx context.Context, applicationID string, deadline time.Time) (*wfservice.Handle, error)
	StartResumeExtraction(ctx context.Context, applicationID string) (*wfservice.Handle, error)
	UpdateStatus(ctx context.Context, workflowID string, status models.ApplicationStatus, notes *string) (bool, error)
	ExtendDeadline(ctx context.Context, workflowID string, days int) (bool, error)
	Cancel(ctx context.Context, workflowID string, reason *string) (bool, error)
	GetState(ctx context.Context, workflowID string) (models.LifecycleState, error)
	Exists(ctx context.Context, workflowID string) (bool, error)
}

type CreateApplicationInput struct {
	Company        string     `json:"company"`
	Role           string     `json:"role"`
	JobDescription string     `json:"jobDescription"`
	Deadline       string     `json:"deadline"`
	ResumeURL      *string    `json:"resumeUrl,omitempty"`
	Notes          *string    `json:"notes,omitempty"`
	InterviewDate  *time.Time `json:"interviewDate,omitempty"`
}

// UpdateApplicationInput edits descriptive fields. Status and deadline
// changes go through UpdateStatus and ExtendDeadline so the lifecycle
// workflow sees them.
type UpdateApplicationInput struct {
	Company        *string    `json:"company,omitempty"`
	Role           *string    `json:"role,omitempty"`
	JobDescription *string    `json:"jobDescription,omitempty"`
	Notes          *string    `json:"notes,omitempty"`
	InterviewDate  *time.Time `json:"interviewDate,omitempty"`
}

// ApplicationService owns application rows and keeps their lifecycle
// workflows informed. The workflow pointer on a row is only a hint: a
// pointer whose run is gone is cleared, never reported as a failure.
type ApplicationService struct {
	store     storage.Store
	workflows LifecycleClient
	clock     clock.Clock
}

func NewApplicationService(store storage.Store, workflows LifecycleClient, clk clock.Clock) *ApplicationService {
	return &ApplicationService{store: store, workflows: workflows, clock: clk}
}

// CreateApplication stores the application and starts its workflows. A
// workflow that fails to start is logged and does not fail the creation.
func (s *ApplicationService) CreateApplication(ctx context.Context, in CreateApplicationInput) (models.Application, error) {
	in.Company, in.Role = strings.TrimSpace(in.Company), strings.TrimSpace(in.Role)
	if in.Company == "" || in.Role == "" {
		return models.Application{}, errors.Wrap(ErrValidation, "company and role are required")
	}
	if len(in.Company) > 200 || len(in.Role) > 200 {
		return models.Application{}, errors.Wrap(ErrValidation, "company and role are limited to 200 characters")
	}
	deadline, err := workflows.ParseDeadline(in.Deadline)
	if err != nil {
		return models.Application{}, errors.Wrap(ErrValidation, err.Error())
	}

	now := s.clock.Now()
	app := models.Application{
		ID:                          newID(),
		Company:                     in.Company,
		Role:                        in.Role,
		JobDescription:              in.JobDescription,
		ResumeURL:                   in.ResumeURL,
		Status:                      models.ActiveApplicationStatus,
		Deadline:                    deadline,
		OriginalDeadline:            deadline,
		Notes:                       in.Notes,
		InterviewDate:               in.InterviewDate,
		ResumeExtractionStatus:      models.PendingProcessingStatus,
		CoverLetterGenerationStatus: models.PendingProcessingStatus,
		CreatedAt:                   now,
		UpdatedAt:                   now,
	}
	note := "Application created"
	err = s.withTx(ctx, func(tx storage.Store) error {
		if err := tx.CreateApplication(ctx, app); err != nil {
			return err
		}
		return tx.AppendTimelineEvent(ctx, models.TimelineEvent{
			ApplicationID: app.ID,
			Status:        app.Status,
			Note:          &note,
			Timestamp:     now,
		})
	})
	if err != nil {
		return models.Application{}, err
	}
	log.GetLogger().Infof("Created application %s (%s at %s)", app.ID, app.Role, app.Company)

	handle, err := s.workflows.StartLifecycle(ctx, app.ID, deadline)
	if err != nil {
		log.GetLogger().Errorf("Failed to start lifecycle workflow for application %s: %v", app.ID, err)
	} else {
		if err := s.store.SetWorkflowID(ctx, app.ID, &handle.ID); err != nil {
			log.GetLogger().Errorf("Failed to record workflow %s on application %s: %v", handle.ID, app.ID, err)
		} else {
			app.WorkflowID = &handle.ID
		}
	}

	if app.HasResumePipelineInput() {
		if _, err := s.workflows.StartResumeExtraction(ctx, app.ID); err != nil {
			log.GetLogger().Errorf("Failed to start resume extraction for application %s: %v", app.ID, err)
		}
	}
	return app, nil
}

func (s *ApplicationService) GetApplication(ctx context.Context, id string) (models.Application, error) {
	return s.store.GetApplication(ctx, id)
}

func (s *ApplicationService) ListApplications(ctx context.Context, status string) ([]models.Application, error) {
	var filter storage.ApplicationFilter
	if status != "" {
		parsed, err := models.ParseApplicationStatus(status)
		if err != nil {
			return nil, errors.Wrap(ErrValidation, err.Error())
		}
		filter.Status = &parsed
	}
	return s.store.ListApplications(ctx, filter)
}

func (s *ApplicationService) UpdateApplication(ctx context.Context, id string, in UpdateApplicationInput) (models.Application, error) {
	upd := models.ApplicationUpdate{
		Company:        in.Company,
		Role:           in.Role,
		JobDescription: in.JobDescription,
		Notes:          in.Notes,
		InterviewDate:  in.InterviewDate,
	}
	if (in.Company != nil && strings.TrimSpace(*in.Company) == "") || (in.Role != nil && strings.TrimSpace(*in.Role) == "") {
		return models.Application{}, errors.Wrap(ErrValidation, "company and role cannot be empty")
	}
	if upd.IsEmpty() {
		return models.Application{}, errors.Wrap(ErrValidation, "no fields to update")
	}
	if err := s.store.UpdateApplication(ctx, id, upd, s.clock.Now()); err != nil {
		return models.Application{}, err
	}
	return s.store.GetApplication(ctx, id)
}

// UpdateStatus persists the status first, then tells the workflow. Signal
// failures are logged; the status change stands.
func (s *ApplicationService) UpdateStatus(ctx context.Context, id, status string, notes *string) (models.Application, error) {
	parsed, err := models.ParseApplicationStatus(status)
	if err != nil {
		return models.Application{}, errors.Wrap(ErrValidation, err.Error())
	}
	if parsed == models.ArchivedApplicationStatus {
		return s.ArchiveApplication(ctx, id, notes)
	}
	if _, err := s.store.TransitionApplicationStatus(ctx, id, parsed, notes, s.clock.Now()); err != nil {
		return models.Application{}, err
	}
	app, err := s.store.GetApplication(ctx, id)
	if err != nil {
		return models.Application{}, err
	}
	s.signal(ctx, &app, "updateStatus", func(workflowID string) (bool, error) {
		return s.workflows.UpdateStatus(ctx, workflowID, parsed, notes)
	})
	return app, nil
}

// ExtendDeadline moves the deadline forward by whole days from its current
// value.
func (s *ApplicationService) ExtendDeadline(ctx context.Context, id string, days int) (models.Application, error) {
	if days <= 0 {
		return models.Application{}, errors.Wrap(ErrValidation, "days must be positive")
	}
	app, err := s.store.GetApplication(ctx, id)
	if err != nil {
		return models.Application{}, err
	}
	deadline := app.Deadline.Add(time.Duration(days) * 24 * time.Hour)
	if err := s.store.UpdateApplication(ctx, id, models.ApplicationUpdate{Deadline: &deadline}, s.clock.Now()); err != nil {
		return models.Application{}, err
	}
	if app, err = s.store.GetApplication(ctx, id); err != nil {
		return models.Application{}, err
	}
	s.signal(ctx, &app, "extendDeadline", func(workflowID string) (bool, error) {
		return s.workflows.ExtendDeadline(ctx, workflowID, days)
	})
	return app, nil
}

// ArchiveApplication archives the row and cancels the workflow.
func (s *ApplicationService) ArchiveApplication(ctx context.Context, id string, reason *string) (models.Application, error) {
	if _, err := s.store.TransitionApplicationStatus(ctx, id, models.ArchivedApplicationStatus, reason, s.clock.Now()); err != nil {
		return models.Application{}, err
	}
	app, err := s.store.GetApplication(ctx, id)
	if err != nil {
		return models.Application{}, err
	}
	s.signal(ctx, &app, "cancelWorkflow", func(workflowID string) (bool, error) {
		return s.workflows.Cancel(ctx, workflowID, reason)
	})
	return app, nil
}

// DeleteApplication cancels the workflow and removes the application with
// its timeline and notifications.
func (s *ApplicationService) DeleteApplication(ctx context.Context, id string) error {
	app, err := s.store.GetApplication(ctx, id)
	if err != nil {
		return err
	}
	reason := "application deleted"
	s.signal(ctx, &app, "cancelWorkflow", func(workflowID string) (bool, error) {
		return s.workflows.Cancel(ctx, workflowID, &reason)
	})
	if err := s.store.DeleteApplication(ctx, id); err != nil {
		return err
	}
	log.GetLogger().Infof("Deleted application %s", id)
	return nil
}

// GetWorkflowState returns the lifecycle snapshot of the application. A
// pointer to a run that no longer exists is cleared and reported as
// ErrNoWorkflow.
func (s *ApplicationService) GetWorkflowState(ctx context.Context, id string) (models.LifecycleState, error) {
	app, err := s.store.GetApplication(ctx, id)
	if err != nil {
		return models.LifecycleState{}, err
	}
	if app.WorkflowID == nil {
		return models.LifecycleState{}, errors.Wrapf(ErrNoWorkflow, "application %s", id)
	}
	state, err := s.workflows.GetState(ctx, *app.WorkflowID)
	if errors.Is(err, wfservice.ErrWorkflowNotFound) {
		s.clearWorkflowID(ctx, &app)
		return models.LifecycleState{}, errors.Wrapf(ErrNoWorkflow, "application %s", id)
	}
	return state, err
}

func (s *ApplicationService) ListTimeline(ctx context.Context, id string) ([]models.TimelineEvent, error) {
	if _, err := s.store.GetApplication(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListTimelineEvents(ctx, id)
}

func (s *ApplicationService) ListNotifications(ctx context.Context, applicationID string) ([]models.Notification, error) {
	return s.store.ListNotifications(ctx, applicationID)
}

func (s *ApplicationService) MarkNotificationRead(ctx context.Context, id string) error {
	return s.store.MarkNotificationRead(ctx, id)
}

func (s *ApplicationService) GetUserProfile(ctx context.Context) (models.UserProfile, error) {
	return s.store.GetUserProfile(ctx)
}

func (s *ApplicationService) SaveUserProfile(ctx context.Context, profile models.UserProfile) (models.UserProfile, error) {
	profile.UpdatedAt = s.clock.Now()
	if err := s.store.SaveUserProfile(ctx, profile); err != nil {
		return models.UserProfile{}, err
	}
	return profile, nil
}

// signal sends one signal through the workflow pointer of app. A run that is
// gone clears the pointer. On a delivery error the pointer is cleared only
// when the run is confirmed finished.
func (s *ApplicationService) signal(ctx context.Context, app *models.Application, name string, send func(workflowID string) (bool, error)) {
	if app.WorkflowID == nil {
		log.GetLogger().Debugf("Application %s has no workflow, skipping %s", app.ID, name)
		return
	}
	delivered, err := send(*app.WorkflowID)
	if err != nil {
		log.GetLogger().Warnf("Failed to send %s to workflow %s: %v", name, *app.WorkflowID, err)
		if exists, existsErr := s.workflows.Exists(ctx, *app.WorkflowID); existsErr == nil && !exists {
			s.clearWorkflowID(ctx, app)
		}
		return
	}
	if !delivered {
		log.GetLogger().Warnf("Workflow %s of application %s no longer exists, clearing pointer", *app.WorkflowID, app.ID)
		s.clearWorkflowID(ctx, app)
	}
}

func (s *ApplicationService) clearWorkflowID(ctx context.Context, app *models.Application) {
	if err := s.store.SetWorkflowID(ctx, app.ID, nil); err != nil && !errors.Is(err, storage.ErrNotFound) {
		log.GetLogger().Warnf("Failed to clear workflow pointer of application %s: %v", app.ID, err)
		return
	}
	app.WorkflowID = nil
}

func (s *ApplicationService) withTx(ctx context.Context, fn func(tx storage.Store) error) (err error) {
	txStore, err := s.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				log.GetLogger().Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			log.GetLogger().Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()
	return fn(txStore)
}

func newID() string {
	return uuid.NewString()
}
