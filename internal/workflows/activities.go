package workflows

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/h-amg/job-tracker/pkg/clock"
	"github.com/h-amg/job-tracker/pkg/models"
	"github.com/h-amg/job-tracker/pkg/service"
	"github.com/h-amg/job-tracker/pkg/storage"
	"github.com/pkg/errors"
)

// BlobStore stores generated and uploaded documents.
type BlobStore interface {
	Put(ctx context.Context, name string, data []byte, contentType string) (string, error)
	Get(ctx context.Context, url string) ([]byte, error)
}

// TextGenerator produces free text from a prompt. Implementations retry on
// their own.
type TextGenerator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// TextExtractor turns a document into plain text.
type TextExtractor interface {
	ExtractText(ctx context.Context, data []byte, filename string) (string, error)
}

// Activities are the side effects workflows run on the worker pool. Every
// activity is safe to run more than once.
type Activities struct {
	store     storage.Store
	blobs     BlobStore
	generator TextGenerator
	extractor TextExtractor
	clock     clock.Clock
	logger    service.Logger
}

func NewActivities(store storage.Store, blobs BlobStore, generator TextGenerator, extractor TextExtractor,
	clk clock.Clock, logger service.Logger) *Activities {
	return &Activities{
		store:     store,
		blobs:     blobs,
		generator: generator,
		extractor: extractor,
		clock:     clk,
		logger:    logger,
	}
}

// ReminderDedupeKey identifies the reminder for one deadline of an application.
func ReminderDedupeKey(applicationID string, deadline time.Time) string {
	return fmt.Sprintf("deadline-reminder:%s:%d", applicationID, deadline.Unix())
}

// SendDeadlineReminder creates the deadline reminder notification. Repeated
// calls for the same deadline create it once.
func (a *Activities) SendDeadlineReminder(ctx context.Context, applicationID string, deadline time.Time) error {
	app, err := a.getApplication(ctx, applicationID)
	if err != nil {
		return err
	}
	key := ReminderDedupeKey(applicationID, deadline)
	created, err := a.store.CreateNotification(ctx, models.Notification{
		ApplicationID: applicationID,
		Type:          models.DeadlineReminderNotification,
		Title:         fmt.Sprintf("Deadline reached: %s at %s", app.Role, app.Company),
		Message: fmt.Sprintf("The application deadline for %s at %s was %s. It will be archived in %d days unless you update it.",
			app.Role, app.Company, deadline.UTC().Format("2006-01-02"), int(GracePeriod.Hours()/24)),
		Status:    models.CompletedNotificationStatus,
		DedupeKey: &key,
		Timestamp: a.clock.Now(),
	})
	if err != nil {
		return errors.Wrapf(err, "failed to create reminder for application %s", applicationID)
	}
	if !created {
		a.logger.Infof("Deadline reminder %s already sent", key)
	}
	return nil
}

// MirrorApplicationStatus writes a status into the application row and
// appends the matching timeline event, unless the row already has it.
func (a *Activities) MirrorApplicationStatus(ctx context.Context, applicationID string, status models.ApplicationStatus, note *string) error {
	changed, err := a.store.TransitionApplicationStatus(ctx, applicationID, status, note, a.clock.Now())
	if errors.Is(err, storage.ErrNotFound) {
		return service.NonRetryable(err)
	}
	if err != nil {
		return errors.Wrapf(err, "failed to set status %s on application %s", status, applicationID)
	}
	if !changed {
		a.logger.Infof("Application %s already has status %s", applicationID, status)
	}
	return nil
}

// ArchiveApplication moves the application to Archived.
func (a *Activities) ArchiveApplication(ctx context.Context, applicationID, note string) error {
	return a.MirrorApplicationStatus(ctx, applicationID, models.ArchivedApplicationStatus, &note)
}

// SetResumeExtractionStatus records the progress of the resume pipeline.
func (a *Activities) SetResumeExtractionStatus(ctx context.Context, applicationID string, status models.ProcessingStatus) error {
	return a.update(ctx, applicationID, models.ApplicationUpdate{ResumeExtractionStatus: &status})
}

// DownloadResume fetches the uploaded resume of an application.
func (a *Activities) DownloadResume(ctx context.Context, applicationID string) ([]byte, string, error) {
	app, err := a.getApplication(ctx, applicationID)
	if err != nil {
		return nil, "", err
	}
	if app.ResumeURL == nil || *app.ResumeURL == "" {
		return nil, "", service.NonRetryable(errors.Errorf("application %s has no resume", applicationID))
	}
	data, err := a.blobs.Get(ctx, *app.ResumeURL)
	if err != nil {
		return nil, "", errors.Wrapf(err, "failed to download resume of application %s", applicationID)
	}
	return data, path.Base(*app.ResumeURL), nil
}

func (a *Activities) ExtractResumeText(ctx context.Context, data []byte, filename string) (string, error) {
	text, err := a.extractor.ExtractText(ctx, data, filename)
	if err != nil {
		return "", errors.Wrapf(err, "failed to extract text from %s", filename)
	}
	return text, nil
}

// SaveResumeText persists extracted text and completes the extraction.
func (a *Activities) SaveResumeText(ctx context.Context, applicationID, text string) error {
	completed := models.CompletedProcessingStatus
	return a.update(ctx, applicationID, models.ApplicationUpdate{
		ResumeText:             &text,
		ResumeExtractionStatus: &completed,
	})
}

func (a *Activities) SetCoverLetterStatus(ctx context.Context, applicationID string, status models.ProcessingStatus) error {
	return a.update(ctx, applicationID, models.ApplicationUpdate{CoverLetterGenerationStatus: &status})
}

// LoadCoverLetterInput reads the application and the optional user profile.
func (a *Activities) LoadCoverLetterInput(ctx context.Context, applicationID string) (models.Application, models.UserProfile, error) {
	app, err := a.getApplication(ctx, applicationID)
	if err != nil {
		return models.Application{}, models.UserProfile{}, err
	}
	profile, err := a.store.GetUserProfile(ctx)
	if err != nil {
		return models.Application{}, models.UserProfile{}, errors.Wrap(err, "failed to load user profile")
	}
	return app, profile, nil
}

func (a *Activities) GenerateCoverLetter(ctx context.Context, prompt string) (string, error) {
	text, err := a.generator.Generate(ctx, prompt)
	if err != nil {
		return "", errors.Wrap(err, "failed to generate cover letter")
	}
	return text, nil
}

// UploadCoverLetter stores the letter under a name derived from the
// application, so a retried upload overwrites rather than duplicates.
func (a *Activities) UploadCoverLetter(ctx context.Context, applicationID, text string) (string, error) {
	url, err := a.blobs.Put(ctx, fmt.Sprintf("cover-letters/%s.txt", applicationID), []byte(text), "text/plain; charset=utf-8")
	if err != nil {
		return "", errors.Wrapf(err, "failed to upload cover letter of application %s", applicationID)
	}
	return url, nil
}

// SaveCoverLetter persists the letter URL and completes the generation.
func (a *Activities) SaveCoverLetter(ctx context.Context, applicationID, url string) error {
	completed := models.CompletedProcessingStatus
	return a.update(ctx, applicationID, models.ApplicationUpdate{
		CoverLetterURL:              &url,
		CoverLetterGenerationStatus: &completed,
	})
}

// NotifyCoverLetter reports the outcome of cover letter generation once per
// application and outcome.
func (a *Activities) NotifyCoverLetter(ctx context.Context, applicationID string, genErr error) error {
	n := models.Notification{
		ApplicationID: applicationID,
		Type:          models.CoverLetterGeneratedNotification,
		Timestamp:     a.clock.Now(),
	}
	if genErr == nil {
		n.Title = "Cover letter ready"
		n.Message = "Your cover letter has been generated."
		n.Status = models.CompletedNotificationStatus
	} else {
		n.Title = "Cover letter generation failed"
		n.Message = fmt.Sprintf("We could not generate your cover letter: %v", genErr)
		n.Status = models.FailedNotificationStatus
	}
	key := fmt.Sprintf("cover-letter:%s:%s", applicationID, n.Status)
	n.DedupeKey = &key
	if _, err := a.store.CreateNotification(ctx, n); err != nil {
		return errors.Wrapf(err, "failed to notify cover letter of application %s", applicationID)
	}
	return nil
}

func (a *Activities) getApplication(ctx context.Context, applicationID string) (models.Application, error) {
	app, err := a.store.GetApplication(ctx, applicationID)
	if errors.Is(err, storage.ErrNotFound) {
		return models.Application{}, service.NonRetryable(err)
	}
	if err != nil {
		return models.Application{}, errors.Wrapf(err, "failed to load application %s", applicationID)
	}
	return app, nil
}

func (a *Activities) update(ctx context.Context, applicationID string, upd models.ApplicationUpdate) error {
	err := a.store.UpdateApplication(ctx, applicationID, upd, a.clock.Now())
	if errors.Is(err, storage.ErrNotFound) {
		return service.NonRetryable(err)
	}
	return errors.Wrapf(err, "failed to update application %s", applicationID)
}
