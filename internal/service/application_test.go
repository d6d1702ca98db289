package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/h-amg/job-tracker/internal/service"
	"github.com/h-amg/job-tracker/internal/workflows"
	"github.com/h-amg/job-tracker/pkg/clock"
	"github.com/h-amg/job-tracker/pkg/models"
	wfservice "github.com/h-amg/job-tracker/pkg/service"
	"github.com/h-amg/job-tracker/pkg/storage"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

type nopLogger struct{}

func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Warnf(string, ...interface{})  {}
func (nopLogger) Errorf(string, ...interface{}) {}

// newEngine wires the application service to a live workflow engine on a
// virtual clock.
func newEngine(t *testing.T) (*service.ApplicationService, storage.Store, *workflows.Client) {
	t.Helper()
	store := storage.NewMemoryStore()
	clk := clock.NewFake(now)
	engine := wfservice.NewWorkflowService(context.Background(), store, clk, nopLogger{}, wfservice.Config{})
	t.Cleanup(engine.Stop)
	acts := workflows.NewActivities(store, nil, nil, nil, clk, nopLogger{})
	require.NoError(t, workflows.Register(engine, acts))
	client := workflows.NewClient(engine)
	return service.NewApplicationService(store, client, clk), store, client
}

// fakeClient records calls and fails starts on demand.
type fakeClient struct {
	mu           sync.Mutex
	startErr     error
	gone         bool
	resumeStarts []string
}

func (f *fakeClient) StartLifecycle(ctx context.Context, applicationID string, deadline time.Time) (*wfservice.Handle, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	return &wfservice.Handle{ID: workflows.LifecycleWorkflowID(applicationID)}, nil
}

func (f *fakeClient) StartResumeExtraction(ctx context.Context, applicationID string) (*wfservice.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumeStarts = append(f.resumeStarts, applicationID)
	return &wfservice.Handle{ID: workflows.ResumeExtractionWorkflowID(applicationID)}, nil
}

func (f *fakeClient) UpdateStatus(context.Context, string, models.ApplicationStatus, *string) (bool, error) {
	return false, nil
}

func (f *fakeClient) ExtendDeadline(context.Context, string, int) (bool, error) {
	return false, errors.New("engine unavailable")
}

func (f *fakeClient) Cancel(context.Context, string, *string) (bool, error) {
	return false, nil
}

func (f *fakeClient) Exists(context.Context, string) (bool, error) {
	return !f.gone, nil
}

func (f *fakeClient) GetState(context.Context, string) (models.LifecycleState, error) {
	return models.LifecycleState{}, wfservice.ErrWorkflowNotFound
}

func validInput() service.CreateApplicationInput {
	return service.CreateApplicationInput{
		Company:        "Acme",
		Role:           "Engineer",
		JobDescription: "Build things",
		Deadline:       "2025-03-11",
	}
}

func lifecycleState(t *testing.T, svc *service.ApplicationService, id string) models.LifecycleState {
	state, _ := svc.GetWorkflowState(context.Background(), id)
	return state
}

func countTimeline(t *testing.T, store storage.Store, id string, status models.ApplicationStatus) int {
	events, err := store.ListTimelineEvents(context.Background(), id)
	require.NoError(t, err)
	n := 0
	for _, e := range events {
		if e.Status == status {
			n++
		}
	}
	return n
}

func TestApplicationService_Create(t *testing.T) {
	ctx := context.Background()

	t.Run("StartsLifecycle", func(t *testing.T) {
		svc, store, _ := newEngine(t)
		app, err := svc.CreateApplication(ctx, validInput())
		require.NoError(t, err)
		require.NotNil(t, app.WorkflowID)
		assert.Equal(t, workflows.LifecycleWorkflowID(app.ID), *app.WorkflowID)
		assert.Equal(t, models.ActiveApplicationStatus, app.Status)
		assert.True(t, time.Date(2025, 3, 11, 0, 0, 0, 0, time.UTC).Equal(app.OriginalDeadline))

		stored, err := store.GetApplication(ctx, app.ID)
		require.NoError(t, err)
		assert.Equal(t, app.WorkflowID, stored.WorkflowID)
		assert.Equal(t, 1, countTimeline(t, store, app.ID, models.ActiveApplicationStatus))

		require.Eventually(t, func() bool {
			return lifecycleState(t, svc, app.ID).Status == models.ActiveLifecycleStatus
		}, 2*time.Second, 5*time.Millisecond)
	})

	tests := []struct {
		name   string
		mutate func(*service.CreateApplicationInput)
	}{
		{"MissingCompany", func(in *service.CreateApplicationInput) { in.Company = "  " }},
		{"MissingRole", func(in *service.CreateApplicationInput) { in.Role = "" }},
		{"InvalidDeadline", func(in *service.CreateApplicationInput) { in.Deadline = "tomorrow-ish" }},
		{"MissingDeadline", func(in *service.CreateApplicationInput) { in.Deadline = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, store, _ := newEngine(t)
			in := validInput()
			tt.mutate(&in)
			_, err := svc.CreateApplication(ctx, in)
			assert.ErrorIs(t, err, service.ErrValidation)

			apps, err := store.ListApplications(ctx, storage.ApplicationFilter{})
			require.NoError(t, err)
			assert.Empty(t, apps)
			runs, err := store.ListWorkflowRuns(ctx, nil)
			require.NoError(t, err)
			assert.Empty(t, runs)
		})
	}

	t.Run("WorkflowStartFailureDoesNotBlock", func(t *testing.T) {
		store := storage.NewMemoryStore()
		svc := service.NewApplicationService(store, &fakeClient{startErr: errors.New("engine down")}, clock.NewFake(now))
		app, err := svc.CreateApplication(ctx, validInput())
		require.NoError(t, err)
		assert.Nil(t, app.WorkflowID)

		stored, err := store.GetApplication(ctx, app.ID)
		require.NoError(t, err)
		assert.Nil(t, stored.WorkflowID)
	})

	t.Run("ResumeExtractionOnlyWithResumeAndDescription", func(t *testing.T) {
		client := &fakeClient{}
		svc := service.NewApplicationService(storage.NewMemoryStore(), client, clock.NewFake(now))

		_, err := svc.CreateApplication(ctx, validInput())
		require.NoError(t, err)

		url := "file:///resumes/ada.pdf"
		in := validInput()
		in.ResumeURL = &url
		withResume, err := svc.CreateApplication(ctx, in)
		require.NoError(t, err)

		in.JobDescription = ""
		_, err = svc.CreateApplication(ctx, in)
		require.NoError(t, err)

		assert.Equal(t, []string{withResume.ID}, client.resumeStarts)
	})
}

func TestApplicationService_Signals(t *testing.T) {
	ctx := context.Background()

	t.Run("TerminalStatusEndsWorkflowAndClearsStalePointer", func(t *testing.T) {
		svc, store, client := newEngine(t)
		app, err := svc.CreateApplication(ctx, validInput())
		require.NoError(t, err)

		notes := "not a fit"
		updated, err := svc.UpdateStatus(ctx, app.ID, "Rejected", &notes)
		require.NoError(t, err)
		assert.Equal(t, models.RejectedApplicationStatus, updated.Status)
		require.Eventually(t, func() bool {
			exists, _ := client.Exists(ctx, *app.WorkflowID)
			return !exists
		}, 2*time.Second, 5*time.Millisecond)
		assert.Equal(t, 1, countTimeline(t, store, app.ID, models.RejectedApplicationStatus))

		// The run is gone: the next signal clears the pointer instead of failing.
		updated, err = svc.UpdateStatus(ctx, app.ID, "Interview", nil)
		require.NoError(t, err)
		assert.Nil(t, updated.WorkflowID)
		stored, err := store.GetApplication(ctx, app.ID)
		require.NoError(t, err)
		assert.Nil(t, stored.WorkflowID)
		assert.Equal(t, models.InterviewApplicationStatus, stored.Status)

		_, err = svc.GetWorkflowState(ctx, app.ID)
		assert.ErrorIs(t, err, service.ErrNoWorkflow)
	})

	t.Run("InvalidStatus", func(t *testing.T) {
		svc, _, _ := newEngine(t)
		app, err := svc.CreateApplication(ctx, validInput())
		require.NoError(t, err)
		_, err = svc.UpdateStatus(ctx, app.ID, "Ghosted", nil)
		assert.ErrorIs(t, err, service.ErrValidation)
	})

	t.Run("ExtendDeadline", func(t *testing.T) {
		svc, _, _ := newEngine(t)
		app, err := svc.CreateApplication(ctx, validInput())
		require.NoError(t, err)

		updated, err := svc.ExtendDeadline(ctx, app.ID, 7)
		require.NoError(t, err)
		expected := app.Deadline.Add(7 * 24 * time.Hour)
		assert.True(t, expected.Equal(updated.Deadline))
		assert.True(t, app.OriginalDeadline.Equal(updated.OriginalDeadline))
		require.Eventually(t, func() bool {
			return expected.Equal(lifecycleState(t, svc, app.ID).Deadline)
		}, 2*time.Second, 5*time.Millisecond)

		_, err = svc.ExtendDeadline(ctx, app.ID, 0)
		assert.ErrorIs(t, err, service.ErrValidation)
	})

	t.Run("SignalFailureKeepsChange", func(t *testing.T) {
		store := storage.NewMemoryStore()
		svc := service.NewApplicationService(store, &fakeClient{}, clock.NewFake(now))
		app, err := svc.CreateApplication(ctx, validInput())
		require.NoError(t, err)

		updated, err := svc.ExtendDeadline(ctx, app.ID, 2)
		require.NoError(t, err)
		assert.True(t, app.Deadline.Add(48*time.Hour).Equal(updated.Deadline))
		// A delivery error is not a missing run, so the pointer stays.
		assert.NotNil(t, updated.WorkflowID)
	})

	t.Run("SignalFailureOnFinishedRunClearsPointer", func(t *testing.T) {
		store := storage.NewMemoryStore()
		svc := service.NewApplicationService(store, &fakeClient{gone: true}, clock.NewFake(now))
		app, err := svc.CreateApplication(ctx, validInput())
		require.NoError(t, err)
		require.NotNil(t, app.WorkflowID)

		updated, err := svc.ExtendDeadline(ctx, app.ID, 1)
		require.NoError(t, err)
		assert.Nil(t, updated.WorkflowID)
		stored, err := store.GetApplication(ctx, app.ID)
		require.NoError(t, err)
		assert.Nil(t, stored.WorkflowID)
	})

	t.Run("ArchiveCancelsWorkflow", func(t *testing.T) {
		svc, store, _ := newEngine(t)
		app, err := svc.CreateApplication(ctx, validInput())
		require.NoError(t, err)

		reason := "position filled"
		archived, err := svc.ArchiveApplication(ctx, app.ID, &reason)
		require.NoError(t, err)
		assert.Equal(t, models.ArchivedApplicationStatus, archived.Status)
		require.Eventually(t, func() bool {
			return lifecycleState(t, svc, app.ID).Cancelled
		}, 2*time.Second, 5*time.Millisecond)
		assert.Equal(t, 1, countTimeline(t, store, app.ID, models.ArchivedApplicationStatus))

		// Archiving through a status update is the same operation.
		_, err = svc.UpdateStatus(ctx, app.ID, "Archived", nil)
		require.NoError(t, err)
		assert.Equal(t, 1, countTimeline(t, store, app.ID, models.ArchivedApplicationStatus))
	})

	t.Run("DeleteCancelsWorkflow", func(t *testing.T) {
		svc, store, client := newEngine(t)
		app, err := svc.CreateApplication(ctx, validInput())
		require.NoError(t, err)
		require.NoError(t, svc.DeleteApplication(ctx, app.ID))

		_, err = store.GetApplication(ctx, app.ID)
		assert.ErrorIs(t, err, storage.ErrNotFound)
		require.Eventually(t, func() bool {
			exists, _ := client.Exists(ctx, *app.WorkflowID)
			return !exists
		}, 2*time.Second, 5*time.Millisecond)
		assert.ErrorIs(t, svc.DeleteApplication(ctx, app.ID), storage.ErrNotFound)
	})

	t.Run("UnknownWorkflowPointerCleared", func(t *testing.T) {
		svc, store, _ := newEngine(t)
		app, err := svc.CreateApplication(ctx, validInput())
		require.NoError(t, err)
		ghost := "application-lifecycle-ghost"
		require.NoError(t, store.SetWorkflowID(ctx, app.ID, &ghost))

		_, err = svc.GetWorkflowState(ctx, app.ID)
		assert.ErrorIs(t, err, service.ErrNoWorkflow)
		stored, err := store.GetApplication(ctx, app.ID)
		require.NoError(t, err)
		assert.Nil(t, stored.WorkflowID)
	})
}

func TestApplicationService_Updates(t *testing.T) {
	ctx := context.Background()
	svc := service.NewApplicationService(storage.NewMemoryStore(), &fakeClient{}, clock.NewFake(now))
	app, err := svc.CreateApplication(ctx, validInput())
	require.NoError(t, err)

	notes := "referral from Bob"
	updated, err := svc.UpdateApplication(ctx, app.ID, service.UpdateApplicationInput{Notes: &notes})
	require.NoError(t, err)
	assert.Equal(t, &notes, updated.Notes)
	assert.Equal(t, "Acme", updated.Company)

	empty := " "
	_, err = svc.UpdateApplication(ctx, app.ID, service.UpdateApplicationInput{Company: &empty})
	assert.ErrorIs(t, err, service.ErrValidation)
	_, err = svc.UpdateApplication(ctx, app.ID, service.UpdateApplicationInput{})
	assert.ErrorIs(t, err, service.ErrValidation)
	_, err = svc.UpdateApplication(ctx, "missing", service.UpdateApplicationInput{Notes: &notes})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	apps, err := svc.ListApplications(ctx, "Active")
	require.NoError(t, err)
	assert.Len(t, apps, 1)
	apps, err = svc.ListApplications(ctx, "Offer")
	require.NoError(t, err)
	assert.Empty(t, apps)
	_, err = svc.ListApplications(ctx, "bogus")
	assert.ErrorIs(t, err, service.ErrValidation)

	name := "Ada"
	profile, err := svc.SaveUserProfile(ctx, models.UserProfile{Name: &name})
	require.NoError(t, err)
	assert.True(t, now.Equal(profile.UpdatedAt))
	got, err := svc.GetUserProfile(ctx)
	require.NoError(t, err)
	assert.Equal(t, &name, got.Name)
	assert.Nil(t, got.Email)
}
