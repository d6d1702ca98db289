package storage_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/h-amg/job-tracker/pkg/models"
	"github.com/h-amg/job-tracker/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newApplication(id string, at time.Time) models.Application {
	return models.Application{
		ID:                          id,
		Company:                     "Acme",
		Role:                        "Engineer",
		JobDescription:              "Build things",
		Status:                      models.ActiveApplicationStatus,
		Deadline:                    at.Add(10 * 24 * time.Hour),
		OriginalDeadline:            at.Add(10 * 24 * time.Hour),
		ResumeExtractionStatus:      models.PendingProcessingStatus,
		CoverLetterGenerationStatus: models.PendingProcessingStatus,
		CreatedAt:                   at,
		UpdatedAt:                   at,
	}
}

func TestMemoryStore_Applications(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("CreateGetAndDuplicate", func(t *testing.T) {
		store := storage.NewMemoryStore()
		require.NoError(t, store.CreateApplication(ctx, newApplication("app-1", now)))
		err := store.CreateApplication(ctx, newApplication("app-1", now))
		assert.ErrorIs(t, err, storage.ErrAlreadyExists)

		app, err := store.GetApplication(ctx, "app-1")
		require.NoError(t, err)
		assert.Equal(t, "Acme", app.Company)

		_, err = store.GetApplication(ctx, "missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("UpdateKeepsOriginalDeadline", func(t *testing.T) {
		store := storage.NewMemoryStore()
		require.NoError(t, store.CreateApplication(ctx, newApplication("app-1", now)))
		newDeadline := now.Add(20 * 24 * time.Hour)
		notes := "called recruiter"
		require.NoError(t, store.UpdateApplication(ctx, "app-1", models.ApplicationUpdate{
			Deadline: &newDeadline,
			Notes:    &notes,
		}, now.Add(time.Hour)))

		app, err := store.GetApplication(ctx, "app-1")
		require.NoError(t, err)
		assert.Equal(t, newDeadline, app.Deadline)
		assert.Equal(t, now.Add(10*24*time.Hour), app.OriginalDeadline)
		assert.Equal(t, "called recruiter", *app.Notes)
		assert.Equal(t, now.Add(time.Hour), app.UpdatedAt)

		err = store.UpdateApplication(ctx, "missing", models.ApplicationUpdate{Notes: &notes}, now)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("TransitionIsCompareAndSet", func(t *testing.T) {
		store := storage.NewMemoryStore()
		require.NoError(t, store.CreateApplication(ctx, newApplication("app-1", now)))

		changed, err := store.TransitionApplicationStatus(ctx, "app-1", models.RejectedApplicationStatus, nil, now)
		require.NoError(t, err)
		assert.True(t, changed)
		changed, err = store.TransitionApplicationStatus(ctx, "app-1", models.RejectedApplicationStatus, nil, now)
		require.NoError(t, err)
		assert.False(t, changed)

		events, err := store.ListTimelineEvents(ctx, "app-1")
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, models.RejectedApplicationStatus, events[0].Status)
	})

	t.Run("ListFilterByStatus", func(t *testing.T) {
		store := storage.NewMemoryStore()
		require.NoError(t, store.CreateApplication(ctx, newApplication("app-1", now)))
		require.NoError(t, store.CreateApplication(ctx, newApplication("app-2", now.Add(time.Minute))))
		_, err := store.TransitionApplicationStatus(ctx, "app-1", models.ArchivedApplicationStatus, nil, now)
		require.NoError(t, err)

		all, err := store.ListApplications(ctx, storage.ApplicationFilter{})
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "app-2", all[0].ID)

		archived := models.ArchivedApplicationStatus
		filtered, err := store.ListApplications(ctx, storage.ApplicationFilter{Status: &archived})
		require.NoError(t, err)
		require.Len(t, filtered, 1)
		assert.Equal(t, "app-1", filtered[0].ID)
	})

	t.Run("DeleteCascades", func(t *testing.T) {
		store := storage.NewMemoryStore()
		require.NoError(t, store.CreateApplication(ctx, newApplication("app-1", now)))
		require.NoError(t, store.AppendTimelineEvent(ctx, models.TimelineEvent{ApplicationID: "app-1", Status: models.ActiveApplicationStatus, Timestamp: now}))
		_, err := store.CreateNotification(ctx, models.Notification{ApplicationID: "app-1", Type: models.StatusUpdateNotification, Timestamp: now})
		require.NoError(t, err)

		require.NoError(t, store.DeleteApplication(ctx, "app-1"))
		events, _ := store.ListTimelineEvents(ctx, "app-1")
		assert.Empty(t, events)
		ns, _ := store.ListNotifications(ctx, "app-1")
		assert.Empty(t, ns)
		assert.ErrorIs(t, store.DeleteApplication(ctx, "app-1"), storage.ErrNotFound)
	})
}

func TestMemoryStore_Notifications(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	store := storage.NewMemoryStore()
	require.NoError(t, store.CreateApplication(ctx, newApplication("app-1", now)))

	key := "deadline-reminder:app-1:1"
	created, err := store.CreateNotification(ctx, models.Notification{ApplicationID: "app-1", Type: models.DeadlineReminderNotification, DedupeKey: &key, Timestamp: now})
	require.NoError(t, err)
	assert.True(t, created)
	created, err = store.CreateNotification(ctx, models.Notification{ApplicationID: "app-1", Type: models.DeadlineReminderNotification, DedupeKey: &key, Timestamp: now})
	require.NoError(t, err)
	assert.False(t, created)

	ns, err := store.ListNotifications(ctx, "")
	require.NoError(t, err)
	require.Len(t, ns, 1)
	assert.False(t, ns[0].Read)

	require.NoError(t, store.MarkNotificationRead(ctx, ns[0].ID))
	ns, _ = store.ListNotifications(ctx, "app-1")
	assert.True(t, ns[0].Read)
	assert.ErrorIs(t, store.MarkNotificationRead(ctx, "missing"), storage.ErrNotFound)
}

func TestMemoryStore_WorkflowRuns(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("SignalsAckedWithCheckpoint", func(t *testing.T) {
		store := storage.NewMemoryStore()
		require.NoError(t, store.CreateWorkflowRun(ctx, models.WorkflowRun{ID: "wf-1", Name: "lifecycle", Status: models.RunningRunStatus, CreatedAt: now}))
		assert.ErrorIs(t, store.CreateWorkflowRun(ctx, models.WorkflowRun{ID: "wf-1"}), storage.ErrAlreadyExists)

		id1, err := store.AppendSignal(ctx, models.WorkflowSignal{WorkflowID: "wf-1", Name: "a", ReceivedAt: now})
		require.NoError(t, err)
		id2, err := store.AppendSignal(ctx, models.WorkflowSignal{WorkflowID: "wf-1", Name: "b", ReceivedAt: now})
		require.NoError(t, err)
		assert.Greater(t, id2, id1)

		tx, err := store.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, tx.SaveWorkflowState(ctx, "wf-1", json.RawMessage(`{"n":1}`), now))
		require.NoError(t, tx.MarkSignalsProcessed(ctx, []int64{id1}, now))
		require.NoError(t, tx.Commit())

		pending, err := store.ListPendingSignals(ctx, "wf-1")
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, "b", pending[0].Name)

		run, err := store.GetWorkflowRun(ctx, "wf-1")
		require.NoError(t, err)
		assert.JSONEq(t, `{"n":1}`, string(run.State))
	})

	t.Run("RollbackUndoesWrites", func(t *testing.T) {
		store := storage.NewMemoryStore()
		require.NoError(t, store.CreateWorkflowRun(ctx, models.WorkflowRun{ID: "wf-1", Status: models.RunningRunStatus, CreatedAt: now}))
		id, err := store.AppendSignal(ctx, models.WorkflowSignal{WorkflowID: "wf-1", Name: "a", ReceivedAt: now})
		require.NoError(t, err)

		tx, err := store.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, tx.SaveWorkflowState(ctx, "wf-1", json.RawMessage(`{"n":2}`), now))
		require.NoError(t, tx.MarkSignalsProcessed(ctx, []int64{id}, now))
		require.NoError(t, tx.CompleteWorkflowRun(ctx, "wf-1", models.CompletedRunStatus, "", now))
		require.NoError(t, tx.Rollback())

		run, err := store.GetWorkflowRun(ctx, "wf-1")
		require.NoError(t, err)
		assert.Equal(t, models.RunningRunStatus, run.Status)
		assert.Nil(t, run.State)
		pending, _ := store.ListPendingSignals(ctx, "wf-1")
		assert.Len(t, pending, 1)

		assert.Error(t, tx.Commit())
	})

	t.Run("ListByStatus", func(t *testing.T) {
		store := storage.NewMemoryStore()
		require.NoError(t, store.CreateWorkflowRun(ctx, models.WorkflowRun{ID: "wf-1", Status: models.RunningRunStatus, CreatedAt: now}))
		require.NoError(t, store.CreateWorkflowRun(ctx, models.WorkflowRun{ID: "wf-2", Status: models.RunningRunStatus, CreatedAt: now.Add(time.Second)}))
		require.NoError(t, store.CompleteWorkflowRun(ctx, "wf-2", models.FailedRunStatus, "boom", now))

		running := models.RunningRunStatus
		runs, err := store.ListWorkflowRuns(ctx, &running)
		require.NoError(t, err)
		require.Len(t, runs, 1)
		assert.Equal(t, "wf-1", runs[0].ID)

		runs, err = store.ListWorkflowRuns(ctx, nil)
		require.NoError(t, err)
		assert.Len(t, runs, 2)
		assert.Equal(t, "boom", runs[1].ErrorMsg)
		assert.NotNil(t, runs[1].CompletedAt)
	})

	t.Run("ExecutionLogs", func(t *testing.T) {
		store := storage.NewMemoryStore()
		require.NoError(t, store.SaveExecutionLog(ctx, models.ExecutionLog{WorkflowID: "wf-1", Activity: "send", Attempt: 1, Status: models.FailedAttemptStatus, LoggedAt: now}))
		require.NoError(t, store.SaveExecutionLog(ctx, models.ExecutionLog{WorkflowID: "wf-1", Activity: "send", Attempt: 2, Status: models.CompletedAttemptStatus, LoggedAt: now}))
		logs, err := store.ListExecutionLogs(ctx, "wf-1")
		require.NoError(t, err)
		require.Len(t, logs, 2)
		assert.Equal(t, 2, logs[1].Attempt)
	})
}

func TestMemoryStore_Profile(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()

	profile, err := store.GetUserProfile(ctx)
	require.NoError(t, err)
	assert.Nil(t, profile.Name)

	name := "Ada"
	require.NoError(t, store.SaveUserProfile(ctx, models.UserProfile{Name: &name}))
	profile, err = store.GetUserProfile(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Ada", *profile.Name)
}
