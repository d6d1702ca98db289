package workflows

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/h-amg/job-tracker/pkg/models"
	"github.com/h-amg/job-tracker/pkg/service"
	"github.com/pkg/errors"
)

const (
	LifecycleWorkflow = "applicationLifecycle"

	UpdateStatusSignal   = "updateStatus"
	ExtendDeadlineSignal = "extendDeadline"
	CancelWorkflowSignal = "cancelWorkflow"

	GetWorkflowStateQuery = "getWorkflowState"

	// GracePeriod is how long an application stays open after its deadline
	// reminder before it is archived.
	GracePeriod = 3 * 24 * time.Hour
)

// LifecycleInput starts an application lifecycle workflow.
type LifecycleInput struct {
	ApplicationID string `json:"applicationId"`
	Deadline      string `json:"deadline"`
}

// lifecycle drives one application from creation to archival. It is
// re-entered from its last checkpoint after a restart.
type lifecycle struct {
	wctx  *service.Context
	acts  *Activities
	state models.LifecycleState

	mu       sync.RWMutex
	snapshot models.LifecycleState
}

func lifecycleWorkflow(acts *Activities) service.WorkflowFunc {
	return func(wctx *service.Context, input json.RawMessage) error {
		var in LifecycleInput
		if err := json.Unmarshal(input, &in); err != nil {
			return errors.Wrap(err, "failed to decode lifecycle input")
		}
		deadline, err := ParseDeadline(in.Deadline)
		if err != nil {
			return err
		}

		lc := &lifecycle{wctx: wctx, acts: acts}
		restored, err := wctx.State(&lc.state)
		if err != nil {
			return err
		}
		if !restored {
			now := wctx.Now()
			lc.state = models.LifecycleState{
				ApplicationID:    in.ApplicationID,
				Status:           models.CreatedLifecycleStatus,
				Deadline:         deadline,
				OriginalDeadline: deadline,
				CreatedAt:        now,
				UpdatedAt:        now,
			}
		}
		lc.publish()
		wctx.SetQueryHandler(GetWorkflowStateQuery, func() (interface{}, error) {
			lc.mu.RLock()
			defer lc.mu.RUnlock()
			return lc.snapshot, nil
		})

		if err := lc.run(); err != nil {
			if wctx.Context().Err() == nil {
				lc.archiveOnFailure(err)
			}
			return err
		}
		return nil
	}
}

func (lc *lifecycle) run() error {
	if lc.state.Status == models.CreatedLifecycleStatus {
		lc.state.Status = models.ActiveLifecycleStatus
		if err := lc.save(); err != nil {
			return err
		}
	}

	for {
		switch lc.state.Status {
		case models.ActiveLifecycleStatus:
			var until time.Time
			if lc.state.RemindersArmed() {
				until = lc.state.Deadline
			}
			fired, done, err := lc.wait(until)
			if err != nil || done {
				return err
			}
			if !fired || lc.state.Status != models.ActiveLifecycleStatus || !lc.state.RemindersArmed() {
				continue
			}
			lc.state.Status = models.RemindLifecycleStatus
			if err := lc.save(); err != nil {
				return err
			}

		case models.RemindLifecycleStatus:
			if err := lc.sendReminder(); err != nil {
				return err
			}
			graceEnd := lc.state.Deadline.Add(GracePeriod)
			lc.state.GracePeriodEnd = &graceEnd
			lc.state.Status = models.GracePeriodLifecycleStatus
			if err := lc.save(); err != nil {
				return err
			}

		case models.GracePeriodLifecycleStatus:
			var until time.Time
			if lc.state.RemindersArmed() && lc.state.GracePeriodEnd != nil {
				until = *lc.state.GracePeriodEnd
			}
			fired, done, err := lc.wait(until)
			if err != nil || done {
				return err
			}
			if !fired || lc.state.Status != models.GracePeriodLifecycleStatus || !lc.state.RemindersArmed() {
				continue
			}
			return lc.archive()

		default:
			return nil
		}
	}
}

// wait suspends until the timer at until fires or a signal arrives. A signal
// that is queued when the timer fires is handled first, and fired is then
// false so the caller re-evaluates the state. done reports that a signal
// ended the workflow.
func (lc *lifecycle) wait(until time.Time) (fired, done bool, err error) {
	sig, err := lc.wctx.Await(until)
	if err != nil {
		return false, false, err
	}
	if sig == nil {
		// The timer fired; drain a signal that raced it.
		if sig, err = lc.wctx.Await(lc.wctx.Now()); err != nil {
			return false, false, err
		}
		if sig == nil {
			return true, false, nil
		}
	}
	done, err = lc.handleSignal(sig)
	return false, done, err
}

func (lc *lifecycle) handleSignal(sig *models.WorkflowSignal) (bool, error) {
	logger := lc.wctx.Logger()
	switch sig.Name {
	case UpdateStatusSignal:
		var payload models.UpdateStatusSignal
		if err := sig.Decode(&payload); err != nil {
			logger.Warnf("Workflow %s ignored malformed %s signal: %v", lc.wctx.WorkflowID(), sig.Name, err)
			return false, lc.save()
		}
		status, err := models.ParseApplicationStatus(payload.Status)
		if err != nil {
			logger.Warnf("Workflow %s ignored %s signal: %v", lc.wctx.WorkflowID(), sig.Name, err)
			return false, lc.save()
		}
		return lc.updateStatus(status, payload.Notes)

	case ExtendDeadlineSignal:
		var payload models.ExtendDeadlineSignal
		if err := sig.Decode(&payload); err != nil || payload.Days <= 0 {
			logger.Warnf("Workflow %s ignored %s signal with payload %s", lc.wctx.WorkflowID(), sig.Name, string(sig.Payload))
			return false, lc.save()
		}
		lc.extendDeadline(payload.Days)
		return false, lc.save()

	case CancelWorkflowSignal:
		var payload models.CancelWorkflowSignal
		if err := sig.Decode(&payload); err != nil {
			logger.Warnf("Workflow %s received malformed %s payload: %v", lc.wctx.WorkflowID(), sig.Name, err)
		}
		reason := "no reason given"
		if payload.Reason != nil {
			reason = *payload.Reason
		}
		logger.Infof("Workflow %s cancelled: %s", lc.wctx.WorkflowID(), reason)
		lc.state.Cancelled = true
		lc.state.Status = models.ArchivedLifecycleStatus
		lc.state.UpdatedAt = lc.wctx.Now()
		return true, lc.save()

	default:
		logger.Warnf("Workflow %s ignored unknown signal %s", lc.wctx.WorkflowID(), sig.Name)
		return false, lc.save()
	}
}

// updateStatus mirrors a user status into the application row. Terminal
// statuses end the workflow; any other status cancels a pending reminder or
// grace period.
func (lc *lifecycle) updateStatus(status models.ApplicationStatus, notes *string) (bool, error) {
	lc.state.LastStatusUpdate = &status
	lc.state.LastStatusNotes = notes
	lc.state.UpdatedAt = lc.wctx.Now()

	appID := lc.state.ApplicationID
	err := lc.wctx.ExecuteActivity("MirrorApplicationStatus", func(ctx context.Context) error {
		return lc.acts.MirrorApplicationStatus(ctx, appID, status, notes)
	})
	if err != nil {
		return false, errors.Wrapf(err, "failed to mirror status %s", status)
	}

	if status.IsTerminal() || status == models.ArchivedApplicationStatus {
		lc.state.Status = models.ArchivedLifecycleStatus
		return true, lc.save()
	}
	if lc.state.Status == models.GracePeriodLifecycleStatus || lc.state.Status == models.RemindLifecycleStatus {
		lc.state.Status = models.ActiveLifecycleStatus
		lc.state.GracePeriodEnd = nil
	}
	return false, lc.save()
}

// extendDeadline moves the deadline forward from its current value. An
// extension past now reopens an application that is already in its grace
// period.
func (lc *lifecycle) extendDeadline(days int) {
	now := lc.wctx.Now()
	lc.state.Deadline = lc.state.Deadline.Add(time.Duration(days) * 24 * time.Hour)
	lc.state.UpdatedAt = now
	if lc.state.Status == models.GracePeriodLifecycleStatus && lc.state.Deadline.After(now) {
		lc.state.Status = models.ActiveLifecycleStatus
		lc.state.GracePeriodEnd = nil
	}
}

func (lc *lifecycle) sendReminder() error {
	appID, deadline := lc.state.ApplicationID, lc.state.Deadline
	err := lc.wctx.ExecuteActivity("SendDeadlineReminder", func(ctx context.Context) error {
		return lc.acts.SendDeadlineReminder(ctx, appID, deadline)
	})
	return errors.Wrap(err, "failed to send deadline reminder")
}

// archive is the timer-driven end of the lifecycle. A failed archive is
// logged and the workflow still terminates.
func (lc *lifecycle) archive() error {
	appID := lc.state.ApplicationID
	err := lc.wctx.ExecuteActivity("ArchiveApplication", func(ctx context.Context) error {
		return lc.acts.ArchiveApplication(ctx, appID, "Archived after the grace period ended")
	})
	if err != nil {
		lc.wctx.Logger().Errorf("Workflow %s failed to archive application %s: %v", lc.wctx.WorkflowID(), appID, err)
	}
	lc.state.Status = models.ArchivedLifecycleStatus
	lc.state.UpdatedAt = lc.wctx.Now()
	return lc.save()
}

// archiveOnFailure makes one archival attempt before a failed workflow ends
// so the application row does not stay open forever.
func (lc *lifecycle) archiveOnFailure(cause error) {
	appID := lc.state.ApplicationID
	err := lc.wctx.ExecuteActivity("ArchiveApplication", func(ctx context.Context) error {
		return lc.acts.ArchiveApplication(ctx, appID, "Archived after the lifecycle workflow failed: "+cause.Error())
	}, models.WithMaxAttempts(1))
	if err != nil {
		lc.wctx.Logger().Errorf("Workflow %s failed best-effort archive of application %s: %v", lc.wctx.WorkflowID(), appID, err)
	}
}

// save checkpoints the state and publishes it to queries.
func (lc *lifecycle) save() error {
	if err := lc.wctx.Checkpoint(lc.state); err != nil {
		return err
	}
	lc.publish()
	return nil
}

func (lc *lifecycle) publish() {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.snapshot = lc.state
}
