package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/h-amg/job-tracker/pkg/models"
	"github.com/h-amg/job-tracker/pkg/storage"
	"github.com/pkg/errors"
)

// RunService persists workflow run progress. Every write that must be atomic
// goes through its own transaction.
type RunService struct {
	store  storage.Store
	logger Logger
}

func NewRunService(store storage.Store, logger Logger) *RunService {
	return &RunService{
		store:  store,
		logger: logger,
	}
}

func (rs *RunService) withTx(ctx context.Context, op string, fn func(tx storage.Store) error) (err error) {
	txStore, err := rs.store.Begin(ctx)
	if err != nil {
		rs.logger.Errorf("Failed to begin transaction for %s: %v", op, err)
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				rs.logger.Errorf("Failed to rollback %s: %v", op, rollbackErr)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			rs.logger.Errorf("Failed to commit %s: %v", op, commitErr)
			err = commitErr
		}
	}()
	return fn(txStore)
}

// Checkpoint saves the workflow state and acknowledges the signals consumed
// since the previous checkpoint in the same transaction.
func (rs *RunService) Checkpoint(ctx context.Context, workflowID string, state json.RawMessage, consumed []int64, at time.Time) error {
	return rs.withTx(ctx, "Checkpoint", func(tx storage.Store) error {
		if err := tx.SaveWorkflowState(ctx, workflowID, state, at); err != nil {
			return errors.Wrapf(err, "failed to save state of workflow %s", workflowID)
		}
		if err := tx.MarkSignalsProcessed(ctx, consumed, at); err != nil {
			return errors.Wrapf(err, "failed to acknowledge signals of workflow %s", workflowID)
		}
		return nil
	})
}

// Complete records the terminal status of a run and drains its inbox.
func (rs *RunService) Complete(ctx context.Context, workflowID string, status models.RunStatus, errMsg string, at time.Time) error {
	return rs.withTx(ctx, "Complete", func(tx storage.Store) error {
		pending, err := tx.ListPendingSignals(ctx, workflowID)
		if err != nil {
			return err
		}
		ids := make([]int64, 0, len(pending))
		for _, s := range pending {
			ids = append(ids, s.ID)
		}
		if err := tx.MarkSignalsProcessed(ctx, ids, at); err != nil {
			return err
		}
		if len(ids) > 0 {
			rs.logger.Infof("Dropped %d unprocessed signal(s) of completed workflow %s", len(ids), workflowID)
		}
		return tx.CompleteWorkflowRun(ctx, workflowID, status, errMsg, at)
	})
}

// LogAttempt records one activity attempt. Failures to log are not fatal.
func (rs *RunService) LogAttempt(ctx context.Context, entry models.ExecutionLog) {
	if err := rs.store.SaveExecutionLog(ctx, entry); err != nil {
		rs.logger.Errorf("Failed to record attempt %d of activity %s for workflow %s: %v",
			entry.Attempt, entry.Activity, entry.WorkflowID, err)
	}
}
