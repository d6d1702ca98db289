package workflows

import (
	"context"
	"encoding/json"

	"github.com/h-amg/job-tracker/pkg/models"
	"github.com/h-amg/job-tracker/pkg/service"
	"github.com/pkg/errors"
)

const ResumeExtractionWorkflow = "resumeExtraction"

// DocumentInput starts a document pipeline for one application.
type DocumentInput struct {
	ApplicationID string `json:"applicationId"`
}

type resumeState struct {
	Saved bool `json:"saved"`
}

// resumeExtractionWorkflow downloads the resume, extracts its text and saves
// it, then hands off to cover letter generation. A step that exhausts its
// retries marks the extraction Failed and ends the pipeline.
func resumeExtractionWorkflow(acts *Activities) service.WorkflowFunc {
	return func(wctx *service.Context, input json.RawMessage) error {
		var in DocumentInput
		if err := json.Unmarshal(input, &in); err != nil {
			return errors.Wrap(err, "failed to decode resume extraction input")
		}
		appID := in.ApplicationID

		var state resumeState
		if _, err := wctx.State(&state); err != nil {
			return err
		}
		if !state.Saved {
			if err := extractResume(wctx, acts, appID); err != nil {
				if wctx.Context().Err() != nil {
					return err
				}
				failed := models.FailedProcessingStatus
				if ferr := wctx.ExecuteActivity("SetResumeExtractionStatus", func(ctx context.Context) error {
					return acts.SetResumeExtractionStatus(ctx, appID, failed)
				}, models.WithMaxAttempts(1)); ferr != nil {
					wctx.Logger().Errorf("Failed to mark resume extraction of application %s failed: %v", appID, ferr)
				}
				return err
			}
			state.Saved = true
			if err := wctx.Checkpoint(state); err != nil {
				return err
			}
		}

		return wctx.StartWorkflow(service.StartOptions{
			ID:       CoverLetterWorkflowID(appID),
			Workflow: CoverLetterWorkflow,
		}, DocumentInput{ApplicationID: appID})
	}
}

func extractResume(wctx *service.Context, acts *Activities, appID string) error {
	processing := models.ProcessingProcessingStatus
	if err := wctx.ExecuteActivity("SetResumeExtractionStatus", func(ctx context.Context) error {
		return acts.SetResumeExtractionStatus(ctx, appID, processing)
	}); err != nil {
		return err
	}

	type download struct {
		data     []byte
		filename string
	}
	file, err := service.ExecuteActivityValue(wctx, "DownloadResume", func(ctx context.Context) (download, error) {
		data, filename, err := acts.DownloadResume(ctx, appID)
		return download{data: data, filename: filename}, err
	})
	if err != nil {
		return err
	}
	text, err := service.ExecuteActivityValue(wctx, "ExtractResumeText", func(ctx context.Context) (string, error) {
		return acts.ExtractResumeText(ctx, file.data, file.filename)
	})
	if err != nil {
		return err
	}
	return wctx.ExecuteActivity("SaveResumeText", func(ctx context.Context) error {
		return acts.SaveResumeText(ctx, appID, text)
	})
}
