package workflows

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/h-amg/job-tracker/pkg/models"
	"github.com/h-amg/job-tracker/pkg/service"
	"github.com/pkg/errors"
)

const (
	CoverLetterWorkflow = "coverLetterGeneration"

	// generationTimeout bounds one generation attempt, including the
	// generator's own retries.
	generationTimeout = 5 * time.Minute
)

// coverLetterWorkflow generates, uploads and records a cover letter. Any
// unrecoverable step marks the generation Failed and sends a failure
// notification instead.
func coverLetterWorkflow(acts *Activities) service.WorkflowFunc {
	return func(wctx *service.Context, input json.RawMessage) error {
		var in DocumentInput
		if err := json.Unmarshal(input, &in); err != nil {
			return errors.Wrap(err, "failed to decode cover letter input")
		}
		appID := in.ApplicationID

		genErr := generateCoverLetter(wctx, acts, appID)
		if genErr != nil && wctx.Context().Err() != nil {
			return genErr
		}
		if genErr != nil {
			failed := models.FailedProcessingStatus
			if err := wctx.ExecuteActivity("SetCoverLetterStatus", func(ctx context.Context) error {
				return acts.SetCoverLetterStatus(ctx, appID, failed)
			}, models.WithMaxAttempts(1)); err != nil {
				wctx.Logger().Errorf("Failed to mark cover letter of application %s failed: %v", appID, err)
			}
		}
		if err := wctx.ExecuteActivity("NotifyCoverLetter", func(ctx context.Context) error {
			return acts.NotifyCoverLetter(ctx, appID, genErr)
		}); err != nil {
			wctx.Logger().Errorf("Failed to notify cover letter of application %s: %v", appID, err)
		}
		return genErr
	}
}

func generateCoverLetter(wctx *service.Context, acts *Activities, appID string) error {
	processing := models.ProcessingProcessingStatus
	if err := wctx.ExecuteActivity("SetCoverLetterStatus", func(ctx context.Context) error {
		return acts.SetCoverLetterStatus(ctx, appID, processing)
	}); err != nil {
		return err
	}

	prompt, err := service.ExecuteActivityValue(wctx, "LoadCoverLetterInput", func(ctx context.Context) (string, error) {
		app, profile, err := acts.LoadCoverLetterInput(ctx, appID)
		if err != nil {
			return "", err
		}
		return BuildCoverLetterPrompt(app, profile), nil
	})
	if err != nil {
		return err
	}
	letter, err := service.ExecuteActivityValue(wctx, "GenerateCoverLetter", func(ctx context.Context) (string, error) {
		return acts.GenerateCoverLetter(ctx, prompt)
	}, models.WithTimeout(generationTimeout))
	if err != nil {
		return err
	}
	url, err := service.ExecuteActivityValue(wctx, "UploadCoverLetter", func(ctx context.Context) (string, error) {
		return acts.UploadCoverLetter(ctx, appID, letter)
	})
	if err != nil {
		return err
	}
	return wctx.ExecuteActivity("SaveCoverLetter", func(ctx context.Context) error {
		return acts.SaveCoverLetter(ctx, appID, url)
	})
}

// BuildCoverLetterPrompt assembles the generation prompt. Profile fields are
// optional and left out when unset.
func BuildCoverLetterPrompt(app models.Application, profile models.UserProfile) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write a concise, professional cover letter for the %s position at %s.\n", app.Role, app.Company)
	fmt.Fprintf(&b, "\nJob description:\n%s\n", app.JobDescription)
	if app.ResumeText != nil && *app.ResumeText != "" {
		fmt.Fprintf(&b, "\nCandidate resume:\n%s\n", *app.ResumeText)
	}

	var contact []string
	for _, field := range []struct {
		label string
		value *string
	}{
		{"Name", profile.Name},
		{"Email", profile.Email},
		{"Phone", profile.Phone},
	} {
		if field.value != nil && *field.value != "" {
			contact = append(contact, fmt.Sprintf("%s: %s", field.label, *field.value))
		}
	}
	if len(contact) > 0 {
		fmt.Fprintf(&b, "\nSign the letter with:\n%s\n", strings.Join(contact, "\n"))
	} else {
		b.WriteString("\nDo not invent contact details; leave the signature generic.\n")
	}
	return b.String()
}
