package workflows

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/h-amg/job-tracker/pkg/models"
	"github.com/h-amg/job-tracker/pkg/service"
	"github.com/pkg/errors"
)

// ErrInvalidDeadline is returned for a deadline that is missing or not a date.
var ErrInvalidDeadline = errors.New("invalid deadline")

const dateLayout = "2006-01-02"

// ParseDeadline accepts RFC 3339 timestamps and plain YYYY-MM-DD dates, the
// latter at midnight UTC.
func ParseDeadline(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.Wrap(ErrInvalidDeadline, "empty deadline")
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse(dateLayout, s); err == nil {
		return t, nil
	}
	return time.Time{}, errors.Wrapf(ErrInvalidDeadline, "%q is not a date", s)
}

func LifecycleWorkflowID(applicationID string) string {
	return "application-lifecycle-" + applicationID
}

func ResumeExtractionWorkflowID(applicationID string) string {
	return "resume-extraction-" + applicationID
}

func CoverLetterWorkflowID(applicationID string) string {
	return "cover-letter-" + applicationID
}

// Register registers every workflow with the service.
func Register(svc *service.WorkflowService, acts *Activities) error {
	if err := svc.RegisterWorkflow(LifecycleWorkflow, lifecycleWorkflow(acts),
		service.WithInputValidator(validateLifecycleInput)); err != nil {
		return err
	}
	if err := svc.RegisterWorkflow(ResumeExtractionWorkflow, resumeExtractionWorkflow(acts),
		service.WithInputValidator(validateDocumentInput)); err != nil {
		return err
	}
	return svc.RegisterWorkflow(CoverLetterWorkflow, coverLetterWorkflow(acts),
		service.WithInputValidator(validateDocumentInput))
}

func validateLifecycleInput(raw json.RawMessage) error {
	var in LifecycleInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return errors.Wrap(err, "failed to decode lifecycle input")
	}
	if in.ApplicationID == "" {
		return errors.New("missing application id")
	}
	_, err := ParseDeadline(in.Deadline)
	return err
}

func validateDocumentInput(raw json.RawMessage) error {
	var in DocumentInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return errors.Wrap(err, "failed to decode document input")
	}
	if in.ApplicationID == "" {
		return errors.New("missing application id")
	}
	return nil
}

// Client is the typed surface of the workflows. Signal methods report whether
// the target run was reached; a run that no longer exists is not an error.
type Client struct {
	svc *service.WorkflowService
}

func NewClient(svc *service.WorkflowService) *Client {
	return &Client{svc: svc}
}

// StartLifecycle starts the lifecycle of an application. Starting an
// application twice returns the existing run.
func (c *Client) StartLifecycle(ctx context.Context, applicationID string, deadline time.Time) (*service.Handle, error) {
	if deadline.IsZero() {
		return nil, errors.Wrap(ErrInvalidDeadline, "zero deadline")
	}
	return c.svc.Start(ctx, service.StartOptions{
		ID:       LifecycleWorkflowID(applicationID),
		Workflow: LifecycleWorkflow,
	}, LifecycleInput{ApplicationID: applicationID, Deadline: deadline.UTC().Format(time.RFC3339Nano)})
}

func (c *Client) StartResumeExtraction(ctx context.Context, applicationID string) (*service.Handle, error) {
	return c.svc.Start(ctx, service.StartOptions{
		ID:       ResumeExtractionWorkflowID(applicationID),
		Workflow: ResumeExtractionWorkflow,
	}, DocumentInput{ApplicationID: applicationID})
}

func (c *Client) UpdateStatus(ctx context.Context, workflowID string, status models.ApplicationStatus, notes *string) (bool, error) {
	return c.signal(ctx, workflowID, UpdateStatusSignal, models.UpdateStatusSignal{Status: string(status), Notes: notes})
}

func (c *Client) ExtendDeadline(ctx context.Context, workflowID string, days int) (bool, error) {
	return c.signal(ctx, workflowID, ExtendDeadlineSignal, models.ExtendDeadlineSignal{Days: days})
}

func (c *Client) Cancel(ctx context.Context, workflowID string, reason *string) (bool, error) {
	return c.signal(ctx, workflowID, CancelWorkflowSignal, models.CancelWorkflowSignal{Reason: reason})
}

// GetState returns the lifecycle state snapshot. It yields
// service.ErrWorkflowNotFound for an unknown run.
func (c *Client) GetState(ctx context.Context, workflowID string) (models.LifecycleState, error) {
	var state models.LifecycleState
	raw, err := c.svc.Query(ctx, workflowID, GetWorkflowStateQuery)
	if err != nil {
		return state, err
	}
	if err := json.Unmarshal(raw, &state); err != nil {
		return state, errors.Wrapf(err, "failed to decode state of workflow %s", workflowID)
	}
	return state, nil
}

func (c *Client) Exists(ctx context.Context, workflowID string) (bool, error) {
	return c.svc.Exists(ctx, workflowID)
}

func (c *Client) signal(ctx context.Context, workflowID, name string, payload interface{}) (bool, error) {
	err := c.svc.Signal(ctx, workflowID, name, payload)
	if errors.Is(err, service.ErrWorkflowNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
