package service

import (
	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
)

var (
	ErrWorkflowNotFound      = errors.New("workflow not found")
	ErrWorkflowNotRegistered = errors.New("workflow not registered")
	ErrWorkflowFailed        = errors.New("workflow failed")
	ErrServiceStopped        = errors.New("workflow service stopped")
	ErrInvalidInput          = errors.New("invalid workflow input")
)

// NonRetryable marks an activity error so the worker pool stops retrying it.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// IsNonRetryable reports whether err was marked with NonRetryable.
func IsNonRetryable(err error) bool {
	var permanent *backoff.PermanentError
	return errors.As(err, &permanent)
}
