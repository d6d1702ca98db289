package models

import "time"

const (
	// DefaultActivityTimeout bounds a single activity attempt.
	DefaultActivityTimeout = 60 * time.Second
)

// RetryPolicy describes exponential activity retries.
type RetryPolicy struct {
	InitialInterval    time.Duration `json:"initial_interval"`
	BackoffCoefficient float64       `json:"backoff_coefficient"`
	MaximumInterval    time.Duration `json:"maximum_interval"`
	MaximumAttempts    int           `json:"maximum_attempts"` // 0 means unlimited
}

// DefaultRetryPolicy is 1s initial backoff, factor 2, capped at 100s, 3 attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval:    time.Second,
		BackoffCoefficient: 2,
		MaximumInterval:    100 * time.Second,
		MaximumAttempts:    3,
	}
}

// ActivityConfig is the per-call execution configuration of an activity.
type ActivityConfig struct {
	RetryPolicy RetryPolicy
	Timeout     time.Duration
}

type ActivityOption func(*ActivityConfig)

func WithRetryPolicy(p RetryPolicy) ActivityOption {
	return func(c *ActivityConfig) {
		c.RetryPolicy = p
	}
}

func WithMaxAttempts(n int) ActivityOption {
	return func(c *ActivityConfig) {
		c.RetryPolicy.MaximumAttempts = n
	}
}

func WithTimeout(timeout time.Duration) ActivityOption {
	return func(c *ActivityConfig) {
		c.Timeout = timeout
	}
}
