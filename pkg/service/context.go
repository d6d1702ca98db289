package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/h-amg/job-tracker/pkg/models"
	"github.com/pkg/errors"
)

// QueryHandler answers a read-only query against a live workflow. It runs on
// the caller's goroutine and must not block on workflow progress.
type QueryHandler func() (interface{}, error)

// Context is handed to a running workflow. It is owned by the workflow
// goroutine and must not be shared with other goroutines, except for the
// query handlers registered through it.
type Context struct {
	ctx      context.Context
	svc      *WorkflowService
	inst     *instance
	state    json.RawMessage
	consumed []int64
	holding  bool
}

func (c *Context) Context() context.Context {
	return c.ctx
}

func (c *Context) WorkflowID() string {
	return c.inst.id
}

func (c *Context) Now() time.Time {
	return c.svc.clock.Now()
}

func (c *Context) Logger() Logger {
	return c.svc.logger
}

// State decodes the last checkpoint into v. It reports false when the
// workflow has never checkpointed.
func (c *Context) State(v interface{}) (bool, error) {
	if len(c.state) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(c.state, v); err != nil {
		return false, errors.Wrapf(err, "failed to decode state of workflow %s", c.inst.id)
	}
	return true, nil
}

// Checkpoint persists state and acknowledges every signal returned by Await
// since the previous checkpoint. After a restart the workflow resumes from the
// last checkpoint and unacknowledged signals are delivered again.
func (c *Context) Checkpoint(state interface{}) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return errors.Wrapf(err, "failed to encode state of workflow %s", c.inst.id)
	}
	if err := c.svc.runs.Checkpoint(c.ctx, c.inst.id, raw, c.consumed, c.Now()); err != nil {
		return err
	}
	c.state = raw
	c.consumed = nil
	return nil
}

func (c *Context) SetQueryHandler(name string, handler QueryHandler) {
	c.inst.setQueryHandler(name, handler)
}

// Await suspends the workflow until a signal arrives or the clock reaches
// until. Queued signals are returned before the timer is considered. A zero
// until waits for signals only. A nil signal and nil error mean the timer
// fired.
func (c *Context) Await(until time.Time) (*models.WorkflowSignal, error) {
	if sig, ok := c.inst.popSignal(); ok {
		c.consumed = append(c.consumed, sig.ID)
		return &sig, nil
	}

	var timerC <-chan time.Time
	if !until.IsZero() {
		d := until.Sub(c.Now())
		if d <= 0 {
			return nil, nil
		}
		timer := c.svc.clock.NewTimer(d)
		defer timer.Stop()
		timerC = timer.C()
	}

	c.suspend()
	var (
		sig *models.WorkflowSignal
		err error
	)
wait:
	for {
		select {
		case <-c.ctx.Done():
			err = c.ctx.Err()
			break wait
		case <-c.inst.notify:
			if s, ok := c.inst.popSignal(); ok {
				c.consumed = append(c.consumed, s.ID)
				sig = &s
				break wait
			}
		case <-timerC:
			break wait
		}
	}
	if err != nil {
		return nil, err
	}
	if err := c.resume(); err != nil {
		return nil, err
	}
	return sig, nil
}

// ExecuteActivity runs fn on the activity worker pool with the service's
// default retry policy and timeout, overridable through opts. The workflow is
// suspended while the activity is in flight.
func (c *Context) ExecuteActivity(name string, fn ActivityFunc, opts ...models.ActivityOption) error {
	cfg := models.ActivityConfig{
		RetryPolicy: c.svc.cfg.DefaultRetryPolicy,
		Timeout:     c.svc.cfg.ActivityTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	c.suspend()
	err := c.svc.wp.Execute(c.ctx, c.inst.id, name, fn, cfg)
	if resumeErr := c.resume(); resumeErr != nil {
		return resumeErr
	}
	return err
}

// ExecuteActivityValue runs fn like ExecuteActivity and returns the value of
// the attempt that succeeded. An attempt abandoned after its timeout never
// publishes its value, even if its body finishes later.
func ExecuteActivityValue[T any](c *Context, name string, fn func(ctx context.Context) (T, error), opts ...models.ActivityOption) (T, error) {
	var (
		mu     sync.Mutex
		result T
	)
	err := c.ExecuteActivity(name, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		mu.Lock()
		defer mu.Unlock()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		result = v
		return nil
	}, opts...)
	mu.Lock()
	defer mu.Unlock()
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

// StartWorkflow starts another workflow. Starting an ID that already exists
// is not an error.
func (c *Context) StartWorkflow(opts StartOptions, input interface{}) error {
	_, err := c.svc.Start(c.ctx, opts, input)
	return err
}

// suspend gives the workflow-task slot back while the workflow waits.
func (c *Context) suspend() {
	if c.holding {
		c.svc.taskSlots.Release(1)
		c.holding = false
	}
}

func (c *Context) resume() error {
	if c.holding {
		return nil
	}
	if err := c.svc.taskSlots.Acquire(c.ctx, 1); err != nil {
		return err
	}
	c.holding = true
	return nil
}
