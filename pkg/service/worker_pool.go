package service

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/h-amg/job-tracker/pkg/clock"
	"github.com/h-amg/job-tracker/pkg/models"
	"github.com/pkg/errors"
)

// ActivityFunc is a side-effecting unit of work. It must honour ctx, which is
// cancelled when the per-attempt timeout elapses.
type ActivityFunc func(ctx context.Context) error

type attemptResult struct {
	err      error
	duration time.Duration
}

// activityJob is one attempt of an activity queued to the pool.
type activityJob struct {
	ctx        context.Context
	workflowID string
	name       string
	attempt    int
	fn         ActivityFunc
	timeout    time.Duration
	resultCh   chan attemptResult
}

// WorkerPool runs activity attempts on a fixed number of workers, which caps
// how many activities execute concurrently across all workflows.
type WorkerPool struct {
	runs    *RunService
	clock   clock.Clock
	logger  Logger
	jobs    chan activityJob
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	mu      sync.Mutex
}

func NewWorkerPool(mainCtx context.Context, runs *RunService, clk clock.Clock, logger Logger) *WorkerPool {
	ctx, cancel := context.WithCancel(mainCtx)
	return &WorkerPool{
		runs:   runs,
		clock:  clk,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins the worker pool with the specified number of workers
func (wp *WorkerPool) Start(workers int) {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if wp.started {
		return
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	wp.jobs = make(chan activityJob)
	for i := 0; i < workers; i++ {
		wp.wg.Add(1)
		go wp.worker()
	}
	wp.started = true
}

// Stop cancels in-flight attempts and waits for all workers to exit.
func (wp *WorkerPool) Stop() {
	wp.cancel()
	wp.wg.Wait()
}

func (wp *WorkerPool) worker() {
	defer wp.wg.Done()
	for {
		select {
		case <-wp.ctx.Done():
			return
		case job := <-wp.jobs:
			wp.runAttempt(job)
		}
	}
}

// runAttempt reports the attempt's result as soon as it is known. When the
// attempt times out the submitter is released at once, but the worker stays
// busy until the activity body returns, so at most one body runs per worker.
func (wp *WorkerPool) runAttempt(job activityJob) {
	start := time.Now()
	attemptCtx, cancel := context.WithTimeout(job.ctx, job.timeout)
	defer cancel()
	stop := context.AfterFunc(wp.ctx, cancel)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errCh <- errors.Errorf("activity %s panicked: %v", job.name, r)
			}
		}()
		errCh <- job.fn(attemptCtx)
	}()

	select {
	case err := <-errCh:
		job.resultCh <- attemptResult{err: err, duration: time.Since(start)}
		return
	case <-attemptCtx.Done():
		err := errors.Wrapf(attemptCtx.Err(), "activity %s attempt %d", job.name, job.attempt)
		job.resultCh <- attemptResult{err: err, duration: time.Since(start)}
	}

	late := <-errCh
	wp.logger.Warnf("Activity %s attempt %d for workflow %s returned after %v, past its timeout: %v",
		job.name, job.attempt, job.workflowID, time.Since(start), late)
}

// submit queues one attempt and waits for its result.
func (wp *WorkerPool) submit(ctx context.Context, job activityJob) error {
	job.resultCh = make(chan attemptResult, 1)
	select {
	case wp.jobs <- job:
	case <-ctx.Done():
		return ctx.Err()
	case <-wp.ctx.Done():
		return ErrServiceStopped
	}

	var res attemptResult
	select {
	case res = <-job.resultCh:
	case <-wp.ctx.Done():
		return ErrServiceStopped
	}
	if wp.ctx.Err() != nil {
		return ErrServiceStopped
	}

	entry := models.ExecutionLog{
		WorkflowID: job.workflowID,
		Activity:   job.name,
		Attempt:    job.attempt,
		Status:     models.CompletedAttemptStatus,
		Duration:   res.duration,
		LoggedAt:   wp.clock.Now(),
	}
	if res.err != nil {
		entry.Status = models.FailedAttemptStatus
		entry.Message = res.err.Error()
	}
	wp.runs.LogAttempt(context.WithoutCancel(ctx), entry)
	return res.err
}

// Execute runs an activity with the configured retry policy. Each attempt is
// bounded by cfg.Timeout and recorded as an execution log entry.
func (wp *WorkerPool) Execute(ctx context.Context, workflowID, name string, fn ActivityFunc, cfg models.ActivityConfig) error {
	if cfg.Timeout <= 0 {
		cfg.Timeout = models.DefaultActivityTimeout
	}
	attempt := 0
	operation := func() error {
		attempt++
		wp.logger.Infof("Starting activity %s attempt %d for workflow %s", name, attempt, workflowID)
		err := wp.submit(ctx, activityJob{
			ctx:        ctx,
			workflowID: workflowID,
			name:       name,
			attempt:    attempt,
			fn:         fn,
			timeout:    cfg.Timeout,
		})
		if err != nil && (errors.Is(err, ErrServiceStopped) || ctx.Err() != nil) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		wp.logger.Warnf("Retrying activity %s for workflow %s in %v (attempt %d failed): %v", name, workflowID, next, attempt, err)
	}

	err := backoff.RetryNotifyWithTimer(operation, newBackOff(ctx, cfg.RetryPolicy, wp.clock), notify, &clockTimer{clock: wp.clock})
	if err != nil {
		wp.logger.Errorf("Activity %s for workflow %s failed after %d attempt(s): %v", name, workflowID, attempt, err)
		return errors.Wrapf(err, "activity %s failed after %d attempt(s)", name, attempt)
	}
	wp.logger.Infof("Activity %s for workflow %s completed", name, workflowID)
	return nil
}

func newBackOff(ctx context.Context, policy models.RetryPolicy, clk clock.Clock) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = policy.InitialInterval
	exp.Multiplier = policy.BackoffCoefficient
	exp.MaxInterval = policy.MaximumInterval
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0
	exp.Clock = clk
	exp.Reset()

	var b backoff.BackOff = exp
	if policy.MaximumAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(policy.MaximumAttempts-1))
	}
	return backoff.WithContext(b, ctx)
}

// clockTimer adapts clock.Clock to backoff.Timer so retry sleeps follow the
// service clock.
type clockTimer struct {
	clock clock.Clock
	timer clock.Timer
}

func (t *clockTimer) Start(d time.Duration) {
	t.timer = t.clock.NewTimer(d)
}

func (t *clockTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *clockTimer) C() <-chan time.Time {
	if t.timer == nil {
		return nil
	}
	return t.timer.C()
}
