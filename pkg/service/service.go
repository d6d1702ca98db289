package service

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/h-amg/job-tracker/pkg/clock"
	"github.com/h-amg/job-tracker/pkg/models"
	"github.com/h-amg/job-tracker/pkg/storage"
	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
)

// Logger defines the logging interface for WorkflowService
type Logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// WorkflowFunc is a durable workflow definition. It is re-entered from its
// last checkpoint after a restart, so it must rebuild its progress from
// Context.State rather than from local variables.
type WorkflowFunc func(wctx *Context, input json.RawMessage) error

type Config struct {
	MaxConcurrentActivities    int
	MaxConcurrentWorkflowTasks int
	DefaultRetryPolicy         models.RetryPolicy
	ActivityTimeout            time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxConcurrentActivities:    10,
		MaxConcurrentWorkflowTasks: 10,
		DefaultRetryPolicy:         models.DefaultRetryPolicy(),
		ActivityTimeout:            models.DefaultActivityTimeout,
	}
}

// InputValidator checks an encoded workflow input before a run is created.
type InputValidator func(input json.RawMessage) error

type registration struct {
	fn       WorkflowFunc
	validate InputValidator
}

type RegisterOption func(*registration)

// WithInputValidator makes Start reject inputs that fail v. A rejected start
// creates no run, so a later valid start under the same ID succeeds.
func WithInputValidator(v InputValidator) RegisterOption {
	return func(r *registration) {
		r.validate = v
	}
}

type StartOptions struct {
	ID       string
	Workflow string
}

// WorkflowService hosts durable workflow runs. Each run executes in its own
// goroutine and persists its progress through checkpoints, so runs survive a
// process restart via Recover.
type WorkflowService struct {
	store     storage.Store
	ctx       context.Context
	cancel    context.CancelFunc
	clock     clock.Clock
	logger    Logger
	cfg       Config
	runs      *RunService
	wp        *WorkerPool
	taskSlots *semaphore.Weighted
	workflows map[string]registration
	instances map[string]*instance
	mu        sync.RWMutex
	wg        sync.WaitGroup
}

func NewWorkflowService(ctx context.Context, store storage.Store, clk clock.Clock, logger Logger, cfg Config) *WorkflowService {
	defaults := DefaultConfig()
	if cfg.MaxConcurrentActivities <= 0 {
		cfg.MaxConcurrentActivities = defaults.MaxConcurrentActivities
	}
	if cfg.MaxConcurrentWorkflowTasks <= 0 {
		cfg.MaxConcurrentWorkflowTasks = defaults.MaxConcurrentWorkflowTasks
	}
	if cfg.DefaultRetryPolicy == (models.RetryPolicy{}) {
		cfg.DefaultRetryPolicy = defaults.DefaultRetryPolicy
	}
	if cfg.ActivityTimeout <= 0 {
		cfg.ActivityTimeout = defaults.ActivityTimeout
	}

	svcCtx, cancel := context.WithCancel(ctx)
	runs := NewRunService(store, logger)
	wp := NewWorkerPool(svcCtx, runs, clk, logger)
	wp.Start(cfg.MaxConcurrentActivities)
	return &WorkflowService{
		store:     store,
		ctx:       svcCtx,
		cancel:    cancel,
		clock:     clk,
		logger:    logger,
		cfg:       cfg,
		runs:      runs,
		wp:        wp,
		taskSlots: semaphore.NewWeighted(int64(cfg.MaxConcurrentWorkflowTasks)),
		workflows: make(map[string]registration),
		instances: make(map[string]*instance),
	}
}

func (s *WorkflowService) RegisterWorkflow(name string, fn WorkflowFunc, opts ...RegisterOption) error {
	if len(name) == 0 {
		return errors.New("empty workflow name")
	}
	if fn == nil {
		return errors.Errorf("nil workflow function for '%s'", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workflows[name]; ok {
		return errors.Errorf("workflow '%s' already registered", name)
	}
	reg := registration{fn: fn}
	for _, opt := range opts {
		opt(&reg)
	}
	s.workflows[name] = reg
	s.logger.Infof("Registered workflow '%s'", name)
	return nil
}

// Start launches a new run under opts.ID. Starting an ID that already exists,
// running or finished, returns a handle to that run instead of a second one.
func (s *WorkflowService) Start(ctx context.Context, opts StartOptions, input interface{}) (*Handle, error) {
	if opts.ID == "" {
		return nil, errors.New("empty workflow id")
	}
	if s.ctx.Err() != nil {
		return nil, ErrServiceStopped
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, ok := s.workflows[opts.Workflow]
	if !ok {
		return nil, errors.Wrapf(ErrWorkflowNotRegistered, "workflow '%s'", opts.Workflow)
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to encode input of workflow %s", opts.ID)
	}
	if reg.validate != nil {
		if err := reg.validate(raw); err != nil {
			return nil, fmt.Errorf("%w: workflow %s: %w", ErrInvalidInput, opts.ID, err)
		}
	}
	if inst, live := s.instances[opts.ID]; live {
		return s.handle(inst.id, inst.done), nil
	}

	now := s.clock.Now()
	run := models.WorkflowRun{
		ID:        opts.ID,
		Name:      opts.Workflow,
		Status:    models.RunningRunStatus,
		Input:     raw,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateWorkflowRun(ctx, run); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			s.logger.Infof("Workflow %s already exists, returning existing run", opts.ID)
			return s.handle(opts.ID, nil), nil
		}
		return nil, errors.Wrapf(err, "failed to create workflow %s", opts.ID)
	}
	inst := s.launchLocked(run, reg.fn)
	s.logger.Infof("Started workflow '%s' with ID %s", opts.Workflow, opts.ID)
	return s.handle(inst.id, inst.done), nil
}

// Recover relaunches every RUNNING run that is not live in this process. It
// returns the number of runs relaunched.
func (s *WorkflowService) Recover(ctx context.Context) (int, error) {
	status := models.RunningRunStatus
	runs, err := s.store.ListWorkflowRuns(ctx, &status)
	if err != nil {
		return 0, errors.Wrap(err, "failed to list running workflows")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	recovered := 0
	for _, run := range runs {
		if _, live := s.instances[run.ID]; live {
			continue
		}
		reg, ok := s.workflows[run.Name]
		if !ok {
			s.logger.Warnf("Cannot recover workflow %s: workflow '%s' is not registered", run.ID, run.Name)
			continue
		}
		s.launchLocked(run, reg.fn)
		recovered++
	}
	if recovered > 0 {
		s.logger.Infof("Recovered %d running workflow(s)", recovered)
	}
	return recovered, nil
}

// Signal persists a signal to the run's inbox and hands it to the live run.
// Unknown or finished runs yield ErrWorkflowNotFound.
func (s *WorkflowService) Signal(ctx context.Context, workflowID, name string, payload interface{}) error {
	run, err := s.store.GetWorkflowRun(ctx, workflowID)
	if errors.Is(err, storage.ErrNotFound) {
		return errors.Wrapf(ErrWorkflowNotFound, "workflow %s", workflowID)
	}
	if err != nil {
		return err
	}
	if run.Status != models.RunningRunStatus {
		return errors.Wrapf(ErrWorkflowNotFound, "workflow %s is %s", workflowID, run.Status)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrapf(err, "failed to encode signal %s", name)
	}
	sig := models.WorkflowSignal{
		WorkflowID: workflowID,
		Name:       name,
		Payload:    raw,
		ReceivedAt: s.clock.Now(),
	}
	sig.ID, err = s.store.AppendSignal(ctx, sig)
	if err != nil {
		return errors.Wrapf(err, "failed to persist signal %s for workflow %s", name, workflowID)
	}

	s.mu.RLock()
	inst, live := s.instances[workflowID]
	s.mu.RUnlock()
	if !live {
		// The run may have finished since it was read. A finished run is
		// marked complete before it leaves the instance map, so re-reading
		// now tells a run awaiting recovery from one that is gone.
		run, err = s.store.GetWorkflowRun(ctx, workflowID)
		if err != nil {
			return errors.Wrapf(err, "failed to re-read workflow %s", workflowID)
		}
		if run.Status != models.RunningRunStatus {
			return errors.Wrapf(ErrWorkflowNotFound, "workflow %s is %s", workflowID, run.Status)
		}
		// Delivered from the inbox once the run is recovered.
		s.logger.Infof("Queued signal %s for workflow %s which is not live in this process", name, workflowID)
		return nil
	}
	if !inst.deliver(sig) {
		return errors.Wrapf(ErrWorkflowNotFound, "workflow %s completed", workflowID)
	}
	return nil
}

// Query answers name from the live run's handler, falling back to the last
// persisted checkpoint.
func (s *WorkflowService) Query(ctx context.Context, workflowID, name string) (json.RawMessage, error) {
	s.mu.RLock()
	inst, live := s.instances[workflowID]
	s.mu.RUnlock()
	if live {
		if handler, ok := inst.queryHandler(name); ok {
			v, err := handler()
			if err != nil {
				return nil, err
			}
			return json.Marshal(v)
		}
	}

	run, err := s.store.GetWorkflowRun(ctx, workflowID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, errors.Wrapf(ErrWorkflowNotFound, "workflow %s", workflowID)
	}
	if err != nil {
		return nil, err
	}
	if len(run.State) == 0 {
		return nil, errors.Wrapf(ErrWorkflowNotFound, "workflow %s has no state yet", workflowID)
	}
	return run.State, nil
}

// Exists reports whether the run is still RUNNING.
func (s *WorkflowService) Exists(ctx context.Context, workflowID string) (bool, error) {
	run, err := s.store.GetWorkflowRun(ctx, workflowID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return run.Status == models.RunningRunStatus, nil
}

// Stop cancels every live run and waits for them to return. Stopped runs
// stay RUNNING in the store and are picked up by the next Recover.
func (s *WorkflowService) Stop() {
	s.cancel()
	s.wg.Wait()
	s.wp.Stop()
}

func (s *WorkflowService) launchLocked(run models.WorkflowRun, fn WorkflowFunc) *instance {
	instCtx, cancel := context.WithCancel(s.ctx)
	inst := newInstance(run.ID, run.Name, cancel)
	s.instances[run.ID] = inst
	s.wg.Add(1)
	go s.runInstance(instCtx, inst, run, fn)
	return inst
}

func (s *WorkflowService) runInstance(ctx context.Context, inst *instance, run models.WorkflowRun, fn WorkflowFunc) {
	defer s.wg.Done()
	defer inst.cancel()

	pending, err := s.store.ListPendingSignals(ctx, run.ID)
	if err != nil {
		s.logger.Errorf("Failed to load pending signals of workflow %s: %v", run.ID, err)
	}
	for _, sig := range pending {
		inst.deliver(sig)
	}

	wctx := &Context{ctx: ctx, svc: s, inst: inst, state: run.State}
	err = wctx.resume()
	if err == nil {
		err = s.invoke(wctx, fn, run.Input)
	}
	wctx.suspend()
	inst.close()

	if err != nil && ctx.Err() != nil {
		s.logger.Infof("Workflow %s interrupted by shutdown, it will resume on recovery: %v", run.ID, err)
	} else {
		status, errMsg := models.CompletedRunStatus, ""
		if err != nil {
			status, errMsg = models.FailedRunStatus, err.Error()
			s.logger.Errorf("Workflow %s failed: %v", run.ID, err)
		} else {
			s.logger.Infof("Workflow %s completed", run.ID)
		}
		if cerr := s.runs.Complete(context.WithoutCancel(ctx), run.ID, status, errMsg, s.clock.Now()); cerr != nil {
			s.logger.Errorf("Failed to record completion of workflow %s: %v", run.ID, cerr)
		}
	}

	s.mu.Lock()
	delete(s.instances, run.ID)
	s.mu.Unlock()
	close(inst.done)
}

func (s *WorkflowService) invoke(wctx *Context, fn WorkflowFunc, input json.RawMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorf("Workflow %s panicked: %v\n%s", wctx.inst.id, r, debug.Stack())
			err = fmt.Errorf("workflow panicked: %v", r)
		}
	}()
	return fn(wctx, input)
}

func (s *WorkflowService) handle(id string, done <-chan struct{}) *Handle {
	return &Handle{ID: id, svc: s, done: done}
}

// Handle refers to one workflow run.
type Handle struct {
	ID   string
	svc  *WorkflowService
	done <-chan struct{}
}

// Wait blocks until the run finishes in this process, then reports its
// outcome. A failed run yields an error wrapping ErrWorkflowFailed.
func (h *Handle) Wait(ctx context.Context) error {
	done := h.done
	if done == nil {
		h.svc.mu.RLock()
		if inst, live := h.svc.instances[h.ID]; live {
			done = inst.done
		}
		h.svc.mu.RUnlock()
	}
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	run, err := h.svc.store.GetWorkflowRun(ctx, h.ID)
	if err != nil {
		return err
	}
	switch run.Status {
	case models.CompletedRunStatus:
		return nil
	case models.FailedRunStatus:
		return errors.Wrap(ErrWorkflowFailed, run.ErrorMsg)
	default:
		return errors.Errorf("workflow %s is still running but not live in this process", h.ID)
	}
}

// instance is the in-process side of a live run: its signal queue and
// query handlers.
type instance struct {
	id      string
	name    string
	cancel  context.CancelFunc
	done    chan struct{}
	notify  chan struct{}
	mu      sync.Mutex
	queue   []models.WorkflowSignal
	seen    map[int64]bool
	closed  bool
	queryMu sync.RWMutex
	queries map[string]QueryHandler
}

func newInstance(id, name string, cancel context.CancelFunc) *instance {
	return &instance{
		id:      id,
		name:    name,
		cancel:  cancel,
		done:    make(chan struct{}),
		notify:  make(chan struct{}, 1),
		seen:    make(map[int64]bool),
		queries: make(map[string]QueryHandler),
	}
}

// deliver enqueues a signal once. It reports false when the run has finished.
func (i *instance) deliver(sig models.WorkflowSignal) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return false
	}
	if i.seen[sig.ID] {
		return true
	}
	i.seen[sig.ID] = true
	i.queue = append(i.queue, sig)
	select {
	case i.notify <- struct{}{}:
	default:
	}
	return true
}

func (i *instance) popSignal() (models.WorkflowSignal, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if len(i.queue) == 0 {
		return models.WorkflowSignal{}, false
	}
	sig := i.queue[0]
	i.queue = i.queue[1:]
	return sig, true
}

func (i *instance) close() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.closed = true
}

func (i *instance) setQueryHandler(name string, handler QueryHandler) {
	i.queryMu.Lock()
	defer i.queryMu.Unlock()
	i.queries[name] = handler
}

func (i *instance) queryHandler(name string) (QueryHandler, bool) {
	i.queryMu.RLock()
	defer i.queryMu.RUnlock()
	h, ok := i.queries[name]
	return h, ok
}
