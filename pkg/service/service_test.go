package service_test

import (
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/h-amg/job-tracker/pkg/clock"
	"github.com/h-amg/job-tracker/pkg/models"
	"github.com/h-amg/job-tracker/pkg/service"
	"github.com/h-amg/job-tracker/pkg/storage"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counterState struct {
	Events []string `json:"events"`
}

// counterWorkflow appends every "add" payload to its state and returns on
// "stop". Payloads ending in "-nocp" are not checkpointed.
func counterWorkflow(starts *int32) service.WorkflowFunc {
	return func(wctx *service.Context, input json.RawMessage) error {
		if starts != nil {
			atomic.AddInt32(starts, 1)
		}
		var state counterState
		if _, err := wctx.State(&state); err != nil {
			return err
		}
		snapshot := atomic.Value{}
		snapshot.Store(append([]string{}, state.Events...))
		wctx.SetQueryHandler("events", func() (interface{}, error) {
			return snapshot.Load(), nil
		})
		for {
			sig, err := wctx.Await(time.Time{})
			if err != nil {
				return err
			}
			switch sig.Name {
			case "stop":
				return nil
			case "fail":
				return errors.New("asked to fail")
			case "panic":
				panic("asked to panic")
			case "add":
				var v string
				if err := sig.Decode(&v); err != nil {
					return err
				}
				state.Events = append(state.Events, v)
				snapshot.Store(append([]string{}, state.Events...))
				if strings.HasSuffix(v, "-nocp") {
					continue
				}
				if err := wctx.Checkpoint(state); err != nil {
					return err
				}
			}
		}
	}
}

type sleeperState struct {
	Until time.Time `json:"until"`
	Woke  bool      `json:"woke"`
}

// sleeperWorkflow sleeps until input time. The target is checkpointed so a
// restart recomputes the remaining wait from the wall clock.
func sleeperWorkflow(wctx *service.Context, input json.RawMessage) error {
	var state sleeperState
	ok, err := wctx.State(&state)
	if err != nil {
		return err
	}
	if !ok {
		if err := json.Unmarshal(input, &state.Until); err != nil {
			return err
		}
		if err := wctx.Checkpoint(state); err != nil {
			return err
		}
	}
	for {
		sig, err := wctx.Await(state.Until)
		if err != nil {
			return err
		}
		if sig == nil {
			state.Woke = true
			return wctx.Checkpoint(state)
		}
	}
}

func newService(t *testing.T, store storage.Store, clk clock.Clock, cfg service.Config) *service.WorkflowService {
	t.Helper()
	svc := service.NewWorkflowService(context.Background(), store, clk, newLogger(), cfg)
	t.Cleanup(svc.Stop)
	return svc
}

func queryEvents(t *testing.T, svc *service.WorkflowService, id string) []string {
	raw, err := svc.Query(context.Background(), id, "events")
	if err != nil {
		return nil
	}
	var events []string
	if strings.HasPrefix(string(raw), "{") {
		var state counterState
		require.NoError(t, json.Unmarshal(raw, &state))
		return state.Events
	}
	require.NoError(t, json.Unmarshal(raw, &events))
	return events
}

func waitDone(t *testing.T, h *service.Handle) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return h.Wait(ctx)
}

// awaitTimer blocks until a timer is armed on fake.
func awaitTimer(t *testing.T, fake *clock.Fake) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, fake.BlockUntilContext(ctx, 1), "no timer was armed")
}

func TestWorkflowService_Lifecycle(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)

	t.Run("UnregisteredWorkflow", func(t *testing.T) {
		svc := newService(t, storage.NewMemoryStore(), clock.NewFake(start), service.Config{})
		_, err := svc.Start(ctx, service.StartOptions{ID: "wf-1", Workflow: "missing"}, nil)
		assert.ErrorIs(t, err, service.ErrWorkflowNotRegistered)
	})

	t.Run("DuplicateRegistration", func(t *testing.T) {
		svc := newService(t, storage.NewMemoryStore(), clock.NewFake(start), service.Config{})
		require.NoError(t, svc.RegisterWorkflow("counter", counterWorkflow(nil)))
		assert.Error(t, svc.RegisterWorkflow("counter", counterWorkflow(nil)))
		assert.Error(t, svc.RegisterWorkflow("", counterWorkflow(nil)))
	})

	t.Run("IdempotentStart", func(t *testing.T) {
		store := storage.NewMemoryStore()
		svc := newService(t, store, clock.NewFake(start), service.Config{})
		var starts int32
		require.NoError(t, svc.RegisterWorkflow("counter", counterWorkflow(&starts)))

		h1, err := svc.Start(ctx, service.StartOptions{ID: "wf-1", Workflow: "counter"}, nil)
		require.NoError(t, err)
		h2, err := svc.Start(ctx, service.StartOptions{ID: "wf-1", Workflow: "counter"}, nil)
		require.NoError(t, err)
		assert.Equal(t, h1.ID, h2.ID)

		require.NoError(t, svc.Signal(ctx, "wf-1", "stop", nil))
		require.NoError(t, waitDone(t, h2))

		h3, err := svc.Start(ctx, service.StartOptions{ID: "wf-1", Workflow: "counter"}, nil)
		require.NoError(t, err)
		require.NoError(t, waitDone(t, h3))
		assert.Equal(t, int32(1), atomic.LoadInt32(&starts))

		runs, err := store.ListWorkflowRuns(ctx, nil)
		require.NoError(t, err)
		assert.Len(t, runs, 1)
	})

	t.Run("SignalsInOrderAndQuery", func(t *testing.T) {
		svc := newService(t, storage.NewMemoryStore(), clock.NewFake(start), service.Config{})
		require.NoError(t, svc.RegisterWorkflow("counter", counterWorkflow(nil)))
		h, err := svc.Start(ctx, service.StartOptions{ID: "wf-1", Workflow: "counter"}, nil)
		require.NoError(t, err)

		for _, v := range []string{"a", "b", "c"} {
			require.NoError(t, svc.Signal(ctx, "wf-1", "add", v))
		}
		assert.Eventually(t, func() bool {
			return assert.ObjectsAreEqual([]string{"a", "b", "c"}, queryEvents(t, svc, "wf-1"))
		}, 2*time.Second, 5*time.Millisecond)

		exists, err := svc.Exists(ctx, "wf-1")
		require.NoError(t, err)
		assert.True(t, exists)

		require.NoError(t, svc.Signal(ctx, "wf-1", "stop", nil))
		require.NoError(t, waitDone(t, h))

		// Completed runs answer from the last checkpoint.
		assert.Equal(t, []string{"a", "b", "c"}, queryEvents(t, svc, "wf-1"))
		exists, err = svc.Exists(ctx, "wf-1")
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("SignalToUnknownOrFinishedRun", func(t *testing.T) {
		svc := newService(t, storage.NewMemoryStore(), clock.NewFake(start), service.Config{})
		require.NoError(t, svc.RegisterWorkflow("counter", counterWorkflow(nil)))

		err := svc.Signal(ctx, "nope", "add", "a")
		assert.ErrorIs(t, err, service.ErrWorkflowNotFound)
		_, err = svc.Query(ctx, "nope", "events")
		assert.ErrorIs(t, err, service.ErrWorkflowNotFound)

		h, err := svc.Start(ctx, service.StartOptions{ID: "wf-1", Workflow: "counter"}, nil)
		require.NoError(t, err)
		require.NoError(t, svc.Signal(ctx, "wf-1", "stop", nil))
		require.NoError(t, waitDone(t, h))

		err = svc.Signal(ctx, "wf-1", "add", "late")
		assert.ErrorIs(t, err, service.ErrWorkflowNotFound)
	})

	t.Run("FailureAndPanicMarkRunFailed", func(t *testing.T) {
		store := storage.NewMemoryStore()
		svc := newService(t, store, clock.NewFake(start), service.Config{})
		require.NoError(t, svc.RegisterWorkflow("counter", counterWorkflow(nil)))

		for _, id := range []string{"fail", "panic"} {
			h, err := svc.Start(ctx, service.StartOptions{ID: "wf-" + id, Workflow: "counter"}, nil)
			require.NoError(t, err)
			require.NoError(t, svc.Signal(ctx, "wf-"+id, id, nil))
			err = waitDone(t, h)
			assert.ErrorIs(t, err, service.ErrWorkflowFailed)

			run, err := store.GetWorkflowRun(ctx, "wf-"+id)
			require.NoError(t, err)
			assert.Equal(t, models.FailedRunStatus, run.Status)
			assert.NotEmpty(t, run.ErrorMsg)
		}
	})

	t.Run("DurableTimer", func(t *testing.T) {
		fake := clock.NewFake(start)
		svc := newService(t, storage.NewMemoryStore(), fake, service.Config{})
		require.NoError(t, svc.RegisterWorkflow("sleeper", sleeperWorkflow))

		h, err := svc.Start(ctx, service.StartOptions{ID: "wf-1", Workflow: "sleeper"}, start.Add(time.Hour))
		require.NoError(t, err)
		awaitTimer(t, fake)

		fake.Advance(59 * time.Minute)
		assert.Never(t, func() bool {
			exists, _ := svc.Exists(ctx, "wf-1")
			return !exists
		}, 50*time.Millisecond, 5*time.Millisecond)

		fake.Advance(time.Minute)
		require.NoError(t, waitDone(t, h))
	})

	t.Run("PastTimerFiresImmediately", func(t *testing.T) {
		svc := newService(t, storage.NewMemoryStore(), clock.NewFake(start), service.Config{})
		require.NoError(t, svc.RegisterWorkflow("sleeper", sleeperWorkflow))
		h, err := svc.Start(ctx, service.StartOptions{ID: "wf-1", Workflow: "sleeper"}, start.Add(-time.Hour))
		require.NoError(t, err)
		require.NoError(t, waitDone(t, h))
	})

	t.Run("SuspendedRunsDoNotHoldTaskSlots", func(t *testing.T) {
		svc := newService(t, storage.NewMemoryStore(), clock.NewFake(start), service.Config{MaxConcurrentWorkflowTasks: 1})
		require.NoError(t, svc.RegisterWorkflow("counter", counterWorkflow(nil)))

		ids := []string{"wf-1", "wf-2", "wf-3"}
		for _, id := range ids {
			_, err := svc.Start(ctx, service.StartOptions{ID: id, Workflow: "counter"}, nil)
			require.NoError(t, err)
		}
		for _, id := range ids {
			require.NoError(t, svc.Signal(ctx, id, "add", id))
		}
		for _, id := range ids {
			id := id
			assert.Eventually(t, func() bool {
				return assert.ObjectsAreEqual([]string{id}, queryEvents(t, svc, id))
			}, 2*time.Second, 5*time.Millisecond)
		}
	})
}

func TestWorkflowService_Recovery(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)

	t.Run("ShutdownKeepsRunRunningAndRecoverResumes", func(t *testing.T) {
		store := storage.NewMemoryStore()
		fake := clock.NewFake(start)

		svc1 := service.NewWorkflowService(ctx, store, fake, newLogger(), service.Config{})
		var starts int32
		require.NoError(t, svc1.RegisterWorkflow("counter", counterWorkflow(&starts)))
		_, err := svc1.Start(ctx, service.StartOptions{ID: "wf-1", Workflow: "counter"}, nil)
		require.NoError(t, err)
		require.NoError(t, svc1.Signal(ctx, "wf-1", "add", "a"))
		require.NoError(t, svc1.Signal(ctx, "wf-1", "add", "b-nocp"))
		assert.Eventually(t, func() bool {
			return assert.ObjectsAreEqual([]string{"a", "b-nocp"}, queryEvents(t, svc1, "wf-1"))
		}, 2*time.Second, 5*time.Millisecond)
		svc1.Stop()

		run, err := store.GetWorkflowRun(ctx, "wf-1")
		require.NoError(t, err)
		assert.Equal(t, models.RunningRunStatus, run.Status)

		svc2 := newService(t, store, fake, service.Config{})
		require.NoError(t, svc2.RegisterWorkflow("counter", counterWorkflow(&starts)))
		// Signals sent while the run is not live wait in the inbox.
		require.NoError(t, svc2.Signal(ctx, "wf-1", "add", "c"))
		assert.Equal(t, []string{"a"}, queryEvents(t, svc2, "wf-1"))

		recovered, err := svc2.Recover(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, recovered)

		// "b-nocp" was never acknowledged so it is delivered again.
		assert.Eventually(t, func() bool {
			return assert.ObjectsAreEqual([]string{"a", "b-nocp", "c"}, queryEvents(t, svc2, "wf-1"))
		}, 2*time.Second, 5*time.Millisecond)
		assert.Equal(t, int32(2), atomic.LoadInt32(&starts))

		recovered, err = svc2.Recover(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, recovered)
	})

	t.Run("TimerRecomputedFromWallClock", func(t *testing.T) {
		store := storage.NewMemoryStore()
		fake := clock.NewFake(start)

		svc1 := service.NewWorkflowService(ctx, store, fake, newLogger(), service.Config{})
		require.NoError(t, svc1.RegisterWorkflow("sleeper", sleeperWorkflow))
		_, err := svc1.Start(ctx, service.StartOptions{ID: "wf-1", Workflow: "sleeper"}, start.Add(24*time.Hour))
		require.NoError(t, err)
		awaitTimer(t, fake)
		svc1.Stop()

		// Downtime spans the timer target.
		fake.Set(start.Add(48 * time.Hour))

		svc2 := newService(t, store, fake, service.Config{})
		require.NoError(t, svc2.RegisterWorkflow("sleeper", sleeperWorkflow))
		_, err = svc2.Recover(ctx)
		require.NoError(t, err)

		h, err := svc2.Start(ctx, service.StartOptions{ID: "wf-1", Workflow: "sleeper"}, nil)
		require.NoError(t, err)
		require.NoError(t, waitDone(t, h))

		raw, err := svc2.Query(ctx, "wf-1", "state")
		require.NoError(t, err)
		var state sleeperState
		require.NoError(t, json.Unmarshal(raw, &state))
		assert.True(t, state.Woke)
	})
}

func TestExecuteActivityValue(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, storage.NewMemoryStore(), clock.NewRealClock(), service.Config{
		MaxConcurrentActivities:    1,
		MaxConcurrentWorkflowTasks: 1,
		DefaultRetryPolicy:         fastPolicy(2),
		ActivityTimeout:            5 * time.Millisecond,
	})

	var attempts int32
	result := make(chan string, 1)
	require.NoError(t, svc.RegisterWorkflow("picker", func(wctx *service.Context, input json.RawMessage) error {
		v, err := service.ExecuteActivityValue(wctx, "pick", func(ctx context.Context) (string, error) {
			if atomic.AddInt32(&attempts, 1) == 1 {
				// Finishes after the attempt was abandoned.
				time.Sleep(30 * time.Millisecond)
				return "stale", nil
			}
			return "fresh", nil
		})
		if err != nil {
			return err
		}
		result <- v
		return nil
	}))

	h, err := svc.Start(ctx, service.StartOptions{ID: "wf-1", Workflow: "picker"}, nil)
	require.NoError(t, err)
	require.NoError(t, waitDone(t, h))
	assert.Equal(t, "fresh", <-result)
	assert.Equal(t, int32(2), atomic.LoadInt32(&attempts))
}

// staleRunStore reports the next read of a run as RUNNING, as a reader racing
// the run's completion would see it.
type staleRunStore struct {
	storage.Store
	stale atomic.Bool
}

func (s *staleRunStore) GetWorkflowRun(ctx context.Context, id string) (models.WorkflowRun, error) {
	run, err := s.Store.GetWorkflowRun(ctx, id)
	if err == nil && s.stale.CompareAndSwap(true, false) {
		run.Status = models.RunningRunStatus
	}
	return run, err
}

func TestWorkflowService_SignalRacingCompletion(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	store := &staleRunStore{Store: storage.NewMemoryStore()}
	svc := newService(t, store, clock.NewFake(start), service.Config{})
	require.NoError(t, svc.RegisterWorkflow("counter", counterWorkflow(nil)))

	h, err := svc.Start(ctx, service.StartOptions{ID: "wf-1", Workflow: "counter"}, nil)
	require.NoError(t, err)
	require.NoError(t, svc.Signal(ctx, "wf-1", "stop", nil))
	require.NoError(t, waitDone(t, h))

	store.stale.Store(true)
	err = svc.Signal(ctx, "wf-1", "add", "late")
	assert.ErrorIs(t, err, service.ErrWorkflowNotFound)
	assert.False(t, store.stale.Load())
}

func TestWorkflowService_InputValidator(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	svc := newService(t, store, clock.NewFake(time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)), service.Config{})
	errEmpty := errors.New("empty name")
	require.NoError(t, svc.RegisterWorkflow("named", func(wctx *service.Context, input json.RawMessage) error {
		return nil
	}, service.WithInputValidator(func(raw json.RawMessage) error {
		var name string
		if err := json.Unmarshal(raw, &name); err != nil {
			return err
		}
		if name == "" {
			return errEmpty
		}
		return nil
	})))

	_, err := svc.Start(ctx, service.StartOptions{ID: "wf-1", Workflow: "named"}, "")
	assert.ErrorIs(t, err, service.ErrInvalidInput)
	assert.ErrorIs(t, err, errEmpty)
	exists, err := svc.Exists(ctx, "wf-1")
	require.NoError(t, err)
	assert.False(t, exists)
	runs, err := store.ListWorkflowRuns(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, runs)

	h, err := svc.Start(ctx, service.StartOptions{ID: "wf-1", Workflow: "named"}, "ok")
	require.NoError(t, err)
	require.NoError(t, waitDone(t, h))
}
