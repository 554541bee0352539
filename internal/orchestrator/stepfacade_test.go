package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestro-run/maestro/internal/backend"
	backendmem "github.com/maestro-run/maestro/internal/backend/memory"
	"github.com/maestro-run/maestro/pkg/maestro"
)

func newTestBackendRun(t *testing.T) (backend.Backend, string) {
	t.Helper()
	be := backendmem.New()
	run, err := be.CreateRun(context.Background(), &backend.Run{
		ID:         "run_1",
		WorkflowID: "wf",
		Status:     backend.StatusRunning,
		Timeline:   map[string]backend.TimelineEntry{},
	})
	require.NoError(t, err)
	return be, run.ID
}

func loadRun(t *testing.T, be backend.Backend, runID string) *backend.Run {
	t.Helper()
	run, err := be.GetRun(context.Background(), runID)
	require.NoError(t, err)
	return run
}

func testWorkflowContext(runID string) *maestro.WorkflowContext {
	return &maestro.WorkflowContext{Context: context.Background(), RunID: runID, WorkflowID: "wf"}
}

func TestStepRunner_Run_CachesResultAcrossReplay(t *testing.T) {
	be, runID := newTestBackendRun(t)
	calls := 0

	s := newStepRunner(context.Background(), be, runID)
	out, err := s.Run("charge-card", func() (any, error) {
		calls++
		return map[string]any{"amount": float64(100)}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, float64(100), out.(map[string]any)["amount"])

	// Replay against the same run: fn must not be called again.
	replay := newStepRunner(context.Background(), be, runID)
	out2, err := replay.Run("charge-card", func() (any, error) {
		calls++
		return nil, errors.New("must not run")
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, out, out2)
}

func TestStepRunner_Run_PropagatesError(t *testing.T) {
	be, runID := newTestBackendRun(t)
	s := newStepRunner(context.Background(), be, runID)

	_, err := s.Run("step", func() (any, error) { return nil, errors.New("boom") })
	assert.EqualError(t, err, "boom")

	run := loadRun(t, be, runID)
	_, cached := run.Timeline["step"]
	assert.False(t, cached, "a failed step must not leave a cached entry")
}

func TestStepRunner_Run_DoesNotHoldLockAcrossBody(t *testing.T) {
	be, runID := newTestBackendRun(t)
	s := newStepRunner(context.Background(), be, runID)

	bodyEntered := make(chan struct{})
	releaseBody := make(chan struct{})
	done := make(chan struct{})

	go func() {
		_, _ = s.Run("slow-step", func() (any, error) {
			close(bodyEntered)
			<-releaseBody
			return "ok", nil
		})
		close(done)
	}()

	<-bodyEntered
	// While the step body is still running, the run's lock must be free:
	// a concurrent operation against the same run must not block.
	lockAcquired := make(chan struct{})
	go func() {
		_ = be.WithRunLock(context.Background(), runID, func(ctx context.Context, run *backend.Run) (*backend.Run, error) {
			close(lockAcquired)
			return nil, nil
		})
	}()

	select {
	case <-lockAcquired:
	case <-time.After(time.Second):
		t.Fatal("WithRunLock blocked while a step body was executing, meaning the lock is held across body()")
	}

	close(releaseBody)
	<-done
}

func TestStepRunner_Run_ShortCircuitsWhenRunCancelledDuringBody(t *testing.T) {
	be, runID := newTestBackendRun(t)
	s := newStepRunner(context.Background(), be, runID)

	assert.PanicsWithValue(t, &suspendSignal{stepID: "step"}, func() {
		_, _ = s.Run("step", func() (any, error) {
			err := be.WithRunLock(context.Background(), runID, func(ctx context.Context, run *backend.Run) (*backend.Run, error) {
				run.Status = backend.StatusCancelled
				return run, nil
			})
			require.NoError(t, err)
			return "should not be committed", nil
		})
	})

	run := loadRun(t, be, runID)
	assert.Equal(t, backend.StatusCancelled, run.Status, "a concurrent cancel must not be overwritten")
	_, cached := run.Timeline["step"]
	assert.False(t, cached, "output must not be committed once the run is no longer running")
}

func TestStepRunner_WaitFor_SuspendsThenResolves(t *testing.T) {
	be, runID := newTestBackendRun(t)
	s := newStepRunner(context.Background(), be, runID)

	assert.PanicsWithValue(t, &suspendSignal{stepID: "approval"}, func() {
		_, _ = s.WaitFor("approval", "approved", 0)
	})

	run := loadRun(t, be, runID)
	assert.Equal(t, backend.StatusPaused, run.Status)
	mark, ok := run.Timeline["approval"+waitSuffix]
	require.True(t, ok)
	assert.Equal(t, "approved", mark.WaitFor.Event)
	assert.Nil(t, mark.WaitFor.Deadline)

	// Simulate TriggerEvent resolving the wait and re-running the handler.
	err := be.WithRunLock(context.Background(), runID, func(ctx context.Context, run *backend.Run) (*backend.Run, error) {
		run.Timeline["approval"] = backend.TimelineEntry{Output: []byte(`{"ok":true}`)}
		run.Status = backend.StatusRunning
		return run, nil
	})
	require.NoError(t, err)

	replay := newStepRunner(context.Background(), be, runID)
	out, err := replay.WaitFor("approval", "approved", 0)
	require.NoError(t, err)
	assert.Equal(t, true, out.(map[string]any)["ok"])
}

func TestStepRunner_WaitFor_WithTimeoutSetsDeadline(t *testing.T) {
	be, runID := newTestBackendRun(t)
	s := newStepRunner(context.Background(), be, runID)

	assert.Panics(t, func() {
		_, _ = s.WaitFor("step", "event", 5*time.Minute)
	})

	run := loadRun(t, be, runID)
	mark := run.Timeline["step"+waitSuffix]
	require.NotNil(t, mark.WaitFor.Deadline)
	assert.WithinDuration(t, time.Now().Add(5*time.Minute), *mark.WaitFor.Deadline, time.Second)
}

func TestStepRunner_Pause_SuspendsThenResolvesOnResume(t *testing.T) {
	be, runID := newTestBackendRun(t)
	s := newStepRunner(context.Background(), be, runID)

	assert.Panics(t, func() { _ = s.Pause("manual-review") })

	run := loadRun(t, be, runID)
	mark := run.Timeline["manual-review"+waitSuffix]
	require.NotNil(t, mark.WaitFor)
	assert.Equal(t, manualPauseEvent, mark.WaitFor.Event)

	err := be.WithRunLock(context.Background(), runID, func(ctx context.Context, run *backend.Run) (*backend.Run, error) {
		run.Timeline["manual-review"] = backend.TimelineEntry{Output: []byte("{}")}
		run.Status = backend.StatusRunning
		return run, nil
	})
	require.NoError(t, err)

	replay := newStepRunner(context.Background(), be, runID)
	assert.NoError(t, replay.Pause("manual-review"))
}

func TestStepRunner_WaitUntil_ResolvesImmediatelyWhenPast(t *testing.T) {
	be, runID := newTestBackendRun(t)
	s := newStepRunner(context.Background(), be, runID)

	err := s.WaitUntil("cooldown", time.Now().Add(-time.Minute))
	require.NoError(t, err)

	run := loadRun(t, be, runID)
	_, ok := run.Timeline["cooldown"+waitSuffix]
	assert.False(t, ok, "a past deadline must resolve without leaving a wait marker")
	assert.Equal(t, backend.StatusRunning, run.Status, "an immediately-resolved wait must not pause the run")
}

func TestStepRunner_WaitUntil_SuspendsWhenFuture(t *testing.T) {
	be, runID := newTestBackendRun(t)
	s := newStepRunner(context.Background(), be, runID)

	until := time.Now().Add(time.Hour)
	assert.Panics(t, func() { _ = s.WaitUntil("cooldown", until) })

	run := loadRun(t, be, runID)
	assert.Equal(t, backend.StatusPaused, run.Status)
	mark := run.Timeline["cooldown"+waitSuffix]
	require.NotNil(t, mark.WaitFor)
	assert.Equal(t, deadlineEvent, mark.WaitFor.Event)
	assert.Equal(t, until, *mark.WaitFor.Deadline)
}

func TestInvoke_RecoversSuspendSignalAsSuspendedOutcome(t *testing.T) {
	be, runID := newTestBackendRun(t)
	wctx := testWorkflowContext(runID)

	outcome := Invoke(context.Background(), be, runID, func(ctx context.Context, w *maestro.WorkflowContext) (any, error) {
		panic(&suspendSignal{stepID: "x"})
	}, nil, wctx)

	assert.True(t, outcome.Suspended)
	assert.NoError(t, outcome.Err)
}

func TestInvoke_RecoversArbitraryPanicAsError(t *testing.T) {
	be, runID := newTestBackendRun(t)
	wctx := testWorkflowContext(runID)

	outcome := Invoke(context.Background(), be, runID, func(ctx context.Context, w *maestro.WorkflowContext) (any, error) {
		panic("unexpected")
	}, nil, wctx)

	assert.False(t, outcome.Suspended)
	require.Error(t, outcome.Err)
	assert.Contains(t, outcome.Err.Error(), "unexpected")
}
