package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestro-run/maestro/internal/backend"
	backendmem "github.com/maestro-run/maestro/internal/backend/memory"
	"github.com/maestro-run/maestro/internal/queue"
	queuemem "github.com/maestro-run/maestro/internal/queue/memory"
	"github.com/maestro-run/maestro/pkg/maestro"
)

var errBoom = errors.New("boom")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func waitForStatus(t *testing.T, be backend.RunStore, runID string, want backend.Status, timeout time.Duration) *backend.Run {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		run, err := be.GetRun(context.Background(), runID)
		require.NoError(t, err)
		if run.Status == want {
			return run
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s never reached status %s", runID, want)
	return nil
}

func TestDispatcher_CompletesSuccessfulRun(t *testing.T) {
	registry := NewRegistry()
	be := backendmem.New()
	q := queuemem.New()

	def := &maestro.Definition{
		ID:    "greet",
		Retry: maestro.DefaultRetryPolicy,
		Handler: func(ctx context.Context, wctx *maestro.WorkflowContext) (any, error) {
			return "hello", nil
		},
	}
	require.NoError(t, registry.Register(def))

	d := NewDispatcher(registry, be, q, 2, testLogger(), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, d.Start(ctx))
	defer d.Stop(context.Background())

	run := &backend.Run{ID: "run_1", WorkflowID: "greet", Status: backend.StatusPending, MaxRetries: 3, Timeline: map[string]backend.TimelineEntry{}}
	_, err := be.CreateRun(context.Background(), run)
	require.NoError(t, err)
	require.NoError(t, d.Enqueue(context.Background(), def, run.ID, queue.SendOptions{}))

	final := waitForStatus(t, be, run.ID, backend.StatusCompleted, time.Second)
	assert.Equal(t, `"hello"`, string(final.Output))
}

func TestDispatcher_RetriesThenFails(t *testing.T) {
	registry := NewRegistry()
	be := backendmem.New()
	q := queuemem.New()

	def := &maestro.Definition{
		ID:    "flaky",
		Retry: maestro.RetryPolicy{MaxAttempts: 2, MinDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Factor: 2},
		Handler: func(ctx context.Context, wctx *maestro.WorkflowContext) (any, error) {
			return nil, errBoom
		},
	}
	require.NoError(t, registry.Register(def))

	d := NewDispatcher(registry, be, q, 2, testLogger(), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, d.Start(ctx))
	defer d.Stop(context.Background())

	run := &backend.Run{ID: "run_1", WorkflowID: "flaky", Status: backend.StatusPending, MaxRetries: 2, Timeline: map[string]backend.TimelineEntry{}}
	_, err := be.CreateRun(context.Background(), run)
	require.NoError(t, err)
	require.NoError(t, d.Enqueue(context.Background(), def, run.ID, queue.SendOptions{}))

	final := waitForStatus(t, be, run.ID, backend.StatusFailed, time.Second)
	assert.Equal(t, 2, final.RetryCount)
	assert.Contains(t, final.Error, "boom")
}

func TestDispatcher_SuspendsOnWaitFor(t *testing.T) {
	registry := NewRegistry()
	be := backendmem.New()
	q := queuemem.New()

	def := &maestro.Definition{
		ID:    "approval",
		Retry: maestro.DefaultRetryPolicy,
		Handler: func(ctx context.Context, wctx *maestro.WorkflowContext) (any, error) {
			out, err := wctx.Step.WaitFor("approve", "approved", 0)
			if err != nil {
				return nil, err
			}
			return out, nil
		},
	}
	require.NoError(t, registry.Register(def))

	d := NewDispatcher(registry, be, q, 2, testLogger(), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, d.Start(ctx))
	defer d.Stop(context.Background())

	run := &backend.Run{ID: "run_1", WorkflowID: "approval", Status: backend.StatusPending, MaxRetries: 3, Timeline: map[string]backend.TimelineEntry{}}
	_, err := be.CreateRun(context.Background(), run)
	require.NoError(t, err)
	require.NoError(t, d.Enqueue(context.Background(), def, run.ID, queue.SendOptions{}))

	waitForStatus(t, be, run.ID, backend.StatusPaused, time.Second)

	require.NoError(t, d.TriggerEvent(context.Background(), run.ID, "", "approved", map[string]any{"ok": true}))

	final := waitForStatus(t, be, run.ID, backend.StatusCompleted, time.Second)
	assert.Contains(t, string(final.Output), "ok")
}

func TestDispatcher_PauseAndResumeWorkflow(t *testing.T) {
	registry := NewRegistry()
	be := backendmem.New()
	q := queuemem.New()

	def := &maestro.Definition{
		ID:    "long-run",
		Retry: maestro.DefaultRetryPolicy,
		Handler: func(ctx context.Context, wctx *maestro.WorkflowContext) (any, error) {
			return "done", nil
		},
	}
	require.NoError(t, registry.Register(def))

	d := NewDispatcher(registry, be, q, 2, testLogger(), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, d.Start(ctx))
	defer d.Stop(context.Background())

	run := &backend.Run{ID: "run_1", WorkflowID: "long-run", Status: backend.StatusPending, MaxRetries: 3, Timeline: map[string]backend.TimelineEntry{}}
	_, err := be.CreateRun(context.Background(), run)
	require.NoError(t, err)

	require.NoError(t, d.PauseWorkflow(context.Background(), run.ID, ""))
	paused, err := be.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, backend.StatusPaused, paused.Status)

	require.NoError(t, d.ResumeWorkflow(context.Background(), run.ID, ""))
	final := waitForStatus(t, be, run.ID, backend.StatusCompleted, time.Second)
	assert.Equal(t, `"done"`, string(final.Output))
}

func TestDispatcher_CancelWorkflow(t *testing.T) {
	be := backendmem.New()
	registry := NewRegistry()
	d := NewDispatcher(registry, be, queuemem.New(), 1, testLogger(), nil, nil)

	run := &backend.Run{ID: "run_1", WorkflowID: "wf", Status: backend.StatusRunning, Timeline: map[string]backend.TimelineEntry{}}
	_, err := be.CreateRun(context.Background(), run)
	require.NoError(t, err)

	require.NoError(t, d.CancelWorkflow(context.Background(), run.ID, ""))
	got, err := be.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, backend.StatusCancelled, got.Status)
	assert.Error(t, d.CancelWorkflow(context.Background(), run.ID, ""), "cancelling an already-terminal run must fail")
}

func TestDispatcher_CancelWorkflow_WrongResourceIDNotFound(t *testing.T) {
	be := backendmem.New()
	registry := NewRegistry()
	d := NewDispatcher(registry, be, queuemem.New(), 1, testLogger(), nil, nil)

	run := &backend.Run{ID: "run_1", WorkflowID: "wf", ResourceID: "tenant-a", Status: backend.StatusRunning, Timeline: map[string]backend.TimelineEntry{}}
	_, err := be.CreateRun(context.Background(), run)
	require.NoError(t, err)

	err = d.CancelWorkflow(context.Background(), run.ID, "tenant-b")
	require.Error(t, err)

	got, gerr := be.GetRun(context.Background(), run.ID)
	require.NoError(t, gerr)
	assert.Equal(t, backend.StatusRunning, got.Status, "a resourceId mismatch must not mutate the run")
}

// TestDispatcher_ConcurrencyLimit_CapsInFlightHandlerBodies exercises spec's
// per-workflow concurrency limit (invariant 8): starting N runs against a
// workflow registered with Concurrency{Limit:1} must never let more than
// one of that workflow's handler bodies execute at the same instant, even
// though N runs are enqueued and dispatched concurrently. This is also the
// scenario that would have caught a dispatcher holding the run lock (or,
// worse, a single global backend lock) across the whole handler dispatch:
// either regression would have serialized every workflow's runs, not just
// this one's, without this test ever failing on the wrong axis.
func TestDispatcher_ConcurrencyLimit_CapsInFlightHandlerBodies(t *testing.T) {
	const n = 5

	registry := NewRegistry()
	be := backendmem.New()
	q := queuemem.New()

	var (
		mu      sync.Mutex
		current int
		maxSeen int
	)
	enter := make(chan struct{}, n)
	release := make(chan struct{})

	def := &maestro.Definition{
		ID:          "limited",
		Retry:       maestro.DefaultRetryPolicy,
		Concurrency: maestro.Concurrency{Limit: 1},
		Handler: func(ctx context.Context, wctx *maestro.WorkflowContext) (any, error) {
			mu.Lock()
			current++
			if current > maxSeen {
				maxSeen = current
			}
			mu.Unlock()

			enter <- struct{}{}
			<-release

			mu.Lock()
			current--
			mu.Unlock()
			return "ok", nil
		},
	}
	require.NoError(t, registry.Register(def))

	d := NewDispatcher(registry, be, q, 2, testLogger(), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, d.Start(ctx))
	defer d.Stop(context.Background())

	runIDs := make([]string, n)
	for i := 0; i < n; i++ {
		run := &backend.Run{ID: fmt.Sprintf("run_%d", i), WorkflowID: "limited", Status: backend.StatusPending, MaxRetries: 3, Timeline: map[string]backend.TimelineEntry{}}
		_, err := be.CreateRun(context.Background(), run)
		require.NoError(t, err)
		runIDs[i] = run.ID
		require.NoError(t, d.Enqueue(context.Background(), def, run.ID, queue.SendOptions{}))
	}

	// Drain exactly one in-flight handler at a time, confirming no second
	// one enters before the first is released.
	for i := 0; i < n; i++ {
		select {
		case <-enter:
		case <-time.After(2 * time.Second):
			t.Fatalf("handler %d never entered", i)
		}
		select {
		case <-enter:
			t.Fatal("a second handler entered while the first was still in flight")
		case <-time.After(20 * time.Millisecond):
		}
		release <- struct{}{}
	}

	for _, id := range runIDs {
		waitForStatus(t, be, id, backend.StatusCompleted, time.Second)
	}
	assert.Equal(t, 1, maxSeen, "concurrency limit of 1 must never be exceeded")
}
