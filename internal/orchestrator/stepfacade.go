package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/maestro-run/maestro/internal/backend"
	"github.com/maestro-run/maestro/pkg/maestro"
)

// suspendSignal unwinds the handler's call stack when a step blocks on
// an external event, a manual pause, a future deadline, or discovers
// that the run was cancelled or paused out from under it by a
// concurrent call. The handler is ordinary synchronous Go code and has
// no way to "return early" from an arbitrary call depth on its own;
// panic/recover is the mechanism that lets the step facade suspend
// replay without requiring the caller's handler to thread a suspend
// signal through every return value. It never escapes this package.
type suspendSignal struct {
	stepID string
}

// stepRunner is the maestro.Step implementation bound to one run for
// the duration of a single dispatch attempt. Every method acquires the
// run's row lock only for the brief read-check-write around its own
// bookkeeping; the step body itself — and everything else the handler
// does between step calls — runs with no lock held, so a long-running
// step never blocks a concurrent PauseWorkflow/CancelWorkflow call or
// another run's dispatch.
type stepRunner struct {
	ctx   context.Context
	be    backend.Backend
	runID string
}

func newStepRunner(ctx context.Context, be backend.Backend, runID string) *stepRunner {
	return &stepRunner{ctx: ctx, be: be, runID: runID}
}

const waitSuffix = "-wait-for"

func decode(data []byte) any {
	if len(data) == 0 {
		return nil
	}
	var out any
	_ = json.Unmarshal(data, &out)
	return out
}

func isRunning(s backend.Status) bool {
	return s == backend.StatusRunning
}

// checkAndMark locks the run, short-circuits (blocked=true) if it is no
// longer RUNNING — cancelled or paused by a concurrent call while this
// step's body was executing unlocked — returns the cached output
// (hit=true) if id has already run to success, and otherwise records
// currentStepId and releases the lock so the caller's body() can run
// outside any transaction.
func (s *stepRunner) checkAndMark(id string) (cached any, hit bool, blocked bool, err error) {
	err = s.be.WithRunLock(s.ctx, s.runID, func(ctx context.Context, run *backend.Run) (*backend.Run, error) {
		if !isRunning(run.Status) {
			blocked = true
			return nil, nil
		}
		if entry, ok := run.Timeline[id]; ok && entry.Output != nil {
			hit = true
			cached = decode(entry.Output)
			return nil, nil
		}
		run.CurrentStepID = id
		return run, nil
	})
	return cached, hit, blocked, err
}

// commitOutput re-locks the run after body() returns and merges its
// cached output, short-circuiting instead if the run stopped being
// RUNNING while the body executed.
func (s *stepRunner) commitOutput(id string, data []byte) (blocked bool, err error) {
	err = s.be.WithRunLock(s.ctx, s.runID, func(ctx context.Context, run *backend.Run) (*backend.Run, error) {
		if !isRunning(run.Status) {
			blocked = true
			return nil, nil
		}
		if run.Timeline == nil {
			run.Timeline = make(map[string]backend.TimelineEntry)
		}
		run.Timeline[id] = backend.TimelineEntry{Output: data, Timestamp: time.Now()}
		return run, nil
	})
	return blocked, err
}

// Run executes fn at most once per step id. On replay, if id has
// already completed, fn is not called and the cached result from the
// first successful call is returned instead.
func (s *stepRunner) Run(id string, fn func() (any, error)) (any, error) {
	cached, hit, blocked, err := s.checkAndMark(id)
	if err != nil {
		return nil, err
	}
	if blocked {
		panic(&suspendSignal{stepID: id})
	}
	if hit {
		return cached, nil
	}

	result, ferr := fn()
	if ferr != nil {
		return nil, ferr
	}

	data, merr := json.Marshal(result)
	if merr != nil {
		return nil, fmt.Errorf("encoding output of step %q: %w", id, merr)
	}

	blocked, err = s.commitOutput(id, data)
	if err != nil {
		return nil, err
	}
	if blocked {
		panic(&suspendSignal{stepID: id})
	}
	return result, nil
}

// markWait locks the run, short-circuits on a concurrent cancel/pause,
// returns the cached output if the wait already resolved on a prior
// dispatch, and otherwise marks the run PAUSED with a wait-for entry
// naming event (and an optional deadline) before releasing the lock.
func (s *stepRunner) markWait(id, event string, deadline *time.Time) (cached any, hit bool, blocked bool, err error) {
	err = s.be.WithRunLock(s.ctx, s.runID, func(ctx context.Context, run *backend.Run) (*backend.Run, error) {
		if !isRunning(run.Status) {
			blocked = true
			return nil, nil
		}
		if entry, ok := run.Timeline[id]; ok && entry.Output != nil {
			hit = true
			cached = decode(entry.Output)
			return nil, nil
		}
		run.CurrentStepID = id
		if run.Timeline == nil {
			run.Timeline = make(map[string]backend.TimelineEntry)
		}
		markKey := id + waitSuffix
		if _, ok := run.Timeline[markKey]; !ok {
			run.Timeline[markKey] = backend.TimelineEntry{
				WaitFor:   &backend.WaitMark{Event: event, Deadline: deadline},
				Timestamp: time.Now(),
			}
		}
		now := time.Now()
		run.Status = backend.StatusPaused
		run.PausedAt = &now
		return run, nil
	})
	return cached, hit, blocked, err
}

// WaitFor suspends until event arrives via TriggerEvent. A positive
// timeout is only recorded as the wait marker's deadline: nothing
// resolves or fails the wait when it passes (the engine does not run a
// background sweeper for unresolved waits; see design notes).
func (s *stepRunner) WaitFor(id string, event string, timeout time.Duration) (any, error) {
	var deadline *time.Time
	if timeout > 0 {
		t := time.Now().Add(timeout)
		deadline = &t
	}

	cached, hit, blocked, err := s.markWait(id, event, deadline)
	if err != nil {
		return nil, err
	}
	if blocked {
		panic(&suspendSignal{stepID: id})
	}
	if hit {
		return cached, nil
	}
	panic(&suspendSignal{stepID: id})
}

// manualPauseEvent is the WaitMark.Event sentinel for step.pause.
// ResumeWorkflow resolves it; so does TriggerEvent called with this
// event name, since TriggerEvent matches any event name.
const manualPauseEvent = "__pause__"

// Pause suspends the run until ResumeWorkflow is called for this run.
func (s *stepRunner) Pause(id string) error {
	_, err := s.WaitFor(id, manualPauseEvent, 0)
	return err
}

// deadlineEvent is the WaitMark.Event sentinel for step.waitUntil.
const deadlineEvent = "__deadline__"

// WaitUntil suspends until the wall clock passes until, resolving on its
// own without an external event or explicit resume.
func (s *stepRunner) WaitUntil(id string, until time.Time) error {
	var hit, blocked bool
	err := s.be.WithRunLock(s.ctx, s.runID, func(ctx context.Context, run *backend.Run) (*backend.Run, error) {
		if !isRunning(run.Status) {
			blocked = true
			return nil, nil
		}
		if entry, ok := run.Timeline[id]; ok && entry.Output != nil {
			hit = true
			return nil, nil
		}
		run.CurrentStepID = id
		if run.Timeline == nil {
			run.Timeline = make(map[string]backend.TimelineEntry)
		}
		if !time.Now().Before(until) {
			run.Timeline[id] = backend.TimelineEntry{Output: []byte("{}"), Timestamp: time.Now()}
			hit = true
			return run, nil
		}
		markKey := id + waitSuffix
		if _, ok := run.Timeline[markKey]; !ok {
			deadline := until
			run.Timeline[markKey] = backend.TimelineEntry{
				WaitFor:   &backend.WaitMark{Event: deadlineEvent, Deadline: &deadline},
				Timestamp: time.Now(),
			}
		}
		now := time.Now()
		run.Status = backend.StatusPaused
		run.PausedAt = &now
		return run, nil
	})
	if err != nil {
		return err
	}
	if blocked {
		panic(&suspendSignal{stepID: id})
	}
	if hit {
		return nil
	}
	panic(&suspendSignal{stepID: id})
}

var _ maestro.Step = (*stepRunner)(nil)

// Outcome describes how one dispatch attempt of a handler ended.
type Outcome struct {
	Output    any
	Suspended bool
	Err       error
}

// Invoke runs handler against the run named runID, recovering a
// suspendSignal into a non-error Outcome.Suspended result and any
// other panic into a recovered error so a single broken handler never
// takes down a worker goroutine. mws wraps the handler call in
// registration order. Every step call made through wctx.Step locks and
// persists its own bookkeeping directly against be; Invoke itself never
// holds the run's lock across the handler's execution.
func Invoke(ctx context.Context, be backend.Backend, runID string, handler maestro.Handler, mws []maestro.Middleware, wctx *maestro.WorkflowContext) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(*suspendSignal); ok {
				outcome = Outcome{Suspended: true}
				return
			}
			outcome = Outcome{Err: fmt.Errorf("workflow handler panicked: %v", r)}
		}
	}()

	wctx.Step = newStepRunner(ctx, be, runID)
	terminal := func() (any, error) { return handler(wctx, wctx) }
	out, err := Chain(wctx, wctx, mws, terminal)()
	return Outcome{Output: out, Err: err}
}
