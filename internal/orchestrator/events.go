package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/maestro-run/maestro/internal/backend"
	"github.com/maestro-run/maestro/internal/queue"
	workflowerrors "github.com/maestro-run/maestro/pkg/errors"
	"github.com/maestro-run/maestro/pkg/maestro"
)

// checkOwner returns a NotFoundError if resourceID is non-empty and does
// not match run's owning resource. An empty resourceID means the caller
// is not scoping by owner (e.g. an internal/admin path) and always
// matches. This is the single point enforcing spec's ownership contract:
// a mismatched resourceId must behave exactly like an unknown run id,
// never leak that the run exists under a different owner.
func checkOwner(run *backend.Run, resourceID string) error {
	if resourceID != "" && run.ResourceID != resourceID {
		return &workflowerrors.NotFoundError{Resource: "run", ID: run.ID}
	}
	return nil
}

// TriggerEvent resolves the first unresolved step.waitFor on run runID
// whose registered event name matches event, writing payload as that
// step's output, then re-enqueues the run for dispatch. If no step is
// waiting on event, TriggerEvent is a no-op. If resourceID is non-empty
// and does not match the run's owner, TriggerEvent behaves as if runID
// did not exist.
func (d *Dispatcher) TriggerEvent(ctx context.Context, runID, resourceID, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding event payload: %w", err)
	}

	var (
		def     *maestro.Definition
		resolved bool
	)
	err = d.be.WithRunLock(ctx, runID, func(ctx context.Context, run *backend.Run) (*backend.Run, error) {
		if err := checkOwner(run, resourceID); err != nil {
			return nil, err
		}
		stepID, ok := findWaiting(run, event)
		if !ok {
			return nil, nil
		}
		run.Timeline[stepID] = backend.TimelineEntry{Output: data, Timestamp: time.Now()}
		if run.Status == backend.StatusPaused {
			run.Status = backend.StatusRunning
			run.PausedAt = nil
		}

		got, derr := d.registry.Get(run.WorkflowID)
		if derr != nil {
			return nil, derr
		}
		def = got
		resolved = true
		return run, nil
	})
	if err != nil {
		return err
	}
	if !resolved {
		return nil
	}
	return d.Enqueue(ctx, def, runID, queue.SendOptions{})
}

// ResumeWorkflow resumes a paused run: either one blocked on step.pause
// (resolving that wait so the replay continues past it) or one paused
// via PauseWorkflow (which has no wait marker to resolve, just a status
// flip). It returns a ValidationError if the run is not currently paused.
func (d *Dispatcher) ResumeWorkflow(ctx context.Context, runID, resourceID string) error {
	var def *maestro.Definition
	err := d.be.WithRunLock(ctx, runID, func(ctx context.Context, run *backend.Run) (*backend.Run, error) {
		if err := checkOwner(run, resourceID); err != nil {
			return nil, err
		}
		if run.Status != backend.StatusPaused {
			return nil, &workflowerrors.ValidationError{
				Field:   "run",
				Message: fmt.Sprintf("run %s is not paused", runID),
			}
		}

		if stepID, ok := findWaiting(run, manualPauseEvent); ok {
			run.Timeline[stepID] = backend.TimelineEntry{Output: []byte("{}"), Timestamp: time.Now()}
		}
		run.Status = backend.StatusRunning

		got, derr := d.registry.Get(run.WorkflowID)
		if derr != nil {
			return nil, derr
		}
		def = got
		return run, nil
	})
	if err != nil {
		return err
	}
	return d.Enqueue(ctx, def, runID, queue.SendOptions{})
}

// PauseWorkflow force-pauses a pending or running run outside of any
// step.pause call, e.g. for an operator-initiated maintenance window.
// The run resumes exactly where its timeline left off, the same replay
// guarantee a step.pause-induced pause gives.
func (d *Dispatcher) PauseWorkflow(ctx context.Context, runID, resourceID string) error {
	return d.be.WithRunLock(ctx, runID, func(ctx context.Context, run *backend.Run) (*backend.Run, error) {
		if err := checkOwner(run, resourceID); err != nil {
			return nil, err
		}
		if run.Status != backend.StatusRunning && run.Status != backend.StatusPending {
			return nil, &workflowerrors.ValidationError{
				Field:   "run",
				Message: fmt.Sprintf("run %s cannot be paused from status %s", runID, run.Status),
			}
		}
		now := time.Now()
		run.Status = backend.StatusPaused
		run.PausedAt = &now
		return run, nil
	})
}

// CancelWorkflow moves a non-terminal run to Cancelled. A cancelled run
// is never redispatched even if a pending job for it still exists; the
// dispatcher's terminal-status check at the top of dispatch acks and
// discards that job.
func (d *Dispatcher) CancelWorkflow(ctx context.Context, runID, resourceID string) error {
	return d.be.WithRunLock(ctx, runID, func(ctx context.Context, run *backend.Run) (*backend.Run, error) {
		if err := checkOwner(run, resourceID); err != nil {
			return nil, err
		}
		if isTerminal(run.Status) {
			return nil, &workflowerrors.ValidationError{
				Field:   "run",
				Message: fmt.Sprintf("run %s is already %s", runID, run.Status),
			}
		}
		now := time.Now()
		run.Status = backend.StatusCancelled
		run.CompletedAt = &now
		return run, nil
	})
}

// findWaiting returns the step id of the first unresolved wait-for
// marker matching event.
func findWaiting(run *backend.Run, event string) (string, bool) {
	for key, entry := range run.Timeline {
		if !strings.HasSuffix(key, waitSuffix) || entry.WaitFor == nil || entry.WaitFor.Event != event {
			continue
		}
		stepID := strings.TrimSuffix(key, waitSuffix)
		if out, ok := run.Timeline[stepID]; ok && out.Output != nil {
			continue // already resolved
		}
		return stepID, true
	}
	return "", false
}
