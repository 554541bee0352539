package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/maestro-run/maestro/internal/backend"
	workflowlog "github.com/maestro-run/maestro/internal/log"
	"github.com/maestro-run/maestro/internal/metrics"
	"github.com/maestro-run/maestro/internal/queue"
	workflowerrors "github.com/maestro-run/maestro/pkg/errors"
	"github.com/maestro-run/maestro/pkg/maestro"
)

// SharedQueue is the queue name every StartWorkflow call without a
// concurrency limit or cron schedule lands on.
const SharedQueue = "workflow-run"

// Dispatcher owns the worker pool: it subscribes to the shared queue and
// to every per-workflow queue, loads and locks the run named in each
// job, replays the handler, and persists the outcome.
type Dispatcher struct {
	registry *Registry
	be       backend.Backend
	q        queue.Queue
	log      *slog.Logger
	metrics  metrics.Collector
	tracer   trace.Tracer
	workers  int

	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

// NewDispatcher creates a Dispatcher with workers concurrent workers on
// the shared queue (per-workflow queues each get their own dedicated
// goroutine regardless of this value, bounded by their own concurrency
// limit).
func NewDispatcher(registry *Registry, be backend.Backend, q queue.Queue, workers int, log *slog.Logger, mc metrics.Collector, tracer trace.Tracer) *Dispatcher {
	if workers <= 0 {
		workers = 10
	}
	if mc == nil {
		mc = metrics.Noop{}
	}
	return &Dispatcher{registry: registry, be: be, q: q, log: log, metrics: mc, tracer: tracer, workers: workers}
}

// Start launches the worker pool against the shared queue and every
// concurrency-limited or cron-configured workflow's dedicated queue.
func (d *Dispatcher) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	if err := d.q.CreateQueue(ctx, SharedQueue, 0); err != nil {
		return fmt.Errorf("creating shared queue: %w", err)
	}
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			_ = d.q.Work(ctx, SharedQueue, d.handleJob)
		}()
	}

	for _, def := range d.registry.All() {
		if def.Concurrency.Limit <= 0 && def.Cron == nil {
			continue
		}
		queueName := workflowQueueName(def)
		if err := d.q.CreateQueue(ctx, queueName, def.Concurrency.Limit); err != nil {
			return fmt.Errorf("creating queue for workflow %s: %w", def.ID, err)
		}
		n := def.Concurrency.Limit
		if n <= 0 {
			n = 1
		}
		for i := 0; i < n; i++ {
			d.wg.Add(1)
			go func() {
				defer d.wg.Done()
				_ = d.q.Work(ctx, queueName, d.handleJob)
			}()
		}
	}
	return nil
}

// Stop cancels every worker goroutine and waits for them to return.
func (d *Dispatcher) Stop(ctx context.Context) error {
	if d.cancel != nil {
		d.cancel()
	}
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enqueue submits a job for an already-created run onto the queue its
// workflow definition belongs on.
func (d *Dispatcher) Enqueue(ctx context.Context, def *maestro.Definition, runID string, opts queue.SendOptions) error {
	payload, err := json.Marshal(jobPayload{WorkflowID: def.ID, RunID: runID})
	if err != nil {
		return fmt.Errorf("encoding job payload: %w", err)
	}

	queueName := SharedQueue
	if def.Concurrency.Limit > 0 || def.Cron != nil {
		queueName = workflowQueueName(def)
	}
	_, err = d.q.Send(ctx, queueName, payload, opts)
	return err
}

// handleJob is the queue.Handler bound to every worker goroutine.
func (d *Dispatcher) handleJob(ctx context.Context, job *queue.Job) error {
	var p jobPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		// A malformed payload can never succeed; ack it rather than
		// retrying forever.
		d.log.Error("discarding malformed job payload", workflowlog.Error(err))
		return nil
	}

	def, err := d.registry.Get(p.WorkflowID)
	if err != nil {
		d.log.Warn("job references unknown workflow, discarding", "workflow_id", p.WorkflowID)
		return nil
	}

	if p.RunID == "" && def.Cron != nil {
		// A cron tick carries no run id: create the run it starts.
		run, cerr := d.be.CreateRun(ctx, &backend.Run{
			ID: NewRunID(), WorkflowID: def.ID, Status: backend.StatusPending,
			Input: p.Input, MaxRetries: def.Retry.MaxAttempts,
			Timeline: map[string]backend.TimelineEntry{},
			Cron:     def.Cron.Expression, Timezone: def.Cron.Timezone,
		})
		if cerr != nil {
			return cerr
		}
		p.RunID = run.ID
	}

	if d.tracer != nil {
		var span trace.Span
		ctx, span = d.tracer.Start(ctx, "maestro.dispatch", trace.WithAttributes(
			attribute.String("workflow_id", p.WorkflowID),
			attribute.String("run_id", p.RunID),
		))
		defer span.End()
	}

	return d.dispatch(ctx, def, p.RunID)
}

// dispatch runs one attempt of def's handler against runID. Per spec, the
// run's row lock is only held for the brief transitions around the
// handler call — never for the handler's own duration — so a
// long-running step body never blocks a concurrent PauseWorkflow,
// CancelWorkflow, or another run's dispatch. The lock is acquired here
// once to flip the run to RUNNING, released for the entire Invoke call
// (whose step facade takes and releases the lock itself around each of
// its own brief bookkeeping writes), then re-acquired to record the
// final outcome.
func (d *Dispatcher) dispatch(ctx context.Context, def *maestro.Definition, runID string) error {
	var runSnap *backend.Run
	proceed := false
	firstDispatch := false

	err := d.be.WithRunLock(ctx, runID, func(ctx context.Context, run *backend.Run) (*backend.Run, error) {
		// A run paused on a step.waitUntil whose deadline has passed is
		// resumed by this job (the one resumeIfDeadlineBound enqueued).
		deadlineDue := false
		if mark, ok := run.Timeline[run.CurrentStepID+waitSuffix]; ok && mark.WaitFor != nil &&
			mark.WaitFor.Event == deadlineEvent && mark.WaitFor.Deadline != nil &&
			run.Timeline[run.CurrentStepID].Output == nil {
			deadlineDue = !time.Now().Before(*mark.WaitFor.Deadline)
		}
		if isTerminal(run.Status) || (run.Status == backend.StatusPaused && !deadlineDue) {
			// Already terminal, or paused (waiting on an event, a manual
			// resume, or a deadline still ahead): nothing to do with this job.
			runSnap = run
			return nil, nil
		}

		now := time.Now()
		firstDispatch = run.StartedAt == nil
		if run.StartedAt == nil {
			run.StartedAt = &now
		}
		run.Status = backend.StatusRunning
		run.PausedAt = nil
		proceed = true
		runSnap = run
		return run, nil
	})
	if err != nil {
		return err
	}
	if !proceed {
		return nil
	}
	if firstDispatch {
		d.metrics.RunStarted(def.ID)
		safeHook(func() {
			if def.Hooks.OnStart != nil {
				def.Hooks.OnStart(ctx, toPublicRun(runSnap))
			}
		}, d.log)
	}

	wctx := &maestro.WorkflowContext{
		Context:    ctx,
		RunID:      runSnap.ID,
		WorkflowID: runSnap.WorkflowID,
		ResourceID: runSnap.ResourceID,
		Input:      decode(runSnap.Input),
		Attempt:    runSnap.RetryCount + 1,
		Logger:     workflowlog.WithCorrelationID(workflowlog.WithRunContext(d.log, runSnap.ID, runSnap.WorkflowID), runSnap.CorrelationID),
	}
	if runSnap.Cron != "" {
		sc := &maestro.ScheduleContext{Expression: runSnap.Cron, Timestamp: runSnap.CreatedAt, Timezone: runSnap.Timezone}
		if sc.Timezone == "" {
			sc.Timezone = "UTC"
		}
		if last, lerr := d.be.GetLastCompleted(ctx, def.ID); lerr == nil && last != nil && last.CompletedAt != nil {
			sc.LastTimestamp = last.CompletedAt
		}
		wctx.Schedule = sc
	}

	outcome := Invoke(ctx, d.be, runID, def.Handler, def.Middleware, wctx)

	final, rerr := d.be.GetRun(ctx, runID)
	if rerr != nil {
		return rerr
	}

	switch {
	case outcome.Suspended:
		// The step facade already committed PAUSED (or left an
		// externally-set CANCELLED/PAUSED status untouched) under its own
		// lock; nothing further to persist here.

	case outcome.Err != nil:
		werr := d.be.WithRunLock(ctx, runID, func(ctx context.Context, run *backend.Run) (*backend.Run, error) {
			if isTerminal(run.Status) {
				// A concurrent CancelWorkflow beat this dispatch to the
				// lock: terminal status is never overwritten.
				final = run
				return nil, nil
			}
			now := time.Now()
			run.RetryCount++
			if run.RetryCount >= run.MaxRetries {
				run.Status = backend.StatusFailed
				run.Error = outcome.Err.Error()
				run.CompletedAt = &now
			}
			final = run
			return run, nil
		})
		if werr != nil {
			return werr
		}

	default:
		werr := d.be.WithRunLock(ctx, runID, func(ctx context.Context, run *backend.Run) (*backend.Run, error) {
			if isTerminal(run.Status) {
				final = run
				return nil, nil
			}
			now := time.Now()
			run.Status = backend.StatusCompleted
			run.CompletedAt = &now
			if data, merr := json.Marshal(outcome.Output); merr == nil {
				run.Output = data
			}
			final = run
			return run, nil
		})
		if werr != nil {
			return werr
		}
	}

	d.afterDispatch(ctx, def, final, outcome)
	return nil
}

// afterDispatch runs hooks and schedules retries/resumption outside the
// run lock, so user hook code and queue I/O never hold a database
// transaction open.
func (d *Dispatcher) afterDispatch(ctx context.Context, def *maestro.Definition, run *backend.Run, outcome Outcome) {
	switch run.Status {
	case backend.StatusCompleted:
		d.metrics.RunCompleted(def.ID, time.Since(*run.StartedAt))
		safeHook(func() {
			if def.Hooks.OnSuccess != nil {
				def.Hooks.OnSuccess(ctx, toPublicRun(run))
			}
		}, d.log)
		safeHook(func() {
			if def.Hooks.OnComplete != nil {
				def.Hooks.OnComplete(ctx, toPublicRun(run))
			}
		}, d.log)

	case backend.StatusFailed:
		d.metrics.RunFailed(def.ID)
		safeHook(func() {
			if def.Hooks.OnFailure != nil {
				def.Hooks.OnFailure(ctx, toPublicRun(run), &workflowerrors.WorkflowError{WorkflowID: def.ID, RunID: run.ID, Cause: outcome.Err})
			}
		}, d.log)
		safeHook(func() {
			if def.Hooks.OnComplete != nil {
				def.Hooks.OnComplete(ctx, toPublicRun(run))
			}
		}, d.log)

	case backend.StatusPaused:
		d.resumeIfDeadlineBound(ctx, def, run)

	case backend.StatusRunning:
		// Failed below MaxRetries: re-enqueue with backoff.
		d.metrics.RunRetried(def.ID)
		delay := NextDelay(def.Retry, run.RetryCount)
		_ = d.Enqueue(ctx, def, run.ID, queue.SendOptions{Delay: delay})
	}
}

// resumeIfDeadlineBound re-enqueues a paused run automatically once its
// step.waitUntil deadline arrives, since that wait resolves on its own
// rather than waiting for TriggerEvent or ResumeWorkflow.
func (d *Dispatcher) resumeIfDeadlineBound(ctx context.Context, def *maestro.Definition, run *backend.Run) {
	entry, ok := run.Timeline[run.CurrentStepID+waitSuffix]
	if !ok || entry.WaitFor == nil || entry.WaitFor.Event != deadlineEvent || entry.WaitFor.Deadline == nil {
		return
	}
	delay := time.Until(*entry.WaitFor.Deadline)
	if delay < 0 {
		delay = 0
	}
	_ = d.Enqueue(ctx, def, run.ID, queue.SendOptions{Delay: delay})
}

func safeHook(fn func(), log *slog.Logger) {
	defer func() {
		if r := recover(); r != nil && log != nil {
			log.Error("lifecycle hook panicked, ignoring", "panic", r)
		}
	}()
	fn()
}

func isTerminal(s backend.Status) bool {
	switch s {
	case backend.StatusCompleted, backend.StatusFailed, backend.StatusCancelled:
		return true
	default:
		return false
	}
}

func toPublicRun(r *backend.Run) *maestro.Run {
	return &maestro.Run{
		ID:             r.ID,
		WorkflowID:     r.WorkflowID,
		ResourceID:     r.ResourceID,
		IdempotencyKey: r.IdempotencyKey,
		Status:         maestro.Status(r.Status),
		Input:          decode(r.Input),
		Output:         decode(r.Output),
		Error:          r.Error,
		CurrentStepID:  r.CurrentStepID,
		RetryCount:     r.RetryCount,
		MaxRetries:     r.MaxRetries,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
		StartedAt:      r.StartedAt,
		PausedAt:       r.PausedAt,
		CompletedAt:    r.CompletedAt,
	}
}
