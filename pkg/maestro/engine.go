package maestro

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/maestro-run/maestro/internal/backend"
	"github.com/maestro-run/maestro/internal/orchestrator"
	"github.com/maestro-run/maestro/internal/queue"
	workflowerrors "github.com/maestro-run/maestro/pkg/errors"
)

// Engine registers workflow definitions and drives their runs to
// completion. An Engine owns one Registry, one Dispatcher (worker pool),
// and one CronScheduler, all sharing a single Backend and Queue.
type Engine struct {
	registry *orchestrator.Registry
	dispatch *orchestrator.Dispatcher
	cron     *orchestrator.CronScheduler
	be       backend.Backend
	q        queue.Queue
	log      *slog.Logger
}

// New creates an Engine. WithBackend and WithQueue are required options.
func New(opts ...EngineOption) (*Engine, error) {
	cfg := &engineConfig{workers: 10}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.backend == nil {
		return nil, &workflowerrors.ConfigError{Key: "backend", Reason: "WithBackend is required"}
	}
	if cfg.queue == nil {
		return nil, &workflowerrors.ConfigError{Key: "queue", Reason: "WithQueue is required"}
	}
	if cfg.logger == nil {
		cfg.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}

	registry := orchestrator.NewRegistry()
	dispatch := orchestrator.NewDispatcher(registry, cfg.backend, cfg.queue, cfg.workers, cfg.logger, cfg.metrics, cfg.tracer)
	cron := orchestrator.NewCronScheduler(cfg.queue, cfg.backend, cfg.logger)

	return &Engine{
		registry: registry,
		dispatch: dispatch,
		cron:     cron,
		be:       cfg.backend,
		q:        cfg.queue,
		log:      cfg.logger,
	}, nil
}

// RegisterWorkflow registers a handler under id with the given options.
// Steps(...) should always be supplied so the engine knows the static
// step list without analyzing the handler's source.
func (e *Engine) RegisterWorkflow(id string, handler Handler, opts ...Option) error {
	def := &Definition{ID: id, Handler: handler, Retry: DefaultRetryPolicy}
	for _, opt := range opts {
		opt(def)
	}
	if def.Retry.MaxAttempts <= 0 {
		def.Retry = DefaultRetryPolicy
	}
	return e.registry.Register(def)
}

// UnregisterWorkflow removes a workflow registration and stops its cron
// schedule, if any.
func (e *Engine) UnregisterWorkflow(ctx context.Context, id string) error {
	def, err := e.registry.Get(id)
	if err == nil && def.Cron != nil {
		_ = e.cron.Stop(ctx, def)
	}
	e.registry.Unregister(id)
	return nil
}

// UnregisterAllWorkflows clears every registration.
func (e *Engine) UnregisterAllWorkflows() {
	e.registry.UnregisterAll()
}

// Start launches the dispatcher's worker pool and every registered
// cron schedule. Call after every workflow this process will run has
// been registered.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.dispatch.Start(ctx); err != nil {
		return fmt.Errorf("starting dispatcher: %w", err)
	}
	for _, def := range e.registry.All() {
		if def.Cron == nil {
			continue
		}
		if err := e.cron.Start(ctx, def); err != nil {
			return fmt.Errorf("starting cron for workflow %s: %w", def.ID, err)
		}
	}
	return nil
}

// Stop drains the dispatcher's worker pool and stops the queue.
func (e *Engine) Stop(ctx context.Context) error {
	if err := e.dispatch.Stop(ctx); err != nil {
		return err
	}
	return e.q.Stop(ctx)
}

// StartWorkflow creates a new run of workflow id with input and enqueues
// it for dispatch. If opts.IdempotencyKey matches a non-terminal run
// already in flight for this workflow, the existing run is returned
// instead of creating a duplicate.
func (e *Engine) StartWorkflow(ctx context.Context, id string, input any, opts StartOptions) (*Run, error) {
	def, err := e.registry.Get(id)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("encoding workflow input: %w", err)
	}

	maxRetries := def.Retry.MaxAttempts
	if opts.Options.Retries > 0 {
		maxRetries = opts.Options.Retries
	}

	timeout := def.Timeout
	if opts.Options.Timeout > 0 {
		timeout = opts.Options.Timeout
	}
	var timeoutAt *time.Time
	if timeout > 0 {
		t := time.Now().Add(timeout)
		timeoutAt = &t
	}

	run := &backend.Run{
		ID:             orchestrator.NewRunID(),
		WorkflowID:     id,
		ResourceID:     opts.ResourceID,
		IdempotencyKey: opts.IdempotencyKey,
		Status:         backend.StatusPending,
		Input:          data,
		MaxRetries:     maxRetries,
		Timeline:       map[string]backend.TimelineEntry{},
		CorrelationID:  uuid.NewString(),
		TimeoutAt:      timeoutAt,
	}

	created, err := e.be.CreateRun(ctx, run)
	if err != nil {
		return nil, fmt.Errorf("creating run: %w", err)
	}

	if created.ID == run.ID {
		// Only enqueue if CreateRun actually created this run rather
		// than returning a pre-existing idempotent match, which is
		// already in flight (or already enqueued) on its own.
		sendOpts := queue.SendOptions{}
		if opts.Options.ExpireInSeconds > 0 {
			sendOpts.Expiration = time.Duration(opts.Options.ExpireInSeconds) * time.Second
		}
		if err := e.dispatch.Enqueue(ctx, def, created.ID, sendOpts); err != nil {
			return nil, fmt.Errorf("enqueuing run: %w", err)
		}
	}

	return toPublicRun(created), nil
}

// PauseWorkflow force-pauses a pending or running run. If resourceID is
// non-empty and does not match the run's owner, PauseWorkflow behaves as
// if runID did not exist.
func (e *Engine) PauseWorkflow(ctx context.Context, runID, resourceID string) error {
	return e.dispatch.PauseWorkflow(ctx, runID, resourceID)
}

// ResumeWorkflow resumes a paused run. See PauseWorkflow for resourceID.
func (e *Engine) ResumeWorkflow(ctx context.Context, runID, resourceID string) error {
	return e.dispatch.ResumeWorkflow(ctx, runID, resourceID)
}

// CancelWorkflow cancels a non-terminal run. See PauseWorkflow for
// resourceID.
func (e *Engine) CancelWorkflow(ctx context.Context, runID, resourceID string) error {
	return e.dispatch.CancelWorkflow(ctx, runID, resourceID)
}

// TriggerEvent delivers an external event to any run currently blocked
// on a matching step.waitFor call. See PauseWorkflow for resourceID.
func (e *Engine) TriggerEvent(ctx context.Context, runID, resourceID, event string, payload any) error {
	return e.dispatch.TriggerEvent(ctx, runID, resourceID, event, payload)
}

// GetRun retrieves a single run by id. If resourceID is non-empty and
// does not match the run's owner, GetRun returns the same
// workflowerrors.NotFoundError an unknown id would.
func (e *Engine) GetRun(ctx context.Context, runID, resourceID string) (*Run, error) {
	run, err := e.be.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if err := checkRunOwner(run, resourceID); err != nil {
		return nil, err
	}
	return toPublicRun(run), nil
}

// GetRuns lists runs of workflow id matching filter, scoped to resourceID
// when non-empty.
func (e *Engine) GetRuns(ctx context.Context, workflowID, resourceID string, filter ListFilter) (RunPage, error) {
	statuses := make([]backend.Status, len(filter.Statuses))
	for i, s := range filter.Statuses {
		statuses[i] = backend.Status(s)
	}
	page, err := e.be.ListRuns(ctx, backend.RunFilter{
		WorkflowID:    workflowID,
		ResourceID:    resourceID,
		Statuses:      statuses,
		Limit:         filter.Limit,
		StartingAfter: filter.StartingAfter,
		EndingBefore:  filter.EndingBefore,
	})
	if err != nil {
		return RunPage{}, err
	}
	out := make([]*Run, len(page.Runs))
	for i, r := range page.Runs {
		out[i] = toPublicRun(r)
	}
	return RunPage{Runs: out, HasMore: page.HasMore}, nil
}

// CheckProgress summarizes how far a run has advanced against its
// workflow's static step list. See PauseWorkflow for resourceID.
func (e *Engine) CheckProgress(ctx context.Context, runID, resourceID string) (*Progress, error) {
	run, err := e.be.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if err := checkRunOwner(run, resourceID); err != nil {
		return nil, err
	}
	def, err := e.registry.Get(run.WorkflowID)
	if err != nil {
		return nil, err
	}
	p := orchestrator.CheckProgress(run, def)
	return &p, nil
}

// checkRunOwner mirrors orchestrator's checkOwner for the read paths that
// call e.be.GetRun directly rather than going through WithRunLock.
func checkRunOwner(run *backend.Run, resourceID string) error {
	if resourceID != "" && run.ResourceID != resourceID {
		return &workflowerrors.NotFoundError{Resource: "run", ID: run.ID}
	}
	return nil
}

func toPublicRun(r *backend.Run) *Run {
	var input, output any
	if len(r.Input) > 0 {
		_ = json.Unmarshal(r.Input, &input)
	}
	if len(r.Output) > 0 {
		_ = json.Unmarshal(r.Output, &output)
	}
	return &Run{
		ID:             r.ID,
		WorkflowID:     r.WorkflowID,
		ResourceID:     r.ResourceID,
		IdempotencyKey: r.IdempotencyKey,
		CorrelationID:  r.CorrelationID,
		Status:         Status(r.Status),
		Input:          input,
		Output:         output,
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
