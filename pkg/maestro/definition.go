// Package maestro is the public API of the workflow engine: workflow
// definitions, the run lifecycle, and the Engine that ties persistence,
// queueing, and dispatch together.
package maestro

import (
	"context"
	"time"
)

// Handler is user code for a workflow. It is re-entered on every replay
// after a pause/resume or a process restart; every side effect must go
// through the WorkflowContext's Step facade so it is cached in the run's
// timeline and not re-executed.
type Handler func(ctx context.Context, wctx *WorkflowContext) (any, error)

// RetryPolicy controls how the dispatcher retries a failed run.
type RetryPolicy struct {
	MaxAttempts int
	MinDelay    time.Duration
	MaxDelay    time.Duration
	Factor      float64
	Jitter      bool
}

// DefaultRetryPolicy is applied to a Definition that does not specify one.
// MaxDelay is left zero, meaning unbounded: NextDelay never caps the
// exponential backoff unless a policy sets MaxDelay explicitly.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 3,
	MinDelay:    time.Second,
	MaxDelay:    0,
	Factor:      2.0,
	Jitter:      true,
}

// Concurrency caps how many runs of a workflow may be in flight at once.
// A zero Limit means unbounded.
type Concurrency struct {
	Limit int
}

// Cron schedules a workflow to run on a recurring basis with a fixed
// input. Timezone defaults to UTC.
type Cron struct {
	Expression string
	Input      any
	Timezone   string
}

// Hooks are best-effort lifecycle callbacks. A hook that panics is
// logged and the panic swallowed: a broken hook must never fail the run
// it observes.
type Hooks struct {
	OnStart    func(ctx context.Context, run *Run)
	OnSuccess  func(ctx context.Context, run *Run)
	OnFailure  func(ctx context.Context, run *Run, err error)
	OnComplete func(ctx context.Context, run *Run)
	OnCancel   func(ctx context.Context, run *Run)
}

// Middleware wraps dispatch of a single run. Calling next invokes the
// next middleware (or the handler, at the end of the chain); not calling
// next suppresses the handler entirely.
type Middleware func(ctx context.Context, wctx *WorkflowContext, next func() (any, error)) (any, error)

// Definition is a registered workflow: its id, handler, and the static
// list of step ids it may call. Per this engine's design, the step list
// is always supplied explicitly at registration rather than recovered by
// analyzing the handler's source — source analysis is both unreliable
// across arbitrary Go control flow and unnecessary, since the caller
// already knows its own steps.
type Definition struct {
	ID          string
	Handler     Handler
	Steps       []string
	Retry       RetryPolicy
	Concurrency Concurrency
	Cron        *Cron
	Hooks       Hooks
	Middleware  []Middleware
	Timeout     time.Duration
}

// Option configures a Definition at registration time.
type Option func(*Definition)

// Steps declares the static set of step ids the handler may invoke. This
// resolves the engine's one open design question about step discovery:
// it is an explicit argument, never inferred.
func Steps(ids ...string) Option {
	return func(d *Definition) { d.Steps = ids }
}

// WithRetry overrides DefaultRetryPolicy for this workflow.
func WithRetry(policy RetryPolicy) Option {
	return func(d *Definition) { d.Retry = policy }
}

// WithConcurrency caps in-flight runs of this workflow.
func WithConcurrency(limit int) Option {
	return func(d *Definition) { d.Concurrency = Concurrency{Limit: limit} }
}

// WithCron schedules the workflow to run on expr with input, in tz
// (default UTC).
func WithCron(expr string, input any, tz string) Option {
	return func(d *Definition) { d.Cron = &Cron{Expression: expr, Input: input, Timezone: tz} }
}

// WithHooks installs lifecycle hooks.
func WithHooks(h Hooks) Option {
	return func(d *Definition) { d.Hooks = h }
}

// WithMiddleware appends middleware, applied in registration order on
// the way in and reverse order on the way out (standard onion wrapping).
func WithMiddleware(mw ...Middleware) Option {
	return func(d *Definition) { d.Middleware = append(d.Middleware, mw...) }
}

// WithTimeout sets each new run's TimeoutAt to its creation time plus d.
// The deadline is recorded only: a dispatch attempt that runs past it is
// neither failed nor retried.
func WithTimeout(d time.Duration) Option {
	return func(def *Definition) { def.Timeout = d }
}
