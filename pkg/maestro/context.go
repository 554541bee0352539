package maestro

import (
	"context"
	"log/slog"
	"time"
)

// ScheduleContext is populated on WorkflowContext when a run was created
// by the cron scheduler rather than an explicit StartWorkflow call.
type ScheduleContext struct {
	Expression      string
	Timestamp       time.Time
	LastTimestamp   *time.Time
	Timezone        string
}

// Step is the facade a Handler uses to perform durable work. Every
// method is safe to call on every replay of the handler: a cached
// result short-circuits re-execution, and a not-yet-satisfied wait
// suspends the run without failing it.
type Step interface {
	// Run executes fn at most once per step id. On replay, if id has
	// already completed, fn is not called and the cached result from
	// the first successful call is returned instead.
	Run(id string, fn func() (any, error)) (any, error)

	// WaitFor suspends the run until an event named event arrives (via
	// TriggerEvent). A timeout > 0 is stored as the wait's deadline but
	// does not end the wait. On the replay after the event arrives,
	// WaitFor returns the event's payload instead of suspending again.
	WaitFor(id string, event string, timeout time.Duration) (any, error)

	// Pause suspends the run until it is explicitly resumed via
	// ResumeWorkflow. On the replay after resume, Pause returns nil.
	Pause(id string) error

	// WaitUntil suspends the run until the given time, then resumes
	// automatically without requiring an external event or explicit
	// resume call.
	WaitUntil(id string, until time.Time) error
}

// WorkflowContext is passed to a Handler on every invocation (including
// every replay).
type WorkflowContext struct {
	context.Context

	RunID      string
	WorkflowID string
	ResourceID string
	Input      any
	Attempt    int
	Logger     *slog.Logger
	Step       Step
	Schedule   *ScheduleContext
}
