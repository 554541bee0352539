package maestro

import "time"

// Status mirrors backend.Status in the public API so callers never need
// to import the internal backend package.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Run is the caller-facing view of a workflow run.
type Run struct {
	ID             string
	WorkflowID     string
	ResourceID     string
	IdempotencyKey string
	CorrelationID  string
	Status         Status
	Input          any
	Output         any
	Error          string
	CurrentStepID  string
	RetryCount     int
	MaxRetries     int
	CreatedAt      time.Time
	UpdatedAt      time.Time
	StartedAt      *time.Time
	PausedAt       *time.Time
	CompletedAt    *time.Time
}

// Progress summarizes how far a run has advanced, for polling UIs.
// CompletionPercentage is StepsDone*100/StepsTotal, special-cased to 100
// whenever Status is StatusCompleted (including workflows with an empty
// step list, which would otherwise divide by zero).
type Progress struct {
	RunID                string
	Status               Status
	CurrentStepID        string
	StepsTotal           int
	StepsDone            int
	CompletionPercentage int
}

// StartOptions configure StartWorkflow.
type StartOptions struct {
	// ResourceID groups runs under a caller-defined entity (e.g. a user
	// or tenant id) for filtering via GetRuns, and for scoping every
	// other per-run operation that accepts a resourceId.
	ResourceID string
	// IdempotencyKey, combined with the workflow id, makes StartWorkflow
	// a no-op (returning the existing run) if a non-terminal run with
	// the same pair already exists.
	IdempotencyKey string
	// Options overrides per-call settings that otherwise fall back to
	// the workflow definition's own configuration.
	Options StartCallOptions
}

// StartCallOptions are the optional per-call overrides spec'd alongside
// startWorkflow: timeout, retries, expireInSeconds, batchSize.
type StartCallOptions struct {
	// Timeout overrides the definition's WithTimeout for this run only,
	// and is what gets written into the run's timeoutAt at creation.
	Timeout time.Duration
	// Retries overrides the definition's RetryPolicy.MaxAttempts for this
	// run only.
	Retries int
	// ExpireInSeconds, when positive, sets the expiration of the initial
	// "process run" job this call enqueues; zero leaves that job without
	// an expiration.
	ExpireInSeconds int
	// BatchSize is accepted for parity with the startWorkflow options and
	// is otherwise ignored: it is neither stored on the run nor passed to
	// the queue, whose workers claim one job at a time.
	BatchSize int
}

// ListFilter narrows GetRuns.
type ListFilter struct {
	// Statuses, when non-empty, restricts results to runs in any of
	// these statuses.
	Statuses []Status
	Limit    int
	// StartingAfter and EndingBefore are opaque run-id cursors from a
	// previous RunPage; at most one should be set.
	StartingAfter string
	EndingBefore  string
}

// RunPage is one page of GetRuns results.
type RunPage struct {
	Runs    []*Run
	HasMore bool
}
