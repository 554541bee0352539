// Package backend defines the storage contract the orchestrator runs
// against. The contract is segregated into small interfaces so a storage
// implementation only needs to satisfy the capabilities it actually
// supports; optional capabilities are detected at runtime via type
// assertion against the composite Backend interface.
package backend

import (
	"context"
	"io"
	"time"
)

// Status is the lifecycle state of a workflow run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// TimelineEntry is one cached step outcome or wait marker. A key present
// in a Run's Timeline with a non-nil Output means the step has already
// run to success and its cached output must be replayed rather than
// re-executed. A key present with WaitFor set but Output nil means a
// step.waitFor call is pending an external event.
type TimelineEntry struct {
	Output    []byte     `json:"output,omitempty"`
	WaitFor   *WaitMark  `json:"waitFor,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// WaitMark records that a step is blocked waiting for a named event,
// optionally with a deadline.
type WaitMark struct {
	Event     string     `json:"event"`
	Deadline  *time.Time `json:"deadline,omitempty"`
}

// Run is the persisted record of a single workflow execution.
type Run struct {
	ID             string
	WorkflowID     string
	ResourceID     string
	IdempotencyKey string
	Status         Status
	Input          []byte
	Output         []byte
	Error          string
	CurrentStepID  string
	Timeline       map[string]TimelineEntry
	RetryCount     int
	MaxRetries     int
	Cron           string
	Timezone       string
	CorrelationID  string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	StartedAt      *time.Time
	PausedAt       *time.Time
	CompletedAt    *time.Time
	TimeoutAt      *time.Time
}

// DefaultRunsLimit and MaxRunsLimit bound RunFilter.Limit: a zero or
// negative Limit is raised to DefaultRunsLimit, and any Limit above
// MaxRunsLimit is clamped down to it.
const (
	DefaultRunsLimit = 20
	MaxRunsLimit     = 100
)

// ClampLimit maps a zero or negative limit to DefaultRunsLimit and caps
// any limit above MaxRunsLimit at MaxRunsLimit.
func ClampLimit(limit int) int {
	if limit <= 0 {
		limit = DefaultRunsLimit
	}
	if limit > MaxRunsLimit {
		limit = MaxRunsLimit
	}
	return limit
}

// RunFilter narrows ListRuns. Pagination is cursor-based: StartingAfter
// and EndingBefore are opaque run ids resolved against CreatedAt, not
// array offsets, so a page is stable across concurrent inserts. At most
// one of StartingAfter/EndingBefore should be set; if both are, the
// former wins.
type RunFilter struct {
	WorkflowID string
	// ResourceID, when non-empty, scopes the listing to runs owned by
	// this resource. Never leave this empty when listing on behalf of a
	// specific caller identity.
	ResourceID string
	// Statuses, when non-empty, restricts results to runs whose status is
	// one of these. An empty slice means no status filtering.
	Statuses      []Status
	Limit         int
	StartingAfter string
	EndingBefore  string
}

// RunPage is one page of ListRuns results plus whether another page
// follows.
type RunPage struct {
	Runs    []*Run
	HasMore bool
}

// matchesStatus reports whether s is in statuses, or statuses is empty.
func matchesStatus(s Status, statuses []Status) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, want := range statuses {
		if s == want {
			return true
		}
	}
	return false
}

// Paginate applies filter's cursor, status, and limit semantics to all,
// which must already be filtered by WorkflowID/ResourceID and sorted
// newest-first by CreatedAt. Backends share this so every
// RunLister.ListRuns implementation produces identical pagination
// behavior regardless of how it fetches the underlying rows.
func Paginate(all []*Run, filter RunFilter) RunPage {
	var matched []*Run
	for _, r := range all {
		if matchesStatus(r.Status, filter.Statuses) {
			matched = append(matched, r)
		}
	}

	if cursor := filter.StartingAfter; cursor != "" {
		for i, r := range matched {
			if r.ID == cursor {
				matched = matched[i+1:]
				break
			}
		}
	} else if cursor := filter.EndingBefore; cursor != "" {
		for i, r := range matched {
			if r.ID == cursor {
				matched = matched[:i]
				break
			}
		}
	}

	limit := ClampLimit(filter.Limit)
	hasMore := len(matched) > limit
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return RunPage{Runs: matched, HasMore: hasMore}
}

// RunStore is the minimal contract every backend must implement.
type RunStore interface {
	// CreateRun inserts a new run. If the run's IdempotencyKey is set and
	// a non-terminal run with the same (WorkflowID, IdempotencyKey) pair
	// already exists, CreateRun returns that existing run instead of
	// creating a duplicate (idempotent run creation, spec invariant).
	CreateRun(ctx context.Context, run *Run) (*Run, error)

	// GetRun retrieves a run by id.
	GetRun(ctx context.Context, id string) (*Run, error)

	// UpdateRun persists the full run record. Implementations must apply
	// this update under the same row lock used by WithRunLock when called
	// from inside a locked section.
	UpdateRun(ctx context.Context, run *Run) error

	// WithRunLock loads the run for id under a row-level write lock (e.g.
	// SELECT ... FOR UPDATE) for the lifetime of fn, and passes fn the
	// locked row. The lock is held until fn returns. fn's returned run
	// (if non-nil) is persisted atomically with releasing the lock.
	WithRunLock(ctx context.Context, id string, fn func(ctx context.Context, run *Run) (*Run, error)) error
}

// RunLister is an optional capability for querying and removing runs.
type RunLister interface {
	ListRuns(ctx context.Context, filter RunFilter) (RunPage, error)
	DeleteRun(ctx context.Context, id string) error
}

// ScheduleBackend is an optional capability cron scheduling uses to find
// the last completed run of a recurring workflow, so a missed tick after a
// restart is not silently skipped or duplicated.
type ScheduleBackend interface {
	GetLastCompleted(ctx context.Context, workflowID string) (*Run, error)
}

// Backend is the composite interface a full-featured storage
// implementation satisfies. Callers type-assert against the narrower
// interfaces above to detect optional capabilities.
type Backend interface {
	RunStore
	RunLister
	ScheduleBackend
	io.Closer
}
