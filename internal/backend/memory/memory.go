// Package memory provides an in-memory backend implementation used by
// tests and single-process development setups.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/maestro-run/maestro/internal/backend"
	workflowerrors "github.com/maestro-run/maestro/pkg/errors"
)

var (
	_ backend.RunStore       = (*Backend)(nil)
	_ backend.RunLister      = (*Backend)(nil)
	_ backend.ScheduleBackend = (*Backend)(nil)
	_ backend.Backend        = (*Backend)(nil)
)

// Backend is an in-memory storage backend. mu guards the runs map and
// the per-run lock table only; WithRunLock serializes access to one run
// id through its own *sync.Mutex so that concurrent dispatches of
// different run ids never block each other, mirroring the independence
// SELECT ... FOR UPDATE gives distinct rows in a real database.
type Backend struct {
	mu       sync.Mutex
	runs     map[string]*backend.Run
	runLocks map[string]*sync.Mutex
}

// New creates a new in-memory backend.
func New() *Backend {
	return &Backend{runs: make(map[string]*backend.Run), runLocks: make(map[string]*sync.Mutex)}
}

// lockFor returns the per-run mutex for id, creating it on first use.
func (b *Backend) lockFor(id string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.runLocks[id]
	if !ok {
		l = &sync.Mutex{}
		b.runLocks[id] = l
	}
	return l
}

func clone(r *backend.Run) *backend.Run {
	if r == nil {
		return nil
	}
	cp := *r
	if r.Timeline != nil {
		cp.Timeline = make(map[string]backend.TimelineEntry, len(r.Timeline))
		for k, v := range r.Timeline {
			cp.Timeline[k] = v
		}
	}
	return &cp
}

// CreateRun inserts run, or returns the existing non-terminal run sharing
// its (WorkflowID, IdempotencyKey) pair.
func (b *Backend) CreateRun(ctx context.Context, run *backend.Run) (*backend.Run, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if run.IdempotencyKey != "" {
		for _, existing := range b.runs {
			if existing.WorkflowID != run.WorkflowID || existing.IdempotencyKey != run.IdempotencyKey {
				continue
			}
			if isTerminal(existing.Status) {
				continue
			}
			return clone(existing), nil
		}
	}

	if _, exists := b.runs[run.ID]; exists {
		return nil, &workflowerrors.ValidationError{Field: "id", Message: "run already exists: " + run.ID}
	}

	now := time.Now()
	run.CreatedAt = now
	run.UpdatedAt = now
	b.runs[run.ID] = clone(run)
	return clone(run), nil
}

// GetRun retrieves a run by id.
func (b *Backend) GetRun(ctx context.Context, id string) (*backend.Run, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	run, ok := b.runs[id]
	if !ok {
		return nil, &workflowerrors.NotFoundError{Resource: "run", ID: id}
	}
	return clone(run), nil
}

// UpdateRun persists the full run record.
func (b *Backend) UpdateRun(ctx context.Context, run *backend.Run) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.runs[run.ID]; !ok {
		return &workflowerrors.NotFoundError{Resource: "run", ID: run.ID}
	}
	run.UpdatedAt = time.Now()
	b.runs[run.ID] = clone(run)
	return nil
}

// WithRunLock serializes access to run id through its own per-run
// mutex, held only for the duration of fn — never across whatever the
// caller does before calling WithRunLock again. Concurrent calls for
// different run ids never contend with each other.
func (b *Backend) WithRunLock(ctx context.Context, id string, fn func(context.Context, *backend.Run) (*backend.Run, error)) error {
	lock := b.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	b.mu.Lock()
	run, ok := b.runs[id]
	b.mu.Unlock()
	if !ok {
		return &workflowerrors.NotFoundError{Resource: "run", ID: id}
	}

	updated, err := fn(ctx, clone(run))
	if err != nil {
		return err
	}
	if updated != nil {
		updated.UpdatedAt = time.Now()
		b.mu.Lock()
		b.runs[id] = clone(updated)
		b.mu.Unlock()
	}
	return nil
}

// ListRuns lists runs matching filter, newest first, applying
// backend.Paginate for the cursor/limit/status contract shared with
// every other RunLister implementation.
func (b *Backend) ListRuns(ctx context.Context, filter backend.RunFilter) (backend.RunPage, error) {
	b.mu.Lock()
	var matched []*backend.Run
	for _, run := range b.runs {
		if filter.WorkflowID != "" && run.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.ResourceID != "" && run.ResourceID != filter.ResourceID {
			continue
		}
		matched = append(matched, clone(run))
	}
	b.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	return backend.Paginate(matched, filter), nil
}

// DeleteRun removes a run.
func (b *Backend) DeleteRun(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.runs, id)
	return nil
}

// GetLastCompleted returns the most recently completed run of workflowID,
// or a NotFoundError if none has completed yet.
func (b *Backend) GetLastCompleted(ctx context.Context, workflowID string) (*backend.Run, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var best *backend.Run
	for _, run := range b.runs {
		if run.WorkflowID != workflowID || run.Status != backend.StatusCompleted || run.CompletedAt == nil {
			continue
		}
		if best == nil || run.CompletedAt.After(*best.CompletedAt) {
			best = run
		}
	}
	if best == nil {
		return nil, &workflowerrors.NotFoundError{Resource: "completed run", ID: workflowID}
	}
	return clone(best), nil
}

// Close is a no-op for the in-memory backend.
func (b *Backend) Close() error { return nil }

func isTerminal(s backend.Status) bool {
	switch s {
	case backend.StatusCompleted, backend.StatusFailed, backend.StatusCancelled:
		return true
	default:
		return false
	}
}
