// Package queue defines the generic job queue contract the orchestrator
// is built on. The queue is treated as an external collaborator: its
// delivery guarantees (at-least-once, FIFO within a priority class,
// delayed delivery) are part of the contract, but its transport is not
// part of the orchestrator's concern.
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrQueueClosed is returned by the in-process implementation's Send and
// Work once Stop has been called.
var ErrQueueClosed = errors.New("queue: closed")

// Job is a unit of work sitting in a queue.
type Job struct {
	ID          string
	Queue       string
	Payload     []byte
	Priority    int
	CreatedAt   time.Time
	AvailableAt time.Time
}

// SendOptions configures how a job is enqueued.
type SendOptions struct {
	// Priority orders delivery within a queue; higher values dequeue
	// first.
	Priority int
	// Delay defers a job's availability by the given duration.
	Delay time.Duration
	// Expiration makes a job unclaimable (and eligible for cleanup) once
	// its age exceeds this duration. Zero means no expiration.
	Expiration time.Duration
	// DedupeKey, if set, makes Send a no-op when a job with the same key
	// is already pending on the same queue.
	DedupeKey string
}

// Handler processes a single job. An error return nacks the job for
// retry per the queue's own redelivery policy; a nil return acks it.
type Handler func(ctx context.Context, job *Job) error

// Queue is the generic job queue the dispatcher and cron scheduler are
// built on. CreateQueue, Send and Work are the only primitives the
// orchestrator depends on; Schedule/Unschedule exist so the cron
// scheduler can delegate recurring fan-out to the queue implementation
// itself instead of reimplementing a ticker loop.
type Queue interface {
	// CreateQueue declares a named queue. Idempotent. concurrency (0
	// means unbounded) is not enforced by either implementation: the
	// number of goroutines the caller runs against Work is the cap.
	CreateQueue(ctx context.Context, name string, concurrency int) error

	// Send enqueues a job onto name. It commits on its own: neither
	// implementation joins a transaction the caller has open, so run
	// creation and job enqueue are not atomic.
	Send(ctx context.Context, name string, payload []byte, opts SendOptions) (*Job, error)

	// Work subscribes handler to name and blocks until ctx is cancelled;
	// the in-process implementation also returns once Stop is called.
	Work(ctx context.Context, name string, handler Handler) error

	// Schedule registers a cron expression that fires Send against name
	// with payload on each tick.
	Schedule(ctx context.Context, name, cronExpr string, payload []byte) error

	// Unschedule removes a previously registered cron schedule.
	Unschedule(ctx context.Context, name string) error

	// Stop stops every cron schedule; the in-process implementation also
	// closes its queues. It does not wait for in-flight handlers.
	Stop(ctx context.Context) error
}
