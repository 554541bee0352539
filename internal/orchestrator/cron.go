package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/maestro-run/maestro/internal/backend"
	"github.com/maestro-run/maestro/internal/queue"
	"github.com/maestro-run/maestro/pkg/maestro"
)

// CronScheduler fires a StartWorkflow-equivalent job for every
// Cron-configured workflow definition, delegating the actual recurring
// fan-out to the queue's own Schedule primitive rather than running its
// own ticker loop: the queue is the single place responsible for
// deduping a tick across multiple engine processes.
type CronScheduler struct {
	q        queue.Queue
	be       backend.ScheduleBackend
	log      *slog.Logger
	running  map[string]bool
}

// NewCronScheduler creates a scheduler bound to q and be.
func NewCronScheduler(q queue.Queue, be backend.ScheduleBackend, log *slog.Logger) *CronScheduler {
	return &CronScheduler{q: q, be: be, log: log, running: make(map[string]bool)}
}

// jobPayload is the body of a job on any per-workflow queue: the
// workflow id to start, and (for cron-triggered jobs) the schedule's
// fixed input.
type jobPayload struct {
	WorkflowID     string          `json:"workflow_id"`
	RunID          string          `json:"run_id,omitempty"`
	Input          json.RawMessage `json:"input,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	ScheduledAt    time.Time       `json:"scheduled_at,omitempty"`
}

// Start registers def's Cron expression with the queue. It validates the
// expression eagerly so a typo surfaces at registration time rather than
// on the first missed tick.
func (c *CronScheduler) Start(ctx context.Context, def *maestro.Definition) error {
	if def.Cron == nil {
		return nil
	}
	expr := cronSpec(def)
	if _, err := cron.ParseStandard(expr); err != nil {
		return fmt.Errorf("parsing cron expression %q for workflow %s: %w", def.Cron.Expression, def.ID, err)
	}

	input, err := json.Marshal(def.Cron.Input)
	if err != nil {
		return fmt.Errorf("encoding cron input for workflow %s: %w", def.ID, err)
	}

	payload, err := json.Marshal(jobPayload{WorkflowID: def.ID, Input: input})
	if err != nil {
		return fmt.Errorf("encoding cron payload for workflow %s: %w", def.ID, err)
	}

	queueName := workflowQueueName(def)
	if err := c.q.CreateQueue(ctx, queueName, def.Concurrency.Limit); err != nil {
		return fmt.Errorf("creating queue for workflow %s: %w", def.ID, err)
	}
	if err := c.q.Schedule(ctx, queueName, expr, payload); err != nil {
		return fmt.Errorf("scheduling workflow %s: %w", def.ID, err)
	}

	c.catchUpMissedTick(ctx, def, queueName, payload)

	c.running[def.ID] = true
	return nil
}

// catchUpMissedTick fires one extra job immediately if the schedule's
// next fire time after the last completed run already lies in the past,
// which happens when the engine was down across one or more tick
// boundaries. Without this, a missed tick is silently skipped rather
// than caught up, since the queue's own cron loop only looks forward
// from the moment it starts.
func (c *CronScheduler) catchUpMissedTick(ctx context.Context, def *maestro.Definition, queueName string, payload []byte) {
	if c.be == nil {
		return
	}
	last, err := c.be.GetLastCompleted(ctx, def.ID)
	if err != nil || last.CompletedAt == nil {
		return
	}
	schedule, err := cron.ParseStandard(cronSpec(def))
	if err != nil {
		return
	}
	if schedule.Next(*last.CompletedAt).Before(time.Now()) {
		_, _ = c.q.Send(ctx, queueName, payload, queue.SendOptions{})
		if c.log != nil {
			c.log.Info("caught up missed cron tick", "workflow_id", def.ID)
		}
	}
}

// Stop removes def's cron registration.
func (c *CronScheduler) Stop(ctx context.Context, def *maestro.Definition) error {
	if !c.running[def.ID] {
		return nil
	}
	delete(c.running, def.ID)
	return c.q.Unschedule(ctx, workflowQueueName(def))
}

// cronSpec prefixes def's cron expression with its timezone (UTC when
// unset) in robfig/cron's CRON_TZ= form.
func cronSpec(def *maestro.Definition) string {
	tz := def.Cron.Timezone
	if tz == "" {
		tz = "UTC"
	}
	return "CRON_TZ=" + tz + " " + def.Cron.Expression
}

// workflowQueueName is the per-workflow queue used for concurrency-limited
// and cron-triggered dispatch, as distinct from the shared "workflow-run"
// queue used for plain StartWorkflow calls.
func workflowQueueName(def *maestro.Definition) string {
	return "workflow:" + def.ID
}
