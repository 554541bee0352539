// Package postgres is the production queue.Queue implementation: a jobs
// table polled with SELECT ... FOR UPDATE SKIP LOCKED, sharing the
// backend/postgres connection pool. Send runs on the pool itself, so run
// creation and job enqueue commit separately.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/robfig/cron/v3"

	"github.com/maestro-run/maestro/internal/queue"
)

var _ queue.Queue = (*Queue)(nil)

// Config configures polling behaviour. StaleAfter is how long a claimed
// job may sit unacknowledged before RecoverStalled reclaims it.
type Config struct {
	PollInterval time.Duration
	StaleAfter   time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 5 * time.Minute
	}
	return c
}

// Queue is the Postgres-backed queue.Queue implementation.
type Queue struct {
	db  *sql.DB
	cfg Config

	mu        sync.Mutex
	schedules map[string]*cron.Cron
}

// New wraps an existing *sql.DB (typically shared with backend/postgres
// via Backend.DB()) and ensures the jobs table exists.
func New(db *sql.DB, cfg Config) (*Queue, error) {
	q := &Queue{db: db, cfg: cfg.withDefaults(), schedules: make(map[string]*cron.Cron)}
	if err := q.migrate(context.Background()); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *Queue) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id           BIGSERIAL PRIMARY KEY,
			queue        TEXT NOT NULL,
			payload      JSONB NOT NULL,
			priority     INTEGER NOT NULL DEFAULT 0,
			status       TEXT NOT NULL DEFAULT 'pending',
			locked_by    TEXT,
			locked_at    TIMESTAMPTZ,
			dedupe_key   TEXT,
			available_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			expires_at   TIMESTAMPTZ,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_claim
			ON jobs (queue, priority DESC, created_at ASC)
			WHERE status = 'pending'`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_dedupe
			ON jobs (queue, dedupe_key)
			WHERE dedupe_key IS NOT NULL AND status = 'pending'`,
	}
	for _, stmt := range stmts {
		if _, err := q.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrating jobs table: %w", err)
		}
	}
	return nil
}

// CreateQueue is a no-op: queues are just a column value in the shared
// jobs table, so there is nothing to provision up front. concurrency is
// enforced by the number of goroutines the caller runs against Work.
func (q *Queue) CreateQueue(ctx context.Context, name string, concurrency int) error {
	return nil
}

// Send enqueues payload onto name.
func (q *Queue) Send(ctx context.Context, name string, payload []byte, opts queue.SendOptions) (*queue.Job, error) {
	now := time.Now()
	availableAt := now.Add(opts.Delay)

	var expiresAt sql.NullTime
	if opts.Expiration > 0 {
		expiresAt = sql.NullTime{Time: now.Add(opts.Expiration), Valid: true}
	}
	var dedupe sql.NullString
	if opts.DedupeKey != "" {
		dedupe = sql.NullString{String: opts.DedupeKey, Valid: true}
	}

	var id int64
	err := q.db.QueryRowContext(ctx, `
		INSERT INTO jobs (queue, payload, priority, available_at, expires_at, dedupe_key)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (queue, dedupe_key) WHERE dedupe_key IS NOT NULL AND status = 'pending'
		DO NOTHING
		RETURNING id`,
		name, payload, opts.Priority, availableAt, expiresAt, dedupe,
	).Scan(&id)
	if err == sql.ErrNoRows {
		// Deduped against an existing pending job; nothing new to report.
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("enqueuing job: %w", err)
	}

	return &queue.Job{
		ID:          fmt.Sprintf("%d", id),
		Queue:       name,
		Payload:     payload,
		Priority:    opts.Priority,
		CreatedAt:   now,
		AvailableAt: availableAt,
	}, nil
}

// claim pops the highest-priority, oldest eligible pending job for name
// and marks it running in a single statement, mirroring the
// claim-and-update CTE pattern used for durable step queues elsewhere in
// this codebase's lineage.
func (q *Queue) claim(ctx context.Context, name, workerID string) (*queue.Job, error) {
	row := q.db.QueryRowContext(ctx, `
		WITH next AS (
			SELECT id FROM jobs
			WHERE queue = $1 AND status = 'pending' AND available_at <= now()
				AND (expires_at IS NULL OR expires_at > now())
			ORDER BY priority DESC, created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		UPDATE jobs j SET status = 'running', locked_by = $2, locked_at = now()
		FROM next WHERE j.id = next.id
		RETURNING j.id, j.payload, j.priority, j.created_at, j.available_at`,
		name, workerID,
	)

	var (
		id          int64
		payload     []byte
		priority    int
		createdAt   time.Time
		availableAt time.Time
	)
	if err := row.Scan(&id, &payload, &priority, &createdAt, &availableAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("claiming job: %w", err)
	}

	return &queue.Job{
		ID:          fmt.Sprintf("%d", id),
		Queue:       name,
		Payload:     payload,
		Priority:    priority,
		CreatedAt:   createdAt,
		AvailableAt: availableAt,
	}, nil
}

func (q *Queue) complete(ctx context.Context, jobID string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = $1`, jobID)
	return err
}

// fail returns a job to pending with a small jittered backoff, so a
// transient handler error gets retried without a thundering herd against
// the same job.
func (q *Queue) fail(ctx context.Context, jobID string, backoff time.Duration) error {
	jitter := time.Duration(rand.Int63n(int64(backoff) / 2))
	_, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'pending', locked_by = NULL, locked_at = NULL,
			available_at = now() + $2
		WHERE id = $1`, jobID, backoff+jitter)
	return err
}

// RecoverStalled reclaims jobs left 'running' past cfg.StaleAfter,
// putting them back on the pending queue for redelivery.
func (q *Queue) RecoverStalled(ctx context.Context) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'pending', locked_by = NULL, locked_at = NULL
		WHERE status = 'running' AND locked_at < now() - $1 * INTERVAL '1 second'`,
		q.cfg.StaleAfter.Seconds(),
	)
	if err != nil {
		return 0, fmt.Errorf("recovering stalled jobs: %w", err)
	}
	return res.RowsAffected()
}

// Work polls name on cfg.PollInterval, dispatching each claimed job to
// handler and acking/nacking based on its return value.
func (q *Queue) Work(ctx context.Context, name string, handler queue.Handler) error {
	workerID := fmt.Sprintf("worker-%d", rand.Int63())
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for {
				job, err := q.claim(ctx, name, workerID)
				if err != nil {
					break
				}
				if job == nil {
					break
				}
				if err := handler(ctx, job); err != nil {
					_ = q.fail(ctx, job.ID, 5*time.Second)
				} else {
					_ = q.complete(ctx, job.ID)
				}
			}
		}
	}
}

// Schedule registers a cron expression that Sends payload against name
// on each tick.
func (q *Queue) Schedule(ctx context.Context, name, cronExpr string, payload []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if existing, ok := q.schedules[name]; ok {
		existing.Stop()
	}

	c := cron.New()
	_, err := c.AddFunc(cronExpr, func() {
		_, _ = q.Send(context.Background(), name, payload, queue.SendOptions{
			DedupeKey: fmt.Sprintf("cron-%d", time.Now().Truncate(time.Minute).Unix()),
		})
	})
	if err != nil {
		return fmt.Errorf("parsing cron expression: %w", err)
	}
	c.Start()
	q.schedules[name] = c
	return nil
}

// Unschedule removes a previously registered cron schedule.
func (q *Queue) Unschedule(ctx context.Context, name string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if c, ok := q.schedules[name]; ok {
		c.Stop()
		delete(q.schedules, name)
	}
	return nil
}

// Stop stops every running cron schedule. Work loops exit on their own
// once ctx is cancelled by the caller.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, c := range q.schedules {
		c.Stop()
	}
	return nil
}
