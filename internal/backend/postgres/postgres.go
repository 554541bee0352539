// Package postgres is the production backend.Backend implementation,
// storing every run in a single workflow_runs table and using
// SELECT ... FOR UPDATE to serialize concurrent access to one run.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/maestro-run/maestro/internal/backend"
	workflowerrors "github.com/maestro-run/maestro/pkg/errors"
)

var (
	_ backend.RunStore        = (*Backend)(nil)
	_ backend.RunLister       = (*Backend)(nil)
	_ backend.ScheduleBackend = (*Backend)(nil)
	_ backend.Backend         = (*Backend)(nil)
)

// Config configures the Postgres connection pool.
type Config struct {
	ConnectionString string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
}

// Backend is the Postgres-backed storage implementation.
type Backend struct {
	db *sql.DB
}

// New opens a connection pool, pings it, and runs migrations.
func New(cfg Config) (*Backend, error) {
	db, err := sql.Open("pgx", cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("opening postgres connection: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	b := &Backend{db: db}
	if err := b.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return b, nil
}

// migrate applies idempotent, additive-only schema changes. It never
// drops or renames a column; it only creates what is missing.
func (b *Backend) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS workflow_runs (
			id               TEXT PRIMARY KEY,
			workflow_id      TEXT NOT NULL,
			resource_id      TEXT NOT NULL DEFAULT '',
			idempotency_key  TEXT NOT NULL DEFAULT '',
			status           TEXT NOT NULL,
			input            JSONB NOT NULL DEFAULT '{}',
			output           JSONB,
			error            TEXT,
			current_step_id  TEXT NOT NULL DEFAULT '',
			timeline         JSONB NOT NULL DEFAULT '{}',
			retry_count      INTEGER NOT NULL DEFAULT 0,
			max_retries      INTEGER NOT NULL DEFAULT 0,
			cron             TEXT NOT NULL DEFAULT '',
			timezone         TEXT NOT NULL DEFAULT '',
			correlation_id   TEXT NOT NULL DEFAULT '',
			created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
			started_at       TIMESTAMPTZ,
			paused_at        TIMESTAMPTZ,
			completed_at     TIMESTAMPTZ,
			timeout_at       TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_runs_status ON workflow_runs (status)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_runs_workflow_id ON workflow_runs (workflow_id)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_runs_created_at ON workflow_runs (created_at)`,
		// Idempotent run creation: only one non-terminal run may exist per
		// (workflow_id, idempotency_key) pair. A partial unique index lets
		// terminal runs share a key with a later retry.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_workflow_runs_idempotency
			ON workflow_runs (workflow_id, idempotency_key)
			WHERE idempotency_key <> '' AND status NOT IN ('completed', 'failed', 'cancelled')`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_runs_last_completed
			ON workflow_runs (workflow_id, completed_at DESC)
			WHERE status = 'completed'`,
	}

	for _, stmt := range stmts {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("executing migration statement: %w", err)
		}
	}
	return nil
}

// DB exposes the underlying pool so the postgres queue can share it.
// Run creation and job enqueue still commit in separate statements.
func (b *Backend) DB() *sql.DB { return b.db }

func scanRun(row interface{ Scan(...any) error }) (*backend.Run, error) {
	var (
		r            backend.Run
		output       sql.NullString
		errStr       sql.NullString
		timelineRaw  []byte
		startedAt    sql.NullTime
		pausedAt     sql.NullTime
		completedAt  sql.NullTime
		timeoutAt    sql.NullTime
		inputRaw     []byte
	)

	if err := row.Scan(
		&r.ID, &r.WorkflowID, &r.ResourceID, &r.IdempotencyKey, &r.Status,
		&inputRaw, &output, &errStr, &r.CurrentStepID, &timelineRaw,
		&r.RetryCount, &r.MaxRetries, &r.Cron, &r.Timezone, &r.CorrelationID,
		&r.CreatedAt, &r.UpdatedAt, &startedAt, &pausedAt, &completedAt, &timeoutAt,
	); err != nil {
		return nil, err
	}

	r.Input = inputRaw
	if output.Valid {
		r.Output = []byte(output.String)
	}
	if errStr.Valid {
		r.Error = errStr.String
	}
	if len(timelineRaw) > 0 {
		if err := json.Unmarshal(timelineRaw, &r.Timeline); err != nil {
			return nil, fmt.Errorf("decoding timeline: %w", err)
		}
	}
	if r.Timeline == nil {
		r.Timeline = map[string]backend.TimelineEntry{}
	}
	if startedAt.Valid {
		t := startedAt.Time
		r.StartedAt = &t
	}
	if pausedAt.Valid {
		t := pausedAt.Time
		r.PausedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		r.CompletedAt = &t
	}
	if timeoutAt.Valid {
		t := timeoutAt.Time
		r.TimeoutAt = &t
	}
	return &r, nil
}

const runColumns = `id, workflow_id, resource_id, idempotency_key, status,
	input, output, error, current_step_id, timeline,
	retry_count, max_retries, cron, timezone, correlation_id,
	created_at, updated_at, started_at, paused_at, completed_at, timeout_at`

// CreateRun inserts run, or returns the colliding non-terminal run if one
// already exists with the same (workflow_id, idempotency_key) pair.
func (b *Backend) CreateRun(ctx context.Context, run *backend.Run) (*backend.Run, error) {
	timelineJSON, err := json.Marshal(run.Timeline)
	if err != nil {
		return nil, fmt.Errorf("encoding timeline: %w", err)
	}

	row := b.db.QueryRowContext(ctx, `
		INSERT INTO workflow_runs (
			id, workflow_id, resource_id, idempotency_key, status,
			input, output, error, current_step_id, timeline,
			retry_count, max_retries, cron, timezone, correlation_id
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (workflow_id, idempotency_key) WHERE idempotency_key <> ''
			AND status NOT IN ('completed', 'failed', 'cancelled')
		DO NOTHING
		RETURNING `+runColumns,
		run.ID, run.WorkflowID, run.ResourceID, run.IdempotencyKey, run.Status,
		run.Input, run.Output, nullString(run.Error), run.CurrentStepID, timelineJSON,
		run.RetryCount, run.MaxRetries, run.Cron, run.Timezone, run.CorrelationID,
	)

	created, err := scanRun(row)
	if err == sql.ErrNoRows {
		// The insert was suppressed by the conflict clause: an existing
		// non-terminal run already holds this idempotency key. Return it.
		if run.IdempotencyKey == "" {
			return nil, fmt.Errorf("creating run: unexpected conflict with no idempotency key")
		}
		existing, ferr := b.getByIdempotencyKey(ctx, run.WorkflowID, run.IdempotencyKey)
		if ferr != nil {
			return nil, ferr
		}
		return existing, nil
	}
	if err != nil {
		return nil, fmt.Errorf("creating run: %w", err)
	}
	return created, nil
}

func (b *Backend) getByIdempotencyKey(ctx context.Context, workflowID, key string) (*backend.Run, error) {
	row := b.db.QueryRowContext(ctx, `
		SELECT `+runColumns+` FROM workflow_runs
		WHERE workflow_id = $1 AND idempotency_key = $2
			AND status NOT IN ('completed', 'failed', 'cancelled')
		LIMIT 1`, workflowID, key)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, &workflowerrors.NotFoundError{Resource: "run", ID: key}
	}
	if err != nil {
		return nil, fmt.Errorf("loading existing run by idempotency key: %w", err)
	}
	return run, nil
}

// GetRun retrieves a run by id.
func (b *Backend) GetRun(ctx context.Context, id string) (*backend.Run, error) {
	row := b.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM workflow_runs WHERE id = $1`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, &workflowerrors.NotFoundError{Resource: "run", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("getting run: %w", err)
	}
	return run, nil
}

// UpdateRun persists the full run record.
func (b *Backend) UpdateRun(ctx context.Context, run *backend.Run) error {
	return b.updateRun(ctx, b.db, run)
}

func (b *Backend) updateRun(ctx context.Context, exec interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
}, run *backend.Run) error {
	timelineJSON, err := json.Marshal(run.Timeline)
	if err != nil {
		return fmt.Errorf("encoding timeline: %w", err)
	}

	res, err := exec.ExecContext(ctx, `
		UPDATE workflow_runs SET
			status = $2, output = $3, error = $4, current_step_id = $5,
			timeline = $6, retry_count = $7, max_retries = $8,
			started_at = $9, paused_at = $10, completed_at = $11, timeout_at = $12,
			updated_at = now()
		WHERE id = $1`,
		run.ID, run.Status, run.Output, nullString(run.Error), run.CurrentStepID,
		timelineJSON, run.RetryCount, run.MaxRetries,
		run.StartedAt, run.PausedAt, run.CompletedAt, run.TimeoutAt,
	)
	if err != nil {
		return fmt.Errorf("updating run: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update result: %w", err)
	}
	if rows == 0 {
		return &workflowerrors.NotFoundError{Resource: "run", ID: run.ID}
	}
	return nil
}

// WithRunLock loads run id under SELECT ... FOR UPDATE for the lifetime
// of fn and persists fn's returned run inside the same transaction,
// giving the caller a single atomic read-modify-write cycle per run.
func (b *Backend) WithRunLock(ctx context.Context, id string, fn func(context.Context, *backend.Run) (*backend.Run, error)) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+runColumns+` FROM workflow_runs WHERE id = $1 FOR UPDATE`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return &workflowerrors.NotFoundError{Resource: "run", ID: id}
	}
	if err != nil {
		return fmt.Errorf("locking run: %w", err)
	}

	updated, err := fn(ctx, run)
	if err != nil {
		return err
	}
	if updated != nil {
		if err := b.updateRun(ctx, tx, updated); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListRuns lists runs matching filter, newest first. The WorkflowID,
// ResourceID, and Statuses filters are pushed down to SQL; the
// StartingAfter/EndingBefore cursor and Limit clamp are then applied in
// Go via backend.Paginate, so the cursor semantics are identical across
// every backend.RunLister implementation.
func (b *Backend) ListRuns(ctx context.Context, filter backend.RunFilter) (backend.RunPage, error) {
	query := `SELECT ` + runColumns + ` FROM workflow_runs WHERE 1=1`
	var args []any
	n := 1

	if filter.WorkflowID != "" {
		query += fmt.Sprintf(" AND workflow_id = $%d", n)
		args = append(args, filter.WorkflowID)
		n++
	}
	if filter.ResourceID != "" {
		query += fmt.Sprintf(" AND resource_id = $%d", n)
		args = append(args, filter.ResourceID)
		n++
	}
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			placeholders[i] = fmt.Sprintf("$%d", n)
			args = append(args, s)
			n++
		}
		query += " AND status IN (" + joinPlaceholders(placeholders) + ")"
	}
	query += " ORDER BY created_at DESC"

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return backend.RunPage{}, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var result []*backend.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return backend.RunPage{}, fmt.Errorf("scanning run: %w", err)
		}
		result = append(result, run)
	}
	if err := rows.Err(); err != nil {
		return backend.RunPage{}, err
	}
	return backend.Paginate(result, filter), nil
}

func joinPlaceholders(ph []string) string {
	out := ph[0]
	for _, p := range ph[1:] {
		out += ", " + p
	}
	return out
}

// DeleteRun deletes a run.
func (b *Backend) DeleteRun(ctx context.Context, id string) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM workflow_runs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting run: %w", err)
	}
	return nil
}

// GetLastCompleted returns the most recently completed run of workflowID.
func (b *Backend) GetLastCompleted(ctx context.Context, workflowID string) (*backend.Run, error) {
	row := b.db.QueryRowContext(ctx, `
		SELECT `+runColumns+` FROM workflow_runs
		WHERE workflow_id = $1 AND status = 'completed'
		ORDER BY completed_at DESC LIMIT 1`, workflowID)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, &workflowerrors.NotFoundError{Resource: "completed run", ID: workflowID}
	}
	if err != nil {
		return nil, fmt.Errorf("getting last completed run: %w", err)
	}
	return run, nil
}

// Close closes the underlying connection pool.
func (b *Backend) Close() error { return b.db.Close() }

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
