package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/maestro-run/maestro/internal/backend"
)

var errHandlerFailed = errors.New("handler failed")

func newMock(t *testing.T) (*Backend, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS workflow_runs").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS idx_workflow_runs_status").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS idx_workflow_runs_workflow_id").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS idx_workflow_runs_created_at").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE UNIQUE INDEX IF NOT EXISTS idx_workflow_runs_idempotency").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS idx_workflow_runs_last_completed").WillReturnResult(sqlmock.NewResult(0, 0))

	b := &Backend{db: db}
	require.NoError(t, b.migrate(context.Background()))
	return b, mock
}

func runRow(id string, now time.Time) *sqlmock.Rows {
	return sqlmock.NewRows(columnsForTest()).AddRow(
		id, "wf", "", "", "pending",
		[]byte(`{}`), nil, nil, "", []byte(`{}`),
		0, 3, "", "", "",
		now, now, nil, nil, nil, nil,
	)
}

func columnsForTest() []string {
	return []string{
		"id", "workflow_id", "resource_id", "idempotency_key", "status",
		"input", "output", "error", "current_step_id", "timeline",
		"retry_count", "max_retries", "cron", "timezone", "correlation_id",
		"created_at", "updated_at", "started_at", "paused_at", "completed_at", "timeout_at",
	}
}

func TestBackend_CreateRun(t *testing.T) {
	b, mock := newMock(t)
	ctx := context.Background()
	now := time.Now()

	mock.ExpectQuery("INSERT INTO workflow_runs").WillReturnRows(runRow("run_1", now))

	run, err := b.CreateRun(ctx, &backend.Run{ID: "run_1", WorkflowID: "wf", Status: backend.StatusPending})
	require.NoError(t, err)
	require.Equal(t, "run_1", run.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBackend_GetRun(t *testing.T) {
	b, mock := newMock(t)
	ctx := context.Background()
	now := time.Now()

	mock.ExpectQuery("SELECT .* FROM workflow_runs WHERE id = ").WillReturnRows(runRow("run_1", now))

	run, err := b.GetRun(ctx, "run_1")
	require.NoError(t, err)
	require.Equal(t, "wf", run.WorkflowID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBackend_GetRun_NotFound(t *testing.T) {
	b, mock := newMock(t)
	ctx := context.Background()

	mock.ExpectQuery("SELECT .* FROM workflow_runs WHERE id = ").WillReturnRows(sqlmock.NewRows(columnsForTest()))

	_, err := b.GetRun(ctx, "missing")
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBackend_WithRunLock_LocksUpdatesAndCommits(t *testing.T) {
	b, mock := newMock(t)
	ctx := context.Background()
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT .* FROM workflow_runs WHERE id = .* FOR UPDATE").WillReturnRows(runRow("run_1", now))
	mock.ExpectExec("UPDATE workflow_runs SET").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := b.WithRunLock(ctx, "run_1", func(ctx context.Context, run *backend.Run) (*backend.Run, error) {
		run.Status = backend.StatusRunning
		return run, nil
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBackend_WithRunLock_RollsBackOnFnError(t *testing.T) {
	b, mock := newMock(t)
	ctx := context.Background()
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT .* FROM workflow_runs WHERE id = .* FOR UPDATE").WillReturnRows(runRow("run_1", now))
	mock.ExpectRollback()

	err := b.WithRunLock(ctx, "run_1", func(ctx context.Context, run *backend.Run) (*backend.Run, error) {
		return nil, errHandlerFailed
	})
	require.ErrorIs(t, err, errHandlerFailed)
	require.NoError(t, mock.ExpectationsWereMet())
}
