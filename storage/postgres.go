package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/songzhibin97/dagflow/types"
)

// Schema creates the tables used by PostgresRepository.
const Schema = `
CREATE TABLE IF NOT EXISTS trigger_runs (
	id         TEXT PRIMARY KEY,
	trigger_id TEXT NOT NULL,
	output     JSONB NOT NULL DEFAULT '{}',
	created_at BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS workflow_runs (
	id             TEXT PRIMARY KEY,
	template_id    TEXT NOT NULL DEFAULT '',
	trigger_run_id TEXT REFERENCES trigger_runs (id),
	status         TEXT NOT NULL,
	created_at     BIGINT NOT NULL,
	updated_at     BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS step_runs (
	seq        BIGSERIAL,
	id         TEXT PRIMARY KEY,
	step_id    TEXT NOT NULL,
	run_id     TEXT NOT NULL REFERENCES workflow_runs (id) ON DELETE CASCADE,
	status     TEXT NOT NULL,
	output     JSONB NOT NULL DEFAULT '{}',
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL,
	UNIQUE (run_id, step_id)
);`

const foreignKeyViolation = "23503"

// PostgresRepository is a PostgreSQL RunStore.
type PostgresRepository struct {
	db     *pgxpool.Pool
	ownsDB bool
}

// NewPostgresRepository wraps an existing pool. The caller closes the pool.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// OpenPostgres connects to dsn, checks the connection and applies Schema.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresRepository, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	repo := &PostgresRepository{db: pool, ownsDB: true}
	if err := repo.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return repo, nil
}

// Migrate applies Schema. It is idempotent.
func (s *PostgresRepository) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to migrate postgres schema: %w", err)
	}
	return nil
}

func (s *PostgresRepository) CreateTriggerRun(ctx context.Context, triggerID string, output map[string]interface{}) (types.TriggerRun, error) {
	tr := types.TriggerRun{
		ID:        uuid.NewString(),
		TriggerID: triggerID,
		Output:    emptyIfNil(output),
		CreatedAt: nowMillis(),
	}
	_, err := s.db.Exec(ctx,
		"INSERT INTO trigger_runs (id, trigger_id, output, created_at) VALUES ($1, $2, $3, $4)",
		tr.ID, tr.TriggerID, tr.Output, tr.CreatedAt)
	if err != nil {
		return types.TriggerRun{}, fmt.Errorf("failed to insert trigger run: %w", err)
	}
	return tr, nil
}

// GetTriggerRun retrieves a trigger run by id.
func (s *PostgresRepository) GetTriggerRun(ctx context.Context, id string) (types.TriggerRun, error) {
	var tr types.TriggerRun
	err := s.db.QueryRow(ctx,
		"SELECT id, trigger_id, output, created_at FROM trigger_runs WHERE id = $1", id).
		Scan(&tr.ID, &tr.TriggerID, &tr.Output, &tr.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.TriggerRun{}, fmt.Errorf("%w: id=%s", ErrTriggerRunNotFound, id)
	}
	if err != nil {
		return types.TriggerRun{}, fmt.Errorf("failed to get trigger run %s: %w", id, err)
	}
	return tr, nil
}

func (s *PostgresRepository) CreateRun(ctx context.Context, templateID string, triggerRun types.TriggerRun) (types.WorkflowRun, error) {
	now := nowMillis()
	run := types.WorkflowRun{
		ID:         uuid.NewString(),
		TemplateID: templateID,
		TriggerRun: triggerRun,
		Status:     types.WorkflowStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return types.WorkflowRun{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var triggerRunID *string
	if triggerRun.ID != "" {
		_, err := tx.Exec(ctx,
			"INSERT INTO trigger_runs (id, trigger_id, output, created_at) VALUES ($1, $2, $3, $4) ON CONFLICT (id) DO NOTHING",
			triggerRun.ID, triggerRun.TriggerID, emptyIfNil(triggerRun.Output), triggerRun.CreatedAt)
		if err != nil {
			return types.WorkflowRun{}, fmt.Errorf("failed to insert trigger run: %w", err)
		}
		triggerRunID = &triggerRun.ID
	}
	_, err = tx.Exec(ctx,
		"INSERT INTO workflow_runs (id, template_id, trigger_run_id, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)",
		run.ID, run.TemplateID, triggerRunID, string(run.Status), run.CreatedAt, run.UpdatedAt)
	if err != nil {
		return types.WorkflowRun{}, fmt.Errorf("failed to insert workflow run: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return types.WorkflowRun{}, fmt.Errorf("failed to commit workflow run: %w", err)
	}
	return run, nil
}

const selectRun = `
SELECT r.id, r.template_id, r.status, r.created_at, r.updated_at,
       COALESCE(t.id, ''), COALESCE(t.trigger_id, ''), COALESCE(t.output, '{}'::jsonb), COALESCE(t.created_at, 0)
FROM workflow_runs r
LEFT JOIN trigger_runs t ON t.id = r.trigger_run_id
WHERE r.id = $1`

func scanRun(row pgx.Row, runID string) (types.WorkflowRun, error) {
	var run types.WorkflowRun
	var status string
	err := row.Scan(&run.ID, &run.TemplateID, &status, &run.CreatedAt, &run.UpdatedAt,
		&run.TriggerRun.ID, &run.TriggerRun.TriggerID, &run.TriggerRun.Output, &run.TriggerRun.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.WorkflowRun{}, fmt.Errorf("%w: id=%s", ErrRunNotFound, runID)
	}
	if err != nil {
		return types.WorkflowRun{}, fmt.Errorf("failed to get workflow run %s: %w", runID, err)
	}
	run.Status = types.WorkflowStatus(status)
	return run, nil
}

// ChangeExecutionStatus locks the run row for the duration of the check.
func (s *PostgresRepository) ChangeExecutionStatus(ctx context.Context, runID string, status types.WorkflowStatus) (types.WorkflowRun, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return types.WorkflowRun{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var current string
	err = tx.QueryRow(ctx, "SELECT status FROM workflow_runs WHERE id = $1 FOR UPDATE", runID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.WorkflowRun{}, fmt.Errorf("%w: id=%s", ErrRunNotFound, runID)
	}
	if err != nil {
		return types.WorkflowRun{}, fmt.Errorf("failed to lock workflow run %s: %w", runID, err)
	}

	changed, err := checkTransition(runID, types.WorkflowStatus(current), status)
	if err != nil {
		return types.WorkflowRun{}, err
	}
	if changed {
		_, err = tx.Exec(ctx, "UPDATE workflow_runs SET status = $2, updated_at = $3 WHERE id = $1",
			runID, string(status), nowMillis())
		if err != nil {
			return types.WorkflowRun{}, fmt.Errorf("failed to update workflow run %s: %w", runID, err)
		}
	}
	run, err := scanRun(tx.QueryRow(ctx, selectRun, runID), runID)
	if err != nil {
		return types.WorkflowRun{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return types.WorkflowRun{}, fmt.Errorf("failed to commit workflow run %s: %w", runID, err)
	}
	return run, nil
}

func (s *PostgresRepository) GetExecutionStatus(ctx context.Context, runID string) (types.WorkflowStatus, error) {
	var status string
	err := s.db.QueryRow(ctx, "SELECT status FROM workflow_runs WHERE id = $1", runID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: id=%s", ErrRunNotFound, runID)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get status of workflow run %s: %w", runID, err)
	}
	return types.WorkflowStatus(status), nil
}

func (s *PostgresRepository) CreateStepRun(ctx context.Context, stepID, runID string, status types.StepRunStatus) (types.StepRun, error) {
	now := nowMillis()
	sr := types.StepRun{
		ID:        uuid.NewString(),
		StepID:    stepID,
		RunID:     runID,
		Status:    status,
		Output:    map[string]interface{}{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	tag, err := s.db.Exec(ctx, `
INSERT INTO step_runs (id, step_id, run_id, status, output, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (run_id, step_id) DO NOTHING`,
		sr.ID, sr.StepID, sr.RunID, string(sr.Status), sr.Output, sr.CreatedAt, sr.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
		return types.StepRun{}, fmt.Errorf("%w: id=%s", ErrRunNotFound, runID)
	}
	if err != nil {
		return types.StepRun{}, fmt.Errorf("failed to insert step run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return types.StepRun{}, fmt.Errorf("%w: run=%s step=%s", ErrStepRunExists, runID, stepID)
	}
	return sr, nil
}

const stepRunColumns = "id, step_id, run_id, status, output, created_at, updated_at"

func scanStepRun(row pgx.Row) (types.StepRun, error) {
	var sr types.StepRun
	var status string
	if err := row.Scan(&sr.ID, &sr.StepID, &sr.RunID, &status, &sr.Output, &sr.CreatedAt, &sr.UpdatedAt); err != nil {
		return types.StepRun{}, err
	}
	sr.Status = types.StepRunStatus(status)
	return sr, nil
}

func (s *PostgresRepository) UpdateStepRunStatus(ctx context.Context, stepRunID string, status types.StepRunStatus, output map[string]interface{}) (types.StepRun, error) {
	sr, err := scanStepRun(s.db.QueryRow(ctx,
		"UPDATE step_runs SET status = $2, output = $3, updated_at = $4 WHERE id = $1 RETURNING "+stepRunColumns,
		stepRunID, string(status), emptyIfNil(output), nowMillis()))
	if errors.Is(err, pgx.ErrNoRows) {
		return types.StepRun{}, fmt.Errorf("%w: id=%s", ErrStepRunNotFound, stepRunID)
	}
	if err != nil {
		return types.StepRun{}, fmt.Errorf("failed to update step run %s: %w", stepRunID, err)
	}
	return sr, nil
}

func (s *PostgresRepository) GetRunDetails(ctx context.Context, runID string) (types.WorkflowRun, error) {
	run, err := scanRun(s.db.QueryRow(ctx, selectRun, runID), runID)
	if err != nil {
		return types.WorkflowRun{}, err
	}

	rows, err := s.db.Query(ctx, "SELECT "+stepRunColumns+" FROM step_runs WHERE run_id = $1 ORDER BY seq", runID)
	if err != nil {
		return types.WorkflowRun{}, fmt.Errorf("failed to list step runs of %s: %w", runID, err)
	}
	defer rows.Close()

	run.StepRuns = []types.StepRun{}
	for rows.Next() {
		sr, err := scanStepRun(rows)
		if err != nil {
			return types.WorkflowRun{}, fmt.Errorf("failed to scan step run: %w", err)
		}
		run.StepRuns = append(run.StepRuns, sr)
	}
	if err := rows.Err(); err != nil {
		return types.WorkflowRun{}, fmt.Errorf("failed to list step runs of %s: %w", runID, err)
	}
	return run, nil
}

// ClearFinished deletes terminal runs; their step runs go with them.
func (s *PostgresRepository) ClearFinished(ctx context.Context) error {
	_, err := s.db.Exec(ctx, "DELETE FROM workflow_runs WHERE status IN ($1, $2)",
		string(types.WorkflowStatusCompleted), string(types.WorkflowStatusFailed))
	if err != nil {
		return fmt.Errorf("failed to clear finished runs: %w", err)
	}
	return nil
}

// Close closes the pool when it was opened by OpenPostgres.
func (s *PostgresRepository) Close() error {
	if s.ownsDB {
		s.db.Close()
	}
	return nil
}
