package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/iago/meeting-pipeline/internal/domain"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresLedgerSchema = `
CREATE TABLE IF NOT EXISTS pipeline_jobs (
	job_id TEXT PRIMARY KEY,
	filename TEXT NOT NULL DEFAULT '',
	language TEXT NOT NULL DEFAULT '',
	size_bytes BIGINT NOT NULL DEFAULT 0,
	handoff TEXT NOT NULL DEFAULT '',
	handoff_error TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS pipeline_job_stages (
	job_id TEXT NOT NULL,
	stage TEXT NOT NULL,
	status TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT '',
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (job_id, stage)
);
CREATE INDEX IF NOT EXISTS idx_pipeline_jobs_created_at ON pipeline_jobs (created_at DESC);
`

type PostgresLedger struct {
	pool *pgxpool.Pool
}

func NewPostgresLedger(ctx context.Context, databaseURL string) (*PostgresLedger, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pg pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping pg: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresLedgerSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure ledger schema: %w", err)
	}
	return &PostgresLedger{pool: pool}, nil
}

func (l *PostgresLedger) Close() {
	l.pool.Close()
}

func (l *PostgresLedger) RecordSubmission(ctx context.Context, submission Submission) error {
	createdAt := submission.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := l.pool.Exec(ctx, `
		INSERT INTO pipeline_jobs (
			job_id,
			filename,
			language,
			size_bytes,
			handoff,
			created_at,
			updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$6)
		ON CONFLICT (job_id) DO UPDATE
		SET filename = EXCLUDED.filename,
			language = EXCLUDED.language,
			size_bytes = EXCLUDED.size_bytes,
			handoff = EXCLUDED.handoff,
			updated_at = EXCLUDED.updated_at
	`,
		submission.JobID,
		submission.Filename,
		submission.Language,
		submission.SizeBytes,
		submission.Handoff,
		createdAt,
	)
	if err != nil {
		return fmt.Errorf("insert submission: %w", err)
	}
	return nil
}

func (l *PostgresLedger) RecordHandoffFailure(ctx context.Context, jobID, reason string) error {
	now := time.Now().UTC()
	_, err := l.pool.Exec(ctx, `
		INSERT INTO pipeline_jobs (job_id, handoff_error, created_at, updated_at)
		VALUES ($1,$2,$3,$3)
		ON CONFLICT (job_id) DO UPDATE
		SET handoff_error = EXCLUDED.handoff_error,
			updated_at = EXCLUDED.updated_at
	`, jobID, reason, now)
	if err != nil {
		return fmt.Errorf("record handoff failure: %w", err)
	}
	return nil
}

func (l *PostgresLedger) RecordStage(ctx context.Context, jobID string, stage domain.StageKind, status, detail string) error {
	_, err := l.pool.Exec(ctx, `
		INSERT INTO pipeline_job_stages (job_id, stage, status, detail, updated_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (job_id, stage) DO UPDATE
		SET status = EXCLUDED.status,
			detail = EXCLUDED.detail,
			updated_at = EXCLUDED.updated_at
	`, jobID, string(stage), status, detail, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("record stage: %w", err)
	}
	return nil
}

func (l *PostgresLedger) Delete(ctx context.Context, jobID string) error {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `DELETE FROM pipeline_job_stages WHERE job_id = $1`, jobID); err != nil {
		return fmt.Errorf("delete job stages: %w", err)
	}
	command, err := tx.Exec(ctx, `DELETE FROM pipeline_jobs WHERE job_id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit delete: %w", err)
	}
	if command.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (l *PostgresLedger) Stats(ctx context.Context) (LedgerStats, error) {
	stats := LedgerStats{Stages: make(map[string]map[string]int64)}
	if err := l.pool.QueryRow(ctx, `
		SELECT COUNT(*), COUNT(handoff_error) FROM pipeline_jobs
	`).Scan(&stats.Jobs, &stats.HandoffFailures); err != nil {
		return LedgerStats{}, fmt.Errorf("count jobs: %w", err)
	}

	rows, err := l.pool.Query(ctx, `
		SELECT stage, status, COUNT(*)
		FROM pipeline_job_stages
		GROUP BY stage, status
	`)
	if err != nil {
		return LedgerStats{}, fmt.Errorf("count stages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			stage  string
			status string
			count  int64
		)
		if err := rows.Scan(&stage, &status, &count); err != nil {
			return LedgerStats{}, fmt.Errorf("scan stage count: %w", err)
		}
		addStageCount(stats.Stages, stage, status, count)
	}
	if rows.Err() != nil {
		return LedgerStats{}, fmt.Errorf("iterate stage counts: %w", rows.Err())
	}
	return stats, nil
}
