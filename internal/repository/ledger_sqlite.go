package repository

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/iago/meeting-pipeline/internal/domain"
	_ "modernc.org/sqlite"
)

const sqliteLedgerSchema = `
CREATE TABLE IF NOT EXISTS pipeline_jobs (
	job_id TEXT PRIMARY KEY,
	filename TEXT NOT NULL DEFAULT '',
	language TEXT NOT NULL DEFAULT '',
	size_bytes INTEGER NOT NULL DEFAULT 0,
	handoff TEXT NOT NULL DEFAULT '',
	handoff_error TEXT,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS pipeline_job_stages (
	job_id TEXT NOT NULL,
	stage TEXT NOT NULL,
	status TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT '',
	updated_at DATETIME NOT NULL,
	PRIMARY KEY (job_id, stage)
);
CREATE INDEX IF NOT EXISTS idx_pipeline_jobs_created_at ON pipeline_jobs(created_at);
`

// SQLiteLedger is the single-host ledger, used when no DATABASE_URL is set but
// SQLITE_PATH is.
type SQLiteLedger struct {
	db *sql.DB
}

func NewSQLiteLedger(ctx context.Context, path string) (*SQLiteLedger, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc serializes writers; keep a single connection.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, sqliteLedgerSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure ledger schema: %w", err)
	}
	return &SQLiteLedger{db: db}, nil
}

func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}

func (l *SQLiteLedger) RecordSubmission(ctx context.Context, submission Submission) error {
	createdAt := submission.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO pipeline_jobs (job_id, filename, language, size_bytes, handoff, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (job_id) DO UPDATE
		SET filename = excluded.filename,
			language = excluded.language,
			size_bytes = excluded.size_bytes,
			handoff = excluded.handoff,
			updated_at = excluded.updated_at
	`, submission.JobID, submission.Filename, submission.Language, submission.SizeBytes,
		submission.Handoff, createdAt, createdAt)
	if err != nil {
		return fmt.Errorf("insert submission: %w", err)
	}
	return nil
}

func (l *SQLiteLedger) RecordHandoffFailure(ctx context.Context, jobID, reason string) error {
	now := time.Now().UTC()
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO pipeline_jobs (job_id, handoff_error, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (job_id) DO UPDATE
		SET handoff_error = excluded.handoff_error,
			updated_at = excluded.updated_at
	`, jobID, reason, now, now)
	if err != nil {
		return fmt.Errorf("record handoff failure: %w", err)
	}
	return nil
}

func (l *SQLiteLedger) RecordStage(ctx context.Context, jobID string, stage domain.StageKind, status, detail string) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO pipeline_job_stages (job_id, stage, status, detail, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (job_id, stage) DO UPDATE
		SET status = excluded.status,
			detail = excluded.detail,
			updated_at = excluded.updated_at
	`, jobID, string(stage), status, detail, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("record stage: %w", err)
	}
	return nil
}

func (l *SQLiteLedger) Delete(ctx context.Context, jobID string) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM pipeline_job_stages WHERE job_id = ?`, jobID); err != nil {
		return fmt.Errorf("delete job stages: %w", err)
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM pipeline_jobs WHERE job_id = ?`, jobID)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (l *SQLiteLedger) Stats(ctx context.Context) (LedgerStats, error) {
	stats := LedgerStats{Stages: make(map[string]map[string]int64)}
	if err := l.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(handoff_error) FROM pipeline_jobs
	`).Scan(&stats.Jobs, &stats.HandoffFailures); err != nil {
		return LedgerStats{}, fmt.Errorf("count jobs: %w", err)
	}

	rows, err := l.db.QueryContext(ctx, `
		SELECT stage, status, COUNT(*) FROM pipeline_job_stages GROUP BY stage, status
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
	if err := rows.Err(); err != nil {
		return LedgerStats{}, fmt.Errorf("iterate stage counts: %w", err)
	}
	return stats, nil
}
