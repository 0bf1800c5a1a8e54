package repository

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/iago/meeting-pipeline/internal/domain"
)

func exerciseLedger(t *testing.T, ledger Ledger) {
	t.Helper()
	ctx := context.Background()

	for _, id := range []string{"job-1", "job-2", "job-3"} {
		if err := ledger.RecordSubmission(ctx, Submission{
			JobID:     id,
			Filename:  id + ".mp3",
			Language:  "ru",
			SizeBytes: 1024,
			Handoff:   "queue",
			CreatedAt: time.Now().UTC(),
		}); err != nil {
			t.Fatalf("record submission %s: %v", id, err)
		}
	}
	if err := ledger.RecordHandoffFailure(ctx, "job-3", "redis unavailable"); err != nil {
		t.Fatalf("record handoff failure: %v", err)
	}

	steps := []struct {
		jobID  string
		stage  domain.StageKind
		status string
	}{
		{"job-1", domain.StageASR, domain.StageStatusProcessing},
		{"job-1", domain.StageASR, domain.StageStatusCompleted},
		{"job-1", domain.StageSummarize, domain.StageStatusCompleted},
		{"job-2", domain.StageASR, domain.StageStatusError},
	}
	for _, step := range steps {
		if err := ledger.RecordStage(ctx, step.jobID, step.stage, step.status, ""); err != nil {
			t.Fatalf("record stage: %v", err)
		}
	}

	stats, err := ledger.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Jobs != 3 || stats.HandoffFailures != 1 {
		t.Fatalf("expected 3 jobs and 1 handoff failure, got %+v", stats)
	}
	asr := stats.Stages[string(domain.StageASR)]
	if asr[domain.StageStatusCompleted] != 1 || asr[domain.StageStatusError] != 1 || asr[domain.StageStatusProcessing] != 0 {
		t.Fatalf("expected latest asr status per job, got %v", asr)
	}
	if stats.Stages[string(domain.StageSummarize)][domain.StageStatusCompleted] != 1 {
		t.Fatalf("expected one completed summary, got %v", stats.Stages)
	}

	if err := ledger.Delete(ctx, "job-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := ledger.Delete(ctx, "job-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
	stats, _ = ledger.Stats(ctx)
	if stats.Jobs != 2 || stats.Stages[string(domain.StageSummarize)][domain.StageStatusCompleted] != 0 {
		t.Fatalf("expected job-1 rows gone, got %+v", stats)
	}
}

func TestMemoryLedger(t *testing.T) {
	exerciseLedger(t, NewMemoryLedger())
}

func TestSQLiteLedger(t *testing.T) {
	ledger, err := NewSQLiteLedger(context.Background(), filepath.Join(t.TempDir(), "ledger", "pipeline.db"))
	if err != nil {
		t.Fatalf("open sqlite ledger: %v", err)
	}
	defer ledger.Close()
	exerciseLedger(t, ledger)
}
