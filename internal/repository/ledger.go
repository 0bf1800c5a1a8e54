package repository

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/iago/meeting-pipeline/internal/domain"
)

var ErrNotFound = errors.New("resource not found")

// Submission is the ledger row written when a job is accepted.
type Submission struct {
	JobID     string
	Filename  string
	Language  string
	SizeBytes int64
	Handoff   string
	CreatedAt time.Time
}

// LedgerStats aggregates the ledger. Stages maps stage -> status -> jobs whose
// latest record for that stage has that status.
type LedgerStats struct {
	Jobs            int64                       `json:"jobs"`
	HandoffFailures int64                       `json:"handoff_failures"`
	Stages          map[string]map[string]int64 `json:"stages"`
}

// Ledger is an append-mostly record of what happened to each job. The job
// store stays the source of truth; the ledger only feeds /v1/stats and audits.
type Ledger interface {
	RecordSubmission(ctx context.Context, submission Submission) error
	RecordHandoffFailure(ctx context.Context, jobID, reason string) error
	RecordStage(ctx context.Context, jobID string, stage domain.StageKind, status, detail string) error
	Delete(ctx context.Context, jobID string) error
	Stats(ctx context.Context) (LedgerStats, error)
}

type stageRecord struct {
	status    string
	detail    string
	updatedAt time.Time
}

type memoryJob struct {
	submission   Submission
	handoffError string
	stages       map[domain.StageKind]stageRecord
}

// MemoryLedger keeps the ledger in process memory for local development.
type MemoryLedger struct {
	mu   sync.RWMutex
	jobs map[string]*memoryJob
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{jobs: make(map[string]*memoryJob)}
}

func (l *MemoryLedger) RecordSubmission(_ context.Context, submission Submission) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	job := l.job(submission.JobID)
	job.submission = submission
	return nil
}

func (l *MemoryLedger) RecordHandoffFailure(_ context.Context, jobID, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.job(jobID).handoffError = reason
	return nil
}

func (l *MemoryLedger) RecordStage(_ context.Context, jobID string, stage domain.StageKind, status, detail string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.job(jobID).stages[stage] = stageRecord{status: status, detail: detail, updatedAt: time.Now().UTC()}
	return nil
}

func (l *MemoryLedger) Delete(_ context.Context, jobID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.jobs[jobID]; !ok {
		return ErrNotFound
	}
	delete(l.jobs, jobID)
	return nil
}

func (l *MemoryLedger) Stats(_ context.Context) (LedgerStats, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stats := LedgerStats{Stages: make(map[string]map[string]int64)}
	for _, job := range l.jobs {
		stats.Jobs++
		if job.handoffError != "" {
			stats.HandoffFailures++
		}
		for stage, record := range job.stages {
			addStageCount(stats.Stages, string(stage), record.status, 1)
		}
	}
	return stats, nil
}

// job returns the entry for jobID, creating it. Callers hold the write lock.
func (l *MemoryLedger) job(jobID string) *memoryJob {
	job, ok := l.jobs[jobID]
	if !ok {
		job = &memoryJob{
			submission: Submission{JobID: jobID},
			stages:     make(map[domain.StageKind]stageRecord),
		}
		l.jobs[jobID] = job
	}
	return job
}

func addStageCount(stages map[string]map[string]int64, stage, status string, count int64) {
	byStatus, ok := stages[stage]
	if !ok {
		byStatus = make(map[string]int64)
		stages[stage] = byStatus
	}
	byStatus[status] += count
}
