package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/iago/meeting-pipeline/internal/domain"
	"github.com/iago/meeting-pipeline/internal/jobstore"
	"github.com/iago/meeting-pipeline/internal/queue"
	"github.com/iago/meeting-pipeline/internal/repository"
	"github.com/iago/meeting-pipeline/internal/status"
)

var ErrNotReady = errors.New("result not ready")

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
)

// ReadStore is the read/delete side of the job store used by the query API.
type ReadStore interface {
	status.Store
	List(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, jobID string) error
}

type StatusResolver interface {
	Resolve(ctx context.Context, jobID string) (status.Status, error)
}

// JobResult is what /v1/result returns. A *Error string marks an artifact
// that exists but could not be read.
type JobResult struct {
	JobID           string                 `json:"job_id"`
	Status          status.State           `json:"status"`
	Transcript      *domain.Transcript     `json:"transcript,omitempty"`
	TranscriptError string                 `json:"transcript_error,omitempty"`
	Summary         *domain.Summary        `json:"summary,omitempty"`
	SummaryError    string                 `json:"summary_error,omitempty"`
	SummaryFailure  *domain.SummaryFailure `json:"summary_failure,omitempty"`
}

type Stats struct {
	Ledger *repository.LedgerStats `json:"ledger,omitempty"`
	Queues []queue.Stats           `json:"queues"`
}

type JobsDependencies struct {
	Store    ReadStore
	Resolver StatusResolver
	Ledger   repository.Ledger
	Queues   []queue.StatsReporter
	Logger   *log.Logger
}

type JobsService struct {
	store    ReadStore
	resolver StatusResolver
	ledger   repository.Ledger
	queues   []queue.StatsReporter
	logger   *log.Logger
}

func NewJobsService(deps JobsDependencies) *JobsService {
	if deps.Resolver == nil {
		deps.Resolver = status.NewResolver(deps.Store, nil, deps.Logger)
	}
	return &JobsService{
		store:    deps.Store,
		resolver: deps.Resolver,
		ledger:   deps.Ledger,
		queues:   deps.Queues,
		logger:   deps.Logger,
	}
}

func (s *JobsService) Status(ctx context.Context, jobID string) (status.Status, error) {
	current, err := s.resolver.Resolve(ctx, jobID)
	if err != nil {
		return status.Status{}, err
	}
	if current.State == status.StateNotFound {
		return status.Status{}, jobstore.ErrNotFound
	}
	return current, nil
}

func (s *JobsService) Result(ctx context.Context, jobID string) (JobResult, error) {
	if !s.store.Exists(ctx, jobID) {
		return JobResult{}, jobstore.ErrNotFound
	}
	hasTranscript, err := s.store.HasArtifact(ctx, jobID, domain.ArtifactTranscript)
	if err != nil {
		return JobResult{}, fmt.Errorf("check transcript: %w", err)
	}
	if !hasTranscript {
		return JobResult{}, ErrNotReady
	}

	result := JobResult{JobID: jobID}
	if current, err := s.resolver.Resolve(ctx, jobID); err == nil {
		result.Status = current.State
	} else {
		s.logf("result status unavailable job_id=%s err=%v", jobID, err)
	}

	var transcript domain.Transcript
	if err := s.store.ReadArtifact(ctx, jobID, domain.ArtifactTranscript, &transcript); err != nil {
		result.TranscriptError = fmt.Sprintf("failed to read transcript: %v", err)
	} else {
		result.Transcript = &transcript
	}

	var summary domain.Summary
	switch err := s.store.ReadArtifact(ctx, jobID, domain.ArtifactSummary, &summary); {
	case err == nil:
		result.Summary = &summary
	case errors.Is(err, jobstore.ErrNotFound):
	default:
		result.SummaryError = fmt.Sprintf("failed to read summary: %v", err)
	}

	var failure domain.SummaryFailure
	if err := s.store.ReadArtifact(ctx, jobID, domain.ArtifactSummaryError, &failure); err == nil {
		result.SummaryFailure = &failure
	}
	return result, nil
}

// History lists jobs newest first with their metadata and derived status.
func (s *JobsService) History(ctx context.Context, limit int) ([]domain.HistoryItem, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}

	ids, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]domain.HistoryItem, 0, len(ids))
	for _, jobID := range ids {
		meta, err := s.store.ReadMetadata(ctx, jobID)
		if err != nil {
			// Deleted between List and now, or unreadable: skip it.
			s.logf("history skip job_id=%s err=%v", jobID, err)
			continue
		}
		items = append(items, domain.HistoryItem{JobID: jobID, Metadata: meta, CreatedAt: createdAt(meta)})
	}

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
	if len(items) > limit {
		items = items[:limit]
	}
	// Resolve may call the remote worker, so only returned rows pay for it.
	for i := range items {
		if current, err := s.resolver.Resolve(ctx, items[i].JobID); err == nil {
			items[i].Status = string(current.State)
		}
	}
	return items, nil
}

func (s *JobsService) Delete(ctx context.Context, jobID string) error {
	if err := s.store.Delete(ctx, jobID); err != nil {
		return err
	}
	if s.ledger != nil {
		if err := s.ledger.Delete(ctx, jobID); err != nil && !errors.Is(err, repository.ErrNotFound) {
			s.logf("ledger delete failed job_id=%s err=%v", jobID, err)
		}
	}
	s.logf("job deleted job_id=%s", jobID)
	return nil
}

func (s *JobsService) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{Queues: make([]queue.Stats, 0, len(s.queues))}
	if s.ledger != nil {
		ledgerStats, err := s.ledger.Stats(ctx)
		if err != nil {
			return Stats{}, fmt.Errorf("ledger stats: %w", err)
		}
		stats.Ledger = &ledgerStats
	}
	for _, reporter := range s.queues {
		queueStats, err := reporter.Stats(ctx)
		if err != nil {
			s.logf("queue stats unavailable err=%v", err)
			continue
		}
		stats.Queues = append(stats.Queues, queueStats)
	}
	return stats, nil
}

func (s *JobsService) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

func createdAt(meta map[string]any) time.Time {
	raw, _ := meta[domain.MetaCreatedAt].(string)
	if raw == "" {
		return time.Time{}
	}
	parsed, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return parsed
}
