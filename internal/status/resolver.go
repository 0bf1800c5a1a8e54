package status

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/iago/meeting-pipeline/internal/domain"
)

// Store is the read side of the job store the resolver needs.
type Store interface {
	Exists(ctx context.Context, jobID string) bool
	HasArtifact(ctx context.Context, jobID string, kind domain.ArtifactKind) (bool, error)
	ReadArtifact(ctx context.Context, jobID string, kind domain.ArtifactKind, dst any) error
	ReadMetadata(ctx context.Context, jobID string) (map[string]any, error)
}

// Resolver recomputes a job's state from the store on every call.
type Resolver struct {
	store  Store
	remote RemoteWorker
	logger *log.Logger
}

// NewResolver builds a resolver. remote may be nil.
func NewResolver(store Store, remote RemoteWorker, logger *log.Logger) *Resolver {
	return &Resolver{store: store, remote: remote, logger: logger}
}

func (r *Resolver) Resolve(ctx context.Context, jobID string) (Status, error) {
	facts, err := r.Facts(ctx, jobID)
	if err != nil {
		return Status{}, err
	}
	result := Derive(facts)
	result.JobID = jobID

	if !result.InFlight() || r.remote == nil {
		return result, nil
	}
	result.State = StateProcessing
	remote, err := r.remote.Status(ctx, jobID)
	if err != nil {
		if r.logger != nil {
			r.logger.Printf("remote status unavailable job_id=%s err=%v", jobID, err)
		}
		return result, nil
	}
	result.Remote = remote
	return result, nil
}

// Facts reads artifact presence and the metadata flags for one job.
func (r *Resolver) Facts(ctx context.Context, jobID string) (Facts, error) {
	if !r.store.Exists(ctx, jobID) {
		return Facts{}, nil
	}
	facts := Facts{Exists: true}

	var err error
	if facts.HasSummary, err = r.store.HasArtifact(ctx, jobID, domain.ArtifactSummary); err != nil {
		return Facts{}, fmt.Errorf("check summary: %w", err)
	}
	if facts.HasTranscript, err = r.store.HasArtifact(ctx, jobID, domain.ArtifactTranscript); err != nil {
		return Facts{}, fmt.Errorf("check transcript: %w", err)
	}
	if facts.HasSummaryError, err = r.store.HasArtifact(ctx, jobID, domain.ArtifactSummaryError); err != nil {
		return Facts{}, fmt.Errorf("check summary error: %w", err)
	}

	if facts.HasTranscript {
		var transcript domain.Transcript
		if err := r.store.ReadArtifact(ctx, jobID, domain.ArtifactTranscript, &transcript); err != nil {
			return Facts{}, fmt.Errorf("read transcript: %w", err)
		}
		facts.TranscriptHasError = transcript.Failed()
		facts.TranscriptError = transcript.Error
	}
	if facts.HasSummaryError {
		var failure domain.SummaryFailure
		if err := r.store.ReadArtifact(ctx, jobID, domain.ArtifactSummaryError, &failure); err == nil {
			facts.SummaryError = failure.Error
		}
	}

	meta, err := r.store.ReadMetadata(ctx, jobID)
	if err != nil {
		return Facts{}, fmt.Errorf("read metadata: %w", err)
	}
	if handoffErr := metaString(meta, domain.MetaHandoffError); handoffErr != "" {
		facts.HandoffFailed = true
		facts.HandoffError = handoffErr
	}
	facts.ASRStarted = metaString(meta, domain.MetaTranscriptionStatus) == domain.StageStatusProcessing ||
		metaString(meta, domain.MetaTranscriptionStartedAt) != ""
	return facts, nil
}

func metaString(meta map[string]any, key string) string {
	value, _ := meta[key].(string)
	return strings.TrimSpace(value)
}
