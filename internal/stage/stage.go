package stage

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/iago/meeting-pipeline/internal/domain"
)

var ErrMissingInput = errors.New("stage input missing")

// TranscriptionError wraps an engine failure. It is logged and captured in the
// transcript, never returned to the queue.
type TranscriptionError struct {
	JobID string
	Err   error
}

func (e *TranscriptionError) Error() string {
	return fmt.Sprintf("transcription failed for job %s: %v", e.JobID, e.Err)
}

func (e *TranscriptionError) Unwrap() error {
	return e.Err
}

type SummarizationError struct {
	JobID string
	Model string
	Err   error
}

func (e *SummarizationError) Error() string {
	if e.Model == "" {
		return fmt.Sprintf("summarization failed for job %s: %v", e.JobID, e.Err)
	}
	return fmt.Sprintf("summarization failed for job %s model=%s: %v", e.JobID, e.Model, e.Err)
}

func (e *SummarizationError) Unwrap() error {
	return e.Err
}

// Store is the part of the job store the stages use.
type Store interface {
	InputPath(ctx context.Context, jobID string) (string, error)
	ReadMetadata(ctx context.Context, jobID string) (map[string]any, error)
	WriteMetadata(ctx context.Context, jobID string, fields map[string]any) error
	WriteArtifact(ctx context.Context, jobID string, kind domain.ArtifactKind, value any) error
	ReadArtifact(ctx context.Context, jobID string, kind domain.ArtifactKind, dst any) error
	HasArtifact(ctx context.Context, jobID string, kind domain.ArtifactKind) (bool, error)
}

// Recorder receives stage transitions for the job ledger.
type Recorder interface {
	RecordStage(ctx context.Context, jobID string, stage domain.StageKind, status string, detail string) error
}

func record(ctx context.Context, recorder Recorder, logger *log.Logger, jobID string, stage domain.StageKind, status, detail string) {
	if recorder == nil {
		return
	}
	if err := recorder.RecordStage(ctx, jobID, stage, status, detail); err != nil && logger != nil {
		logger.Printf("ledger record failed job_id=%s stage=%s status=%s err=%v", jobID, stage, status, err)
	}
}

func logf(logger *log.Logger, format string, args ...any) {
	if logger == nil {
		return
	}
	logger.Printf(format, args...)
}
