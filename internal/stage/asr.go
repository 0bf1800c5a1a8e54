package stage

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/iago/meeting-pipeline/internal/asr"
	"github.com/iago/meeting-pipeline/internal/domain"
	"github.com/iago/meeting-pipeline/internal/handoff"
	"github.com/iago/meeting-pipeline/internal/jobstore"
)

type ASRDependencies struct {
	Store      Store
	Engine     asr.Engine
	Normalizer asr.Normalizer
	// Next receives the job once the transcript is written.
	Next     handoff.Transport
	Recorder Recorder
	Logger   *log.Logger

	DefaultLanguage string
	// MaxDuration bounds one transcription. Zero means no ceiling.
	MaxDuration time.Duration
}

// ASRStage turns the stored recording into transcript.json and hands the job
// to the summarizer.
type ASRStage struct {
	store           Store
	engine          asr.Engine
	normalizer      asr.Normalizer
	next            handoff.Transport
	recorder        Recorder
	logger          *log.Logger
	defaultLanguage string
	maxDuration     time.Duration
}

func NewASRStage(deps ASRDependencies) *ASRStage {
	language := strings.TrimSpace(deps.DefaultLanguage)
	if language == "" {
		language = "ru"
	}
	return &ASRStage{
		store:           deps.Store,
		engine:          deps.Engine,
		normalizer:      deps.Normalizer,
		next:            deps.Next,
		recorder:        deps.Recorder,
		logger:          deps.Logger,
		defaultLanguage: language,
		maxDuration:     deps.MaxDuration,
	}
}

func (s *ASRStage) Run(ctx context.Context, jobID string) error {
	return s.Handle(ctx, handoff.Request{JobID: jobID, Stage: domain.StageASR})
}

// Handle runs the stage for one hand-off request. Engine failures are captured
// in the transcript and reported as nil; store failures are returned so the
// caller can retry.
func (s *ASRStage) Handle(ctx context.Context, request handoff.Request) error {
	jobID := request.JobID
	done, err := s.store.HasArtifact(ctx, jobID, domain.ArtifactTranscript)
	if err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			return fmt.Errorf("%w: job %s", ErrMissingInput, jobID)
		}
		return fmt.Errorf("check transcript: %w", err)
	}
	if done {
		logf(s.logger, "asr skipped job_id=%s reason=transcript_exists", jobID)
		return nil
	}

	audioPath, err := s.resolveAudio(ctx, request)
	if err != nil {
		return err
	}
	language := s.resolveLanguage(ctx, request)

	started := time.Now().UTC()
	if err := s.store.WriteMetadata(ctx, jobID, map[string]any{
		domain.MetaTranscriptionStatus:    domain.StageStatusProcessing,
		domain.MetaTranscriptionStartedAt: started.Format(time.RFC3339Nano),
	}); err != nil {
		return fmt.Errorf("mark transcription processing: %w", err)
	}
	record(ctx, s.recorder, s.logger, jobID, domain.StageASR, domain.StageStatusProcessing, "")
	logf(s.logger, "asr started job_id=%s language=%s", jobID, language)

	enginePath := audioPath
	if s.normalizer != nil {
		normalized, normErr := s.normalizer.Normalize(ctx, audioPath)
		if normErr != nil {
			logf(s.logger, "asr conversion degraded job_id=%s err=%v", jobID, normErr)
		}
		enginePath = normalized
	}

	result, engineErr := s.transcribe(ctx, enginePath, language)
	if engineErr != nil {
		return s.captureFailure(ctx, jobID, language, engineErr)
	}

	segments, corrected := normalizeSegments(result.Segments)
	if corrected {
		logf(s.logger, "asr segments corrected job_id=%s count=%d", jobID, len(segments))
	}
	transcript := domain.Transcript{
		Language: firstNonEmpty(result.Language, language),
		Text:     joinSegmentText(segments),
		Segments: segments,
	}
	if err := s.store.WriteArtifact(ctx, jobID, domain.ArtifactTranscript, transcript); err != nil {
		return fmt.Errorf("write transcript: %w", err)
	}
	finished := time.Now().UTC()
	if err := s.store.WriteMetadata(ctx, jobID, map[string]any{
		domain.MetaTranscriptionStatus:     domain.StageStatusCompleted,
		domain.MetaTranscriptionFinishedAt: finished.Format(time.RFC3339Nano),
	}); err != nil {
		return fmt.Errorf("mark transcription completed: %w", err)
	}
	record(ctx, s.recorder, s.logger, jobID, domain.StageASR, domain.StageStatusCompleted, "")
	logf(s.logger, "asr completed job_id=%s segments=%d chars=%d duration_ms=%d",
		jobID, len(segments), len(transcript.Text), finished.Sub(started).Milliseconds())

	s.handOffSummary(ctx, jobID, audioPath, transcript.Language)
	return nil
}

func (s *ASRStage) transcribe(ctx context.Context, path, language string) (asr.Result, error) {
	if s.engine == nil {
		return asr.Result{}, asr.ErrEngineUnavailable
	}
	runCtx := ctx
	if s.maxDuration > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.maxDuration)
		defer cancel()
	}
	result, err := s.engine.Transcribe(runCtx, path, asr.DeterministicParams(language))
	if err == nil && runCtx.Err() != nil {
		err = runCtx.Err()
	}
	return result, err
}

func (s *ASRStage) captureFailure(ctx context.Context, jobID, language string, engineErr error) error {
	failure := &TranscriptionError{JobID: jobID, Err: engineErr}
	logf(s.logger, "asr failed job_id=%s err=%v", jobID, failure)

	transcript := domain.Transcript{
		Language: language,
		Text:     "",
		Segments: []domain.Segment{},
		Error:    engineErr.Error(),
	}
	if err := s.store.WriteArtifact(ctx, jobID, domain.ArtifactTranscript, transcript); err != nil {
		return fmt.Errorf("write failed transcript: %w", err)
	}
	if err := s.store.WriteMetadata(ctx, jobID, map[string]any{
		domain.MetaTranscriptionStatus:     domain.StageStatusError,
		domain.MetaTranscriptionError:      engineErr.Error(),
		domain.MetaTranscriptionFinishedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}); err != nil {
		return fmt.Errorf("mark transcription error: %w", err)
	}
	record(ctx, s.recorder, s.logger, jobID, domain.StageASR, domain.StageStatusError, engineErr.Error())
	return nil
}

func (s *ASRStage) handOffSummary(ctx context.Context, jobID, audioPath, language string) {
	if s.next == nil {
		return
	}
	err := s.next.Handoff(ctx, handoff.Request{
		JobID:     jobID,
		AudioPath: audioPath,
		Language:  language,
		Stage:     domain.StageSummarize,
	})
	if err == nil {
		return
	}
	logf(s.logger, "summary handoff failed job_id=%s transport=%s err=%v", jobID, s.next.Name(), err)
	if metaErr := s.store.WriteMetadata(ctx, jobID, map[string]any{
		domain.MetaSummaryHandoffError: err.Error(),
	}); metaErr != nil {
		logf(s.logger, "record summary handoff error failed job_id=%s err=%v", jobID, metaErr)
	}
}

func (s *ASRStage) resolveAudio(ctx context.Context, request handoff.Request) (string, error) {
	if path := strings.TrimSpace(request.AudioPath); path != "" {
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, nil
		}
	}
	path, err := s.store.InputPath(ctx, request.JobID)
	if err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			return "", fmt.Errorf("%w: input audio for job %s", ErrMissingInput, request.JobID)
		}
		return "", fmt.Errorf("resolve input audio: %w", err)
	}
	return path, nil
}

func (s *ASRStage) resolveLanguage(ctx context.Context, request handoff.Request) string {
	if language := strings.TrimSpace(request.Language); language != "" {
		return language
	}
	if meta, err := s.store.ReadMetadata(ctx, request.JobID); err == nil {
		if language, ok := meta[domain.MetaLanguage].(string); ok && strings.TrimSpace(language) != "" {
			return strings.TrimSpace(language)
		}
	}
	return s.defaultLanguage
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
