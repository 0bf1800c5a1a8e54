package stage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/iago/meeting-pipeline/internal/ai"
	"github.com/iago/meeting-pipeline/internal/cache"
	"github.com/iago/meeting-pipeline/internal/domain"
	"github.com/iago/meeting-pipeline/internal/handoff"
	"github.com/iago/meeting-pipeline/internal/jobstore"
	"github.com/iago/meeting-pipeline/internal/quality"
)

type SummaryDependencies struct {
	Store     Store
	Generator ai.TextGenerator
	Router    *ai.ModelRouter
	Prompts   *PromptRenderer
	Cache     *cache.SummaryCache
	Recorder  Recorder
	Logger    *log.Logger

	// Timeout bounds the whole generation, fallback model included.
	Timeout time.Duration
}

type SummaryStage struct {
	store     Store
	generator ai.TextGenerator
	router    *ai.ModelRouter
	prompts   *PromptRenderer
	cache     *cache.SummaryCache
	recorder  Recorder
	logger    *log.Logger
	timeout   time.Duration
}

func NewSummaryStage(deps SummaryDependencies) *SummaryStage {
	if deps.Router == nil {
		deps.Router = ai.NewModelRouter(ai.ModelRouterConfig{})
	}
	if deps.Prompts == nil {
		deps.Prompts = NewPromptRenderer("")
	}
	if deps.Timeout <= 0 {
		deps.Timeout = 90 * time.Second
	}
	return &SummaryStage{
		store:     deps.Store,
		generator: deps.Generator,
		router:    deps.Router,
		prompts:   deps.Prompts,
		cache:     deps.Cache,
		recorder:  deps.Recorder,
		logger:    deps.Logger,
		timeout:   deps.Timeout,
	}
}

func (s *SummaryStage) Handle(ctx context.Context, request handoff.Request) error {
	return s.Run(ctx, request.JobID)
}

func (s *SummaryStage) Run(ctx context.Context, jobID string) error {
	var transcript domain.Transcript
	if err := s.store.ReadArtifact(ctx, jobID, domain.ArtifactTranscript, &transcript); err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			return fmt.Errorf("%w: no transcript for job %s", ErrMissingInput, jobID)
		}
		return fmt.Errorf("read transcript: %w", err)
	}
	if transcript.Failed() {
		return fmt.Errorf("%w: transcript for job %s carries error: %s", ErrMissingInput, jobID, transcript.Error)
	}

	done, err := s.store.HasArtifact(ctx, jobID, domain.ArtifactSummary)
	if err != nil {
		return fmt.Errorf("check summary: %w", err)
	}
	if done {
		logf(s.logger, "summarize skipped job_id=%s reason=summary_exists", jobID)
		return nil
	}

	language := s.language(ctx, jobID, transcript)
	instructions, prompt, err := s.prompts.RenderSummary(language, transcript.Text)
	if err != nil {
		return s.captureFailure(ctx, jobID, "", fmt.Errorf("render prompt: %w", err))
	}

	if err := s.store.WriteMetadata(ctx, jobID, map[string]any{
		domain.MetaSummaryStatus: domain.StageStatusProcessing,
	}); err != nil {
		return fmt.Errorf("mark summary processing: %w", err)
	}
	record(ctx, s.recorder, s.logger, jobID, domain.StageSummarize, domain.StageStatusProcessing, "")

	started := time.Now()
	reply, model, cacheHit, genErr := s.generate(ctx, transcript.Text, instructions, prompt)
	if genErr != nil {
		return s.captureFailure(ctx, jobID, model, genErr)
	}

	summary := parseSummaryReply(reply)
	if summary.IsRaw() {
		logf(s.logger, "summary reply not json job_id=%s model=%s stored=raw", jobID, model)
	} else {
		var report quality.SummaryReport
		summary, report = quality.NormalizeSummary(summary, language)
		logf(s.logger, "summary normalized job_id=%s quality_score=%.2f corrected=%t", jobID, report.Score, report.Corrected)
	}

	if err := s.store.WriteArtifact(ctx, jobID, domain.ArtifactSummary, summary); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	if err := s.store.WriteMetadata(ctx, jobID, map[string]any{
		domain.MetaSummaryStatus: domain.StageStatusCompleted,
		domain.MetaSummaryModel:  model,
	}); err != nil {
		return fmt.Errorf("mark summary completed: %w", err)
	}
	record(ctx, s.recorder, s.logger, jobID, domain.StageSummarize, domain.StageStatusCompleted, model)
	logf(s.logger, "summarize completed job_id=%s model=%s cache_hit=%t duration_ms=%d",
		jobID, model, cacheHit, time.Since(started).Milliseconds())
	return nil
}

// generate tries the primary model then the fallback. It returns the model that
// answered, or the last one tried on failure.
func (s *SummaryStage) generate(ctx context.Context, text, instructions, prompt string) (string, string, bool, error) {
	profile := s.router.Select(ai.TaskSummary)
	models := profile.Models()

	for _, model := range models {
		if reply, ok := s.cached(model, text); ok {
			return reply, model, true, nil
		}
	}

	if s.generator == nil || !s.generator.Available() {
		return "", firstNonEmpty(models...), false, ai.ErrProviderUnavailable
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var (
		lastErr   error
		lastModel string
	)
	for _, model := range models {
		lastModel = model
		result, err := s.generator.Generate(timeoutCtx, ai.GenerateRequest{
			Model:           model,
			Instructions:    instructions,
			Input:           prompt,
			Temperature:     profile.Temperature,
			MaxOutputTokens: profile.MaxOutputTokens,
			JSONObject:      true,
		})
		if err == nil && strings.TrimSpace(result.Text) == "" {
			err = errEmptyReply
		}
		if err == nil {
			answered := firstNonEmpty(result.ModelID, model)
			s.remember(model, text, result.Text, answered)
			return result.Text, answered, false, nil
		}
		if lastErr != nil {
			err = fmt.Errorf("%v; fallback %s: %w", lastErr, model, err)
		}
		lastErr = err
		logf(s.logger, "summary model failed model=%s err=%v", model, err)
		if timeoutCtx.Err() != nil {
			break
		}
	}
	if lastErr == nil {
		lastErr = errors.New("no summary model configured")
	}
	return "", lastModel, false, lastErr
}

func (s *SummaryStage) cached(model, text string) (string, bool) {
	if s.cache == nil {
		return "", false
	}
	entry, ok := s.cache.Get(cache.Key(model, SummaryPromptVersion, text))
	if !ok {
		return "", false
	}
	var reply string
	if err := json.Unmarshal(entry.Value, &reply); err != nil || strings.TrimSpace(reply) == "" {
		return "", false
	}
	return reply, true
}

func (s *SummaryStage) remember(model, text, reply, answeredBy string) {
	if s.cache == nil {
		return
	}
	encoded, err := json.Marshal(reply)
	if err != nil {
		return
	}
	s.cache.Set(cache.Key(model, SummaryPromptVersion, text), cache.Entry{
		Value:         encoded,
		ModelID:       answeredBy,
		PromptVersion: SummaryPromptVersion,
	})
}

func (s *SummaryStage) captureFailure(ctx context.Context, jobID, model string, cause error) error {
	failure := &SummarizationError{JobID: jobID, Model: model, Err: cause}
	logf(s.logger, "summarize failed job_id=%s err=%v", jobID, failure)

	artifact := domain.SummaryFailure{
		Error:    cause.Error(),
		Model:    model,
		FailedAt: time.Now().UTC(),
	}
	if err := s.store.WriteArtifact(ctx, jobID, domain.ArtifactSummaryError, artifact); err != nil {
		return fmt.Errorf("write summary error: %w", err)
	}
	if err := s.store.WriteMetadata(ctx, jobID, map[string]any{
		domain.MetaSummaryStatus: domain.StageStatusError,
		domain.MetaSummaryError:  cause.Error(),
	}); err != nil {
		return fmt.Errorf("mark summary error: %w", err)
	}
	record(ctx, s.recorder, s.logger, jobID, domain.StageSummarize, domain.StageStatusError, cause.Error())
	return failure
}

func (s *SummaryStage) language(ctx context.Context, jobID string, transcript domain.Transcript) string {
	if language := strings.TrimSpace(transcript.Language); language != "" {
		return language
	}
	if meta, err := s.store.ReadMetadata(ctx, jobID); err == nil {
		if language, ok := meta[domain.MetaLanguage].(string); ok {
			return strings.TrimSpace(language)
		}
	}
	return ""
}
