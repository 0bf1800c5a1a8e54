package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/iago/meeting-pipeline/internal/ai"
	"github.com/iago/meeting-pipeline/internal/asr"
	"github.com/iago/meeting-pipeline/internal/domain"
	"github.com/iago/meeting-pipeline/internal/handoff"
	"github.com/iago/meeting-pipeline/internal/jobstore"
	"github.com/iago/meeting-pipeline/internal/queue"
	"github.com/iago/meeting-pipeline/internal/repository"
	"github.com/iago/meeting-pipeline/internal/stage"
	"github.com/iago/meeting-pipeline/internal/status"
)

type captureTransport struct {
	mu       sync.Mutex
	requests []handoff.Request
	err      error
}

func (c *captureTransport) Name() string { return "capture" }

func (c *captureTransport) Handoff(_ context.Context, request handoff.Request) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, request)
	return c.err
}

type staticGenerator struct {
	reply string
}

func (g staticGenerator) Available() bool { return true }

func (g staticGenerator) Generate(_ context.Context, request ai.GenerateRequest) (ai.GenerateResult, error) {
	return ai.GenerateResult{Text: g.reply, ModelID: request.Model}, nil
}

func newStore(t *testing.T) *jobstore.FileStore {
	t.Helper()
	store, err := jobstore.NewFileStore(filepath.Join(t.TempDir(), "jobs"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func TestSubmitStoresJobAndHandsOff(t *testing.T) {
	store := newStore(t)
	transport := &captureTransport{}
	ledger := repository.NewMemoryLedger()
	dispatcher := NewDispatcher(DispatcherDependencies{Store: store, Transport: transport, Ledger: ledger})

	result, err := dispatcher.Submit(context.Background(), SubmitRequest{
		Filename: "../../standup.MP3",
		Audio:    strings.NewReader("ID3audio"),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if result.Status != status.StateQueued || result.JobID == "" {
		t.Fatalf("unexpected submit result %+v", result)
	}

	meta, err := store.ReadMetadata(context.Background(), result.JobID)
	if err != nil {
		t.Fatalf("read metadata: %v", err)
	}
	if meta[domain.MetaLanguage] != "ru" || meta[domain.MetaFilename] != "standup.MP3" || meta[domain.MetaHandoff] != "capture" {
		t.Fatalf("unexpected metadata %v", meta)
	}
	if size, _ := meta[domain.MetaSizeBytes].(float64); size != 8 {
		t.Fatalf("expected size_bytes 8, got %v", meta[domain.MetaSizeBytes])
	}

	if len(transport.requests) != 1 {
		t.Fatalf("expected one handoff, got %d", len(transport.requests))
	}
	request := transport.requests[0]
	if request.Stage != domain.StageASR || request.Language != "ru" || filepath.Base(request.AudioPath) != "input.mp3" {
		t.Fatalf("unexpected handoff request %+v", request)
	}

	stats, _ := ledger.Stats(context.Background())
	if stats.Jobs != 1 {
		t.Fatalf("expected ledger submission, got %+v", stats)
	}
}

func TestSubmitHandoffFailureKeepsJob(t *testing.T) {
	store := newStore(t)
	transport := &captureTransport{err: errors.New("connection refused")}
	ledger := repository.NewMemoryLedger()
	dispatcher := NewDispatcher(DispatcherDependencies{Store: store, Transport: transport, Ledger: ledger})

	_, err := dispatcher.Submit(context.Background(), SubmitRequest{
		Filename: "a.wav",
		Language: "en",
		Audio:    strings.NewReader("RIFF"),
	})
	var submitErr *SubmissionError
	if !errors.As(err, &submitErr) || !submitErr.HandoffFailed() {
		t.Fatalf("expected handoff SubmissionError, got %v", err)
	}
	if !store.Exists(context.Background(), submitErr.JobID) {
		t.Fatalf("expected job dir to remain after handoff failure")
	}
	meta, _ := store.ReadMetadata(context.Background(), submitErr.JobID)
	if meta[domain.MetaHandoffError] != "connection refused" {
		t.Fatalf("expected handoff_error in metadata, got %v", meta)
	}

	current, err := status.NewResolver(store, nil, nil).Resolve(context.Background(), submitErr.JobID)
	if err != nil || current.State != status.StateFailed || current.Stage != status.DispatchStage {
		t.Fatalf("expected dispatch failure status, got %+v err=%v", current, err)
	}
	if stats, _ := ledger.Stats(context.Background()); stats.HandoffFailures != 1 {
		t.Fatalf("expected ledger handoff failure, got %+v", stats)
	}
}

func TestSubmitStatusIsNeverAheadOfArtifacts(t *testing.T) {
	store := newStore(t)
	dispatcher := NewDispatcher(DispatcherDependencies{Store: store, Transport: &captureTransport{}})
	jobs := NewJobsService(JobsDependencies{Store: store})

	for i := 0; i < 5; i++ {
		result, err := dispatcher.Submit(context.Background(), SubmitRequest{Filename: "m.ogg", Audio: strings.NewReader("x")})
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		current, err := jobs.Status(context.Background(), result.JobID)
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if current.State != status.StateQueued && current.State != status.StateProcessing {
			t.Fatalf("expected queued or processing after submit, got %s", current.State)
		}
	}
}

// pipeline wires dispatcher, ASR stage and summary stage in-process.
func pipeline(t *testing.T, store *jobstore.FileStore, engine asr.Engine, reply string) *Dispatcher {
	t.Helper()
	summary := stage.NewSummaryStage(stage.SummaryDependencies{Store: store, Generator: staticGenerator{reply: reply}})
	asrStage := stage.NewASRStage(stage.ASRDependencies{
		Store:  store,
		Engine: engine,
		Next:   handoff.Func(summary.Handle),
	})
	return NewDispatcher(DispatcherDependencies{Store: store, Transport: handoff.Func(asrStage.Handle)})
}

func TestPipelineSilentAudio(t *testing.T) {
	store := newStore(t)
	silent := asr.EngineFunc(func(context.Context, string, asr.DecodingParams) (asr.Result, error) {
		return asr.Result{Language: "ru"}, nil
	})
	dispatcher := pipeline(t, store, silent, `{"meeting_summary":"Пустая встреча."}`)

	result, err := dispatcher.Submit(context.Background(), SubmitRequest{Filename: "silence.wav", Language: "ru", Audio: strings.NewReader("RIFF")})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	var transcript domain.Transcript
	if err := store.ReadArtifact(context.Background(), result.JobID, domain.ArtifactTranscript, &transcript); err != nil {
		t.Fatalf("read transcript: %v", err)
	}
	if transcript.Text != "" || len(transcript.Segments) != 0 || transcript.Failed() {
		t.Fatalf("expected empty successful transcript, got %+v", transcript)
	}
}

func TestPipelineCorruptAudioNeverSummarizes(t *testing.T) {
	store := newStore(t)
	corrupt := asr.EngineFunc(func(context.Context, string, asr.DecodingParams) (asr.Result, error) {
		return asr.Result{}, errors.New("Invalid data found when processing input")
	})
	dispatcher := pipeline(t, store, corrupt, `{"meeting_summary":"x"}`)

	result, err := dispatcher.Submit(context.Background(), SubmitRequest{Filename: "junk.mp3", Audio: strings.NewReader("not audio")})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	jobs := NewJobsService(JobsDependencies{Store: store})

	current, _ := jobs.Status(context.Background(), result.JobID)
	if current.State != status.StateFailed || current.Stage != domain.StageASR {
		t.Fatalf("expected asr failure, got %+v", current)
	}
	if has, _ := store.HasArtifact(context.Background(), result.JobID, domain.ArtifactSummary); has {
		t.Fatalf("expected no summary for failed asr")
	}
	out, err := jobs.Result(context.Background(), result.JobID)
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	if out.Transcript == nil || out.Transcript.Error == "" || out.Summary != nil {
		t.Fatalf("unexpected result %+v", out)
	}
}

func TestPipelineDoneAndDistinctJobs(t *testing.T) {
	store := newStore(t)
	engine := asr.EngineFunc(func(_ context.Context, path string, _ asr.DecodingParams) (asr.Result, error) {
		return asr.Result{Segments: []domain.Segment{{Start: 0, End: 1, Text: filepath.Base(filepath.Dir(path))}}}, nil
	})
	dispatcher := pipeline(t, store, engine, "not json at all")
	jobs := NewJobsService(JobsDependencies{Store: store, Ledger: repository.NewMemoryLedger()})

	first, err := dispatcher.Submit(context.Background(), SubmitRequest{Filename: "a.mp3", Audio: strings.NewReader("a")})
	if err != nil {
		t.Fatalf("submit first: %v", err)
	}
	second, err := dispatcher.Submit(context.Background(), SubmitRequest{Filename: "b.mp3", Audio: strings.NewReader("b")})
	if err != nil {
		t.Fatalf("submit second: %v", err)
	}
	if first.JobID == second.JobID {
		t.Fatalf("expected distinct job ids")
	}

	out, err := jobs.Result(context.Background(), first.JobID)
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	if out.Status != status.StateDone || out.Summary == nil || out.Summary.Raw != "not json at all" {
		t.Fatalf("expected done with raw summary, got %+v", out)
	}
	if out.Transcript.Text != first.JobID {
		t.Fatalf("expected transcript of its own audio, got %q", out.Transcript.Text)
	}

	if err := jobs.Delete(context.Background(), first.JobID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := jobs.Status(context.Background(), first.JobID); !errors.Is(err, jobstore.ErrNotFound) {
		t.Fatalf("expected deleted job not found, got %v", err)
	}
	current, err := jobs.Status(context.Background(), second.JobID)
	if err != nil || current.State != status.StateDone {
		t.Fatalf("expected second job untouched, got %+v err=%v", current, err)
	}
}

func TestDeleteUnknownJob(t *testing.T) {
	jobs := NewJobsService(JobsDependencies{Store: newStore(t)})
	if err := jobs.Delete(context.Background(), "never-created"); !errors.Is(err, jobstore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestResultNotReady(t *testing.T) {
	store := newStore(t)
	_ = store.Create(context.Background(), "job-1")
	jobs := NewJobsService(JobsDependencies{Store: store})

	if _, err := jobs.Result(context.Background(), "job-1"); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
	if _, err := jobs.Result(context.Background(), "missing"); !errors.Is(err, jobstore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestHistorySortedNewestFirst(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	for id, created := range map[string]string{
		"old": "2024-01-01T10:00:00Z",
		"mid": "2024-06-01T10:00:00Z",
		"new": "2025-01-01T10:00:00Z",
	} {
		_ = store.Create(ctx, id)
		_ = store.WriteMetadata(ctx, id, map[string]any{domain.MetaCreatedAt: created})
	}
	jobs := NewJobsService(JobsDependencies{Store: store})

	items, err := jobs.History(ctx, 2)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(items) != 2 || items[0].JobID != "new" || items[1].JobID != "mid" {
		t.Fatalf("unexpected history order %+v", items)
	}
	if items[0].Status != string(status.StateQueued) {
		t.Fatalf("expected derived status queued, got %q", items[0].Status)
	}
}

type countingResolver struct {
	resolved []string
}

func (r *countingResolver) Resolve(_ context.Context, jobID string) (status.Status, error) {
	r.resolved = append(r.resolved, jobID)
	return status.Status{JobID: jobID, State: status.StateProcessing}, nil
}

func TestHistoryResolvesOnlyReturnedRows(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("job-%d", i)
		_ = store.Create(ctx, id)
		_ = store.WriteMetadata(ctx, id, map[string]any{
			domain.MetaCreatedAt: fmt.Sprintf("2025-01-0%dT10:00:00Z", i+1),
		})
	}
	resolver := &countingResolver{}
	jobs := NewJobsService(JobsDependencies{Store: store, Resolver: resolver})

	items, err := jobs.History(ctx, 2)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(items) != 2 || items[0].JobID != "job-4" || items[1].JobID != "job-3" {
		t.Fatalf("unexpected history %+v", items)
	}
	if len(resolver.resolved) != 2 {
		t.Fatalf("expected 2 status lookups, got %v", resolver.resolved)
	}
	if items[1].Status != string(status.StateProcessing) {
		t.Fatalf("expected resolved status on returned rows, got %q", items[1].Status)
	}
}

func TestStatsIncludesQueues(t *testing.T) {
	local := queue.NewLocalQueue("asr", 4, 1, nil)
	jobs := NewJobsService(JobsDependencies{
		Store:  newStore(t),
		Ledger: repository.NewMemoryLedger(),
		Queues: []queue.StatsReporter{local},
	})
	stats, err := jobs.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Ledger == nil || len(stats.Queues) != 1 || stats.Queues[0].Name != "asr" {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("client went away") }

func TestSubmitDiscardsPartialUpload(t *testing.T) {
	store := newStore(t)
	transport := &captureTransport{}
	dispatcher := NewDispatcher(DispatcherDependencies{Store: store, Transport: transport})

	_, err := dispatcher.Submit(context.Background(), SubmitRequest{Filename: "a.mp3", Audio: failingReader{}})
	var submitErr *SubmissionError
	if !errors.As(err, &submitErr) || submitErr.Stage != StepInput {
		t.Fatalf("expected input SubmissionError, got %v", err)
	}
	if store.Exists(context.Background(), submitErr.JobID) {
		t.Fatalf("expected partial job to be removed")
	}
	if len(transport.requests) != 0 {
		t.Fatalf("expected no handoff for failed upload")
	}
}
