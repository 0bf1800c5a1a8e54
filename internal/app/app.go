// Package app assembles the pipeline from configuration. cmd/api and cmd/worker
// share it so both processes agree on queue names, stores and transports.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/iago/meeting-pipeline/internal/ai"
	"github.com/iago/meeting-pipeline/internal/asr"
	"github.com/iago/meeting-pipeline/internal/cache"
	"github.com/iago/meeting-pipeline/internal/config"
	"github.com/iago/meeting-pipeline/internal/domain"
	"github.com/iago/meeting-pipeline/internal/handoff"
	"github.com/iago/meeting-pipeline/internal/jobstore"
	"github.com/iago/meeting-pipeline/internal/queue"
	"github.com/iago/meeting-pipeline/internal/repository"
	"github.com/iago/meeting-pipeline/internal/stage"
	"github.com/iago/meeting-pipeline/internal/status"
	"github.com/iago/meeting-pipeline/internal/worker"
)

const (
	HandoffQueue  = "queue"
	HandoffRemote = "remote"
	HandoffInline = "inline"
)

var ErrNoQueue = errors.New("stage has no queue configured")

// StageQueue is the broker side of one stage.
type StageQueue struct {
	Stage    domain.StageKind
	Backend  string
	Producer queue.Producer
	Consumer queue.Consumer
	Stats    queue.StatsReporter
}

// Runtime holds the shared resources of one process.
type Runtime struct {
	Config config.Config
	Logger *log.Logger
	Store  *jobstore.FileStore
	Ledger repository.Ledger
	Queues map[domain.StageKind]*StageQueue

	summaryCache *cache.SummaryCache
	closers      []func()
}

func New(ctx context.Context, cfg config.Config, logger *log.Logger) (*Runtime, error) {
	store, err := jobstore.NewFileStore(filepath.Join(cfg.DataDir, "jobs"))
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}
	rt := &Runtime{
		Config: cfg,
		Logger: logger,
		Store:  store,
		Queues: make(map[domain.StageKind]*StageQueue),
		summaryCache: cache.NewSummaryCache(cache.Config{
			TTL:        config.Seconds(cfg.SummaryCacheTTLSeconds),
			MaxEntries: cfg.SummaryCacheMaxEntries,
		}),
	}

	ledger, closeLedger, err := setupLedger(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	rt.Ledger = ledger
	rt.closers = append(rt.closers, closeLedger)

	for _, kind := range []domain.StageKind{domain.StageASR, domain.StageSummarize} {
		if rt.handoffMode(kind) != HandoffQueue {
			continue
		}
		stageQueue, closeQueue := setupQueue(ctx, cfg, kind, logger)
		rt.Queues[kind] = stageQueue
		rt.closers = append(rt.closers, closeQueue)
	}
	return rt, nil
}

// Close releases queues and the ledger in reverse order of creation.
func (rt *Runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}

func (rt *Runtime) handoffMode(kind domain.StageKind) string {
	if kind == domain.StageSummarize {
		return rt.Config.SummaryHandoff
	}
	return rt.Config.ASRHandoff
}

// QueueStats lists the reporters exposed on /v1/stats.
func (rt *Runtime) QueueStats() []queue.StatsReporter {
	reporters := make([]queue.StatsReporter, 0, len(rt.Queues))
	for _, kind := range []domain.StageKind{domain.StageASR, domain.StageSummarize} {
		if stageQueue, ok := rt.Queues[kind]; ok && stageQueue.Stats != nil {
			reporters = append(reporters, stageQueue.Stats)
		}
	}
	return reporters
}

func (rt *Runtime) Generator() ai.TextGenerator {
	cfg := rt.Config
	if cfg.SummaryProvider == "openai" {
		return ai.NewOpenAIClient(ai.OpenAIClientConfig{
			APIKey:     cfg.OpenAIAPIKey,
			BaseURL:    cfg.OpenAIBaseURL,
			Timeout:    config.Millis(cfg.SummaryTimeoutMS),
			MaxRetries: cfg.SummaryMaxRetries,
		})
	}
	return ai.NewChatCompletionsClient(ai.ChatCompletionsConfig{
		Provider:   cfg.SummaryProvider,
		APIKey:     cfg.DeepSeekAPIKey,
		BaseURL:    cfg.DeepSeekBaseURL,
		Timeout:    config.Millis(cfg.SummaryTimeoutMS),
		MaxRetries: cfg.SummaryMaxRetries,
		SiteURL:    cfg.SummarySiteURL,
		AppName:    cfg.SummaryAppName,
	})
}

func (rt *Runtime) SummaryStage(generator ai.TextGenerator) *stage.SummaryStage {
	return stage.NewSummaryStage(stage.SummaryDependencies{
		Store:     rt.Store,
		Generator: generator,
		Router: ai.NewModelRouter(ai.ModelRouterConfig{
			SummaryPrimary:  rt.Config.DeepSeekModel,
			SummaryFallback: rt.Config.DeepSeekFallbackModel,
		}),
		Prompts:  stage.NewPromptRenderer(rt.Config.PromptsDir),
		Cache:    rt.summaryCache,
		Recorder: rt.Ledger,
		Logger:   rt.Logger,
		Timeout:  config.Millis(rt.Config.SummaryTimeoutMS),
	})
}

func (rt *Runtime) WhisperEngine() *asr.WhisperEngine {
	cfg := rt.Config
	return asr.NewWhisperEngine(asr.WhisperConfig{
		PythonBin:    cfg.PythonBin,
		Model:        cfg.WhisperModel,
		Device:       cfg.WhisperDevice,
		ComputeType:  cfg.WhisperComputeType,
		FastMode:     cfg.WhisperFastMode,
		Timeout:      config.Seconds(cfg.TranscribeTimeoutSec),
		StartTimeout: config.Seconds(cfg.WhisperStartTimeoutSec),
	}, rt.Logger)
}

// ASRStage builds the transcription stage. next carries finished transcripts
// to the summarizer.
func (rt *Runtime) ASRStage(engine asr.Engine, next handoff.Transport) *stage.ASRStage {
	cfg := rt.Config
	return stage.NewASRStage(stage.ASRDependencies{
		Store:           rt.Store,
		Engine:          engine,
		Normalizer:      asr.NewFFmpegNormalizer(cfg.FFmpegPath, config.Seconds(cfg.FFmpegTimeoutSec), rt.Logger),
		Next:            next,
		Recorder:        rt.Ledger,
		Logger:          rt.Logger,
		DefaultLanguage: cfg.DefaultLanguage,
		MaxDuration:     config.Seconds(cfg.TranscribeTimeoutSec),
	})
}

// SummaryTransport is how the ASR stage reaches the summarizer. summary is only
// used in inline mode and may be nil otherwise.
func (rt *Runtime) SummaryTransport(summary *stage.SummaryStage) (handoff.Transport, error) {
	switch rt.Config.SummaryHandoff {
	case HandoffQueue:
		return rt.queueTransport(domain.StageSummarize)
	case HandoffInline:
		if summary == nil {
			return nil, errors.New("inline summary hand-off needs a summary stage")
		}
		return handoff.NewBackground(handoff.Func(summary.Handle), rt.Config.InlineConcurrency, rt.Logger), nil
	default:
		return nil, fmt.Errorf("unsupported SUMMARY_HANDOFF %q", rt.Config.SummaryHandoff)
	}
}

// ASRTransport is how the dispatcher reaches the ASR stage. asrStage is only
// used in inline mode and may be nil otherwise.
func (rt *Runtime) ASRTransport(asrStage *stage.ASRStage) (handoff.Transport, error) {
	switch rt.Config.ASRHandoff {
	case HandoffQueue:
		return rt.queueTransport(domain.StageASR)
	case HandoffRemote:
		return handoff.NewRemoteTransport(handoff.RemoteConfig{
			BaseURL:    rt.Config.TranscribeServerURL,
			Timeout:    config.Millis(rt.Config.HandoffTimeoutMS),
			HTTPClient: rt.workerClient(),
		}), nil
	case HandoffInline:
		if asrStage == nil {
			return nil, errors.New("inline asr hand-off needs an asr stage")
		}
		return handoff.NewBackground(handoff.Func(asrStage.Handle), rt.Config.InlineConcurrency, rt.Logger), nil
	default:
		return nil, fmt.Errorf("unsupported ASR_HANDOFF %q", rt.Config.ASRHandoff)
	}
}

func (rt *Runtime) queueTransport(kind domain.StageKind) (handoff.Transport, error) {
	stageQueue, ok := rt.Queues[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoQueue, kind)
	}
	return handoff.NewQueueTransport(stageQueue.Backend+":"+string(kind), stageQueue.Producer), nil
}

// Processor consumes the queue of kind with handler.
func (rt *Runtime) Processor(kind domain.StageKind, handler worker.StageHandler) (*worker.Processor, error) {
	stageQueue, ok := rt.Queues[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoQueue, kind)
	}
	return worker.NewProcessor(stageQueue.Consumer, map[domain.StageKind]worker.StageHandler{kind: handler}, rt.Logger), nil
}

// Resolver derives job status, asking the remote ASR worker about in-flight
// jobs when REMOTE_STATUS_ENABLED is set.
func (rt *Runtime) Resolver() *status.Resolver {
	var remote status.RemoteWorker
	if rt.Config.RemoteStatusEnabled {
		remote = status.NewHTTPRemoteWorker(
			rt.Config.TranscribeServerURL,
			config.Millis(rt.Config.RemoteStatusTimeoutMS),
			rt.workerClient(),
		)
	}
	return status.NewResolver(rt.Store, remote, rt.Logger)
}

// workerClient talks to the remote ASR worker, sending WORKER_AUTH_TOKEN.
func (rt *Runtime) workerClient() *http.Client {
	if rt.Config.WorkerAuthToken == "" {
		return &http.Client{}
	}
	return &http.Client{Transport: bearerTransport{token: rt.Config.WorkerAuthToken, next: http.DefaultTransport}}
}

type bearerTransport struct {
	token string
	next  http.RoundTripper
}

func (t bearerTransport) RoundTrip(request *http.Request) (*http.Response, error) {
	clone := request.Clone(request.Context())
	clone.Header.Set("Authorization", "Bearer "+t.token)
	return t.next.RoundTrip(clone)
}

func setupLedger(ctx context.Context, cfg config.Config, logger *log.Logger) (repository.Ledger, func(), error) {
	var (
		ledger  repository.Ledger
		closeFn func()
		err     error
	)
	switch {
	case cfg.DatabaseURL != "":
		var pg *repository.PostgresLedger
		if pg, err = repository.NewPostgresLedger(ctx, cfg.DatabaseURL); err == nil {
			ledger, closeFn = pg, pg.Close
			logf(logger, "postgres ledger initialized")
		}
	case cfg.SQLitePath != "":
		var lite *repository.SQLiteLedger
		if lite, err = repository.NewSQLiteLedger(ctx, cfg.SQLitePath); err == nil {
			ledger, closeFn = lite, func() { _ = lite.Close() }
			logf(logger, "sqlite ledger initialized path=%s", cfg.SQLitePath)
		}
	default:
		logf(logger, "DATABASE_URL and SQLITE_PATH not configured, using in-memory ledger")
		return repository.NewMemoryLedger(), func() {}, nil
	}

	if err != nil {
		if !cfg.LedgerFallbackMemory {
			return nil, nil, fmt.Errorf("open ledger: %w", err)
		}
		logf(logger, "failed to initialize ledger, fallback to memory: %v", err)
		return repository.NewMemoryLedger(), func() {}, nil
	}
	return ledger, closeFn, nil
}

// setupQueue opens the queue of one stage. A broker that cannot be reached
// degrades to an in-process queue, which only works when the consuming worker
// lives in the same process.
func setupQueue(ctx context.Context, cfg config.Config, kind domain.StageKind, logger *log.Logger) (*StageQueue, func()) {
	stageQueue := &StageQueue{Stage: kind}
	baseCloser := func() {}

	switch cfg.QueueBackend {
	case "redis":
		streams, err := queue.NewStreamsQueue(ctx, queue.StreamsConfig{
			Addr:        cfg.RedisAddr,
			Password:    cfg.RedisPassword,
			DB:          cfg.RedisDB,
			Stream:      redisStream(cfg, kind),
			DLQStream:   redisStream(cfg, kind) + cfg.RedisDLQSuffix,
			Group:       cfg.RedisGroup,
			Consumer:    consumerName(cfg.RedisConsumer),
			MaxAttempts: cfg.QueueMaxAttempts,
		})
		if err != nil {
			logf(logger, "failed to initialize redis streams queue stage=%s, fallback to local: %v", kind, err)
			break
		}
		logf(logger, "redis streams queue initialized stage=%s stream=%s", kind, redisStream(cfg, kind))
		stageQueue.Backend, stageQueue.Producer, stageQueue.Consumer, stageQueue.Stats = "redis", streams, streams, streams
		baseCloser = func() { _ = streams.Close() }
	case "nats":
		js, err := queue.NewJetStreamQueue(ctx, queue.JetStreamConfig{
			URL:           cfg.NATSURL,
			Stream:        cfg.NATSStream,
			SubjectPrefix: cfg.NATSSubjectPrefix,
			Stage:         kind,
			MaxAttempts:   cfg.QueueMaxAttempts,
		}, logger)
		if err != nil {
			logf(logger, "failed to initialize jetstream queue stage=%s, fallback to local: %v", kind, err)
			break
		}
		logf(logger, "jetstream queue initialized stage=%s stream=%s", kind, cfg.NATSStream)
		stageQueue.Backend, stageQueue.Producer, stageQueue.Consumer, stageQueue.Stats = "nats", js, js, js
		baseCloser = func() { _ = js.Close() }
	case "local", "":
	default:
		logf(logger, "unknown QUEUE_BACKEND %q, using local queue", cfg.QueueBackend)
	}

	if stageQueue.Producer == nil {
		local := queue.NewLocalQueue(string(kind), cfg.QueueLocalBuffer, cfg.QueueMaxAttempts, logger)
		stageQueue.Backend, stageQueue.Producer, stageQueue.Consumer, stageQueue.Stats = "local", local, local, local
	}

	if !cfg.QueueBatchingEnabled {
		return stageQueue, baseCloser
	}
	batching := queue.NewBatchingProducer(ctx, stageQueue.Producer, queue.BatchingConfig{
		MaxBatchSize:       cfg.QueueBatchSize,
		FlushInterval:      config.Millis(cfg.QueueBatchFlushMS),
		FlushTimeout:       config.Millis(cfg.QueueBatchFlushTimeoutMS),
		QueueCapacity:      cfg.QueueBatchQueueCapacity,
		MaxInFlightBatches: cfg.QueueBatchMaxInFlight,
	})
	stageQueue.Producer, stageQueue.Stats = batching, batching
	logf(logger, "queue batching enabled stage=%s size=%d flush_ms=%d queue_capacity=%d max_in_flight=%d",
		kind, cfg.QueueBatchSize, cfg.QueueBatchFlushMS, cfg.QueueBatchQueueCapacity, cfg.QueueBatchMaxInFlight)
	return stageQueue, func() {
		batching.Close()
		baseCloser()
	}
}

func redisStream(cfg config.Config, kind domain.StageKind) string {
	if kind == domain.StageSummarize {
		return cfg.RedisSummaryStream
	}
	return cfg.RedisASRStream
}

// consumerName keeps Redis consumer names unique across replicas.
func consumerName(configured string) string {
	if configured = strings.TrimSpace(configured); configured != "" {
		return configured
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + uuid.NewString()[:8]
}

func logf(logger *log.Logger, format string, args ...any) {
	if logger != nil {
		logger.Printf(format, args...)
	}
}
