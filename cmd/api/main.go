package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/iago/meeting-pipeline/internal/app"
	"github.com/iago/meeting-pipeline/internal/config"
	"github.com/iago/meeting-pipeline/internal/domain"
	httpserver "github.com/iago/meeting-pipeline/internal/http"
	"github.com/iago/meeting-pipeline/internal/http/handlers"
	"github.com/iago/meeting-pipeline/internal/service"
	"github.com/iago/meeting-pipeline/internal/stage"
)

func main() {
	logger := log.New(os.Stdout, "[meeting-api] ", log.LstdFlags|log.LUTC|log.Lmicroseconds)
	if err := config.LoadFile(os.Getenv("CONFIG_FILE")); err != nil {
		logger.Fatalf("failed loading config file: %v", err)
	}
	if err := config.LoadDotEnv(".env", ".env.local"); err != nil {
		logger.Printf("failed loading .env files: %v", err)
	}
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("startup failed: %v", err)
	}
	defer rt.Close()

	// The ASR and summary stages live in this process only for inline
	// hand-offs or embedded workers.
	needSummary := cfg.SummaryHandoff == app.HandoffInline ||
		(cfg.WorkerEnabled && cfg.HasStage(string(domain.StageSummarize)))
	needASR := cfg.ASRHandoff == app.HandoffInline ||
		(cfg.WorkerEnabled && cfg.HasStage(string(domain.StageASR)) && cfg.ASRHandoff == app.HandoffQueue)

	var summaryStage *stage.SummaryStage
	if needSummary || needASR {
		summaryStage = rt.SummaryStage(rt.Generator())
	}

	var asrStage *stage.ASRStage
	if needASR {
		next, err := rt.SummaryTransport(summaryStage)
		if err != nil {
			logger.Fatalf("summary hand-off: %v", err)
		}
		engine := rt.WhisperEngine()
		defer engine.Close()
		asrStage = rt.ASRStage(engine, next)
	}

	transport, err := rt.ASRTransport(asrStage)
	if err != nil {
		logger.Fatalf("asr hand-off: %v", err)
	}

	if cfg.WorkerEnabled {
		startEmbeddedWorkers(ctx, rt, asrStage, summaryStage, logger)
	} else if stageQueue, ok := rt.Queues[domain.StageASR]; ok && stageQueue.Backend == "local" {
		logger.Printf("warning: local asr queue without WORKER_ENABLED, uploads will wait for nothing")
	}

	dispatcher := service.NewDispatcher(service.DispatcherDependencies{
		Store:           rt.Store,
		Transport:       transport,
		Ledger:          rt.Ledger,
		Logger:          logger,
		DefaultLanguage: cfg.DefaultLanguage,
	})
	jobs := service.NewJobsService(service.JobsDependencies{
		Store:    rt.Store,
		Resolver: rt.Resolver(),
		Ledger:   rt.Ledger,
		Queues:   rt.QueueStats(),
		Logger:   logger,
	})
	api := handlers.NewAPI(dispatcher, jobs, cfg.MaxUploadBytes(), logger)

	handler := httpserver.NewRouter(ctx, httpserver.RouterDependencies{
		API:            api,
		Logger:         logger,
		AuthToken:      cfg.AuthToken,
		CORSOrigins:    cfg.CORSOrigins,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	})

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		// Uploads of long recordings stream for minutes; no ReadTimeout.
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Printf("api listening on :%s asr_handoff=%s summary_handoff=%s queue_backend=%s",
			cfg.Port, transport.Name(), cfg.SummaryHandoff, cfg.QueueBackend)
		errChan <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Printf("shutdown signal received")
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("server failed: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.Seconds(cfg.ShutdownTimeoutSec))
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("graceful shutdown failed: %v", err)
	}
}

func startEmbeddedWorkers(ctx context.Context, rt *app.Runtime, asrStage *stage.ASRStage, summaryStage *stage.SummaryStage, logger *log.Logger) {
	started := 0
	if asrStage != nil && rt.Config.HasStage(string(domain.StageASR)) {
		if processor, err := rt.Processor(domain.StageASR, asrStage); err == nil {
			go processor.Start(ctx)
			started++
		}
	}
	if summaryStage != nil && rt.Config.HasStage(string(domain.StageSummarize)) {
		if processor, err := rt.Processor(domain.StageSummarize, summaryStage); err == nil {
			go processor.Start(ctx)
			started++
		}
	}
	logger.Printf("embedded workers started count=%d stages=%v", started, rt.Config.WorkerStages)
}
