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

	"golang.org/x/sync/errgroup"

	"github.com/iago/meeting-pipeline/internal/app"
	"github.com/iago/meeting-pipeline/internal/config"
	"github.com/iago/meeting-pipeline/internal/domain"
	"github.com/iago/meeting-pipeline/internal/handoff"
	httpserver "github.com/iago/meeting-pipeline/internal/http"
	"github.com/iago/meeting-pipeline/internal/http/handlers"
	"github.com/iago/meeting-pipeline/internal/stage"
)

func main() {
	logger := log.New(os.Stdout, "[meeting-worker] ", log.LstdFlags|log.LUTC|log.Lmicroseconds)
	if err := config.LoadFile(os.Getenv("CONFIG_FILE")); err != nil {
		logger.Fatalf("failed loading config file: %v", err)
	}
	if err := config.LoadDotEnv(".env", ".env.local"); err != nil {
		logger.Printf("failed loading .env files: %v", err)
	}
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatalf("worker stopped: %v", err)
	}
	logger.Printf("worker stopped")
}

func run(ctx context.Context, cfg config.Config, logger *log.Logger) error {
	rt, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	runASR := cfg.HasStage(string(domain.StageASR))
	runSummary := cfg.HasStage(string(domain.StageSummarize))
	if !runASR && !runSummary {
		return errors.New("WORKER_STAGES names no known stage")
	}

	group, groupCtx := errgroup.WithContext(ctx)
	running := 0

	var summaryStage *stage.SummaryStage
	if runSummary || cfg.SummaryHandoff == app.HandoffInline {
		summaryStage = rt.SummaryStage(rt.Generator())
	}
	if runSummary && cfg.SummaryHandoff == app.HandoffQueue {
		processor, err := rt.Processor(domain.StageSummarize, summaryStage)
		if err != nil {
			return err
		}
		group.Go(func() error {
			processor.Start(groupCtx)
			return nil
		})
		running++
		logger.Printf("summarize consumer started")
	}

	if runASR {
		next, err := rt.SummaryTransport(summaryStage)
		if err != nil {
			return err
		}
		engine := rt.WhisperEngine()
		defer engine.Close()
		asrStage := rt.ASRStage(engine, next)

		if cfg.ASRHandoff == app.HandoffQueue {
			processor, err := rt.Processor(domain.StageASR, asrStage)
			if err != nil {
				return err
			}
			group.Go(func() error {
				processor.Start(groupCtx)
				return nil
			})
			running++
			logger.Printf("asr consumer started")
		}

		if cfg.WorkerHTTPEnabled {
			workerAPI := handlers.NewWorkerAPI(handlers.WorkerDependencies{
				Store:          rt.Store,
				Runner:         handoff.NewBackground(handoff.Func(asrStage.Handle), cfg.WorkerHTTPConcurrency, logger),
				ModelLoaded:    engine.Loaded,
				MaxUploadBytes: cfg.MaxUploadBytes(),
				Logger:         logger,
			})
			server := &http.Server{
				Addr: ":" + cfg.TranscribeServerPort,
				Handler: httpserver.NewWorkerRouter(groupCtx, httpserver.WorkerRouterDependencies{
					API:            workerAPI,
					Logger:         logger,
					AuthToken:      cfg.WorkerAuthToken,
					RateLimitRPS:   cfg.RateLimitRPS,
					RateLimitBurst: cfg.RateLimitBurst,
				}),
				ReadHeaderTimeout: 5 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			group.Go(func() error {
				logger.Printf("worker api listening on :%s", cfg.TranscribeServerPort)
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			running++
			group.Go(func() error {
				<-groupCtx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), config.Seconds(cfg.ShutdownTimeoutSec))
				defer cancel()
				return server.Shutdown(shutdownCtx)
			})
		}

		if cfg.WorkerEngineEagerStart && running > 0 {
			group.Go(func() error {
				// A model that fails to load is retried on the first job.
				if err := engine.Start(groupCtx); err != nil {
					logger.Printf("whisper preload failed model=%s err=%v", engine.Model(), err)
				}
				return nil
			})
		}
	}

	if running == 0 {
		return errors.New("nothing to run: enable a queue hand-off or WORKER_HTTP_ENABLED")
	}
	return group.Wait()
}
