package httpserver

import (
	"context"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/iago/meeting-pipeline/internal/http/handlers"
	"github.com/iago/meeting-pipeline/internal/http/middleware"
)

type RouterDependencies struct {
	API            *handlers.API
	Logger         *log.Logger
	AuthToken      string
	CORSOrigins    []string
	RateLimitRPS   float64
	RateLimitBurst int
}

// NewRouter builds the public API. ctx bounds background middleware state.
func NewRouter(ctx context.Context, deps RouterDependencies) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Trace(deps.Logger))
	r.Use(middleware.CORS(middleware.CORSConfig{AllowedOrigins: deps.CORSOrigins}))
	r.Use(middleware.RateLimit(ctx, deps.RateLimitRPS, deps.RateLimitBurst))
	r.Use(middleware.Auth(deps.AuthToken))

	r.Get("/healthz", deps.API.Health)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/upload", deps.API.Upload)
		r.Get("/status/{jobID}", deps.API.Status)
		r.Get("/result/{jobID}", deps.API.Result)
		r.Get("/history", deps.API.History)
		r.Delete("/history/{jobID}", deps.API.DeleteJob)
		r.Get("/stats", deps.API.Stats)
	})
	return r
}

type WorkerRouterDependencies struct {
	API            *handlers.WorkerAPI
	Logger         *log.Logger
	AuthToken      string
	RateLimitRPS   float64
	RateLimitBurst int
}

// NewWorkerRouter builds the remote ASR worker API.
func NewWorkerRouter(ctx context.Context, deps WorkerRouterDependencies) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.Trace(deps.Logger))
	r.Use(middleware.RateLimit(ctx, deps.RateLimitRPS, deps.RateLimitBurst))
	r.Use(middleware.Auth(deps.AuthToken, "/transcribe", "/status/"))

	r.Get("/health", deps.API.Health)
	r.Post("/transcribe", deps.API.Transcribe)
	r.Get("/status/{jobID}", deps.API.Status)
	return r
}
