package handlers

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/iago/meeting-pipeline/internal/domain"
	"github.com/iago/meeting-pipeline/internal/handoff"
	"github.com/iago/meeting-pipeline/internal/http/middleware"
	"github.com/iago/meeting-pipeline/internal/jobstore"
)

// WorkerStore is the job store surface the remote ASR worker touches.
type WorkerStore interface {
	Exists(ctx context.Context, jobID string) bool
	Create(ctx context.Context, jobID string) error
	InputPath(ctx context.Context, jobID string) (string, error)
	WriteInput(ctx context.Context, jobID, filename string, body io.Reader) (string, int64, error)
	WriteMetadata(ctx context.Context, jobID string, fields map[string]any) error
	ReadMetadata(ctx context.Context, jobID string) (map[string]any, error)
	ReadArtifact(ctx context.Context, jobID string, kind domain.ArtifactKind, dst any) error
}

type WorkerDependencies struct {
	Store WorkerStore
	// Runner schedules the ASR stage; it must return once the job is accepted.
	Runner         handoff.Transport
	ModelLoaded    func() bool
	MaxUploadBytes int64
	Logger         *log.Logger
}

// WorkerAPI is the HTTP face of a standalone ASR worker.
type WorkerAPI struct {
	store          WorkerStore
	runner         handoff.Transport
	modelLoaded    func() bool
	maxUploadBytes int64
	logger         *log.Logger
}

func NewWorkerAPI(deps WorkerDependencies) *WorkerAPI {
	if deps.ModelLoaded == nil {
		deps.ModelLoaded = func() bool { return false }
	}
	if deps.MaxUploadBytes <= 0 {
		deps.MaxUploadBytes = 512 << 20
	}
	return &WorkerAPI{
		store:          deps.Store,
		runner:         deps.Runner,
		modelLoaded:    deps.ModelLoaded,
		maxUploadBytes: deps.MaxUploadBytes,
		logger:         deps.Logger,
	}
}

type workerStatus struct {
	JobID    string           `json:"job_id"`
	Status   string           `json:"status"`
	Text     *string          `json:"text,omitempty"`
	Segments []domain.Segment `json:"segments,omitempty"`
	Error    string           `json:"error,omitempty"`
}

func (api *WorkerAPI) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "healthy",
		"model_loaded": api.modelLoaded(),
	})
}

func (api *WorkerAPI) Transcribe(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimSpace(r.URL.Query().Get("job_id"))
	if jobID == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "job_id is required")
		return
	}
	language := strings.TrimSpace(r.URL.Query().Get("language"))

	r.Body = http.MaxBytesReader(w, r.Body, api.maxUploadBytes)
	reader, err := r.MultipartReader()
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "file is required")
		return
	}
	part, err := filePart(reader, map[string]string{})
	if err != nil {
		if isTooLarge(err) {
			writeError(w, r, http.StatusRequestEntityTooLarge, "payload_too_large", "upload exceeds size limit")
			return
		}
		writeError(w, r, http.StatusBadRequest, "invalid_request", "file is required")
		return
	}
	defer part.Close()

	ctx := r.Context()
	if err := api.store.Create(ctx, jobID); err != nil && !errors.Is(err, jobstore.ErrAlreadyExists) {
		if errors.Is(err, jobstore.ErrInvalidJobID) {
			writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid job_id")
			return
		}
		api.fail(w, r, jobID, "create job", err)
		return
	}

	audioPath, err := api.store.InputPath(ctx, jobID)
	switch {
	case errors.Is(err, jobstore.ErrNotFound):
		if audioPath, _, err = api.store.WriteInput(ctx, jobID, part.FileName(), part); err != nil {
			api.fail(w, r, jobID, "store input", err)
			return
		}
	case err != nil:
		api.fail(w, r, jobID, "resolve input", err)
		return
	default:
		// Shared volume: the API already stored the audio.
		_, _ = io.Copy(io.Discard, part)
	}

	fields := map[string]any{
		domain.MetaJobID:               jobID,
		domain.MetaTranscriptionStatus: domain.StageStatusProcessing,
	}
	if language != "" {
		fields[domain.MetaLanguage] = language
	}
	if meta, err := api.store.ReadMetadata(ctx, jobID); err == nil {
		if _, ok := meta[domain.MetaCreatedAt]; !ok {
			fields[domain.MetaCreatedAt] = time.Now().UTC().Format(time.RFC3339Nano)
		}
	}
	if err := api.store.WriteMetadata(ctx, jobID, fields); err != nil {
		api.fail(w, r, jobID, "write metadata", err)
		return
	}

	if err := api.runner.Handoff(ctx, handoff.Request{
		JobID:     jobID,
		AudioPath: audioPath,
		Language:  language,
		Stage:     domain.StageASR,
	}); err != nil {
		api.logf("worker schedule failed job_id=%s err=%v", jobID, err)
		writeJobError(w, r, http.StatusServiceUnavailable, "unavailable", "failed to schedule transcription", jobID)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":  jobID,
		"status":  "accepted",
		"message": "transcription started",
	})
}

// Status reports what this worker knows about a job. It reads the store only.
func (api *WorkerAPI) Status(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	ctx := r.Context()
	if !api.store.Exists(ctx, jobID) {
		writeJSON(w, http.StatusOK, workerStatus{JobID: jobID, Status: "not_found"})
		return
	}

	var transcript domain.Transcript
	err := api.store.ReadArtifact(ctx, jobID, domain.ArtifactTranscript, &transcript)
	switch {
	case err == nil && transcript.Failed():
		writeJSON(w, http.StatusOK, workerStatus{JobID: jobID, Status: "error", Error: transcript.Error})
		return
	case err == nil:
		text := transcript.Text
		writeJSON(w, http.StatusOK, workerStatus{JobID: jobID, Status: "completed", Text: &text, Segments: transcript.Segments})
		return
	case !errors.Is(err, jobstore.ErrNotFound):
		writeJSON(w, http.StatusOK, workerStatus{JobID: jobID, Status: "error", Error: err.Error()})
		return
	}

	meta, err := api.store.ReadMetadata(ctx, jobID)
	if err != nil {
		writeJSON(w, http.StatusOK, workerStatus{JobID: jobID, Status: "pending"})
		return
	}
	state, _ := meta[domain.MetaTranscriptionStatus].(string)
	switch state {
	case domain.StageStatusError:
		message, _ := meta[domain.MetaTranscriptionError].(string)
		writeJSON(w, http.StatusOK, workerStatus{JobID: jobID, Status: "error", Error: message})
	case domain.StageStatusProcessing:
		writeJSON(w, http.StatusOK, workerStatus{JobID: jobID, Status: "processing"})
	default:
		writeJSON(w, http.StatusOK, workerStatus{JobID: jobID, Status: "pending"})
	}
}

func (api *WorkerAPI) fail(w http.ResponseWriter, r *http.Request, jobID, what string, err error) {
	api.logf("worker %s failed job_id=%s request_id=%s err=%v", what, jobID, middleware.GetRequestID(r.Context()), err)
	if isTooLarge(err) {
		writeError(w, r, http.StatusRequestEntityTooLarge, "payload_too_large", "upload exceeds size limit")
		return
	}
	writeJobError(w, r, http.StatusInternalServerError, "internal_error", "failed to "+what, jobID)
}

func (api *WorkerAPI) logf(format string, args ...any) {
	if api.logger != nil {
		api.logger.Printf(format, args...)
	}
}
