package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/iago/meeting-pipeline/internal/domain"
	"github.com/iago/meeting-pipeline/internal/http/middleware"
	"github.com/iago/meeting-pipeline/internal/jobstore"
	"github.com/iago/meeting-pipeline/internal/repository"
	"github.com/iago/meeting-pipeline/internal/service"
	"github.com/iago/meeting-pipeline/internal/status"
)

var errMissingFile = errors.New("multipart field \"file\" is required")

// Submitter accepts uploads. *service.Dispatcher implements it.
type Submitter interface {
	Submit(ctx context.Context, request service.SubmitRequest) (service.SubmitResult, error)
}

// JobQueries serves the read side. *service.JobsService implements it.
type JobQueries interface {
	Status(ctx context.Context, jobID string) (status.Status, error)
	Result(ctx context.Context, jobID string) (service.JobResult, error)
	History(ctx context.Context, limit int) ([]domain.HistoryItem, error)
	Delete(ctx context.Context, jobID string) error
	Stats(ctx context.Context) (service.Stats, error)
}

type API struct {
	submitter      Submitter
	jobs           JobQueries
	maxUploadBytes int64
	logger         *log.Logger
}

func NewAPI(submitter Submitter, jobs JobQueries, maxUploadBytes int64, logger *log.Logger) *API {
	if maxUploadBytes <= 0 {
		maxUploadBytes = 512 << 20
	}
	return &API{
		submitter:      submitter,
		jobs:           jobs,
		maxUploadBytes: maxUploadBytes,
		logger:         logger,
	}
}

type errorPayload struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	JobID     string `json:"job_id,omitempty"`
	RequestID string `json:"request_id"`
}

func writeJSON(w http.ResponseWriter, statusCode int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, r *http.Request, statusCode int, code, message string) {
	writeJobError(w, r, statusCode, code, message, "")
}

func writeJobError(w http.ResponseWriter, r *http.Request, statusCode int, code, message, jobID string) {
	payload := errorPayload{JobID: jobID, RequestID: middleware.GetRequestID(r.Context())}
	payload.Error.Code = code
	payload.Error.Message = message
	writeJSON(w, statusCode, payload)
}

// writeLookupError maps store lookups to 404 and everything else to 500.
func writeLookupError(w http.ResponseWriter, r *http.Request, err error, what string) {
	if errors.Is(err, jobstore.ErrNotFound) || errors.Is(err, jobstore.ErrInvalidJobID) ||
		errors.Is(err, repository.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, "not_found", "job not found")
		return
	}
	writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to "+what)
}

// filePart advances the multipart reader to the "file" part. Plain form
// fields seen before it are collected into fields.
func filePart(reader *multipart.Reader, fields map[string]string) (*multipart.Part, error) {
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, errMissingFile
		}
		if err != nil {
			return nil, err
		}
		if part.FormName() == "file" && part.FileName() != "" {
			return part, nil
		}
		if name := part.FormName(); name != "" && part.FileName() == "" {
			value, _ := io.ReadAll(io.LimitReader(part, 256))
			fields[name] = strings.TrimSpace(string(value))
		}
		_ = part.Close()
	}
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func isTooLarge(err error) bool {
	var maxBytes *http.MaxBytesError
	return errors.As(err, &maxBytes)
}
