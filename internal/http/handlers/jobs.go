package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/iago/meeting-pipeline/internal/http/middleware"
	"github.com/iago/meeting-pipeline/internal/service"
)

// Upload accepts multipart audio in field "file" and starts the pipeline.
func (api *API) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, api.maxUploadBytes)
	reader, err := r.MultipartReader()
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "multipart/form-data body is required")
		return
	}

	fields := map[string]string{}
	part, err := filePart(reader, fields)
	if err != nil {
		switch {
		case isTooLarge(err):
			writeError(w, r, http.StatusRequestEntityTooLarge, "payload_too_large", "upload exceeds size limit")
		case errors.Is(err, errMissingFile):
			writeError(w, r, http.StatusBadRequest, "invalid_request", "file is required")
		default:
			writeError(w, r, http.StatusBadRequest, "invalid_request", "malformed multipart body")
		}
		return
	}
	defer part.Close()

	language := strings.TrimSpace(r.URL.Query().Get("language"))
	if language == "" {
		language = fields["language"]
	}

	result, err := api.submitter.Submit(r.Context(), service.SubmitRequest{
		Filename: part.FileName(),
		Language: language,
		Audio:    part,
	})
	if err != nil {
		var submitErr *service.SubmissionError
		switch {
		case isTooLarge(err):
			writeError(w, r, http.StatusRequestEntityTooLarge, "payload_too_large", "upload exceeds size limit")
		case errors.As(err, &submitErr) && submitErr.HandoffFailed():
			writeJobError(w, r, http.StatusBadGateway, "handoff_failed", submitErr.Err.Error(), submitErr.JobID)
		default:
			if api.logger != nil {
				api.logger.Printf("upload failed request_id=%s err=%v", middleware.GetRequestID(r.Context()), err)
			}
			writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to store upload")
		}
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}

func (api *API) Status(w http.ResponseWriter, r *http.Request) {
	current, err := api.jobs.Status(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeLookupError(w, r, err, "resolve status")
		return
	}
	writeJSON(w, http.StatusOK, current)
}

func (api *API) Result(w http.ResponseWriter, r *http.Request) {
	result, err := api.jobs.Result(r.Context(), chi.URLParam(r, "jobID"))
	if errors.Is(err, service.ErrNotReady) {
		writeJSON(w, http.StatusAccepted, map[string]any{"error": "not_ready"})
		return
	}
	if err != nil {
		writeLookupError(w, r, err, "load result")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (api *API) History(w http.ResponseWriter, r *http.Request) {
	items, err := api.jobs.History(r.Context(), queryInt(r, "limit", service.DefaultHistoryLimit))
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to list jobs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

func (api *API) DeleteJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if err := api.jobs.Delete(r.Context(), jobID); err != nil {
		writeLookupError(w, r, err, "delete job")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": jobID})
}

func (api *API) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := api.jobs.Stats(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to load stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
