package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/iago/meeting-pipeline/internal/domain"
	"github.com/iago/meeting-pipeline/internal/handoff"
	"github.com/iago/meeting-pipeline/internal/repository"
	"github.com/iago/meeting-pipeline/internal/status"
)

// Submission steps reported by SubmissionError.
const (
	StepCreate   = "create"
	StepInput    = "input"
	StepMetadata = "metadata"
	StepHandoff  = "handoff"
)

type SubmissionError struct {
	JobID string
	Stage string
	Err   error
}

func (e *SubmissionError) Error() string {
	if e.JobID == "" {
		return fmt.Sprintf("submit job: %s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("submit job %s: %s: %v", e.JobID, e.Stage, e.Err)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// HandoffFailed reports whether the job was stored but never reached a stage.
func (e *SubmissionError) HandoffFailed() bool {
	return e.Stage == StepHandoff
}

// DispatchStore is the write side of the job store used at submission.
type DispatchStore interface {
	Create(ctx context.Context, jobID string) error
	WriteInput(ctx context.Context, jobID, filename string, body io.Reader) (string, int64, error)
	WriteMetadata(ctx context.Context, jobID string, fields map[string]any) error
	Delete(ctx context.Context, jobID string) error
}

type SubmitRequest struct {
	Filename string
	Language string
	Audio    io.Reader
}

type SubmitResult struct {
	JobID  string       `json:"job_id"`
	Status status.State `json:"status"`
}

type DispatcherDependencies struct {
	Store           DispatchStore
	Transport       handoff.Transport
	Ledger          repository.Ledger
	Logger          *log.Logger
	DefaultLanguage string
}

// Dispatcher persists an upload as a new job and hands it to the ASR stage.
type Dispatcher struct {
	store           DispatchStore
	transport       handoff.Transport
	ledger          repository.Ledger
	logger          *log.Logger
	defaultLanguage string
	newID           func() string
}

func NewDispatcher(deps DispatcherDependencies) *Dispatcher {
	language := strings.TrimSpace(deps.DefaultLanguage)
	if language == "" {
		language = "ru"
	}
	return &Dispatcher{
		store:           deps.Store,
		transport:       deps.Transport,
		ledger:          deps.Ledger,
		logger:          deps.Logger,
		defaultLanguage: language,
		newID:           uuid.NewString,
	}
}

func (d *Dispatcher) Submit(ctx context.Context, request SubmitRequest) (SubmitResult, error) {
	if request.Audio == nil {
		return SubmitResult{}, &SubmissionError{Stage: StepInput, Err: errors.New("audio is required")}
	}
	language := strings.TrimSpace(request.Language)
	if language == "" {
		language = d.defaultLanguage
	}
	filename := filepath.Base(strings.TrimSpace(request.Filename))
	if filename == "." || filename == string(filepath.Separator) {
		filename = ""
	}

	jobID := d.newID()
	if err := d.store.Create(ctx, jobID); err != nil {
		return SubmitResult{}, &SubmissionError{JobID: jobID, Stage: StepCreate, Err: err}
	}
	audioPath, size, err := d.store.WriteInput(ctx, jobID, filename, request.Audio)
	if err != nil {
		d.discard(jobID)
		return SubmitResult{}, &SubmissionError{JobID: jobID, Stage: StepInput, Err: err}
	}

	createdAt := time.Now().UTC()
	transportName := ""
	if d.transport != nil {
		transportName = d.transport.Name()
	}
	if err := d.store.WriteMetadata(ctx, jobID, map[string]any{
		domain.MetaJobID:     jobID,
		domain.MetaFilename:  filename,
		domain.MetaLanguage:  language,
		domain.MetaCreatedAt: createdAt.Format(time.RFC3339Nano),
		domain.MetaSizeBytes: size,
		domain.MetaHandoff:   transportName,
	}); err != nil {
		d.discard(jobID)
		return SubmitResult{}, &SubmissionError{JobID: jobID, Stage: StepMetadata, Err: err}
	}
	d.recordLedger("submission", jobID, d.ledgerSubmission(ctx, repository.Submission{
		JobID:     jobID,
		Filename:  filename,
		Language:  language,
		SizeBytes: size,
		Handoff:   transportName,
		CreatedAt: createdAt,
	}))

	if err := d.handoff(ctx, handoff.Request{
		JobID:     jobID,
		AudioPath: audioPath,
		Language:  language,
		Stage:     domain.StageASR,
	}); err != nil {
		d.logf("job handoff failed job_id=%s transport=%s err=%v", jobID, transportName, err)
		if metaErr := d.store.WriteMetadata(ctx, jobID, map[string]any{
			domain.MetaHandoffError:    err.Error(),
			domain.MetaHandoffFailedAt: time.Now().UTC().Format(time.RFC3339Nano),
		}); metaErr != nil {
			d.logf("record handoff error failed job_id=%s err=%v", jobID, metaErr)
		}
		if d.ledger != nil {
			d.recordLedger("handoff_failure", jobID, d.ledger.RecordHandoffFailure(ctx, jobID, err.Error()))
		}
		return SubmitResult{}, &SubmissionError{JobID: jobID, Stage: StepHandoff, Err: err}
	}

	d.logf("job submitted job_id=%s language=%s size_bytes=%d transport=%s", jobID, language, size, transportName)
	return SubmitResult{JobID: jobID, Status: status.StateQueued}, nil
}

// discard removes a job that never became visible to any stage. The upload
// context may already be cancelled, so cleanup runs on its own.
func (d *Dispatcher) discard(jobID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.store.Delete(ctx, jobID); err != nil {
		d.logf("discard partial job failed job_id=%s err=%v", jobID, err)
	}
}

func (d *Dispatcher) handoff(ctx context.Context, request handoff.Request) error {
	if d.transport == nil {
		return errors.New("no asr transport configured")
	}
	return d.transport.Handoff(ctx, request)
}

func (d *Dispatcher) ledgerSubmission(ctx context.Context, submission repository.Submission) error {
	if d.ledger == nil {
		return nil
	}
	return d.ledger.RecordSubmission(ctx, submission)
}

func (d *Dispatcher) recordLedger(what, jobID string, err error) {
	if err != nil {
		d.logf("ledger write failed what=%s job_id=%s err=%v", what, jobID, err)
	}
}

func (d *Dispatcher) logf(format string, args ...any) {
	if d.logger != nil {
		d.logger.Printf(format, args...)
	}
}
