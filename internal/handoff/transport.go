package handoff

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/iago/meeting-pipeline/internal/domain"
	"github.com/iago/meeting-pipeline/internal/queue"
)

var (
	ErrRejected         = errors.New("handoff rejected")
	ErrUnsupportedStage = errors.New("transport does not serve this stage")
)

// Request names the job and the stage that should pick it up next.
type Request struct {
	JobID     string
	AudioPath string
	Language  string
	Stage     domain.StageKind
}

// Transport moves a job to the next stage. Success means the next stage has
// accepted the job, not that it finished.
type Transport interface {
	Handoff(ctx context.Context, request Request) error
	Name() string
}

// QueueTransport enqueues the job on a queue backend and returns immediately.
type QueueTransport struct {
	name     string
	producer queue.Producer
}

func NewQueueTransport(name string, producer queue.Producer) *QueueTransport {
	if name == "" {
		name = "queue"
	}
	return &QueueTransport{name: name, producer: producer}
}

func (t *QueueTransport) Name() string {
	return t.name
}

func (t *QueueTransport) Handoff(ctx context.Context, request Request) error {
	if t.producer == nil {
		return errors.New("queue producer is not configured")
	}
	if !request.Stage.Valid() {
		return fmt.Errorf("%w: %q", ErrUnsupportedStage, request.Stage)
	}
	err := t.producer.Enqueue(ctx, domain.QueueMessage{
		JobID:       request.JobID,
		Kind:        request.Stage,
		AudioPath:   request.AudioPath,
		Language:    request.Language,
		RequestedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("enqueue %s job %s: %w", request.Stage, request.JobID, err)
	}
	return nil
}

// Func adapts a function to a synchronous Transport.
type Func func(ctx context.Context, request Request) error

func (f Func) Handoff(ctx context.Context, request Request) error {
	return f(ctx, request)
}

func (f Func) Name() string {
	return "func"
}

// Background runs the wrapped transport on its own goroutine, detached from the
// caller's cancellation, and reports acceptance at once. It is the in-process
// direct invocation: the stage runs in this process without a broker.
type Background struct {
	next      Transport
	semaphore chan struct{}
	logger    *log.Logger
}

func NewBackground(next Transport, concurrency int, logger *log.Logger) *Background {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Background{
		next:      next,
		semaphore: make(chan struct{}, concurrency),
		logger:    logger,
	}
}

func (b *Background) Name() string {
	return "inline"
}

func (b *Background) Handoff(ctx context.Context, request Request) error {
	detached := context.WithoutCancel(ctx)
	go func() {
		b.semaphore <- struct{}{}
		defer func() { <-b.semaphore }()
		if err := b.next.Handoff(detached, request); err != nil && b.logger != nil {
			b.logger.Printf("inline stage failed stage=%s job_id=%s err=%v", request.Stage, request.JobID, err)
		}
	}()
	return nil
}
