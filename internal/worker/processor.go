package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/iago/meeting-pipeline/internal/domain"
	"github.com/iago/meeting-pipeline/internal/handoff"
	"github.com/iago/meeting-pipeline/internal/queue"
	"github.com/iago/meeting-pipeline/internal/stage"
)

// StageHandler runs one pipeline stage for a hand-off request.
type StageHandler interface {
	Handle(ctx context.Context, request handoff.Request) error
}

// Processor consumes one stage queue and runs the matching stage handler.
type Processor struct {
	consumer queue.Consumer
	handlers map[domain.StageKind]StageHandler
	logger   *log.Logger
}

func NewProcessor(consumer queue.Consumer, handlers map[domain.StageKind]StageHandler, logger *log.Logger) *Processor {
	return &Processor{
		consumer: consumer,
		handlers: handlers,
		logger:   logger,
	}
}

func (p *Processor) Start(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		err := p.consumer.Consume(ctx, p.processMessage)
		if err == nil || ctx.Err() != nil {
			return
		}
		if p.logger != nil {
			p.logger.Printf("worker consume loop error: %v", err)
		}

		timer := time.NewTimer(2 * time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// processMessage returns an error only when a redelivery could succeed. Jobs
// whose input is gone and summaries that already failed are acknowledged.
func (p *Processor) processMessage(ctx context.Context, message domain.QueueMessage) error {
	handler, ok := p.handlers[message.Kind]
	if !ok {
		return fmt.Errorf("unsupported job kind: %s", message.Kind)
	}

	started := time.Now()
	err := handler.Handle(ctx, handoff.Request{
		JobID:     message.JobID,
		AudioPath: message.AudioPath,
		Language:  message.Language,
		Stage:     message.Kind,
	})
	if errors.Is(err, stage.ErrMissingInput) {
		if p.logger != nil {
			p.logger.Printf("job dropped kind=%s job_id=%s err=%v", message.Kind, message.JobID, err)
		}
		return nil
	}
	// Already recorded as a summary_error artifact; never re-run the model.
	var summarizeErr *stage.SummarizationError
	if errors.As(err, &summarizeErr) {
		if p.logger != nil {
			p.logger.Printf("job failed kind=%s job_id=%s attempt=%d err=%v", message.Kind, message.JobID, message.Attempt, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("process %s job %s: %w", message.Kind, message.JobID, err)
	}

	if p.logger != nil {
		p.logger.Printf("job processed kind=%s job_id=%s attempt=%d duration_ms=%d",
			message.Kind, message.JobID, message.Attempt, time.Since(started).Milliseconds())
	}
	return nil
}
