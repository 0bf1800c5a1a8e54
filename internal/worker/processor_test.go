package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/iago/meeting-pipeline/internal/domain"
	"github.com/iago/meeting-pipeline/internal/handoff"
	"github.com/iago/meeting-pipeline/internal/queue"
	"github.com/iago/meeting-pipeline/internal/stage"
)

type handlerFunc func(ctx context.Context, request handoff.Request) error

func (f handlerFunc) Handle(ctx context.Context, request handoff.Request) error {
	return f(ctx, request)
}

func TestProcessMessageDispatchesByKind(t *testing.T) {
	var got []handoff.Request
	record := handlerFunc(func(_ context.Context, request handoff.Request) error {
		got = append(got, request)
		return nil
	})
	processor := NewProcessor(nil, map[domain.StageKind]StageHandler{
		domain.StageASR:       record,
		domain.StageSummarize: record,
	}, nil)

	err := processor.processMessage(context.Background(), domain.QueueMessage{
		JobID:     "job-1",
		Kind:      domain.StageASR,
		AudioPath: "/data/job-1/input.mp3",
		Language:  "ru",
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(got) != 1 || got[0].Stage != domain.StageASR || got[0].AudioPath != "/data/job-1/input.mp3" {
		t.Fatalf("unexpected handler requests %+v", got)
	}
}

func TestProcessMessageDropsMissingInput(t *testing.T) {
	processor := NewProcessor(nil, map[domain.StageKind]StageHandler{
		domain.StageSummarize: handlerFunc(func(context.Context, handoff.Request) error {
			return fmt.Errorf("%w: no transcript", stage.ErrMissingInput)
		}),
	}, nil)

	if err := processor.processMessage(context.Background(), domain.QueueMessage{JobID: "gone", Kind: domain.StageSummarize}); err != nil {
		t.Fatalf("expected missing input to be acknowledged, got %v", err)
	}
}

func TestProcessMessageAcksSummarizationFailure(t *testing.T) {
	processor := NewProcessor(nil, map[domain.StageKind]StageHandler{
		domain.StageSummarize: handlerFunc(func(_ context.Context, request handoff.Request) error {
			return &stage.SummarizationError{JobID: request.JobID, Err: errors.New("timeout")}
		}),
	}, nil)

	if err := processor.processMessage(context.Background(), domain.QueueMessage{JobID: "job-1", Kind: domain.StageSummarize}); err != nil {
		t.Fatalf("expected summarization failure to be acknowledged, got %v", err)
	}
}

func TestProcessMessageReturnsRetryableErrors(t *testing.T) {
	processor := NewProcessor(nil, map[domain.StageKind]StageHandler{
		domain.StageSummarize: handlerFunc(func(context.Context, handoff.Request) error {
			return errors.New("write summary: disk full")
		}),
	}, nil)

	err := processor.processMessage(context.Background(), domain.QueueMessage{JobID: "job-1", Kind: domain.StageSummarize})
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("expected store error to be returned for retry, got %v", err)
	}

	if err := processor.processMessage(context.Background(), domain.QueueMessage{JobID: "job-1", Kind: domain.StageASR}); err == nil || !strings.Contains(err.Error(), "unsupported") {
		t.Fatalf("expected unsupported kind error, got %v", err)
	}
}

func TestFailedSummaryIsNotRedelivered(t *testing.T) {
	local := queue.NewLocalQueue("summarize", 4, 3, nil)
	var mu sync.Mutex
	calls := 0
	processor := NewProcessor(local, map[domain.StageKind]StageHandler{
		domain.StageSummarize: handlerFunc(func(_ context.Context, request handoff.Request) error {
			mu.Lock()
			calls++
			mu.Unlock()
			return &stage.SummarizationError{JobID: request.JobID, Err: errors.New("provider down")}
		}),
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go processor.Start(ctx)

	if err := local.Enqueue(ctx, domain.QueueMessage{JobID: "job-9", Kind: domain.StageSummarize}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	// Longer than the local queue's first retry delay.
	time.Sleep(1200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected one summary attempt, got %d", calls)
	}
	if local.DLQSize() != 0 {
		t.Fatalf("expected empty DLQ, got %d", local.DLQSize())
	}
}

func TestProcessorConsumesLocalQueue(t *testing.T) {
	local := queue.NewLocalQueue("asr", 4, 1, nil)
	done := make(chan string, 1)
	processor := NewProcessor(local, map[domain.StageKind]StageHandler{
		domain.StageASR: handlerFunc(func(_ context.Context, request handoff.Request) error {
			done <- request.JobID
			return nil
		}),
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go processor.Start(ctx)

	if err := local.Enqueue(ctx, domain.QueueMessage{JobID: "job-7", Kind: domain.StageASR}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	select {
	case jobID := <-done:
		if jobID != "job-7" {
			t.Fatalf("expected job-7, got %s", jobID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected message to be processed")
	}
}
