package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/iago/meeting-pipeline/internal/domain"
)

type recordingBatchProducer struct {
	mu      sync.Mutex
	batches [][]domain.QueueMessage
}

func (p *recordingBatchProducer) Enqueue(ctx context.Context, message domain.QueueMessage) error {
	return p.EnqueueBatch(ctx, []domain.QueueMessage{message})
}

func (p *recordingBatchProducer) EnqueueBatch(_ context.Context, messages []domain.QueueMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batches = append(p.batches, append([]domain.QueueMessage(nil), messages...))
	return nil
}

func (p *recordingBatchProducer) batchCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.batches)
}

func (p *recordingBatchProducer) totalMessages() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, batch := range p.batches {
		total += len(batch)
	}
	return total
}

type blockingBatchProducer struct {
	block chan struct{}
}

func (p *blockingBatchProducer) Enqueue(ctx context.Context, message domain.QueueMessage) error {
	return p.EnqueueBatch(ctx, []domain.QueueMessage{message})
}

func (p *blockingBatchProducer) EnqueueBatch(ctx context.Context, _ []domain.QueueMessage) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.block:
		return nil
	}
}

// singleProducer has no batch method and rejects one specific job.
type singleProducer struct {
	mu       sync.Mutex
	rejectID string
	accepted []string
}

func (p *singleProducer) Enqueue(_ context.Context, message domain.QueueMessage) error {
	if message.JobID == p.rejectID {
		return errors.New("broker rejected message")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.accepted = append(p.accepted, message.JobID)
	return nil
}

func TestBatchingProducerBatchesRequests(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	defer cancel()

	base := &recordingBatchProducer{}
	batcher := NewBatchingProducer(parent, base, BatchingConfig{
		MaxBatchSize:       8,
		FlushInterval:      20 * time.Millisecond,
		FlushTimeout:       1 * time.Second,
		QueueCapacity:      64,
		MaxInFlightBatches: 2,
	})
	defer batcher.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			err := batcher.Enqueue(context.Background(), domain.QueueMessage{
				JobID:       "job-" + time.Now().UTC().String(),
				Kind:        domain.StageASR,
				Language:    "ru",
				RequestedAt: time.Now().UTC().Add(time.Duration(index) * time.Millisecond),
			})
			if err != nil {
				t.Errorf("enqueue failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if base.totalMessages() != 10 {
		t.Fatalf("expected 10 enqueued messages, got %d", base.totalMessages())
	}
	if base.batchCount() >= 10 {
		t.Fatalf("expected batching to reduce write count, got %d batches", base.batchCount())
	}
}

func TestBatchingProducerReportsPerMessageErrors(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	defer cancel()

	base := &singleProducer{rejectID: "job-bad"}
	batcher := NewBatchingProducer(parent, base, BatchingConfig{
		MaxBatchSize:  3,
		FlushInterval: 50 * time.Millisecond,
		QueueCapacity: 8,
	})
	defer batcher.Close()

	results := make(map[string]error)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, id := range []string{"job-a", "job-bad", "job-c"} {
		wg.Add(1)
		go func(jobID string) {
			defer wg.Done()
			err := batcher.Enqueue(context.Background(), domain.QueueMessage{JobID: jobID, Kind: domain.StageASR})
			mu.Lock()
			results[jobID] = err
			mu.Unlock()
		}(id)
	}
	wg.Wait()

	if results["job-bad"] == nil {
		t.Fatalf("expected rejected job to report an error")
	}
	if results["job-a"] != nil || results["job-c"] != nil {
		t.Fatalf("expected other jobs to succeed, got a=%v c=%v", results["job-a"], results["job-c"])
	}
}

func TestBatchingProducerBackpressure(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	defer cancel()

	base := &blockingBatchProducer{block: make(chan struct{})}
	batcher := NewBatchingProducer(parent, base, BatchingConfig{
		MaxBatchSize:       1,
		FlushInterval:      200 * time.Millisecond,
		FlushTimeout:       2 * time.Second,
		QueueCapacity:      1,
		MaxInFlightBatches: 1,
	})
	defer batcher.Close()

	enqueueAsync := func(jobID string) chan error {
		done := make(chan error, 1)
		go func() {
			done <- batcher.Enqueue(context.Background(), domain.QueueMessage{
				JobID:       jobID,
				Kind:        domain.StageASR,
				RequestedAt: time.Now().UTC(),
			})
		}()
		// Let the run loop pick the request up before the next one arrives.
		time.Sleep(30 * time.Millisecond)
		return done
	}

	// First occupies the only in-flight slot, second parks the run loop waiting for
	// that slot, third fills the input buffer.
	firstDone := enqueueAsync("job-first")
	secondDone := enqueueAsync("job-second")
	thirdDone := enqueueAsync("job-third")

	fourthErr := batcher.Enqueue(context.Background(), domain.QueueMessage{
		JobID:       "job-fourth",
		Kind:        domain.StageASR,
		RequestedAt: time.Now().UTC(),
	})
	if fourthErr != ErrQueueBackpressure {
		t.Fatalf("expected backpressure error, got %v", fourthErr)
	}

	close(base.block)
	for name, done := range map[string]chan error{"first": firstDone, "second": secondDone, "third": thirdDone} {
		if err := <-done; err != nil {
			t.Fatalf("%s enqueue failed unexpectedly: %v", name, err)
		}
	}
}
