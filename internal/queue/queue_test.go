package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/iago/meeting-pipeline/internal/domain"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/redis/go-redis/v9"
)

func TestLocalQueueRetriesThenMovesToDLQ(t *testing.T) {
	q := NewLocalQueue("asr", 8, 2, nil)
	q.retryDelay = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	attempts := 0
	go func() {
		_ = q.Consume(ctx, func(context.Context, domain.QueueMessage) error {
			mu.Lock()
			attempts++
			mu.Unlock()
			return errors.New("store unavailable")
		})
	}()

	if err := q.Enqueue(ctx, domain.QueueMessage{JobID: "job-1", Kind: domain.StageASR}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for q.DLQSize() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if q.DLQSize() != 1 {
		t.Fatalf("expected message in DLQ, got %d", q.DLQSize())
	}
	if dead := q.DeadLetters(); dead[0].JobID != "job-1" {
		t.Fatalf("expected job-1 in DLQ, got %+v", dead)
	}
	mu.Lock()
	defer mu.Unlock()
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}

	stats, _ := q.Stats(ctx)
	if stats.DeadLettered != 1 || stats.Backend != "local" {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestParseStreamMessage(t *testing.T) {
	requestedAt := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	item := redis.XMessage{
		ID: "1-0",
		Values: map[string]any{
			"job_id":       "job-1",
			"kind":         "asr",
			"audio_path":   "/data/jobs/job-1/input.mp3",
			"language":     "ru",
			"attempt":      "1",
			"requested_at": requestedAt.Format(time.RFC3339Nano),
		},
	}

	message, err := parseStreamMessage(item)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if message.JobID != "job-1" || message.Kind != domain.StageASR || message.Attempt != 1 {
		t.Fatalf("unexpected message %+v", message)
	}
	if message.AudioPath != "/data/jobs/job-1/input.mp3" || message.Language != "ru" {
		t.Fatalf("unexpected audio fields %+v", message)
	}
	if !message.RequestedAt.Equal(requestedAt) {
		t.Fatalf("expected requested_at %v, got %v", requestedAt, message.RequestedAt)
	}
}

func TestParseStreamMessageRejectsUnknownKind(t *testing.T) {
	item := redis.XMessage{Values: map[string]any{
		"job_id":       "job-1",
		"kind":         "report",
		"attempt":      "0",
		"requested_at": time.Now().UTC().Format(time.RFC3339Nano),
	}}
	if _, err := parseStreamMessage(item); err == nil {
		t.Fatalf("expected unsupported kind error")
	}
}

// fakeMsg implements jetstream.Msg without a NATS server.
type fakeMsg struct {
	subject   string
	data      []byte
	delivered uint64
	acked     bool
	naked     bool
	termed    bool
}

func (m *fakeMsg) Data() []byte { return m.data }
func (m *fakeMsg) Subject() string { return m.subject }
func (m *fakeMsg) Ack() error { m.acked = true; return nil }
func (m *fakeMsg) Nak() error { m.naked = true; return nil }
func (m *fakeMsg) NakWithDelay(time.Duration) error { m.naked = true; return nil }
func (m *fakeMsg) InProgress() error { return nil }
func (m *fakeMsg) Term() error { m.termed = true; return nil }
func (m *fakeMsg) TermWithReason(string) error { m.termed = true; return nil }
func (m *fakeMsg) Headers() nats.Header { return nil }
func (m *fakeMsg) Reply() string { return "" }
func (m *fakeMsg) DoubleAck(context.Context) error { m.acked = true; return nil }
func (m *fakeMsg) Metadata() (*jetstream.MsgMetadata, error) {
	return &jetstream.MsgMetadata{NumDelivered: m.delivered}, nil
}

type publishRecorder struct {
	subjects []string
	payloads [][]byte
}

func (p *publishRecorder) publish(_ context.Context, subject string, data []byte) error {
	p.subjects = append(p.subjects, subject)
	p.payloads = append(p.payloads, data)
	return nil
}

func newTestJetStreamQueue(recorder *publishRecorder) *JetStreamQueue {
	return &JetStreamQueue{
		subject:     "pipeline.asr",
		dlqSubject:  "pipeline.dlq.asr",
		maxAttempts: 3,
		publish:     recorder.publish,
	}
}

func TestJetStreamHandleMessageAcksOnSuccess(t *testing.T) {
	recorder := &publishRecorder{}
	q := newTestJetStreamQueue(recorder)
	payload, _ := json.Marshal(domain.QueueMessage{JobID: "job-1", Kind: domain.StageASR, Language: "ru"})
	msg := &fakeMsg{subject: "pipeline.asr", data: payload, delivered: 2}

	var received domain.QueueMessage
	q.handleMessage(context.Background(), msg, func(_ context.Context, message domain.QueueMessage) error {
		received = message
		return nil
	})

	if !msg.acked {
		t.Fatalf("expected ack")
	}
	if received.JobID != "job-1" || received.Attempt != 1 {
		t.Fatalf("unexpected message %+v", received)
	}
	if len(recorder.subjects) != 0 {
		t.Fatalf("expected no dlq publish, got %v", recorder.subjects)
	}
}

func TestJetStreamHandleMessageNaksBeforeLastAttempt(t *testing.T) {
	recorder := &publishRecorder{}
	q := newTestJetStreamQueue(recorder)
	payload, _ := json.Marshal(domain.QueueMessage{JobID: "job-1", Kind: domain.StageSummarize})
	msg := &fakeMsg{subject: "pipeline.asr", data: payload, delivered: 1}

	q.handleMessage(context.Background(), msg, func(context.Context, domain.QueueMessage) error {
		return errors.New("temporary")
	})

	if !msg.naked || msg.termed {
		t.Fatalf("expected nak without term, got naked=%v termed=%v", msg.naked, msg.termed)
	}
}

func TestJetStreamHandleMessageDeadLettersAfterMaxAttempts(t *testing.T) {
	recorder := &publishRecorder{}
	q := newTestJetStreamQueue(recorder)
	payload, _ := json.Marshal(domain.QueueMessage{JobID: "job-1", Kind: domain.StageASR})
	msg := &fakeMsg{subject: "pipeline.asr", data: payload, delivered: 3}

	q.handleMessage(context.Background(), msg, func(context.Context, domain.QueueMessage) error {
		return errors.New("still failing")
	})

	if !msg.termed {
		t.Fatalf("expected term after last attempt")
	}
	if len(recorder.subjects) != 1 || recorder.subjects[0] != "pipeline.dlq.asr" {
		t.Fatalf("expected dlq publish, got %v", recorder.subjects)
	}
	var record map[string]any
	if err := json.Unmarshal(recorder.payloads[0], &record); err != nil {
		t.Fatalf("decode dlq record: %v", err)
	}
	if record["error"] != "still failing" || record["job_id"] != "job-1" {
		t.Fatalf("unexpected dlq record %v", record)
	}
}

func TestJetStreamHandleMessageDeadLettersMalformedPayload(t *testing.T) {
	recorder := &publishRecorder{}
	q := newTestJetStreamQueue(recorder)
	msg := &fakeMsg{subject: "pipeline.asr", data: []byte("{not json"), delivered: 1}

	called := false
	q.handleMessage(context.Background(), msg, func(context.Context, domain.QueueMessage) error {
		called = true
		return nil
	})

	if called {
		t.Fatalf("handler must not run for malformed payload")
	}
	if !msg.termed || len(recorder.subjects) != 1 {
		t.Fatalf("expected malformed message to be dead-lettered")
	}
}
