package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/iago/meeting-pipeline/internal/domain"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

type JetStreamConfig struct {
	URL           string
	Stream        string
	SubjectPrefix string
	Stage         domain.StageKind
	Durable       string
	MaxAttempts   int
	AckWait       time.Duration
}

// JetStreamQueue implements Producer+Consumer on a NATS JetStream stream. One
// stream carries every stage, each stage on its own subject with its own durable
// consumer. Exhausted messages are republished on <prefix>.dlq.<stage>.
type JetStreamQueue struct {
	nc          *nats.Conn
	js          jetstream.JetStream
	stream      string
	subject     string
	dlqSubject  string
	durable     string
	maxAttempts int
	ackWait     time.Duration
	logger      *log.Logger

	publish func(ctx context.Context, subject string, data []byte) error
}

func NewJetStreamQueue(ctx context.Context, cfg JetStreamConfig, logger *log.Logger) (*JetStreamQueue, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("nats url is required")
	}
	if !cfg.Stage.Valid() {
		return nil, fmt.Errorf("unsupported stage %q", cfg.Stage)
	}
	if cfg.Stream == "" {
		cfg.Stream = "PIPELINE"
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "pipeline"
	}
	if cfg.Durable == "" {
		cfg.Durable = "pipeline-" + string(cfg.Stage)
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = 60 * time.Second
	}

	nc, err := nats.Connect(cfg.URL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if logger != nil {
				logger.Printf("nats disconnected err=%v", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			if logger != nil {
				logger.Printf("nats reconnected")
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	queue := &JetStreamQueue{
		nc:          nc,
		js:          js,
		stream:      cfg.Stream,
		subject:     cfg.SubjectPrefix + "." + string(cfg.Stage),
		dlqSubject:  cfg.SubjectPrefix + ".dlq." + string(cfg.Stage),
		durable:     cfg.Durable,
		maxAttempts: cfg.MaxAttempts,
		ackWait:     cfg.AckWait,
		logger:      logger,
	}
	queue.publish = func(ctx context.Context, subject string, data []byte) error {
		_, err := js.Publish(ctx, subject, data)
		return err
	}

	if err := queue.ensureStream(ctx, cfg.SubjectPrefix); err != nil {
		nc.Close()
		return nil, err
	}
	return queue, nil
}

func (q *JetStreamQueue) Close() error {
	return q.nc.Drain()
}

func (q *JetStreamQueue) Enqueue(ctx context.Context, message domain.QueueMessage) error {
	if message.RequestedAt.IsZero() {
		message.RequestedAt = time.Now().UTC()
	}
	encoded, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("encode queue message: %w", err)
	}
	if err := q.publish(ctx, q.subject, encoded); err != nil {
		return fmt.Errorf("publish to %s: %w", q.subject, err)
	}
	return nil
}

func (q *JetStreamQueue) Consume(ctx context.Context, handler func(context.Context, domain.QueueMessage) error) error {
	consumer, err := q.js.CreateOrUpdateConsumer(ctx, q.stream, jetstream.ConsumerConfig{
		Name:          q.durable,
		Durable:       q.durable,
		FilterSubject: q.subject,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    q.maxAttempts,
		AckWait:       q.ackWait,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", q.durable, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		q.handleMessage(ctx, msg, handler)
	},
		jetstream.PullMaxMessages(1),
		jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
			if q.logger != nil {
				q.logger.Printf("jetstream consume error subject=%s err=%v", q.subject, err)
			}
		}),
	)
	if err != nil {
		return fmt.Errorf("consume %s: %w", q.durable, err)
	}
	defer cc.Stop()

	<-ctx.Done()
	return ctx.Err()
}

func (q *JetStreamQueue) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{Name: q.subject, Backend: "nats"}

	consumer, err := q.js.Consumer(ctx, q.stream, q.durable)
	if err == nil {
		info, infoErr := consumer.Info(ctx)
		if infoErr != nil {
			return Stats{}, fmt.Errorf("consumer info: %w", infoErr)
		}
		stats.Pending = int64(info.NumPending) + int64(info.NumAckPending)
	} else if !errors.Is(err, jetstream.ErrConsumerNotFound) {
		return Stats{}, fmt.Errorf("lookup consumer: %w", err)
	}

	stream, err := q.js.Stream(ctx, q.stream)
	if err != nil {
		return Stats{}, fmt.Errorf("lookup stream: %w", err)
	}
	info, err := stream.Info(ctx, jetstream.WithSubjectFilter(q.dlqSubject))
	if err != nil {
		return Stats{}, fmt.Errorf("stream info: %w", err)
	}
	stats.DeadLettered = int64(info.State.Subjects[q.dlqSubject])
	return stats, nil
}

func (q *JetStreamQueue) ensureStream(ctx context.Context, prefix string) error {
	if _, err := q.js.Stream(ctx, q.stream); err == nil {
		return nil
	}
	_, err := q.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:      q.stream,
		Subjects:  []string{prefix + ".>"},
		Retention: jetstream.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
		Storage:   jetstream.FileStorage,
		Replicas:  1,
	})
	if err != nil && !errors.Is(err, jetstream.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("create stream %s: %w", q.stream, err)
	}
	return nil
}

func (q *JetStreamQueue) handleMessage(
	ctx context.Context,
	msg jetstream.Msg,
	handler func(context.Context, domain.QueueMessage) error,
) {
	var message domain.QueueMessage
	if err := json.Unmarshal(msg.Data(), &message); err != nil || !message.Kind.Valid() || message.JobID == "" {
		if err == nil {
			err = errors.New("invalid queue message")
		}
		q.deadLetter(ctx, msg, message, err)
		return
	}

	delivered := 1
	if metadata, err := msg.Metadata(); err == nil && metadata != nil && metadata.NumDelivered > 0 {
		delivered = int(metadata.NumDelivered)
	}
	message.Attempt = delivered - 1

	stopProgress := q.keepAlive(msg)
	handleErr := handler(ctx, message)
	stopProgress()

	if handleErr == nil {
		if err := msg.Ack(); err != nil && q.logger != nil {
			q.logger.Printf("jetstream ack failed job_id=%s err=%v", message.JobID, err)
		}
		return
	}

	if delivered >= q.maxAttempts {
		q.deadLetter(ctx, msg, message, handleErr)
		return
	}
	_ = msg.NakWithDelay(time.Duration(delivered) * 500 * time.Millisecond)
}

// keepAlive extends the ack deadline while a long stage run is in progress.
func (q *JetStreamQueue) keepAlive(msg jetstream.Msg) func() {
	interval := q.ackWait / 2
	if interval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				_ = msg.InProgress()
			}
		}
	}()
	return func() { close(done) }
}

func (q *JetStreamQueue) deadLetter(ctx context.Context, msg jetstream.Msg, message domain.QueueMessage, cause error) {
	record := map[string]any{
		"subject":  msg.Subject(),
		"job_id":   message.JobID,
		"kind":     string(message.Kind),
		"attempt":  message.Attempt,
		"payload":  string(msg.Data()),
		"error":    cause.Error(),
		"moved_at": time.Now().UTC().Format(time.RFC3339Nano),
	}
	encoded, _ := json.Marshal(record)
	if err := q.publish(ctx, q.dlqSubject, encoded); err != nil && q.logger != nil {
		q.logger.Printf("jetstream dlq publish failed job_id=%s err=%v", message.JobID, err)
	}
	if q.logger != nil {
		q.logger.Printf("jetstream moved message to DLQ subject=%s job_id=%s err=%v", q.subject, message.JobID, cause)
	}
	_ = msg.TermWithReason(cause.Error())
}
