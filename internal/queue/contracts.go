package queue

import (
	"context"

	"github.com/iago/meeting-pipeline/internal/domain"
)

// Producer sends stage hand-offs to a queue backend.
type Producer interface {
	Enqueue(ctx context.Context, message domain.QueueMessage) error
}

// Consumer receives stage hand-offs and executes handlers.
type Consumer interface {
	Consume(ctx context.Context, handler func(context.Context, domain.QueueMessage) error) error
}

// Stats is a point-in-time view of one queue.
type Stats struct {
	Name         string `json:"name"`
	Backend      string `json:"backend"`
	Pending      int64  `json:"pending"`
	DeadLettered int64  `json:"dead_lettered"`
}

// StatsReporter is implemented by backends able to report their depth.
type StatsReporter interface {
	Stats(ctx context.Context) (Stats, error)
}
