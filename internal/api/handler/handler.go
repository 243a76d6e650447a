package handler

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/queue-worker/internal/producer"
	"github.com/cuongbtq/queue-worker/internal/worker"
	"github.com/cuongbtq/queue-worker/shared/broker"
)

// Pinger is implemented by brokers that can report connectivity
type Pinger interface {
	Ping(ctx context.Context) error
}

// PoolStatus is the view of a worker pool the admin endpoints need
type PoolStatus interface {
	Stats() worker.Stats
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger      *slog.Logger
	ServiceName string
	Enqueuer    *producer.Enqueuer
	Inspector   broker.Inspector // optional
	Pinger      Pinger           // optional
	Pool        PoolStatus       // worker service only
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger    *slog.Logger
	enqueuer  *producer.Enqueuer
	inspector broker.Inspector
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:    deps.Logger,
		enqueuer:  deps.Enqueuer,
		inspector: deps.Inspector,
	}
}
