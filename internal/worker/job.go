package worker

import (
	"context"
	"time"

	"github.com/cuongbtq/queue-worker/internal/worker/domain"
	"github.com/cuongbtq/queue-worker/shared/broker"
)

// Context is what a running handler knows about its own delivery
type Context interface {
	// Queue returns the queue the job was fetched from
	Queue() string
	// JobID returns the broker-assigned job id
	JobID() string
	// Working tells the broker the job is still in progress, extending its lease
	Working(ctx context.Context) (time.Duration, error)
}

// Handler performs one job
type Handler interface {
	Perform(ctx context.Context, job Context, args domain.Args) error
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, job Context, args domain.Args) error

// Perform calls f
func (f HandlerFunc) Perform(ctx context.Context, job Context, args domain.Args) error {
	return f(ctx, job, args)
}

// Factory builds a fresh handler for each dispatched job
type Factory func() Handler

// jobContext is created per dispatch and never shared
type jobContext struct {
	queue  string
	jobID  string
	broker broker.Broker
}

func (c *jobContext) Queue() string {
	return c.queue
}

func (c *jobContext) JobID() string {
	return c.jobID
}

func (c *jobContext) Working(ctx context.Context) (time.Duration, error) {
	if c.broker == nil || c.jobID == "" {
		return 0, nil
	}
	return c.broker.Working(ctx, c.jobID)
}
