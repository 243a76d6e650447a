package broker

import (
	"context"
	"time"
)

// Job is a job descriptor as delivered by a broker fetch
type Job struct {
	Queue   string
	ID      string
	Payload []byte
}

// PushOptions holds delivery options in the broker's native units
type PushOptions struct {
	TimeoutMs int64 // replication timeout in milliseconds
	Delay     int   // seconds before the job becomes available
	Retry     int   // seconds without ACK before redelivery
	TTL       int   // max job lifetime in seconds
	Replicate int   // number of nodes to replicate to
	MaxLen    int   // refuse the job when the queue already holds this many
	Async     bool  // return before replication completes
}

// Broker is the client side of an at-least-once job queue.
//
// Implementations must be safe for concurrent use; every call checks a
// connection out of the underlying pool for its own duration only.
type Broker interface {
	// Fetch returns up to count jobs from any of queues, blocking at most wait.
	// An empty result is not an error.
	Fetch(ctx context.Context, queues []string, count int, wait time.Duration) ([]Job, error)

	// Ack marks the job complete.
	Ack(ctx context.Context, id string) error

	// Nack reports a processing failure; the broker decides on redelivery.
	Nack(ctx context.Context, id string) error

	// Enqueue puts fetched jobs back for immediate redelivery.
	Enqueue(ctx context.Context, ids ...string) error

	// Push adds a new job and returns its broker-assigned id.
	Push(ctx context.Context, queue string, payload []byte, opts PushOptions) (string, error)

	// Working extends the processing lease and returns the granted extension.
	Working(ctx context.Context, id string) (time.Duration, error)
}

// Inspector is implemented by brokers that can report queue state
type Inspector interface {
	QueueLength(ctx context.Context, queue string) (int64, error)
	Show(ctx context.Context, id string) (map[string]any, error)
}
