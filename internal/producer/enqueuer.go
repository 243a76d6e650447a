// Package producer issues jobs to a broker: per-handler default options,
// delayed and scheduled enqueueing, and an adapter for framework-level job
// records.
package producer

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/cuongbtq/queue-worker/internal/worker/domain"
	"github.com/cuongbtq/queue-worker/shared/broker"
)

// DefaultTimeout is how long the broker may take to accept a job
const DefaultTimeout = 10 * time.Second

// Options controls how a job is enqueued. Zero durations and counts and nil
// pointers are unset and fall back to handler defaults, then to the
// enqueuer's base options. MaxLen and Async are pointers so that an explicit
// 0 or false still overrides.
type Options struct {
	Queue     string
	Timeout   time.Duration // replication timeout
	Replicate int
	Delay     time.Duration // before the job is first queued
	Retry     time.Duration // redelivery after a missing ACK
	TTL       time.Duration
	MaxLen    *int // 0 removes the limit
	Async     *bool
}

// Merge returns o with every set field of override applied
func (o Options) Merge(override Options) Options {
	if override.Queue != "" {
		o.Queue = override.Queue
	}
	if override.Timeout != 0 {
		o.Timeout = override.Timeout
	}
	if override.Replicate != 0 {
		o.Replicate = override.Replicate
	}
	if override.Delay != 0 {
		o.Delay = override.Delay
	}
	if override.Retry != 0 {
		o.Retry = override.Retry
	}
	if override.TTL != 0 {
		o.TTL = override.TTL
	}
	if override.MaxLen != nil {
		o.MaxLen = override.MaxLen
	}
	if override.Async != nil {
		o.Async = override.Async
	}
	return o
}

// pushOptions converts to the broker's units: milliseconds for the timeout,
// whole seconds for the rest
func (o Options) pushOptions() broker.PushOptions {
	timeout := o.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return broker.PushOptions{
		TimeoutMs: timeout.Milliseconds(),
		Delay:     int(o.Delay / time.Second),
		Retry:     int(o.Retry / time.Second),
		TTL:       int(o.TTL / time.Second),
		Replicate: o.Replicate,
		MaxLen:    deref(o.MaxLen),
		Async:     deref(o.Async),
	}
}

// Enqueuer pushes jobs to a broker
type Enqueuer struct {
	broker broker.Broker
	logger *slog.Logger
	base   Options
	now    func() time.Time

	mu       sync.RWMutex
	defaults map[string]Options
}

// NewEnqueuer creates an Enqueuer. base applies to every job, under handler
// defaults and call-site options.
func NewEnqueuer(b broker.Broker, logger *slog.Logger, base Options) *Enqueuer {
	return &Enqueuer{
		broker:   b,
		logger:   logger,
		base:     base,
		now:      time.Now,
		defaults: make(map[string]Options),
	}
}

// SetDefaults merges opts into the defaults for handler
func (e *Enqueuer) SetDefaults(handler string, opts Options) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.defaults[handler] = e.defaults[handler].Merge(opts)
}

// Defaults returns the options configured for handler
func (e *Enqueuer) Defaults(handler string) Options {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.defaults[handler]
}

// Enqueue pushes a job for handler with args and returns its broker id
func (e *Enqueuer) Enqueue(ctx context.Context, handler string, args []any, opts Options) (string, error) {
	return e.push(ctx, handler, args, e.resolve(handler, opts))
}

// EnqueueAt schedules a job for at. The delay is rounded down to whole
// seconds and replaces any configured delay; times in the past are passed
// through as a non-positive delay.
func (e *Enqueuer) EnqueueAt(ctx context.Context, handler string, args []any, at time.Time, opts Options) (string, error) {
	opts = e.resolve(handler, opts)
	opts.Delay = delayUntil(at, e.now())
	return e.push(ctx, handler, args, opts)
}

// resolve layers base options, handler defaults and call-site options
func (e *Enqueuer) resolve(handler string, opts Options) Options {
	return e.base.Merge(e.Defaults(handler)).Merge(opts)
}

// QueueFor returns the queue a job for handler with opts is pushed to
func (e *Enqueuer) QueueFor(handler string, opts Options) string {
	return queueName(e.resolve(handler, opts))
}

func queueName(opts Options) string {
	if opts.Queue == "" {
		return domain.DefaultQueue
	}
	return opts.Queue
}

func (e *Enqueuer) push(ctx context.Context, handler string, args []any, opts Options) (string, error) {
	queue := queueName(opts)

	payload, err := domain.EncodePayload(handler, args)
	if err != nil {
		return "", err
	}

	id, err := e.broker.Push(ctx, queue, payload, opts.pushOptions())
	if err != nil {
		return "", fmt.Errorf("failed to enqueue %s: %w", handler, err)
	}

	e.logger.Debug("Job enqueued",
		slog.String("queue", queue),
		slog.String("job_id", id),
		slog.String("klass", handler),
		slog.Duration("delay", opts.Delay),
	)
	return id, nil
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}

func delayUntil(at, now time.Time) time.Duration {
	return time.Duration(math.Floor(at.Sub(now).Seconds())) * time.Second
}
