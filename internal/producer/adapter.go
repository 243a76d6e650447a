package producer

import (
	"context"
	"fmt"
	"time"

	"github.com/cuongbtq/queue-worker/internal/worker"
	"github.com/cuongbtq/queue-worker/internal/worker/domain"
)

// WrapperHandler is the handler name every adapted job is enqueued under
const WrapperHandler = "producer.JobWrapper"

// OptionsKey is the record key holding per-job enqueue options
const OptionsKey = "queue_options"

// Job is a framework-level job record
type Job interface {
	// Serialize returns the record passed to the worker-side perform function
	Serialize() (map[string]any, error)
	QueueName() string
	SetProviderJobID(id string)
}

// Adapter enqueues framework job records through an Enqueuer
type Adapter struct {
	enqueuer *Enqueuer
}

// NewAdapter creates an Adapter
func NewAdapter(enqueuer *Enqueuer) *Adapter {
	return &Adapter{enqueuer: enqueuer}
}

// Enqueue pushes job for immediate execution and returns its broker id
func (a *Adapter) Enqueue(ctx context.Context, job Job) (string, error) {
	return a.enqueue(ctx, job, Options{})
}

// EnqueueAt schedules job for at
func (a *Adapter) EnqueueAt(ctx context.Context, job Job, at time.Time) (string, error) {
	delay := delayUntil(at, a.enqueuer.now())
	return a.enqueue(ctx, job, Options{Delay: delay})
}

// enqueue applies the record's own options over opts, then the job's queue
func (a *Adapter) enqueue(ctx context.Context, job Job, opts Options) (string, error) {
	record, err := job.Serialize()
	if err != nil {
		return "", fmt.Errorf("failed to serialize job: %w", err)
	}

	if raw, ok := record[OptionsKey].(map[string]any); ok {
		recordOpts, err := parseOptions(raw)
		if err != nil {
			return "", err
		}
		opts = opts.Merge(recordOpts)
	}
	opts.Queue = job.QueueName()

	id, err := a.enqueuer.Enqueue(ctx, WrapperHandler, []any{record}, opts)
	if err != nil {
		return "", err
	}

	job.SetProviderJobID(id)
	return id, nil
}

// parseOptions reads durations as seconds
func parseOptions(raw map[string]any) (Options, error) {
	var opts Options

	for key, value := range raw {
		var err error
		switch key {
		case "ttl":
			opts.TTL, err = seconds(value)
		case "retry":
			opts.Retry, err = seconds(value)
		case "delay":
			opts.Delay, err = seconds(value)
		case "timeout":
			opts.Timeout, err = seconds(value)
		case "replicate":
			opts.Replicate, err = integer(value)
		case "maxlen":
			var n int
			n, err = integer(value)
			opts.MaxLen = &n
		case "async":
			b, ok := value.(bool)
			if !ok {
				err = fmt.Errorf("want bool, got %T", value)
			}
			opts.Async = &b
		default:
			continue
		}
		if err != nil {
			return Options{}, fmt.Errorf("invalid %s option %q: %w", OptionsKey, key, err)
		}
	}

	return opts, nil
}

func seconds(value any) (time.Duration, error) {
	switch v := value.(type) {
	case time.Duration:
		return v, nil
	case int:
		return time.Duration(v) * time.Second, nil
	case int64:
		return time.Duration(v) * time.Second, nil
	case float64:
		return time.Duration(v * float64(time.Second)), nil
	default:
		return 0, fmt.Errorf("want seconds, got %T", value)
	}
}

func integer(value any) (int, error) {
	switch v := value.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	default:
		return 0, fmt.Errorf("want integer, got %T", value)
	}
}

// RegisterWrapper registers the worker-side handler for adapted jobs. It
// unpacks the record and passes it to perform.
func RegisterWrapper(registry *worker.Registry, perform func(ctx context.Context, record map[string]any) error) {
	registry.RegisterFunc(WrapperHandler, func(ctx context.Context, job worker.Context, args domain.Args) error {
		if args.Len() != 1 {
			return fmt.Errorf("%w: %s takes one record, got %d arguments", domain.ErrInvalidPayload, WrapperHandler, args.Len())
		}

		var record map[string]any
		if err := args.Bind(&record); err != nil {
			return err
		}
		if record == nil {
			return fmt.Errorf("%w: empty job record", domain.ErrInvalidPayload)
		}
		return perform(ctx, record)
	})
}
