// Package jobs holds the handlers every worker registers.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/queue-worker/internal/producer"
	"github.com/cuongbtq/queue-worker/internal/worker"
	"github.com/cuongbtq/queue-worker/internal/worker/domain"
)

// Handler names
const (
	LogMessageHandler = "LogMessage"
	SleepHandler      = "Sleep"
)

// DefaultWorkingInterval is how often Sleep extends its lease
const DefaultWorkingInterval = 30 * time.Second

// Register adds the built-in handlers and the framework job wrapper to
// registry
func Register(registry *worker.Registry, logger *slog.Logger) {
	registry.Register(LogMessageHandler, func() worker.Handler {
		return &LogMessage{logger: logger}
	})
	registry.Register(SleepHandler, func() worker.Handler {
		return &Sleep{logger: logger, interval: DefaultWorkingInterval}
	})
	producer.RegisterWrapper(registry, func(ctx context.Context, record map[string]any) error {
		logger.Info("Performing wrapped job",
			slog.Any("job_class", record["job_class"]),
			slog.Any("record", record),
		)
		return nil
	})
}

// LogMessage logs its arguments
type LogMessage struct {
	logger *slog.Logger
}

// Perform implements worker.Handler
func (h *LogMessage) Perform(ctx context.Context, job worker.Context, args domain.Args) error {
	values := make([]any, args.Len())
	for i := range values {
		if err := args[i:].Bind(&values[i]); err != nil {
			return err
		}
	}

	h.logger.Info("Log message",
		slog.String("queue", job.Queue()),
		slog.String("job_id", job.JobID()),
		slog.Any("args", values),
	)
	return nil
}

// Sleep waits for the number of seconds in its first argument, telling the
// broker it is still working every interval
type Sleep struct {
	logger   *slog.Logger
	interval time.Duration
}

// Perform implements worker.Handler
func (h *Sleep) Perform(ctx context.Context, job worker.Context, args domain.Args) error {
	var secs float64
	if err := args.Bind(&secs); err != nil {
		return err
	}
	if secs < 0 {
		return fmt.Errorf("%w: negative sleep %v", domain.ErrInvalidPayload, secs)
	}

	deadline := time.Now().Add(time.Duration(secs * float64(time.Second)))
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}

		timer := time.NewTimer(min(remaining, h.interval))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		if time.Until(deadline) <= 0 {
			return nil
		}
		if _, err := job.Working(ctx); err != nil {
			h.logger.Warn("Failed to extend job lease",
				slog.String("job_id", job.JobID()),
				slog.Any("error", err),
			)
		}
	}
}
