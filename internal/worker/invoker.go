package worker

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/cuongbtq/queue-worker/internal/worker/domain"
	"github.com/cuongbtq/queue-worker/shared/broker"
)

// Invoker resolves a job's handler by name and runs it
type Invoker struct {
	registry *Registry
	broker   broker.Broker
}

// NewInvoker creates an Invoker. The broker is injected into every job
// context so handlers can extend their lease.
func NewInvoker(registry *Registry, b broker.Broker) *Invoker {
	return &Invoker{
		registry: registry,
		broker:   b,
	}
}

// Invoke decodes and performs job. Every failure, including a panic inside
// the handler, is returned as a *domain.HandlerError.
func (i *Invoker) Invoke(ctx context.Context, job broker.Job) (err error) {
	payload, err := domain.DecodePayload(job.Payload)
	if err != nil {
		return &domain.HandlerError{JobID: job.ID, Err: err}
	}

	factory, err := i.registry.Lookup(payload.Klass)
	if err != nil {
		return &domain.HandlerError{JobID: job.ID, Klass: payload.Klass, Err: err}
	}

	defer func() {
		if r := recover(); r != nil {
			err = &domain.HandlerError{
				JobID: job.ID,
				Klass: payload.Klass,
				Err:   fmt.Errorf("panic: %v\n%s", r, debug.Stack()),
			}
		}
	}()

	handler := factory()
	if handler == nil {
		return &domain.HandlerError{JobID: job.ID, Klass: payload.Klass, Err: fmt.Errorf("factory returned nil handler")}
	}

	jc := &jobContext{
		queue:  job.Queue,
		jobID:  job.ID,
		broker: i.broker,
	}

	if err := handler.Perform(ctx, jc, payload.Args); err != nil {
		return &domain.HandlerError{JobID: job.ID, Klass: payload.Klass, Err: err}
	}
	return nil
}
