package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/cuongbtq/queue-worker/internal/worker/domain"
	"github.com/cuongbtq/queue-worker/shared/broker"
	"github.com/google/uuid"
)

const (
	DefaultConcurrency      = 10
	DefaultWaitTime         = time.Second
	DefaultWaitCount        = 100
	DefaultOutageBackoff    = time.Second
	DefaultAckRetryInterval = time.Second
)

var (
	// ErrAlreadyRunning is returned by Run when the pool was already started
	ErrAlreadyRunning = errors.New("worker pool is already running")
	// ErrStopped is returned by Run after Shutdown
	ErrStopped = errors.New("worker pool is stopped")
)

// State is the lifecycle stage of a Pool
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateDraining
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Config holds worker pool configuration
type Config struct {
	Logger           *slog.Logger
	Broker           broker.Broker
	Invoker          *Invoker
	Queues           []string
	Concurrency      int
	WaitTime         time.Duration // max time a fetch blocks
	WaitCount        int           // max jobs per fetch
	OutageBackoff    time.Duration // pause after a failed fetch
	AckRetryInterval time.Duration // pause between ACK attempts during an outage
	Metrics          *Metrics
	Executor         Executor // defaults to a FixedExecutor of Concurrency goroutines
	WorkerID         string
}

// Stats is a point-in-time snapshot of a Pool
type Stats struct {
	WorkerID     string   `json:"worker_id"`
	State        string   `json:"state"`
	Queues       []string `json:"queues"`
	Concurrency  int      `json:"concurrency"`
	InFlight     int      `json:"in_flight"`
	PeakInFlight int      `json:"peak_in_flight"`
	BrokerDown   bool     `json:"broker_down"`
}

// Pool fetches jobs from a broker and runs them on a bounded executor.
//
// A single control goroutine (Run) fetches at most as many jobs as there are
// free slots and submits them; executor goroutines perform, ACK or NACK them.
// Jobs fetched but not submitted when the pool stops are put back on the
// broker.
type Pool struct {
	logger           *slog.Logger
	broker           broker.Broker
	invoker          *Invoker
	queues           []string
	waitTime         time.Duration
	waitCount        int
	outageBackoff    time.Duration
	ackRetryInterval time.Duration
	metrics          *Metrics
	exec             Executor
	workerID         string

	slots      *Slots
	state      atomic.Int32
	running    atomic.Bool
	stopped    atomic.Bool
	brokerDown atomic.Bool
	stopCh     chan struct{}
	terminated chan struct{}
}

// NewPool creates a worker pool. The executor starts immediately; call
// Shutdown to release it if Run is never called.
func NewPool(cfg *Config) (*Pool, error) {
	if cfg.Broker == nil {
		return nil, fmt.Errorf("worker pool requires a broker")
	}
	if cfg.Invoker == nil {
		return nil, fmt.Errorf("worker pool requires an invoker")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	queues := cfg.Queues
	if len(queues) == 0 {
		queues = []string{domain.DefaultQueue}
	}

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}

	waitTime := cfg.WaitTime
	if waitTime <= 0 {
		waitTime = DefaultWaitTime
	}

	waitCount := cfg.WaitCount
	if waitCount <= 0 {
		waitCount = DefaultWaitCount
	}

	outageBackoff := cfg.OutageBackoff
	if outageBackoff <= 0 {
		outageBackoff = DefaultOutageBackoff
	}

	ackRetryInterval := cfg.AckRetryInterval
	if ackRetryInterval <= 0 {
		ackRetryInterval = DefaultAckRetryInterval
	}

	workerID := cfg.WorkerID
	if workerID == "" {
		workerID = uuid.NewString()[:8]
	}

	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	exec := cfg.Executor
	if exec == nil {
		exec = NewFixedExecutor(workerID, concurrency, logger)
	}

	return &Pool{
		logger:           logger.With(slog.String("worker_id", workerID)),
		broker:           cfg.Broker,
		invoker:          cfg.Invoker,
		queues:           append([]string(nil), queues...),
		waitTime:         waitTime,
		waitCount:        waitCount,
		outageBackoff:    outageBackoff,
		ackRetryInterval: ackRetryInterval,
		metrics:          metrics,
		exec:             exec,
		workerID:         workerID,
		slots:            NewSlots(concurrency),
		stopCh:           make(chan struct{}),
		terminated:       make(chan struct{}),
	}, nil
}

// Run executes the fetch/dispatch loop until Shutdown is called or ctx is
// canceled, then stops the executor and returns. Running handlers are not
// interrupted; use Wait to block until they finish.
func (p *Pool) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		if p.stopped.Load() {
			return ErrStopped
		}
		return ErrAlreadyRunning
	}

	p.state.CompareAndSwap(int32(StateIdle), int32(StateRunning))

	p.logger.Info("Starting worker",
		slog.Any("queues", p.queues),
		slog.Int("concurrency", p.slots.Limit()),
		slog.Duration("wait_time", p.waitTime),
		slog.Int("wait_count", p.waitCount),
	)

	go func() {
		select {
		case <-ctx.Done():
			p.Shutdown()
		case <-p.stopCh:
		}
	}()

	// broker calls outlive ctx so in-flight jobs can still be acknowledged
	ioCtx := context.WithoutCancel(ctx)

	for !p.stopped.Load() {
		p.safeCycle(ioCtx)
	}

	p.stopExecutor()

	p.logger.Info("Worker run loop stopped",
		slog.Int("in_flight", p.slots.InFlight()),
	)
	return nil
}

// Shutdown stops fetching new jobs. It returns false if the pool was already
// stopped.
func (p *Pool) Shutdown() bool {
	if !p.stopped.CompareAndSwap(false, true) {
		return false
	}

	close(p.stopCh)
	p.state.CompareAndSwap(int32(StateRunning), int32(StateDraining))
	p.state.CompareAndSwap(int32(StateIdle), int32(StateDraining))

	p.logger.Info("Worker shutdown requested",
		slog.Int("in_flight", p.slots.InFlight()),
	)

	// a pool that never ran has no loop to stop the executor
	if p.running.CompareAndSwap(false, true) {
		p.stopExecutor()
	}
	return true
}

// stopExecutor lets queued tasks finish, then marks the pool terminated. It
// runs once, from whichever of Run and Shutdown claimed the running flag.
func (p *Pool) stopExecutor() {
	p.exec.Shutdown()
	go func() {
		p.exec.Wait(0)
		p.state.Store(int32(StateTerminated))
		close(p.terminated)
	}()
}

// Wait blocks until the run loop has exited and all in-flight jobs have
// completed, or until timeout elapses (timeout <= 0 waits forever). It
// reports whether the pool terminated.
func (p *Pool) Wait(timeout time.Duration) bool {
	p.logger.Info("Waiting for worker shutdown")

	if timeout <= 0 {
		<-p.terminated
		p.logger.Info("Shutdown complete")
		return true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-p.terminated:
		p.logger.Info("Shutdown complete")
		return true
	case <-timer.C:
		p.logger.Warn("Timed out waiting for worker shutdown",
			slog.Duration("timeout", timeout),
			slog.Int("in_flight", p.slots.InFlight()),
		)
		return false
	}
}

// State returns the current lifecycle stage
func (p *Pool) State() State {
	return State(p.state.Load())
}

// Stats returns a snapshot of the pool
func (p *Pool) Stats() Stats {
	return Stats{
		WorkerID:     p.workerID,
		State:        p.State().String(),
		Queues:       append([]string(nil), p.queues...),
		Concurrency:  p.slots.Limit(),
		InFlight:     p.slots.InFlight(),
		PeakInFlight: p.slots.Peak(),
		BrokerDown:   p.brokerDown.Load(),
	}
}

// safeCycle keeps a panicking cycle from ending the loop
func (p *Pool) safeCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Worker cycle failed",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			p.sleep(p.outageBackoff)
		}
	}()
	p.runCycle(ctx)
}

// runCycle fetches one batch and dispatches it. Whatever was fetched but not
// dispatched is requeued on the way out, including on panic.
func (p *Pool) runCycle(ctx context.Context) {
	available := p.slots.Available()
	if available < 1 {
		p.sleep(p.waitTime / 2)
		return
	}

	jobs := p.nextBatch(ctx, min(available, p.waitCount))
	defer func() {
		if len(jobs) > 0 {
			p.requeue(ctx, jobs)
		}
	}()

	if len(jobs) > available {
		extra := jobs[available:]
		jobs = jobs[:available]
		p.logger.Warn("Broker returned more jobs than requested",
			slog.Int("requested", available),
			slog.Int("extra", len(extra)),
		)
		p.requeue(ctx, extra)
	}

	for len(jobs) > 0 && !p.stopped.Load() {
		if err := p.dispatch(ctx, jobs[0]); err != nil {
			p.logger.Error("Failed to dispatch job",
				slog.String("job_id", jobs[0].ID),
				slog.String("error", err.Error()),
			)
			return
		}
		jobs = jobs[1:]
	}
}

// nextBatch fetches up to count jobs. Failures are logged once per outage and
// followed by a backoff; they yield an empty batch.
func (p *Pool) nextBatch(ctx context.Context, count int) []broker.Job {
	jobs, err := p.broker.Fetch(ctx, p.queues, count, p.waitTime)
	if err != nil {
		p.metrics.FetchErrors.Inc()

		if domain.Classify(err) == domain.KindTransient {
			if p.brokerDown.CompareAndSwap(false, true) {
				p.logger.Error("Error retrieving jobs",
					slog.String("error", err.Error()),
				)
			}
		} else {
			p.logger.Error("Error retrieving jobs",
				slog.String("error", err.Error()),
			)
		}

		p.sleep(p.outageBackoff)
		return nil
	}

	p.markBrokerUp()
	p.metrics.Fetched.Add(float64(len(jobs)))
	return jobs
}

// dispatch occupies a slot and submits job to the executor
func (p *Pool) dispatch(ctx context.Context, job broker.Job) error {
	p.slots.Acquire()
	p.metrics.InFlight.Inc()

	err := p.exec.Submit(func(workerName string) {
		defer func() {
			p.slots.Release()
			p.metrics.InFlight.Dec()
		}()
		p.perform(ctx, workerName, job)
	})
	if err != nil {
		p.slots.Release()
		p.metrics.InFlight.Dec()
		return err
	}
	return nil
}

// perform runs on an executor goroutine
func (p *Pool) perform(ctx context.Context, workerName string, job broker.Job) {
	log := p.logger.With(
		slog.String("queue", job.Queue),
		slog.String("job_id", job.ID),
		slog.String("worker_name", workerName),
	)

	log.Info("Processing job",
		slog.String("payload", string(job.Payload)),
	)

	if err := p.invoker.Invoke(ctx, job); err != nil {
		log.Error("Error processing job",
			slog.String("payload", string(job.Payload)),
			slog.String("error", err.Error()),
		)
		p.nack(ctx, log, job)
		return
	}

	p.ack(ctx, log, job)
}

func (p *Pool) nack(ctx context.Context, log *slog.Logger, job broker.Job) {
	p.metrics.Jobs.WithLabelValues(job.Queue, ResultNacked).Inc()

	if err := p.broker.Nack(ctx, job.ID); err != nil {
		log.Error("Failed to NACK job",
			slog.String("error", err.Error()),
		)
	}
}

// ack retries for as long as the broker is unreachable and the pool is
// running. Any other failure is final.
func (p *Pool) ack(ctx context.Context, log *slog.Logger, job broker.Job) {
	for {
		err := p.broker.Ack(ctx, job.ID)
		if err == nil {
			p.markBrokerUp()
			p.metrics.Jobs.WithLabelValues(job.Queue, ResultAcked).Inc()
			log.Debug("Job acknowledged")
			return
		}

		err = &domain.AckError{JobID: job.ID, Err: err}
		if domain.Classify(err) != domain.KindTransient {
			log.Error("Error ACKing job",
				slog.String("payload", string(job.Payload)),
				slog.String("error", err.Error()),
			)
			p.metrics.Jobs.WithLabelValues(job.Queue, ResultAckFailed).Inc()
			return
		}

		if p.brokerDown.CompareAndSwap(false, true) {
			log.Error("Error ACKing job, will retry",
				slog.String("error", err.Error()),
			)
		}

		if !p.sleep(p.ackRetryInterval) {
			log.Warn("Worker stopped before job could be acknowledged")
			p.metrics.Jobs.WithLabelValues(job.Queue, ResultAckFailed).Inc()
			return
		}
	}
}

// requeue returns undispatched jobs to the broker
func (p *Pool) requeue(ctx context.Context, jobs []broker.Job) {
	ids := make([]string, len(jobs))
	for i, job := range jobs {
		ids[i] = job.ID
	}

	if err := p.broker.Enqueue(ctx, ids...); err != nil {
		p.logger.Error("Failed to requeue jobs",
			slog.Any("job_ids", ids),
			slog.String("error", err.Error()),
		)
		return
	}

	p.metrics.Requeued.Add(float64(len(ids)))
	p.logger.Info("Requeued undispatched jobs",
		slog.Int("count", len(ids)),
	)
}

func (p *Pool) markBrokerUp() {
	if p.brokerDown.CompareAndSwap(true, false) {
		p.logger.Info("Broker connection restored")
	}
}

// sleep pauses for d or until the pool stops. It reports whether the pool is
// still running.
func (p *Pool) sleep(d time.Duration) bool {
	if p.stopped.Load() {
		return false
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return !p.stopped.Load()
	case <-p.stopCh:
		return false
	}
}
