package worker

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrExecutorClosed is returned by Submit after Shutdown
var ErrExecutorClosed = errors.New("executor is shut down")

// Task is a unit of work; it receives the name of the goroutine running it
type Task func(workerName string)

// Executor runs submitted tasks on a bounded set of goroutines
type Executor interface {
	// Submit queues task for execution.
	Submit(task Task) error
	// Shutdown stops accepting tasks; queued and running tasks still complete.
	Shutdown()
	// Wait blocks until every task has finished after Shutdown, or until
	// timeout elapses (timeout <= 0 waits forever). It reports whether the
	// executor terminated.
	Wait(timeout time.Duration) bool
}

// FixedExecutor is an Executor backed by a fixed number of goroutines
type FixedExecutor struct {
	logger *slog.Logger
	id     string
	size   int
	tasks  chan Task
	wg     sync.WaitGroup
	done   chan struct{}

	mu     sync.Mutex
	closed bool
}

// NewFixedExecutor spawns size goroutines named "<id>-<n>"
func NewFixedExecutor(id string, size int, logger *slog.Logger) *FixedExecutor {
	e := &FixedExecutor{
		logger: logger,
		id:     id,
		size:   size,
		tasks:  make(chan Task, size),
		done:   make(chan struct{}),
	}

	logger.Debug("Spawning executor goroutines",
		slog.Int("concurrency", size),
		slog.String("worker_id", id),
	)

	for i := 0; i < size; i++ {
		e.wg.Add(1)
		go e.workerLoop(i)
	}

	go func() {
		e.wg.Wait()
		close(e.done)
	}()

	return e
}

// workerLoop runs tasks until the task channel is closed and drained
func (e *FixedExecutor) workerLoop(workerNum int) {
	defer e.wg.Done()

	workerName := fmt.Sprintf("%s-%d", e.id, workerNum)
	for task := range e.tasks {
		e.run(workerName, task)
	}

	e.logger.Debug("Executor goroutine stopped",
		slog.String("worker_name", workerName),
	)
}

func (e *FixedExecutor) run(workerName string, task Task) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Task panicked",
				slog.String("worker_name", workerName),
				slog.Any("panic", r),
			)
		}
	}()
	task(workerName)
}

// Submit implements Executor
func (e *FixedExecutor) Submit(task Task) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrExecutorClosed
	}
	e.tasks <- task
	return nil
}

// Shutdown implements Executor
func (e *FixedExecutor) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}
	e.closed = true
	close(e.tasks)
}

// Wait implements Executor
func (e *FixedExecutor) Wait(timeout time.Duration) bool {
	if timeout <= 0 {
		<-e.done
		return true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-e.done:
		return true
	case <-timer.C:
		return false
	}
}
