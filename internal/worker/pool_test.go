package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuongbtq/queue-worker/internal/worker/domain"
	"github.com/cuongbtq/queue-worker/shared/broker"
	"github.com/cuongbtq/queue-worker/shared/broker/brokertest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPool(t *testing.T) {
	mem := brokertest.NewMemory()

	_, err := NewPool(&Config{Invoker: NewInvoker(NewRegistry(), mem)})
	assert.Error(t, err)

	_, err = NewPool(&Config{Broker: mem})
	assert.Error(t, err)

	pool, err := NewPool(&Config{Broker: mem, Invoker: NewInvoker(NewRegistry(), mem)})
	require.NoError(t, err)

	stats := pool.Stats()
	assert.Equal(t, []string{domain.DefaultQueue}, stats.Queues)
	assert.Equal(t, DefaultConcurrency, stats.Concurrency)
	assert.Equal(t, "idle", stats.State)
	assert.Equal(t, DefaultWaitTime, pool.waitTime)
	assert.Equal(t, DefaultWaitCount, pool.waitCount)
	assert.NotEmpty(t, stats.WorkerID)

	assert.True(t, pool.Shutdown())
	assert.True(t, pool.Wait(time.Second))
}

func TestPool_ShutdownWithoutRun(t *testing.T) {
	mem := brokertest.NewMemory()
	pool, _ := newTestPool(t, mem, NewRegistry())

	assert.True(t, pool.Shutdown())
	assert.True(t, pool.Wait(time.Second))
	assert.Equal(t, StateTerminated, pool.State())
	assert.False(t, pool.Shutdown())

	assert.ErrorIs(t, pool.Run(context.Background()), ErrStopped)
	assert.Empty(t, mem.FetchCounts())
}

func TestPool_RunProcessShutdown(t *testing.T) {
	mem := brokertest.NewMemory()
	reg := NewRegistry()

	var (
		mu        sync.Mutex
		performed = make(map[int]int)
		jobIDs    = make(map[string]bool)
	)
	reg.RegisterFunc("TestJob", func(ctx context.Context, job Context, args domain.Args) error {
		var n int
		if err := args.Bind(&n); err != nil {
			return err
		}
		if job.Queue() != testQueue {
			return errors.New("unexpected queue " + job.Queue())
		}

		mu.Lock()
		defer mu.Unlock()
		performed[n]++
		jobIDs[job.JobID()] = true
		return nil
	})

	pool, _ := newTestPool(t, mem, reg)
	done := startPool(t, pool)

	for n := 0; n < 200; n++ {
		pushJob(t, mem, "TestJob", n)
	}

	require.Eventually(t, func() bool {
		return len(mem.Acked()) == 200
	}, 10*time.Second, 10*time.Millisecond)

	assert.Equal(t, StateRunning, pool.State())

	assert.True(t, pool.Shutdown())
	assert.False(t, pool.Shutdown())

	assert.True(t, pool.Wait(5*time.Second))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}

	assert.Equal(t, StateTerminated, pool.State())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, performed, 200)
	for n := 0; n < 200; n++ {
		assert.Equal(t, 1, performed[n], "job %d", n)
	}
	for id := range jobIDs {
		assert.Regexp(t, `^D-[\w\-]+`, id)
	}

	length, err := mem.QueueLength(context.Background(), testQueue)
	require.NoError(t, err)
	assert.Zero(t, length)
	assert.Zero(t, mem.Len())
	assert.Empty(t, mem.Nacked())

	assert.LessOrEqual(t, pool.Stats().PeakInFlight, 10)
	for _, count := range mem.FetchCounts() {
		assert.LessOrEqual(t, count, 10)
	}
}

func TestPool_NeverFetchesMoreThanFreeSlots(t *testing.T) {
	mem := brokertest.NewMemory()
	reg := NewRegistry()

	release := make(chan struct{})
	reg.RegisterFunc("Block", func(ctx context.Context, job Context, args domain.Args) error {
		<-release
		return nil
	})

	pool, _ := newTestPool(t, mem, reg, func(cfg *Config) {
		cfg.Concurrency = 3
	})

	for i := 0; i < 10; i++ {
		pushJob(t, mem, "Block")
	}
	startPool(t, pool)

	require.Eventually(t, func() bool {
		return pool.Stats().InFlight == 3
	}, 5*time.Second, 5*time.Millisecond)

	fetches := len(mem.FetchCounts())
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, fetches, len(mem.FetchCounts()), "fetched while no slot was free")
	assert.Equal(t, 3, pool.Stats().InFlight)

	close(release)

	require.Eventually(t, func() bool {
		return len(mem.Acked()) == 10
	}, 5*time.Second, 5*time.Millisecond)

	for _, count := range mem.FetchCounts() {
		assert.LessOrEqual(t, count, 3)
	}
	assert.LessOrEqual(t, pool.Stats().PeakInFlight, 3)
}

func TestPool_FetchCountCappedByWaitCount(t *testing.T) {
	mem := brokertest.NewMemory()
	reg := NewRegistry()
	reg.RegisterFunc("Noop", func(ctx context.Context, job Context, args domain.Args) error { return nil })

	pool, _ := newTestPool(t, mem, reg, func(cfg *Config) {
		cfg.Concurrency = 10
		cfg.WaitCount = 4
	})
	startPool(t, pool)

	require.Eventually(t, func() bool {
		return len(mem.FetchCounts()) > 0
	}, time.Second, time.Millisecond)

	assert.Equal(t, 4, mem.FetchCounts()[0])
}

// shutdownExecutor stops the pool while the n-th job of a batch is submitted
type shutdownExecutor struct {
	Executor
	pool      *Pool
	after     int
	submitted atomic.Int32
}

func (e *shutdownExecutor) Submit(task Task) error {
	if int(e.submitted.Add(1)) == e.after {
		e.pool.Shutdown()
	}
	return e.Executor.Submit(task)
}

func TestPool_RequeuesUndispatchedJobsOnShutdown(t *testing.T) {
	mem := brokertest.NewMemory()
	reg := NewRegistry()
	reg.RegisterFunc("Noop", func(ctx context.Context, job Context, args domain.Args) error { return nil })

	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, pushJob(t, mem, "Noop", i))
	}

	logger, _ := newTestLogger()
	exec := &shutdownExecutor{
		Executor: NewFixedExecutor("test", 10, logger),
		after:    2,
	}
	pool, _ := newTestPool(t, mem, reg, func(cfg *Config) {
		cfg.Executor = exec
	})
	exec.pool = pool

	done := startPool(t, pool)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	require.True(t, pool.Wait(5*time.Second))

	assert.Equal(t, int32(2), exec.submitted.Load())
	assert.Equal(t, ids[2:], mem.Requeued())
	assert.ElementsMatch(t, ids[:2], mem.Acked())

	length, err := mem.QueueLength(context.Background(), testQueue)
	require.NoError(t, err)
	assert.Equal(t, int64(3), length)
}

func TestPool_RequeuesWholeBatchWhenStoppedDuringFetch(t *testing.T) {
	mem := brokertest.NewMemory()
	reg := NewRegistry()
	reg.RegisterFunc("Noop", func(ctx context.Context, job Context, args domain.Args) error { return nil })

	var ids []string
	for i := 0; i < 4; i++ {
		ids = append(ids, pushJob(t, mem, "Noop", i))
	}

	pool, _ := newTestPool(t, mem, reg)
	mem.FetchHook = func(count int) error {
		pool.Shutdown()
		return nil
	}

	done := startPool(t, pool)
	<-done
	require.True(t, pool.Wait(5*time.Second))

	assert.Equal(t, ids, mem.Requeued())
	assert.Empty(t, mem.Acked())
}

func TestPool_OutageLoggedOnce(t *testing.T) {
	mem := brokertest.NewMemory()

	var failures atomic.Int32
	mem.FetchHook = func(count int) error {
		if failures.Add(1) <= 5 {
			return broker.Unavailable(errors.New("dial tcp 127.0.0.1:7711: connect: connection refused"))
		}
		return nil
	}

	pool, logs := newTestPool(t, mem, NewRegistry())
	startPool(t, pool)

	require.Eventually(t, func() bool {
		return failures.Load() > 7
	}, 5*time.Second, time.Millisecond)

	assert.Equal(t, 1, countLogs(t, logs, "ERROR", "Error retrieving jobs"))
	assert.Equal(t, 1, countLogs(t, logs, "INFO", "Broker connection restored"))
	assert.False(t, pool.Stats().BrokerDown)
}

func TestPool_NonTransientFetchErrorKeepsLooping(t *testing.T) {
	mem := brokertest.NewMemory()

	var calls atomic.Int32
	mem.FetchHook = func(count int) error {
		if calls.Add(1) <= 2 {
			return errors.New("ERR unknown command 'GETJOB'")
		}
		return nil
	}

	reg := NewRegistry()
	reg.RegisterFunc("Noop", func(ctx context.Context, job Context, args domain.Args) error { return nil })

	pool, logs := newTestPool(t, mem, reg)
	startPool(t, pool)
	id := pushJob(t, mem, "Noop")

	require.Eventually(t, func() bool {
		return len(mem.Acked()) == 1
	}, 5*time.Second, time.Millisecond)

	assert.Equal(t, []string{id}, mem.Acked())
	assert.Equal(t, 2, countLogs(t, logs, "ERROR", "Error retrieving jobs"))
}

func TestPool_AckRetriedAcrossOutage(t *testing.T) {
	mem := brokertest.NewMemory()
	reg := NewRegistry()

	var performed atomic.Int32
	reg.RegisterFunc("Count", func(ctx context.Context, job Context, args domain.Args) error {
		performed.Add(1)
		return nil
	})

	var attempts atomic.Int32
	mem.AckHook = func(id string) error {
		if attempts.Add(1) <= 3 {
			return broker.Unavailable(errors.New("connection reset by peer"))
		}
		return nil
	}

	// a long fetch keeps the control loop from observing the broker as healthy
	// while the ACK is being retried
	pool, logs := newTestPool(t, mem, reg, func(cfg *Config) {
		cfg.WaitTime = 500 * time.Millisecond
	})
	startPool(t, pool)
	id := pushJob(t, mem, "Count")

	require.Eventually(t, func() bool {
		return len(mem.Acked()) == 1
	}, 5*time.Second, time.Millisecond)

	assert.Equal(t, []string{id}, mem.Acked())
	assert.Equal(t, int32(1), performed.Load())
	assert.Equal(t, int32(4), attempts.Load())
	assert.Empty(t, mem.Nacked())
	assert.Equal(t, 1, countLogs(t, logs, "ERROR", "Error ACKing job, will retry"))
	assert.False(t, pool.Stats().BrokerDown)
}

func TestPool_NonTransientAckErrorNotRetried(t *testing.T) {
	mem := brokertest.NewMemory()
	reg := NewRegistry()
	reg.RegisterFunc("Noop", func(ctx context.Context, job Context, args domain.Args) error { return nil })

	var attempts atomic.Int32
	mem.AckHook = func(id string) error {
		attempts.Add(1)
		return errors.New("ERR unknown job id")
	}

	pool, logs := newTestPool(t, mem, reg)
	startPool(t, pool)
	pushJob(t, mem, "Noop")

	require.Eventually(t, func() bool {
		return attempts.Load() == 1
	}, 5*time.Second, time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), attempts.Load())
	assert.Empty(t, mem.Acked())
	assert.Empty(t, mem.Nacked())
	assert.Equal(t, 0, pool.Stats().InFlight)
	assert.Equal(t, 1, countLogs(t, logs, "ERROR", "Error ACKing job"))
}

func TestPool_FailedJobsAreNacked(t *testing.T) {
	tests := []struct {
		name    string
		klass   string
		payload []byte
	}{
		{name: "handler error", klass: "Fail"},
		{name: "handler panic", klass: "Panic"},
		{name: "unknown handler", klass: "Missing"},
		{name: "malformed payload", payload: []byte(`{"klass":`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := brokertest.NewMemory()
			reg := NewRegistry()
			reg.RegisterFunc("Fail", func(ctx context.Context, job Context, args domain.Args) error {
				return errors.New("boom")
			})
			reg.RegisterFunc("Panic", func(ctx context.Context, job Context, args domain.Args) error {
				panic("boom")
			})

			var id string
			if tt.payload != nil {
				var err error
				id, err = mem.Push(context.Background(), testQueue, tt.payload, broker.PushOptions{})
				require.NoError(t, err)
			} else {
				id = pushJob(t, mem, tt.klass, "x")
			}

			pool, logs := newTestPool(t, mem, reg)
			// stop after the first NACK so the redelivered job is not fetched again
			mem.NackHook = func(string) error {
				pool.Shutdown()
				return nil
			}

			<-startPool(t, pool)
			require.True(t, pool.Wait(5*time.Second))

			assert.Equal(t, []string{id}, mem.Nacked())
			assert.Empty(t, mem.Acked())
			assert.Equal(t, 1, countLogs(t, logs, "ERROR", "Error processing job"))
		})
	}
}

func TestPool_RedeliveredAfterNack(t *testing.T) {
	mem := brokertest.NewMemory()
	reg := NewRegistry()

	var attempts, performed atomic.Int32
	reg.RegisterFunc("Flaky", func(ctx context.Context, job Context, args domain.Args) error {
		if attempts.Add(1) == 1 {
			return errors.New("temporary failure")
		}
		performed.Add(1)
		return nil
	})

	pool, _ := newTestPool(t, mem, reg)
	startPool(t, pool)
	id := pushJob(t, mem, "Flaky")

	require.Eventually(t, func() bool {
		return len(mem.Acked()) == 1
	}, 5*time.Second, time.Millisecond)

	assert.Equal(t, []string{id}, mem.Nacked())
	assert.Equal(t, []string{id}, mem.Acked())
	assert.Equal(t, int32(2), attempts.Load())
	assert.Equal(t, int32(1), performed.Load())
}

func TestPool_WaitTimeoutDoesNotInterruptHandlers(t *testing.T) {
	mem := brokertest.NewMemory()
	reg := NewRegistry()

	started := make(chan struct{})
	release := make(chan struct{})
	reg.RegisterFunc("Slow", func(ctx context.Context, job Context, args domain.Args) error {
		close(started)
		<-release
		return nil
	})

	pool, _ := newTestPool(t, mem, reg)
	done := startPool(t, pool)
	id := pushJob(t, mem, "Slow")

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("job did not start")
	}

	require.True(t, pool.Shutdown())
	<-done

	assert.False(t, pool.Wait(50*time.Millisecond))
	assert.Equal(t, StateDraining, pool.State())
	assert.Equal(t, 1, pool.Stats().InFlight)

	close(release)
	assert.True(t, pool.Wait(5*time.Second))
	assert.Equal(t, StateTerminated, pool.State())
	assert.Equal(t, []string{id}, mem.Acked())
}

func TestPool_RunTwice(t *testing.T) {
	mem := brokertest.NewMemory()
	pool, _ := newTestPool(t, mem, NewRegistry())
	startPool(t, pool)

	require.Eventually(t, func() bool {
		return pool.State() == StateRunning
	}, time.Second, time.Millisecond)

	assert.ErrorIs(t, pool.Run(context.Background()), ErrAlreadyRunning)
}

func TestPool_ContextCancelStopsRun(t *testing.T) {
	mem := brokertest.NewMemory()
	pool, _ := newTestPool(t, mem, NewRegistry())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- pool.Run(ctx)
	}()

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	assert.True(t, pool.Wait(time.Second))
	assert.False(t, pool.Shutdown())
}

func TestPool_HandlerCanExtendLease(t *testing.T) {
	mem := brokertest.NewMemory()
	reg := NewRegistry()

	extended := make(chan time.Duration, 1)
	reg.RegisterFunc("Long", func(ctx context.Context, job Context, args domain.Args) error {
		d, err := job.Working(ctx)
		if err != nil {
			return err
		}
		extended <- d
		return nil
	})

	pool, _ := newTestPool(t, mem, reg)
	startPool(t, pool)

	payload, err := domain.EncodePayload("Long", nil)
	require.NoError(t, err)
	_, err = mem.Push(context.Background(), testQueue, payload, broker.PushOptions{Retry: 90})
	require.NoError(t, err)

	select {
	case d := <-extended:
		assert.Equal(t, 90*time.Second, d)
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not run")
	}
}
