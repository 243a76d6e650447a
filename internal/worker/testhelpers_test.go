package worker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/queue-worker/internal/worker/domain"
	"github.com/cuongbtq/queue-worker/shared/broker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

const testQueue = "__worker_test__"

// syncBuffer lets tests read log output while executor goroutines write it
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// countLogs counts JSON log lines with the given level and message
func countLogs(t *testing.T, b *syncBuffer, level, msg string) int {
	t.Helper()

	n := 0
	scanner := bufio.NewScanner(bytes.NewBufferString(b.String()))
	for scanner.Scan() {
		var entry map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &entry))
		if entry["level"] == level && entry["msg"] == msg {
			n++
		}
	}
	return n
}

func newTestLogger() (*slog.Logger, *syncBuffer) {
	buf := &syncBuffer{}
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})), buf
}

func newTestPool(t *testing.T, b broker.Broker, reg *Registry, opts ...func(*Config)) (*Pool, *syncBuffer) {
	t.Helper()

	logger, buf := newTestLogger()
	cfg := &Config{
		Logger:           logger,
		Broker:           b,
		Invoker:          NewInvoker(reg, b),
		Queues:           []string{testQueue},
		Concurrency:      10,
		WaitTime:         20 * time.Millisecond,
		WaitCount:        100,
		OutageBackoff:    time.Millisecond,
		AckRetryInterval: time.Millisecond,
		Metrics:          NewMetrics(prometheus.NewRegistry()),
		WorkerID:         "test",
	}
	for _, opt := range opts {
		opt(cfg)
	}

	pool, err := NewPool(cfg)
	require.NoError(t, err)
	return pool, buf
}

// startPool runs pool in the background and returns a channel closed when Run returns
func startPool(t *testing.T, pool *Pool) <-chan struct{} {
	t.Helper()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = pool.Run(context.Background())
	}()

	t.Cleanup(func() {
		pool.Shutdown()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("pool did not stop")
		}
	})
	return done
}

func pushJob(t *testing.T, b broker.Broker, klass string, args ...any) string {
	t.Helper()

	payload, err := domain.EncodePayload(klass, args)
	require.NoError(t, err)

	id, err := b.Push(context.Background(), testQueue, payload, broker.PushOptions{})
	require.NoError(t, err)
	return id
}
