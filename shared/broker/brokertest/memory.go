// Package brokertest provides an in-memory broker.Broker for tests.
package brokertest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cuongbtq/queue-worker/shared/broker"
	"github.com/google/uuid"
)

const (
	stateQueued = "queued"
	stateActive = "active"
)

type entry struct {
	job     broker.Job
	seq     uint64
	state   string
	nacks   int
	readyAt time.Time
	opts    broker.PushOptions
}

// Memory is an in-memory broker. Hooks, when set, run before the matching
// operation and may return an error to inject a failure.
type Memory struct {
	mu      sync.Mutex
	seq     uint64
	jobs    map[string]*entry
	changed chan struct{}

	FetchHook func(count int) error
	AckHook   func(id string) error
	NackHook  func(id string) error

	fetchCounts []int
	acked       []string
	nacked      []string
	requeued    []string
	pushed      []broker.PushOptions
}

// NewMemory creates an empty broker
func NewMemory() *Memory {
	return &Memory{
		jobs:    make(map[string]*entry),
		changed: make(chan struct{}),
	}
}

// notify wakes blocked fetchers; callers hold m.mu
func (m *Memory) notify() {
	close(m.changed)
	m.changed = make(chan struct{})
}

// Push implements broker.Broker
func (m *Memory) Push(ctx context.Context, queue string, payload []byte, opts broker.PushOptions) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if opts.MaxLen > 0 && m.queuedLocked(queue) >= int64(opts.MaxLen) {
		return "", broker.ErrQueueFull
	}

	m.seq++
	id := "D-" + uuid.NewString()
	m.jobs[id] = &entry{
		job:     broker.Job{Queue: queue, ID: id, Payload: append([]byte(nil), payload...)},
		seq:     m.seq,
		state:   stateQueued,
		readyAt: time.Now().Add(time.Duration(opts.Delay) * time.Second),
		opts:    opts,
	}
	m.pushed = append(m.pushed, opts)
	m.notify()

	return id, nil
}

// Fetch implements broker.Broker
func (m *Memory) Fetch(ctx context.Context, queues []string, count int, wait time.Duration) ([]broker.Job, error) {
	m.mu.Lock()
	m.fetchCounts = append(m.fetchCounts, count)
	hook := m.FetchHook
	m.mu.Unlock()

	if hook != nil {
		if err := hook(count); err != nil {
			return nil, err
		}
	}

	deadline := time.NewTimer(wait)
	defer deadline.Stop()

	for {
		m.mu.Lock()
		jobs := m.takeLocked(queues, count)
		changed := m.changed
		m.mu.Unlock()

		if len(jobs) > 0 {
			return jobs, nil
		}

		select {
		case <-changed:
		case <-deadline.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (m *Memory) takeLocked(queues []string, count int) []broker.Job {
	watched := make(map[string]bool, len(queues))
	for _, q := range queues {
		watched[q] = true
	}

	now := time.Now()
	var ready []*entry
	for _, e := range m.jobs {
		if e.state == stateQueued && watched[e.job.Queue] && !e.readyAt.After(now) {
			ready = append(ready, e)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].seq < ready[j].seq })

	if len(ready) > count {
		ready = ready[:count]
	}

	jobs := make([]broker.Job, 0, len(ready))
	for _, e := range ready {
		e.state = stateActive
		jobs = append(jobs, e.job)
	}
	return jobs
}

// Ack implements broker.Broker
func (m *Memory) Ack(ctx context.Context, id string) error {
	m.mu.Lock()
	hook := m.AckHook
	m.mu.Unlock()

	if hook != nil {
		if err := hook(id); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.acked = append(m.acked, id)
	delete(m.jobs, id)
	return nil
}

// Nack implements broker.Broker
func (m *Memory) Nack(ctx context.Context, id string) error {
	m.mu.Lock()
	hook := m.NackHook
	m.mu.Unlock()

	if hook != nil {
		if err := hook(id); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.nacked = append(m.nacked, id)
	if e, ok := m.jobs[id]; ok {
		e.nacks++
		e.state = stateQueued
		e.readyAt = time.Now()
		m.notify()
	}
	return nil
}

// Enqueue implements broker.Broker
func (m *Memory) Enqueue(ctx context.Context, ids ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range ids {
		m.requeued = append(m.requeued, id)
		if e, ok := m.jobs[id]; ok {
			e.state = stateQueued
			e.readyAt = time.Now()
		}
	}
	m.notify()
	return nil
}

// Working implements broker.Broker
func (m *Memory) Working(ctx context.Context, id string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.jobs[id]
	if !ok {
		return 0, broker.ErrJobNotFound
	}
	if e.opts.Retry > 0 {
		return time.Duration(e.opts.Retry) * time.Second, nil
	}
	return 300 * time.Second, nil
}

// QueueLength implements broker.Inspector
func (m *Memory) QueueLength(ctx context.Context, queue string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queuedLocked(queue), nil
}

func (m *Memory) queuedLocked(queue string) int64 {
	now := time.Now()
	var n int64
	for _, e := range m.jobs {
		if e.job.Queue == queue && e.state == stateQueued && !e.readyAt.After(now) {
			n++
		}
	}
	return n
}

// Show implements broker.Inspector
func (m *Memory) Show(ctx context.Context, id string) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.jobs[id]
	if !ok {
		return nil, broker.ErrJobNotFound
	}

	state := e.state
	if state == stateQueued && e.readyAt.After(time.Now()) {
		state = stateActive
	}

	return map[string]any{
		"id":    e.job.ID,
		"queue": e.job.Queue,
		"state": state,
		"nacks": int64(e.nacks),
		"delay": int64(e.opts.Delay),
		"retry": int64(e.opts.Retry),
		"ttl":   int64(e.opts.TTL),
		"repl":  int64(max(e.opts.Replicate, 1)),
		"body":  string(e.job.Payload),
	}, nil
}

// Len returns the number of jobs the broker still holds in any state
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

// FetchCounts returns the count argument of every Fetch call so far
func (m *Memory) FetchCounts() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.fetchCounts...)
}

// Acked returns ids acknowledged so far
func (m *Memory) Acked() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.acked...)
}

// Nacked returns ids negatively acknowledged so far
func (m *Memory) Nacked() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.nacked...)
}

// Requeued returns ids put back through Enqueue so far
func (m *Memory) Requeued() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.requeued...)
}

// Pushed returns the options of every accepted Push
func (m *Memory) Pushed() []broker.PushOptions {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]broker.PushOptions(nil), m.pushed...)
}
