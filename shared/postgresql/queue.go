package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cuongbtq/queue-worker/shared/broker"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

const (
	stateQueued = "queued"
	stateActive = "active"

	defaultRetrySeconds = 300
	defaultPollInterval = 200 * time.Millisecond
	purgeInterval       = time.Minute
)

const schema = `
CREATE TABLE IF NOT EXISTS queue_jobs (
	id            TEXT PRIMARY KEY,
	queue         TEXT NOT NULL,
	payload       BYTEA NOT NULL,
	state         TEXT NOT NULL DEFAULT 'queued',
	nacks         INTEGER NOT NULL DEFAULT 0,
	retry_seconds INTEGER NOT NULL DEFAULT 300,
	delay_seconds INTEGER NOT NULL DEFAULT 0,
	ready_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	lease_until   TIMESTAMPTZ,
	expires_at    TIMESTAMPTZ,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS queue_jobs_fetch_idx ON queue_jobs (queue, state, ready_at);
`

// Queue is a broker backed by the queue_jobs table. Rows are claimed with
// FOR UPDATE SKIP LOCKED, so several workers can share a table.
type Queue struct {
	client       *Client
	logger       *slog.Logger
	pollInterval time.Duration
	lastPurge    atomic.Int64
}

var (
	_ broker.Broker    = (*Queue)(nil)
	_ broker.Inspector = (*Queue)(nil)
)

// NewQueue creates a Queue on client. pollInterval <= 0 uses the default.
func NewQueue(client *Client, logger *slog.Logger, pollInterval time.Duration) *Queue {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &Queue{
		client:       client,
		logger:       logger,
		pollInterval: pollInterval,
	}
}

// EnsureSchema creates the queue table and its index if missing
func (q *Queue) EnsureSchema(ctx context.Context) error {
	if _, err := q.client.GetDB().ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create queue schema: %w", classify(err))
	}
	q.logger.Info("Queue schema ready")
	return nil
}

// Ping checks the database connection
func (q *Queue) Ping(ctx context.Context) error {
	return q.client.HealthCheck(ctx)
}

// Fetch implements broker.Broker, polling until a job is ready or wait
// elapses
func (q *Queue) Fetch(ctx context.Context, queues []string, count int, wait time.Duration) ([]broker.Job, error) {
	deadline := time.Now().Add(wait)
	q.maybePurge(ctx)

	for {
		jobs, err := q.claim(ctx, queues, count)
		if err != nil || len(jobs) > 0 {
			return jobs, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}

		timer := time.NewTimer(min(q.pollInterval, remaining))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// claim leases up to count ready jobs, including jobs whose lease expired
func (q *Queue) claim(ctx context.Context, queues []string, count int) ([]broker.Job, error) {
	query := `
		UPDATE queue_jobs
		SET state = $1,
		    lease_until = NOW() + make_interval(secs => retry_seconds)
		WHERE id IN (
			SELECT id FROM queue_jobs
			WHERE queue = ANY($2)
			  AND (expires_at IS NULL OR expires_at > NOW())
			  AND ((state = $3 AND ready_at <= NOW()) OR (state = $1 AND lease_until < NOW()))
			ORDER BY ready_at, created_at
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, queue, payload
	`

	var rows []struct {
		ID      string `db:"id"`
		Queue   string `db:"queue"`
		Payload []byte `db:"payload"`
	}
	err := q.client.GetDB().SelectContext(ctx, &rows, query, stateActive, pq.Array(queues), stateQueued, count)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch jobs: %w", classify(err))
	}

	jobs := make([]broker.Job, 0, len(rows))
	for _, row := range rows {
		jobs = append(jobs, broker.Job{Queue: row.Queue, ID: row.ID, Payload: row.Payload})
	}
	return jobs, nil
}

// Ack implements broker.Broker by deleting the row
func (q *Queue) Ack(ctx context.Context, id string) error {
	if _, err := q.client.GetDB().ExecContext(ctx, `DELETE FROM queue_jobs WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to ack job %s: %w", id, classify(err))
	}
	return nil
}

// Nack implements broker.Broker
func (q *Queue) Nack(ctx context.Context, id string) error {
	query := `
		UPDATE queue_jobs
		SET state = $1, nacks = nacks + 1, ready_at = NOW(), lease_until = NULL
		WHERE id = $2
	`
	if _, err := q.client.GetDB().ExecContext(ctx, query, stateQueued, id); err != nil {
		return fmt.Errorf("failed to nack job %s: %w", id, classify(err))
	}
	return nil
}

// Enqueue implements broker.Broker
func (q *Queue) Enqueue(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}

	query := `
		UPDATE queue_jobs
		SET state = $1, ready_at = NOW(), lease_until = NULL
		WHERE id = ANY($2)
	`
	if _, err := q.client.GetDB().ExecContext(ctx, query, stateQueued, pq.Array(ids)); err != nil {
		return fmt.Errorf("failed to enqueue jobs: %w", classify(err))
	}
	return nil
}

// Push implements broker.Broker. MaxLen is checked under a per-queue
// advisory lock.
func (q *Queue) Push(ctx context.Context, queue string, payload []byte, opts broker.PushOptions) (string, error) {
	if opts.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(opts.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	tx, err := q.client.BeginTx(ctx)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	if opts.MaxLen > 0 {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, queue); err != nil {
			return "", fmt.Errorf("failed to lock queue %s: %w", queue, classify(err))
		}

		var length int
		err := tx.GetContext(ctx, &length, `SELECT COUNT(*) FROM queue_jobs WHERE queue = $1 AND state = $2`, queue, stateQueued)
		if err != nil {
			return "", fmt.Errorf("failed to count queue %s: %w", queue, classify(err))
		}
		if length >= opts.MaxLen {
			return "", fmt.Errorf("%w: %s has %d jobs", broker.ErrQueueFull, queue, length)
		}
	}

	retry := opts.Retry
	if retry <= 0 {
		retry = defaultRetrySeconds
	}

	var expiresAt sql.NullTime
	if opts.TTL > 0 {
		expiresAt = sql.NullTime{Time: time.Now().Add(time.Duration(opts.TTL) * time.Second), Valid: true}
	}

	id := "PG-" + uuid.NewString()
	query := `
		INSERT INTO queue_jobs (id, queue, payload, state, retry_seconds, delay_seconds, ready_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6::int, NOW() + make_interval(secs => $6::int), $7)
	`
	if _, err := tx.ExecContext(ctx, query, id, queue, payload, stateQueued, retry, opts.Delay, expiresAt); err != nil {
		return "", fmt.Errorf("failed to insert job: %w", classify(err))
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit job: %w", classify(err))
	}

	q.logger.Debug("Job added",
		slog.String("queue", queue),
		slog.String("job_id", id),
	)
	return id, nil
}

// Working implements broker.Broker by renewing the lease
func (q *Queue) Working(ctx context.Context, id string) (time.Duration, error) {
	query := `
		UPDATE queue_jobs
		SET lease_until = NOW() + make_interval(secs => retry_seconds)
		WHERE id = $1 AND state = $2
		RETURNING retry_seconds
	`

	var secs int
	err := q.client.GetDB().GetContext(ctx, &secs, query, id, stateActive)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, broker.ErrJobNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to extend job %s: %w", id, classify(err))
	}
	return time.Duration(secs) * time.Second, nil
}

// QueueLength implements broker.Inspector
func (q *Queue) QueueLength(ctx context.Context, queue string) (int64, error) {
	query := `
		SELECT COUNT(*) FROM queue_jobs
		WHERE queue = $1 AND state = $2 AND ready_at <= NOW()
		  AND (expires_at IS NULL OR expires_at > NOW())
	`

	var n int64
	if err := q.client.GetDB().GetContext(ctx, &n, query, queue, stateQueued); err != nil {
		return 0, fmt.Errorf("failed to get length of %s: %w", queue, classify(err))
	}
	return n, nil
}

type jobRow struct {
	ID           string       `db:"id"`
	Queue        string       `db:"queue"`
	Payload      []byte       `db:"payload"`
	State        string       `db:"state"`
	Nacks        int64        `db:"nacks"`
	RetrySeconds int64        `db:"retry_seconds"`
	DelaySeconds int64        `db:"delay_seconds"`
	ReadyAt      time.Time    `db:"ready_at"`
	ExpiresAt    sql.NullTime `db:"expires_at"`
	CreatedAt    time.Time    `db:"created_at"`
}

// Show implements broker.Inspector
func (q *Queue) Show(ctx context.Context, id string) (map[string]any, error) {
	query := `
		SELECT id, queue, payload, state, nacks, retry_seconds, delay_seconds, ready_at, expires_at, created_at
		FROM queue_jobs
		WHERE id = $1
	`

	var row jobRow
	err := q.client.GetDB().GetContext(ctx, &row, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, broker.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to show job %s: %w", id, classify(err))
	}

	return row.info(time.Now()), nil
}

// info renders the row in the field names Disque's SHOW uses
func (r jobRow) info(now time.Time) map[string]any {
	ttl := int64(0)
	if r.ExpiresAt.Valid {
		ttl = int64(r.ExpiresAt.Time.Sub(now) / time.Second)
	}

	return map[string]any{
		"id":    r.ID,
		"queue": r.Queue,
		"state": r.State,
		"nacks": r.Nacks,
		"retry": r.RetrySeconds,
		"delay": r.DelaySeconds,
		"ttl":   ttl,
		"ctime": r.CreatedAt.UnixNano(),
		"body":  string(r.Payload),
	}
}

// maybePurge runs PurgeExpired at most once per purgeInterval
func (q *Queue) maybePurge(ctx context.Context) {
	last := q.lastPurge.Load()
	now := time.Now().UnixNano()
	if now-last < int64(purgeInterval) || !q.lastPurge.CompareAndSwap(last, now) {
		return
	}

	if _, err := q.PurgeExpired(ctx); err != nil {
		q.logger.Warn("Failed to purge expired jobs",
			slog.Any("error", err),
		)
	}
}

// PurgeExpired deletes jobs whose TTL has passed and returns how many
func (q *Queue) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := q.client.GetDB().ExecContext(ctx, `DELETE FROM queue_jobs WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired jobs: %w", classify(err))
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if n > 0 {
		q.logger.Info("Purged expired jobs",
			slog.Int64("count", n),
		)
	}
	return n, nil
}
