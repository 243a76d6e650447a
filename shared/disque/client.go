// Package disque implements broker.Broker on top of a Disque cluster, speaking
// RESP through go-redis.
package disque

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/queue-worker/shared/broker"
	"github.com/redis/go-redis/v9"
)

// DefaultAddr is the address of a local Disque node
const DefaultAddr = "127.0.0.1:7711"

// Config holds Disque connection configuration
type Config struct {
	Nodes        []string
	Password     string
	PoolSize     int
	PoolTimeout  time.Duration
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// MaxFetchWait is the longest wait passed to Fetch; reads are allowed to
	// block at least this long.
	MaxFetchWait time.Duration
}

// Client is a Disque broker
type Client struct {
	rdb    *redis.Client
	addr   string
	logger *slog.Logger
}

var (
	_ broker.Broker    = (*Client)(nil)
	_ broker.Inspector = (*Client)(nil)
)

// NewClient connects to the first configured node that answers PING
func NewClient(ctx context.Context, config *Config, logger *slog.Logger) (*Client, error) {
	nodes := config.Nodes
	if len(nodes) == 0 {
		nodes = []string{DefaultAddr}
	}

	var lastErr error
	for _, addr := range nodes {
		logger.Info("Connecting to Disque",
			slog.String("addr", addr),
		)

		rdb := redis.NewClient(options(addr, config))
		if err := rdb.Do(ctx, "PING").Err(); err != nil {
			logger.Warn("Disque node unavailable",
				slog.String("addr", addr),
				slog.Any("error", err),
			)
			_ = rdb.Close()
			lastErr = err
			continue
		}

		logger.Info("Successfully connected to Disque",
			slog.String("addr", addr),
			slog.Int("pool_size", config.PoolSize),
		)
		return &Client{rdb: rdb, addr: addr, logger: logger}, nil
	}

	return nil, fmt.Errorf("failed to connect to Disque: %w", broker.Unavailable(lastErr))
}

func options(addr string, config *Config) *redis.Options {
	readTimeout := config.ReadTimeout
	if config.MaxFetchWait > 0 && readTimeout < config.MaxFetchWait+time.Second {
		readTimeout = config.MaxFetchWait + time.Second
	}

	return &redis.Options{
		Addr:         addr,
		Password:     config.Password,
		PoolSize:     config.PoolSize,
		PoolTimeout:  config.PoolTimeout,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: config.WriteTimeout,
		// Disque speaks RESP2 and has no CLIENT SETINFO
		Protocol:         2,
		DisableIndentity: true,
	}
}

// Addr returns the address of the connected node
func (c *Client) Addr() string {
	return c.addr
}

// Close closes the connection pool
func (c *Client) Close() error {
	c.logger.Info("Closing Disque connection")

	if err := c.rdb.Close(); err != nil {
		c.logger.Error("Failed to close Disque connection",
			slog.Any("error", err),
		)
		return err
	}
	return nil
}

// Ping checks the connection
func (c *Client) Ping(ctx context.Context) error {
	return classify(c.rdb.Do(ctx, "PING").Err())
}

// Fetch implements broker.Broker with GETJOB
func (c *Client) Fetch(ctx context.Context, queues []string, count int, wait time.Duration) ([]broker.Job, error) {
	reply, err := c.rdb.Do(ctx, getJobArgs(queues, count, wait)...).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch jobs: %w", classify(err))
	}

	jobs, err := parseJobs(reply)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch jobs: %w", err)
	}
	return jobs, nil
}

// Ack implements broker.Broker with ACKJOB
func (c *Client) Ack(ctx context.Context, id string) error {
	if err := c.rdb.Do(ctx, "ACKJOB", id).Err(); err != nil {
		return fmt.Errorf("failed to ack job %s: %w", id, classify(err))
	}
	return nil
}

// Nack implements broker.Broker with NACK
func (c *Client) Nack(ctx context.Context, id string) error {
	if err := c.rdb.Do(ctx, "NACK", id).Err(); err != nil {
		return fmt.Errorf("failed to nack job %s: %w", id, classify(err))
	}
	return nil
}

// Enqueue implements broker.Broker with ENQUEUE
func (c *Client) Enqueue(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}

	args := make([]any, 0, len(ids)+1)
	args = append(args, "ENQUEUE")
	for _, id := range ids {
		args = append(args, id)
	}

	if err := c.rdb.Do(ctx, args...).Err(); err != nil {
		return fmt.Errorf("failed to enqueue jobs: %w", classify(err))
	}
	return nil
}

// Push implements broker.Broker with ADDJOB
func (c *Client) Push(ctx context.Context, queue string, payload []byte, opts broker.PushOptions) (string, error) {
	id, err := c.rdb.Do(ctx, addJobArgs(queue, payload, opts)...).Text()
	if err != nil {
		return "", fmt.Errorf("failed to add job to %s: %w", queue, classify(err))
	}

	c.logger.Debug("Job added",
		slog.String("queue", queue),
		slog.String("job_id", id),
	)
	return id, nil
}

// Working implements broker.Broker with WORKING
func (c *Client) Working(ctx context.Context, id string) (time.Duration, error) {
	secs, err := c.rdb.Do(ctx, "WORKING", id).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to extend job %s: %w", id, classify(err))
	}
	return time.Duration(secs) * time.Second, nil
}

// QueueLength implements broker.Inspector with QLEN
func (c *Client) QueueLength(ctx context.Context, queue string) (int64, error) {
	n, err := c.rdb.Do(ctx, "QLEN", queue).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to get length of %s: %w", queue, classify(err))
	}
	return n, nil
}

// Show implements broker.Inspector with SHOW
func (c *Client) Show(ctx context.Context, id string) (map[string]any, error) {
	reply, err := c.rdb.Do(ctx, "SHOW", id).Result()
	if errors.Is(err, redis.Nil) {
		return nil, broker.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to show job %s: %w", id, classify(err))
	}
	return parseShow(reply)
}
