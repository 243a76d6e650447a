package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cuongbtq/queue-worker/shared/broker"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Config holds RabbitMQ connection configuration
type Config struct {
	Host               string
	Port               int
	User               string
	Password           string
	VHost              string
	ExchangeName       string
	ExchangeType       string
	ExchangeDurable    bool
	ExchangeAutoDelete bool
	Queues             []string
	QueueDurable       bool
	QueueAutoDelete    bool
	RetryAttempts      int
	RetryInterval      time.Duration
	Heartbeat          time.Duration
	ConnectionTimeout  time.Duration
	PublishRetries     int
	PublishRetryDelay  time.Duration
	PublishBackoffMult float64
	PollInterval       time.Duration
}

// Client is a RabbitMQ broker. Fetched deliveries are identified by
// "<channel generation>-<delivery tag>" and stay unacknowledged until Ack,
// Nack or Enqueue; they are redelivered by RabbitMQ if the channel closes.
type Client struct {
	config *Config
	logger *slog.Logger

	mu          sync.Mutex
	conn        *amqp.Connection
	channel     *amqp.Channel
	generation  uint64
	declared    map[string]bool
	isConnected bool
}

var (
	_ broker.Broker    = (*Client)(nil)
	_ broker.Inspector = (*Client)(nil)
)

// NewClient creates a new RabbitMQ client
func NewClient(config *Config, logger *slog.Logger) (*Client, error) {
	client := &Client{
		config: config,
		logger: logger,
	}

	if err := client.connect(max(config.RetryAttempts, 1)); err != nil {
		return nil, fmt.Errorf("failed to create RabbitMQ client: %w", err)
	}

	return client, nil
}

// connect establishes connection to RabbitMQ with retry logic; callers hold
// c.mu or own c exclusively
func (c *Client) connect(attempts int) error {
	var err error

	dsn := fmt.Sprintf("amqp://%s:%s@%s:%d%s",
		c.config.User,
		c.config.Password,
		c.config.Host,
		c.config.Port,
		c.config.VHost,
	)

	amqpConfig := amqp.Config{
		Heartbeat: c.config.Heartbeat,
		Locale:    "en_US",
	}
	if c.config.ConnectionTimeout > 0 {
		amqpConfig.Dial = amqp.DefaultDial(c.config.ConnectionTimeout)
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		c.logger.Info("Connecting to RabbitMQ",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
		)

		c.conn, err = amqp.DialConfig(dsn, amqpConfig)
		if err == nil {
			c.logger.Info("Successfully connected to RabbitMQ")
			break
		}

		c.logger.Error("Failed to connect to RabbitMQ",
			slog.Any("error", err),
			slog.Int("attempt", attempt),
		)

		if attempt < attempts {
			time.Sleep(c.config.RetryInterval)
		}
	}

	if err != nil {
		return broker.Unavailable(fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", attempts, err))
	}

	if err := c.openChannel(); err != nil {
		c.conn.Close()
		return err
	}

	c.logger.Info("RabbitMQ client initialized",
		slog.String("exchange", c.config.ExchangeName),
		slog.Any("queues", c.config.Queues),
	)

	return nil
}

// openChannel opens a channel on the current connection and declares the
// exchange and configured queues. Delivery ids from the previous channel
// become invalid.
func (c *Client) openChannel() error {
	channel, err := c.conn.Channel()
	if err != nil {
		return broker.Unavailable(fmt.Errorf("failed to create channel: %w", err))
	}

	c.channel = channel
	c.generation++
	c.declared = make(map[string]bool)

	if err := c.setup(); err != nil {
		c.channel.Close()
		return fmt.Errorf("failed to setup exchange and queues: %w", err)
	}

	c.isConnected = true
	return nil
}

// setup declares the exchange and one queue per configured name, bound with
// the queue name as routing key
func (c *Client) setup() error {
	if c.config.ExchangeName != "" {
		err := c.channel.ExchangeDeclare(
			c.config.ExchangeName,       // name
			c.config.ExchangeType,       // type
			c.config.ExchangeDurable,    // durable
			c.config.ExchangeAutoDelete, // auto-deleted
			false,                       // internal
			false,                       // no-wait
			exchangeArgs(c.config.ExchangeType),
		)
		if err != nil {
			return fmt.Errorf("failed to declare exchange: %w", err)
		}
	}

	for _, queue := range c.config.Queues {
		if err := c.declareQueue(queue); err != nil {
			return err
		}
	}

	return nil
}

// supportsDelay reports whether the x-delay header is honored
func (c *Client) supportsDelay() bool {
	return c.config.ExchangeName != "" && c.config.ExchangeType == delayedExchangeType
}

// exchangeArgs configures the delayed-message plugin exchange
func exchangeArgs(exchangeType string) amqp.Table {
	if exchangeType != delayedExchangeType {
		return nil
	}
	return amqp.Table{"x-delayed-type": "direct"}
}

func (c *Client) declareQueue(queue string) error {
	if c.declared[queue] {
		return nil
	}

	_, err := c.channel.QueueDeclare(
		queue,                    // name
		c.config.QueueDurable,    // durable
		c.config.QueueAutoDelete, // auto-delete
		false,                    // exclusive
		false,                    // no-wait
		nil,                      // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}

	if c.config.ExchangeName != "" {
		err = c.channel.QueueBind(
			queue,                 // queue name
			queue,                 // routing key
			c.config.ExchangeName, // exchange
			false,                 // no-wait
			nil,                   // arguments
		)
		if err != nil {
			return fmt.Errorf("failed to bind queue %s: %w", queue, err)
		}
	}

	c.declared[queue] = true
	return nil
}

// ensureConnected reopens the channel, or the whole connection, after a
// failure; callers hold c.mu
func (c *Client) ensureConnected() error {
	if c.isConnected && c.conn != nil && !c.conn.IsClosed() && c.channel != nil && !c.channel.IsClosed() {
		return nil
	}

	c.isConnected = false
	if c.conn != nil && !c.conn.IsClosed() {
		c.logger.Warn("Reopening RabbitMQ channel")
		return c.openChannel()
	}

	c.logger.Warn("Reconnecting to RabbitMQ")
	return c.connect(1)
}

// fail marks the channel unusable after err and classifies it
func (c *Client) fail(err error) error {
	var amqpErr *amqp.Error
	if errors.Is(err, amqp.ErrClosed) || (errors.As(err, &amqpErr) && amqpErr.Code >= 300) {
		c.isConnected = false
	}
	return classify(err)
}

// Fetch implements broker.Broker by polling basic.get across queues
func (c *Client) Fetch(ctx context.Context, queues []string, count int, wait time.Duration) ([]broker.Job, error) {
	deadline := time.Now().Add(wait)
	poll := c.config.PollInterval
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}

	for {
		jobs, err := c.get(queues, count)
		if err != nil || len(jobs) > 0 {
			return jobs, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}

		timer := time.NewTimer(min(poll, remaining))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// get takes up to count ready messages, one queue at a time in turn
func (c *Client) get(queues []string, count int) ([]broker.Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnected(); err != nil {
		return nil, fmt.Errorf("failed to fetch jobs: %w", err)
	}

	var jobs []broker.Job
	exhausted := make(map[string]bool, len(queues))
	for len(jobs) < count && len(exhausted) < len(queues) {
		for _, queue := range queues {
			if exhausted[queue] || len(jobs) >= count {
				continue
			}

			if err := c.declareQueue(queue); err != nil {
				return jobs, fmt.Errorf("failed to fetch jobs: %w", c.fail(err))
			}

			msg, ok, err := c.channel.Get(queue, false)
			if err != nil {
				return jobs, fmt.Errorf("failed to fetch jobs: %w", c.fail(err))
			}
			if !ok {
				exhausted[queue] = true
				continue
			}

			jobs = append(jobs, broker.Job{
				Queue:   queue,
				ID:      deliveryID(c.generation, msg.DeliveryTag),
				Payload: msg.Body,
			})
		}
	}

	return jobs, nil
}

// Ack implements broker.Broker
func (c *Client) Ack(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tag, err := c.deliveryTag(id)
	if err != nil {
		return err
	}
	if err := c.channel.Ack(tag, false); err != nil {
		return fmt.Errorf("failed to ack job %s: %w", id, c.fail(err))
	}
	return nil
}

// Nack implements broker.Broker; the message is requeued
func (c *Client) Nack(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tag, err := c.deliveryTag(id)
	if err != nil {
		return err
	}
	if err := c.channel.Nack(tag, false, true); err != nil {
		return fmt.Errorf("failed to nack job %s: %w", id, c.fail(err))
	}
	return nil
}

// Enqueue implements broker.Broker. RabbitMQ has no separate requeue
// operation, so this is a NACK with requeue for each delivery.
func (c *Client) Enqueue(ctx context.Context, ids ...string) error {
	for _, id := range ids {
		if err := c.Nack(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// deliveryTag resolves id against the current channel; callers hold c.mu
func (c *Client) deliveryTag(id string) (uint64, error) {
	gen, tag, err := parseDeliveryID(id)
	if err != nil {
		return 0, err
	}
	if !c.isConnected || c.channel == nil || c.channel.IsClosed() || gen != c.generation {
		// the channel the message came from is gone and RabbitMQ has already
		// made it ready again
		return 0, fmt.Errorf("%w: delivery %s belongs to a closed channel", broker.ErrJobNotFound, id)
	}
	return tag, nil
}

// Push implements broker.Broker. The returned id is the message id, not a
// delivery id. Delayed jobs need an x-delayed-message exchange.
func (c *Client) Push(ctx context.Context, queue string, payload []byte, opts broker.PushOptions) (string, error) {
	if opts.Delay > 0 && !c.supportsDelay() {
		return "", fmt.Errorf("delay option on exchange %q of type %q: %w",
			c.config.ExchangeName, c.config.ExchangeType, errors.ErrUnsupported)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnected(); err != nil {
		return "", fmt.Errorf("failed to push job: %w", err)
	}
	if err := c.declareQueue(queue); err != nil {
		return "", fmt.Errorf("failed to push job: %w", c.fail(err))
	}

	if opts.MaxLen > 0 {
		q, err := c.channel.QueueDeclarePassive(queue, c.config.QueueDurable, c.config.QueueAutoDelete, false, false, nil)
		if err != nil {
			return "", fmt.Errorf("failed to inspect queue %s: %w", queue, c.fail(err))
		}
		if q.Messages >= opts.MaxLen {
			return "", fmt.Errorf("%w: %s has %d messages", broker.ErrQueueFull, queue, q.Messages)
		}
	}

	if opts.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(opts.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	msg := publishing(payload, opts)
	if err := c.publishWithRetry(ctx, queue, msg); err != nil {
		return "", err
	}
	return msg.MessageId, nil
}

// publishing builds the AMQP message for a job
func publishing(payload []byte, opts broker.PushOptions) amqp.Publishing {
	msg := amqp.Publishing{
		ContentType:  "application/json",
		Body:         payload,
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now(),
	}
	if opts.TTL > 0 {
		msg.Expiration = strconv.Itoa(opts.TTL * 1000)
	}
	if opts.Delay > 0 {
		msg.Headers = amqp.Table{"x-delay": int64(opts.Delay) * 1000}
	}
	return msg
}

// publishWithRetry publishes a message with retry logic and exponential
// backoff; callers hold c.mu
func (c *Client) publishWithRetry(ctx context.Context, queue string, msg amqp.Publishing) error {
	maxRetries := c.config.PublishRetries
	if maxRetries <= 0 {
		maxRetries = 3 // default
	}

	baseDelay := c.config.PublishRetryDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond // default
	}

	backoffMult := c.config.PublishBackoffMult
	if backoffMult <= 0 {
		backoffMult = 2.0 // default
	}

	exchange, routingKey := c.config.ExchangeName, queue

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := c.channel.PublishWithContext(
			ctx,
			exchange,   // exchange
			routingKey, // routing key
			false,      // mandatory
			false,      // immediate
			msg,
		)

		if err == nil {
			if attempt > 0 {
				c.logger.Info("Successfully published message to RabbitMQ after retry",
					slog.Int("attempt", attempt+1),
					slog.String("queue", queue),
				)
			} else {
				c.logger.Debug("Message published to RabbitMQ",
					slog.Int("body_size", len(msg.Body)),
					slog.String("queue", queue),
				)
			}
			return nil
		}

		lastErr = c.fail(err)
		if ctx.Err() != nil {
			break
		}

		if attempt < maxRetries {
			backoffDelay := time.Duration(float64(baseDelay) * pow(backoffMult, attempt))
			c.logger.Warn("Failed to publish message to RabbitMQ, retrying...",
				slog.Int("attempt", attempt+1),
				slog.Int("max_retries", maxRetries),
				slog.Duration("retry_after", backoffDelay),
				slog.Any("error", err),
			)
			time.Sleep(backoffDelay)

			if err := c.ensureConnected(); err != nil {
				lastErr = err
			}
		}
	}

	c.logger.Error("Failed to publish message to RabbitMQ after all retries",
		slog.Int("attempts", maxRetries+1),
		slog.Any("error", lastErr),
	)
	return fmt.Errorf("failed to publish message after %d attempts: %w", maxRetries+1, lastErr)
}

func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}

// Working implements broker.Broker. A delivery stays leased for as long as
// its channel is open, so there is nothing to extend.
func (c *Client) Working(ctx context.Context, id string) (time.Duration, error) {
	return 0, nil
}

// QueueLength implements broker.Inspector
func (c *Client) QueueLength(ctx context.Context, queue string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnected(); err != nil {
		return 0, err
	}

	q, err := c.channel.QueueDeclarePassive(queue, c.config.QueueDurable, c.config.QueueAutoDelete, false, false, nil)
	if err != nil {
		var amqpErr *amqp.Error
		if errors.As(err, &amqpErr) && amqpErr.Code == amqp.NotFound {
			c.isConnected = false
			return 0, nil
		}
		return 0, fmt.Errorf("failed to inspect queue %s: %w", queue, c.fail(err))
	}
	return int64(q.Messages), nil
}

// Show implements broker.Inspector. RabbitMQ cannot look up a message by id.
func (c *Client) Show(ctx context.Context, id string) (map[string]any, error) {
	return nil, fmt.Errorf("show job on RabbitMQ: %w", errors.ErrUnsupported)
}

// Close closes the RabbitMQ connection
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.logger.Info("Closing RabbitMQ connection")

	c.isConnected = false

	if c.channel != nil && !c.channel.IsClosed() {
		if err := c.channel.Close(); err != nil {
			c.logger.Error("Failed to close RabbitMQ channel",
				slog.Any("error", err),
			)
		}
	}

	if c.conn != nil && !c.conn.IsClosed() {
		if err := c.conn.Close(); err != nil {
			c.logger.Error("Failed to close RabbitMQ connection",
				slog.Any("error", err),
			)
			return err
		}
	}

	c.logger.Info("RabbitMQ connection closed successfully")
	return nil
}

// IsConnected returns the connection status
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isConnected && c.conn != nil && !c.conn.IsClosed()
}

const delayedExchangeType = "x-delayed-message"

func deliveryID(generation, tag uint64) string {
	return strconv.FormatUint(generation, 10) + "-" + strconv.FormatUint(tag, 10)
}

func parseDeliveryID(id string) (generation, tag uint64, err error) {
	genPart, tagPart, ok := strings.Cut(id, "-")
	if ok {
		generation, err = strconv.ParseUint(genPart, 10, 64)
		if err == nil {
			tag, err = strconv.ParseUint(tagPart, 10, 64)
		}
	}
	if !ok || err != nil {
		return 0, 0, fmt.Errorf("%w: malformed delivery id %q", broker.ErrJobNotFound, id)
	}
	return generation, tag, nil
}

// classify marks closed connections and channels as broker outages
func classify(err error) error {
	if err == nil {
		return nil
	}
	if broker.IsUnavailable(err) {
		return err
	}

	var amqpErr *amqp.Error
	if errors.Is(err, amqp.ErrClosed) || broker.IsConnectionError(err) {
		return broker.Unavailable(err)
	}
	if errors.As(err, &amqpErr) && (amqpErr.Recover || amqpErr.Code == amqp.ConnectionForced) {
		return broker.Unavailable(err)
	}
	return err
}
