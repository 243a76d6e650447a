// Package backend opens the broker selected in configuration.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/cuongbtq/queue-worker/internal/config"
	"github.com/cuongbtq/queue-worker/shared/broker"
	"github.com/cuongbtq/queue-worker/shared/disque"
	"github.com/cuongbtq/queue-worker/shared/postgresql"
	"github.com/cuongbtq/queue-worker/shared/rabbitmq"
)

var errNotConnected = errors.New("not connected")

// Backend is an open broker connection
type Backend struct {
	Broker    broker.Broker
	Inspector broker.Inspector // nil if the driver cannot inspect
	Pinger    Pinger
	Driver    string
	Addr      string

	close func() error
}

// Pinger reports broker connectivity
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger
type PingFunc func(ctx context.Context) error

// Ping implements Pinger
func (f PingFunc) Ping(ctx context.Context) error {
	return f(ctx)
}

// Close releases the broker connection
func (b *Backend) Close() error {
	if b.close == nil {
		return nil
	}
	return b.close()
}

// Open connects to cfg.Broker.Driver. queues are the queues the caller
// consumes; fetchWait bounds a single blocking fetch.
func Open(ctx context.Context, cfg *config.Config, queues []string, fetchWait time.Duration, logger *slog.Logger) (*Backend, error) {
	switch cfg.Broker.Driver {
	case config.DriverDisque:
		return openDisque(ctx, &cfg.Broker.Disque, fetchWait, logger)
	case config.DriverRabbitMQ:
		return openRabbitMQ(&cfg.Broker.RabbitMQ, queues, logger)
	case config.DriverPostgres:
		return openPostgres(ctx, &cfg.Broker.Postgres, logger)
	default:
		return nil, fmt.Errorf("unknown broker driver %q", cfg.Broker.Driver)
	}
}

func openDisque(ctx context.Context, cfg *config.DisqueConfig, fetchWait time.Duration, logger *slog.Logger) (*Backend, error) {
	client, err := disque.NewClient(ctx, &disque.Config{
		Nodes:        cfg.Nodes,
		Password:     cfg.Password,
		PoolSize:     cfg.PoolSize,
		PoolTimeout:  cfg.PoolTimeout,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		MaxFetchWait: fetchWait,
	}, logger)
	if err != nil {
		return nil, err
	}

	return &Backend{
		Broker:    client,
		Inspector: client,
		Pinger:    client,
		Driver:    config.DriverDisque,
		Addr:      client.Addr(),
		close:     client.Close,
	}, nil
}

func openRabbitMQ(cfg *config.RabbitMQConfig, queues []string, logger *slog.Logger) (*Backend, error) {
	client, err := rabbitmq.NewClient(&rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		Queues:             queues,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
		PollInterval:       cfg.PollInterval,
	}, logger)
	if err != nil {
		return nil, broker.Unavailable(err)
	}

	return &Backend{
		Broker:    client,
		Inspector: client,
		Pinger:    PingFunc(func(context.Context) error { return connected(client.IsConnected()) }),
		Driver:    config.DriverRabbitMQ,
		Addr:      net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		close:     client.Close,
	}, nil
}

func connected(ok bool) error {
	if ok {
		return nil
	}
	return broker.Unavailable(errNotConnected)
}

func openPostgres(ctx context.Context, cfg *config.DatabaseConfig, logger *slog.Logger) (*Backend, error) {
	client, err := postgresql.NewClient(&postgresql.Config{
		DSN:             cfg.DSN,
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}, logger)
	if err != nil {
		return nil, err
	}

	queue := postgresql.NewQueue(client, logger, cfg.PollInterval)
	if cfg.EnsureSchema {
		if err := queue.EnsureSchema(ctx); err != nil {
			_ = client.Close()
			return nil, err
		}
	}

	return &Backend{
		Broker:    queue,
		Inspector: queue,
		Pinger:    queue,
		Driver:    config.DriverPostgres,
		Addr:      postgresAddr(cfg),
		close:     client.Close,
	}, nil
}

// postgresAddr is host:port from the DSN when one is set, without credentials
func postgresAddr(cfg *config.DatabaseConfig) string {
	if cfg.DSN == "" {
		return net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	}
	u, err := url.Parse(cfg.DSN)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Host
}
