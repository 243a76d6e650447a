package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Broker drivers
const (
	DriverDisque   = "disque"
	DriverRabbitMQ = "rabbitmq"
	DriverPostgres = "postgres"
)

// Config represents the complete application configuration
type Config struct {
	App      AppConfig      `yaml:"app"`
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
	Broker   BrokerConfig   `yaml:"broker"`
	Worker   WorkerConfig   `yaml:"worker"`
	Producer ProducerConfig `yaml:"producer"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// ServerConfig holds HTTP server configuration. For the worker service it
// is the admin server, disabled when Port is 0.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableSource bool   `yaml:"enable_source"`
	TimeFormat   string `yaml:"time_format"`
}

// BrokerConfig selects and configures the job broker
type BrokerConfig struct {
	Driver   string         `yaml:"driver"`
	Disque   DisqueConfig   `yaml:"disque"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Postgres DatabaseConfig `yaml:"postgres"`
}

// DisqueConfig holds Disque connection configuration
type DisqueConfig struct {
	Nodes        []string      `yaml:"nodes"`
	Password     string        `yaml:"password"`
	PoolSize     int           `yaml:"pool_size"`
	PoolTimeout  time.Duration `yaml:"pool_timeout"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Host         string           `yaml:"host"`
	Port         int              `yaml:"port"`
	User         string           `yaml:"user"`
	Password     string           `yaml:"password"`
	VHost        string           `yaml:"vhost"`
	Exchange     ExchangeConfig   `yaml:"exchange"`
	Queue        QueueConfig      `yaml:"queue"`
	Connection   ConnectionConfig `yaml:"connection"`
	Publish      PublishConfig    `yaml:"publish"`
	PollInterval time.Duration    `yaml:"poll_interval"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds settings applied to every declared queue
type QueueConfig struct {
	Durable    bool `yaml:"durable"`
	AutoDelete bool `yaml:"auto_delete"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	EnsureSchema    bool          `yaml:"ensure_schema"`
}

// WorkerConfig holds worker pool configuration
type WorkerConfig struct {
	Queues           []string      `yaml:"queues"`
	Concurrency      int           `yaml:"concurrency"`
	WaitTime         time.Duration `yaml:"wait_time"`
	WaitCount        int           `yaml:"wait_count"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
	AckRetryInterval time.Duration `yaml:"ack_retry_interval"`
	OutageBackoff    time.Duration `yaml:"outage_backoff"`
}

// ProducerConfig holds defaults for enqueued jobs. Handlers overrides them
// per handler name.
type ProducerConfig struct {
	JobOptionsConfig `yaml:",inline"`
	Handlers         map[string]JobOptionsConfig `yaml:"handlers"`
}

// JobOptionsConfig holds enqueue options. MaxLen and Async are pointers so
// that a handler entry can set them back to 0 or false.
type JobOptionsConfig struct {
	Queue     string        `yaml:"queue"`
	Timeout   time.Duration `yaml:"timeout"`
	Replicate int           `yaml:"replicate"`
	Delay     time.Duration `yaml:"delay"`
	Retry     time.Duration `yaml:"retry"`
	TTL       time.Duration `yaml:"ttl"`
	MaxLen    *int          `yaml:"maxlen"`
	Async     *bool         `yaml:"async"`
}

// Load reads the configuration file, expands ${VAR} references from the
// environment, parses it and fills in defaults
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.ApplyDefaults()
	return &config, nil
}

// ApplyDefaults fills unset fields
func (c *Config) ApplyDefaults() {
	if c.Broker.Driver == "" {
		c.Broker.Driver = DriverDisque
	}

	w := &c.Worker
	if len(w.Queues) == 0 {
		w.Queues = []string{"default"}
	}
	if w.Concurrency == 0 {
		w.Concurrency = 10
	}
	if w.WaitTime == 0 {
		w.WaitTime = time.Second
	}
	if w.WaitCount == 0 {
		w.WaitCount = 100
	}
	if w.ShutdownTimeout == 0 {
		w.ShutdownTimeout = 30 * time.Second
	}
	if w.AckRetryInterval == 0 {
		w.AckRetryInterval = time.Second
	}
	if w.OutageBackoff == 0 {
		w.OutageBackoff = time.Second
	}

	d := &c.Broker.Disque
	if len(d.Nodes) == 0 {
		d.Nodes = []string{"127.0.0.1:7711"}
	}
	if d.PoolSize == 0 {
		d.PoolSize = w.Concurrency + 5
	}
	if d.PoolTimeout == 0 {
		d.PoolTimeout = time.Second
	}

	r := &c.Broker.RabbitMQ
	if r.Port == 0 {
		r.Port = 5672
	}
	if r.VHost == "" {
		r.VHost = "/"
	}
	if r.Exchange.Type == "" {
		r.Exchange.Type = "direct"
	}
	if r.Connection.RetryAttempts == 0 {
		r.Connection.RetryAttempts = 5
	}
	if r.Connection.RetryInterval == 0 {
		r.Connection.RetryInterval = 2 * time.Second
	}

	p := &c.Broker.Postgres
	if p.Port == 0 {
		p.Port = 5432
	}
	if p.SSLMode == "" {
		p.SSLMode = "disable"
	}
	if p.MaxOpenConns == 0 {
		p.MaxOpenConns = w.Concurrency + 5
	}
	if p.MaxIdleConns == 0 {
		p.MaxIdleConns = p.MaxOpenConns
	}

	if c.Producer.Queue == "" {
		c.Producer.Queue = "default"
	}
	if c.Producer.Timeout == 0 {
		c.Producer.Timeout = 10 * time.Second
	}

	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
}

// ValidateAPIConfig checks the configuration used by the API service
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if err := c.validateBroker(); err != nil {
		return err
	}

	if c.Producer.Queue == "" {
		return fmt.Errorf("producer queue is required")
	}

	if c.Producer.Timeout <= 0 {
		return fmt.Errorf("producer timeout must be greater than 0")
	}

	for name, opts := range c.Producer.Handlers {
		if name == "" {
			return fmt.Errorf("producer handler names must not be empty")
		}
		if opts.Timeout < 0 || opts.Delay < 0 || opts.Retry < 0 || opts.TTL < 0 {
			return fmt.Errorf("producer handler %s: durations must not be negative", name)
		}
		if opts.MaxLen != nil && *opts.MaxLen < 0 {
			return fmt.Errorf("producer handler %s: maxlen must not be negative", name)
		}
	}

	return nil
}

// ValidateWorkerConfig checks the configuration used by the worker service
func (c *Config) ValidateWorkerConfig() error {
	if c.Server.Port != 0 && (c.Server.Port < MinPort || c.Server.Port > MaxPort) {
		return fmt.Errorf("invalid admin port: %d (must be 0 or between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if err := c.validateBroker(); err != nil {
		return err
	}

	if len(c.Worker.Queues) == 0 {
		return fmt.Errorf("worker queues must not be empty")
	}

	for _, queue := range c.Worker.Queues {
		if queue == "" {
			return fmt.Errorf("worker queue names must not be empty")
		}
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.WaitTime <= 0 {
		return fmt.Errorf("worker wait_time must be greater than 0")
	}

	if c.Worker.WaitCount <= 0 {
		return fmt.Errorf("worker wait_count must be greater than 0")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	return nil
}

func (c *Config) validateBroker() error {
	switch c.Broker.Driver {
	case DriverDisque:
		if len(c.Broker.Disque.Nodes) == 0 {
			return fmt.Errorf("disque nodes are required")
		}
		if c.Broker.Disque.PoolSize <= 0 {
			return fmt.Errorf("disque pool_size must be greater than 0")
		}

	case DriverRabbitMQ:
		if c.Broker.RabbitMQ.Host == "" {
			return fmt.Errorf("rabbitmq host is required")
		}
		if c.Broker.RabbitMQ.Port < MinPort || c.Broker.RabbitMQ.Port > MaxPort {
			return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.Broker.RabbitMQ.Port, MinPort, MaxPort)
		}

	case DriverPostgres:
		if c.Broker.Postgres.DSN != "" {
			return nil
		}
		if c.Broker.Postgres.Host == "" {
			return fmt.Errorf("database host is required")
		}
		if c.Broker.Postgres.Port < MinPort || c.Broker.Postgres.Port > MaxPort {
			return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Broker.Postgres.Port, MinPort, MaxPort)
		}
		if c.Broker.Postgres.Database == "" {
			return fmt.Errorf("database name is required")
		}

	default:
		return fmt.Errorf("unknown broker driver: %q", c.Broker.Driver)
	}

	return nil
}
