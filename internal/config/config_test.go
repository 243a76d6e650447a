package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name      string
		filePath  string
		wantErr   bool
		errString string
	}{
		{
			name:     "valid config file",
			filePath: "testdata/valid_config.yaml",
			wantErr:  false,
		},
		{
			name:      "non-existent file",
			filePath:  "testdata/nonexistent.yaml",
			wantErr:   true,
			errString: "failed to read config file",
		},
		{
			name:      "malformed yaml",
			filePath:  "testdata/malformed.yaml",
			wantErr:   true,
			errString: "failed to parse config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(tt.filePath)

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
				assert.Nil(t, cfg)
				return
			}

			require.NoError(t, err)
			require.NotNil(t, cfg)

			assert.Equal(t, "queue-worker", cfg.App.Name)
			assert.Equal(t, 8080, cfg.Server.Port)
			assert.Equal(t, DriverDisque, cfg.Broker.Driver)
			assert.Equal(t, []string{"10.0.0.1:7711", "10.0.0.2:7711"}, cfg.Broker.Disque.Nodes)
			assert.Equal(t, 2*time.Second, cfg.Broker.Disque.PoolTimeout)
			assert.Equal(t, 25, cfg.Broker.Disque.PoolSize)
			assert.Equal(t, []string{"critical", "default"}, cfg.Worker.Queues)
			assert.Equal(t, 20, cfg.Worker.Concurrency)
			assert.Equal(t, 500*time.Millisecond, cfg.Worker.WaitTime)
			assert.Equal(t, 50, cfg.Worker.WaitCount)
			assert.Equal(t, time.Minute, cfg.Worker.ShutdownTimeout)
			assert.Equal(t, "mailers", cfg.Producer.Queue)
			assert.Equal(t, 5*time.Second, cfg.Producer.Timeout)
			assert.Equal(t, time.Minute, cfg.Producer.Retry)
			require.NotNil(t, cfg.Producer.Async)
			assert.True(t, *cfg.Producer.Async)
			assert.Nil(t, cfg.Producer.MaxLen)

			require.Len(t, cfg.Producer.Handlers, 2)
			mailer := cfg.Producer.Handlers["Mailer"]
			assert.Equal(t, "mailers-priority", mailer.Queue)
			assert.Equal(t, time.Hour, mailer.TTL)
			require.NotNil(t, mailer.Async)
			assert.False(t, *mailer.Async)
			report := cfg.Producer.Handlers["Report"]
			assert.Equal(t, 30*time.Second, report.Delay)
			require.NotNil(t, report.MaxLen)
			assert.Equal(t, 0, *report.MaxLen)
			assert.Nil(t, report.Async)

			require.NoError(t, cfg.ValidateWorkerConfig())
			require.NoError(t, cfg.ValidateAPIConfig())
		})
	}
}

func TestLoad_ExpandsEnvironment(t *testing.T) {
	t.Setenv("QW_TEST_PORT", "9090")
	t.Setenv("QW_TEST_DSN", "postgres://worker@db/jobs")

	cfg, err := Load("testdata/env_config.yaml")
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, DriverPostgres, cfg.Broker.Driver)
	assert.Equal(t, "postgres://worker@db/jobs", cfg.Broker.Postgres.DSN)
	require.NoError(t, cfg.ValidateAPIConfig())
}

func TestConfig_ApplyDefaults(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()

	assert.Equal(t, DriverDisque, cfg.Broker.Driver)
	assert.Equal(t, []string{"default"}, cfg.Worker.Queues)
	assert.Equal(t, 10, cfg.Worker.Concurrency)
	assert.Equal(t, time.Second, cfg.Worker.WaitTime)
	assert.Equal(t, 100, cfg.Worker.WaitCount)
	assert.Equal(t, 30*time.Second, cfg.Worker.ShutdownTimeout)
	assert.Equal(t, time.Second, cfg.Worker.AckRetryInterval)
	assert.Equal(t, time.Second, cfg.Worker.OutageBackoff)
	assert.Equal(t, []string{"127.0.0.1:7711"}, cfg.Broker.Disque.Nodes)
	assert.Equal(t, 15, cfg.Broker.Disque.PoolSize)
	assert.Equal(t, time.Second, cfg.Broker.Disque.PoolTimeout)
	assert.Equal(t, "default", cfg.Producer.Queue)
	assert.Equal(t, 10*time.Second, cfg.Producer.Timeout)

	// worker admin server is optional
	assert.NoError(t, cfg.ValidateWorkerConfig())
	assert.Error(t, cfg.ValidateAPIConfig())
}

func TestConfig_ValidateWorkerConfig(t *testing.T) {
	tests := []struct {
		name      string
		modify    func(*Config)
		errString string
	}{
		{
			name:   "valid",
			modify: func(c *Config) {},
		},
		{
			name:      "bad admin port",
			modify:    func(c *Config) { c.Server.Port = 70000 },
			errString: "invalid admin port",
		},
		{
			name:      "unknown driver",
			modify:    func(c *Config) { c.Broker.Driver = "sqs" },
			errString: "unknown broker driver",
		},
		{
			name:      "empty queue name",
			modify:    func(c *Config) { c.Worker.Queues = []string{"default", ""} },
			errString: "worker queue names must not be empty",
		},
		{
			name:      "negative concurrency",
			modify:    func(c *Config) { c.Worker.Concurrency = -1 },
			errString: "worker concurrency must be greater than 0",
		},
		{
			name:      "negative wait count",
			modify:    func(c *Config) { c.Worker.WaitCount = -1 },
			errString: "worker wait_count must be greater than 0",
		},
		{
			name:      "negative wait time",
			modify:    func(c *Config) { c.Worker.WaitTime = -time.Second },
			errString: "worker wait_time must be greater than 0",
		},
		{
			name:      "rabbitmq without host",
			modify:    func(c *Config) { c.Broker.Driver = DriverRabbitMQ },
			errString: "rabbitmq host is required",
		},
		{
			name: "rabbitmq",
			modify: func(c *Config) {
				c.Broker.Driver = DriverRabbitMQ
				c.Broker.RabbitMQ.Host = "localhost"
			},
		},
		{
			name:      "postgres without database",
			modify:    func(c *Config) { c.Broker.Driver = DriverPostgres; c.Broker.Postgres.Host = "localhost" },
			errString: "database name is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cfg Config
			cfg.ApplyDefaults()
			tt.modify(&cfg)

			err := cfg.ValidateWorkerConfig()
			if tt.errString == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errString)
		})
	}
}

func TestConfig_ValidateAPIConfig(t *testing.T) {
	tests := []struct {
		name      string
		modify    func(*Config)
		errString string
	}{
		{
			name:   "valid",
			modify: func(c *Config) {},
		},
		{
			name:      "missing port",
			modify:    func(c *Config) { c.Server.Port = 0 },
			errString: "invalid server port",
		},
		{
			name:      "negative producer timeout",
			modify:    func(c *Config) { c.Producer.Timeout = -time.Second },
			errString: "producer timeout must be greater than 0",
		},
		{
			name:      "no disque nodes",
			modify:    func(c *Config) { c.Broker.Disque.Nodes = nil },
			errString: "disque nodes are required",
		},
		{
			name: "handler defaults",
			modify: func(c *Config) {
				c.Producer.Handlers = map[string]JobOptionsConfig{"Mailer": {Queue: "mailers", TTL: time.Hour}}
			},
		},
		{
			name: "negative handler delay",
			modify: func(c *Config) {
				c.Producer.Handlers = map[string]JobOptionsConfig{"Mailer": {Delay: -time.Second}}
			},
			errString: "producer handler Mailer: durations must not be negative",
		},
		{
			name: "negative handler maxlen",
			modify: func(c *Config) {
				maxLen := -1
				c.Producer.Handlers = map[string]JobOptionsConfig{"Mailer": {MaxLen: &maxLen}}
			},
			errString: "producer handler Mailer: maxlen must not be negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{Server: ServerConfig{Port: 8080}}
			cfg.ApplyDefaults()
			tt.modify(&cfg)

			err := cfg.ValidateAPIConfig()
			if tt.errString == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errString)
		})
	}
}
