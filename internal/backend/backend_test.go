package backend

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/cuongbtq/queue-worker/internal/config"
	"github.com/cuongbtq/queue-worker/shared/broker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_UnknownDriver(t *testing.T) {
	cfg := &config.Config{}
	cfg.Broker.Driver = "kafka"

	_, err := Open(context.Background(), cfg, nil, time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown broker driver "kafka"`)
}

func TestOpen_DisqueUnreachable(t *testing.T) {
	cfg := &config.Config{}
	cfg.Broker.Driver = config.DriverDisque
	cfg.Broker.Disque.Nodes = []string{"127.0.0.1:1"}
	cfg.Broker.Disque.PoolSize = 1
	cfg.Broker.Disque.DialTimeout = 200 * time.Millisecond

	_, err := Open(context.Background(), cfg, nil, time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.Error(t, err)
	assert.True(t, broker.IsUnavailable(err))
}

func TestConnected(t *testing.T) {
	assert.NoError(t, connected(true))
	assert.True(t, broker.IsUnavailable(connected(false)))
}

func TestPingFunc(t *testing.T) {
	want := errors.New("down")
	var p Pinger = PingFunc(func(context.Context) error { return want })
	assert.ErrorIs(t, p.Ping(context.Background()), want)
}

func TestBackend_CloseWithoutConnection(t *testing.T) {
	assert.NoError(t, (&Backend{}).Close())
}

func TestPostgresAddr(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.DatabaseConfig
		want string
	}{
		{name: "fields", cfg: config.DatabaseConfig{Host: "db", Port: 5432}, want: "db:5432"},
		{name: "url dsn", cfg: config.DatabaseConfig{DSN: "postgres://worker:secret@db:6432/jobs"}, want: "db:6432"},
		{name: "keyword dsn", cfg: config.DatabaseConfig{DSN: "host=db port=5432"}, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, postgresAddr(&tt.cfg))
		})
	}
}
