package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/queue-worker/internal/api/handler"
	"github.com/cuongbtq/queue-worker/internal/api/router"
	"github.com/cuongbtq/queue-worker/internal/backend"
	"github.com/cuongbtq/queue-worker/internal/config"
	"github.com/cuongbtq/queue-worker/internal/jobs"
	"github.com/cuongbtq/queue-worker/internal/worker"
	"github.com/cuongbtq/queue-worker/shared/logger"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		logger.NewDefault().Error("Service failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	// Console logger until the configured one is ready
	bootLogger := logger.NewDefault()

	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		bootLogger.Info("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	logFile := flag.String("logfile", "", "Write logs to this file instead of the configured output")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if *logFile != "" {
		cfg.Logging.Output = *logFile
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("broker", cfg.Broker.Driver),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect to the broker
	be, err := backend.Open(ctx, cfg, cfg.Worker.Queues, cfg.Worker.WaitTime, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	defer func() {
		if err := be.Close(); err != nil {
			appLogger.Error("Failed to close broker", slog.Any("error", err))
		}
	}()

	appLogger.Info("Broker connection established",
		slog.String("driver", be.Driver),
		slog.String("addr", be.Addr),
	)

	registry := worker.NewRegistry()
	jobs.Register(registry, appLogger.Logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	pool, err := worker.NewPool(&worker.Config{
		Logger:           appLogger.Logger,
		Broker:           be.Broker,
		Invoker:          worker.NewInvoker(registry, be.Broker),
		Queues:           cfg.Worker.Queues,
		Concurrency:      cfg.Worker.Concurrency,
		WaitTime:         cfg.Worker.WaitTime,
		WaitCount:        cfg.Worker.WaitCount,
		OutageBackoff:    cfg.Worker.OutageBackoff,
		AckRetryInterval: cfg.Worker.AckRetryInterval,
		Metrics:          worker.NewMetrics(reg),
	})
	if err != nil {
		return fmt.Errorf("failed to create worker pool: %w", err)
	}

	appLogger.Info("Registered handlers", slog.Any("handlers", registry.Names()))

	srv := initAdminServer(cfg, appLogger.Logger, be, pool, reg)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := pool.Run(gctx); err != nil && !errors.Is(err, worker.ErrStopped) {
			return err
		}
		return nil
	})

	if srv != nil {
		g.Go(func() error {
			appLogger.Info("Starting admin server", slog.String("address", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin server failed: %w", err)
			}
			return nil
		})
	}

	// Wait for a signal or a failed component
	<-gctx.Done()
	appLogger.Info("Shutting down worker service")

	pool.Shutdown()
	if !pool.Wait(cfg.Worker.ShutdownTimeout) {
		appLogger.Warn("Worker shutdown timeout exceeded, unacknowledged jobs will be redelivered",
			slog.Int("in_flight", pool.Stats().InFlight),
		)
	}

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			appLogger.Error("Admin server forced to shutdown", slog.Any("error", err))
		}
	}

	if err := g.Wait(); err != nil {
		return err
	}

	appLogger.Info("Worker service shutdown complete")
	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	timeFormat := cfg.TimeFormat
	if timeFormat == "" {
		timeFormat = time.RFC3339
	}

	return logger.New(&logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableSource,
		TimeFormat:   timeFormat,
	})
}

// initAdminServer builds the health/stats/metrics server; nil when disabled
func initAdminServer(cfg *config.Config, logger *slog.Logger, be *backend.Backend, pool *worker.Pool, reg *prometheus.Registry) *http.Server {
	if cfg.Server.Port == 0 {
		return nil
	}

	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := router.SetupAdminRouter(&handler.Dependencies{
		Logger:      logger,
		ServiceName: cfg.App.Name,
		Pinger:      be.Pinger,
		Pool:        pool,
	}, reg)

	return &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
}
