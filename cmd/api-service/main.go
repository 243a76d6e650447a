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
	"github.com/cuongbtq/queue-worker/internal/producer"
	"github.com/cuongbtq/queue-worker/shared/logger"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
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
	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("broker", cfg.Broker.Driver),
	)

	// Connect to the broker; the API only publishes, so only the producer
	// queue is declared
	be, err := backend.Open(context.Background(), cfg, []string{cfg.Producer.Queue}, 0, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}

	appLogger.Info("Broker connection established",
		slog.String("driver", be.Driver),
		slog.String("addr", be.Addr),
	)

	enqueuer := producer.NewEnqueuer(be.Broker, appLogger.Logger, producerOptions(cfg.Producer.JobOptionsConfig))
	for handlerName, opts := range cfg.Producer.Handlers {
		enqueuer.SetDefaults(handlerName, producerOptions(opts))
		appLogger.Info("Configured handler defaults",
			slog.String("handler", handlerName),
			slog.String("queue", opts.Queue),
		)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// Initialize router
	r := initRouter(cfg, appLogger.Logger, be, enqueuer, reg)

	// Create HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case err := <-serverErr:
		appLogger.Error("Server failed to start", slog.Any("error", err))
		_ = be.Close()
		return err
	}

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)

	// Cleanup function to close all resources
	cleanup := func() {
		cancel()
		if err := be.Close(); err != nil {
			appLogger.Error("Failed to close broker", slog.Any("error", err))
		}
	}
	defer cleanup()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	appLogger.Info("Server shutdown complete")
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

// producerOptions converts configured enqueue options
func producerOptions(cfg config.JobOptionsConfig) producer.Options {
	return producer.Options{
		Queue:     cfg.Queue,
		Timeout:   cfg.Timeout,
		Replicate: cfg.Replicate,
		Delay:     cfg.Delay,
		Retry:     cfg.Retry,
		TTL:       cfg.TTL,
		MaxLen:    cfg.MaxLen,
		Async:     cfg.Async,
	}
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(cfg *config.Config, logger *slog.Logger, be *backend.Backend, enqueuer *producer.Enqueuer, reg *prometheus.Registry) *gin.Engine {
	// Set Gin mode based on environment
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	return router.SetupRouter(&handler.Dependencies{
		Logger:      logger,
		ServiceName: cfg.App.Name,
		Enqueuer:    enqueuer,
		Inspector:   be.Inspector,
		Pinger:      be.Pinger,
	}, reg)
}
