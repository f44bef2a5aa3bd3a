package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"transcribeq/internal/config"
	"transcribeq/internal/dispatch"
	"transcribeq/internal/progress"
	"transcribeq/internal/queue"
	"transcribeq/internal/queue/redisqueue"
	"transcribeq/internal/queue/sqlqueue"
	"transcribeq/internal/store/sqlstore"
	"transcribeq/internal/tracker"
	"transcribeq/internal/transcribe"
	"transcribeq/internal/worker"
	"transcribeq/shared/database"
	"transcribeq/shared/logger"
	"transcribeq/shared/rabbitmq"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorker(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	// Initialize database client and job store
	dbClient, err := initDatabase(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	jobStore, err := sqlstore.New(dbClient.DB())
	if err != nil {
		return fmt.Errorf("failed to initialize job store: %w", err)
	}

	// Initialize work queue
	workQueue, closeQueue, err := initQueue(cfg, dbClient, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize queue: %w", err)
	}
	defer closeQueue()

	jobTracker := tracker.New(jobStore, appLogger.Logger)

	// Relay progress events over the broker when one is configured. Without
	// one, events stay in this process and only the logs see them.
	var relay *progress.Relay
	if cfg.RelayEnabled() {
		rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		defer rabbitClient.Close()
		relay = progress.NewRelay(rabbitClient, appLogger.Logger)
	}
	broadcast := progress.NewBroadcaster(nil, relay)

	// Initialize transcription engine
	engine := transcribe.NewEngine(transcribe.EngineConfig{
		Binary:    cfg.Transcriber.Binary,
		ModelDir:  cfg.Transcriber.ModelDir,
		OutputDir: cfg.Transcriber.OutputDir,
		ExtraArgs: cfg.Transcriber.ExtraArgs,
	}, appLogger.Logger)

	// Root context for the background loops
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Janitor: recycle expired claims and fail jobs that exhausted their
	// delivery budget.
	janitor := queue.NewJanitor(workQueue, jobTracker, broadcast, cfg.Queue.JanitorInterval, appLogger.Logger)
	go janitor.Run(ctx)

	// Resubmitter: re-enqueue pending jobs whose enqueue was lost.
	dispatcher := dispatch.New(jobStore, workQueue, jobTracker, dispatch.Config{
		MaxQueueDepth:    cfg.Dispatcher.MaxQueueDepth,
		Models:           cfg.Dispatcher.Models,
		ResubmitInterval: cfg.Dispatcher.ResubmitInterval,
		ResubmitMinAge:   cfg.Dispatcher.ResubmitMinAge,
		ResubmitBatch:    cfg.Dispatcher.ResubmitBatch,
	}, appLogger.Logger)
	go dispatcher.RunResubmitter(ctx)

	// Initialize and start the worker pool
	pool := worker.New(worker.Config{
		WorkerID:         cfg.Worker.WorkerID,
		Concurrency:      cfg.Worker.Concurrency,
		PollInterval:     cfg.Worker.PollInterval,
		ProgressInterval: cfg.Worker.ProgressInterval,
		JobTimeout:       cfg.Worker.JobTimeout,
	}, workQueue, jobTracker, engine, broadcast, appLogger.Logger)

	pool.Start(ctx)

	appLogger.Info("Worker service is running",
		slog.Int("concurrency", cfg.Worker.Concurrency),
	)

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down worker service...")

	// Give in-flight jobs a window to settle, then cut the context so the
	// pool abandons what is left for redelivery.
	shutdownTimeout := cfg.Worker.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}

	stopped := make(chan struct{})
	go func() {
		pool.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		appLogger.Info("Worker pool drained")
	case <-time.After(shutdownTimeout):
		appLogger.Warn("Shutdown timeout elapsed, abandoning in-flight jobs",
			slog.Duration("timeout", shutdownTimeout),
		)
		cancel()
		<-stopped
	}

	appLogger.Info("Worker service shutdown complete")
	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initDatabase initializes the database client
func initDatabase(cfg *config.DatabaseConfig, logger *slog.Logger) (*database.Client, error) {
	dbConfig := &database.Config{
		Driver:          cfg.Driver,
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		Path:            cfg.Path,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	return database.NewClient(dbConfig, logger)
}

// initQueue builds the configured queue backend.
func initQueue(cfg *config.Config, dbClient *database.Client, logger *slog.Logger) (queue.Queue, func(), error) {
	switch cfg.Queue.Backend {
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		q := redisqueue.New(rdb, redisqueue.Options{
			KeyPrefix:         cfg.Queue.KeyPrefix,
			VisibilityTimeout: cfg.Queue.VisibilityTimeout,
			MaxDeliveries:     cfg.Queue.MaxDeliveries,
		})
		logger.Info("Using redis queue backend",
			slog.String("addr", cfg.Redis.Addr),
		)
		return q, func() { _ = rdb.Close() }, nil
	default:
		q, err := sqlqueue.New(dbClient.DB(), sqlqueue.Options{
			VisibilityTimeout: cfg.Queue.VisibilityTimeout,
			MaxDeliveries:     cfg.Queue.MaxDeliveries,
		})
		if err != nil {
			return nil, nil, err
		}
		logger.Info("Using sql queue backend")
		return q, func() {}, nil
	}
}

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeDurable:    cfg.Exchange.Durable,
		QueuePrefix:        cfg.QueuePrefix,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}
