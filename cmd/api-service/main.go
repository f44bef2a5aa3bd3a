package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"transcribeq/internal/api/handler"
	"transcribeq/internal/api/router"
	"transcribeq/internal/config"
	"transcribeq/internal/dispatch"
	"transcribeq/internal/progress"
	"transcribeq/internal/queue"
	"transcribeq/internal/queue/redisqueue"
	"transcribeq/internal/queue/sqlqueue"
	"transcribeq/internal/store/sqlstore"
	"transcribeq/internal/tracker"
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

	if err := cfg.ValidateAPI(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting API service",
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
	dispatcher := dispatch.New(jobStore, workQueue, jobTracker, dispatch.Config{
		MaxQueueDepth:    cfg.Dispatcher.MaxQueueDepth,
		Models:           cfg.Dispatcher.Models,
		ResubmitInterval: cfg.Dispatcher.ResubmitInterval,
		ResubmitMinAge:   cfg.Dispatcher.ResubmitMinAge,
		ResubmitBatch:    cfg.Dispatcher.ResubmitBatch,
	}, appLogger.Logger)

	hub := progress.NewHub(0, appLogger.Logger)

	// Background context for the progress consumer
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Drain relayed progress events into the local hub when a broker is
	// configured; without one, only this instance's events reach its
	// subscribers.
	var rabbitClient *rabbitmq.Client
	if cfg.RelayEnabled() {
		rabbitClient, err = initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		defer rabbitClient.Close()

		consumerTag := fmt.Sprintf("api-%s", uuid.New().String()[:8])
		consumer := progress.NewConsumer(rabbitClient, hub, consumerTag, appLogger.Logger)
		go func() {
			if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
				appLogger.Error("Progress consumer stopped",
					slog.Any("error", err),
				)
			}
		}()
	}

	// Initialize router
	r := initRouter(cfg.App.Environment, &handler.Dependencies{
		Logger:      appLogger.Logger,
		Store:       jobStore,
		Tracker:     jobTracker,
		Dispatcher:  dispatcher,
		Hub:         hub,
		HealthCheck: dbClient.HealthCheck,
	})

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
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error("Server failed to start",
				slog.Any("error", err),
			)
			os.Exit(1)
		}
	}()

	appLogger.Info("API service is running",
		slog.String("address", addr),
	)

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
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

// initRouter initializes the Gin router with all routes and middleware
func initRouter(environment string, deps *handler.Dependencies) *gin.Engine {
	// Set Gin mode based on environment
	if environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	return router.SetupRouter(deps)
}
