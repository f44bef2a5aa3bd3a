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

// Config represents the complete application configuration. Both services
// read the same shape; each validates only the sections it uses.
type Config struct {
	App         AppConfig         `yaml:"app"`
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Queue       QueueConfig       `yaml:"queue"`
	RabbitMQ    RabbitMQConfig    `yaml:"rabbitmq"`
	Redis       RedisConfig       `yaml:"redis"`
	Worker      WorkerConfig      `yaml:"worker"`
	Dispatcher  DispatcherConfig  `yaml:"dispatcher"`
	Logging     LoggingConfig     `yaml:"logging"`
	Transcriber TranscriberConfig `yaml:"transcriber"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds database connection configuration. Driver is
// "postgres" or "sqlite".
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	Path            string        `yaml:"path"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// QueueConfig holds work queue configuration. Backend is "sql" or "redis".
// Every redelivery knob is explicit configuration.
type QueueConfig struct {
	Backend           string        `yaml:"backend"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
	MaxDeliveries     int           `yaml:"max_deliveries"`
	JanitorInterval   time.Duration `yaml:"janitor_interval"`
	KeyPrefix         string        `yaml:"key_prefix"`
}

// RabbitMQConfig holds the progress event transport configuration. An empty
// host disables the cross-process relay.
type RabbitMQConfig struct {
	Host        string           `yaml:"host"`
	Port        int              `yaml:"port"`
	User        string           `yaml:"user"`
	Password    string           `yaml:"password"`
	VHost       string           `yaml:"vhost"`
	Exchange    ExchangeConfig   `yaml:"exchange"`
	QueuePrefix string           `yaml:"queue_prefix"`
	Connection  ConnectionConfig `yaml:"connection"`
	Publish     PublishConfig    `yaml:"publish"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name    string `yaml:"name"`
	Durable bool   `yaml:"durable"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	Heartbeat     time.Duration `yaml:"heartbeat"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// RedisConfig holds Redis connection configuration for the redis queue
// backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	WorkerID         string        `yaml:"worker_id"`
	Concurrency      int           `yaml:"concurrency"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	ProgressInterval time.Duration `yaml:"progress_interval"`
	JobTimeout       time.Duration `yaml:"job_timeout"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
}

// DispatcherConfig holds admission control and pending recovery settings
type DispatcherConfig struct {
	MaxQueueDepth    int           `yaml:"max_queue_depth"`
	Models           []string      `yaml:"models"`
	ResubmitInterval time.Duration `yaml:"resubmit_interval"`
	ResubmitMinAge   time.Duration `yaml:"resubmit_min_age"`
	ResubmitBatch    int           `yaml:"resubmit_batch"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// TranscriberConfig locates the transcription binary and its directories
type TranscriberConfig struct {
	Binary    string   `yaml:"binary"`
	ModelDir  string   `yaml:"model_dir"`
	OutputDir string   `yaml:"output_dir"`
	ExtraArgs []string `yaml:"extra_args"`
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &config, nil
}

// ValidateAPI checks the sections the api-service depends on.
func (c *Config) ValidateAPI() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if err := c.validateDatabase(); err != nil {
		return err
	}
	if err := c.validateQueue(); err != nil {
		return err
	}

	if c.Dispatcher.MaxQueueDepth < 0 {
		return fmt.Errorf("dispatcher max_queue_depth must not be negative")
	}

	return c.validateRabbitMQ()
}

// ValidateWorker checks the sections the worker-service depends on.
func (c *Config) ValidateWorker() error {
	if err := c.validateDatabase(); err != nil {
		return err
	}
	if err := c.validateQueue(); err != nil {
		return err
	}
	if err := c.validateRabbitMQ(); err != nil {
		return err
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.PollInterval <= 0 {
		return fmt.Errorf("worker poll_interval must be greater than 0")
	}

	if c.Worker.ProgressInterval <= 0 {
		return fmt.Errorf("worker progress_interval must be greater than 0")
	}

	if c.Worker.JobTimeout < 0 {
		return fmt.Errorf("worker job_timeout must not be negative")
	}

	if c.Transcriber.Binary == "" {
		return fmt.Errorf("transcriber binary is required")
	}

	if c.Transcriber.ModelDir == "" {
		return fmt.Errorf("transcriber model_dir is required")
	}

	if c.Transcriber.OutputDir == "" {
		return fmt.Errorf("transcriber output_dir is required")
	}

	return nil
}

func (c *Config) validateDatabase() error {
	switch c.Database.Driver {
	case "postgres", "":
		if c.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}
		if c.Database.Port < MinPort || c.Database.Port > MaxPort {
			return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}

	return nil
}

func (c *Config) validateQueue() error {
	switch c.Queue.Backend {
	case "sql", "":
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis addr is required for the redis queue backend")
		}
	default:
		return fmt.Errorf("unsupported queue backend %q", c.Queue.Backend)
	}

	if c.Queue.VisibilityTimeout < 0 {
		return fmt.Errorf("queue visibility_timeout must not be negative")
	}

	if c.Queue.MaxDeliveries < 0 {
		return fmt.Errorf("queue max_deliveries must not be negative")
	}

	return nil
}

// validateRabbitMQ accepts an empty host, which disables the progress relay.
func (c *Config) validateRabbitMQ() error {
	if c.RabbitMQ.Host == "" {
		return nil
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	return nil
}

// RelayEnabled reports whether cross-process progress relaying is configured.
func (c *Config) RelayEnabled() bool {
	return c.RabbitMQ.Host != ""
}
