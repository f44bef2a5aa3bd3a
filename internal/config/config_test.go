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
			} else {
				require.NoError(t, err)
				require.NotNil(t, cfg)

				// Verify some key fields are populated
				assert.Equal(t, "transcribeq-api", cfg.App.Name)
				assert.Equal(t, 8080, cfg.Server.Port)
				assert.Equal(t, "postgres", cfg.Database.Driver)
				assert.Equal(t, "localhost", cfg.Database.Host)
				assert.Equal(t, 5*time.Minute, cfg.Queue.VisibilityTimeout)
				assert.Equal(t, 3, cfg.Queue.MaxDeliveries)
				assert.Equal(t, "transcribeq.progress", cfg.RabbitMQ.Exchange.Name)
				assert.Equal(t, []string{"whisper-base", "whisper-small", "whisper-large"}, cfg.Dispatcher.Models)
				assert.Equal(t, 2*time.Second, cfg.Worker.ProgressInterval)
				assert.Equal(t, "/usr/local/bin/whisper-cli", cfg.Transcriber.Binary)
			}
		})
	}
}

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080},
		Database: DatabaseConfig{
			Driver:   "postgres",
			Host:     "localhost",
			Port:     5432,
			Database: "transcribeq",
		},
		Queue: QueueConfig{
			Backend:           "sql",
			VisibilityTimeout: 5 * time.Minute,
			MaxDeliveries:     3,
		},
		RabbitMQ: RabbitMQConfig{
			Host:     "localhost",
			Port:     5672,
			Exchange: ExchangeConfig{Name: "transcribeq.progress"},
		},
		Worker: WorkerConfig{
			Concurrency:      2,
			PollInterval:     time.Second,
			ProgressInterval: 2 * time.Second,
			JobTimeout:       30 * time.Minute,
		},
		Transcriber: TranscriberConfig{
			Binary:    "/usr/local/bin/whisper-cli",
			ModelDir:  "/models",
			OutputDir: "/artifacts",
		},
	}
}

func TestValidateAPI(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		errString string
	}{
		{
			name:   "valid config",
			mutate: func(c *Config) {},
		},
		{
			name:      "invalid server port",
			mutate:    func(c *Config) { c.Server.Port = 0 },
			errString: "invalid server port",
		},
		{
			name:      "missing database host",
			mutate:    func(c *Config) { c.Database.Host = "" },
			errString: "database host is required",
		},
		{
			name:      "missing database name",
			mutate:    func(c *Config) { c.Database.Database = "" },
			errString: "database name is required",
		},
		{
			name:      "unknown database driver",
			mutate:    func(c *Config) { c.Database.Driver = "oracle" },
			errString: "unsupported database driver",
		},
		{
			name: "sqlite driver requires path",
			mutate: func(c *Config) {
				c.Database.Driver = "sqlite"
				c.Database.Path = ""
			},
			errString: "database path is required",
		},
		{
			name: "sqlite driver with path",
			mutate: func(c *Config) {
				c.Database.Driver = "sqlite"
				c.Database.Path = "/var/lib/transcribeq/jobs.db"
			},
		},
		{
			name:      "unknown queue backend",
			mutate:    func(c *Config) { c.Queue.Backend = "kafka" },
			errString: "unsupported queue backend",
		},
		{
			name:      "redis backend requires addr",
			mutate:    func(c *Config) { c.Queue.Backend = "redis" },
			errString: "redis addr is required",
		},
		{
			name: "redis backend with addr",
			mutate: func(c *Config) {
				c.Queue.Backend = "redis"
				c.Redis.Addr = "localhost:6379"
			},
		},
		{
			name:      "rabbitmq without exchange name",
			mutate:    func(c *Config) { c.RabbitMQ.Exchange.Name = "" },
			errString: "rabbitmq exchange name is required",
		},
		{
			name:   "rabbitmq disabled entirely",
			mutate: func(c *Config) { c.RabbitMQ = RabbitMQConfig{} },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.ValidateAPI()
			if tt.errString == "" {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			}
		})
	}
}

func TestValidateWorker(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		errString string
	}{
		{
			name:   "valid config",
			mutate: func(c *Config) {},
		},
		{
			name:      "zero concurrency",
			mutate:    func(c *Config) { c.Worker.Concurrency = 0 },
			errString: "worker concurrency",
		},
		{
			name:      "zero poll interval",
			mutate:    func(c *Config) { c.Worker.PollInterval = 0 },
			errString: "worker poll_interval",
		},
		{
			name:      "zero progress interval",
			mutate:    func(c *Config) { c.Worker.ProgressInterval = 0 },
			errString: "worker progress_interval",
		},
		{
			name:      "negative job timeout",
			mutate:    func(c *Config) { c.Worker.JobTimeout = -time.Second },
			errString: "worker job_timeout",
		},
		{
			name:      "missing transcriber binary",
			mutate:    func(c *Config) { c.Transcriber.Binary = "" },
			errString: "transcriber binary is required",
		},
		{
			name:      "missing model dir",
			mutate:    func(c *Config) { c.Transcriber.ModelDir = "" },
			errString: "transcriber model_dir is required",
		},
		{
			name:      "missing output dir",
			mutate:    func(c *Config) { c.Transcriber.OutputDir = "" },
			errString: "transcriber output_dir is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.ValidateWorker()
			if tt.errString == "" {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			}
		})
	}
}

func TestRelayEnabled(t *testing.T) {
	cfg := validConfig()
	assert.True(t, cfg.RelayEnabled())

	cfg.RabbitMQ.Host = ""
	assert.False(t, cfg.RelayEnabled())
}
