package database

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClientSQLite(t *testing.T) {
	client, err := NewClient(&Config{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "test.db"),
	}, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	require.NotNil(t, client.DB())
	assert.NoError(t, client.Ping(context.Background()))
	assert.NoError(t, client.HealthCheck(context.Background()))
	assert.NotEmpty(t, client.Stats())
}

func TestNewClientSQLiteRequiresPath(t *testing.T) {
	_, err := NewClient(&Config{Driver: "sqlite"}, slog.New(slog.DiscardHandler))
	require.Error(t, err)
}

func TestNewClientRejectsUnknownDriver(t *testing.T) {
	_, err := NewClient(&Config{Driver: "oracle"}, slog.New(slog.DiscardHandler))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database driver")
}

func TestBuildDSN(t *testing.T) {
	tests := []struct {
		name       string
		config     *Config
		wantDriver string
		wantDSN    string
	}{
		{
			name: "postgres",
			config: &Config{
				Driver:   "postgres",
				Host:     "localhost",
				Port:     5432,
				User:     "app",
				Password: "secret",
				Database: "jobs",
				SSLMode:  "disable",
			},
			wantDriver: "postgres",
			wantDSN:    "host=localhost port=5432 user=app password=secret dbname=jobs sslmode=disable",
		},
		{
			name: "empty driver defaults to postgres",
			config: &Config{
				Host:     "db",
				Port:     5432,
				User:     "app",
				Password: "secret",
				Database: "jobs",
				SSLMode:  "require",
			},
			wantDriver: "postgres",
			wantDSN:    "host=db port=5432 user=app password=secret dbname=jobs sslmode=require",
		},
		{
			name:       "sqlite",
			config:     &Config{Driver: "sqlite", Path: "/tmp/jobs.db"},
			wantDriver: "sqlite",
			wantDSN:    "file:/tmp/jobs.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			driver, dsn, err := buildDSN(tt.config)
			require.NoError(t, err)
			assert.Equal(t, tt.wantDriver, driver)
			assert.Equal(t, tt.wantDSN, dsn)
		})
	}
}
