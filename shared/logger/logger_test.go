package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCaptured(t *testing.T, cfg Config) (*Logger, *bytes.Buffer) {
	t.Helper()

	output := &bytes.Buffer{}
	cfg.writer = output

	logger, err := New(&cfg)
	require.NoError(t, err)
	require.NotNil(t, logger)
	return logger, output
}

func decodeLine(t *testing.T, line string) map[string]interface{} {
	t.Helper()

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(line), &entry))
	return entry
}

func TestNewJSONFormat(t *testing.T) {
	logger, output := newCaptured(t, Config{
		Level:      "debug",
		Format:     "json",
		Output:     "stdout",
		TimeFormat: time.RFC3339,
	})

	logger.Debug("Claimed queue entry",
		slog.String("job_id", "7c9e6679-7425-40de-944b-e07fc1f90ae7"),
		slog.Int("attempt", 1),
	)

	entry := decodeLine(t, strings.TrimSpace(output.String()))
	assert.Equal(t, "DEBUG", entry["level"])
	assert.Equal(t, "Claimed queue entry", entry["msg"])
	assert.Equal(t, "7c9e6679-7425-40de-944b-e07fc1f90ae7", entry["job_id"])
	assert.Equal(t, float64(1), entry["attempt"])
	assert.Contains(t, entry, "time")
}

func TestNewLevelFiltering(t *testing.T) {
	tests := []struct {
		level     string
		wantLevel string
	}{
		{level: "debug", wantLevel: "DEBUG"},
		{level: "info", wantLevel: "INFO"},
		{level: "warn", wantLevel: "WARN"},
		{level: "error", wantLevel: "ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			logger, output := newCaptured(t, Config{
				Level:      tt.level,
				Format:     "json",
				Output:     "stdout",
				TimeFormat: time.RFC3339,
			})

			logger.Debug("claimed")
			logger.Info("running")
			logger.Warn("redelivered")
			logger.Error("settle failed")

			lines := strings.Split(strings.TrimSpace(output.String()), "\n")
			entry := decodeLine(t, lines[0])
			// The first surviving line is at the configured threshold.
			assert.Equal(t, tt.wantLevel, entry["level"])
		})
	}
}

func TestNewConsoleFormat(t *testing.T) {
	logger, output := newCaptured(t, Config{
		Level:      "info",
		Format:     "console",
		Output:     "stdout",
		TimeFormat: time.RFC3339,
	})

	logger.Info("Worker pool started", slog.Int("concurrency", 2))

	// tint renders the level as "INF", not "INFO"
	logOutput := output.String()
	assert.Contains(t, logOutput, "INF")
	assert.Contains(t, logOutput, "Worker pool started")
}

func TestNewWithSource(t *testing.T) {
	logger, output := newCaptured(t, Config{
		Level:        "info",
		Format:       "json",
		Output:       "stdout",
		EnableSource: true,
		TimeFormat:   time.RFC3339,
	})

	logger.Info("message with source")

	entry := decodeLine(t, strings.TrimSpace(output.String()))
	require.Contains(t, entry, "source")
	source := entry["source"].(map[string]interface{})
	assert.Contains(t, source, "function")
	assert.Contains(t, source, "file")
	assert.Contains(t, source, "line")
}

func TestNewDefault(t *testing.T) {
	logger := NewDefault()
	require.NotNil(t, logger)
	assert.NotNil(t, logger.Logger)
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name     string
		level    string
		expected slog.Level
	}{
		{name: "debug", level: "debug", expected: slog.LevelDebug},
		{name: "info", level: "info", expected: slog.LevelInfo},
		{name: "warn", level: "warn", expected: slog.LevelWarn},
		{name: "error", level: "error", expected: slog.LevelError},
		{name: "uppercase defaults to info", level: "DEBUG", expected: slog.LevelInfo},
		{name: "unknown defaults to info", level: "verbose", expected: slog.LevelInfo},
		{name: "empty defaults to info", level: "", expected: slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, parseLevel(tt.level))
		})
	}
}

func TestLoggerWithGroup(t *testing.T) {
	logger, output := newCaptured(t, Config{
		Level:      "info",
		Format:     "json",
		Output:     "stdout",
		TimeFormat: time.RFC3339,
	})

	logger.WithGroup("queue").Info("Entry acknowledged", slog.String("job_id", "j-1"))

	entry := decodeLine(t, strings.TrimSpace(output.String()))
	require.Contains(t, entry, "queue")
	group := entry["queue"].(map[string]interface{})
	assert.Equal(t, "j-1", group["job_id"])
}

func TestLoggerWithAttrs(t *testing.T) {
	logger, output := newCaptured(t, Config{
		Level:      "info",
		Format:     "json",
		Output:     "stdout",
		TimeFormat: time.RFC3339,
	})

	slotLogger := logger.WithAttrs(
		slog.String("worker_id", "worker-0"),
		slog.String("model", "whisper-base"),
	)
	slotLogger.Info("Job completed", slog.Int("percent", 100))

	entry := decodeLine(t, strings.TrimSpace(output.String()))
	assert.Equal(t, "worker-0", entry["worker_id"])
	assert.Equal(t, "whisper-base", entry["model"])
	assert.Equal(t, float64(100), entry["percent"])
	assert.Equal(t, "Job completed", entry["msg"])
}

func TestLoggerWith(t *testing.T) {
	logger, output := newCaptured(t, Config{
		Level:      "info",
		Format:     "json",
		Output:     "stdout",
		TimeFormat: time.RFC3339,
	})

	serviceLogger := logger.With(
		slog.String("service", "worker"),
		slog.Int("concurrency", 4),
	)
	serviceLogger.Info("shutdown complete")

	entry := decodeLine(t, strings.TrimSpace(output.String()))
	assert.Equal(t, "worker", entry["service"])
	assert.Equal(t, float64(4), entry["concurrency"])
	assert.Equal(t, "shutdown complete", entry["msg"])
}
