package transcribe

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCommand scripts one transcriber process.
type fakeCommand struct {
	ctx     context.Context
	stdout  string
	stderr  string
	waitErr error
	onWait  func()
	started bool
}

func (c *fakeCommand) StdoutPipe() (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(c.stdout)), nil
}

func (c *fakeCommand) StderrPipe() (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(c.stderr)), nil
}

func (c *fakeCommand) Start() error {
	c.started = true
	return nil
}

func (c *fakeCommand) Wait() error {
	if c.ctx != nil {
		select {
		case <-c.ctx.Done():
			return c.ctx.Err()
		default:
		}
	}
	if c.onWait != nil {
		c.onWait()
	}
	return c.waitErr
}

func newTestEngine(t *testing.T, cmd *fakeCommand) (*Engine, string) {
	t.Helper()

	dir := t.TempDir()
	modelDir := filepath.Join(dir, "models")
	outputDir := filepath.Join(dir, "results")
	require.NoError(t, os.MkdirAll(modelDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(modelDir, "whisper-base.bin"), []byte("model"), 0o644))

	payload := filepath.Join(dir, "audio.wav")
	require.NoError(t, os.WriteFile(payload, []byte("audio"), 0o644))

	e := NewEngine(EngineConfig{
		Binary:    "/usr/local/bin/transcriber",
		ModelDir:  modelDir,
		OutputDir: outputDir,
	}, slog.New(slog.DiscardHandler))
	e.newCmd = func(ctx context.Context, bin string, args ...string) command {
		if cmd.ctx == nil {
			cmd.ctx = ctx
		}
		return cmd
	}
	return e, payload
}

func TestEngineTranscribes(t *testing.T) {
	cmd := &fakeCommand{
		stdout: strings.Join([]string{
			"whisper_init_from_file: loading model",
			"progress =  10%",
			"progress =  45%",
			"progress =  45%",
			"progress = 100%",
		}, "\n"),
	}

	e, payload := newTestEngine(t, cmd)
	resultPath := filepath.Join(e.cfg.OutputDir, "job-1.txt")
	cmd.onWait = func() {
		require.NoError(t, os.MkdirAll(e.cfg.OutputDir, 0o755))
		require.NoError(t, os.WriteFile(resultPath, []byte("transcript"), 0o644))
	}

	var seen []int
	res, err := e.Transcribe(context.Background(), Request{
		JobID:      "job-1",
		Model:      "whisper-base",
		PayloadRef: payload,
		OnProgress: func(p int) { seen = append(seen, p) },
	})
	require.NoError(t, err)
	assert.Equal(t, resultPath, res.ResultRef)
	assert.True(t, cmd.started)

	// Repeated values are collapsed and the success always lands on 100.
	assert.Equal(t, []int{10, 45, 100}, seen)
}

func TestEngineRejectsUnknownModel(t *testing.T) {
	cmd := &fakeCommand{}
	e, payload := newTestEngine(t, cmd)

	_, err := e.Transcribe(context.Background(), Request{
		JobID:      "job-1",
		Model:      "no-such-model",
		PayloadRef: payload,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no-such-model")
	assert.False(t, cmd.started)
}

func TestEngineRejectsMissingPayload(t *testing.T) {
	cmd := &fakeCommand{}
	e, _ := newTestEngine(t, cmd)

	_, err := e.Transcribe(context.Background(), Request{
		JobID:      "job-1",
		Model:      "whisper-base",
		PayloadRef: "/does/not/exist.wav",
	})
	require.Error(t, err)
	assert.False(t, cmd.started)
}

func TestEngineReportsProcessFailure(t *testing.T) {
	cmd := &fakeCommand{
		stderr: strings.Join([]string{
			"whisper_init_from_file: loading model",
			"error: failed to decode audio",
		}, "\n"),
		waitErr: assert.AnError,
	}

	e, payload := newTestEngine(t, cmd)
	_, err := e.Transcribe(context.Background(), Request{
		JobID:      "job-1",
		Model:      "whisper-base",
		PayloadRef: payload,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to decode audio")
}

func TestEngineReturnsContextError(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	cmd := &fakeCommand{ctx: ctx, waitErr: assert.AnError}
	e, payload := newTestEngine(t, cmd)

	time.Sleep(20 * time.Millisecond)

	_, err := e.Transcribe(ctx, Request{
		JobID:      "job-1",
		Model:      "whisper-base",
		PayloadRef: payload,
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEngineDemandsOutputFile(t *testing.T) {
	cmd := &fakeCommand{stdout: "progress = 100%"}
	e, payload := newTestEngine(t, cmd)

	_, err := e.Transcribe(context.Background(), Request{
		JobID:      "job-1",
		Model:      "whisper-base",
		PayloadRef: payload,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no output")
}
