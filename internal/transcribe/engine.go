package transcribe

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// stderrTailLines is how many trailing stderr lines are kept for error
// reporting.
const stderrTailLines = 5

// progressPattern matches the "progress = NN%" lines the transcriber binary
// prints on stdout while it works.
var progressPattern = regexp.MustCompile(`progress\s*=\s*(\d+)`)

// command is the slice of exec.Cmd the engine needs, so tests can substitute
// a scripted process.
type command interface {
	StdoutPipe() (io.ReadCloser, error)
	StderrPipe() (io.ReadCloser, error)
	Start() error
	Wait() error
}

type commandFactory func(ctx context.Context, bin string, args ...string) command

func execCommand(ctx context.Context, bin string, args ...string) command {
	return exec.CommandContext(ctx, bin, args...)
}

// EngineConfig locates the transcriber binary and its working directories.
type EngineConfig struct {
	// Binary is the transcriber executable.
	Binary string

	// ModelDir holds the model files, one <model>.bin per catalog entry.
	ModelDir string

	// OutputDir receives transcript artifacts, one <job_id>.txt per job.
	OutputDir string

	// ExtraArgs are appended to every invocation.
	ExtraArgs []string
}

// Engine runs one transcriber process per job and reads progress off its
// stdout.
type Engine struct {
	cfg    EngineConfig
	newCmd commandFactory
	logger *slog.Logger
}

var _ Transcriber = (*Engine)(nil)

// NewEngine returns an engine invoking the configured binary.
func NewEngine(cfg EngineConfig, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:    cfg,
		newCmd: execCommand,
		logger: logger,
	}
}

// Transcribe runs the binary against the request payload. Cancelling ctx
// kills the process and returns the context's error.
func (e *Engine) Transcribe(ctx context.Context, req Request) (*Result, error) {
	modelPath := filepath.Join(e.cfg.ModelDir, req.Model+".bin")
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("model %s is not available: %w", req.Model, err)
	}
	if _, err := os.Stat(req.PayloadRef); err != nil {
		return nil, fmt.Errorf("payload %s is not readable: %w", req.PayloadRef, err)
	}
	if err := os.MkdirAll(e.cfg.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to prepare output directory: %w", err)
	}

	outputBase := filepath.Join(e.cfg.OutputDir, req.JobID)
	args := []string{
		"--model", modelPath,
		"--file", req.PayloadRef,
		"--output-txt",
		"--output-file", outputBase,
		"--print-progress",
	}
	args = append(args, e.cfg.ExtraArgs...)

	cmd := e.newCmd(ctx, e.cfg.Binary, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open transcriber stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open transcriber stderr: %w", err)
	}

	e.logger.Debug("Starting transcriber process",
		slog.String("job_id", req.JobID),
		slog.String("model", req.Model),
	)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start transcriber: %w", err)
	}

	var tail []string
	lastPercent := -1
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		lastPercent = scanProgress(stdout, req.OnProgress)
	}()
	go func() {
		defer wg.Done()
		tail = captureTail(stderr, stderrTailLines)
	}()
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if len(tail) > 0 {
			return nil, fmt.Errorf("transcriber failed: %v: %s", err, strings.Join(tail, " | "))
		}
		return nil, fmt.Errorf("transcriber failed: %w", err)
	}

	resultPath := outputBase + ".txt"
	if _, err := os.Stat(resultPath); err != nil {
		return nil, fmt.Errorf("transcriber produced no output: %w", err)
	}

	if req.OnProgress != nil && lastPercent < 100 {
		req.OnProgress(100)
	}
	return &Result{ResultRef: resultPath}, nil
}

// scanProgress forwards increasing percent values found in the process
// output and returns the last one reported.
func scanProgress(r io.Reader, onProgress func(int)) int {
	scanner := bufio.NewScanner(r)
	last := -1
	for scanner.Scan() {
		m := progressPattern.FindStringSubmatch(scanner.Text())
		if m == nil {
			continue
		}
		percent, err := strconv.Atoi(m[1])
		if err != nil || percent < 0 {
			continue
		}
		if percent > 100 {
			percent = 100
		}
		if percent <= last {
			continue
		}
		last = percent
		if onProgress != nil {
			onProgress(percent)
		}
	}
	return last
}

// captureTail drains r and keeps the last max lines.
func captureTail(r io.Reader, max int) []string {
	scanner := bufio.NewScanner(r)
	var tail []string
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		tail = append(tail, line)
		if len(tail) > max {
			tail = tail[1:]
		}
	}
	return tail
}
