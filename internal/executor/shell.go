package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/kastel/remedia/internal/engine"
	"github.com/kastel/remedia/internal/params"
	"github.com/kastel/remedia/internal/store"
	"github.com/kastel/remedia/pkg/schema"
)

const (
	defaultTaskTimeout   = 5 * time.Minute
	defaultMaxOutputSize = 1 * 1024 * 1024 // 1MB
)

// TaskSource resolves a task reference to its catalog entry.
type TaskSource interface {
	GetTask(ctx context.Context, id int64) (*store.Task, error)
	GetTaskByName(ctx context.Context, name string) (*store.Task, error)
}

// Config configures the shell executor.
type Config struct {
	Timeout       time.Duration
	MaxOutputSize int64
	WorkDir       string // working directory for task processes; empty inherits
}

// ShellExecutor runs worker tasks as shell scripts: the task content is
// written to a temporary file and invoked with the resolved parameter
// values as positional arguments, in declared order.
//
// A task exiting non-zero is a verdict of "error", not an executor
// failure. Executor errors are reserved for the capability itself being
// unusable (unknown task, script could not be started).
type ShellExecutor struct {
	source TaskSource
	cfg    Config
	logger *slog.Logger
}

// NewShellExecutor creates a shell executor over the given task source.
func NewShellExecutor(source TaskSource, cfg Config, logger *slog.Logger) *ShellExecutor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTaskTimeout
	}
	if cfg.MaxOutputSize <= 0 {
		cfg.MaxOutputSize = defaultMaxOutputSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ShellExecutor{source: source, cfg: cfg, logger: logger}
}

var _ engine.Executor = (*ShellExecutor)(nil)

// Execute looks up the task, materializes its content as a script and runs it.
func (e *ShellExecutor) Execute(ctx context.Context, req engine.ExecRequest) (engine.ExecResult, error) {
	task, err := e.lookup(ctx, req)
	if err != nil {
		return engine.ExecResult{}, err
	}

	script, err := writeScript(task.Content)
	if err != nil {
		return engine.ExecResult{}, schema.NewErrorf(schema.ErrCodeExecution, "materialize task %q: %v", task.Name, err).WithCause(err)
	}
	defer os.Remove(script)

	args := argv(task.Params, req.Parameters)

	execCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, "/bin/sh", append([]string{script}, args...)...)
	if e.cfg.WorkDir != "" {
		cmd.Dir = e.cfg.WorkDir
	}

	var buf bytes.Buffer
	out := &limitedWriter{w: &buf, limit: e.cfg.MaxOutputSize}
	cmd.Stdout = out
	cmd.Stderr = out

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	e.logger.Debug("task executed",
		"task", task.Name,
		"args", len(args),
		"duration_ms", elapsed.Milliseconds(),
		"err", runErr,
	)

	if runErr != nil {
		if execCtx.Err() == context.DeadlineExceeded {
			return engine.ExecResult{
				Status: engine.VerdictError,
				Output: appendNote(buf.String(), fmt.Sprintf("killed after %s timeout", e.cfg.Timeout)),
			}, nil
		}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return engine.ExecResult{
				Status: engine.VerdictError,
				Output: appendNote(buf.String(), fmt.Sprintf("exit code %d", exitErr.ExitCode())),
			}, nil
		}
		// Could not even start the process.
		return engine.ExecResult{}, schema.NewErrorf(schema.ErrCodeExecution, "run task %q: %v", task.Name, runErr).WithCause(runErr)
	}

	return engine.ExecResult{Status: engine.VerdictSuccess, Output: buf.String()}, nil
}

func (e *ShellExecutor) lookup(ctx context.Context, req engine.ExecRequest) (*store.Task, error) {
	if req.TaskID != "" {
		if id, err := strconv.ParseInt(req.TaskID, 10, 64); err == nil {
			return e.source.GetTask(ctx, id)
		}
	}
	if req.TaskName != "" {
		return e.source.GetTaskByName(ctx, req.TaskName)
	}
	return nil, schema.NewError(schema.ErrCodeValidation, "execution request carries no task reference")
}

// argv builds the positional argument list: one entry per declared
// parameter that has an effective value, in declaration order.
func argv(specs []schema.ParamSpec, provided map[string]string) []string {
	args := make([]string, 0, len(specs))
	for _, spec := range specs {
		if v, ok := params.EffectiveValue(spec, provided); ok {
			args = append(args, v)
		}
	}
	return args
}

func writeScript(content string) (string, error) {
	f, err := os.CreateTemp("", "remedia-task-*.sh")
	if err != nil {
		return "", err
	}
	path := f.Name()
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		os.Remove(path)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", err
	}
	if err := os.Chmod(path, 0o700); err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}

func appendNote(output, note string) string {
	if output == "" {
		return note
	}
	return output + "\n" + note
}

// limitedWriter wraps a writer and silently discards bytes beyond the limit.
// Write always reports the full len(p) consumed to prevent the subprocess from
// blocking on a full pipe.
type limitedWriter struct {
	w       io.Writer
	limit   int64
	written int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	total := len(p)
	remaining := lw.limit - lw.written
	if remaining <= 0 {
		return total, nil
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := lw.w.Write(p)
	lw.written += int64(n)
	if err != nil {
		return total, err
	}
	return total, nil
}
