// Package runner executes workspace commands through the shell, captures their
// output to per-command log files and reports structured results. Commands run
// to completion or context timeout; they are never preempted mid-stream.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// ExitDenied is the reserved exit code recorded for a step the permission
// floor refused; the step's process is never started.
const ExitDenied = 126

// ExitTimeout is recorded when the command was killed by the deadline.
const ExitTimeout = 124

// Result is the structured outcome of one command.
type Result struct {
	Command    string    `json:"command"`
	ExitCode   int       `json:"exit_code"`
	LogPath    string    `json:"log_path,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	TimedOut   bool      `json:"timed_out,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Runner runs shell commands inside a working directory.
type Runner struct {
	dir    string
	logger *slog.Logger
}

// New creates a runner rooted at dir.
func New(dir string, logger *slog.Logger) *Runner {
	return &Runner{dir: dir, logger: logger}
}

// Run executes command via `sh -c`, writing combined stdout/stderr to logPath.
// The log file ends with a machine-greppable trailer line `exit_code=N`.
func (r *Runner) Run(ctx context.Context, command, logPath string) Result {
	res := Result{
		Command:   command,
		StartedAt: time.Now().UTC(),
		LogPath:   logPath,
	}

	if err := os.MkdirAll(filepath.Dir(logPath), 0o700); err != nil {
		res.ExitCode = -1
		res.FinishedAt = time.Now().UTC()
		res.Error = fmt.Sprintf("failed to create log directory: %v", err)
		return res
	}

	var buf bytes.Buffer
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = r.dir
	cmd.Env = os.Environ()
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	r.logger.Debug("running command", "command", command, "dir", r.dir)

	err := cmd.Run()
	res.FinishedAt = time.Now().UTC()

	switch {
	case err == nil:
		res.ExitCode = 0
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		res.ExitCode = ExitTimeout
		res.TimedOut = true
		res.Error = "command timed out"
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = -1
			res.Error = err.Error()
		}
	}

	trailer := fmt.Sprintf("\nexit_code=%d\n", res.ExitCode)
	logData := append(buf.Bytes(), []byte(trailer)...)
	if werr := os.WriteFile(logPath, logData, 0o600); werr != nil {
		r.logger.Warn("failed to write command log", "path", logPath, "error", werr)
		if res.Error == "" {
			res.Error = fmt.Sprintf("failed to write log: %v", werr)
		}
	}

	return res
}
