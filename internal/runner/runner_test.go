package runner

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

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunSuccess(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "logs", "00-echo.log")
	r := New(dir, testLogger())

	res := r.Run(context.Background(), "echo hello", logPath)
	assert.Equal(t, 0, res.ExitCode)
	assert.False(t, res.TimedOut)
	assert.False(t, res.FinishedAt.Before(res.StartedAt))

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello")
	assert.True(t, strings.HasSuffix(string(data), "exit_code=0\n"), "log ends with trailer: %q", data)
}

func TestRunNonZeroExit(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "fail.log")
	r := New(dir, testLogger())

	res := r.Run(context.Background(), "exit 3", logPath)
	assert.Equal(t, 3, res.ExitCode)

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(data), "exit_code=3\n"))
}

func TestRunTimeout(t *testing.T) {
	dir := t.TempDir()
	r := New(dir, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	res := r.Run(ctx, "sleep 10", filepath.Join(dir, "slow.log"))
	assert.Equal(t, ExitTimeout, res.ExitCode)
	assert.True(t, res.TimedOut)
}

func TestRunWorkingDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "marker.txt"), []byte("x"), 0o644))

	r := New(dir, testLogger())
	res := r.Run(context.Background(), "ls marker.txt", filepath.Join(dir, "ls.log"))
	assert.Equal(t, 0, res.ExitCode)
}

func TestRunCapturesStderr(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "err.log")
	r := New(dir, testLogger())

	res := r.Run(context.Background(), "echo oops >&2; exit 1", logPath)
	assert.Equal(t, 1, res.ExitCode)

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "oops")
}
