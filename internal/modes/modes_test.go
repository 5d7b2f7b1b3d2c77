package modes

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/forgeline/taskgate/internal/patchgate"
	"github.com/forgeline/taskgate/internal/queue"
	"github.com/forgeline/taskgate/internal/request"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// modesEnv is a dispatcher over a fresh store and workspace.
type modesEnv struct {
	d     *Dispatcher
	store *queue.Store
	repo  string
}

func newModesEnv(t *testing.T, opts Options) *modesEnv {
	t.Helper()
	root := t.TempDir()
	repo := filepath.Join(root, "repo")
	require.NoError(t, os.MkdirAll(repo, 0o755))

	if opts.PatchTool == nil {
		opts.PatchTool = patchgate.NewTool("patch", testLogger())
	}
	store := queue.NewStore(root)
	return &modesEnv{
		d:     NewDispatcher(store, opts, testLogger()),
		store: store,
		repo:  repo,
	}
}

func (e *modesEnv) task(sub request.Submission) *queue.Task {
	sub.Workspace.RepoPath = e.repo
	return &queue.Task{
		ID:      queue.MintID(),
		RunID:   "run-test",
		Status:  queue.StatusRunning,
		Request: sub,
	}
}

// stubPlanner scripts the external planner.
type stubPlanner struct {
	plan *Plan
	err  error
}

func (s *stubPlanner) Plan(context.Context, *queue.Task) (*Plan, error) {
	return s.plan, s.err
}

// stubGenerator counts calls and returns a fixed patch set.
type stubGenerator struct {
	mu      sync.Mutex
	calls   int
	patches []GeneratedPatch
	err     error
}

func (s *stubGenerator) Generate(context.Context, *queue.Task) ([]GeneratedPatch, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return s.patches, s.err
}

var errPlannerDown = errors.New("planner unavailable")
