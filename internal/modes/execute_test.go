package modes

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeline/taskgate/internal/fsutil"
	"github.com/forgeline/taskgate/internal/queue"
	"github.com/forgeline/taskgate/internal/request"
	"github.com/forgeline/taskgate/internal/runner"
)

func TestExecutePassesWithArtifacts(t *testing.T) {
	e := newModesEnv(t, Options{})
	task := e.task(request.Submission{
		Task: request.Task{
			Goal:         "say hello",
			CommandsHint: []string{"echo hello"},
		},
		Workspace:    request.Workspace{TestCmds: []string{"true"}},
		Orchestrator: request.Orchestrator{Mode: request.ModeExecute},
	})

	out, err := e.d.Execute(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, queue.VerdictPass, out.Verdict)
	require.NotNil(t, out.ExitCode)
	assert.Zero(t, *out.ExitCode)

	evidence := e.store.EvidenceDir(task.ID)

	var verdict VerdictArtifact
	require.NoError(t, fsutil.ReadJSON(filepath.Join(evidence, "verdict.json"), &verdict))
	assert.Equal(t, queue.VerdictPass, verdict.Verdict)
	assert.Equal(t, task.ID, verdict.TaskID)
	assert.Equal(t, filepath.Join(evidence, "verdict.json"), out.VerdictPath)

	var manifest RunManifest
	require.NoError(t, fsutil.ReadJSON(filepath.Join(evidence, "run_manifest.json"), &manifest))
	require.Len(t, manifest.Steps, 2)
	assert.Equal(t, stepHint, manifest.Steps[0].Kind)
	assert.Equal(t, stepTest, manifest.Steps[1].Kind)

	// Each command leaves one log ending with the exit-code trailer.
	log, err := os.ReadFile(manifest.Steps[0].LogPath)
	require.NoError(t, err)
	assert.Contains(t, string(log), "hello")
	assert.Contains(t, string(log), "exit_code=0")

	report, err := os.ReadFile(filepath.Join(evidence, "report.md"))
	require.NoError(t, err)
	assert.Contains(t, string(report), "PASS")
}

func TestExecuteDeniedCommandNeverRuns(t *testing.T) {
	e := newModesEnv(t, Options{})
	marker := filepath.Join(e.repo, "marker.txt")
	task := e.task(request.Submission{
		Task: request.Task{
			Goal:         "dangerous cleanup",
			CommandsHint: []string{"rm -rf /", "touch " + marker},
		},
		Orchestrator: request.Orchestrator{Mode: request.ModeExecute},
	})

	out, err := e.d.Execute(context.Background(), task)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "denied")
	assert.Equal(t, queue.VerdictFail, out.Verdict)
	require.NotNil(t, out.ExitCode)
	assert.Equal(t, runner.ExitDenied, *out.ExitCode)

	var manifest RunManifest
	require.NoError(t, fsutil.ReadJSON(
		filepath.Join(e.store.EvidenceDir(task.ID), "run_manifest.json"), &manifest))
	require.Len(t, manifest.Steps, 1, "execution must stop at the denied step")
	assert.Equal(t, runner.ExitDenied, manifest.Steps[0].ExitCode)

	// The denied command was never handed to a shell and the following step
	// never ran.
	assert.NoFileExists(t, marker)
}

func TestExecuteStopsAtFirstFailure(t *testing.T) {
	e := newModesEnv(t, Options{})
	task := e.task(request.Submission{
		Task: request.Task{
			Goal:         "fail early",
			CommandsHint: []string{"false", "echo never"},
		},
		Orchestrator: request.Orchestrator{Mode: request.ModeExecute},
	})

	out, err := e.d.Execute(context.Background(), task)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "step 0 (hint) exited 1")
	assert.Equal(t, queue.VerdictFail, out.Verdict)

	var manifest RunManifest
	require.NoError(t, fsutil.ReadJSON(
		filepath.Join(e.store.EvidenceDir(task.ID), "run_manifest.json"), &manifest))
	assert.Len(t, manifest.Steps, 1)

	// A failed run still leaves the full artifact set behind.
	var verdict VerdictArtifact
	require.NoError(t, fsutil.ReadJSON(
		filepath.Join(e.store.EvidenceDir(task.ID), "verdict.json"), &verdict))
	assert.Equal(t, queue.VerdictFail, verdict.Verdict)
	assert.Contains(t, verdict.Reason, "exited 1")
}

func TestExecuteRunsBootstrapHintsTestsInOrder(t *testing.T) {
	e := newModesEnv(t, Options{})
	task := e.task(request.Submission{
		Task: request.Task{
			Goal:         "ordered steps",
			CommandsHint: []string{"echo hint >> order.txt"},
		},
		Workspace: request.Workspace{
			BootstrapCmds: []string{"echo bootstrap >> order.txt"},
			TestCmds:      []string{"echo test >> order.txt"},
		},
		Orchestrator: request.Orchestrator{Mode: request.ModeExecute},
	})

	_, err := e.d.Execute(context.Background(), task)
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(e.repo, "order.txt"))
	require.NoError(t, err)
	assert.Equal(t, "bootstrap\nhint\ntest\n", string(got))
}
