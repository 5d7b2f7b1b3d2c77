package modes

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/forgeline/taskgate/internal/fsutil"
	"github.com/forgeline/taskgate/internal/permission"
	"github.com/forgeline/taskgate/internal/queue"
	"github.com/forgeline/taskgate/internal/runner"
)

// Step kinds in execution order. The order is fixed: bootstrap, then hints,
// then tests.
const (
	stepBootstrap = "bootstrap"
	stepHint      = "hint"
	stepTest      = "test"
)

// StepResult is one executed (or refused) command.
type StepResult struct {
	Index    int                 `json:"index"`
	Kind     string              `json:"kind"`
	Decision permission.Decision `json:"decision"`
	runner.Result
}

// RunManifest is the machine-readable record of one execute run.
type RunManifest struct {
	TaskID     string        `json:"task_id"`
	RunID      string        `json:"run_id"`
	Goal       string        `json:"goal"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Steps      []StepResult  `json:"steps"`
	Verdict    queue.Verdict `json:"verdict"`
}

// VerdictArtifact is the durable PASS/FAIL document; its existence, not the
// process exit code, is what the queue treats as ground truth.
type VerdictArtifact struct {
	TaskID  string        `json:"task_id"`
	RunID   string        `json:"run_id"`
	Verdict queue.Verdict `json:"verdict"`
	Reason  string        `json:"reason,omitempty"`
	At      time.Time     `json:"at"`
}

// runExecute runs bootstrap → hint → test commands in that fixed order, one
// log per command, then derives the verdict. Steps the permission floor
// denies are never executed and record the reserved exit code.
func (d *Dispatcher) runExecute(ctx context.Context, task *queue.Task) (*queue.Outcome, error) {
	evidence := d.store.EvidenceDir(task.ID)
	logsDir := filepath.Join(evidence, "logs")
	run := runner.New(task.Request.Workspace.RepoPath, d.logger)

	manifest := RunManifest{
		TaskID:    task.ID,
		RunID:     task.RunID,
		Goal:      task.Request.Task.Goal,
		StartedAt: time.Now().UTC(),
	}

	type step struct {
		kind    string
		command string
	}
	var steps []step
	for _, c := range task.Request.Workspace.BootstrapCmds {
		steps = append(steps, step{stepBootstrap, c})
	}
	for _, c := range task.Request.Task.CommandsHint {
		steps = append(steps, step{stepHint, c})
	}
	for _, c := range task.Request.Workspace.TestCmds {
		steps = append(steps, step{stepTest, c})
	}

	verdict := queue.VerdictPass
	reason := ""
	var lastExit int

	for i, st := range steps {
		sr := StepResult{Index: i, Kind: st.kind}
		sr.Decision = permission.CheckCommand(st.command)

		logPath := filepath.Join(logsDir, fmt.Sprintf("%02d-%s.log", i, slug(st.command)))

		if sr.Decision.Action == permission.Deny {
			// Never executed; reserved code recorded instead.
			sr.Result = runner.Result{
				Command:    st.command,
				ExitCode:   runner.ExitDenied,
				StartedAt:  time.Now().UTC(),
				FinishedAt: time.Now().UTC(),
				Error:      fmt.Sprintf("permission denied: %s", sr.Decision.Reason),
			}
			verdict = queue.VerdictFail
			reason = fmt.Sprintf("step %d denied: %s", i, sr.Decision.Reason)
			lastExit = runner.ExitDenied
			manifest.Steps = append(manifest.Steps, sr)
			d.logger.Warn("step denied", "task_id", task.ID, "command", st.command, "reason", sr.Decision.Reason)
			break
		}

		sr.Result = run.Run(ctx, st.command, logPath)
		lastExit = sr.ExitCode
		manifest.Steps = append(manifest.Steps, sr)

		if sr.ExitCode != 0 {
			verdict = queue.VerdictFail
			reason = fmt.Sprintf("step %d (%s) exited %d", i, st.kind, sr.ExitCode)
			break
		}
	}

	manifest.FinishedAt = time.Now().UTC()
	manifest.Verdict = verdict

	manifestPath := filepath.Join(evidence, "run_manifest.json")
	if err := fsutil.AtomicWriteJSON(manifestPath, &manifest); err != nil {
		return nil, err
	}

	reportPath := filepath.Join(evidence, "report.md")
	if err := fsutil.AtomicWrite(reportPath, []byte(renderReport(&manifest, reason))); err != nil {
		return nil, err
	}

	verdictPath := filepath.Join(evidence, "verdict.json")
	if err := fsutil.AtomicWriteJSON(verdictPath, &VerdictArtifact{
		TaskID:  task.ID,
		RunID:   task.RunID,
		Verdict: verdict,
		Reason:  reason,
		At:      time.Now().UTC(),
	}); err != nil {
		return nil, err
	}

	exit := lastExit
	out := &queue.Outcome{
		ExitCode:    &exit,
		Verdict:     verdict,
		Artifacts:   []string{manifestPath, reportPath, verdictPath},
		VerdictPath: verdictPath,
	}

	if verdict == queue.VerdictFail {
		// Terminal failure carries a durable explanation; autopilot classifies.
		return out, fmt.Errorf("execute failed: %s", reason)
	}
	return out, nil
}

// renderReport writes the human-readable side of the run manifest.
func renderReport(m *RunManifest, reason string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Run report for task %s\n\n", m.TaskID)
	fmt.Fprintf(&sb, "Goal: %s\n\nRun: %s\nVerdict: **%s**\n", m.Goal, m.RunID, m.Verdict)
	if reason != "" {
		fmt.Fprintf(&sb, "Reason: %s\n", reason)
	}
	sb.WriteString("\n| # | kind | command | exit | log |\n|---|------|---------|------|-----|\n")
	for _, st := range m.Steps {
		fmt.Fprintf(&sb, "| %d | %s | `%s` | %d | %s |\n",
			st.Index, st.Kind, st.Command, st.ExitCode, filepath.Base(st.LogPath))
	}
	return sb.String()
}

// slug shortens a command into a filename-safe fragment.
func slug(command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return "cmd"
	}
	s := filepath.Base(fields[0])
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '-'
		}
	}, s)
	if len(s) > 24 {
		s = s[:24]
	}
	return s
}
