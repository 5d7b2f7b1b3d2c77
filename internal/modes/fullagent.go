package modes

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/forgeline/taskgate/internal/fsutil"
	"github.com/forgeline/taskgate/internal/patchgate"
	"github.com/forgeline/taskgate/internal/permission"
	"github.com/forgeline/taskgate/internal/queue"
)

// PatchSubmission is the durable summary of one fullagent run: which patches
// were generated and how far each travelled through the gate.
type PatchSubmission struct {
	TaskID    string        `json:"task_id"`
	RunID     string        `json:"run_id"`
	Generated bool          `json:"generated"` // false when patches were reused
	Patches   []PatchStatus `json:"patches"`
	Verdict   queue.Verdict `json:"verdict"`
	At        time.Time     `json:"at"`
}

// PatchStatus is one patch's gate outcome.
type PatchStatus struct {
	Name     string          `json:"name"`
	Path     string          `json:"path"`
	Checksum string          `json:"checksum,omitempty"`
	Phase    patchgate.Phase `json:"phase"`
	Result   string          `json:"result,omitempty"`
	Reasons  []string        `json:"reasons,omitempty"`
}

// runFullAgent generates patches, registers them with the patch gate and, when
// application is enabled, drives each through apply and self-test. Generation
// is idempotent: a re-run that finds patches on disk reuses them instead of
// calling the generator again, so a retried task never produces a divergent
// patch set.
func (d *Dispatcher) runFullAgent(ctx context.Context, task *queue.Task) (*queue.Outcome, error) {
	evidence := d.store.EvidenceDir(task.ID)
	patchDir := filepath.Join(evidence, "patches")

	patches, err := existingPatches(patchDir)
	if err != nil {
		return nil, err
	}
	generated := false
	if len(patches) == 0 {
		if d.opts.Generator == nil {
			return nil, fmt.Errorf("fullagent mode needs a generator or pre-staged patches for task %s", task.ID)
		}
		raw, err := d.opts.Generator.Generate(ctx, task)
		if err != nil {
			return nil, fmt.Errorf("generate patches: %w", err)
		}
		if len(raw) == 0 {
			return nil, fmt.Errorf("generator produced no patches for task %s", task.ID)
		}
		if err := os.MkdirAll(patchDir, 0o755); err != nil {
			return nil, err
		}
		for i, p := range raw {
			name := fmt.Sprintf("%02d-%s.patch", i, slug(p.Name))
			path := filepath.Join(patchDir, name)
			if err := fsutil.AtomicWrite(path, normalizePatch(p.Content)); err != nil {
				return nil, fmt.Errorf("write patch %s: %w", name, err)
			}
			patches = append(patches, path)
		}
		generated = true
	}

	gate, err := patchgate.Open(
		task.ID,
		filepath.Join(evidence, "patch_gate"),
		task.Request.Workspace.RepoPath,
		task.Request.Task.ScopeAllow,
		d.opts.PatchTool,
		d.opts.ApplyEnabled,
		d.logger,
	)
	if err != nil {
		return nil, fmt.Errorf("open patch gate: %w", err)
	}

	sub := PatchSubmission{
		TaskID:    task.ID,
		RunID:     task.RunID,
		Generated: generated,
		Verdict:   queue.VerdictPass,
	}

	for _, path := range patches {
		name := strings.TrimSuffix(filepath.Base(path), ".patch")
		ps := PatchStatus{Name: name, Path: path}

		preview, err := gate.Preview(name, path)
		if err != nil {
			return nil, fmt.Errorf("preview %s: %w", name, err)
		}
		ps.Checksum = preview.Checksum
		for i, dec := range preview.Decisions {
			if dec.Action != permission.Allow {
				ps.Reasons = append(ps.Reasons,
					fmt.Sprintf("%s: %s", preview.Files[i].Path, dec.Reason))
			}
		}

		if d.opts.ApplyEnabled && len(ps.Reasons) > 0 {
			// A patch the floor refuses at preview never reaches apply, and
			// the refusal fails the run rather than passing by omission.
			sub.Verdict = queue.VerdictFail
		}

		if d.opts.ApplyEnabled && len(ps.Reasons) == 0 {
			outcome, err := gate.Apply(ctx, name)
			if err != nil {
				return nil, fmt.Errorf("apply %s: %w", name, err)
			}
			ps.Result = outcome.Result
			if outcome.Result == patchgate.ResultApplied {
				if cmd := firstTestCmd(task); cmd != "" {
					st, err := gate.SelfTest(ctx, name, cmd)
					if err != nil {
						return nil, fmt.Errorf("selftest %s: %w", name, err)
					}
					verdict, note := "PASS", ""
					if st.ExitCode != 0 {
						verdict = "FAIL"
						note = fmt.Sprintf("self-test exited %d", st.ExitCode)
						sub.Verdict = queue.VerdictFail
					}
					if _, err := gate.RecordVerdict(name, verdict, note); err != nil {
						return nil, fmt.Errorf("record verdict %s: %w", name, err)
					}
				}
			} else {
				ps.Reasons = append(ps.Reasons, outcome.Reason)
				sub.Verdict = queue.VerdictFail
			}
		}

		if item, ok := gate.Item(name); ok {
			ps.Phase = item.Phase
		}
		sub.Patches = append(sub.Patches, ps)
	}

	sub.At = time.Now().UTC()
	subPath := filepath.Join(evidence, "submission.json")
	if err := fsutil.AtomicWriteJSON(subPath, &sub); err != nil {
		return nil, err
	}

	out := &queue.Outcome{
		Verdict:     sub.Verdict,
		Artifacts:   append([]string{subPath}, patches...),
		VerdictPath: subPath,
	}
	if sub.Verdict == queue.VerdictFail {
		return out, fmt.Errorf("fullagent failed: %s", firstReason(sub.Patches))
	}
	return out, nil
}

// normalizePatch canonicalizes line endings and guarantees a trailing newline
// so the same generator output always hashes and applies identically.
func normalizePatch(b []byte) []byte {
	b = bytes.ReplaceAll(b, []byte("\r\n"), []byte("\n"))
	if len(b) > 0 && b[len(b)-1] != '\n' {
		b = append(b, '\n')
	}
	return b
}

func existingPatches(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var patches []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".patch") {
			patches = append(patches, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(patches)
	return patches, nil
}

func firstTestCmd(task *queue.Task) string {
	if cmds := task.Request.Workspace.TestCmds; len(cmds) > 0 {
		return cmds[0]
	}
	return ""
}

func firstReason(patches []PatchStatus) string {
	for _, p := range patches {
		if len(p.Reasons) > 0 {
			return p.Reasons[0]
		}
	}
	return "patch gate refused"
}
