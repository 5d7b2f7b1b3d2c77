package patchgate

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeline/taskgate/internal/permission"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const helloPatch = `--- a/hello.txt
+++ b/hello.txt
@@ -1 +1 @@
-hello
+goodbye
`

// gateFixture is a repo with one file plus a patch that rewrites it.
type gateFixture struct {
	repo      string
	gateDir   string
	patchPath string
}

func newFixture(t *testing.T) gateFixture {
	t.Helper()
	root := t.TempDir()
	repo := filepath.Join(root, "repo")
	require.NoError(t, os.MkdirAll(repo, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(repo, "hello.txt"), []byte("hello\n"), 0o644))

	patchPath := filepath.Join(root, "change.patch")
	require.NoError(t, os.WriteFile(patchPath, []byte(helloPatch), 0o644))

	return gateFixture{
		repo:      repo,
		gateDir:   filepath.Join(root, "gate"),
		patchPath: patchPath,
	}
}

func openGate(t *testing.T, fx gateFixture, enabled bool, scope []string) *Gate {
	t.Helper()
	g, err := Open("task-1", fx.gateDir, fx.repo, scope, NewTool("patch", testLogger()), enabled, testLogger())
	require.NoError(t, err)
	return g
}

func requirePatchBinary(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("patch"); err != nil {
		t.Skip("patch binary not available")
	}
}

func TestPreview(t *testing.T) {
	fx := newFixture(t)
	g := openGate(t, fx, false, nil)

	rec, err := g.Preview("change", fx.patchPath)
	require.NoError(t, err)

	require.Len(t, rec.Files, 1)
	assert.Equal(t, "hello.txt", rec.Files[0].Path)
	assert.Equal(t, 1, rec.Files[0].Added)
	assert.Equal(t, 1, rec.Files[0].Deleted)
	require.Len(t, rec.Decisions, 1)
	assert.Equal(t, permission.Allow, rec.Decisions[0].Action)
	assert.NotEmpty(t, rec.Checksum)
	assert.Equal(t, int64(1), rec.Seq)

	// The workspace is untouched.
	data, err := os.ReadFile(filepath.Join(fx.repo, "hello.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(data))

	it, ok := g.Item("change")
	require.True(t, ok)
	assert.Equal(t, PhasePreviewed, it.Phase)
}

func TestPreviewFlagsOutOfScopePaths(t *testing.T) {
	fx := newFixture(t)
	g := openGate(t, fx, true, []string{"src"})

	rec, err := g.Preview("change", fx.patchPath)
	require.NoError(t, err)
	require.Len(t, rec.Decisions, 1)
	assert.Equal(t, permission.Deny, rec.Decisions[0].Action)
	assert.Equal(t, permission.ReasonOutsideScope, rec.Decisions[0].Reason)

	// Apply re-checks paths and refuses with a structured outcome.
	out, err := g.Apply(context.Background(), "change")
	require.NoError(t, err)
	assert.Equal(t, ResultDenied, out.Result)
	assert.False(t, out.OK)
}

func TestApplyDisabledRequiresApproval(t *testing.T) {
	fx := newFixture(t)
	g := openGate(t, fx, false, nil)

	_, err := g.Preview("change", fx.patchPath)
	require.NoError(t, err)

	out, err := g.Apply(context.Background(), "change")
	require.NoError(t, err)
	assert.Equal(t, ResultApprovalRequired, out.Result)
	assert.False(t, out.OK)

	// Refusal is recorded but the phase does not advance.
	it, _ := g.Item("change")
	assert.Equal(t, PhasePreviewed, it.Phase)
}

func TestApplyWithoutPreviewRefused(t *testing.T) {
	fx := newFixture(t)
	g := openGate(t, fx, true, nil)

	_, err := g.Apply(context.Background(), "ghost")
	assert.ErrorContains(t, err, "has not been previewed")
}

func TestApplyRejectsTamperedPatch(t *testing.T) {
	fx := newFixture(t)
	g := openGate(t, fx, true, nil)

	_, err := g.Preview("change", fx.patchPath)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(fx.patchPath, []byte(helloPatch+"\n# trailing junk\n"), 0o644))

	out, err := g.Apply(context.Background(), "change")
	require.NoError(t, err)
	assert.Equal(t, ResultRejected, out.Result)
	assert.Contains(t, out.Reason, "checksum mismatch")
}

func TestLifecycle(t *testing.T) {
	requirePatchBinary(t)
	fx := newFixture(t)
	g := openGate(t, fx, true, nil)
	ctx := context.Background()

	_, err := g.Preview("change", fx.patchPath)
	require.NoError(t, err)

	out, err := g.Apply(ctx, "change")
	require.NoError(t, err)
	assert.True(t, out.OK)
	assert.Equal(t, ResultApplied, out.Result)
	assert.Contains(t, out.Record.AuditDiff, "goodbye")

	data, err := os.ReadFile(filepath.Join(fx.repo, "hello.txt"))
	require.NoError(t, err)
	assert.Equal(t, "goodbye\n", string(data))

	st, err := g.SelfTest(ctx, "change", "grep goodbye hello.txt")
	require.NoError(t, err)
	assert.Equal(t, 0, st.ExitCode)
	assert.FileExists(t, st.LogPath)

	v, err := g.RecordVerdict("change", "PASS", "looks right")
	require.NoError(t, err)
	assert.Greater(t, v.Seq, st.Seq)

	it, _ := g.Item("change")
	assert.Equal(t, PhaseVerdicted, it.Phase)
	assert.Equal(t, PhaseVerdicted, g.Status().Phase)

	// Rollback restores the tree and invalidates the selftest and verdict
	// without deleting their records.
	out, err = g.Rollback(ctx, "change")
	require.NoError(t, err)
	assert.Equal(t, ResultRolledBack, out.Result)

	data, err = os.ReadFile(filepath.Join(fx.repo, "hello.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(data))

	it, _ = g.Item("change")
	assert.Equal(t, PhaseRolledBack, it.Phase)
	assert.NotNil(t, it.SelfTest)
	assert.NotNil(t, it.Verdict)

	// Re-applying lands back in applied: the stale selftest precedes the new
	// apply by sequence and no longer counts.
	out, err = g.Apply(ctx, "change")
	require.NoError(t, err)
	assert.Equal(t, ResultApplied, out.Result)

	it, _ = g.Item("change")
	assert.Equal(t, PhaseApplied, it.Phase)
}

func TestSelfTestOnlyWhileApplied(t *testing.T) {
	fx := newFixture(t)
	g := openGate(t, fx, true, nil)

	_, err := g.Preview("change", fx.patchPath)
	require.NoError(t, err)

	_, err = g.SelfTest(context.Background(), "change", "true")
	assert.ErrorContains(t, err, "not applied")

	_, err = g.RecordVerdict("change", "PASS", "")
	assert.ErrorContains(t, err, "not selftested")
}

func TestVerdictValueValidated(t *testing.T) {
	fx := newFixture(t)
	g := openGate(t, fx, true, nil)

	_, err := g.RecordVerdict("change", "MAYBE", "")
	assert.ErrorContains(t, err, "PASS or FAIL")
}

func TestStatusSelfHealsFromCorruptSnapshot(t *testing.T) {
	requirePatchBinary(t)
	fx := newFixture(t)
	g := openGate(t, fx, true, nil)
	ctx := context.Background()

	_, err := g.Preview("change", fx.patchPath)
	require.NoError(t, err)
	_, err = g.Apply(ctx, "change")
	require.NoError(t, err)

	statusPath := filepath.Join(fx.gateDir, "status.json")
	require.NoError(t, os.WriteFile(statusPath, []byte("{garbage"), 0o600))

	healed := openGate(t, fx, true, nil)
	it, ok := healed.Item("change")
	require.True(t, ok)
	assert.Equal(t, PhaseApplied, it.Phase)
	assert.Equal(t, "change", it.Name)
	require.NotNil(t, it.Apply)
	assert.Greater(t, healed.Status().NextSeq, it.Apply.Seq)
}

func TestStatusDerivationStableAcrossReloads(t *testing.T) {
	fx := newFixture(t)
	g := openGate(t, fx, false, nil)
	_, err := g.Preview("change", fx.patchPath)
	require.NoError(t, err)

	first := openGate(t, fx, false, nil).Status()
	second := openGate(t, fx, false, nil).Status()

	first.UpdatedAt, second.UpdatedAt = time.Time{}, time.Time{}
	a, err := json.Marshal(first)
	require.NoError(t, err)
	b, err := json.Marshal(second)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b), "derivation must be byte-stable")
}

func TestDerivePhase(t *testing.T) {
	preview := &PreviewRecord{Seq: 1}

	tests := []struct {
		name string
		item Item
		want Phase
	}{
		{
			name: "no preview",
			item: Item{},
			want: PhaseIdle,
		},
		{
			name: "preview only",
			item: Item{Preview: preview},
			want: PhasePreviewed,
		},
		{
			name: "applied",
			item: Item{Preview: preview, Apply: &ActionRecord{Seq: 2}},
			want: PhaseApplied,
		},
		{
			name: "rollback after apply",
			item: Item{Preview: preview, Apply: &ActionRecord{Seq: 2}, Rollback: &ActionRecord{Seq: 5}},
			want: PhaseRolledBack,
		},
		{
			name: "re-applied after rollback",
			item: Item{Preview: preview, Apply: &ActionRecord{Seq: 6}, Rollback: &ActionRecord{Seq: 5}},
			want: PhaseApplied,
		},
		{
			name: "selftested",
			item: Item{Preview: preview, Apply: &ActionRecord{Seq: 2}, SelfTest: &SelfTestRecord{Seq: 3}},
			want: PhaseSelfTested,
		},
		{
			name: "stale selftest before current apply ignored",
			item: Item{Preview: preview, Apply: &ActionRecord{Seq: 6}, Rollback: &ActionRecord{Seq: 5}, SelfTest: &SelfTestRecord{Seq: 3}},
			want: PhaseApplied,
		},
		{
			name: "verdicted",
			item: Item{Preview: preview, Apply: &ActionRecord{Seq: 2}, SelfTest: &SelfTestRecord{Seq: 3}, Verdict: &VerdictRecord{Seq: 4}},
			want: PhaseVerdicted,
		},
		{
			name: "stale verdict before current selftest ignored",
			item: Item{Preview: preview, Apply: &ActionRecord{Seq: 2}, SelfTest: &SelfTestRecord{Seq: 5}, Verdict: &VerdictRecord{Seq: 4}},
			want: PhaseSelfTested,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, derivePhase(&tt.item))
		})
	}
}

// Sequence order decides the effective branch even when wall clocks disagree:
// a rollback stamped earlier than its apply still invalidates it.
func TestDerivePhaseIgnoresClockSkew(t *testing.T) {
	now := time.Now().UTC()
	it := Item{
		Preview:  &PreviewRecord{Seq: 1, At: now},
		Apply:    &ActionRecord{Seq: 2, At: now.Add(time.Hour)},
		Rollback: &ActionRecord{Seq: 3, At: now.Add(-time.Hour)},
	}
	assert.Equal(t, PhaseRolledBack, derivePhase(&it))
}

func TestDeriveGatePhaseLeastAdvanced(t *testing.T) {
	items := []Item{
		{Name: "a", Phase: PhaseVerdicted},
		{Name: "b", Phase: PhasePreviewed},
		{Name: "c", Phase: PhaseApplied},
	}
	assert.Equal(t, PhasePreviewed, deriveGatePhase(items))
	assert.Equal(t, PhaseIdle, deriveGatePhase(nil))
}

func TestLegacyRecordsMigrated(t *testing.T) {
	fx := newFixture(t)

	// Schema-version-1 records: timestamps, no sequence numbers.
	previews := filepath.Join(fx.gateDir, "previews")
	actions := filepath.Join(fx.gateDir, "actions")
	require.NoError(t, os.MkdirAll(previews, 0o755))
	require.NoError(t, os.MkdirAll(actions, 0o755))

	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	writeJSON(t, filepath.Join(previews, "change.json"), PreviewRecord{
		Name: "change", PatchPath: fx.patchPath, RepoPath: fx.repo, At: base,
		Files: []FileStat{{Path: "hello.txt", Added: 1, Deleted: 1}},
	})
	writeJSON(t, filepath.Join(actions, "change-apply.json"), ActionRecord{
		Name: "change", Kind: "apply", At: base.Add(time.Minute),
	})
	writeJSON(t, filepath.Join(actions, "change-rollback.json"), ActionRecord{
		Name: "change", Kind: "rollback", At: base.Add(2 * time.Minute),
	})

	g := openGate(t, fx, false, nil)

	it, ok := g.Item("change")
	require.True(t, ok)
	assert.Equal(t, int64(1), it.Preview.Seq)
	assert.Equal(t, int64(2), it.Apply.Seq)
	assert.Equal(t, int64(3), it.Rollback.Seq)
	assert.Equal(t, PhaseRolledBack, it.Phase)
	assert.Equal(t, SchemaVersion, g.Status().SchemaVersion)

	// Migration rewrote the records in place; reopening assigns nothing new.
	again := openGate(t, fx, false, nil)
	it2, _ := again.Item("change")
	assert.Equal(t, it.Apply.Seq, it2.Apply.Seq)
}

func writeJSON(t *testing.T, path string, v any) {
	t.Helper()
	data, err := json.MarshalIndent(v, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))
}
