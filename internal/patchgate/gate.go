// Package patchgate guards code changes through a verifiable
// preview → apply/rollback → self-test → verdict lifecycle. State is kept as
// durable per-record JSON documents plus an append-only event log; the status
// snapshot is derived from the records on every write and load.
package patchgate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/forgeline/taskgate/internal/checksum"
	"github.com/forgeline/taskgate/internal/fsutil"
	"github.com/forgeline/taskgate/internal/permission"
	"github.com/forgeline/taskgate/internal/runner"
)

// Outcome results for apply/rollback. Refusals are machine-readable values,
// never silent no-ops.
const (
	ResultApplied          = "applied"
	ResultRolledBack       = "rolled_back"
	ResultApprovalRequired = "approval_required"
	ResultDenied           = "denied"
	ResultRejected         = "rejected" // dry-run check failed
)

// Outcome is the structured result of an apply or rollback attempt.
type Outcome struct {
	OK       bool                 `json:"ok"`
	Result   string               `json:"result"`
	Reason   string               `json:"reason,omitempty"`
	Decision *permission.Decision `json:"decision,omitempty"`
	Record   *ActionRecord        `json:"record,omitempty"`
}

// Event is one append-only entry in the gate's event log.
type Event struct {
	Seq  int64          `json:"seq"`
	Kind string         `json:"kind"`
	Name string         `json:"name,omitempty"`
	At   time.Time      `json:"at"`
	Data map[string]any `json:"data,omitempty"`
}

// Gate is the per-task patch lifecycle state machine.
type Gate struct {
	taskID     string
	dir        string
	repoPath   string
	scopeAllow []string
	tool       *Tool
	enabled    bool
	logger     *slog.Logger

	mu     sync.Mutex
	status *Status
}

// Open loads (or initializes) the gate rooted at dir. Any existing component
// records are reloaded and the status snapshot rederived, healing corrupt or
// hand-edited snapshots; legacy record schemas migrate in the process.
func Open(taskID, dir, repoPath string, scopeAllow []string, tool *Tool, enabled bool, logger *slog.Logger) (*Gate, error) {
	g := &Gate{
		taskID:     taskID,
		dir:        dir,
		repoPath:   repoPath,
		scopeAllow: scopeAllow,
		tool:       tool,
		enabled:    enabled,
		logger:     logger,
	}

	for _, sub := range []string{"previews", "actions", "selftests", "verdicts"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create gate directory: %w", err)
		}
	}

	status, err := g.load()
	if err != nil {
		return nil, err
	}
	g.status = status

	if err := g.writeStatus(); err != nil {
		return nil, err
	}
	return g, nil
}

// Status returns a copy of the derived snapshot.
func (g *Gate) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()

	cp := *g.status
	cp.Items = append([]Item(nil), g.status.Items...)
	return cp
}

// Item returns a copy of the named item's status.
func (g *Gate) Item(name string) (Item, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if it := g.item(name); it != nil {
		return *it, true
	}
	return Item{}, false
}

// Preview registers a named patch and computes what it would touch: per-file
// add/delete counts plus a permission decision for every touched path. The
// workspace is never mutated.
func (g *Gate) Preview(name, patchPath string) (*PreviewRecord, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	files, err := parsePatch(patchPath)
	if err != nil {
		return nil, fmt.Errorf("preview of %q failed: %w", name, err)
	}

	decisions := make([]permission.Decision, 0, len(files))
	for _, f := range files {
		decisions = append(decisions, permission.CheckPath(f.Path, g.repoPath, g.scopeAllow))
	}

	sum, err := checksum.File(patchPath)
	if err != nil {
		return nil, fmt.Errorf("preview of %q failed: %w", name, err)
	}

	rec := &PreviewRecord{
		Name:      name,
		PatchPath: patchPath,
		Checksum:  sum,
		RepoPath:  g.repoPath,
		Seq:       g.nextSeq(),
		At:        time.Now().UTC(),
		Files:     files,
		Decisions: decisions,
	}

	if err := fsutil.AtomicWriteJSON(g.previewPath(name), rec); err != nil {
		return nil, err
	}

	it := g.item(name)
	if it == nil {
		g.status.Items = append(g.status.Items, Item{Name: name})
		it = &g.status.Items[len(g.status.Items)-1]
	}
	it.PatchPath = patchPath
	it.RepoPath = g.repoPath
	it.Preview = rec

	if err := g.commit(Event{Kind: "preview", Name: name, Seq: rec.Seq, At: rec.At,
		Data: map[string]any{"files": len(files)}}); err != nil {
		return nil, err
	}
	return rec, nil
}

// Apply runs the check-then-apply protocol for the named patch. Refusals
// (approval required, permission denied, dry-run rejection) come back as
// structured outcomes with a nil error; the error path is for infrastructure
// failure only.
func (g *Gate) Apply(ctx context.Context, name string) (*Outcome, error) {
	return g.act(ctx, name, false)
}

// Rollback reverses a previously applied patch. Selftest and verdict records
// made before the rollback are invalidated by sequence order, not deleted.
func (g *Gate) Rollback(ctx context.Context, name string) (*Outcome, error) {
	return g.act(ctx, name, true)
}

func (g *Gate) act(ctx context.Context, name string, reverse bool) (*Outcome, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	kind, result := "apply", ResultApplied
	if reverse {
		kind, result = "rollback", ResultRolledBack
	}

	it := g.item(name)
	if it == nil || it.Preview == nil {
		return nil, fmt.Errorf("%s of %q refused: patch has not been previewed", kind, name)
	}
	if reverse && it.Phase != PhaseApplied && it.Phase != PhaseSelfTested && it.Phase != PhaseVerdicted {
		return nil, fmt.Errorf("rollback of %q refused: phase is %s, not applied", name, it.Phase)
	}
	if !reverse && it.Phase != PhasePreviewed && it.Phase != PhaseRolledBack {
		return nil, fmt.Errorf("apply of %q refused: phase is %s", name, it.Phase)
	}

	if !g.enabled {
		out := &Outcome{Result: ResultApprovalRequired, Reason: "patch application is disabled; approval required"}
		return out, g.commit(Event{Kind: kind + "_refused", Name: name, Seq: g.nextSeq(),
			At: time.Now().UTC(), Data: map[string]any{"result": out.Result}})
	}

	// One policy surface for commands and patches: every touched path goes
	// through the permission floor again at action time.
	for _, f := range it.Preview.Files {
		if d := permission.CheckPath(f.Path, g.repoPath, g.scopeAllow); !d.OK {
			decision := d
			out := &Outcome{Result: ResultDenied, Reason: d.Reason, Decision: &decision}
			return out, g.commit(Event{Kind: kind + "_refused", Name: name, Seq: g.nextSeq(),
				At: time.Now().UTC(), Data: map[string]any{"result": out.Result, "path": f.Path, "reason": d.Reason}})
		}
	}

	// The patch must be byte-identical to what was previewed; a file edited
	// after preview is rejected, not silently re-previewed.
	if err := checksum.VerifyFile(it.PatchPath, it.Preview.Checksum); err != nil {
		out := &Outcome{Result: ResultRejected, Reason: err.Error()}
		return out, g.commit(Event{Kind: kind + "_refused", Name: name, Seq: g.nextSeq(),
			At: time.Now().UTC(), Data: map[string]any{"result": out.Result, "reason": out.Reason}})
	}

	// Dry run first; refuse on failure, before any filesystem mutation.
	checkOut, err := g.tool.Check(ctx, g.repoPath, it.PatchPath, reverse)
	if err != nil {
		out := &Outcome{Result: ResultRejected, Reason: strings.TrimSpace(checkOut)}
		return out, g.commit(Event{Kind: kind + "_refused", Name: name, Seq: g.nextSeq(),
			At: time.Now().UTC(), Data: map[string]any{"result": out.Result}})
	}

	pre := g.captureFiles(it.Preview.Files)

	applyOut, err := g.tool.Apply(ctx, g.repoPath, it.PatchPath, reverse)
	if err != nil {
		// The dry run passed but the real application failed: surface as an
		// infrastructure error so the worker records it verbatim.
		return nil, fmt.Errorf("%s of %q failed after clean check: %w", kind, name, err)
	}

	rec := &ActionRecord{
		Name:        name,
		Kind:        kind,
		Seq:         g.nextSeq(),
		At:          time.Now().UTC(),
		CheckOutput: strings.TrimSpace(checkOut),
		Output:      strings.TrimSpace(applyOut),
		AuditDiff:   g.auditDiff(it.Preview.Files, pre),
	}

	if err := fsutil.AtomicWriteJSON(g.actionPath(name, rec.Seq), rec); err != nil {
		return nil, err
	}
	if reverse {
		it.Rollback = rec
	} else {
		it.Apply = rec
	}

	if err := g.commit(Event{Kind: kind, Name: name, Seq: rec.Seq, At: rec.At}); err != nil {
		return nil, err
	}
	return &Outcome{OK: true, Result: result, Record: rec}, nil
}

// SelfTest runs command in the repository and records the result. Only valid
// while the patch is applied; the fresh sequence number places the record
// strictly after the current effective apply.
func (g *Gate) SelfTest(ctx context.Context, name, command string) (*SelfTestRecord, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	it := g.item(name)
	if it == nil {
		return nil, fmt.Errorf("selftest of %q refused: unknown patch", name)
	}
	if it.Phase != PhaseApplied && it.Phase != PhaseSelfTested {
		return nil, fmt.Errorf("selftest of %q refused: phase is %s, not applied", name, it.Phase)
	}

	seq := g.nextSeq()
	logPath := filepath.Join(g.dir, "selftests", fmt.Sprintf("%s-%06d.log", name, seq))
	res := runner.New(g.repoPath, g.logger).Run(ctx, command, logPath)

	rec := &SelfTestRecord{
		Name:     name,
		Seq:      seq,
		At:       time.Now().UTC(),
		Command:  command,
		ExitCode: res.ExitCode,
		LogPath:  logPath,
	}
	if err := fsutil.AtomicWriteJSON(g.selftestPath(name, seq), rec); err != nil {
		return nil, err
	}
	it.SelfTest = rec

	if err := g.commit(Event{Kind: "selftest", Name: name, Seq: seq, At: rec.At,
		Data: map[string]any{"exit_code": res.ExitCode}}); err != nil {
		return nil, err
	}
	return rec, nil
}

// RecordVerdict closes the lifecycle with a PASS/FAIL note.
func (g *Gate) RecordVerdict(name, verdict, note string) (*VerdictRecord, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if verdict != "PASS" && verdict != "FAIL" {
		return nil, fmt.Errorf("verdict must be PASS or FAIL, got %q", verdict)
	}
	it := g.item(name)
	if it == nil {
		return nil, fmt.Errorf("verdict for %q refused: unknown patch", name)
	}
	if it.Phase != PhaseSelfTested {
		return nil, fmt.Errorf("verdict for %q refused: phase is %s, not selftested", name, it.Phase)
	}

	rec := &VerdictRecord{
		Name:    name,
		Seq:     g.nextSeq(),
		At:      time.Now().UTC(),
		Verdict: verdict,
		Note:    note,
	}
	if err := fsutil.AtomicWriteJSON(g.verdictPath(name, rec.Seq), rec); err != nil {
		return nil, err
	}
	it.Verdict = rec

	if err := g.commit(Event{Kind: "verdict", Name: name, Seq: rec.Seq, At: rec.At,
		Data: map[string]any{"verdict": verdict}}); err != nil {
		return nil, err
	}
	return rec, nil
}

// commit appends an event and rewrites the derived snapshot. Must be called
// with the mutex held.
func (g *Gate) commit(evt Event) error {
	line, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := fsutil.AppendLine(g.eventsPath(), line); err != nil {
		return err
	}
	return g.writeStatus()
}

// writeStatus rederives every phase and atomically rewrites the snapshot.
func (g *Gate) writeStatus() error {
	for i := range g.status.Items {
		g.status.Items[i].Phase = derivePhase(&g.status.Items[i])
	}
	g.status.Phase = deriveGatePhase(g.status.Items)
	g.status.SchemaVersion = SchemaVersion
	g.status.UpdatedAt = time.Now().UTC()
	return fsutil.AtomicWriteJSON(g.statusPath(), g.status)
}

func (g *Gate) item(name string) *Item {
	for i := range g.status.Items {
		if g.status.Items[i].Name == name {
			return &g.status.Items[i]
		}
	}
	return nil
}

func (g *Gate) nextSeq() int64 {
	seq := g.status.NextSeq
	if seq == 0 {
		seq = 1
	}
	g.status.NextSeq = seq + 1
	return seq
}

// captureFiles reads the current content of each touched file, keyed by
// repository-relative path. Missing files (to be created by the patch) map to
// the empty string.
func (g *Gate) captureFiles(files []FileStat) map[string]string {
	const maxAudit = 256 * 1024

	pre := make(map[string]string, len(files))
	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(g.repoPath, f.Path))
		if err != nil || len(data) > maxAudit {
			pre[f.Path] = ""
			continue
		}
		pre[f.Path] = string(data)
	}
	return pre
}

// auditDiff records the observed pre/post state of every touched file as a
// unified diff, independent of what the patch claimed it would do.
func (g *Gate) auditDiff(files []FileStat, pre map[string]string) string {
	var sb strings.Builder
	for _, f := range files {
		post := g.captureFiles([]FileStat{f})[f.Path]
		ud := difflib.UnifiedDiff{
			A:        difflib.SplitLines(pre[f.Path]),
			B:        difflib.SplitLines(post),
			FromFile: f.Path + " (before)",
			ToFile:   f.Path + " (after)",
			Context:  3,
		}
		text, err := difflib.GetUnifiedDiffString(ud)
		if err != nil || text == "" {
			continue
		}
		sb.WriteString(text)
	}
	return sb.String()
}

func (g *Gate) statusPath() string  { return filepath.Join(g.dir, "status.json") }
func (g *Gate) eventsPath() string  { return filepath.Join(g.dir, "events.ndjson") }
func (g *Gate) previewPath(name string) string {
	return filepath.Join(g.dir, "previews", name+".json")
}
func (g *Gate) actionPath(name string, seq int64) string {
	return filepath.Join(g.dir, "actions", fmt.Sprintf("%s-%06d.json", name, seq))
}
func (g *Gate) selftestPath(name string, seq int64) string {
	return filepath.Join(g.dir, "selftests", fmt.Sprintf("%s-%06d.json", name, seq))
}
func (g *Gate) verdictPath(name string, seq int64) string {
	return filepath.Join(g.dir, "verdicts", fmt.Sprintf("%s-%06d.json", name, seq))
}

// sortedJSONFiles lists *.json files in dir in name order.
func sortedJSONFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(names)
	return names, nil
}
