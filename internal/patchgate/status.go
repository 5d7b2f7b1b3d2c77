package patchgate

import (
	"time"

	"github.com/forgeline/taskgate/internal/permission"
)

// Phase of a gated patch. Stored phases are advisory only: the effective phase
// is recomputed from component records on every write and load, ordered by the
// monotonic per-gate sequence number rather than wall clock, so a rollback
// timestamped before its apply (clock skew) still invalidates it.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhasePreviewed  Phase = "previewed"
	PhaseApplied    Phase = "applied"
	PhaseRolledBack Phase = "rolled_back"
	PhaseSelfTested Phase = "selftested"
	PhaseVerdicted  Phase = "verdicted"
)

// SchemaVersion of the status document. Version 1 predates sequence numbers
// and is migrated once at load; see migrateLegacy in load.go.
const SchemaVersion = 2

// FileStat is the per-file add/delete count computed at preview.
type FileStat struct {
	Path    string `json:"path"`
	Added   int    `json:"added"`
	Deleted int    `json:"deleted"`
}

// PreviewRecord captures what a patch would touch, without mutating anything.
type PreviewRecord struct {
	Name      string                `json:"name"`
	PatchPath string                `json:"patch_path"`
	Checksum  string                `json:"checksum,omitempty"`
	RepoPath  string                `json:"repo_path"`
	Seq       int64                 `json:"seq"`
	At        time.Time             `json:"at"`
	Files     []FileStat            `json:"files"`
	Decisions []permission.Decision `json:"decisions"`
}

// ActionRecord captures one apply or rollback through the external patch tool.
type ActionRecord struct {
	Name        string    `json:"name"`
	Kind        string    `json:"kind"` // "apply" or "rollback"
	Seq         int64     `json:"seq"`
	At          time.Time `json:"at"`
	CheckOutput string    `json:"check_output,omitempty"`
	Output      string    `json:"output,omitempty"`
	AuditDiff   string    `json:"audit_diff,omitempty"` // pre/post state of touched files
}

// SelfTestRecord captures one self-test run against the applied patch.
type SelfTestRecord struct {
	Name     string    `json:"name"`
	Seq      int64     `json:"seq"`
	At       time.Time `json:"at"`
	Command  string    `json:"command"`
	ExitCode int       `json:"exit_code"`
	LogPath  string    `json:"log_path,omitempty"`
}

// VerdictRecord is the PASS/FAIL note closing a patch's lifecycle.
type VerdictRecord struct {
	Name    string    `json:"name"`
	Seq     int64     `json:"seq"`
	At      time.Time `json:"at"`
	Verdict string    `json:"verdict"` // "PASS" or "FAIL"
	Note    string    `json:"note,omitempty"`
}

// Item is one named patch within the gate.
type Item struct {
	Name      string `json:"name"`
	PatchPath string `json:"patch_path"`
	RepoPath  string `json:"repo_path"`
	Phase     Phase  `json:"phase"`

	Preview  *PreviewRecord  `json:"preview,omitempty"`
	Apply    *ActionRecord   `json:"apply,omitempty"`
	Rollback *ActionRecord   `json:"rollback,omitempty"`
	SelfTest *SelfTestRecord `json:"selftest,omitempty"`
	Verdict  *VerdictRecord  `json:"verdict,omitempty"`
}

// Status is the derived snapshot rewritten after every transition. It is a
// cache over the component records: corrupt or hand-edited copies self-heal on
// the next load instead of wedging the task.
type Status struct {
	SchemaVersion int       `json:"schema_version"`
	TaskID        string    `json:"task_id"`
	Phase         Phase     `json:"phase"`
	Items         []Item    `json:"items"`
	NextSeq       int64     `json:"next_seq"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// derivePhase computes an item's phase from its component records. The most
// recent of apply/rollback (by sequence) decides which branch the item is on;
// selftest and verdict advance the phase only when they follow the current
// effective apply. Records left over from before a rollback never count, but
// they are never deleted either.
func derivePhase(it *Item) Phase {
	if it.Preview == nil {
		return PhaseIdle
	}

	apply, rollback := it.Apply, it.Rollback
	if rollback != nil && (apply == nil || rollback.Seq > apply.Seq) {
		return PhaseRolledBack
	}
	if apply == nil {
		return PhasePreviewed
	}

	if it.SelfTest == nil || it.SelfTest.Seq <= apply.Seq {
		return PhaseApplied
	}
	if it.Verdict == nil || it.Verdict.Seq <= it.SelfTest.Seq {
		return PhaseSelfTested
	}
	return PhaseVerdicted
}

// phaseRank orders phases by lifecycle progress for the gate-level summary.
var phaseRank = map[Phase]int{
	PhaseIdle:       0,
	PhasePreviewed:  1,
	PhaseApplied:    2,
	PhaseRolledBack: 2,
	PhaseSelfTested: 3,
	PhaseVerdicted:  4,
}

// deriveGatePhase reports the least-advanced item's phase: the gate as a whole
// is only as far along as its slowest patch. Ties resolve to the earliest
// registered item, keeping derivation byte-stable across rewrites.
func deriveGatePhase(items []Item) Phase {
	if len(items) == 0 {
		return PhaseIdle
	}
	phase := items[0].Phase
	for _, it := range items[1:] {
		if phaseRank[it.Phase] < phaseRank[phase] {
			phase = it.Phase
		}
	}
	return phase
}
