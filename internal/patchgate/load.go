package patchgate

import (
	"encoding/json"
	"path/filepath"
	"sort"
	"time"

	"github.com/forgeline/taskgate/internal/fsutil"
)

// load rebuilds the status snapshot from the component records on disk. The
// snapshot file contributes only item ordering and registration metadata; the
// phases and records come from previews/, actions/, selftests/ and verdicts/,
// so a corrupted or hand-edited snapshot heals itself here.
func (g *Gate) load() (*Status, error) {
	status := &Status{TaskID: g.taskID, SchemaVersion: SchemaVersion}

	var stored Status
	// A snapshot that fails to parse is rebuilt from scratch; that is the
	// self-healing path, not an error.
	if err := fsutil.ReadJSON(g.statusPath(), &stored); err == nil {
		for _, it := range stored.Items {
			status.Items = append(status.Items, Item{
				Name:      it.Name,
				PatchPath: it.PatchPath,
				RepoPath:  it.RepoPath,
			})
		}
	}

	previews, err := loadRecords[PreviewRecord](filepath.Join(g.dir, "previews"))
	if err != nil {
		return nil, err
	}
	actions, err := loadRecords[ActionRecord](filepath.Join(g.dir, "actions"))
	if err != nil {
		return nil, err
	}
	selftests, err := loadRecords[SelfTestRecord](filepath.Join(g.dir, "selftests"))
	if err != nil {
		return nil, err
	}
	verdicts, err := loadRecords[VerdictRecord](filepath.Join(g.dir, "verdicts"))
	if err != nil {
		return nil, err
	}

	migrated := g.migrateLegacy(previews, actions, selftests, verdicts)

	var maxSeq int64
	track := func(seq int64) {
		if seq > maxSeq {
			maxSeq = seq
		}
	}

	byName := func(name string) *Item {
		for i := range status.Items {
			if status.Items[i].Name == name {
				return &status.Items[i]
			}
		}
		status.Items = append(status.Items, Item{Name: name})
		return &status.Items[len(status.Items)-1]
	}

	for _, rec := range previews {
		it := byName(rec.record.Name)
		it.Preview = &rec.record
		it.PatchPath = rec.record.PatchPath
		it.RepoPath = rec.record.RepoPath
		track(rec.record.Seq)
	}
	for _, rec := range actions {
		it := byName(rec.record.Name)
		switch rec.record.Kind {
		case "apply":
			if it.Apply == nil || rec.record.Seq > it.Apply.Seq {
				r := rec.record
				it.Apply = &r
			}
		case "rollback":
			if it.Rollback == nil || rec.record.Seq > it.Rollback.Seq {
				r := rec.record
				it.Rollback = &r
			}
		}
		track(rec.record.Seq)
	}
	for _, rec := range selftests {
		it := byName(rec.record.Name)
		if it.SelfTest == nil || rec.record.Seq > it.SelfTest.Seq {
			r := rec.record
			it.SelfTest = &r
		}
		track(rec.record.Seq)
	}
	for _, rec := range verdicts {
		it := byName(rec.record.Name)
		if it.Verdict == nil || rec.record.Seq > it.Verdict.Seq {
			r := rec.record
			it.Verdict = &r
		}
		track(rec.record.Seq)
	}

	// Drop registry entries that have no records at all; they were snapshot
	// noise, not real items.
	kept := status.Items[:0]
	for _, it := range status.Items {
		if it.Preview != nil || it.Apply != nil || it.Rollback != nil || it.SelfTest != nil || it.Verdict != nil {
			kept = append(kept, it)
		}
	}
	status.Items = kept
	status.NextSeq = maxSeq + 1

	if migrated {
		evt := Event{Seq: status.NextSeq, Kind: "migrated", At: time.Now().UTC(),
			Data: map[string]any{"from_schema": 1, "to_schema": SchemaVersion}}
		status.NextSeq++
		if line, err := json.Marshal(evt); err == nil {
			if err := fsutil.AppendLine(g.eventsPath(), line); err != nil {
				return nil, err
			}
		}
		g.logger.Info("migrated legacy patch gate records", "task_id", g.taskID)
	}

	return status, nil
}

// loadedRecord pairs a decoded record with the file it came from so migration
// can rewrite it in place.
type loadedRecord[T any] struct {
	path   string
	record T
}

func loadRecords[T any](dir string) ([]loadedRecord[T], error) {
	paths, err := sortedJSONFiles(dir)
	if err != nil {
		return nil, err
	}
	out := make([]loadedRecord[T], 0, len(paths))
	for _, p := range paths {
		var rec T
		if err := fsutil.ReadJSON(p, &rec); err != nil {
			return nil, err
		}
		out = append(out, loadedRecord[T]{path: p, record: rec})
	}
	return out, nil
}

// migrateLegacy upgrades schema-version-1 records, which carried wall-clock
// timestamps but no sequence numbers. Sequence numbers are assigned in
// timestamp order across all record kinds and the records rewritten in place;
// nothing is deleted. Returns whether any record was migrated.
func (g *Gate) migrateLegacy(
	previews []loadedRecord[PreviewRecord],
	actions []loadedRecord[ActionRecord],
	selftests []loadedRecord[SelfTestRecord],
	verdicts []loadedRecord[VerdictRecord],
) bool {
	type pending struct {
		at    time.Time
		apply func(seq int64) error
	}
	var todo []pending

	for i := range previews {
		if previews[i].record.Seq == 0 {
			rec := &previews[i]
			todo = append(todo, pending{at: rec.record.At, apply: func(seq int64) error {
				rec.record.Seq = seq
				return fsutil.AtomicWriteJSON(rec.path, &rec.record)
			}})
		}
	}
	for i := range actions {
		if actions[i].record.Seq == 0 {
			rec := &actions[i]
			todo = append(todo, pending{at: rec.record.At, apply: func(seq int64) error {
				rec.record.Seq = seq
				return fsutil.AtomicWriteJSON(rec.path, &rec.record)
			}})
		}
	}
	for i := range selftests {
		if selftests[i].record.Seq == 0 {
			rec := &selftests[i]
			todo = append(todo, pending{at: rec.record.At, apply: func(seq int64) error {
				rec.record.Seq = seq
				return fsutil.AtomicWriteJSON(rec.path, &rec.record)
			}})
		}
	}
	for i := range verdicts {
		if verdicts[i].record.Seq == 0 {
			rec := &verdicts[i]
			todo = append(todo, pending{at: rec.record.At, apply: func(seq int64) error {
				rec.record.Seq = seq
				return fsutil.AtomicWriteJSON(rec.path, &rec.record)
			}})
		}
	}

	if len(todo) == 0 {
		return false
	}

	sort.SliceStable(todo, func(i, j int) bool { return todo[i].at.Before(todo[j].at) })
	for i, p := range todo {
		if err := p.apply(int64(i + 1)); err != nil {
			g.logger.Warn("failed to rewrite record during migration", "error", err)
		}
	}
	return true
}
