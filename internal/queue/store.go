package queue

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/forgeline/taskgate/internal/fsutil"
	"github.com/forgeline/taskgate/internal/request"
)

// Status of a task record. Terminal records (done, failed, canceled) are
// retained forever for audit and idempotent resubmission.
type Status string

const (
	StatusPending  Status = "pending"
	StatusRunning  Status = "running"
	StatusDone     Status = "done"
	StatusFailed   Status = "failed"
	StatusCanceled Status = "canceled"
)

// Terminal reports whether no further transition is expected.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusCanceled
}

// Verdict is the PASS/FAIL determination backed by a durable artifact,
// distinct from any process exit code.
type Verdict string

const (
	VerdictPass Verdict = "PASS"
	VerdictFail Verdict = "FAIL"
)

// Task is the record owned exclusively by the queue: created on submit,
// mutated only by the worker holding it.
type Task struct {
	ID        string    `json:"task_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Status    Status    `json:"status"`

	Request request.Submission `json:"request"`

	RunID         string   `json:"run_id,omitempty"`
	ExitCode      *int     `json:"exit_code,omitempty"`
	Verdict       Verdict  `json:"verdict,omitempty"`
	Artifacts     []string `json:"artifacts,omitempty"`
	Error         string   `json:"error,omitempty"`
	ModelOverride string   `json:"model_override,omitempty"`
}

// ErrNotFound is returned when no record exists for a task id.
var ErrNotFound = errors.New("queue: task not found")

// MintID mints a time-ordered, globally unique task id. ULIDs sort
// lexicographically in creation order, so "oldest pending" is a name sort.
func MintID() string {
	return ulid.Make().String()
}

// Store persists task records, one directory per task:
//
//	<root>/tasks/<id>/record.json
//	<root>/tasks/<id>/state.json        (orchestrator state)
//	<root>/tasks/<id>/evidence/...      (per-mode artifacts)
type Store struct {
	root string
}

// NewStore creates a store rooted at root.
func NewStore(root string) *Store {
	return &Store{root: root}
}

// Root returns the store root directory.
func (s *Store) Root() string { return s.root }

// TaskDir returns the directory for one task.
func (s *Store) TaskDir(id string) string {
	return filepath.Join(s.root, "tasks", id)
}

// RecordPath returns the task record location.
func (s *Store) RecordPath(id string) string {
	return filepath.Join(s.TaskDir(id), "record.json")
}

// StatePath returns the orchestrator-state document location.
func (s *Store) StatePath(id string) string {
	return filepath.Join(s.TaskDir(id), "state.json")
}

// EvidenceDir returns the evidence subtree for one task.
func (s *Store) EvidenceDir(id string) string {
	return filepath.Join(s.TaskDir(id), "evidence")
}

// Save writes the record atomically, bumping UpdatedAt.
func (s *Store) Save(t *Task) error {
	t.UpdatedAt = time.Now().UTC()
	return fsutil.AtomicWriteJSON(s.RecordPath(t.ID), t)
}

// Load reads one task record.
func (s *Store) Load(id string) (*Task, error) {
	if _, err := os.Stat(s.RecordPath(id)); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to stat task record: %w", err)
	}
	var t Task
	if err := fsutil.ReadJSON(s.RecordPath(id), &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Exists reports whether a record exists for id.
func (s *Store) Exists(id string) bool {
	_, err := os.Stat(s.RecordPath(id))
	return err == nil
}

// List returns every task record in id (time) order.
func (s *Store) List() ([]*Task, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, "tasks"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}

	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)

	tasks := make([]*Task, 0, len(ids))
	for _, id := range ids {
		t, err := s.Load(id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue // directory without a record yet
			}
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// OldestPending returns the pending task with the smallest id, or nil.
func (s *Store) OldestPending() (*Task, error) {
	tasks, err := s.List()
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		if t.Status == StatusPending {
			return t, nil
		}
	}
	return nil, nil
}
