// Package orchstate persists per-task orchestration phase as an append-only
// transition log. Phase labels are not strictly ordered: re-queueing a task
// legitimately revisits "queued", so consumers read history, not a ladder.
package orchstate

import (
	"fmt"
	"os"
	"time"

	"github.com/forgeline/taskgate/internal/fsutil"
)

// Phase labels used by the queue and autopilot. The set is open: components
// may append their own labels (patch gate phases land here too).
type Phase string

const (
	PhaseQueued       Phase = "queued"
	PhaseRunning      Phase = "running"
	PhaseDone         Phase = "done"
	PhaseFailed       Phase = "failed"
	PhaseCanceled     Phase = "canceled"
	PhaseRetryWait    Phase = "retry_wait"
	PhaseAwaitUser    Phase = "await_user"
	PhaseDeadLettered Phase = "dead_lettered"
)

// Transition is one append-only history entry.
type Transition struct {
	Phase Phase          `json:"phase"`
	At    time.Time      `json:"at"`
	Data  map[string]any `json:"data,omitempty"`
}

// State is the persisted orchestrator-state document for one task.
type State struct {
	TaskID  string         `json:"task_id"`
	Phase   Phase          `json:"phase"`
	Data    map[string]any `json:"data,omitempty"`
	History []Transition   `json:"history"`
}

// Store reads and appends one task's state document.
type Store struct {
	taskID string
	path   string
}

// NewStore creates a store for the state document at path.
func NewStore(taskID, path string) *Store {
	return &Store{taskID: taskID, path: path}
}

// Append records a phase transition: the document's current phase/data are
// replaced and the transition is appended to history, then the whole document
// is rewritten atomically.
func (s *Store) Append(phase Phase, data map[string]any) (*State, error) {
	state, err := s.Load()
	if err != nil {
		return nil, err
	}

	state.Phase = phase
	state.Data = data
	state.History = append(state.History, Transition{
		Phase: phase,
		At:    time.Now().UTC(),
		Data:  data,
	})

	if err := fsutil.AtomicWriteJSON(s.path, state); err != nil {
		return nil, fmt.Errorf("failed to save orchestrator state: %w", err)
	}
	return state, nil
}

// Load reads the state document, returning an empty document when none exists
// yet.
func (s *Store) Load() (*State, error) {
	if _, err := os.Stat(s.path); err != nil {
		if os.IsNotExist(err) {
			return &State{TaskID: s.taskID}, nil
		}
		return nil, fmt.Errorf("failed to stat orchestrator state: %w", err)
	}

	var state State
	if err := fsutil.ReadJSON(s.path, &state); err != nil {
		return nil, err
	}
	if state.TaskID == "" {
		state.TaskID = s.taskID
	}
	return &state, nil
}

// CountPhase returns how many history entries carry the given phase. Autopilot
// uses this to bound retries without keeping counters anywhere else.
func (s *State) CountPhase(phase Phase) int {
	n := 0
	for _, tr := range s.History {
		if tr.Phase == phase {
			n++
		}
	}
	return n
}
