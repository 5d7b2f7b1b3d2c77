// Package idempotency maps externally-sourced message ids to internally minted
// task ids. It is the sole source of truth for "has this inbound message
// already become a task": at-least-once upstream delivery never yields more
// than one live task per message id.
package idempotency

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/forgeline/taskgate/internal/fsutil"
)

// Record tracks one external message id. Entries are never removed;
// FirstSeenAt is preserved across updates.
type Record struct {
	TaskID      string    `json:"task_id"`
	FirstSeenAt time.Time `json:"first_seen_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
	Status      string    `json:"status"`
}

// Statuses recorded on entries.
const (
	StatusBound    = "bound"
	StatusRebound  = "rebound" // task record was lost, a fresh task was minted
	StatusRepeated = "repeated"
)

// Index is a durable map persisted as a single JSON document with atomic
// replace. Cross-goroutine access is serialized by an internal mutex;
// cross-process writers coordinate through the workspace lock.
type Index struct {
	path string

	mu      sync.Mutex
	entries map[string]*Record
}

// Open loads the index at path, creating an empty one if absent.
func Open(path string) (*Index, error) {
	ix := &Index{path: path, entries: make(map[string]*Record)}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return ix, nil
		}
		return nil, fmt.Errorf("failed to stat index: %w", err)
	}

	if err := fsutil.ReadJSON(path, &ix.entries); err != nil {
		return nil, err
	}
	return ix, nil
}

// Bind resolves externalID to a task id. A repeated id reuses the existing
// task id; a fresh task is minted only when the id is new, or when the bound
// task record itself has gone missing (data loss). The reused result reports
// whether an existing binding was honored.
func (ix *Index) Bind(externalID string, taskExists func(taskID string) bool, mint func() (string, error)) (taskID string, reused bool, err error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	now := time.Now().UTC()

	if rec, ok := ix.entries[externalID]; ok {
		if taskExists(rec.TaskID) {
			rec.LastSeenAt = now
			rec.Status = StatusRepeated
			if err := ix.save(); err != nil {
				return "", false, err
			}
			return rec.TaskID, true, nil
		}

		// The upstream already handed us this message, but the task record it
		// bound to no longer exists. Resubmit under a fresh id, preserving the
		// original first-seen timestamp.
		freshID, mintErr := mint()
		if mintErr != nil {
			return "", false, fmt.Errorf("failed to mint replacement task: %w", mintErr)
		}
		rec.TaskID = freshID
		rec.LastSeenAt = now
		rec.Status = StatusRebound
		if err := ix.save(); err != nil {
			return "", false, err
		}
		return freshID, false, nil
	}

	freshID, mintErr := mint()
	if mintErr != nil {
		return "", false, fmt.Errorf("failed to mint task: %w", mintErr)
	}
	ix.entries[externalID] = &Record{
		TaskID:      freshID,
		FirstSeenAt: now,
		LastSeenAt:  now,
		Status:      StatusBound,
	}
	if err := ix.save(); err != nil {
		return "", false, err
	}
	return freshID, false, nil
}

// Lookup returns a copy of the record for externalID.
func (ix *Index) Lookup(externalID string) (Record, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	rec, ok := ix.entries[externalID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Len returns the number of bound message ids.
func (ix *Index) Len() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return len(ix.entries)
}

func (ix *Index) save() error {
	return fsutil.AtomicWriteJSON(ix.path, ix.entries)
}
