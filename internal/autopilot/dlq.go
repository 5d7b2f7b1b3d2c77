package autopilot

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/forgeline/taskgate/internal/fsutil"
	"github.com/forgeline/taskgate/internal/request"
)

// DLQEntry is one dead-lettered failure.
type DLQEntry struct {
	TaskID   string             `json:"task_id"`
	Reason   ReasonCode         `json:"reason_code"`
	Risk     request.Difficulty `json:"risk_level"`
	Error    string             `json:"error"`
	Attempts int                `json:"attempts"`
	At       time.Time          `json:"at"`
}

// DLQ is a capped dead-letter store: one JSON file per entry, named by ULID so
// directory order is arrival order. When the cap is exceeded the oldest
// entries are evicted.
type DLQ struct {
	dir string
	cap int
}

// NewDLQ creates a dead-letter store at dir holding at most capacity entries.
func NewDLQ(dir string, capacity int) *DLQ {
	if capacity <= 0 {
		capacity = 100
	}
	return &DLQ{dir: dir, cap: capacity}
}

// Push appends an entry, evicting the oldest beyond capacity.
func (q *DLQ) Push(entry DLQEntry) error {
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}
	path := filepath.Join(q.dir, ulid.Make().String()+".json")
	if err := fsutil.AtomicWriteJSON(path, entry); err != nil {
		return fmt.Errorf("failed to dead-letter task %s: %w", entry.TaskID, err)
	}
	return q.evict()
}

// List returns every entry in arrival order.
func (q *DLQ) List() ([]DLQEntry, error) {
	names, err := q.entryFiles()
	if err != nil {
		return nil, err
	}
	entries := make([]DLQEntry, 0, len(names))
	for _, name := range names {
		var e DLQEntry
		if err := fsutil.ReadJSON(filepath.Join(q.dir, name), &e); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (q *DLQ) evict() error {
	names, err := q.entryFiles()
	if err != nil {
		return err
	}
	for len(names) > q.cap {
		if err := os.Remove(filepath.Join(q.dir, names[0])); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to evict dead-letter entry: %w", err)
		}
		names = names[1:]
	}
	return nil
}

func (q *DLQ) entryFiles() ([]string, error) {
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list dead-letter store: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
