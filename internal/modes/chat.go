package modes

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/forgeline/taskgate/internal/fsutil"
	"github.com/forgeline/taskgate/internal/ndjson"
	"github.com/forgeline/taskgate/internal/queue"
)

// ChatEntry is one transcript line. The transcript is append-only NDJSON:
// entries are never edited or removed.
type ChatEntry struct {
	Index   int       `json:"index"`
	Role    string    `json:"role"` // "user" or "orchestrator"
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// runChat appends the submission's message to the task's transcript, plus an
// acknowledgment entry. Read-only mode: no workspace lease, no mutation. The
// transcript is capped; appends past the cap are refused rather than rotated
// so history is never silently lost.
func (d *Dispatcher) runChat(task *queue.Task) (*queue.Outcome, error) {
	msg := task.Request.Message
	if msg == "" {
		msg = task.Request.Task.Goal
	}

	path := filepath.Join(d.store.EvidenceDir(task.ID), "chat.ndjson")
	count, err := transcriptLen(path)
	if err != nil {
		return nil, fmt.Errorf("read transcript: %w", err)
	}
	if count+2 > d.opts.ChatCap {
		return nil, fmt.Errorf("transcript full: %d entries, cap %d", count, d.opts.ChatCap)
	}

	now := time.Now().UTC()
	entries := []ChatEntry{
		{Index: count, Role: "user", Message: msg, At: now},
		{Index: count + 1, Role: "orchestrator", Message: ack(task), At: now},
	}
	for _, e := range entries {
		line, err := json.Marshal(e)
		if err != nil {
			return nil, err
		}
		if err := fsutil.AppendLine(path, line); err != nil {
			return nil, fmt.Errorf("append transcript: %w", err)
		}
	}

	return &queue.Outcome{Artifacts: []string{path}}, nil
}

// ack is the deterministic orchestrator reply recorded alongside each user
// message.
func ack(task *queue.Task) string {
	return fmt.Sprintf("received for task %s (goal: %s)", task.ID, task.Request.Task.Goal)
}

func transcriptLen(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer f.Close()

	n := 0
	dec := ndjson.NewDecoder(f)
	if err := dec.DecodeAll(func([]byte) error {
		n++
		return nil
	}); err != nil {
		return 0, err
	}
	return n, nil
}
