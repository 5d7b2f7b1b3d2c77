// Package inbox ingests work requests from a maildir-style directory: upstream
// drops JSON messages into new/, the poller marks each read (new -> cur),
// enqueues it through the idempotency index, then acknowledges (cur -> done).
// Replies go to out/. Upstream delivery is at-least-once; the index guarantees
// a message id never yields more than one live task.
package inbox

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sourcegraph/conc"

	"github.com/forgeline/taskgate/internal/fsutil"
	"github.com/forgeline/taskgate/internal/idempotency"
	"github.com/forgeline/taskgate/internal/queue"
	"github.com/forgeline/taskgate/internal/request"
)

// Message is one inbox entry. ID is the upstream delivery id the idempotency
// index keys on.
type Message struct {
	ID      string              `json:"id"`
	Payload *request.Submission `json:"payload"`
}

// Reply is written to out/ after a message is enqueued or refused.
type Reply struct {
	MessageID string    `json:"message_id"`
	TaskID    string    `json:"task_id,omitempty"`
	Reused    bool      `json:"reused,omitempty"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// Inbox watches a directory inbox and feeds the task queue.
type Inbox struct {
	dir    string
	queue  *queue.Queue
	index  *idempotency.Index
	poll   time.Duration
	logger *slog.Logger

	wg   conc.WaitGroup
	done chan struct{}
}

// New prepares the inbox directories and opens the idempotency index stored
// alongside them.
func New(dir string, q *queue.Queue, poll time.Duration, logger *slog.Logger) (*Inbox, error) {
	for _, sub := range []string{"new", "cur", "done", "out"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create inbox dir: %w", err)
		}
	}
	index, err := idempotency.Open(filepath.Join(dir, "index.json"))
	if err != nil {
		return nil, fmt.Errorf("open idempotency index: %w", err)
	}
	return &Inbox{
		dir:    dir,
		queue:  q,
		index:  index,
		poll:   poll,
		logger: logger,
		done:   make(chan struct{}),
	}, nil
}

// Index exposes the idempotency index for inspection.
func (in *Inbox) Index() *idempotency.Index { return in.index }

// Start launches the poller. The fsnotify watch gives low latency; the
// interval scan catches messages dropped while the watch was down and any
// leftovers in cur/ from a crashed run.
func (in *Inbox) Start() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("start inbox watcher: %w", err)
	}
	if err := watcher.Add(filepath.Join(in.dir, "new")); err != nil {
		watcher.Close()
		return fmt.Errorf("watch inbox: %w", err)
	}

	in.wg.Go(func() {
		defer watcher.Close()
		ticker := time.NewTicker(in.poll)
		defer ticker.Stop()

		in.Drain()
		for {
			select {
			case <-in.done:
				return
			case evt, ok := <-watcher.Events:
				if !ok {
					return
				}
				if evt.Op&(fsnotify.Create|fsnotify.Rename) != 0 {
					in.Drain()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				in.logger.Warn("inbox watch error", "error", err)
			case <-ticker.C:
				in.Drain()
			}
		}
	})
	return nil
}

// Stop halts the poller and waits for in-flight ingestion.
func (in *Inbox) Stop() {
	close(in.done)
	in.wg.Wait()
}

// Drain ingests every readable message once: crash leftovers in cur/ first,
// then new arrivals, oldest name first.
func (in *Inbox) Drain() {
	for _, path := range in.listJSON("cur") {
		in.ingest(path)
	}
	for _, path := range in.listJSON("new") {
		cur, err := in.MarkRead(path)
		if err != nil {
			in.logger.Warn("inbox mark-read failed", "path", path, "error", err)
			continue
		}
		in.ingest(cur)
	}
}

// MarkRead moves a message from new/ to cur/ and returns its new path.
func (in *Inbox) MarkRead(path string) (string, error) {
	cur := filepath.Join(in.dir, "cur", filepath.Base(path))
	if err := os.Rename(path, cur); err != nil {
		return "", err
	}
	return cur, nil
}

// Ack moves a processed message from cur/ to done/.
func (in *Inbox) Ack(path string) error {
	return os.Rename(path, filepath.Join(in.dir, "done", filepath.Base(path)))
}

// Send writes a reply to out/ for upstream to collect.
func (in *Inbox) Send(reply *Reply) error {
	reply.At = time.Now().UTC()
	name := fmt.Sprintf("%s.json", reply.MessageID)
	return fsutil.AtomicWriteJSON(filepath.Join(in.dir, "out", name), reply)
}

// ingest parses one message, binds its id to a task and enqueues it. A
// malformed message is acknowledged with an error reply instead of being
// retried forever.
func (in *Inbox) ingest(path string) {
	msg, err := readMessage(path)
	if err != nil {
		in.logger.Warn("inbox message unreadable", "path", path, "error", err)
		in.refuse(path, filepath.Base(path), err)
		return
	}

	store := in.queue.Store()
	taskID, reused, err := in.index.Bind(msg.ID, store.Exists, func() (string, error) {
		return queue.MintID(), nil
	})
	if err != nil {
		in.logger.Error("inbox bind failed", "message_id", msg.ID, "error", err)
		return
	}

	if reused {
		in.logger.Info("inbox message repeated", "message_id", msg.ID, "task_id", taskID)
	} else if _, err := in.queue.SubmitWithTaskID(taskID, msg.Payload); err != nil {
		in.refuse(path, msg.ID, err)
		return
	}

	if err := in.Ack(path); err != nil {
		in.logger.Warn("inbox ack failed", "path", path, "error", err)
		return
	}
	if err := in.Send(&Reply{MessageID: msg.ID, TaskID: taskID, Reused: reused}); err != nil {
		in.logger.Warn("inbox reply failed", "message_id", msg.ID, "error", err)
	}
}

// refuse acknowledges a message that can never be enqueued and records why.
func (in *Inbox) refuse(path, messageID string, cause error) {
	if err := in.Ack(path); err != nil {
		in.logger.Warn("inbox ack failed", "path", path, "error", err)
		return
	}
	if err := in.Send(&Reply{MessageID: messageID, Error: cause.Error()}); err != nil {
		in.logger.Warn("inbox reply failed", "message_id", messageID, "error", err)
	}
}

func (in *Inbox) listJSON(sub string) []string {
	entries, err := os.ReadDir(filepath.Join(in.dir, sub))
	if err != nil {
		in.logger.Warn("inbox scan failed", "dir", sub, "error", err)
		return nil
	}
	var paths []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			paths = append(paths, filepath.Join(in.dir, sub, e.Name()))
		}
	}
	sort.Strings(paths)
	return paths
}

func readMessage(path string) (*Message, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if msg.ID == "" {
		return nil, fmt.Errorf("message has no id")
	}
	if msg.Payload == nil {
		return nil, fmt.Errorf("message %s has no payload", msg.ID)
	}
	if err := msg.Payload.Validate(); err != nil {
		return nil, fmt.Errorf("message %s: %w", msg.ID, err)
	}
	return &msg, nil
}
