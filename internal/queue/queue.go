// Package queue owns task records and the single background worker that
// drains them strictly sequentially. It composes the permission floor, file
// lock, patch gate, orchestrator state and autopilot into the task lifecycle.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"github.com/forgeline/taskgate/internal/autopilot"
	"github.com/forgeline/taskgate/internal/filelock"
	"github.com/forgeline/taskgate/internal/orchstate"
	"github.com/forgeline/taskgate/internal/request"
)

// ErrNotPending is returned by Cancel for tasks past the pending state:
// running work is never preempted.
var ErrNotPending = errors.New("queue: task is not pending")

// Outcome is what an executor reports for one task run.
type Outcome struct {
	ExitCode  *int
	Verdict   Verdict
	Artifacts []string

	// VerdictPath, when set, names the artifact that must exist for the run
	// to count as success. The artifact, not the exit code, is ground truth.
	VerdictPath string
}

// Executor runs one task under its resolved mode.
type Executor interface {
	Execute(ctx context.Context, task *Task) (*Outcome, error)
}

// Options tune the queue.
type Options struct {
	PollInterval time.Duration
	LockTTL      time.Duration
	LockTimeout  time.Duration
}

// Queue is the task queue plus its single background worker.
type Queue struct {
	store  *Store
	exec   Executor
	pilot  *autopilot.Autopilot
	dlq    *autopilot.DLQ
	opts   Options
	logger *slog.Logger

	// executorID identifies this process on lock leases.
	executorID string

	mu        sync.Mutex
	timers    []*time.Timer
	startOnce sync.Once
	stopOnce  sync.Once
	wake      chan struct{}
	done      chan struct{}
	wg        conc.WaitGroup
}

// New creates a queue. The worker only runs after an explicit Start: a
// submit-only process (the CLI) never drains tasks itself.
func New(store *Store, exec Executor, pilot *autopilot.Autopilot, dlq *autopilot.DLQ, opts Options, logger *slog.Logger) *Queue {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 10 * time.Minute
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 30 * time.Second
	}
	return &Queue{
		store:      store,
		exec:       exec,
		pilot:      pilot,
		dlq:        dlq,
		opts:       opts,
		logger:     logger,
		executorID: uuid.New().String(),
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// Store exposes the underlying task store for read paths (status CLI).
func (q *Queue) Store() *Store { return q.store }

// Submit validates the payload, mints a time-ordered id, persists a pending
// record and wakes the worker.
func (q *Queue) Submit(sub *request.Submission) (*Task, error) {
	return q.SubmitWithTaskID(MintID(), sub)
}

// SubmitWithTaskID is the idempotent variant. An existing running task makes
// the call a no-op returning the existing record; an existing non-running task
// is safely re-queued under the new payload (mode switch); a missing id is
// created fresh.
func (q *Queue) SubmitWithTaskID(id string, sub *request.Submission) (*Task, error) {
	if err := sub.Validate(); err != nil {
		return nil, fmt.Errorf("invalid submission: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.store.Exists(id) {
		t, err := q.store.Load(id)
		if err != nil {
			return nil, err
		}
		if t.Status == StatusRunning {
			return t, nil
		}

		t.Status = StatusPending
		t.Request = *sub
		t.Error = ""
		t.Verdict = ""
		t.ExitCode = nil
		if err := q.store.Save(t); err != nil {
			return nil, err
		}
		if _, err := q.state(id).Append(orchstate.PhaseQueued, map[string]any{"requeued": true}); err != nil {
			return nil, err
		}
		q.wakeWorker()
		return t, nil
	}

	now := time.Now().UTC()
	t := &Task{
		ID:        id,
		CreatedAt: now,
		UpdatedAt: now,
		Status:    StatusPending,
		Request:   *sub,
	}
	if err := q.store.Save(t); err != nil {
		return nil, err
	}
	if _, err := q.state(id).Append(orchstate.PhaseQueued, nil); err != nil {
		return nil, err
	}

	q.wakeWorker()
	return t, nil
}

// Cancel marks a pending task canceled. Running tasks run to completion or
// timeout; terminal tasks stay terminal.
func (q *Queue) Cancel(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, err := q.store.Load(id)
	if err != nil {
		return err
	}
	if t.Status != StatusPending {
		return fmt.Errorf("%w: %s is %s", ErrNotPending, id, t.Status)
	}

	t.Status = StatusCanceled
	if err := q.store.Save(t); err != nil {
		return err
	}
	_, err = q.state(id).Append(orchstate.PhaseCanceled, nil)
	return err
}

// Start ensures the background worker is running. Safe to call repeatedly.
func (q *Queue) Start() {
	q.startOnce.Do(func() {
		q.wg.Go(q.workerLoop)
	})
}

// Stop signals the worker and waits for it to finish the task in flight.
// Safe to call repeatedly.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		close(q.done)
		q.mu.Lock()
		for _, tm := range q.timers {
			tm.Stop()
		}
		q.timers = nil
		q.mu.Unlock()
		q.wg.Wait()
	})
}

// wakeWorker nudges the worker if one is running. The channel is buffered so
// a submit-only process just leaves the signal unread.
func (q *Queue) wakeWorker() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) state(id string) *orchstate.Store {
	return orchstate.NewStore(id, q.store.StatePath(id))
}

// workerLoop drains pending tasks strictly sequentially, oldest first. It
// sleeps on a wakeup signal with a bounded poll interval as a backstop, and
// stops on the done signal.
func (q *Queue) workerLoop() {
	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		q.drain()

		select {
		case <-q.done:
			return
		case <-q.wake:
		case <-ticker.C:
		}
	}
}

func (q *Queue) drain() {
	for {
		select {
		case <-q.done:
			return
		default:
		}

		t, err := q.store.OldestPending()
		if err != nil {
			q.logger.Error("failed to scan for pending tasks", "error", err)
			return
		}
		if t == nil {
			return
		}
		q.runTask(t)
	}
}

// runTask executes one task to a terminal status. Uncaught panics are
// recovered, recorded verbatim and handed to autopilot; nothing escapes the
// worker loop.
func (q *Queue) runTask(t *Task) {
	q.mu.Lock()
	// Re-load under the lock: the record may have been canceled (or re-queued
	// with a new payload) between the pending scan and now. A successful
	// cancel must prevent execution.
	fresh, err := q.store.Load(t.ID)
	if err != nil {
		q.mu.Unlock()
		q.logger.Error("failed to reload task record", "task_id", t.ID, "error", err)
		return
	}
	if fresh.Status != StatusPending {
		q.mu.Unlock()
		q.logger.Info("task no longer pending, skipping", "task_id", t.ID, "status", fresh.Status)
		return
	}
	t = fresh
	t.Status = StatusRunning
	t.RunID = "run-" + uuid.New().String()[:8]
	if err := q.store.Save(t); err != nil {
		q.mu.Unlock()
		q.logger.Error("failed to mark task running", "task_id", t.ID, "error", err)
		return
	}
	q.mu.Unlock()

	if _, err := q.state(t.ID).Append(orchstate.PhaseRunning, map[string]any{"run_id": t.RunID}); err != nil {
		q.logger.Warn("failed to record running phase", "task_id", t.ID, "error", err)
	}

	q.logger.Info("task started", "task_id", t.ID, "run_id", t.RunID,
		"mode", t.Request.ResolveMode(), "goal", t.Request.Task.Goal)

	defer func() {
		if r := recover(); r != nil {
			q.fail(t, fmt.Errorf("panic: %v", r))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), t.Request.Timeout())
	defer cancel()

	mode := t.Request.ResolveMode()
	if mutatesWorkspace(mode) {
		ttl := leaseTTL(q.opts.LockTTL, t.Request.Timeout())
		lock := filelock.New(t.Request.Workspace.RepoPath, ttl, q.executorID, q.logger)
		if _, err := lock.Acquire(ctx, t.ID, q.opts.LockTimeout); err != nil {
			// Lock timeout is a structured, retryable failure, not a crash.
			q.fail(t, fmt.Errorf("workspace lease not acquired: %w", err))
			return
		}
		defer func() {
			if err := lock.Release(); err != nil && !errors.Is(err, filelock.ErrNotHeld) {
				q.logger.Warn("failed to release workspace lease", "task_id", t.ID, "error", err)
			}
		}()
	}

	out, err := q.exec.Execute(ctx, t)
	if err != nil {
		if out != nil {
			// Partial outcome still carries evidence pointers and the exit
			// code autopilot classifies on.
			t.ExitCode = out.ExitCode
			t.Artifacts = out.Artifacts
		}
		q.fail(t, err)
		return
	}
	if out == nil {
		q.fail(t, errors.New("executor returned no outcome"))
		return
	}

	// Reported success without the mandatory verdict artifact is failure: the
	// artifact, not the exit code, is ground truth.
	if out.VerdictPath != "" {
		if _, statErr := os.Stat(out.VerdictPath); statErr != nil {
			q.fail(t, fmt.Errorf("verdict artifact missing at %s", out.VerdictPath))
			return
		}
	}

	q.mu.Lock()
	t.Status = StatusDone
	t.ExitCode = out.ExitCode
	t.Verdict = out.Verdict
	t.Artifacts = out.Artifacts
	t.Error = "" // earlier attempts may have left a failure behind
	saveErr := q.store.Save(t)
	q.mu.Unlock()
	if saveErr != nil {
		q.logger.Error("failed to persist terminal record", "task_id", t.ID, "error", saveErr)
	}

	if _, err := q.state(t.ID).Append(orchstate.PhaseDone, map[string]any{"verdict": string(out.Verdict)}); err != nil {
		q.logger.Warn("failed to record done phase", "task_id", t.ID, "error", err)
	}
	q.logger.Info("task done", "task_id", t.ID, "verdict", out.Verdict)
}

// fail writes the terminal failure with the error captured verbatim, then
// hands off to autopilot. Failures are never silently resolved.
func (q *Queue) fail(t *Task, cause error) {
	q.mu.Lock()
	t.Status = StatusFailed
	t.Error = cause.Error()
	t.Verdict = VerdictFail
	saveErr := q.store.Save(t)
	q.mu.Unlock()
	if saveErr != nil {
		q.logger.Error("failed to persist failure", "task_id", t.ID, "error", saveErr)
	}

	if _, err := q.state(t.ID).Append(orchstate.PhaseFailed, map[string]any{"error": t.Error}); err != nil {
		q.logger.Warn("failed to record failed phase", "task_id", t.ID, "error", err)
	}
	q.logger.Warn("task failed", "task_id", t.ID, "error", t.Error)

	q.escalate(t)
}

func (q *Queue) escalate(t *Task) {
	st := q.state(t.ID)
	state, err := st.Load()
	if err != nil {
		q.logger.Error("failed to load state for autopilot", "task_id", t.ID, "error", err)
		return
	}

	attempt := state.CountPhase(orchstate.PhaseRetryWait)
	decision := q.pilot.Decide(autopilot.Failure{
		TaskID:   t.ID,
		Status:   string(t.Status),
		Error:    t.Error,
		ExitCode: t.ExitCode,
	}, t.Request.EffectiveDifficulty(), attempt)

	data := map[string]any{
		"reason_code": string(decision.Reason),
		"risk_level":  string(decision.Risk),
		"action":      string(decision.Action),
		"attempt":     decision.Attempt,
	}

	switch decision.Action {
	case autopilot.ActRetry, autopilot.ActModelOverride:
		data["delay_ms"] = decision.Delay.Milliseconds()
		if decision.ModelOverride != "" {
			data["model_override"] = decision.ModelOverride
		}
		if _, err := st.Append(orchstate.PhaseRetryWait, data); err != nil {
			q.logger.Warn("failed to record retry decision", "task_id", t.ID, "error", err)
			return
		}
		q.scheduleRetry(t.ID, decision)

	case autopilot.ActAskUser:
		data["question"] = decision.Question
		if _, err := st.Append(orchstate.PhaseAwaitUser, data); err != nil {
			q.logger.Warn("failed to record escalation", "task_id", t.ID, "error", err)
		}
		q.logger.Info("task escalated to user", "task_id", t.ID, "question", decision.Question)

	case autopilot.ActDLQ:
		if err := q.dlq.Push(autopilot.DLQEntry{
			TaskID:   t.ID,
			Reason:   decision.Reason,
			Risk:     decision.Risk,
			Error:    t.Error,
			Attempts: decision.Attempt,
		}); err != nil {
			q.logger.Error("failed to dead-letter task", "task_id", t.ID, "error", err)
		}
		if _, err := st.Append(orchstate.PhaseDeadLettered, data); err != nil {
			q.logger.Warn("failed to record dead-letter", "task_id", t.ID, "error", err)
		}
		q.logger.Warn("task dead-lettered", "task_id", t.ID, "reason", decision.Reason)
	}
}

// scheduleRetry re-queues the task after the backoff delay.
func (q *Queue) scheduleRetry(id string, decision autopilot.Decision) {
	q.mu.Lock()
	defer q.mu.Unlock()

	timer := time.AfterFunc(decision.Delay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()

		t, err := q.store.Load(id)
		if err != nil || t.Status != StatusFailed {
			return
		}
		t.Status = StatusPending
		t.ModelOverride = decision.ModelOverride
		if err := q.store.Save(t); err != nil {
			q.logger.Error("failed to re-queue task", "task_id", id, "error", err)
			return
		}
		if _, err := q.state(id).Append(orchstate.PhaseQueued, map[string]any{"retry": decision.Attempt}); err != nil {
			q.logger.Warn("failed to record re-queue", "task_id", id, "error", err)
		}
		q.wakeWorker()
	})
	q.timers = append(q.timers, timer)
}

func mutatesWorkspace(mode request.Mode) bool {
	return mode == request.ModeExecute || mode == request.ModeFullAgent
}

// leaseTTL sizes the workspace lease for one task: never shorter than the
// task's own timeout, so the lease cannot expire under a live holder and be
// broken by another process mid-run.
func leaseTTL(lockTTL, taskTimeout time.Duration) time.Duration {
	if lockTTL >= taskTimeout {
		return lockTTL
	}
	return taskTimeout + time.Minute
}
