// Package filelock provides the exclusive, cross-process workspace lock. It is
// the system's only mutual-exclusion primitive: nothing may mutate workspace
// files without holding it.
package filelock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// LockFileName is the well-known lease location under a workspace root.
const LockFileName = ".taskgate.lock"

// ErrTimeout is returned when acquisition gives up waiting for the current
// holder. Retryable, and distinguishable from generic I/O failure.
var ErrTimeout = errors.New("filelock: timed out waiting for lease")

// ErrNotHeld is returned when releasing a lease the caller no longer holds,
// e.g. one that expired and was reassigned to another executor.
var ErrNotHeld = errors.New("filelock: lease not held by this executor")

// Lease records who holds the workspace and until when. It exists only while
// held and expires at the deadline the holder wrote, so a crashed holder never
// wedges the workspace forever.
type Lease struct {
	LockPath   string    `json:"lock_path"`
	TaskID     string    `json:"task_id"`
	ExecutorID string    `json:"executor_id"`
	PID        int       `json:"pid"`
	Host       string    `json:"host"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the lease's own deadline has passed. The deadline
// travels in the lease file: the holder's TTL decides, not whatever TTL the
// observing process happens to be configured with. Leases written before
// expires_at existed fall back to ttl arithmetic.
func (l *Lease) Expired(ttl time.Duration, now time.Time) bool {
	if !l.ExpiresAt.IsZero() {
		return now.After(l.ExpiresAt)
	}
	return now.Sub(l.AcquiredAt) > ttl
}

// Lock manages one exclusive lease per workspace root.
type Lock struct {
	path       string
	ttl        time.Duration
	executorID string
	logger     *slog.Logger

	held *Lease
}

// pollInterval bounds how often a blocked acquirer re-checks the lease file.
const pollInterval = 100 * time.Millisecond

// New creates a lock for the workspace root. executorID identifies this
// process across acquisitions (one UUID per process lifetime).
func New(workspaceRoot string, ttl time.Duration, executorID string, logger *slog.Logger) *Lock {
	return &Lock{
		path:       filepath.Join(workspaceRoot, LockFileName),
		ttl:        ttl,
		executorID: executorID,
		logger:     logger,
	}
}

// Path returns the lease file location.
func (l *Lock) Path() string { return l.path }

// Acquire takes the lease for taskID, polling up to timeout while another
// unexpired lease exists. Returns ErrTimeout when it gives up.
func (l *Lock) Acquire(ctx context.Context, taskID string, timeout time.Duration) (*Lease, error) {
	deadline := time.Now().Add(timeout)

	for {
		lease, err := l.tryAcquire(taskID)
		if err == nil {
			l.held = lease
			l.logger.Debug("lease acquired", "task_id", taskID, "path", l.path)
			return lease, nil
		}
		if !errors.Is(err, errHeldElsewhere) {
			return nil, err
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s", ErrTimeout, l.path)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// errHeldElsewhere is internal: an unexpired lease belongs to someone else.
var errHeldElsewhere = errors.New("filelock: lease held elsewhere")

func (l *Lock) tryAcquire(taskID string) (*Lease, error) {
	host, _ := os.Hostname()
	now := time.Now().UTC()
	lease := &Lease{
		LockPath:   l.path,
		TaskID:     taskID,
		ExecutorID: l.executorID,
		PID:        os.Getpid(),
		Host:       host,
		AcquiredAt: now,
		ExpiresAt:  now.Add(l.ttl),
	}

	data, err := json.MarshalIndent(lease, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal lease: %w", err)
	}

	// O_EXCL makes creation the atomic claim: exactly one creator wins.
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err == nil {
		defer f.Close()
		if _, err := f.Write(data); err != nil {
			os.Remove(l.path)
			return nil, fmt.Errorf("failed to write lease: %w", err)
		}
		if err := f.Sync(); err != nil {
			os.Remove(l.path)
			return nil, fmt.Errorf("failed to sync lease: %w", err)
		}
		return lease, nil
	}
	if !os.IsExist(err) {
		return nil, fmt.Errorf("failed to create lease file: %w", err)
	}

	existing, readErr := l.readLease()
	if readErr != nil {
		if os.IsNotExist(readErr) {
			// Holder released between our create attempt and the read.
			return nil, errHeldElsewhere
		}
		return nil, readErr
	}

	if existing.Expired(l.ttl, time.Now()) {
		l.logger.Warn("breaking expired lease",
			"holder_pid", existing.PID,
			"holder_task", existing.TaskID,
			"acquired_at", existing.AcquiredAt)
		// Remove and loop: if two processes race the removal, O_EXCL still
		// admits only one of them on the next attempt.
		if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to remove expired lease: %w", err)
		}
	}

	return nil, errHeldElsewhere
}

// Release removes the lease, but only if this executor still holds it. A lease
// that expired and was claimed by another process is left untouched and
// ErrNotHeld is returned. The file is claimed by rename before inspection:
// read-then-remove would race an expiry steal and delete the new holder's
// fresh lease.
func (l *Lock) Release() error {
	if l.held == nil {
		return ErrNotHeld
	}

	claim := l.path + ".release." + l.executorID
	if err := os.Rename(l.path, claim); err != nil {
		if os.IsNotExist(err) {
			l.held = nil
			return ErrNotHeld
		}
		return fmt.Errorf("failed to claim lease for release: %w", err)
	}

	current, err := readLeaseFile(claim)
	if err != nil {
		l.restore(claim)
		return err
	}

	if current.ExecutorID != l.held.ExecutorID || current.PID != l.held.PID || current.TaskID != l.held.TaskID {
		l.restore(claim)
		l.held = nil
		return ErrNotHeld
	}

	if err := os.Remove(claim); err != nil {
		return fmt.Errorf("failed to remove lease: %w", err)
	}

	l.logger.Debug("lease released", "task_id", current.TaskID, "path", l.path)
	l.held = nil
	return nil
}

// restore puts a lease this executor does not own back at the lock path. The
// link fails if a newer lease already exists there; that lease wins.
func (l *Lock) restore(claim string) {
	if err := os.Link(claim, l.path); err != nil && !os.IsExist(err) {
		l.logger.Warn("failed to restore foreign lease", "path", l.path, "error", err)
		return
	}
	os.Remove(claim)
}

func (l *Lock) readLease() (*Lease, error) {
	return readLeaseFile(l.path)
}

func readLeaseFile(path string) (*Lease, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var lease Lease
	if err := json.Unmarshal(data, &lease); err != nil {
		return nil, fmt.Errorf("corrupt lease file %s: %w", path, err)
	}
	return &lease, nil
}
