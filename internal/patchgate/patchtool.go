package patchgate

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
)

// Tool invokes the external unified-diff-aware patch binary with the
// check-then-apply protocol. The binary must accept POSIX patch flags
// (--dry-run, -R, -p, -i); GNU patch is the default.
type Tool struct {
	bin    string
	logger *slog.Logger
}

// NewTool creates a patch tool wrapper around bin.
func NewTool(bin string, logger *slog.Logger) *Tool {
	return &Tool{bin: bin, logger: logger}
}

// Check performs a dry run without touching the tree. The combined output is
// returned for the action record; a non-nil error means the patch would not
// apply cleanly.
func (t *Tool) Check(ctx context.Context, repoPath, patchPath string, reverse bool) (string, error) {
	return t.run(ctx, repoPath, patchPath, reverse, true)
}

// Apply applies (or with reverse, reverts) the patch for real.
func (t *Tool) Apply(ctx context.Context, repoPath, patchPath string, reverse bool) (string, error) {
	return t.run(ctx, repoPath, patchPath, reverse, false)
}

func (t *Tool) run(ctx context.Context, repoPath, patchPath string, reverse, dryRun bool) (string, error) {
	args := []string{"-p1", "--batch", "--no-backup-if-mismatch", "-d", repoPath, "-i", patchPath}
	if reverse {
		args = append(args, "-R")
	}
	if dryRun {
		args = append(args, "--dry-run")
	}

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, t.bin, args...)
	cmd.Stdout = &out
	cmd.Stderr = &out

	t.logger.Debug("invoking patch tool", "bin", t.bin, "args", args)

	if err := cmd.Run(); err != nil {
		return out.String(), fmt.Errorf("%s %v failed: %w", t.bin, args, err)
	}
	return out.String(), nil
}
