// Package modes turns a task's goal into action under one of four mutually
// exclusive operating modes: execute, plan, chat and fullagent. The dispatcher
// implements the queue's Executor interface.
package modes

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/forgeline/taskgate/internal/patchgate"
	"github.com/forgeline/taskgate/internal/queue"
	"github.com/forgeline/taskgate/internal/request"
)

// Planner is the external plan/generation call consumed by plan mode. It is
// best-effort: any error or unusable reply falls back to the deterministic
// planner, so a plan artifact always exists.
type Planner interface {
	Plan(ctx context.Context, task *queue.Task) (*Plan, error)
}

// GeneratedPatch is one named patch produced by an external code-generating
// executor.
type GeneratedPatch struct {
	Name    string
	Content []byte
}

// Generator is the external code-generating executor consumed by fullagent
// mode.
type Generator interface {
	Generate(ctx context.Context, task *queue.Task) ([]GeneratedPatch, error)
}

// Options wire the dispatcher's collaborators. Planner and Generator may be
// nil: plan mode then always uses the fallback planner, and fullagent mode
// requires pre-existing patches.
type Options struct {
	Planner      Planner
	Generator    Generator
	PatchTool    *patchgate.Tool
	ApplyEnabled bool
	ChatCap      int
}

// Dispatcher resolves a task's mode once per execution and runs it.
type Dispatcher struct {
	store  *queue.Store
	opts   Options
	logger *slog.Logger
}

// NewDispatcher creates a dispatcher over the task store.
func NewDispatcher(store *queue.Store, opts Options, logger *slog.Logger) *Dispatcher {
	if opts.ChatCap <= 0 {
		opts.ChatCap = 200
	}
	return &Dispatcher{store: store, opts: opts, logger: logger}
}

// Execute runs one task under its resolved mode.
func (d *Dispatcher) Execute(ctx context.Context, task *queue.Task) (*queue.Outcome, error) {
	mode := task.Request.ResolveMode()

	switch mode {
	case request.ModeExecute:
		return d.runExecute(ctx, task)
	case request.ModePlan:
		return d.runPlan(ctx, task)
	case request.ModeChat:
		return d.runChat(task)
	case request.ModeFullAgent:
		return d.runFullAgent(ctx, task)
	default:
		// Validation rejects unknown modes at the boundary; reaching this is
		// an orchestration bug.
		return nil, fmt.Errorf("unreachable mode %q for task %s", mode, task.ID)
	}
}
