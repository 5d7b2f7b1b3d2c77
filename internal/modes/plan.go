package modes

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/forgeline/taskgate/internal/fsutil"
	"github.com/forgeline/taskgate/internal/queue"
)

// PlanStep is one step of a structured plan.
type PlanStep struct {
	Index   int    `json:"index"`
	Title   string `json:"title"`
	Kind    string `json:"kind"` // bootstrap, command, test, review
	Command string `json:"command,omitempty"`
}

// Plan is the structured step plan artifact.
type Plan struct {
	TaskID    string     `json:"task_id"`
	Goal      string     `json:"goal"`
	Source    string     `json:"source"` // "external" or "fallback"
	Steps     []PlanStep `json:"steps"`
	CreatedAt time.Time  `json:"created_at"`
}

// runPlan produces the plan artifact. Read-only: no workspace mutation. The
// external planner is best-effort; the deterministic fallback guarantees a
// plan exists even when the call fails or returns nothing usable.
func (d *Dispatcher) runPlan(ctx context.Context, task *queue.Task) (*queue.Outcome, error) {
	var plan *Plan

	if d.opts.Planner != nil {
		external, err := d.opts.Planner.Plan(ctx, task)
		if err != nil || external == nil || len(external.Steps) == 0 {
			d.logger.Warn("external planner unusable, falling back",
				"task_id", task.ID, "error", err)
		} else {
			plan = external
			plan.Source = "external"
		}
	}
	if plan == nil {
		plan = fallbackPlan(task)
	}
	plan.TaskID = task.ID
	plan.Goal = task.Request.Task.Goal
	plan.CreatedAt = time.Now().UTC()

	evidence := d.store.EvidenceDir(task.ID)
	planPath := filepath.Join(evidence, "plan.json")
	if err := fsutil.AtomicWriteJSON(planPath, plan); err != nil {
		return nil, err
	}

	mdPath := filepath.Join(evidence, "plan.md")
	if err := fsutil.AtomicWrite(mdPath, []byte(renderPlan(plan))); err != nil {
		return nil, err
	}

	return &queue.Outcome{Artifacts: []string{planPath, mdPath}}, nil
}

// fallbackPlan derives a plan from the submission alone: bootstrap commands,
// command hints, then tests, closing with a review step per success criterion.
// Deterministic by construction.
func fallbackPlan(task *queue.Task) *Plan {
	plan := &Plan{Source: "fallback"}
	add := func(kind, title, command string) {
		plan.Steps = append(plan.Steps, PlanStep{
			Index:   len(plan.Steps),
			Title:   title,
			Kind:    kind,
			Command: command,
		})
	}

	for _, c := range task.Request.Workspace.BootstrapCmds {
		add("bootstrap", "prepare workspace: "+c, c)
	}
	for _, c := range task.Request.Task.CommandsHint {
		add("command", "run: "+c, c)
	}
	for _, c := range task.Request.Workspace.TestCmds {
		add("test", "verify with: "+c, c)
	}
	for _, sc := range task.Request.Task.SuccessCriteria {
		add("review", "confirm: "+sc, "")
	}
	if len(plan.Steps) == 0 {
		add("review", "analyze goal: "+task.Request.Task.Goal, "")
	}
	return plan
}

func renderPlan(p *Plan) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Plan for task %s\n\nGoal: %s\nSource: %s\n\n", p.TaskID, p.Goal, p.Source)
	for _, st := range p.Steps {
		if st.Command != "" {
			fmt.Fprintf(&sb, "%d. [%s] %s (`%s`)\n", st.Index+1, st.Kind, st.Title, st.Command)
		} else {
			fmt.Fprintf(&sb, "%d. [%s] %s\n", st.Index+1, st.Kind, st.Title)
		}
	}
	return sb.String()
}
