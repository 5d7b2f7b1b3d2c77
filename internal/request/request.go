// Package request defines the submission payload accepted by the task queue
// and the validation applied at the boundary.
package request

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Mode selects how a task's goal becomes action.
type Mode string

const (
	ModeAuto      Mode = "auto"
	ModeExecute   Mode = "execute"
	ModePlan      Mode = "plan"
	ModeChat      Mode = "chat"
	ModeFullAgent Mode = "fullagent"
)

// Difficulty is the declared or derived difficulty of a task. It doubles as
// the risk level fed to failure-escalation policy.
type Difficulty string

const (
	DifficultyLow    Difficulty = "low"
	DifficultyMedium Difficulty = "medium"
	DifficultyHigh   Difficulty = "high"
)

// Task describes the goal and its guardrails.
type Task struct {
	Goal                 string     `json:"goal" yaml:"goal"`
	ScopeAllow           []string   `json:"scope_allow,omitempty" yaml:"scope_allow,omitempty"`
	SuccessCriteria      []string   `json:"success_criteria,omitempty" yaml:"success_criteria,omitempty"`
	StopCondition        []string   `json:"stop_condition,omitempty" yaml:"stop_condition,omitempty"`
	CommandsHint         []string   `json:"commands_hint,omitempty" yaml:"commands_hint,omitempty"`
	ArtifactsExpectation []string   `json:"artifacts_expectation,omitempty" yaml:"artifacts_expectation,omitempty"`
	Difficulty           Difficulty `json:"difficulty,omitempty" yaml:"difficulty,omitempty"`
}

// Workspace describes the repository the task operates on.
type Workspace struct {
	RepoPath      string   `json:"repo_path" yaml:"repo_path"`
	BootstrapCmds []string `json:"bootstrap_cmds,omitempty" yaml:"bootstrap_cmds,omitempty"`
	TestCmds      []string `json:"test_cmds,omitempty" yaml:"test_cmds,omitempty"`
	ArtifactPaths []string `json:"artifact_paths,omitempty" yaml:"artifact_paths,omitempty"`
}

// Orchestrator carries mode selection.
type Orchestrator struct {
	Mode Mode `json:"mode,omitempty" yaml:"mode,omitempty"`
}

// Submission is the full payload accepted by Submit.
type Submission struct {
	Task         Task         `json:"task" yaml:"task"`
	Workspace    Workspace    `json:"workspace" yaml:"workspace"`
	TimeoutS     int          `json:"timeout_s,omitempty" yaml:"timeout_s,omitempty"`
	Orchestrator Orchestrator `json:"orchestrator,omitempty" yaml:"orchestrator,omitempty"`

	// Chat mode only: the message to append to the transcript.
	Message string `json:"message,omitempty" yaml:"message,omitempty"`
}

// DefaultTimeout bounds task execution when timeout_s is absent.
const DefaultTimeout = 30 * time.Minute

// Timeout returns the task execution bound.
func (s *Submission) Timeout() time.Duration {
	if s.TimeoutS <= 0 {
		return DefaultTimeout
	}
	return time.Duration(s.TimeoutS) * time.Second
}

// Validate checks the payload at the boundary. Unknown modes are rejected, not
// defaulted; an empty mode means auto.
func (s *Submission) Validate() error {
	if strings.TrimSpace(s.Task.Goal) == "" {
		return fmt.Errorf("task.goal is required")
	}
	if s.Workspace.RepoPath == "" {
		return fmt.Errorf("workspace.repo_path is required")
	}
	if !filepath.IsAbs(s.Workspace.RepoPath) {
		return fmt.Errorf("workspace.repo_path must be absolute, got %q", s.Workspace.RepoPath)
	}
	if s.TimeoutS < 0 {
		return fmt.Errorf("timeout_s must be >= 0, got %d", s.TimeoutS)
	}

	switch s.Orchestrator.Mode {
	case "", ModeAuto, ModeExecute, ModePlan, ModeChat, ModeFullAgent:
	default:
		return fmt.Errorf("unknown orchestrator mode %q", s.Orchestrator.Mode)
	}

	switch s.Task.Difficulty {
	case "", DifficultyLow, DifficultyMedium, DifficultyHigh:
	default:
		return fmt.Errorf("unknown difficulty %q", s.Task.Difficulty)
	}

	return nil
}

// ResolveMode resolves the effective mode once per execution. An explicit mode
// wins; auto (or absent) degrades gracefully via the difficulty classifier:
// low maps to chat, medium and high map to plan.
func (s *Submission) ResolveMode() Mode {
	mode := s.Orchestrator.Mode
	if mode != "" && mode != ModeAuto {
		return mode
	}

	switch s.EffectiveDifficulty() {
	case DifficultyLow:
		return ModeChat
	default:
		return ModePlan
	}
}

// EffectiveDifficulty returns the declared difficulty, or classifies the
// submission when the caller declared none.
func (s *Submission) EffectiveDifficulty() Difficulty {
	if s.Task.Difficulty != "" {
		return s.Task.Difficulty
	}
	return Classify(s)
}

// hardKeywords in a goal push the score up; they signal workspace mutation or
// broad refactoring rather than a question or a lookup.
var hardKeywords = []string{
	"refactor", "migrate", "rewrite", "implement", "fix", "patch",
	"deploy", "upgrade", "delete", "remove", "optimize",
}

// Classify scores command/test counts, scope breadth and goal keywords into a
// difficulty bucket. Deterministic: the same submission always classifies the
// same way.
func Classify(s *Submission) Difficulty {
	score := 0

	score += len(s.Task.CommandsHint)
	score += len(s.Workspace.BootstrapCmds)
	score += len(s.Workspace.TestCmds)

	if n := len(s.Task.ScopeAllow); n > 2 {
		score += 2
	} else if n > 0 {
		score += n - 1
	}

	goal := strings.ToLower(s.Task.Goal)
	for _, kw := range hardKeywords {
		if strings.Contains(goal, kw) {
			score += 2
		}
	}

	switch {
	case score >= 6:
		return DifficultyHigh
	case score >= 2:
		return DifficultyMedium
	default:
		return DifficultyLow
	}
}
