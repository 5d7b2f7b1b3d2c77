// Package autopilot is the failure-classification and retry/escalation loop.
// It fails closed: once the per-cell retry bound is exhausted, a failure
// escalates to a human question or the dead-letter store, never a silent
// infinite retry.
package autopilot

import (
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/forgeline/taskgate/internal/request"
)

// ReasonCode is the deterministic failure taxonomy. No learned classifier:
// simple rules over status, free-text error and exit code.
type ReasonCode string

const (
	ReasonCommandDenied ReasonCode = "command_denied"
	ReasonTimeout       ReasonCode = "timeout"
	ReasonCommandFailed ReasonCode = "command_failed"
	ReasonLockTimeout   ReasonCode = "lock_timeout"
	ReasonException     ReasonCode = "exception"
)

// Act is what happens next.
type Act string

const (
	ActRetry         Act = "retry"
	ActAskUser       Act = "ask_user"
	ActDLQ           Act = "dlq"
	ActModelOverride Act = "model_override" // retry under a different execution model
)

// Failure is the terminal-failure input to classification.
type Failure struct {
	TaskID   string
	Status   string
	Error    string
	ExitCode *int
}

// Decision is the derived policy outcome, persisted into orchestrator state
// history by the caller.
type Decision struct {
	Reason        ReasonCode         `json:"reason_code"`
	Risk          request.Difficulty `json:"risk_level"`
	Action        Act                `json:"action"`
	Attempt       int                `json:"attempt"`
	Delay         time.Duration      `json:"delay,omitempty"`
	Question      string             `json:"question,omitempty"`
	ModelOverride string             `json:"model_override,omitempty"`
}

// Classify maps a failure onto the reason-code taxonomy.
func Classify(f Failure) ReasonCode {
	text := strings.ToLower(f.Error)

	switch {
	case strings.Contains(text, "denied") || strings.Contains(text, "permission"):
		return ReasonCommandDenied
	case strings.Contains(text, "lease") || (strings.Contains(text, "lock") && strings.Contains(text, "time")):
		return ReasonLockTimeout
	case strings.Contains(text, "timed out") || strings.Contains(text, "timeout") || strings.Contains(text, "deadline"):
		return ReasonTimeout
	case strings.Contains(text, "panic") || strings.Contains(text, "runtime error"):
		return ReasonException
	case f.ExitCode != nil && *f.ExitCode != 0:
		return ReasonCommandFailed
	case strings.Contains(text, "exit") || strings.Contains(text, "command") || strings.Contains(text, "failed"):
		return ReasonCommandFailed
	default:
		return ReasonException
	}
}

// rule is one cell of the policy table.
type rule struct {
	maxRetries int
	retryAct   Act    // ActRetry or ActModelOverride
	escalate   Act    // ActAskUser or ActDLQ once retries are spent
	override   string // execution model for ActModelOverride
}

// policyKey indexes reason × risk.
type policyKey struct {
	reason ReasonCode
	risk   request.Difficulty
}

// Config bounds the escalation behavior.
type Config struct {
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// Autopilot derives decisions from the policy table.
type Autopilot struct {
	cfg    Config
	policy map[policyKey]rule
}

// New builds an autopilot with the default policy table bounded by cfg.
func New(cfg Config) *Autopilot {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = time.Minute
	}

	a := &Autopilot{cfg: cfg, policy: make(map[policyKey]rule)}
	n := cfg.MaxRetries

	for _, risk := range []request.Difficulty{request.DifficultyLow, request.DifficultyMedium, request.DifficultyHigh} {
		// A denied command is a policy problem, not a transient one: retrying
		// replays the same denial, so escalate immediately.
		a.policy[policyKey{ReasonCommandDenied, risk}] = rule{maxRetries: 0, escalate: ActAskUser}

		// Lock contention is ordinary; retry generously and dead-letter if
		// the workspace never frees up.
		a.policy[policyKey{ReasonLockTimeout, risk}] = rule{maxRetries: n + 2, retryAct: ActRetry, escalate: ActDLQ}

		a.policy[policyKey{ReasonException, risk}] = rule{maxRetries: 1, retryAct: ActRetry, escalate: ActDLQ}
	}

	a.policy[policyKey{ReasonTimeout, request.DifficultyLow}] = rule{maxRetries: 2, retryAct: ActRetry, escalate: ActDLQ}
	a.policy[policyKey{ReasonTimeout, request.DifficultyMedium}] = rule{maxRetries: 2, retryAct: ActRetry, escalate: ActAskUser}
	a.policy[policyKey{ReasonTimeout, request.DifficultyHigh}] = rule{maxRetries: 1, retryAct: ActModelOverride, escalate: ActAskUser, override: "extended-context"}

	a.policy[policyKey{ReasonCommandFailed, request.DifficultyLow}] = rule{maxRetries: n, retryAct: ActRetry, escalate: ActDLQ}
	a.policy[policyKey{ReasonCommandFailed, request.DifficultyMedium}] = rule{maxRetries: n, retryAct: ActRetry, escalate: ActAskUser}
	a.policy[policyKey{ReasonCommandFailed, request.DifficultyHigh}] = rule{maxRetries: n, retryAct: ActRetry, escalate: ActAskUser}

	return a
}

// Decide derives the next action for a failure. attempt is the number of
// retries already spent on this task (counted from orchestrator state
// history), so decisions need no mutable counters of their own.
func (a *Autopilot) Decide(f Failure, risk request.Difficulty, attempt int) Decision {
	if risk == "" {
		risk = request.DifficultyMedium
	}
	reason := Classify(f)

	r, ok := a.policy[policyKey{reason, risk}]
	if !ok {
		// Unknown cell: fail closed.
		r = rule{maxRetries: 0, escalate: ActAskUser}
	}

	d := Decision{Reason: reason, Risk: risk, Attempt: attempt + 1}

	if attempt >= r.maxRetries {
		d.Action = r.escalate
		if d.Action == ActAskUser {
			d.Question = fmt.Sprintf(
				"task %s failed %d time(s) with %s (%s); retries are exhausted, how should it proceed?",
				f.TaskID, attempt+1, reason, strings.TrimSpace(f.Error))
		}
		return d
	}

	d.Action = r.retryAct
	if d.Action == "" {
		d.Action = ActRetry
	}
	if d.Action == ActModelOverride {
		d.ModelOverride = r.override
	}
	d.Delay = a.delayFor(attempt)
	return d
}

// delayFor computes the bounded exponential backoff for the Nth retry.
// Deterministic: no jitter, so policy tests and replayed histories agree.
func (a *Autopilot) delayFor(attempt int) time.Duration {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = a.cfg.BackoffBase
	bo.MaxInterval = a.cfg.BackoffMax
	bo.RandomizationFactor = 0
	bo.Multiplier = 2.0

	delay := bo.NextBackOff()
	for i := 0; i < attempt; i++ {
		delay = bo.NextBackOff()
	}
	return delay
}
