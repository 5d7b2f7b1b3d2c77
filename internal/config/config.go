// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Env holds every tunable of the taskgate process. Values come from
// TASKGATE_-prefixed environment variables with sane defaults for local use.
type Env struct {
	// DataDir is the root for task records, orchestrator state and evidence.
	DataDir string `envconfig:"DATA_DIR" default:".taskgate"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	// Worker loop.
	PollInterval time.Duration `envconfig:"POLL_INTERVAL" default:"2s"`

	// File lock.
	LockTTL     time.Duration `envconfig:"LOCK_TTL" default:"10m"`
	LockTimeout time.Duration `envconfig:"LOCK_TIMEOUT" default:"30s"`

	// Patch gate.
	PatchTool    string `envconfig:"PATCH_TOOL" default:"patch"`
	ApplyEnabled bool   `envconfig:"APPLY_ENABLED" default:"false"`

	// Autopilot.
	MaxRetries  int           `envconfig:"MAX_RETRIES" default:"3"`
	BackoffBase time.Duration `envconfig:"BACKOFF_BASE" default:"1s"`
	BackoffMax  time.Duration `envconfig:"BACKOFF_MAX" default:"60s"`
	DLQCapacity int           `envconfig:"DLQ_CAPACITY" default:"100"`

	// Chat mode.
	ChatTranscriptCap int `envconfig:"CHAT_TRANSCRIPT_CAP" default:"200"`

	// Inbox.
	InboxDir          string        `envconfig:"INBOX_DIR" default:""`
	InboxPollInterval time.Duration `envconfig:"INBOX_POLL_INTERVAL" default:"5s"`
}

const namespace = "TASKGATE"

// Load reads the environment into an Env.
func Load() (*Env, error) {
	var env Env
	if err := envconfig.Process(namespace, &env); err != nil {
		return nil, fmt.Errorf("failed to load env: %w", err)
	}
	return &env, nil
}

// SlogLevel converts LogLevel to a slog level, defaulting to info on garbage.
func (e *Env) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(e.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}
