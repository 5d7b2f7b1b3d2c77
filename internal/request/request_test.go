package request

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func validSubmission() *Submission {
	return &Submission{
		Task:      Task{Goal: "answer a question"},
		Workspace: Workspace{RepoPath: "/tmp/repo"},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Submission)
		wantErr string
	}{
		{
			name:   "valid minimal",
			mutate: func(s *Submission) {},
		},
		{
			name:    "missing goal",
			mutate:  func(s *Submission) { s.Task.Goal = "  " },
			wantErr: "task.goal is required",
		},
		{
			name:    "missing repo path",
			mutate:  func(s *Submission) { s.Workspace.RepoPath = "" },
			wantErr: "repo_path is required",
		},
		{
			name:    "relative repo path",
			mutate:  func(s *Submission) { s.Workspace.RepoPath = "repo" },
			wantErr: "must be absolute",
		},
		{
			name:    "negative timeout",
			mutate:  func(s *Submission) { s.TimeoutS = -1 },
			wantErr: "timeout_s",
		},
		{
			name:    "unknown mode rejected not defaulted",
			mutate:  func(s *Submission) { s.Orchestrator.Mode = "yolo" },
			wantErr: `unknown orchestrator mode "yolo"`,
		},
		{
			name:    "unknown difficulty",
			mutate:  func(s *Submission) { s.Task.Difficulty = "extreme" },
			wantErr: "unknown difficulty",
		},
		{
			name:   "explicit fullagent accepted",
			mutate: func(s *Submission) { s.Orchestrator.Mode = ModeFullAgent },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := validSubmission()
			tt.mutate(s)
			err := s.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tt.wantErr)
			}
		})
	}
}

func TestResolveMode(t *testing.T) {
	tests := []struct {
		name string
		sub  *Submission
		want Mode
	}{
		{
			name: "explicit mode wins",
			sub: &Submission{
				Task:         Task{Goal: "refactor everything", Difficulty: DifficultyHigh},
				Orchestrator: Orchestrator{Mode: ModeChat},
			},
			want: ModeChat,
		},
		{
			name: "auto with low difficulty degrades to chat",
			sub: &Submission{
				Task:         Task{Goal: "what does this do"},
				Orchestrator: Orchestrator{Mode: ModeAuto},
			},
			want: ModeChat,
		},
		{
			name: "auto with declared high difficulty degrades to plan",
			sub: &Submission{
				Task: Task{Goal: "look around", Difficulty: DifficultyHigh},
			},
			want: ModePlan,
		},
		{
			name: "empty mode behaves like auto",
			sub: &Submission{
				Task: Task{Goal: "refactor the parser", CommandsHint: []string{"go test ./..."}},
			},
			want: ModePlan,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.sub.ResolveMode())
		})
	}
}

func TestClassifyDeterministic(t *testing.T) {
	s := &Submission{
		Task: Task{
			Goal:         "implement and fix the cache layer",
			ScopeAllow:   []string{"a", "b", "c"},
			CommandsHint: []string{"make build"},
		},
		Workspace: Workspace{TestCmds: []string{"make test"}},
	}
	first := Classify(s)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Classify(s))
	}
	assert.Equal(t, DifficultyHigh, first)
}

func TestClassifyBuckets(t *testing.T) {
	low := &Submission{Task: Task{Goal: "what is the entry point"}}
	assert.Equal(t, DifficultyLow, Classify(low))

	medium := &Submission{
		Task:      Task{Goal: "run the linter"},
		Workspace: Workspace{TestCmds: []string{"make lint", "make test"}},
	}
	assert.Equal(t, DifficultyMedium, Classify(medium))
}

func TestTimeout(t *testing.T) {
	s := validSubmission()
	assert.Equal(t, DefaultTimeout, s.Timeout())

	s.TimeoutS = 90
	assert.Equal(t, "1m30s", s.Timeout().String())
}
