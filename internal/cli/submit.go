package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/forgeline/taskgate/internal/queue"
	"github.com/forgeline/taskgate/internal/request"
)

var submitCmd = &cobra.Command{
	Use:   "submit <file>",
	Short: "Submit a task from a JSON or YAML file",
	Args:  cobra.ExactArgs(1),
	RunE:  runSubmit,
}

func runSubmit(cmd *cobra.Command, args []string) error {
	env, err := loadEnv(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(env)

	sub, err := readSubmission(args[0])
	if err != nil {
		return err
	}

	store := queue.NewStore(env.DataDir)
	q := queue.New(store, nil, nil, nil, queue.Options{}, logger)

	task, err := q.Submit(sub)
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), task.ID)
	return nil
}

// readSubmission decodes a submission file by extension: .yaml/.yml as YAML,
// anything else as JSON.
func readSubmission(path string) (*request.Submission, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read submission: %w", err)
	}

	var sub request.Submission
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &sub); err != nil {
			return nil, fmt.Errorf("decode YAML submission: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &sub); err != nil {
			return nil, fmt.Errorf("decode JSON submission: %w", err)
		}
	}
	return &sub, nil
}
