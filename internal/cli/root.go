// Package cli wires the taskgate commands: submit, status, cancel, worker and
// inbox-send.
package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/forgeline/taskgate/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "taskgate",
	Short: "Task orchestration with a gated patch pipeline",
	Long: `taskgate accepts task submissions, runs each one under an operating mode
(execute, plan, chat or fullagent), and routes every workspace change through
a previewed, auditable patch gate.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(inboxSendCmd)

	rootCmd.PersistentFlags().StringP("data-dir", "d", "", "Data directory (default: $TASKGATE_DATA_DIR or .taskgate)")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// loadEnv reads configuration from the environment, letting the --data-dir
// flag override the directory.
func loadEnv(cmd *cobra.Command) (*config.Env, error) {
	env, err := config.Load()
	if err != nil {
		return nil, err
	}
	if dir, _ := cmd.Flags().GetString("data-dir"); dir != "" {
		env.DataDir = dir
	}
	return env, nil
}

func newLogger(env *config.Env) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: env.SlogLevel(),
	}))
}
