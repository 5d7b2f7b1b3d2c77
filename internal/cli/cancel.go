package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/forgeline/taskgate/internal/queue"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Cancel a pending task",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

func runCancel(cmd *cobra.Command, args []string) error {
	env, err := loadEnv(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(env)

	store := queue.NewStore(env.DataDir)
	q := queue.New(store, nil, nil, nil, queue.Options{}, logger)

	if err := q.Cancel(args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "canceled %s\n", args[0])
	return nil
}
