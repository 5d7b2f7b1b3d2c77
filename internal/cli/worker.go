package cli

import (
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/forgeline/taskgate/internal/autopilot"
	"github.com/forgeline/taskgate/internal/inbox"
	"github.com/forgeline/taskgate/internal/modes"
	"github.com/forgeline/taskgate/internal/patchgate"
	"github.com/forgeline/taskgate/internal/queue"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the task worker until interrupted",
	Long: `Run the background worker that drains pending tasks one at a time.
When TASKGATE_INBOX_DIR is set the worker also polls the message inbox.`,
	RunE: runWorker,
}

func runWorker(cmd *cobra.Command, args []string) error {
	env, err := loadEnv(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(env)

	store := queue.NewStore(env.DataDir)
	dispatcher := modes.NewDispatcher(store, modes.Options{
		PatchTool:    patchgate.NewTool(env.PatchTool, logger),
		ApplyEnabled: env.ApplyEnabled,
		ChatCap:      env.ChatTranscriptCap,
	}, logger)

	pilot := autopilot.New(autopilot.Config{
		MaxRetries:  env.MaxRetries,
		BackoffBase: env.BackoffBase,
		BackoffMax:  env.BackoffMax,
	})
	dlq := autopilot.NewDLQ(filepath.Join(env.DataDir, "dlq"), env.DLQCapacity)

	q := queue.New(store, dispatcher, pilot, dlq, queue.Options{
		PollInterval: env.PollInterval,
		LockTTL:      env.LockTTL,
		LockTimeout:  env.LockTimeout,
	}, logger)
	q.Start()
	logger.Info("worker started", "data_dir", env.DataDir)

	var in *inbox.Inbox
	if env.InboxDir != "" {
		in, err = inbox.New(env.InboxDir, q, env.InboxPollInterval, logger)
		if err != nil {
			q.Stop()
			return err
		}
		if err := in.Start(); err != nil {
			q.Stop()
			return err
		}
		logger.Info("inbox started", "dir", env.InboxDir)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	logger.Info("shutting down")

	if in != nil {
		in.Stop()
	}
	q.Stop()
	return nil
}
