package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/forgeline/taskgate/internal/fsutil"
	"github.com/forgeline/taskgate/internal/inbox"
)

var inboxSendCmd = &cobra.Command{
	Use:   "inbox <message-id> <submission-file>",
	Short: "Drop a submission into the message inbox",
	Long: `Wrap a submission file in an inbox message and write it to inbox/new for
the worker to pick up. Repeated sends with the same message id are safe: the
idempotency index binds each id to at most one task.`,
	Args: cobra.ExactArgs(2),
	RunE: runInboxSend,
}

func runInboxSend(cmd *cobra.Command, args []string) error {
	env, err := loadEnv(cmd)
	if err != nil {
		return err
	}
	if env.InboxDir == "" {
		return fmt.Errorf("TASKGATE_INBOX_DIR is not set")
	}

	messageID, file := args[0], args[1]
	sub, err := readSubmission(file)
	if err != nil {
		return err
	}
	if err := sub.Validate(); err != nil {
		return err
	}

	msg := inbox.Message{ID: messageID, Payload: sub}
	path := filepath.Join(env.InboxDir, "new", messageID+".json")
	if err := fsutil.AtomicWriteJSON(path, &msg); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), path)
	return nil
}
