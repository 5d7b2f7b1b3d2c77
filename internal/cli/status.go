package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/forgeline/taskgate/internal/orchstate"
	"github.com/forgeline/taskgate/internal/queue"
)

var statusCmd = &cobra.Command{
	Use:   "status [task-id]",
	Short: "Show task status (all tasks, or one task in detail)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	env, err := loadEnv(cmd)
	if err != nil {
		return err
	}
	store := queue.NewStore(env.DataDir)
	out := cmd.OutOrStdout()

	if len(args) == 1 {
		return printTask(cmd, store, args[0])
	}

	tasks, err := store.List()
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Fprintln(out, "no tasks")
		return nil
	}
	for _, t := range tasks {
		fmt.Fprintf(out, "%s  %-9s  %-4s  %s\n",
			t.ID, colorStatus(t.Status), t.Verdict, t.Request.Task.Goal)
	}
	return nil
}

func printTask(cmd *cobra.Command, store *queue.Store, id string) error {
	t, err := store.Load(id)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	fmt.Fprintf(out, "task:    %s\n", t.ID)
	fmt.Fprintf(out, "status:  %s\n", colorStatus(t.Status))
	fmt.Fprintf(out, "goal:    %s\n", t.Request.Task.Goal)
	fmt.Fprintf(out, "mode:    %s\n", t.Request.ResolveMode())
	if t.RunID != "" {
		fmt.Fprintf(out, "run:     %s\n", t.RunID)
	}
	if t.ExitCode != nil {
		fmt.Fprintf(out, "exit:    %d\n", *t.ExitCode)
	}
	if t.Verdict != "" {
		fmt.Fprintf(out, "verdict: %s\n", colorVerdict(t.Verdict))
	}
	if t.Error != "" {
		fmt.Fprintf(out, "error:   %s\n", t.Error)
	}
	for _, a := range t.Artifacts {
		fmt.Fprintf(out, "artifact: %s\n", a)
	}

	st, err := orchstate.NewStore(id, store.StatePath(id)).Load()
	if err != nil {
		return err
	}
	for _, tr := range st.History {
		fmt.Fprintf(out, "  %s  %s\n", tr.At.Format("2006-01-02T15:04:05Z"), tr.Phase)
	}
	return nil
}

func colorStatus(s queue.Status) string {
	switch s {
	case queue.StatusDone:
		return color.GreenString(string(s))
	case queue.StatusFailed:
		return color.RedString(string(s))
	case queue.StatusRunning:
		return color.CyanString(string(s))
	case queue.StatusCanceled:
		return color.YellowString(string(s))
	default:
		return string(s)
	}
}

func colorVerdict(v queue.Verdict) string {
	if v == queue.VerdictPass {
		return color.GreenString(string(v))
	}
	return color.RedString(string(v))
}
