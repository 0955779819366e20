package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/leafscale/aps/internal/events"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Cancel a pending or running task record",
	Long: `Cancel marks the task cancelled. A task executing inside a live
"aps schedule" process is cancelled by interrupting that process; this
command handles records orphaned by a crashed one. The task's last
checkpoint is kept, so "aps retry" can resume it.`,
	Args: cobra.ExactArgs(1),
	RunE: runCancel,
}

func init() {
	rootCmd.AddCommand(cancelCmd)
}

func runCancel(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	eng, err := dial(ctx, false)
	if err != nil {
		return err
	}
	defer eng.close(ctx)

	mgr, err := eng.newManager(events.NewBus())
	if err != nil {
		return err
	}
	if err := mgr.Cancel(ctx, args[0]); err != nil {
		return err
	}
	fmt.Printf("task %s cancelled\n", args[0])
	return nil
}
