package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var retryCmd = &cobra.Command{
	Use:   "retry <task-id>",
	Short: "Re-run a failed or cancelled task from its last checkpoint",
	Long: `Retry requeues a failed or cancelled task under its original id and
waits for it like "aps schedule". Stages that completed before the failure
are restored from the task's checkpoint instead of being re-run; emitted
orders are replaced, never duplicated.`,
	Args: cobra.ExactArgs(1),
	RunE: runRetry,
}

func init() {
	rootCmd.AddCommand(retryCmd)
}

func runRetry(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	eng, err := dial(ctx, true)
	if err != nil {
		return err
	}
	defer eng.close(context.WithoutCancel(ctx))

	bus, err := eng.progressBus()
	if err != nil {
		return err
	}
	mgr, err := eng.newManager(bus)
	if err != nil {
		return err
	}

	taskID := args[0]
	if err := mgr.Retry(ctx, taskID); err != nil {
		return err
	}
	fmt.Printf("task %s requeued\n", taskID)

	return awaitTask(ctx, mgr, taskID)
}
