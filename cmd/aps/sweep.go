package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/leafscale/aps/internal/task"
)

var sweepFollow bool

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Fail running task records whose timeout elapsed",
	Long: `Sweep scans for task records left running by a dead process past the
configured timeout and marks them failed with reason "timeout". Swept
tasks keep their last checkpoint, so "aps retry" can resume them. One
pass by default; --follow keeps sweeping until interrupted.`,
	RunE: runSweep,
}

func init() {
	rootCmd.AddCommand(sweepCmd)

	sweepCmd.Flags().BoolVar(&sweepFollow, "follow", false, "sweep on an interval until interrupted")
}

func runSweep(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	eng, err := dial(ctx, false)
	if err != nil {
		return err
	}
	defer eng.close(context.WithoutCancel(ctx))

	sweeper, err := task.NewSweeper(task.SweeperOptions{
		Store:   eng.tasks,
		Logger:  eng.log,
		Timeout: cfg.Scheduling.TaskTimeout.Std(),
	})
	if err != nil {
		return err
	}

	if sweepFollow {
		fmt.Println("sweeping, interrupt to stop")
		if err := sweeper.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}
	return sweeper.Sweep(ctx)
}
