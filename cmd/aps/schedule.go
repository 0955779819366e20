package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/leafscale/aps/internal/task"
)

var (
	skipMerge      bool
	skipSplit      bool
	skipCorrection bool
	skipParallel   bool
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule <batch-id>",
	Short: "Run the scheduling pipeline for an imported batch",
	Long: `Schedule starts a scheduling task for the batch and waits for it to
finish, printing progress as the pipeline moves through its stages. The
task runs inside this process; interrupting the command cancels the task
cooperatively and keeps its last checkpoint so "aps retry" can resume it.

Individual transform stages can be skipped; parsing and order emission
always run.

Examples:
  aps schedule monthly_20241101_080000_1a2b3c4d
  aps schedule --skip-parallel decade_20241101_080000_5e6f7a8b`,
	Args: cobra.ExactArgs(1),
	RunE: runSchedule,
}

func init() {
	rootCmd.AddCommand(scheduleCmd)

	scheduleCmd.Flags().BoolVar(&skipMerge, "skip-merge", false, "pass drafts through the merge stage untouched")
	scheduleCmd.Flags().BoolVar(&skipSplit, "skip-split", false, "skip splitting multi-machine rows")
	scheduleCmd.Flags().BoolVar(&skipCorrection, "skip-correction", false, "skip shift and maintenance time correction")
	scheduleCmd.Flags().BoolVar(&skipParallel, "skip-parallel", false, "skip feeder-maker parallel alignment")
}

func runSchedule(cmd *cobra.Command, args []string) error {
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

	opts := task.Options{
		Merge:      !skipMerge,
		Split:      !skipSplit,
		Correction: !skipCorrection,
		Parallel:   !skipParallel,
	}
	taskID, err := mgr.Start(ctx, args[0], opts)
	if err != nil {
		return err
	}
	fmt.Printf("task %s\n", taskID)

	return awaitTask(ctx, mgr, taskID)
}

// awaitTask follows a task owned by this process until it reaches a terminal
// state. An interrupt cancels the task cooperatively and waits for its final
// transition to land before reporting.
func awaitTask(ctx context.Context, mgr *task.Manager, taskID string) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var last string
	for {
		rec, err := mgr.Status(context.WithoutCancel(ctx), taskID)
		if err != nil {
			return fmt.Errorf("read task status: %w", err)
		}
		if line := progressLine(rec); line != last {
			fmt.Println(line)
			last = line
		}
		if rec.State.Terminal() {
			return reportOutcome(rec)
		}

		select {
		case <-ctx.Done():
			fmt.Println("interrupted, cancelling task")
			grace, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			defer cancel()
			if err := mgr.Cancel(grace, taskID); err != nil {
				return fmt.Errorf("cancel task: %w", err)
			}
			if err := mgr.Shutdown(grace); err != nil {
				return fmt.Errorf("task %s did not stop in time: %w", taskID, err)
			}
			final, err := mgr.Status(grace, taskID)
			if err != nil {
				return fmt.Errorf("read task status: %w", err)
			}
			return reportOutcome(final)
		case <-ticker.C:
		}
	}
}

func progressLine(rec *task.Record) string {
	stage := string(rec.Stage)
	if stage == "" {
		stage = "-"
	}
	return fmt.Sprintf("%-9s %3.0f%%  %s", rec.State, rec.Progress, stage)
}

func reportOutcome(rec *task.Record) error {
	switch rec.State {
	case task.StateCompleted:
		elapsed := rec.FinishedAt.Sub(rec.StartedAt).Round(time.Millisecond)
		fmt.Printf("completed in %s\n", elapsed)
		fmt.Printf("  orders   %d maker, %d feeder\n", rec.Summary.MakerOrders, rec.Summary.FeederOrders)
		if rec.Summary.ManualReview > 0 {
			fmt.Printf("  review   %d orders flagged for manual review\n", rec.Summary.ManualReview)
		}
		if rec.Summary.Warnings > 0 {
			fmt.Printf("  warnings %d\n", rec.Summary.Warnings)
		}
		if len(rec.Timings) > 0 {
			parts := make([]string, 0, len(rec.Timings))
			for _, stage := range task.StageOrder() {
				if d, ok := rec.Timings[stage]; ok {
					parts = append(parts, fmt.Sprintf("%s %s", stage, d.Round(time.Millisecond)))
				}
			}
			fmt.Printf("  stages   %s\n", strings.Join(parts, ", "))
		}
		return nil
	case task.StateCancelled:
		return fmt.Errorf("task %s cancelled; aps retry %s resumes from the last checkpoint", rec.ID, rec.ID)
	default:
		return fmt.Errorf("task %s failed: %s", rec.ID, rec.Error)
	}
}
