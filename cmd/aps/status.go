package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/leafscale/aps/internal/task"
)

var (
	statusWatch    bool
	statusInterval time.Duration
	statusLimit    int64
)

var statusCmd = &cobra.Command{
	Use:   "status [task-id]",
	Short: "Show task status, or recent batches when no task is given",
	Long: `Status reads persisted state, so it works from any process, not just
the one running the task.

Without arguments, lists the most recent import batches.
With a task id, shows the task's state, progress, and result.

Examples:
  aps status                                          # list recent batches
  aps status 6f1d2c3b-...                             # one task
  aps status --watch 6f1d2c3b-...                     # poll until terminal`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().BoolVar(&statusWatch, "watch", false, "poll until the task reaches a terminal state")
	statusCmd.Flags().DurationVar(&statusInterval, "interval", 2*time.Second, "watch poll interval")
	statusCmd.Flags().Int64Var(&statusLimit, "limit", 20, "number of batches to list")
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	eng, err := dial(ctx, false)
	if err != nil {
		return err
	}
	defer eng.close(ctx)

	if len(args) == 0 {
		return listBatches(ctx, eng)
	}
	return showTask(ctx, eng, args[0])
}

func listBatches(ctx context.Context, eng *engine) error {
	batches, err := eng.batches.List(ctx, statusLimit)
	if err != nil {
		return fmt.Errorf("list batches: %w", err)
	}
	if len(batches) == 0 {
		fmt.Println("no batches imported yet")
		return nil
	}

	fmt.Printf("%-38s %-10s %-10s %6s %6s %6s %6s  %s\n",
		"BATCH", "STATE", "UPLOADED", "ROWS", "VALID", "WARN", "ERROR", "FILE")
	for _, b := range batches {
		fmt.Printf("%-38s %-10s %-10s %6d %6d %6d %6d  %s\n",
			b.ID, b.State, b.UploadedAt.Format("2006-01-02"),
			b.Counts.Total, b.Counts.Valid, b.Counts.Warning, b.Counts.Error, b.FileName)
	}
	fmt.Printf("\n%d batch(es)\n", len(batches))
	return nil
}

func showTask(ctx context.Context, eng *engine, taskID string) error {
	for {
		rec, err := eng.tasks.Get(ctx, taskID)
		if err != nil {
			return fmt.Errorf("load task %s: %w", taskID, err)
		}
		printTask(rec)

		if !statusWatch || rec.State.Terminal() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(statusInterval):
		}
		fmt.Println("---")
	}
}

func printTask(rec *task.Record) {
	fmt.Printf("task     %s\n", rec.ID)
	fmt.Printf("batch    %s\n", rec.BatchID)
	fmt.Printf("state    %s\n", rec.State)
	fmt.Printf("progress %.0f%%\n", rec.Progress)
	if rec.Stage != "" {
		fmt.Printf("stage    %s\n", rec.Stage)
	}
	if !rec.StartedAt.IsZero() {
		end := rec.FinishedAt
		if end.IsZero() {
			end = time.Now()
		}
		fmt.Printf("elapsed  %s\n", end.Sub(rec.StartedAt).Round(time.Second))
	}
	if rec.Error != "" {
		fmt.Printf("error    %s\n", rec.Error)
	}
	if rec.State == task.StateCompleted {
		fmt.Printf("orders   %d maker, %d feeder\n", rec.Summary.MakerOrders, rec.Summary.FeederOrders)
		if rec.Summary.ManualReview > 0 {
			fmt.Printf("review   %d orders flagged for manual review\n", rec.Summary.ManualReview)
		}
	}
	for _, stage := range task.StageOrder() {
		if d, ok := rec.Timings[stage]; ok {
			fmt.Printf("  %-10s %s\n", stage, d.Round(time.Millisecond))
		}
	}
}
