package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/leafscale/aps/internal/mes"
	"github.com/leafscale/aps/internal/retry"
)

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Queue emitted work orders and deliver them to the MES",
}

var dispatchEnqueueCmd = &cobra.Command{
	Use:   "enqueue <batch-id>",
	Short: "Build and queue dispatch records for a batch's emitted orders",
	Long: `Enqueue serializes the batch's emitted work orders into MES dispatch
records, feeder orders first so maker records can reference their feeder
plan ids. Backup orders are persisted but held; release them individually
with "aps dispatch release".`,
	Args: cobra.ExactArgs(1),
	RunE: runDispatchEnqueue,
}

var dispatchRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Consume the dispatch queue and deliver records to the MES",
	Long: `Run consumes the dispatch queue until interrupted, delivering each
record with rate limiting, bounded retries, and a circuit breaker.
Delivery outcomes are written back to the dispatch records, so "aps
dispatch status" shows where every order stands.`,
	RunE: runDispatchRun,
}

var dispatchReleaseCmd = &cobra.Command{
	Use:   "release <plan-id>",
	Short: "Queue a held backup record or re-queue a failed one",
	Args:  cobra.ExactArgs(1),
	RunE:  runDispatchRelease,
}

var dispatchStatusCmd = &cobra.Command{
	Use:   "status <batch-id>",
	Short: "List the dispatch records of a batch and their delivery state",
	Args:  cobra.ExactArgs(1),
	RunE:  runDispatchStatus,
}

func init() {
	rootCmd.AddCommand(dispatchCmd)
	dispatchCmd.AddCommand(dispatchEnqueueCmd, dispatchRunCmd, dispatchReleaseCmd, dispatchStatusCmd)
}

func runDispatchEnqueue(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	batchID := args[0]

	eng, err := dial(ctx, true)
	if err != nil {
		return err
	}
	defer eng.close(ctx)

	makers, err := eng.orders.ListMakerOrders(ctx, batchID)
	if err != nil {
		return fmt.Errorf("load maker orders: %w", err)
	}
	feeders, err := eng.orders.ListFeederOrders(ctx, batchID)
	if err != nil {
		return fmt.Errorf("load feeder orders: %w", err)
	}
	if len(makers) == 0 && len(feeders) == 0 {
		return fmt.Errorf("batch %s has no emitted orders; run aps schedule first", batchID)
	}

	// Orders carry the id of the task that emitted them.
	taskID := ""
	if len(makers) > 0 {
		taskID = makers[0].TaskID
	} else {
		taskID = feeders[0].TaskID
	}

	producer, err := eng.newProducer()
	if err != nil {
		return err
	}
	enqueued, err := producer.EnqueueBatch(ctx, batchID, taskID, makers, feeders)
	if err != nil {
		return err
	}

	held := len(makers) + len(feeders) - enqueued
	fmt.Printf("%d record(s) queued on %s\n", enqueued, cfg.MES.Stream)
	if held > 0 {
		fmt.Printf("%d backup record(s) held; release with aps dispatch release <plan-id>\n", held)
	}
	return nil
}

func runDispatchRun(cmd *cobra.Command, args []string) error {
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
	mesClient, err := mes.NewLogClient(eng.log)
	if err != nil {
		return err
	}
	retryCfg := retry.DefaultConfig()
	retryCfg.MaxAttempts = cfg.MES.MaxAttempts

	dispatcher, err := mes.NewDispatcher(mes.DispatcherOptions{
		Client:        eng.pulse,
		MES:           mesClient,
		Store:         eng.dispatches,
		Stream:        cfg.MES.Stream,
		Bus:           bus,
		Logger:        eng.log,
		Metrics:       eng.metrics,
		RatePerSecond: cfg.MES.RatePerSecond,
		Burst:         cfg.MES.Burst,
		Retry:         retryCfg,
	})
	if err != nil {
		return err
	}

	fmt.Printf("dispatcher consuming %s, interrupt to stop\n", cfg.MES.Stream)
	if err := dispatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func runDispatchRelease(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	eng, err := dial(ctx, true)
	if err != nil {
		return err
	}
	defer eng.close(ctx)

	producer, err := eng.newProducer()
	if err != nil {
		return err
	}
	if err := producer.Release(ctx, args[0]); err != nil {
		return err
	}
	fmt.Printf("record %s queued\n", args[0])
	return nil
}

func runDispatchStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	eng, err := dial(ctx, false)
	if err != nil {
		return err
	}
	defer eng.close(ctx)

	recs, err := eng.dispatches.ListBatch(ctx, args[0])
	if err != nil {
		return fmt.Errorf("list dispatch records: %w", err)
	}
	if len(recs) == 0 {
		fmt.Printf("batch %s has no dispatch records; run aps dispatch enqueue first\n", args[0])
		return nil
	}

	fmt.Printf("%-24s %-20s %-7s %-8s %8s  %s\n", "PLAN", "ORDER", "TYPE", "STATUS", "ATTEMPTS", "DETAIL")
	for _, rec := range recs {
		detail := ""
		switch rec.Status {
		case mes.StatusSent:
			detail = rec.SentAt.Format("2006-01-02 15:04:05")
		case mes.StatusFailed:
			detail = rec.LastError
		}
		fmt.Printf("%-24s %-20s %-7s %-8s %8d  %s\n",
			rec.PlanID, rec.OrderID, rec.OrderType, rec.Status, rec.Attempts, detail)
	}
	return nil
}
