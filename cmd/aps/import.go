package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/leafscale/aps/internal/plan"
	"github.com/leafscale/aps/internal/sequence"
	"github.com/leafscale/aps/internal/workbook"
)

var (
	importCadence  string
	importPlanYear int
)

var importCmd = &cobra.Command{
	Use:   "import <workbook>",
	Short: "Upload a plan workbook and register an import batch",
	Long: `Import stores a plan workbook (.xlsx or .xls) and registers an import
batch for it. The workbook is opened once before anything is persisted, so
a file the parser cannot read is rejected here rather than at schedule
time. Row counts printed by import are preliminary: machine codes are only
validated against reference data when the batch is scheduled.

Examples:
  aps import --cadence monthly plan-2024-11.xlsx
  aps import --cadence decade --plan-year 2024 decade-plan.xls`,
	Args: cobra.ExactArgs(1),
	RunE: runImport,
}

func init() {
	rootCmd.AddCommand(importCmd)

	importCmd.Flags().StringVar(&importCadence, "cadence", "", "planning cadence: decade or monthly (required)")
	importCmd.Flags().IntVar(&importPlanYear, "plan-year", 0, "year short dates default to (default: current year)")
	_ = importCmd.MarkFlagRequired("cadence")
}

func runImport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cadence := plan.Cadence(importCadence)
	if !cadence.Valid() {
		return fmt.Errorf("unknown cadence %q, want %q or %q", importCadence, plan.CadenceDecade, plan.CadenceMonthly)
	}

	src := args[0]
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("read workbook: %w", err)
	}

	now := time.Now()
	planYear := importPlanYear
	if planYear == 0 {
		planYear = now.Year()
	}

	preview, err := workbook.ParseBytes(filepath.Base(src), data, workbook.Options{
		Cadence:  cadence,
		PlanYear: planYear,
		MaxBytes: cfg.Storage.MaxWorkbookBytes,
	})
	if err != nil {
		return fmt.Errorf("workbook rejected: %w", err)
	}

	eng, err := dial(ctx, false)
	if err != nil {
		return err
	}
	defer eng.close(ctx)

	batchID := sequence.BatchID(cadence, now)
	stored := filepath.Join(cfg.Storage.WorkbookDir, batchID+strings.ToLower(filepath.Ext(src)))
	if err := os.MkdirAll(cfg.Storage.WorkbookDir, 0o755); err != nil {
		return fmt.Errorf("create workbook directory: %w", err)
	}
	if err := os.WriteFile(stored, data, 0o644); err != nil {
		return fmt.Errorf("store workbook: %w", err)
	}

	batch := &plan.ImportBatch{
		ID:         batchID,
		Cadence:    cadence,
		FileName:   filepath.Base(src),
		FileSize:   int64(len(data)),
		FilePath:   stored,
		PlanYear:   planYear,
		UploadedAt: now,
		State:      plan.StateUploading,
	}
	if err := eng.batches.Save(ctx, batch); err != nil {
		// Stored bytes are unreachable without a batch record.
		_ = os.Remove(stored)
		return fmt.Errorf("save batch: %w", err)
	}

	fmt.Printf("batch %s\n", batchID)
	fmt.Printf("  file  %s (%d bytes)\n", batch.FileName, batch.FileSize)
	fmt.Printf("  rows  %d total, %d valid, %d warning, %d error\n",
		preview.Counts.Total, preview.Counts.Valid, preview.Counts.Warning, preview.Counts.Error)
	if len(preview.ExtraColumns) > 0 {
		fmt.Printf("  extra columns: %s\n", strings.Join(preview.ExtraColumns, ", "))
	}
	fmt.Printf("\nnext: aps schedule %s\n", batchID)
	return nil
}
