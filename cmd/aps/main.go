// Command aps runs the production scheduling engine for cigarette workshop
// plans: workbook import, the merge/split/correction/parallel pipeline,
// work-order emission, and MES dispatch.
//
// # Configuration
//
// Settings come from an optional YAML file (--config) overridden by
// environment variables; a .env file in the working directory is loaded
// first:
//
//	APS_MONGO_URI       - MongoDB connection string (default: "mongodb://localhost:27017")
//	APS_MONGO_DATABASE  - database name (default: "aps")
//	APS_REDIS_ADDR      - Redis address backing the Pulse streams (default: "localhost:6379")
//	APS_REDIS_PASSWORD  - Redis password (optional)
//	APS_WORKBOOK_DIR    - directory holding uploaded workbook bytes
//	APS_TASK_TIMEOUT    - scheduling task timeout (default: "1h")
//	APS_MES_STREAM      - MES dispatch stream name (default: "aps_mes_dispatch")
//
// # Example
//
// A full planning cycle:
//
//	aps refdata load seed.yaml
//	aps import --cadence monthly plan-2024-11.xlsx
//	aps schedule monthly_20241101_080000_1a2b3c4d
//	aps dispatch enqueue monthly_20241101_080000_1a2b3c4d
//	aps dispatch run
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
