// Package task orchestrates scheduling runs. A Manager owns the in-process
// state machines: it creates task records, drives the pipeline runner in a
// background goroutine, reports weighted progress, and enforces the task
// timeout. Task state is persisted through the Store so status queries and
// crash recovery read one source of truth.
package task

import (
	"context"
	"time"
)

// State is the lifecycle state of a scheduling task.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Stage names one pipeline stage.
type Stage string

const (
	StageParse      Stage = "parse"
	StageMerge      Stage = "merge"
	StageSplit      Stage = "split"
	StageCorrection Stage = "correction"
	StageParallel   Stage = "parallel"
	StageEmission   Stage = "emission"
)

// stageWeights sum to 100; progress is the weighted share of completed work.
var stageWeights = map[Stage]float64{
	StageParse:      15,
	StageMerge:      10,
	StageSplit:      10,
	StageCorrection: 30,
	StageParallel:   25,
	StageEmission:   10,
}

// stageOrder is the execution order of the pipeline.
var stageOrder = []Stage{
	StageParse,
	StageMerge,
	StageSplit,
	StageCorrection,
	StageParallel,
	StageEmission,
}

// StageOrder returns the pipeline stages in execution order.
func StageOrder() []Stage {
	out := make([]Stage, len(stageOrder))
	copy(out, stageOrder)
	return out
}

// ProgressAt returns the cumulative progress percentage when frac (0 to 1)
// of the given stage is done. Earlier stages count in full.
func ProgressAt(stage Stage, frac float64) float64 {
	if frac < 0 {
		frac = 0
	}
	if frac > 1 {
		frac = 1
	}
	var done float64
	for _, s := range stageOrder {
		if s == stage {
			return done + stageWeights[s]*frac
		}
		done += stageWeights[s]
	}
	return done
}

type (
	// Options select which transform stages run. A disabled stage passes
	// drafts through untouched. Parsing and emission always run.
	Options struct {
		Merge      bool
		Split      bool
		Correction bool
		Parallel   bool
	}

	// Summary is the result of a completed run.
	Summary struct {
		MakerOrders  int
		FeederOrders int
		// ManualReview counts orders flagged for planner attention.
		ManualReview int
		Warnings     int
	}

	// Record is the persisted state of one task.
	Record struct {
		ID      string
		BatchID string
		State   State
		// Progress is 0 to 100.
		Progress float64
		// Stage is the stage currently running, or the last one that ran.
		Stage   Stage
		Options Options
		// Error holds the failure reason for failed tasks.
		Error   string
		Summary Summary
		// Timings records wall time per executed stage.
		Timings map[Stage]time.Duration

		CreatedAt  time.Time
		StartedAt  time.Time
		FinishedAt time.Time
	}

	// Request is what a Runner needs to execute a task.
	Request struct {
		TaskID  string
		BatchID string
		Options Options
	}

	// Result is what a Runner reports back on success.
	Result struct {
		Summary Summary
		Timings map[Stage]time.Duration
	}

	// Reporter receives progress updates from inside the pipeline. Progress
	// is 0 to 100 and monotonic within a run.
	Reporter func(ctx context.Context, stage Stage, progress float64)

	// Runner executes the scheduling pipeline for one task. The pipeline
	// package provides the production implementation.
	Runner interface {
		Run(ctx context.Context, req Request, report Reporter) (Result, error)
	}

	// StateUpdate carries the fields written together with a state
	// transition. Zero values are left untouched.
	StateUpdate struct {
		Error      string
		Summary    *Summary
		Timings    map[Stage]time.Duration
		StartedAt  time.Time
		FinishedAt time.Time
	}

	// Store persists task records. Implementations live in store/mongo.
	Store interface {
		Create(ctx context.Context, rec *Record) error
		// Get returns the record or store.ErrNotFound.
		Get(ctx context.Context, id string) (*Record, error)
		// FindActiveByBatch returns the pending or running task of a batch,
		// or store.ErrNotFound.
		FindActiveByBatch(ctx context.Context, batchID string) (*Record, error)
		// Transition atomically moves the task from one state to the other
		// and applies the update. Returns store.ErrNotFound when the task
		// is not currently in the from state.
		Transition(ctx context.Context, id string, from, to State, update StateUpdate) error
		// UpdateProgress records the current stage and progress.
		UpdateProgress(ctx context.Context, id string, stage Stage, progress float64) error
		// ListRunningBefore returns running tasks started before the cutoff,
		// for the timeout sweeper.
		ListRunningBefore(ctx context.Context, cutoff time.Time) ([]*Record, error)
	}
)

// DefaultOptions enables every stage.
func DefaultOptions() Options {
	return Options{Merge: true, Split: true, Correction: true, Parallel: true}
}
