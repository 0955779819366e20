package main

import (
	"context"
	"fmt"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"goa.design/clue/log"

	mongoclients "github.com/leafscale/aps/internal/clients/mongo"
	pulseclients "github.com/leafscale/aps/internal/clients/pulse"
	"github.com/leafscale/aps/internal/config"
	"github.com/leafscale/aps/internal/events"
	"github.com/leafscale/aps/internal/mes"
	"github.com/leafscale/aps/internal/pipeline"
	"github.com/leafscale/aps/internal/refdata"
	"github.com/leafscale/aps/internal/sequence"
	"github.com/leafscale/aps/internal/store"
	mongostore "github.com/leafscale/aps/internal/store/mongo"
	"github.com/leafscale/aps/internal/task"
	"github.com/leafscale/aps/internal/telemetry"
)

var (
	cfgFile   string
	debugMode bool
	cfg       config.Config
)

var rootCmd = &cobra.Command{
	Use:   "aps",
	Short: "Production scheduling engine for cigarette workshop plans",
	Long: `aps ingests production-plan workbooks, schedules them into machine-level
work orders, and dispatches the results to the manufacturing execution
system.

A full planning cycle:

  aps refdata load seed.yaml              # seed machines, relations, speeds, shifts
  aps import --cadence monthly plan.xlsx  # store the workbook, print the batch id
  aps schedule <batch-id>                 # run the pipeline, wait for completion
  aps dispatch enqueue <batch-id>         # queue the emitted orders for the MES
  aps dispatch run                        # deliver queued records

Configuration comes from --config (YAML) overridden by APS_* environment
variables; every setting has a working default for local MongoDB and Redis.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		_ = godotenv.Load()
		format := log.FormatJSON
		if log.IsTerminal() {
			format = log.FormatTerminal
		}
		ctx := log.Context(cmd.Context(), log.WithFormat(format))
		if debugMode {
			ctx = log.Context(ctx, log.WithDebug())
		}
		cmd.SetContext(ctx)

		loaded, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		cfg = loaded
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to the YAML configuration file")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "enable debug logging")
}

// engine bundles the clients and stores a command wires up after
// configuration is loaded. Commands that never touch the dispatch queue or
// the progress stream dial MongoDB only.
type engine struct {
	log     telemetry.Logger
	metrics telemetry.Metrics

	mongo mongoclients.Client
	redis *redis.Client
	pulse pulseclients.Client

	batches     store.Batches
	rows        store.Rows
	orders      store.Orders
	checkpoints store.Checkpoints
	tasks       task.Store
	dispatches  mes.DispatchStore
	reference   *mongostore.Reference
	sequences   *sequence.Allocator
	provider    *refdata.Provider
}

// dial connects the engine's backing services. withPulse additionally opens
// the Redis connection behind the Pulse streams.
func dial(ctx context.Context, withPulse bool) (*engine, error) {
	eng := &engine{
		log:     telemetry.NewClueLogger(),
		metrics: telemetry.NewClueMetrics(),
	}

	mc, err := mongoclients.Connect(ctx, mongoclients.Options{
		URI:            cfg.Mongo.URI,
		Database:       cfg.Mongo.Database,
		ConnectTimeout: cfg.Mongo.Timeout.Std(),
	})
	if err != nil {
		return nil, err
	}
	eng.mongo = mc

	db := mc.Database()
	eng.batches = mongostore.NewBatches(db)
	eng.rows = mongostore.NewRows(db)
	eng.orders = mongostore.NewOrders(db)
	eng.checkpoints = mongostore.NewCheckpoints(db)
	eng.tasks = mongostore.NewTasks(db)
	eng.dispatches = mongostore.NewDispatches(db)
	eng.reference = mongostore.NewReference(db)

	alloc, err := sequence.NewAllocator(mongostore.NewSequences(db), sequence.Options{})
	if err != nil {
		eng.close(ctx)
		return nil, err
	}
	eng.sequences = alloc

	provider, err := refdata.NewProvider(eng.reference, refdata.ProviderOptions{
		TTL:    cfg.RefData.RefreshInterval.Std(),
		Logger: eng.log,
	})
	if err != nil {
		eng.close(ctx)
		return nil, err
	}
	eng.provider = provider

	if withPulse {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			eng.close(ctx)
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		eng.redis = rdb

		pc, err := pulseclients.New(pulseclients.Options{Redis: rdb})
		if err != nil {
			eng.close(ctx)
			return nil, err
		}
		eng.pulse = pc
	}
	return eng, nil
}

func (e *engine) close(ctx context.Context) {
	if e.pulse != nil {
		if err := e.pulse.Close(ctx); err != nil {
			e.log.Warn(ctx, "close pulse client", "err", err)
		}
	}
	if e.redis != nil {
		if err := e.redis.Close(); err != nil {
			e.log.Warn(ctx, "close redis connection", "err", err)
		}
	}
	if e.mongo != nil {
		if err := e.mongo.Disconnect(ctx); err != nil {
			e.log.Warn(ctx, "disconnect mongodb", "err", err)
		}
	}
}

// progressBus builds the event bus for a run. When the engine dialed Pulse
// the bus forwards to the task progress stream so external watchers can
// follow along.
func (e *engine) progressBus() (events.Bus, error) {
	bus := events.NewBus()
	if e.pulse == nil {
		return bus, nil
	}
	pub, err := events.NewStreamPublisher(e.pulse, events.DefaultStream, e.log)
	if err != nil {
		return nil, err
	}
	if _, err := bus.Register(pub); err != nil {
		return nil, err
	}
	return bus, nil
}

func (e *engine) newManager(bus events.Bus) (*task.Manager, error) {
	runner, err := pipeline.NewRunner(pipeline.RunnerOptions{
		Batches:     e.batches,
		Rows:        e.rows,
		Orders:      e.orders,
		Checkpoints: e.checkpoints,
		Refdata:     e.provider,
		Sequences:   e.sequences,
		Bus:         bus,
		Logger:      e.log,
		Metrics:     e.metrics,
		Changeover:  cfg.Scheduling.FeederChangeover.Std(),
		Workers:     cfg.Scheduling.Workers,
	})
	if err != nil {
		return nil, err
	}
	return task.NewManager(task.ManagerOptions{
		Store:   e.tasks,
		Runner:  runner,
		Bus:     bus,
		Logger:  e.log,
		Metrics: e.metrics,
		Timeout: cfg.Scheduling.TaskTimeout.Std(),
	})
}

func (e *engine) newProducer() (*mes.Producer, error) {
	return mes.NewProducer(mes.ProducerOptions{
		Client:    e.pulse,
		Stream:    cfg.MES.Stream,
		Store:     e.dispatches,
		Sequences: e.sequences,
		Logger:    e.log,
		Metrics:   e.metrics,
	})
}
