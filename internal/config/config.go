// Package config loads engine configuration from an optional YAML file with
// environment-variable overrides. Every field has a working default so the
// engine runs against local MongoDB and Redis with no file at all.
//
// Environment overrides (applied after the file):
//
//	APS_MONGO_URI          MongoDB connection string
//	APS_MONGO_DATABASE     database name
//	APS_REDIS_ADDR         Redis address
//	APS_REDIS_PASSWORD     Redis password
//	APS_WORKBOOK_DIR       directory holding uploaded workbook bytes
//	APS_TASK_TIMEOUT       orchestrator task timeout (duration)
//	APS_MES_STREAM         MES dispatch stream name
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type (
	// Config is the root engine configuration.
	Config struct {
		Mongo      Mongo      `yaml:"mongo"`
		Redis      Redis      `yaml:"redis"`
		Storage    Storage    `yaml:"storage"`
		Scheduling Scheduling `yaml:"scheduling"`
		RefData    RefData    `yaml:"refdata"`
		MES        MES        `yaml:"mes"`
	}

	// Mongo configures the persistence store.
	Mongo struct {
		URI      string   `yaml:"uri" validate:"required"`
		Database string   `yaml:"database" validate:"required"`
		Timeout  Duration `yaml:"timeout" validate:"min=0"`
	}

	// Redis configures the stream transport used for progress events and
	// the MES dispatch queue.
	Redis struct {
		Addr     string `yaml:"addr" validate:"required"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db" validate:"min=0"`
	}

	// Storage locates uploaded workbook bytes on disk.
	Storage struct {
		WorkbookDir string `yaml:"workbook_dir" validate:"required"`
		// MaxWorkbookBytes rejects oversized uploads. Defaults to 50 MiB.
		MaxWorkbookBytes int64 `yaml:"max_workbook_bytes" validate:"min=1"`
	}

	// Scheduling tunes the pipeline.
	Scheduling struct {
		// FeederChangeover is the minimum gap between consecutive orders on
		// one feeder.
		FeederChangeover Duration `yaml:"feeder_changeover" validate:"min=0"`
		// TaskTimeout bounds one orchestrator task.
		TaskTimeout Duration `yaml:"task_timeout" validate:"min=0"`
		// Workers caps the per-stage worker pool; 0 selects
		// min(GOMAXPROCS, 8).
		Workers int `yaml:"workers" validate:"min=0,max=64"`
		// DefaultBoxesPerHour is assumed when no speed rule matches.
		DefaultBoxesPerHour float64 `yaml:"default_boxes_per_hour" validate:"gt=0"`
	}

	// RefData tunes the reference-data snapshot refresh.
	RefData struct {
		RefreshInterval Duration `yaml:"refresh_interval" validate:"min=0"`
	}

	// MES configures outbound dispatch.
	MES struct {
		// Stream names the dispatch queue stream.
		Stream string `yaml:"stream" validate:"required"`
		// RatePerSecond limits dispatch calls; Burst allows short spikes.
		RatePerSecond float64 `yaml:"rate_per_second" validate:"gt=0"`
		Burst         int     `yaml:"burst" validate:"min=1"`
		// MaxAttempts bounds retries of a Result=2 response.
		MaxAttempts int `yaml:"max_attempts" validate:"min=1,max=10"`
	}

	// Duration wraps time.Duration so YAML values like "15m" parse.
	Duration time.Duration
)

// Default returns the configuration used when no file or overrides are
// present.
func Default() Config {
	return Config{
		Mongo: Mongo{
			URI:      "mongodb://localhost:27017",
			Database: "aps",
			Timeout:  Duration(5 * time.Second),
		},
		Redis: Redis{
			Addr: "localhost:6379",
		},
		Storage: Storage{
			WorkbookDir:      "/var/lib/aps/workbooks",
			MaxWorkbookBytes: 50 << 20,
		},
		Scheduling: Scheduling{
			FeederChangeover:    Duration(15 * time.Minute),
			TaskTimeout:         Duration(time.Hour),
			Workers:             0,
			DefaultBoxesPerHour: 8,
		},
		RefData: RefData{
			RefreshInterval: Duration(5 * time.Minute),
		},
		MES: MES{
			Stream:        "aps_mes_dispatch",
			RatePerSecond: 5,
			Burst:         1,
			MaxAttempts:   3,
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file at
// path, and environment overrides, then validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration against its struct tags.
func (c Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("APS_MONGO_URI"); v != "" {
		cfg.Mongo.URI = v
	}
	if v := os.Getenv("APS_MONGO_DATABASE"); v != "" {
		cfg.Mongo.Database = v
	}
	if v := os.Getenv("APS_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("APS_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("APS_WORKBOOK_DIR"); v != "" {
		cfg.Storage.WorkbookDir = v
	}
	if v := os.Getenv("APS_TASK_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Scheduling.TaskTimeout = Duration(d)
		}
	}
	if v := os.Getenv("APS_MES_STREAM"); v != "" {
		cfg.MES.Stream = v
	}
}

// UnmarshalYAML parses durations given as Go duration strings or bare
// integer nanoseconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		var n int64
		if err := value.Decode(&n); err != nil {
			return fmt.Errorf("invalid duration %q", value.Value)
		}
		*d = Duration(n)
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration in Go duration syntax.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}
