package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "aps.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultsAreValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")
}

func TestLoadFileOverrides(t *testing.T) {
	path := writeConfig(t, `
mongo:
  database: aps_test
scheduling:
  task_timeout: 30m
  workers: 4
mes:
  rate_per_second: 2.5
  burst: 3
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "aps_test", cfg.Mongo.Database)
	assert.Equal(t, 30*time.Minute, cfg.Scheduling.TaskTimeout.Std())
	assert.Equal(t, 4, cfg.Scheduling.Workers)
	assert.Equal(t, 2.5, cfg.MES.RatePerSecond)
	assert.Equal(t, 3, cfg.MES.Burst)

	// Untouched sections keep their defaults.
	assert.Equal(t, Default().Redis.Addr, cfg.Redis.Addr)
	assert.Equal(t, Default().Storage.WorkbookDir, cfg.Storage.WorkbookDir)
}

func TestLoadEnvBeatsFile(t *testing.T) {
	path := writeConfig(t, `
mongo:
  uri: mongodb://from-file:27017
mes:
  stream: from_file
`)
	t.Setenv("APS_MONGO_URI", "mongodb://from-env:27017")
	t.Setenv("APS_MES_STREAM", "from_env")
	t.Setenv("APS_TASK_TIMEOUT", "45m")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "mongodb://from-env:27017", cfg.Mongo.URI)
	assert.Equal(t, "from_env", cfg.MES.Stream)
	assert.Equal(t, 45*time.Minute, cfg.Scheduling.TaskTimeout.Std())
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := map[string]string{
		"max attempts above bound": "mes:\n  max_attempts: 99\n",
		"zero burst":               "mes:\n  burst: 0\n  max_attempts: 3\n",
		"empty mongo uri":          "mongo:\n  uri: \"\"\n",
		"negative workers":         "scheduling:\n  workers: -1\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid configuration")
		})
	}
}

func TestLoadRejectsMalformedDuration(t *testing.T) {
	_, err := Load(writeConfig(t, "scheduling:\n  task_timeout: soon\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid duration")
}

func TestDurationRoundTrip(t *testing.T) {
	out, err := Duration(90 * time.Second).MarshalYAML()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", out)
}
