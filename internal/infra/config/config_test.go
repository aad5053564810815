package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "errand.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	t.Setenv("ERRAND_BROKER_URL", "wss://broker.example:8142/agents")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "wss://broker.example:8142/agents", cfg.Broker.URL)
	assert.Equal(t, 10, cfg.Executor.MaxDetached)
	assert.Equal(t, 14*24*time.Hour, cfg.Spool.PurgeTTL.Std())
	assert.Equal(t, "@hourly", cfg.Spool.PurgeSchedule)
	assert.NotEmpty(t, cfg.Agent.ID)
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
agent:
  id: web-01
broker:
  url: wss://broker.example:8142/agents
  token: hunter2
  reconnect_min: 2s
  reconnect_max: 30s
spool:
  dir: /var/lib/errand/spool
  purge_ttl: 24h
  purge_schedule: "0 3 * * *"
executor:
  max_detached: 3
  blocking_timeout: 90s
modules:
  dir: /etc/errand/modules
logger:
  level: debug
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "web-01", cfg.Agent.ID)
	assert.Equal(t, "hunter2", cfg.Broker.Token)
	assert.Equal(t, 2*time.Second, cfg.Broker.ReconnectMin.Std())
	assert.Equal(t, 30*time.Second, cfg.Broker.ReconnectMax.Std())
	assert.Equal(t, "/var/lib/errand/spool", cfg.Spool.Dir)
	assert.Equal(t, 24*time.Hour, cfg.Spool.PurgeTTL.Std())
	assert.Equal(t, 3, cfg.Executor.MaxDetached)
	assert.Equal(t, 90*time.Second, cfg.Executor.BlockingTimeout.Std())
	assert.Equal(t, "json", cfg.Logger.Format)

	// Unset fields keep their defaults.
	assert.Equal(t, float64(10), cfg.Broker.RequestsPerSecond)
	assert.Equal(t, 1024*1024, cfg.Executor.OutputBufferMax)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
broker:
  url: wss://from-file:8142/agents
`)
	t.Setenv("ERRAND_BROKER_URL", "wss://from-env:8142/agents")
	t.Setenv("ERRAND_LOGGER_LEVEL", "error")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "wss://from-env:8142/agents", cfg.Broker.URL)
	assert.Equal(t, "error", cfg.Logger.Level)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, `
broker:
  url: wss://broker.example:8142/agents
  reconnect_min: eventually
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid duration")
}

func TestValidateMissingBrokerURL(t *testing.T) {
	cfg := Defaults()
	err := Validate(cfg)
	require.Error(t, err)

	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Error(), "broker.url")
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Broker.URL = "http://not-a-websocket"
	cfg.Spool.PurgeSchedule = "every tuesday"
	cfg.Executor.MaxDetached = 0

	err := Validate(cfg)
	require.Error(t, err)

	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Len(t, ve.Errors, 3)
}

func TestValidateAcceptsCronDescriptors(t *testing.T) {
	cfg := Defaults()
	cfg.Broker.URL = "wss://broker.example:8142/agents"
	for _, sched := range []string{"@hourly", "@every 10m", "*/5 * * * *"} {
		cfg.Spool.PurgeSchedule = sched
		assert.NoError(t, Validate(cfg), "schedule %q", sched)
	}
}
