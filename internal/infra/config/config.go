// Package config loads and validates the agent's YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values can be written as "30s" or "2h".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the top-level application configuration.
type Config struct {
	Agent    AgentConfig    `yaml:"agent"`
	Broker   BrokerConfig   `yaml:"broker"`
	Spool    SpoolConfig    `yaml:"spool"`
	Executor ExecutorConfig `yaml:"executor"`
	Modules  ModulesConfig  `yaml:"modules"`
	Logger   LoggerConfig   `yaml:"logger"`
	Tracer   TracerConfig   `yaml:"tracer"`
}

// AgentConfig holds the agent's identity.
type AgentConfig struct {
	ID string `yaml:"id"` // defaults to the hostname
}

// BrokerConfig holds control channel settings.
type BrokerConfig struct {
	URL               string   `yaml:"url"`
	Token             string   `yaml:"token"` // bearer token, optional
	ReconnectMin      Duration `yaml:"reconnect_min"`
	ReconnectMax      Duration `yaml:"reconnect_max"`
	RequestsPerSecond float64  `yaml:"requests_per_second"`
	RequestBurst      int      `yaml:"request_burst"`
}

// SpoolConfig holds result spool settings.
type SpoolConfig struct {
	Dir           string   `yaml:"dir"`
	PurgeTTL      Duration `yaml:"purge_ttl"`      // records older than this are purged
	PurgeSchedule string   `yaml:"purge_schedule"` // cron expression, e.g. "@hourly"
}

// ExecutorConfig holds action execution settings.
type ExecutorConfig struct {
	MaxDetached     int      `yaml:"max_detached"`
	OutputBufferMax int      `yaml:"output_buffer_max"` // bytes per capture stream
	BlockingTimeout Duration `yaml:"blocking_timeout"`
}

// ModulesConfig holds module definition settings.
type ModulesConfig struct {
	Dir string `yaml:"dir"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// defaultDataDir returns the persistent data directory under $HOME/.errand.
// Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".errand")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	dataDir := defaultDataDir()
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "errand-agent"
	}
	return &Config{
		Agent: AgentConfig{
			ID: hostname,
		},
		Broker: BrokerConfig{
			ReconnectMin:      Duration(time.Second),
			ReconnectMax:      Duration(time.Minute),
			RequestsPerSecond: 10,
			RequestBurst:      20,
		},
		Spool: SpoolConfig{
			Dir:           filepath.Join(dataDir, "spool"),
			PurgeTTL:      Duration(14 * 24 * time.Hour),
			PurgeSchedule: "@hourly",
		},
		Executor: ExecutorConfig{
			MaxDetached:     10,
			OutputBufferMax: 1024 * 1024, // 1 MiB
			BlockingTimeout: Duration(5 * time.Minute),
		},
		Modules: ModulesConfig{
			Dir: filepath.Join(dataDir, "modules"),
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file and applies env var overrides. A missing
// file is not an error; defaults plus env overrides are used.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	ApplyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps ERRAND_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ERRAND_AGENT_ID"); v != "" {
		cfg.Agent.ID = v
	}
	if v := os.Getenv("ERRAND_BROKER_URL"); v != "" {
		cfg.Broker.URL = v
	}
	if v := os.Getenv("ERRAND_BROKER_TOKEN"); v != "" {
		cfg.Broker.Token = v
	}
	if v := os.Getenv("ERRAND_SPOOL_DIR"); v != "" {
		cfg.Spool.Dir = v
	}
	if v := os.Getenv("ERRAND_SPOOL_PURGE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Spool.PurgeTTL = Duration(d)
		}
	}
	if v := os.Getenv("ERRAND_SPOOL_PURGE_SCHEDULE"); v != "" {
		cfg.Spool.PurgeSchedule = v
	}
	if v := os.Getenv("ERRAND_MODULES_DIR"); v != "" {
		cfg.Modules.Dir = v
	}
	if v := os.Getenv("ERRAND_EXECUTOR_MAX_DETACHED"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Executor.MaxDetached = n
		}
	}
	if v := os.Getenv("ERRAND_EXECUTOR_BLOCKING_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Executor.BlockingTimeout = Duration(d)
		}
	}
	if v := os.Getenv("ERRAND_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("ERRAND_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("ERRAND_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("ERRAND_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
}
