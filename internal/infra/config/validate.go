package config

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateAgent(cfg, ve)
	validateBroker(cfg, ve)
	validateSpool(cfg, ve)
	validateExecutor(cfg, ve)
	validateModules(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateAgent(cfg *Config, ve *ValidationError) {
	if cfg.Agent.ID == "" {
		ve.Add("agent.id must not be empty")
	}
}

func validateBroker(cfg *Config, ve *ValidationError) {
	if cfg.Broker.URL == "" {
		ve.Add("broker.url must not be empty (set via ERRAND_BROKER_URL)")
	} else if !strings.HasPrefix(cfg.Broker.URL, "ws://") && !strings.HasPrefix(cfg.Broker.URL, "wss://") {
		ve.Add("broker.url %q must use ws:// or wss://", cfg.Broker.URL)
	}
	if cfg.Broker.ReconnectMin <= 0 {
		ve.Add("broker.reconnect_min must be > 0")
	}
	if cfg.Broker.ReconnectMax < cfg.Broker.ReconnectMin {
		ve.Add("broker.reconnect_max must be >= broker.reconnect_min")
	}
	if cfg.Broker.RequestsPerSecond <= 0 {
		ve.Add("broker.requests_per_second must be > 0")
	}
	if cfg.Broker.RequestBurst <= 0 {
		ve.Add("broker.request_burst must be > 0")
	}
}

func validateSpool(cfg *Config, ve *ValidationError) {
	if cfg.Spool.Dir == "" {
		ve.Add("spool.dir must not be empty")
	}
	if cfg.Spool.PurgeTTL <= 0 {
		ve.Add("spool.purge_ttl must be > 0")
	}
	if cfg.Spool.PurgeSchedule != "" {
		if _, err := cron.ParseStandard(cfg.Spool.PurgeSchedule); err != nil {
			ve.Add("spool.purge_schedule %q is not a valid cron expression: %v",
				cfg.Spool.PurgeSchedule, err)
		}
	}
}

func validateExecutor(cfg *Config, ve *ValidationError) {
	if cfg.Executor.MaxDetached <= 0 {
		ve.Add("executor.max_detached must be > 0")
	}
	if cfg.Executor.OutputBufferMax <= 0 {
		ve.Add("executor.output_buffer_max must be > 0")
	}
	if cfg.Executor.BlockingTimeout <= 0 {
		ve.Add("executor.blocking_timeout must be > 0")
	}
}

func validateModules(cfg *Config, ve *ValidationError) {
	if cfg.Modules.Dir == "" {
		ve.Add("modules.dir must not be empty")
	}
}

func validateLogger(cfg *Config, ve *ValidationError) {
	switch cfg.Logger.Format {
	case "", "text", "json":
	default:
		ve.Add("logger.format %q is invalid (want: text, json)", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	switch cfg.Tracer.Exporter {
	case "", "noop", "stdout":
	default:
		ve.Add("tracer.exporter %q is invalid (want: noop, stdout)", cfg.Tracer.Exporter)
	}
}
