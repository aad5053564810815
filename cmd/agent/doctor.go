package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"errand/internal/infra/config"
	"errand/internal/usecase/modules"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

// runDoctor executes all health checks and reports results.
func runDoctor(w io.Writer) error {
	cfgPath := configPath()

	// Try to load config; some checks still work without it.
	cfg, cfgErr := config.Load(cfgPath)

	checks := []Check{
		{Name: "Config", Fn: checkConfig(cfgPath, cfgErr)},
		{Name: "Broker URL", Fn: checkBrokerURL},
		{Name: "Spool directory", Fn: checkSpoolDir},
		{Name: "Module definitions", Fn: checkModuleDefs},
	}

	fmt.Fprintln(w, "errand doctor")
	fmt.Fprintln(w, strings.Repeat("=", 50))
	fmt.Fprintln(w)

	var pass, warn, fail int
	for _, check := range checks {
		result := check.Fn(cfg)
		result.Name = check.Name

		fmt.Fprintf(w, "  [%s] %s: %s\n", result.Status, result.Name, result.Message)
		if result.Fix != "" {
			fmt.Fprintf(w, "      Fix: %s\n", result.Fix)
		}

		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)

	if fail > 0 {
		return fmt.Errorf("%d check(s) failed", fail)
	}
	return nil
}

func checkConfig(path string, loadErr error) func(*config.Config) CheckResult {
	return func(*config.Config) CheckResult {
		if loadErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: loadErr.Error(),
				Fix:     fmt.Sprintf("correct %s or the ERRAND_* environment", path),
			}
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("%s not found, running on defaults and environment", path),
			}
		}
		return CheckResult{Status: StatusPass, Message: path}
	}
}

func checkBrokerURL(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusWarn, Message: "skipped (config failed to load)"}
	}
	if cfg.Broker.URL == "" {
		return CheckResult{
			Status:  StatusFail,
			Message: "broker.url is not set",
			Fix:     "set broker.url or ERRAND_BROKER_URL",
		}
	}
	return CheckResult{Status: StatusPass, Message: cfg.Broker.URL}
}

func checkSpoolDir(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusWarn, Message: "skipped (config failed to load)"}
	}
	dir := cfg.Spool.Dir

	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		// The store creates it on first use; check the parent takes writes.
		if !dirWritable(filepath.Dir(dir)) {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("%s does not exist and parent is not writable", dir),
				Fix:     fmt.Sprintf("mkdir -p %s", dir),
			}
		}
		return CheckResult{Status: StatusPass, Message: dir + " (will be created)"}
	}
	if err != nil {
		return CheckResult{Status: StatusFail, Message: err.Error()}
	}
	if !info.IsDir() {
		return CheckResult{
			Status:  StatusFail,
			Message: dir + " exists but is not a directory",
		}
	}
	if !dirWritable(dir) {
		return CheckResult{
			Status:  StatusFail,
			Message: dir + " is not writable",
			Fix:     fmt.Sprintf("chown or chmod %s", dir),
		}
	}
	return CheckResult{Status: StatusPass, Message: dir}
}

// dirWritable probes writability by creating and removing a temp file.
func dirWritable(dir string) bool {
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return false
	}
	name := f.Name()
	f.Close()
	os.Remove(name)
	return true
}

func checkModuleDefs(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusWarn, Message: "skipped (config failed to load)"}
	}

	registry := modules.NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := registry.Load(cfg.Modules.Dir); err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: err.Error(),
			Fix:     fmt.Sprintf("fix the module definitions under %s", cfg.Modules.Dir),
		}
	}
	names := registry.Modules()
	if len(names) == 0 {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("no modules defined under %s", cfg.Modules.Dir),
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%d module(s): %s", len(names), strings.Join(names, ", ")),
	}
}
