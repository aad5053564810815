package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"errand/cmd/agent/daemon"
	"errand/internal/adapter/connector"
	"errand/internal/domain"
	"errand/internal/infra/config"
	"errand/internal/infra/logger"
	"errand/internal/infra/tracer"
	"errand/internal/spool"
	"errand/internal/usecase/eventbus"
	"errand/internal/usecase/executor"
	"errand/internal/usecase/modules"
	"errand/internal/usecase/processor"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	if len(os.Args) < 2 || strings.HasPrefix(os.Args[1], "-") {
		if err := run(); err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
		return
	}

	switch os.Args[1] {
	case "daemon":
		if err := runDaemon(); err != nil {
			fmt.Fprintf(os.Stderr, "daemon: %v\n", err)
			os.Exit(1)
		}
	case "doctor":
		if err := runDoctor(os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "doctor: %v\n", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'errand --help' for usage information.\n", os.Args[1])
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`errand - remote action execution agent

USAGE:
    errand [COMMAND] [FLAGS]

COMMANDS:
    daemon      Manage errand as a system service
                Subcommands: install, uninstall, status
    doctor      Check config, spool, and module definitions

    (no command) - Run the agent with existing config

FLAGS:
    -h, --help         Show this help message
    --config PATH      Specify config file path (default: errand.yaml)

CONFIGURATION:
    Config file: errand.yaml
    Environment: ERRAND_* variables override config

EXAMPLES:
    errand --config /etc/errand/errand.yaml
    errand daemon install
    errand doctor`)
}

func run() error {
	// 1. Config
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx := context.Background()
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(ctx)

	// 3. Event bus
	bus := eventbus.New(log)
	defer bus.Close()

	// 4. Spool
	store := spool.NewStore(cfg.Spool.Dir, log)

	// 5. Module definitions. A missing dir only disables new actions; the
	// agent still answers status queries from the spool.
	registry := modules.NewRegistry(log)
	if err := registry.Load(cfg.Modules.Dir); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("modules: %w", err)
		}
		log.Warn("module directory missing, no actions available", "dir", cfg.Modules.Dir)
	}

	// 6. Executor
	ex := executor.New(executor.Config{
		MaxDetached:     cfg.Executor.MaxDetached,
		OutputBufferMax: cfg.Executor.OutputBufferMax,
		BlockingTimeout: cfg.Executor.BlockingTimeout.Std(),
	}, store, bus, log)

	// 7. Broker connector
	conn := connector.New(connector.Config{
		BrokerURL:         cfg.Broker.URL,
		AgentID:           cfg.Agent.ID,
		Token:             cfg.Broker.Token,
		ReconnectMin:      cfg.Broker.ReconnectMin.Std(),
		ReconnectMax:      cfg.Broker.ReconnectMax.Std(),
		RequestsPerSecond: cfg.Broker.RequestsPerSecond,
		RequestBurst:      cfg.Broker.RequestBurst,
	}, bus, log)

	// 8. Request processor
	proc := processor.New(registry, ex, store, conn, bus, log)
	defer proc.Close()
	proc.Register(conn)

	// 9. Scheduled spool purge
	purger := cron.New()
	if cfg.Spool.PurgeSchedule != "" {
		_, err := purger.AddFunc(cfg.Spool.PurgeSchedule, func() {
			n, err := store.Purge(cfg.Spool.PurgeTTL.Std())
			if err != nil {
				log.Error("spool purge failed", "error", err)
				return
			}
			if n > 0 {
				payload, _ := json.Marshal(map[string]int{"removed": n})
				bus.Publish(context.Background(), domain.Event{
					Type:      domain.EventSpoolPurged,
					Timestamp: time.Now(),
					Payload:   payload,
				})
			}
		})
		if err != nil {
			return fmt.Errorf("purge schedule: %w", err)
		}
		purger.Start()
	}

	// 10. Graceful shutdown
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Info("errand starting",
		"agent_id", cfg.Agent.ID,
		"broker", cfg.Broker.URL,
		"spool", cfg.Spool.Dir,
		"modules", registry.Modules(),
	)

	err = conn.Serve(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("connector stopped", "error", err)
	}

	// Detached actions keep running; give their monitors a moment to record
	// whatever finishes before exit. Survivors are picked up from the spool
	// on the next start.
	stopCtx := purger.Stop()
	drainCtx, drainCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer drainCancel()
	if err := ex.Wait(drainCtx); err != nil {
		log.Warn("detached actions still running at shutdown",
			"count", ex.RunningCount())
	}
	<-stopCtx.Done()

	log.Info("errand stopped")
	return nil
}

func configPath() string {
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	if p := os.Getenv("ERRAND_CONFIG"); p != "" {
		return p
	}
	return "errand.yaml"
}

func runDaemon() error {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "Usage: errand daemon <install|uninstall|status>")
		os.Exit(1)
	}

	switch os.Args[2] {
	case "install":
		cfg := daemon.DefaultConfig()
		cfg.ConfigPath = configPath()
		if err := cfg.Validate(); err != nil {
			return err
		}
		return daemon.Install(cfg)
	case "uninstall":
		return daemon.Uninstall("errand")
	case "status":
		status, err := daemon.Status("errand")
		if err != nil {
			return err
		}
		if status.Running {
			fmt.Printf("errand is running (PID %d)\n", status.PID)
		} else {
			fmt.Println("errand is not running")
		}
		return nil
	default:
		return fmt.Errorf("unknown daemon command: %s (want: install, uninstall, status)", os.Args[2])
	}
}
