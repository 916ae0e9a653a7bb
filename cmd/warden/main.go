package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/kestrel/warden/internal/admission"
	"github.com/kestrel/warden/internal/audit"
	"github.com/kestrel/warden/internal/bus"
	"github.com/kestrel/warden/internal/config"
	"github.com/kestrel/warden/internal/dispatch"
	"github.com/kestrel/warden/internal/gateway"
	"github.com/kestrel/warden/internal/notify"
	otelPkg "github.com/kestrel/warden/internal/otel"
	"github.com/kestrel/warden/internal/persistence"
	"github.com/kestrel/warden/internal/telemetry"
	"github.com/kestrel/warden/internal/zombie"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                          Start the orchestration daemon
  %s status                   Show daemon health status (/healthz)

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  WARDEN_HOME             Data directory (default: ~/.warden)
  WARDEN_BIND_ADDR        Gateway listen address
  WARDEN_AUTH_TOKEN       Gateway client token
  TELEGRAM_TOKEN          Enables the Telegram notification sink
`)
}

func main() {
	quiet := flag.Bool("quiet", false, "log to file only, keep stdout clean")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, *quiet || cfg.Quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version)

	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(ctx)
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	dbPath := filepath.Join(cfg.HomeDir, "warden.db")
	store, err := persistence.Open(dbPath, eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	audit.SetDB(store.DB())
	logger.Info("startup phase", "phase", "schema_migrated", "db", dbPath)

	// Startup recovery audit: running tasks that survived a restart stay
	// running; heartbeat staleness and the zombie detector surface the dead
	// ones, requeueing is an operator call.
	runningCount, err := store.RunningCount(ctx)
	if err != nil {
		fatalStartup(logger, "E_RECOVERY_SCAN", err)
	}
	if runningCount > 0 {
		audit.Record("info", "runtime.startup", "recovery.scan",
			fmt.Sprintf("%d tasks still marked running from a previous run", runningCount))
		logger.Warn("tasks still running from a previous process", "count", runningCount)
	}

	dispatcher := dispatch.New(store, logger, metrics, cfg.Scheduler.MaxConcurrent)
	controller := admission.New(store, logger)
	detector := zombie.New(store, logger, metrics)

	var sink notify.Sink
	if cfg.Notify.Telegram.Enabled && cfg.Notify.Telegram.Token != "" {
		tg, err := notify.NewTelegramSink(cfg.Notify.Telegram.Token, cfg.Notify.Telegram.ChatID)
		if err != nil {
			logger.Error("telegram sink unavailable, falling back to log sink", "error", err)
			sink = &notify.LogSink{Logger: logger}
		} else {
			sink = tg
		}
	} else {
		sink = &notify.LogSink{Logger: logger}
	}

	sweeper, err := notify.NewSweeper(notify.Config{
		Store:   store,
		Sink:    sink,
		Logger:  logger,
		Metrics: metrics,
		Cadence: cfg.Sweep.Cadence,
		Window:  time.Duration(cfg.Sweep.WindowMinutes) * time.Minute,
	})
	if err != nil {
		fatalStartup(logger, "E_SWEEP_INIT", err)
	}
	sweeper.Start(ctx)
	defer sweeper.Stop()

	go detector.Run(ctx, time.Duration(cfg.Zombie.ScanIntervalSeconds)*time.Second)
	go dispatcher.Run(ctx, time.Duration(cfg.Scheduler.TickSeconds)*time.Second)

	// Hot-reload: config.yaml edits adjust the concurrency ceiling live.
	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Error("config watcher unavailable", "error", err)
	} else {
		go func() {
			for range watcher.Events() {
				reloaded, err := config.Reload(cfg.HomeDir)
				if err != nil {
					logger.Error("config reload failed", "error", err)
					continue
				}
				dispatcher.SetMaxConcurrent(reloaded.Scheduler.MaxConcurrent)
				logger.Info("scheduler ceiling reloaded",
					"max_concurrent", reloaded.Scheduler.MaxConcurrent)
			}
		}()
	}

	if cfg.Gateway.AuthToken == "" {
		logger.Warn("no auth token configured; all gateway requests will be rejected")
	}
	gw := gateway.New(gateway.Config{
		Store:      store,
		Bus:        eventBus,
		Admission:  controller,
		Dispatcher: dispatcher,
		Logger:     logger,
		Metrics:    metrics,
		Tracer:     otelProvider.Tracer,
		AuthToken:  cfg.Gateway.AuthToken,
	})

	server := &http.Server{
		Addr:    cfg.Gateway.BindAddr,
		Handler: gw.Handler(),
	}
	serverErr := make(chan error, 1)
	ln, err := net.Listen("tcp", cfg.Gateway.BindAddr)
	if err != nil {
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	go func() {
		logger.Info("gateway listening", "addr", cfg.Gateway.BindAddr)
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("fatal", "runtime.startup", reasonCode, message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"warden","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
