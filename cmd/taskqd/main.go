// Command taskqd is the multi-agent task dispatch server: it wires the
// Durable Store, Waiting-Agent Registry, Task Queue, Hybrid Scheduler,
// digest reporter, and JSON-RPC gateway together and serves them over a
// single HTTP listener until told to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nodegraft/taskq/internal/audit"
	"github.com/nodegraft/taskq/internal/bus"
	"github.com/nodegraft/taskq/internal/config"
	"github.com/nodegraft/taskq/internal/digest"
	"github.com/nodegraft/taskq/internal/gateway"
	otelPkg "github.com/nodegraft/taskq/internal/otel"
	"github.com/nodegraft/taskq/internal/queue"
	"github.com/nodegraft/taskq/internal/registry"
	"github.com/nodegraft/taskq/internal/scheduler"
	"github.com/nodegraft/taskq/internal/store"
	"github.com/nodegraft/taskq/internal/telemetry"
	"github.com/nodegraft/taskq/internal/validate"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                  Run the dispatch server (default)
  %s status            Check server health (/healthz)
  %s -version          Print version and exit

ENVIRONMENT VARIABLES:
  TASKQ_HOME                    Data directory (default: ~/.taskq)
  TASKQ_BIND_ADDR                WebSocket/HTTP bind address
  TASKQ_LOG_LEVEL                debug|info|warn|error
  TASKQ_STORE_PATH                SQLite database path
  TASKQ_DIGEST_CRON               cron expression for the digest reporter
  TASKQ_TICK_INTERVAL_MS          scheduler tick cadence
  TASKQ_PENDING_ACK_TIMEOUT_MS    reclaim unacked deliveries after this long
  TASKQ_STALE_TIMEOUT_MS          rebalance in-flight tasks with no progress
  TASKQ_ORPHAN_TIMEOUT_MS         rebalance tasks whose agent stopped reporting
  TASKQ_DEFAULT_LONGPOLL_MS       default long-poll duration
  TASKQ_AGENT_STALE_MS            agent considered offline after this long

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
}

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Println(Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			return
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		}
	}

	run(ctx)
}

func run(ctx context.Context) {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir)

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:        cfg.Telemetry.Enabled,
		Exporter:       cfg.Telemetry.Exporter,
		Endpoint:       cfg.Telemetry.Endpoint,
		ServiceName:    cfg.Telemetry.ServiceName,
		SampleRate:     cfg.Telemetry.SampleRate,
		MetricsEnabled: cfg.Telemetry.MetricsEnabled,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() { _ = otelProvider.Shutdown(context.Background()) }()

	eventBus := bus.New()

	st, err := store.Open(cfg.StorePath)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer st.Close()
	audit.SetDB(st.DB())
	logger.Info("startup phase", "phase", "store_opened", "path", cfg.StorePath)

	reg := registry.New()
	q := queue.New(st, reg, eventBus, logger)

	var metrics *otelPkg.Metrics
	if otelProvider.Meter != nil {
		metrics, err = otelPkg.NewMetrics(otelProvider.Meter)
		if err != nil {
			logger.Warn("metrics instruments unavailable", "error", err)
			metrics = nil
		} else {
			eventBus.SetMetrics(metrics)
			reg.SetMetrics(metrics)
			q.SetMetrics(metrics)
		}
	}

	validator, err := validate.New(validate.Schemas)
	if err != nil {
		fatalStartup(logger, "E_VALIDATOR_INIT", err)
	}

	sched := scheduler.New(q, scheduler.Thresholds{
		TickInterval:      cfg.TickInterval(),
		PendingAckTimeout: cfg.PendingAckTimeout(),
		StaleTaskTimeout:  cfg.StaleTaskTimeout(),
		OrphanTaskTimeout: cfg.OrphanTaskTimeout(),
	}, logger)
	if metrics != nil {
		sched.SetMetrics(metrics)
	}
	go sched.Run(ctx)
	defer sched.Stop()
	logger.Info("startup phase", "phase", "scheduler_started")

	var reporter *digest.Reporter
	if cfg.DigestCronExpr != "" {
		reporter, err = digest.New(digest.Config{Queue: q, Store: st, Logger: logger, CronExpr: cfg.DigestCronExpr})
		if err != nil {
			logger.Warn("digest reporter disabled: invalid cron expression", "expr", cfg.DigestCronExpr, "error", err)
		} else {
			reporter.Start()
			defer reporter.Stop()
			logger.Info("startup phase", "phase", "digest_started", "cron", cfg.DigestCronExpr)
		}
	}

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher failed to start", "error", err)
	} else {
		go func() {
			for range watcher.Events() {
				logger.Info("config.yaml changed on disk; restart taskqd to apply")
			}
		}()
	}

	gw := gateway.New(gateway.Config{
		Store: st, Queue: q, Registry: reg, Bus: eventBus,
		Validator: validator, Cfg: &cfg, Log: logger, Tracer: otelProvider.Tracer,
	})

	server := &http.Server{Addr: cfg.BindAddr, Handler: gw.Handler()}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "ws", "/ws")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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
	audit.Record("fatal", "runtime.startup", reasonCode, "", message)
	if logger != nil {
		logger.Error("fatal startup error", "reason", reasonCode, "error", message)
	} else {
		fmt.Fprintf(os.Stderr, "fatal startup error [%s]: %s\n", reasonCode, message)
	}
	os.Exit(1)
}
