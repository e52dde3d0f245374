package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/jobworker/internal/config"
	"github.com/cuongbtq/jobworker/internal/jobs"
	"github.com/cuongbtq/jobworker/internal/status"
	"github.com/cuongbtq/jobworker/internal/worker"
	"github.com/cuongbtq/jobworker/shared/logger"
	"github.com/cuongbtq/jobworker/shared/postgresql"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Fatal(err)
	}
}

func run(args []string) error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	opts, err := parseFlags(args)
	if errors.Is(err, flag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	opts.apply(cfg)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()
	slog.SetDefault(appLogger.Logger)

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("broker", cfg.Broker.Driver),
		slog.String("broker_addr", brokerAddr(cfg)),
		slog.String("ledger", cfg.Ledger.Driver),
		slog.Int("workers", cfg.Worker.Count),
	)

	sets, missing := jobs.Lookup(cfg.Worker.HandlerSets)
	for _, name := range missing {
		appLogger.Warn("Unknown handler set, skipping",
			slog.String("handler_set", name),
			slog.Any("available", jobs.Available()),
		)
	}

	reg, err := initRegistry(sets, cfg.Worker.JobNameTemplate)
	if err != nil {
		return err
	}
	if reg == nil {
		appLogger.Info("No handler sets found", slog.Int("handler_sets", len(sets)))
		return nil
	}

	runLedger, dbClient, err := initLedger(cfg, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize ledger: %w", err)
	}
	if dbClient != nil {
		defer dbClient.Close()
	}

	dialer, err := initDialer(cfg, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize broker: %w", err)
	}

	notifier, err := initNotifier(&cfg.Notify)
	if err != nil {
		return fmt.Errorf("failed to initialize notifier: %w", err)
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	pool := worker.NewPool(cfg.Worker.Count, worker.Config{
		Name:             cfg.Worker.Name,
		Logger:           appLogger.Logger,
		Dialer:           dialer,
		Registry:         reg,
		Ledger:           runLedger,
		Notifier:         notifier,
		ReconnectBackoff: cfg.Worker.ReconnectBackoff,
		NotifyTimeout:    cfg.Notify.Timeout,
		Metrics:          worker.NewMetrics(promRegistry),
	})

	appLogger.Info("Handler registry ready",
		slog.Int("job_count", reg.Len()),
		slog.Any("jobs", reg.Names()),
	)

	// SIGINT / SIGTERM interrupt the pool; in-flight jobs finish first
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		defer cancel()
		return pool.Run(gctx)
	})

	if cfg.Status.Enabled {
		statusServer := initStatusServer(cfg, appLogger.Logger, pool, runLedger, dbClient, promRegistry)
		g.Go(func() error {
			return statusServer.Run(gctx)
		})
	}

	if err := g.Wait(); err != nil {
		appLogger.Error("Worker service stopped with error", slog.String("error", err.Error()))
		return err
	}

	appLogger.Info("Worker service shutdown complete")
	return nil
}

// cliOptions are the command-line flags. Flags that were not given leave
// the config file value in place.
type cliOptions struct {
	configPath string
	workers    int
	logLevel   string
	set        map[string]bool
}

func parseFlags(args []string) (*cliOptions, error) {
	fs := flag.NewFlagSet("worker-service", flag.ContinueOnError)

	opts := &cliOptions{set: map[string]bool{}}
	fs.StringVar(&opts.configPath, "config", os.Getenv("WORKER_SERVICE_CONFIG_PATH"), "Path to configuration file")
	fs.IntVar(&opts.workers, "workers", 1, "Number of worker processes to run")
	fs.StringVar(&opts.logLevel, "log-level", "info", "Log level: debug, info, warning or error")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	fs.Visit(func(f *flag.Flag) {
		opts.set[f.Name] = true
	})

	if opts.set["workers"] && opts.workers < 1 {
		return nil, errors.New("--workers must be at least 1")
	}
	if opts.set["log-level"] {
		if _, err := logger.ParseLevel(opts.logLevel); err != nil {
			return nil, fmt.Errorf("invalid --log-level: %w", err)
		}
	}

	return opts, nil
}

func (o *cliOptions) apply(cfg *config.Config) {
	if o.set["workers"] {
		cfg.Worker.Count = o.workers
	}
	if o.set["log-level"] {
		cfg.Logging.Level = o.logLevel
	}
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initStatusServer builds the gin status endpoint
func initStatusServer(cfg *config.Config, logger *slog.Logger, pool *worker.Pool, runs status.RunReader, db *postgresql.Client, gatherer prometheus.Gatherer) *status.Server {
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	deps := &status.Dependencies{
		Logger:   logger,
		Service:  cfg.App.Name,
		Workers:  pool,
		Runs:     runs,
		Gatherer: gatherer,
	}
	// a nil *Client must not become a non-nil HealthChecker
	if db != nil {
		deps.Database = db
	}

	return status.NewServer(fmt.Sprintf(":%d", cfg.Status.Port), status.SetupRouter(deps), logger)
}
