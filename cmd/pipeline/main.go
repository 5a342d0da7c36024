// Package main is the pipeline CLI: one binary with a subcommand per
// role, plus status and migrate utilities. Each role is an independent
// process sharing the same store; running them all yields the full
// generate -> validate -> backtest -> classify -> deploy -> execute loop.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/atlas-desktop/strategy-pipeline/internal/backtester"
	"github.com/atlas-desktop/strategy-pipeline/internal/classifier"
	"github.com/atlas-desktop/strategy-pipeline/internal/config"
	"github.com/atlas-desktop/strategy-pipeline/internal/deployer"
	"github.com/atlas-desktop/strategy-pipeline/internal/emergency"
	"github.com/atlas-desktop/strategy-pipeline/internal/events"
	"github.com/atlas-desktop/strategy-pipeline/internal/executor"
	"github.com/atlas-desktop/strategy-pipeline/internal/generator"
	"github.com/atlas-desktop/strategy-pipeline/internal/marketdata"
	"github.com/atlas-desktop/strategy-pipeline/internal/observability"
	"github.com/atlas-desktop/strategy-pipeline/internal/pipeline"
	"github.com/atlas-desktop/strategy-pipeline/internal/regime"
	"github.com/atlas-desktop/strategy-pipeline/internal/storage"
	"github.com/atlas-desktop/strategy-pipeline/internal/storage/memory"
	"github.com/atlas-desktop/strategy-pipeline/internal/storage/migrations"
	"github.com/atlas-desktop/strategy-pipeline/internal/storage/postgres"
	"github.com/atlas-desktop/strategy-pipeline/internal/strategy"
	"github.com/atlas-desktop/strategy-pipeline/internal/tasks"
	"github.com/atlas-desktop/strategy-pipeline/internal/validator"
	"github.com/atlas-desktop/strategy-pipeline/internal/venue"
	"github.com/atlas-desktop/strategy-pipeline/pkg/types"
	"github.com/atlas-desktop/strategy-pipeline/pkg/utils"
)

const usage = `Usage: pipeline <command> [flags]

Commands:
  status       print queue depths and the LIVE roster
  events       print the recent event trail
  generate     run the candidate generator role
  validate     run the validation stage
  backtest     run the backtesting stage
  classify     run the classification role
  deploy       run the deployment stage
  executor     run the live executor
  stopmanager  run the emergency stop manager
  migrate      apply database migrations

Flags:
  -config path       YAML config file (built-in defaults when omitted)
  -log-level level   debug, info, warn, or error
  -ops-port port     override the ops server port
  -name strategy     events: only this strategy, newest first
  -since range       events: lookback window such as 6h or 3d
  -limit n           events: maximum rows
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	command := os.Args[1]

	fs := flag.NewFlagSet(command, flag.ExitOnError)
	configPath := fs.String("config", "", "YAML config file")
	logLevel := fs.String("log-level", "", "log level override")
	opsPort := fs.Int("ops-port", 0, "ops server port override")
	eventName := fs.String("name", "", "events: strategy name filter")
	eventSince := fs.String("since", "24h", "events: lookback window")
	eventLimit := fs.Int("limit", 50, "events: maximum rows")
	fs.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	fs.Parse(os.Args[2:])

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *opsPort != 0 {
		cfg.Ops.Port = *opsPort
	}

	logger := setupLogger(cfg.LogLevel)
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("Shutdown signal received", zap.String("signal", sig.String()))
		cancel()
	}()

	var runErr error
	switch command {
	case "status":
		runErr = runStatus(ctx, cfg)
	case "events":
		runErr = runEvents(ctx, cfg, *eventName, *eventSince, *eventLimit)
	case "migrate":
		runErr = runMigrate(ctx, cfg, logger)
	case "generate":
		runErr = runGenerate(ctx, cfg, logger)
	case "validate":
		runErr = runValidate(ctx, cfg, logger)
	case "backtest":
		runErr = runBacktest(ctx, cfg, logger)
	case "classify":
		runErr = runClassify(ctx, cfg, logger)
	case "deploy":
		runErr = runDeploy(ctx, cfg, logger)
	case "executor":
		runErr = runExecutor(ctx, cfg, logger)
	case "stopmanager":
		runErr = runStopManager(ctx, cfg, logger)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", command, usage)
		os.Exit(2)
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logger.Error("Command failed", zap.String("command", command), zap.Error(runErr))
		os.Exit(1)
	}
}

// openStores connects the configured backend. The returned closer is safe
// to call once, after all role work stopped.
func openStores(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*storage.Stores, func(), error) {
	switch cfg.Storage.Driver {
	case config.DriverMemory:
		logger.Warn("Using in-memory storage, state will not survive exit")
		return memory.NewStores(), func() {}, nil
	default:
		pool, err := postgres.NewPool(ctx, cfg.Storage.DSN)
		if err != nil {
			return nil, nil, err
		}
		return postgres.NewStores(pool), pool.Close, nil
	}
}

// runtime bundles what every long-running role needs: stores, metrics,
// the event tracker, and the ops HTTP server.
type runtime struct {
	stores  *storage.Stores
	metrics *observability.Metrics
	tracker *events.Tracker
	ops     *observability.Server
	logger  *zap.Logger
	close   func()
}

func newRuntime(ctx context.Context, cfg *config.Config, role string, logger *zap.Logger) (*runtime, error) {
	stores, closeStores, err := openStores(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}

	metrics := observability.NewMetrics("")
	tracker := events.NewTracker(stores.Events, cfg.Events, logger)
	tracker.Instrument(metrics.EventsFlushed, metrics.EventsDropped)
	ops := observability.NewServer(logger, cfg.Ops, role, metrics, stores)

	go func() {
		if err := ops.Start(); err != nil {
			logger.Error("Ops server failed", zap.Error(err))
		}
	}()

	// Every role exports the queue depth gauges, not just the stage runners.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ops.UpdateQueueDepths(ctx)
			}
		}
	}()

	return &runtime{
		stores:  stores,
		metrics: metrics,
		tracker: tracker,
		ops:     ops,
		logger:  logger,
		close: func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := tracker.Close(shutdownCtx); err != nil {
				logger.Warn("Event tracker close incomplete", zap.Error(err))
			}
			if err := ops.Stop(shutdownCtx); err != nil {
				logger.Warn("Ops server stop incomplete", zap.Error(err))
			}
			closeStores()
		},
	}, nil
}

func runStatus(ctx context.Context, cfg *config.Config) error {
	// The status command is a one-shot reader; no ops server, no tracker.
	logger := zap.NewNop()
	stores, closeStores, err := openStores(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer closeStores()

	report, err := observability.Snapshot(ctx, "cli", 0, stores)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// runEvents prints the audit trail, newest entries when scoped to one
// strategy, oldest first when scanning a time window.
func runEvents(ctx context.Context, cfg *config.Config, name, since string, limit int) error {
	window, err := utils.ParseTimeRange(since)
	if err != nil {
		return fmt.Errorf("-since: %w", err)
	}

	logger := zap.NewNop()
	stores, closeStores, err := openStores(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer closeStores()

	now := time.Now().UTC()
	var rows []*types.StrategyEvent
	if name != "" {
		rows, err = stores.Events.ListByStrategyName(ctx, name, limit)
	} else {
		rows, err = stores.Events.ListByTimeRange(ctx, now.Add(-window), now, limit)
	}
	if err != nil {
		return err
	}

	if len(rows) == 0 {
		fmt.Println("no events")
		return nil
	}
	for _, ev := range rows {
		fmt.Printf("%-11s %-22s %-8s %s  (%s ago)\n",
			ev.Stage, ev.EventType, ev.Status, ev.StrategyName,
			utils.FormatDuration(now.Sub(ev.OccurredAt)))
	}
	return nil
}

func runMigrate(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	if cfg.Storage.Driver != config.DriverPostgres {
		return fmt.Errorf("migrate requires the postgres driver, got %q", cfg.Storage.Driver)
	}
	pool, err := postgres.NewPool(ctx, cfg.Storage.DSN)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
		return err
	}
	logger.Info("Migrations applied")
	return nil
}

func runGenerate(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	rt, err := newRuntime(ctx, cfg, "generator", logger)
	if err != nil {
		return err
	}
	defer rt.close()

	registry := strategy.DefaultRegistry()
	market := marketdata.NewService(cfg.MarketData, logger)
	detector := regime.NewDetector(cfg.Regime, logger)
	symbols := generator.NewSymbolRegistry(market, rt.stores.Tasks, detector, cfg.Generator.Registry, logger)

	gen := generator.New(registry, symbols, rt.stores, rt.tracker, rt.metrics, cfg.Generator, logger)

	runner := tasks.NewRunner(rt.stores.Tasks, logger)
	runner.Add(tasks.Task{
		Name:  "universe_refresh",
		Every: cfg.Tasks.UniverseRefresh,
		Run: func(ctx context.Context) (string, error) {
			if err := symbols.Refresh(ctx); err != nil {
				return "", err
			}
			ranked, err := symbols.Symbols(ctx)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("%d symbols ranked", len(ranked)), nil
		},
	})
	runner.Add(tasks.Task{
		Name:  "regime_refresh",
		Every: cfg.Tasks.RegimeRefresh,
		Run: func(ctx context.Context) (string, error) {
			return refreshRegimes(ctx, symbols, market, detector, cfg.Tasks.RegimeBars)
		},
	})
	go runner.Run(ctx)

	return gen.Run(ctx)
}

// refreshRegimes re-estimates the market regime for every ranked symbol
// from recent hourly candles.
func refreshRegimes(ctx context.Context, symbols *generator.SymbolRegistry, market *marketdata.Service, detector *regime.Detector, bars int) (string, error) {
	ranked, err := symbols.Symbols(ctx)
	if err != nil {
		return "", err
	}
	updated := 0
	for _, symbol := range ranked {
		candles, err := market.FetchCandles(ctx, symbol, types.Interval1h, bars)
		if err != nil || len(candles) == 0 {
			continue
		}
		detector.ObserveCandles(symbol, candles)
		updated++
	}
	return fmt.Sprintf("%d of %d symbols estimated", updated, len(ranked)), nil
}

func runValidate(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	rt, err := newRuntime(ctx, cfg, "validator", logger)
	if err != nil {
		return err
	}
	defer rt.close()

	registry := strategy.DefaultRegistry()
	stage := validator.New(registry, rt.stores, rt.tracker, cfg.Validator, logger)
	return pipeline.NewRunner(stage, rt.stores, rt.metrics, cfg.Claim, logger).Run(ctx)
}

func runBacktest(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	rt, err := newRuntime(ctx, cfg, "backtester", logger)
	if err != nil {
		return err
	}
	defer rt.close()

	registry := strategy.DefaultRegistry()
	market := marketdata.NewService(cfg.MarketData, logger)
	stage := backtester.New(registry, market, rt.stores, rt.tracker, cfg.Backtester, logger)
	return pipeline.NewRunner(stage, rt.stores, rt.metrics, cfg.Claim, logger).Run(ctx)
}

func runClassify(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	rt, err := newRuntime(ctx, cfg, "classifier", logger)
	if err != nil {
		return err
	}
	defer rt.close()

	return classifier.New(rt.stores, rt.tracker, cfg.Classifier, logger).Run(ctx)
}

func runDeploy(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	rt, err := newRuntime(ctx, cfg, "deployer", logger)
	if err != nil {
		return err
	}
	defer rt.close()

	gate := emergency.New(rt.stores, rt.tracker, rt.metrics, cfg.Emergency, logger)
	stage := deployer.New(rt.stores, gate, rt.tracker, cfg.Deployer, logger)
	return pipeline.NewRunner(stage, rt.stores, rt.metrics, cfg.Claim, logger).Run(ctx)
}

func runExecutor(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	rt, err := newRuntime(ctx, cfg, "executor", logger)
	if err != nil {
		return err
	}
	defer rt.close()

	market := marketdata.NewService(cfg.MarketData, logger)
	market.OnReconnect(rt.metrics.WSReconnects.Inc)
	if err := market.Start(); err != nil {
		return fmt.Errorf("market data: %w", err)
	}
	defer market.Stop()

	registry := strategy.DefaultRegistry()
	venueClient := venue.NewClient(cfg.Venue, logger)
	gate := emergency.New(rt.stores, rt.tracker, rt.metrics, cfg.Emergency, logger)

	exec := executor.New(rt.stores, registry, venueClient, market, gate, rt.tracker, rt.metrics, cfg.Executor, logger)
	return exec.Run(ctx)
}

func runStopManager(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	rt, err := newRuntime(ctx, cfg, "stopmanager", logger)
	if err != nil {
		return err
	}
	defer rt.close()

	return emergency.New(rt.stores, rt.tracker, rt.metrics, cfg.Emergency, logger).Run(ctx)
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := config.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
