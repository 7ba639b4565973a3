package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"pricehook/observability"
	"pricehook/observability/logging"
	telemetry "pricehook/observability/otel"
	"pricehook/services/hookd/adapters"
	"pricehook/services/hookd/config"
	"pricehook/services/hookd/oracle"
	"pricehook/services/hookd/server"
	"pricehook/services/hookd/storage"

	hook "pricehook/native/hook"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "hookd.yaml", "path to the hookd configuration file")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("load config", "err", err.Error())
		os.Exit(1)
	}

	logger := logging.Setup("hookd", cfg.Logging.Environment, logging.FileConfig{
		Path:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: "hookd",
		Environment: cfg.Logging.Environment,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Enabled:     cfg.Telemetry.Enabled,
	})
	if err != nil {
		logger.Error("init telemetry", "err", err.Error())
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown", "err", err.Error())
		}
	}()

	store, err := storage.Open(cfg.DatabasePath)
	if err != nil {
		logger.Error("open storage", "err", err.Error())
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	registry := adapters.NewRegistry()
	feedConfigs := cfg.FeedConfigs()
	var (
		feedAdapters []*hook.FeedAdapter
		hookAdapters []hook.Adapter
		manual       *hook.ManualFeed
	)
	for _, source := range cfg.Sources {
		client, err := registry.Build(source.Name, source.Type, source.Endpoint, source.APIKey)
		if err != nil {
			logger.Error("build source", "source", source.Name, "err", err.Error())
			os.Exit(1)
		}
		if m, ok := client.(*hook.ManualFeed); ok {
			manual = m
		}
		adapter, err := hook.NewFeedAdapter(client, feedConfigs[strings.ToLower(strings.TrimSpace(source.Name))])
		if err != nil {
			logger.Error("build adapter", "source", source.Name, "err", err.Error())
			os.Exit(1)
		}
		feedAdapters = append(feedAdapters, adapter)
		hookAdapters = append(hookAdapters, adapter)
	}

	aggCfg, err := cfg.AggregatorConfig()
	if err != nil {
		logger.Error("aggregator config", "err", err.Error())
		os.Exit(1)
	}
	aggregator, err := hook.NewAggregator(hookAdapters, aggCfg)
	if err != nil {
		logger.Error("build aggregator", "err", err.Error())
		os.Exit(1)
	}

	var params hook.PolicyParams
	if strings.TrimSpace(cfg.PolicyFile) != "" {
		params, err = config.LoadPolicy(cfg.PolicyFile)
		if err != nil {
			logger.Error("load policy", "err", err.Error())
			os.Exit(1)
		}
	}
	engine := hook.NewPolicyEngine(params)

	machineOpts := []hook.MachineOption{
		hook.WithRecorder(store),
		hook.WithMetrics(observability.Metrics()),
		hook.WithLogger(logger),
	}
	if cfg.Hook.OracleRateRPS > 0 && cfg.Hook.OracleRateBurst > 0 {
		machineOpts = append(machineOpts, hook.WithOracleRateLimit(rate.Limit(cfg.Hook.OracleRateRPS), cfg.Hook.OracleRateBurst))
	}
	machine, err := hook.NewStateMachine(aggregator, engine, cfg.FallbackMode(), cfg.Hook.ToleranceBps, machineOpts...)
	if err != nil {
		logger.Error("build state machine", "err", err.Error())
		os.Exit(1)
	}

	interval := cfg.Oracle.Interval.Duration
	if interval <= 0 {
		interval = 15 * time.Second
	}
	manager, err := oracle.New(store, aggregator, feedAdapters, cfg.Symbols(), interval, oracle.WithLogger(logger))
	if err != nil {
		logger.Error("build refresh manager", "err", err.Error())
		os.Exit(1)
	}
	if err := manager.Warm(ctx); err != nil {
		logger.Warn("warm cache", "err", err.Error())
	}

	srv, err := server.New(server.Config{ListenAddress: cfg.ListenAddress, BearerToken: cfg.BearerToken}, store, manual, machine, logger)
	if err != nil {
		logger.Error("build server", "err", err.Error())
		os.Exit(1)
	}

	errCh := make(chan error, 2)
	go func() { errCh <- manager.Run(ctx) }()
	go func() { errCh <- srv.Run(ctx) }()

	logger.Info("hookd started", "listen", cfg.ListenAddress, "symbols", len(cfg.Symbols()), "fallback", string(cfg.FallbackMode()))

	err = <-errCh
	stop()
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("hookd exited", "err", err.Error())
		os.Exit(1)
	}
	logger.Info("hookd stopped")
}
