// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/absmach/fluxsession/config"
	"github.com/absmach/fluxsession/events"
	"github.com/absmach/fluxsession/ratelimit"
	"github.com/absmach/fluxsession/server/otel"
	"github.com/absmach/fluxsession/session"
	"github.com/absmach/fluxsession/store"
	"github.com/absmach/fluxsession/store/badger"
	"github.com/absmach/fluxsession/store/memory"
	"github.com/absmach/fluxsession/txn"
	"github.com/absmach/fluxsession/vhost"
	"github.com/google/uuid"
	gootel "go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"
)

const version = "0.1.0"

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("Session engine stopped with error", "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	logLevel := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	return slog.New(handler)
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	instanceID := uuid.NewString()
	logger.Info("Starting session engine",
		"version", version,
		"instance", instanceID,
		"vhost", cfg.VHost.Name,
		"storage", cfg.Storage.Type,
		"log_level", cfg.Log.Level)

	shutdownOtel, err := otel.InitProvider(ctx, cfg.Telemetry, instanceID)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.VHost.ShutdownTimeout)
		defer cancel()
		if err := shutdownOtel(sctx); err != nil {
			logger.Error("Failed to shut down telemetry", "error", err)
		}
	}()

	var metrics *session.Metrics
	if cfg.Telemetry.MetricsEnabled {
		if metrics, err = session.NewMetrics(); err != nil {
			return err
		}
	}

	st, err := newStore(cfg.Storage, logger)
	if err != nil {
		return err
	}

	var (
		auth    session.Authorizer
		limiter *ratelimit.PublishLimiter
	)
	if rl := cfg.RateLimit; rl.Enabled {
		limiter = ratelimit.NewPublishLimiter(rl.Rate, rl.Burst, rl.CleanupInterval, nil)
		auth = limiter
		logger.Info("Publish rate limiting enabled", "rate", rl.Rate, "burst", rl.Burst)
	}

	vh := vhost.New(vhostConfig(cfg), st, logger,
		events.NewSlogLogger(logger, cfg.VHost.Name),
		metrics, gootel.Tracer("fluxsession/txn"), auth)

	if _, err := vh.Recover(ctx); err != nil {
		_ = vh.Close(context.Background())
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return vh.Run(gctx)
	})
	if limiter != nil {
		g.Go(func() error {
			return limiter.Run(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down session engine")
		sctx, cancel := context.WithTimeout(context.Background(), cfg.VHost.ShutdownTimeout)
		defer cancel()
		return vh.Close(sctx)
	})

	logger.Info("Virtual host ready", "vhost", vh.Name())
	return g.Wait()
}

func newStore(cfg config.StorageConfig, logger *slog.Logger) (store.MessageStore, error) {
	switch cfg.Type {
	case "memory":
		logger.Info("Using in-memory storage")
		return memory.New(), nil
	case "badger":
		compression, err := badger.ParseCompression(cfg.Compression)
		if err != nil {
			return nil, err
		}
		st, err := badger.New(badger.Config{
			Dir:                     cfg.BadgerDir,
			SyncWrites:              cfg.SyncWrites,
			Compression:             compression,
			BreakerFailureThreshold: cfg.BreakerFailureThreshold,
			BreakerResetTimeout:     cfg.BreakerResetTimeout,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize BadgerDB storage: %w", err)
		}
		logger.Info("Using BadgerDB persistent storage", "dir", cfg.BadgerDir, "compression", cfg.Compression)
		return st, nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}

func vhostConfig(cfg *config.Config) vhost.Config {
	return vhost.Config{
		Name:                 cfg.VHost.Name,
		HousekeepingInterval: cfg.VHost.HousekeepingInterval,
		TxnOpenTimeout:       cfg.Session.TxnOpenTimeout,
		TxnIdleTimeout:       cfg.Session.TxnIdleTimeout,
		Session: session.Config{
			MaxUncommittedInMemorySize:    cfg.Session.MaxUncommittedInMemorySize,
			AsyncCommandThreshold:         cfg.Session.AsyncCommandThreshold,
			FlowControlEnforcementTimeout: cfg.Session.FlowControlEnforcementTimeout,
			ProducerCreditLimit:           cfg.Session.ProducerCreditLimit,
			ProducerCreditTopUp:           cfg.Session.ProducerCreditTopUp,
			LargeTransactionWarnInterval:  cfg.Session.LargeTransactionWarnInterval,
		},
		DTX: txn.RegistryConfig{
			DefaultTimeout: cfg.DTX.DefaultTimeout,
			MaxTimeout:     cfg.DTX.MaxTimeout,
		},
	}
}
