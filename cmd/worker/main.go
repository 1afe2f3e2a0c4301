package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"

	"fleet-dispatch/internal/config"
	"fleet-dispatch/internal/events"
	"fleet-dispatch/internal/events/broker"
	"fleet-dispatch/internal/repo/postgres"
)

func main() {
	cfg, err := config.LoadWorker()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel})).
		With("service", "fleet-outbox-relay")
	if !cfg.OutboxEnabled || cfg.EventsBroker == "none" {
		logger.Info("outbox relay disabled; exiting")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("db error", "err", err)
		os.Exit(1)
	}
	defer pool.Close()

	if cfg.MigrateOnStart {
		if err := postgres.ApplyMigrations(ctx, pool, postgres.Migrations()); err != nil {
			logger.Error("migration error", "err", err)
			os.Exit(1)
		}
	}

	publisher, err := broker.Open(cfg)
	if err != nil {
		logger.Error("broker error", "err", err)
		os.Exit(1)
	}
	defer publisher.Close()

	relay := &events.OutboxRelay{
		Repo:         postgres.NewStore(pool),
		Publisher:    publisher,
		PollInterval: cfg.OutboxInterval,
		BatchSize:    cfg.OutboxBatch,
		Logger:       logger,
	}

	logger.Info("outbox relay running", "broker", cfg.EventsBroker, "interval", cfg.OutboxInterval, "batch", cfg.OutboxBatch)
	if err := relay.Start(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		logger.Error("relay error", "err", err)
		os.Exit(1)
	}
}
