package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"fleet-dispatch/internal/auth"
	"fleet-dispatch/internal/config"
	"fleet-dispatch/internal/events"
	"fleet-dispatch/internal/events/broker"
	"fleet-dispatch/internal/repo/memory"
	"fleet-dispatch/internal/repo/postgres"
	"fleet-dispatch/internal/sequence"
	"fleet-dispatch/internal/service"
	"fleet-dispatch/internal/transport/grpcapi"
	"fleet-dispatch/internal/transport/httpapi"
	"fleet-dispatch/internal/transport/thriftapi"
)

// durableStore is what the server needs from a backend: the service Store
// plus the outbox the relay drains.
type durableStore interface {
	service.Store
	events.OutboxRepository
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel})).
		With("service", "fleet-dispatch")
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server error", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	relayEnabled := cfg.OutboxEnabled && cfg.EventsBroker != "none"

	var store durableStore
	var seq sequence.Sequencer = sequence.NewMemory()
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pool.Close()
		if cfg.MigrateOnStart {
			if err := postgres.ApplyMigrations(ctx, pool, postgres.Migrations()); err != nil {
				return err
			}
		}
		store = postgres.NewStore(pool)
		seq = postgres.NewSequencer(pool)
		logger.Info("using postgres store")
	} else {
		var opts []memory.Option
		if relayEnabled {
			opts = append(opts, memory.WithOutbox())
		}
		store = memory.New(opts...)
		logger.Warn("DATABASE_URL not set, state is kept in memory")
	}

	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			return err
		}
		seq = sequence.NewRedis(client)
		logger.Info("using redis reference sequence", "addr", cfg.RedisAddr)
	}

	bus := events.NewBus(cfg.SubscriberBuffer, logger)
	svc := service.New(store, bus, seq, service.Options{
		HistoryLimit:         cfg.HistoryLimit,
		MaxAssignAttempts:    cfg.AssignMaxAttempts,
		DefaultMaxDistanceKm: cfg.DefaultMaxDistanceKm,
		BookingLeadTime:      cfg.BookingLeadTime,
	}, logger)
	authenticator := auth.New(cfg.JWTSecret, cfg.JWTTTL)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewServer(svc, bus, authenticator, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	var grpcServer *grpc.Server
	var grpcListener net.Listener
	if cfg.GRPCAddr != "" {
		grpcServer = grpcapi.NewServer(svc, bus, authenticator, logger)
		l, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return err
		}
		grpcListener = l
	}

	var thriftServer *thriftapi.Server
	if cfg.ThriftAddr != "" {
		s, err := thriftapi.NewServer(cfg.ThriftAddr, svc, authenticator, logger)
		if err != nil {
			return err
		}
		thriftServer = s
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("http listening", "addr", cfg.HTTPAddr)
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if grpcServer != nil {
		g.Go(func() error {
			logger.Info("grpc listening", "addr", cfg.GRPCAddr)
			err := grpcServer.Serve(grpcListener)
			if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return err
			}
			return nil
		})
	}

	if thriftServer != nil {
		g.Go(func() error {
			logger.Info("thrift listening", "addr", cfg.ThriftAddr)
			return thriftServer.Serve()
		})
	}

	dispatcher := &service.BookingDispatcher{Coordinator: svc.Dispatch, Interval: cfg.DispatchInterval, Logger: logger}
	g.Go(func() error { return background(dispatcher.Start(ctx)) })

	if cfg.AuditInterval > 0 {
		monitor := &service.AuditMonitor{Service: svc, Interval: cfg.AuditInterval, Logger: logger}
		g.Go(func() error { return background(monitor.Start(ctx)) })
	}

	if relayEnabled {
		publisher, err := broker.Open(cfg)
		if err != nil {
			return err
		}
		defer publisher.Close()
		relay := &events.OutboxRelay{
			Repo:         store,
			Publisher:    publisher,
			PollInterval: cfg.OutboxInterval,
			BatchSize:    cfg.OutboxBatch,
			Logger:       logger,
		}
		g.Go(func() error {
			logger.Info("outbox relay running", "broker", cfg.EventsBroker, "interval", cfg.OutboxInterval, "batch", cfg.OutboxBatch)
			return background(relay.Start(ctx))
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		if grpcServer != nil {
			grpcServer.GracefulStop()
		}
		if thriftServer != nil {
			thriftServer.Stop()
		}
		return nil
	})

	return g.Wait()
}

func background(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
