package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/payment_engine/internal/account"
	"github.com/congo-pay/payment_engine/internal/config"
	"github.com/congo-pay/payment_engine/internal/infra"
	"github.com/congo-pay/payment_engine/internal/ledger"
	"github.com/congo-pay/payment_engine/internal/logging"
	"github.com/congo-pay/payment_engine/internal/outbox"
	"github.com/congo-pay/payment_engine/internal/routes"
	"github.com/congo-pay/payment_engine/internal/server"
	"github.com/congo-pay/payment_engine/internal/transfer"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.AppEnv)

	ctx := context.Background()

	var (
		db    *pgxpool.Pool
		store ledger.Store
	)
	if cfg.DatabaseURL != "" {
		if cfg.MigrateOnStart {
			if err := infra.Migrate(cfg.DatabaseURL, logger); err != nil {
				logger.Error("run migrations", "error", err)
				os.Exit(1)
			}
		}
		db, err = infra.NewPostgresPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
		if err != nil {
			logger.Error("connect postgres", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		store = ledger.NewPostgresStore(db)
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory ledger")
		store = ledger.NewInMemoryStore()
	}

	var cache *redis.Client
	if cfg.RedisURL != "" {
		cache, err = infra.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.Error("connect redis", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := cache.Close(); err != nil {
				logger.Warn("close redis", "error", err)
			}
		}()
	}

	var (
		broker    *amqp.Connection
		publisher outbox.Publisher
	)
	if cfg.AMQPURL != "" {
		broker, err = infra.NewAMQPConnection(cfg.AMQPURL, cfg.Outbox.Exchange)
		if err != nil {
			logger.Error("connect amqp", "error", err)
			os.Exit(1)
		}
		defer broker.Close()

		amqpPublisher, err := outbox.NewAMQPPublisher(func() (outbox.ConfirmableChannel, error) {
			return broker.Channel()
		})
		if err != nil {
			logger.Error("open amqp publisher", "error", err)
			os.Exit(1)
		}
		defer amqpPublisher.Close()
		publisher = amqpPublisher
	} else {
		logger.Warn("AMQP_URL not set, outbox events are logged instead of published")
		publisher = outbox.NewLogPublisher(logger.With("component", "log_publisher"))
	}

	writer := outbox.NewWriter()
	accounts, err := account.NewService(store, writer,
		account.WithLockTimeout(cfg.LockTimeout),
		account.WithLogger(logger),
	)
	if err != nil {
		logger.Error("build account service", "error", err)
		os.Exit(1)
	}
	transfers := transfer.NewEngine(store, writer, cfg.LockTimeout, logger)

	dispatcher, err := outbox.NewDispatcher(store, publisher, outbox.DispatcherConfig{
		Interval:       cfg.Outbox.Interval,
		BatchSize:      cfg.Outbox.BatchSize,
		PublishTimeout: cfg.Outbox.PublishTimeout,
		Topic:          cfg.Outbox.Exchange,
	}, logger)
	if err != nil {
		logger.Error("build outbox dispatcher", "error", err)
		os.Exit(1)
	}

	srv, err := server.New(routes.Deps{
		Cfg:       cfg,
		DB:        db,
		Cache:     cache,
		Broker:    broker,
		Logger:    logger,
		Accounts:  accounts,
		Transfers: transfers,
	}, dispatcher)
	if err != nil {
		logger.Error("build server", "error", err)
		os.Exit(1)
	}

	srv.StartDispatcher()

	srvErrCh := make(chan error, 1)
	go func() {
		srvErrCh <- srv.Listen()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-srvErrCh:
		if err != nil {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownPeriod)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	logger.Info("server exited cleanly")
}
