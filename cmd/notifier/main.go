// Package main provides the notifier service entry point. It consumes
// transition events and dispatches user notifications.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/clinicore/rxrequest/internal/config"
	"github.com/clinicore/rxrequest/internal/infrastructure/kafka"
	"github.com/clinicore/rxrequest/internal/notifier"
	"github.com/clinicore/rxrequest/pkg/circuitbreaker"
	"github.com/clinicore/rxrequest/pkg/idempotency"
	"github.com/clinicore/rxrequest/pkg/workerpool"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("configuration error", zap.Error(err))
	}

	ctx := context.Background()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()
	logger.Info("connected to database")

	if err := kafka.HealthCheck(ctx, cfg.KafkaBrokers); err != nil {
		logger.Fatal("kafka unreachable", zap.Error(err))
	}

	inbox := idempotency.NewInbox(pool, idempotency.DefaultInboxConfig(), logger)
	inbox.StartCleanup()

	n, err := notifier.New(notifier.Config{
		Inbox:   inbox,
		Pool:    workerpool.DefaultConfig(),
		Breaker: circuitbreaker.DefaultConfig("notification-gateway"),
		Logger:  logger,
	})
	if err != nil {
		logger.Fatal("notifier creation failed", zap.Error(err))
	}
	n.Start()

	consumerCfg := kafka.DefaultConsumerConfig()
	consumerCfg.Brokers = cfg.KafkaBrokers

	consumer, err := kafka.NewConsumer(consumerCfg, n.HandleMessage, logger)
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}
	consumer.Start()
	logger.Info("notifier started", zap.Strings("topics", consumerCfg.Topics))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	consumer.Stop()
	n.Stop()
	inbox.Stop()
	logger.Info("notifier stopped")
}
