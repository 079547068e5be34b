// Package main provides the outbox relay service entry point.
// Implements the Transactional Outbox pattern relay.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/clinicore/rxrequest/internal/config"
	"github.com/clinicore/rxrequest/internal/infrastructure/kafka"
	"github.com/clinicore/rxrequest/internal/infrastructure/outbox"
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

	producerCfg := kafka.DefaultProducerConfig()
	producerCfg.Brokers = cfg.KafkaBrokers

	producer, err := kafka.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()
	logger.Info("connected to kafka", zap.Strings("brokers", cfg.KafkaBrokers))

	admin, err := kafka.NewAdmin(cfg.KafkaBrokers, logger)
	if err != nil {
		logger.Fatal("admin client creation failed", zap.Error(err))
	}
	if err := admin.EnsureTopics(ctx); err != nil {
		logger.Fatal("topic creation failed", zap.Error(err))
	}
	admin.Close()

	relay := outbox.NewRelay(pool, producer, outbox.DefaultConfig(), logger)
	relay.Start()
	logger.Info("outbox relay started")

	// Periodically dead-letter entries that exhausted their retries.
	dlCtx, dlCancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-dlCtx.Done():
				return
			case <-ticker.C:
				moved, err := relay.MoveToDeadLetter(dlCtx, kafka.TopicDeadLetter)
				if err != nil {
					logger.Error("dead letter sweep failed", zap.Error(err))
					continue
				}
				if moved > 0 {
					logger.Warn("entries dead-lettered", zap.Int64("count", moved))
				}
			}
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	dlCancel()
	relay.Stop()
	logger.Info("outbox relay stopped")
}
