package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mailrelay/internal/breaker"
	"mailrelay/internal/broker"
	"mailrelay/internal/config"
	"mailrelay/internal/mailer"
	"mailrelay/internal/reaper"
	"mailrelay/internal/retry"
	"mailrelay/internal/store"
	"mailrelay/internal/worker"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(cfg.PostgresDSN, cfg.ConnectAttempts, cfg.ConnectBackoff, logger)
	if err != nil {
		logger.Fatal("store unavailable", zap.Error(err))
	}
	jobStore := store.NewPostgresEmailJobStore(db)
	defer jobStore.Close()

	client, err := broker.Dial(cfg.AMQPURL, cfg.ConnectAttempts, cfg.ConnectBackoff, logger)
	if err != nil {
		logger.Fatal("broker unavailable", zap.Error(err))
	}
	defer client.Close()

	// a conflicting pre-existing declaration is a configuration error, not
	// something to retry
	if err := client.EnsureTopology(); err != nil {
		logger.Fatal("broker topology setup failed", zap.Error(err))
	}

	publisher := broker.NewPublisher(client, logger)
	transport := mailer.NewSMTPTransport(mailer.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUser,
		Password: cfg.SMTPPass,
		From:     cfg.EmailFrom,
	})
	cb := breaker.New(cfg.BreakerFailureThreshold, cfg.BreakerCooldown)
	policy := retry.NewPolicy(cfg.MaxRetries, cfg.BaseDelaySec)

	rp := reaper.New(jobStore, publisher, cfg.StaleAfter, cfg.ReaperBatchSize, logger)
	if err := rp.Start(ctx, cfg.ReaperSchedule); err != nil {
		logger.Fatal("failed to start reconciler", zap.Error(err))
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.ConsumerCount; i++ {
		deliveries, err := client.Consume()
		if err != nil {
			logger.Fatal("failed to start consumer", zap.Int("consumer", i), zap.Error(err))
		}
		consumer := worker.NewConsumer(
			jobStore, transport, cb, publisher, policy,
			logger.With(zap.Int("consumer", i)),
		)
		g.Go(func() error {
			return consumer.Run(gctx, deliveries)
		})
	}

	logger.Info("mailrelay worker started",
		zap.Int("consumers", cfg.ConsumerCount),
		zap.Int("max_retries", cfg.MaxRetries),
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("consumer stopped with error", zap.Error(err))
	}
	logger.Info("mailrelay worker shutdown complete")
}
