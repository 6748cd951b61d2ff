// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/adrper79-dot/CallMonitor-sub015/internal/config"
	"github.com/adrper79-dot/CallMonitor-sub015/internal/delivery"
	"github.com/adrper79-dot/CallMonitor-sub015/internal/logging"
	"github.com/adrper79-dot/CallMonitor-sub015/internal/persistence/postgres"
	"github.com/adrper79-dot/CallMonitor-sub015/internal/queue"
	"github.com/adrper79-dot/CallMonitor-sub015/internal/repository"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	logger := logging.NewLogger(cfg.Env)

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConns)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer pool.Close()

	// The API owns migrations; the worker only refuses to start
	// against a stale schema.
	if err := postgres.SchemaReady(ctx, pool); err != nil {
		log.Fatalf("schema not ready: %v", err)
	}

	listener, err := queue.NewListener(ctx, queue.Config{
		Driver:  cfg.Queue.Driver,
		Brokers: cfg.Queue.Brokers,
		Group:   "delivery-worker",
		Topic:   cfg.Queue.Topic,
	})
	if err != nil {
		log.Fatalf("queue init failed: %v", err)
	}
	defer listener.Close()

	auditRepo := repository.NewAuditRepository(pool, logger)
	deliveryRepo := repository.NewDeliveryRepository(pool, auditRepo, logger)
	targetRepo := repository.NewTargetRepository(pool, auditRepo, logger)

	sender := delivery.NewSender(&http.Client{Timeout: cfg.Delivery.AttemptTimeout}, logger)

	processor := delivery.NewProcessor(delivery.ProcessorConfig{
		Workers:        cfg.Delivery.Workers,
		PollInterval:   cfg.Delivery.PollInterval,
		AttemptTimeout: cfg.Delivery.AttemptTimeout,
		LeaseTTL:       cfg.Delivery.LeaseTTL,
		Backoff: delivery.BackoffPolicy{
			Base:           cfg.Delivery.BaseDelay,
			Max:            cfg.Delivery.MaxDelay,
			JitterFraction: cfg.Delivery.JitterFraction,
		},
	}, deliveryRepo, targetRepo, auditRepo, sender, listener, logger)

	logger.Info("delivery worker started",
		"workers", cfg.Delivery.Workers,
		"poll_interval", cfg.Delivery.PollInterval.String(),
		"lease_ttl", cfg.Delivery.LeaseTTL.String(),
	)

	if err := processor.Run(ctx); err != nil {
		logger.Error("worker stopped with error", "error", err)
		os.Exit(1)
	}

	logger.Info("delivery worker stopped")
}
