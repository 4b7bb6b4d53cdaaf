// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/adiadia/brokerage-agent/internal/brokerage"
	"github.com/adiadia/brokerage-agent/internal/closure"
	"github.com/adiadia/brokerage-agent/internal/config"
	"github.com/adiadia/brokerage-agent/internal/kv"
	"github.com/adiadia/brokerage-agent/internal/logging"
	"github.com/adiadia/brokerage-agent/internal/tracing"
	"github.com/adiadia/brokerage-agent/internal/worker"
)

const keyPrefix = "brokerage-agent:"

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	logger := logging.NewLogger(cfg.Env)

	if cfg.RedisURL == "" {
		log.Fatal("REDIS_URL is required: the worker reconciles state shared with the api")
	}

	shutdownTracing, err := tracing.Init(ctx, "brokerage-agent-worker", cfg.OTelEndpoint)
	if err != nil {
		log.Fatalf("tracing init failed: %v", err)
	}

	store, closeStore, err := kv.Open(ctx, cfg.RedisURL, keyPrefix)
	if err != nil {
		log.Fatalf("kv connect failed: %v", err)
	}
	defer closeStore()

	brokerageClient := brokerage.NewClient(brokerage.ClientConfig{
		BaseURL: cfg.BrokerageBaseURL,
		APIKey:  cfg.BrokerageAPIKey,
		RPS:     cfg.BrokerageRPS,
	}, logger)

	var notifier closure.Notifier
	if cfg.ClosureWebhookURL != "" {
		notifier = closure.NewWebhookNotifier(cfg.ClosureWebhookURL, cfg.ClosureWebhookSecret, nil, logger)
	}
	svc := closure.NewService(store, brokerage.NewIdempotentExecutor(brokerage.NewStepExecutor(brokerageClient), store, 0, logger), logger, closure.Options{
		AutoRetry: closure.AutoRetryConfig{
			Delay:       cfg.AutoRetryDelay,
			MaxDelay:    cfg.AutoRetryMaxDelay,
			MaxAttempts: cfg.AutoRetryMaxAttempts,
		},
		Notifier: notifier,
		Status:   brokerageClient,
	})

	w := worker.New(worker.Deps{
		Closure:  svc,
		Logger:   logger,
		Interval: cfg.ReconcileInterval,
	})
	if err := w.Start(ctx); err != nil {
		log.Fatalf("worker start failed: %v", err)
	}

	<-ctx.Done()
	logger.Info("shutting down worker")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := w.Stop(shutdownCtx); err != nil {
		logger.Error("worker shutdown error", "error", err)
	}
	svc.AutoRetry().Stop()

	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", "error", err)
	}
}
