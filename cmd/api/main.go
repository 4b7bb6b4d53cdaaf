// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/adiadia/brokerage-agent/internal/agentclient"
	"github.com/adiadia/brokerage-agent/internal/agentstream"
	"github.com/adiadia/brokerage-agent/internal/auth"
	"github.com/adiadia/brokerage-agent/internal/bridge"
	"github.com/adiadia/brokerage-agent/internal/brokerage"
	"github.com/adiadia/brokerage-agent/internal/chatretry"
	"github.com/adiadia/brokerage-agent/internal/closure"
	"github.com/adiadia/brokerage-agent/internal/config"
	"github.com/adiadia/brokerage-agent/internal/interrupt"
	"github.com/adiadia/brokerage-agent/internal/kv"
	"github.com/adiadia/brokerage-agent/internal/logging"
	"github.com/adiadia/brokerage-agent/internal/persistence/postgres"
	"github.com/adiadia/brokerage-agent/internal/repository"
	"github.com/adiadia/brokerage-agent/internal/tracing"
	httptransport "github.com/adiadia/brokerage-agent/internal/transport/http"
	"github.com/adiadia/brokerage-agent/internal/validation"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
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

	shutdownTracing, err := tracing.Init(ctx, "brokerage-agent-api", cfg.OTelEndpoint)
	if err != nil {
		log.Fatalf("tracing init failed: %v", err)
	}

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, 20)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer pool.Close()

	if cfg.AutoMigrate {
		if err := postgres.EnsureSchema(ctx, pool, logger); err != nil {
			log.Fatalf("schema migration failed: %v", err)
		}
	}

	store, closeStore, err := kv.Open(ctx, cfg.RedisURL, keyPrefix)
	if err != nil {
		log.Fatalf("kv connect failed: %v", err)
	}
	defer closeStore()
	if cfg.RedisURL == "" {
		logger.Warn("REDIS_URL not set, using in-process state; run a single instance only")
	}

	brokerageClient := brokerage.NewClient(brokerage.ClientConfig{
		BaseURL: cfg.BrokerageBaseURL,
		APIKey:  cfg.BrokerageAPIKey,
		RPS:     cfg.BrokerageRPS,
	}, logger)
	executor := brokerage.NewIdempotentExecutor(brokerage.NewStepExecutor(brokerageClient), store, 0, logger)

	var notifier closure.Notifier
	if cfg.ClosureWebhookURL != "" {
		notifier = closure.NewWebhookNotifier(cfg.ClosureWebhookURL, cfg.ClosureWebhookSecret, nil, logger)
	}
	closureSvc := closure.NewService(store, executor, logger, closure.Options{
		AutoRetry: closure.AutoRetryConfig{
			Delay:       cfg.AutoRetryDelay,
			MaxDelay:    cfg.AutoRetryMaxDelay,
			MaxAttempts: cfg.AutoRetryMaxAttempts,
		},
		Notifier: notifier,
		Status:   brokerageClient,
	})

	runRepo := repository.NewRunRepository(pool, logger)
	accountRepo := repository.NewAccountRepository(pool, logger)

	runs := bridge.New(runRepo, bridge.Config{
		Workers:   cfg.PersistWorkers,
		QueueSize: cfg.PersistQueueSize,
	}, logger)

	agent := agentclient.New(agentclient.Config{
		BaseURL:     cfg.AgentBaseURL,
		APIKey:      cfg.AgentAPIKey,
		AssistantID: cfg.AgentAssistantID,
		Timeout:     cfg.StreamTimeout,
	}, logger)
	relay := agentstream.NewRelay(agentstream.NewNormalizer(), runs, logger)

	resume := interrupt.NewCoordinator(
		agent,
		interrupt.NewGuard(store, cfg.ResumeLockTTL, logger),
		relay,
		logger,
		interrupt.Options{
			StreamTimeout: cfg.StreamTimeout,
			Ownership:     accountRepo,
			Runs:          runs,
		},
	)

	validator, err := validation.New()
	if err != nil {
		log.Fatalf("request schemas failed to compile: %v", err)
	}

	handler := httptransport.NewRouter(httptransport.Deps{
		Closure:    closureSvc,
		Reconciler: closureSvc,
		Agent:      agent,
		Relay:      relay,
		Runs:       runs,
		Resume:     resume,
		ChatRetry:  chatretry.NewStore(store, 0),
		Validator:  validator,
		Health:     postgres.NewSchemaHealthChecker(pool),

		IdentityResolver: auth.NewJWTResolver(cfg.AuthJWTSecret, cfg.AuthJWTAudience),
		Ownership:        accountRepo,
		RateLimitPerMin:  cfg.RateLimitPerMin,
		StreamTimeout:    cfg.StreamTimeout,

		Logger:     logger,
		AdminToken: cfg.AdminToken,
		Version:    Version,
		Commit:     Commit,
		BuildDate:  BuildDate,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("api listening",
			"addr", cfg.HTTPAddr,
			"version", Version,
			"commit", Commit,
			"build_date", BuildDate,
		)

		if err := srv.ListenAndServe(); err != nil &&
			err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	closureSvc.AutoRetry().Stop()
	runs.Close()

	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", "error", err)
	}
}
