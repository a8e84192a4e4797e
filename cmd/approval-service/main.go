package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/robopost/platform/pkg/approval"
	"github.com/robopost/platform/pkg/common/config"
	"github.com/robopost/platform/pkg/common/database"
	"github.com/robopost/platform/pkg/common/kafka"
	"github.com/robopost/platform/pkg/common/logger"
	"github.com/robopost/platform/pkg/content"
	"github.com/robopost/platform/pkg/gateway/auth"
	"github.com/robopost/platform/pkg/gateway/middleware"
	"github.com/robopost/platform/pkg/gateway/routes"
	"github.com/robopost/platform/pkg/observability/metrics"
	"github.com/robopost/platform/pkg/ratelimit"
	"github.com/robopost/platform/pkg/retry"
)

func main() {
	logger.Init()
	metrics.Init()
	cfg := config.Load()
	policy := retry.FromConfig(cfg.Retry)

	db, err := database.OpenPostgres(cfg)
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to connect to postgres")
	}
	defer database.ClosePostgres(db)

	repo := content.NewRepository(db)
	if err := repo.AutoMigrate(); err != nil {
		logger.Log.WithError(err).Fatal("failed to migrate pipeline tables")
	}

	rdb, err := database.OpenRedis(cfg)
	if err != nil {
		logger.Log.WithError(err).Warn("redis unavailable, prompt throttling is per process")
	} else {
		defer rdb.Close()
	}
	limiter := ratelimit.FromConfig(cfg.RateLimit, rdb)

	requests := kafka.NewProducer(cfg.KafkaBrokers, cfg.Topics.PublishRequest, approval.Stage, policy)
	defer requests.Close()
	dlq := kafka.NewProducer(cfg.KafkaBrokers, cfg.Topics.DLQ(cfg.Topics.PendingApproval), approval.Stage, policy)
	defer dlq.Close()

	gate := approval.NewGate(repo, requests)

	var tokens *auth.TokenManager
	if cfg.DecisionTokenSecret != "" {
		tokens, err = auth.NewTokenManager(cfg.DecisionTokenSecret, "robopost-approval", cfg.DecisionTokenTTL)
		if err != nil {
			logger.Log.WithError(err).Fatal("invalid decision token secret")
		}
	} else {
		logger.Log.Warn("DECISION_TOKEN_SECRET not set, decision API trusts the admin field")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	var consumer *kafka.Consumer
	if cfg.TelegramBotToken == "" {
		logger.Log.Warn("TELEGRAM_BOT_TOKEN not set, approval prompts disabled; decisions accepted over HTTP only")
	} else {
		prompter, err := approval.NewTelegramPrompter(cfg.TelegramBotToken, gate, repo, limiter, cfg.RateLimit.DefaultPerMinute)
		if err != nil {
			logger.Log.WithError(err).Fatal("failed to start telegram bot")
		}
		if tokens != nil {
			prompter.EnableTokens(tokens)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			prompter.Run(ctx)
		}()

		consumer = kafka.NewConsumer(kafka.ConsumerConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.Topics.PendingApproval,
			GroupID: cfg.KafkaGroupID + "-approval",
			Stage:   approval.Stage,
			Workers: cfg.ApprovalWorkers,
			Policy:  policy,
		}, dlq)
		notifier := approval.NewNotifier(repo, prompter)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := consumer.Run(ctx, notifier.Handle); err != nil && !errors.Is(err, context.Canceled) {
				logger.Log.WithError(err).Error("approval consumer stopped")
			}
		}()
	}

	router := routes.NewServiceRouter(cfg)
	var validator middleware.TokenValidator
	if tokens != nil {
		validator = tokens
	}
	approval.NewHTTPHandler(gate, cfg.MaxRequestBody, validator).Register(router)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ApprovalPort),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Log.WithFields(map[string]interface{}{
			"host": cfg.ServerHost,
			"port": cfg.ApprovalPort,
		}).Info("Approval Service started")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down Approval Service...")
	cancel()
	wg.Wait()
	if consumer != nil {
		if err := consumer.Close(); err != nil {
			logger.Log.WithError(err).Warn("failed to close consumer")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.WithError(err).Error("server forced to shutdown")
	}

	logger.Log.Info("Approval Service stopped")
}
