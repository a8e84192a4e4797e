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

	"github.com/robopost/platform/pkg/common/config"
	"github.com/robopost/platform/pkg/common/database"
	"github.com/robopost/platform/pkg/common/kafka"
	"github.com/robopost/platform/pkg/common/logger"
	"github.com/robopost/platform/pkg/content"
	"github.com/robopost/platform/pkg/gateway/httpclient"
	"github.com/robopost/platform/pkg/gateway/routes"
	"github.com/robopost/platform/pkg/idempotency"
	"github.com/robopost/platform/pkg/observability/metrics"
	"github.com/robopost/platform/pkg/publication"
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
		logger.Log.WithError(err).Fatal("failed to connect to redis")
	}
	defer rdb.Close()

	dlq := kafka.NewProducer(cfg.KafkaBrokers, cfg.Topics.DLQ(cfg.Topics.PublishRequest), publication.Stage, policy)
	defer dlq.Close()

	dispatcher := publication.NewDispatcher(
		repo,
		publication.NewPlatformDeliverer(httpclient.New(cfg.DeliveryTimeout)),
		ratelimit.FromConfig(cfg.RateLimit, rdb),
		idempotency.NewRedis(rdb, cfg.IdempotencyTTL),
		publication.Options{
			DeliveryTimeout:  cfg.DeliveryTimeout,
			DefaultPerMinute: cfg.RateLimit.DefaultPerMinute,
		},
	)

	consumer := kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers: cfg.KafkaBrokers,
		Topic:   cfg.Topics.PublishRequest,
		GroupID: cfg.KafkaGroupID + "-publication",
		Stage:   publication.Stage,
		Workers: cfg.PublisherWorkers,
		Policy:  policy,
		// A worker may sit out a full rate-limit window before delivering.
		DrainTimeout: cfg.RateLimit.Window + cfg.DeliveryTimeout,
	}, dlq)

	router := routes.NewServiceRouter(cfg, routes.ReadinessCheck{Name: "redis", Check: func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	}})
	routes.NewItemsHandler(repo).Register(router)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.PublisherPort),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := consumer.Run(ctx, dispatcher.Handle); err != nil && !errors.Is(err, context.Canceled) {
			logger.Log.WithError(err).Error("publication consumer stopped")
		}
	}()

	go func() {
		logger.Log.WithFields(map[string]interface{}{
			"host":    cfg.ServerHost,
			"port":    cfg.PublisherPort,
			"workers": cfg.PublisherWorkers,
		}).Info("Publisher Service started")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down Publisher Service...")
	cancel()
	wg.Wait()
	if err := consumer.Close(); err != nil {
		logger.Log.WithError(err).Warn("failed to close consumer")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.WithError(err).Error("server forced to shutdown")
	}

	logger.Log.Info("Publisher Service stopped")
}
