package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robopost/platform/pkg/common/config"
	"github.com/robopost/platform/pkg/common/database"
	"github.com/robopost/platform/pkg/common/kafka"
	"github.com/robopost/platform/pkg/common/logger"
	"github.com/robopost/platform/pkg/content"
	"github.com/robopost/platform/pkg/feeds"
	"github.com/robopost/platform/pkg/gateway/httpclient"
	"github.com/robopost/platform/pkg/gateway/routes"
	"github.com/robopost/platform/pkg/ingestion"
	"github.com/robopost/platform/pkg/observability/metrics"
	"github.com/robopost/platform/pkg/retry"
)

func main() {
	logger.Init()
	metrics.Init()
	cfg := config.Load()

	db, err := database.OpenPostgres(cfg)
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to connect to postgres")
	}
	defer database.ClosePostgres(db)

	repo := content.NewRepository(db)
	if err := repo.AutoMigrate(); err != nil {
		logger.Log.WithError(err).Fatal("failed to migrate pipeline tables")
	}

	producer := kafka.NewProducer(cfg.KafkaBrokers, cfg.Topics.NewLink, "ingestion", retry.FromConfig(cfg.Retry))
	defer producer.Close()

	svc := ingestion.NewService(ingestion.NewValidator(nil, 0), producer)

	router := routes.NewServiceRouter(cfg, routes.ReadinessCheck{Name: "postgres", Check: func(ctx context.Context) error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.PingContext(ctx)
	}})
	ingestion.NewHTTPHandler(svc, cfg.MaxRequestBody).Register(router)
	routes.NewItemsHandler(repo).Register(router)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.IngestionPort),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	poller := feeds.NewPoller(repo, svc, httpclient.New(cfg.ExtractTimeout), feeds.DefaultMaxItems)
	if cfg.FeedPollSchedule != "" {
		if err := poller.Start(ctx, cfg.FeedPollSchedule); err != nil {
			logger.Log.WithError(err).Fatal("failed to schedule feed polling")
		}
	}

	go func() {
		logger.Log.WithFields(map[string]interface{}{
			"host": cfg.ServerHost,
			"port": cfg.IngestionPort,
		}).Info("Ingestion Service started")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down Ingestion Service...")
	cancel()
	poller.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.WithError(err).Error("server forced to shutdown")
	}

	logger.Log.Info("Ingestion Service stopped")
}
