package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/robopost/platform/pkg/common/config"
	"github.com/robopost/platform/pkg/common/kafka"
	"github.com/robopost/platform/pkg/common/logger"
	"github.com/robopost/platform/pkg/redrive"
	"github.com/robopost/platform/pkg/retry"
)

// redrive-service empties one dead-letter topic back onto its source topic
// and exits once the topic has been idle for REDRIVE_IDLE.
func main() {
	logger.Init()
	cfg := config.Load()

	topic := flag.String("topic", cfg.Topics.PublishRequest, "source topic whose dead letters are re-driven")
	flag.Parse()

	known := map[string]bool{
		cfg.Topics.NewLink:         true,
		cfg.Topics.PendingApproval: true,
		cfg.Topics.PublishRequest:  true,
	}
	if !known[*topic] {
		logger.Log.WithField("topic", *topic).Fatal("not a pipeline topic")
	}

	producer := kafka.NewProducer(cfg.KafkaBrokers, *topic, redrive.Stage, retry.FromConfig(cfg.Retry))
	defer producer.Close()

	r := redrive.NewRedriver(cfg.KafkaBrokers, cfg.Topics.DLQ(*topic), cfg.KafkaGroupID+"-redrive",
		map[string]redrive.Sink{*topic: producer}, cfg.RedriveIdle)
	defer r.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	moved, err := r.Run(ctx)
	logger.Log.WithFields(map[string]interface{}{
		"topic": *topic,
		"moved": moved,
	}).Info("Re-drive finished")
	if err != nil && ctx.Err() == nil {
		logger.Log.WithError(err).Error("re-drive stopped early")
		producer.Close()
		r.Close()
		os.Exit(1)
	}
}
