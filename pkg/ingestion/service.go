package ingestion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robopost/platform/pkg/common/logger"
	"github.com/robopost/platform/pkg/common/models"
	"github.com/robopost/platform/pkg/observability/metrics"
)

// ErrBrokerUnavailable is returned when the new-link message could not be
// made durable after the producer's retries.
var ErrBrokerUnavailable = errors.New("message broker unavailable")

const StatusQueued = "queued"

// Publisher is the durable queue writer injected at construction.
type Publisher interface {
	Publish(ctx context.Context, msgType, key string, payload interface{}) (string, error)
}

type Service struct {
	validator *Validator
	producer  Publisher
}

func NewService(validator *Validator, producer Publisher) *Service {
	return &Service{
		validator: validator,
		producer:  producer,
	}
}

// Submit enqueues one URL on the new-link queue. The URL is passed through
// unchanged apart from surrounding whitespace.
func (s *Service) Submit(ctx context.Context, req models.IngestRequest) (*models.IngestResponse, error) {
	if err := s.validator.Validate(req); err != nil {
		metrics.IngestedLinks.WithLabelValues("invalid").Inc()
		return nil, err
	}

	link := models.NewLink{URL: strings.TrimSpace(req.URL), SourceID: req.SourceID}
	id, err := s.producer.Publish(ctx, models.TypeNewLink, link.URL, link)
	if err != nil {
		metrics.IngestedLinks.WithLabelValues("failed").Inc()
		logger.Log.WithError(err).WithFields(map[string]interface{}{
			"url":       link.URL,
			"source_id": link.SourceID,
		}).Error("failed to enqueue link")
		return nil, fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}

	metrics.IngestedLinks.WithLabelValues("queued").Inc()
	logger.Log.WithFields(map[string]interface{}{
		"message_id": id,
		"url":        link.URL,
		"source_id":  link.SourceID,
	}).Info("link queued")

	return &models.IngestResponse{
		ID:        id,
		Status:    StatusQueued,
		Timestamp: time.Now().UTC(),
	}, nil
}
