// Package approval applies admin decisions to items and fans approved
// destinations out to the publication queue.
package approval

import (
	"context"
	"errors"
	"fmt"

	"github.com/robopost/platform/pkg/common/faults"
	"github.com/robopost/platform/pkg/common/logger"
	"github.com/robopost/platform/pkg/common/models"
	"github.com/robopost/platform/pkg/content"
	"github.com/robopost/platform/pkg/observability/metrics"
	"github.com/sirupsen/logrus"
)

const Stage = "approval"

var ErrUnauthorized = errors.New("admin is not registered for this destination")

type Store interface {
	GetItem(ctx context.Context, id int64) (*content.Item, error)
	GetDestination(ctx context.Context, id int64) (*content.Destination, error)
	IsAdmin(ctx context.Context, externalID string, destinationID int64) (bool, error)
	AdminsForDestination(ctx context.Context, destinationID int64) ([]content.Admin, error)
	RegisterAdmin(ctx context.Context, externalID, name string) (*content.Admin, bool, error)
	Decide(ctx context.Context, itemID, destinationID int64, decision models.Decision) (*content.Item, error)
}

type Publisher interface {
	Publish(ctx context.Context, msgType, key string, payload interface{}) (string, error)
}

type Gate struct {
	store     Store
	publisher Publisher
}

func NewGate(store Store, publisher Publisher) *Gate {
	return &Gate{store: store, publisher: publisher}
}

// Decide records one admin decision. Approval emits a publish request for the
// destination; rejection prunes it from the item. Errors are classified:
// Unauthorized for actors without rights on the destination (no state is
// touched), Duplicate for a repeated reject, Permanent for unknown items,
// unassigned destinations and conflicting decisions.
//
// A repeated approve re-sends the publish request, so a decision whose first
// emit failed can be completed by clicking again. Publication is idempotent.
func (g *Gate) Decide(ctx context.Context, req models.DecisionRequest) (*content.Item, error) {
	log := logger.ForStage(Stage).WithFields(logrus.Fields{
		"item_id":        req.ItemID,
		"destination_id": req.DestinationID,
		"decision":       req.Decision,
		"admin":          req.Admin,
	})

	if !req.Decision.Valid() {
		metrics.Decisions.WithLabelValues(string(req.Decision), "invalid").Inc()
		return nil, faults.Permanent(content.ErrInvalidDecision)
	}

	allowed, err := g.store.IsAdmin(ctx, req.Admin, req.DestinationID)
	if err != nil {
		return nil, fmt.Errorf("check admin: %w", err)
	}
	if !allowed {
		metrics.Decisions.WithLabelValues(string(req.Decision), "unauthorized").Inc()
		log.Warn("unauthorized decision ignored")
		return nil, faults.Unauthorized(ErrUnauthorized)
	}

	item, err := g.store.Decide(ctx, req.ItemID, req.DestinationID, req.Decision)
	switch {
	case err == nil:
	case errors.Is(err, content.ErrAlreadyDecided) && req.Decision == models.DecisionApprove:
		log.Info("approval already recorded, re-sending publish request")
		if err := g.emit(ctx, req.ItemID, req.DestinationID); err != nil {
			return nil, err
		}
		metrics.Decisions.WithLabelValues(string(req.Decision), "duplicate").Inc()
		return g.store.GetItem(ctx, req.ItemID)
	case errors.Is(err, content.ErrAlreadyDecided):
		metrics.Decisions.WithLabelValues(string(req.Decision), "duplicate").Inc()
		return nil, faults.Duplicate(err)
	case errors.Is(err, content.ErrNotFound),
		errors.Is(err, content.ErrNotAssigned),
		errors.Is(err, content.ErrDecisionConflict),
		errors.Is(err, content.ErrItemClosed):
		metrics.Decisions.WithLabelValues(string(req.Decision), "rejected").Inc()
		log.WithError(err).Warn("decision not applicable")
		return nil, faults.Permanent(err)
	default:
		return nil, fmt.Errorf("apply decision: %w", err)
	}

	if req.Decision == models.DecisionApprove {
		if err := g.emit(ctx, item.ID, req.DestinationID); err != nil {
			return nil, err
		}
	}

	metrics.Decisions.WithLabelValues(string(req.Decision), "applied").Inc()
	log.WithField("status", item.Status).Info("decision applied")
	return item, nil
}

func (g *Gate) emit(ctx context.Context, itemID, destinationID int64) error {
	key := fmt.Sprintf("%d:%d", itemID, destinationID)
	payload := models.PublishRequest{ItemID: itemID, DestinationID: destinationID}
	if _, err := g.publisher.Publish(ctx, models.TypePublishRequest, key, payload); err != nil {
		return fmt.Errorf("emit publish request %s: %w", key, err)
	}
	return nil
}
