package publication

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robopost/platform/pkg/common/faults"
	"github.com/robopost/platform/pkg/common/logger"
	"github.com/robopost/platform/pkg/common/models"
	"github.com/robopost/platform/pkg/content"
	"github.com/robopost/platform/pkg/idempotency"
	"github.com/robopost/platform/pkg/observability/metrics"
	"github.com/robopost/platform/pkg/ratelimit"
	"github.com/sirupsen/logrus"
)

const Stage = "publication"

type Store interface {
	HasSuccess(ctx context.Context, itemID, destinationID int64) (bool, error)
	GetItem(ctx context.Context, id int64) (*content.Item, error)
	GetDestination(ctx context.Context, id int64) (*content.Destination, error)
	UpsertLog(ctx context.Context, entry *content.PublicationLog) error
	MarkPublishedIfComplete(ctx context.Context, itemID int64) (bool, error)
}

type Options struct {
	DeliveryTimeout  time.Duration
	DefaultPerMinute int
	ClaimLease       time.Duration
}

// Dispatcher handles publish requests. Each call is one delivery attempt;
// retries come from the consumer's policy, and every failed attempt bumps the
// pair's retry count in the publication log.
type Dispatcher struct {
	store     Store
	deliverer Deliverer
	limiter   ratelimit.Limiter
	claims    idempotency.Store
	opts      Options
}

func NewDispatcher(store Store, deliverer Deliverer, limiter ratelimit.Limiter, claims idempotency.Store, opts Options) *Dispatcher {
	if opts.DeliveryTimeout <= 0 {
		opts.DeliveryTimeout = 20 * time.Second
	}
	if opts.ClaimLease <= 0 {
		opts.ClaimLease = 2 * opts.DeliveryTimeout
	}
	return &Dispatcher{
		store:     store,
		deliverer: deliverer,
		limiter:   limiter,
		claims:    claims,
		opts:      opts,
	}
}

func (d *Dispatcher) Handle(ctx context.Context, envelope models.Envelope) error {
	var req models.PublishRequest
	if err := envelope.Decode(&req); err != nil {
		return faults.Permanent(fmt.Errorf("decode publish request: %w", err))
	}

	log := logger.ForStage(Stage).WithFields(logrus.Fields{
		"message_id":     envelope.ID,
		"item_id":        req.ItemID,
		"destination_id": req.DestinationID,
	})

	published, err := d.store.HasSuccess(ctx, req.ItemID, req.DestinationID)
	if err != nil {
		return fmt.Errorf("check publication log: %w", err)
	}
	if published {
		return faults.Duplicate(fmt.Errorf("item %d already published to destination %d", req.ItemID, req.DestinationID))
	}

	item, dest, target, err := d.resolve(ctx, req)
	if err != nil {
		if faults.IsPermanent(err) {
			platform := content.Platform("")
			if dest != nil {
				platform = dest.Platform
			}
			d.recordFailure(ctx, req, platform, err, log)
			log.WithError(err).Error("publish request cannot be delivered")
		}
		return err
	}
	log = log.WithField("platform", dest.Platform)

	// Slot first, claim second: the lease covers the delivery only.
	if err := d.acquire(ctx, dest); err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		d.recordFailure(ctx, req, dest.Platform, err, log)
		return err
	}

	claim, state, err := d.claims.Begin(ctx, idempotency.PublicationKey(req.ItemID, req.DestinationID), d.opts.ClaimLease)
	if err != nil {
		return fmt.Errorf("claim publication: %w", err)
	}
	switch state {
	case idempotency.Done:
		// Delivered earlier but the SUCCESS row was never written.
		d.recordSuccess(ctx, req, dest.Platform, "", log)
		d.markPublished(ctx, req.ItemID, log)
		return faults.Duplicate(fmt.Errorf("item %d already delivered to destination %d", req.ItemID, req.DestinationID))
	case idempotency.InProgress:
		// Retry once the holder's lease is over; by then it has finished or died.
		err := fmt.Errorf("publication of item %d to destination %d in progress elsewhere", req.ItemID, req.DestinationID)
		return faults.RetryAfter(err, claim.Remaining())
	}

	deliveryID, err := d.deliver(ctx, item, target)
	if err != nil {
		if rerr := d.claims.Release(ctx, claim); rerr != nil {
			log.WithError(rerr).Warn("failed to release publication claim")
		}
		if errors.Is(err, context.Canceled) {
			return err
		}
		metrics.Deliveries.WithLabelValues(string(dest.Platform), string(content.PublicationFailed)).Inc()
		d.recordFailure(ctx, req, dest.Platform, err, log)
		log.WithError(err).Warn("delivery failed")
		return err
	}

	if cerr := d.claims.Complete(ctx, claim); cerr != nil {
		log.WithError(cerr).Warn("failed to complete publication claim")
	}
	metrics.Deliveries.WithLabelValues(string(dest.Platform), string(content.PublicationSuccess)).Inc()
	d.recordSuccess(ctx, req, dest.Platform, deliveryID, log)
	log.WithField("delivery_id", deliveryID).Info("item published")
	d.markPublished(ctx, req.ItemID, log)
	return nil
}

func (d *Dispatcher) markPublished(ctx context.Context, itemID int64, log *logrus.Entry) {
	done, err := d.store.MarkPublishedIfComplete(context.WithoutCancel(ctx), itemID)
	if err != nil {
		log.WithError(err).Warn("failed to update item status")
		return
	}
	if done {
		log.Info("item published to every approved destination")
	}
}

func (d *Dispatcher) resolve(ctx context.Context, req models.PublishRequest) (*content.Item, *content.Destination, Target, error) {
	item, err := d.store.GetItem(ctx, req.ItemID)
	if errors.Is(err, content.ErrNotFound) {
		return nil, nil, nil, faults.Permanent(fmt.Errorf("item %d not found", req.ItemID))
	}
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load item: %w", err)
	}

	dest, err := d.store.GetDestination(ctx, req.DestinationID)
	if errors.Is(err, content.ErrNotFound) {
		return item, nil, nil, faults.Permanent(fmt.Errorf("destination %d not found", req.DestinationID))
	}
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load destination: %w", err)
	}

	approved := false
	for _, id := range item.ApprovedDestinations() {
		if id == dest.ID {
			approved = true
			break
		}
	}
	if !approved {
		return item, dest, nil, faults.Permanent(fmt.Errorf("destination %d is not approved for item %d", dest.ID, item.ID))
	}

	target, err := ParseTarget(dest.Platform, dest.Credentials)
	if err != nil {
		return item, dest, nil, faults.Permanent(err)
	}
	return item, dest, target, nil
}

func (d *Dispatcher) acquire(ctx context.Context, dest *content.Destination) error {
	limit := d.opts.DefaultPerMinute
	if dest.RateLimitPerMinute != nil && *dest.RateLimitPerMinute > 0 {
		limit = *dest.RateLimitPerMinute
	}
	waited, err := d.limiter.Acquire(ctx, ratelimit.DestinationKey(dest.ID), limit)
	metrics.RateLimitWait.WithLabelValues(string(dest.Platform)).Observe(waited.Seconds())
	if err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	return nil
}

// deliver is bounded by the claim lease so a slow call cannot outlive its claim.
func (d *Dispatcher) deliver(ctx context.Context, item *content.Item, target Target) (string, error) {
	timeout := d.opts.DeliveryTimeout
	if d.opts.ClaimLease < timeout {
		timeout = d.opts.ClaimLease
	}
	deliverCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return d.deliverer.Deliver(deliverCtx, target, Post{
		ItemID: item.ID,
		Title:  item.Title,
		Body:   item.Body,
		URL:    item.OriginalURL,
	})
}

func (d *Dispatcher) recordFailure(ctx context.Context, req models.PublishRequest, platform content.Platform, cause error, log *logrus.Entry) {
	entry := &content.PublicationLog{
		ItemID:        req.ItemID,
		DestinationID: req.DestinationID,
		Platform:      platform,
		Status:        content.PublicationFailed,
		Message:       "Publication failed.",
		LastError:     cause.Error(),
	}
	if err := d.store.UpsertLog(context.WithoutCancel(ctx), entry); err != nil {
		log.WithError(err).Error("failed to write FAILED publication log")
	}
}

func (d *Dispatcher) recordSuccess(ctx context.Context, req models.PublishRequest, platform content.Platform, deliveryID string, log *logrus.Entry) {
	entry := &content.PublicationLog{
		ItemID:        req.ItemID,
		DestinationID: req.DestinationID,
		Platform:      platform,
		Status:        content.PublicationSuccess,
		Message:       "Published successfully.",
		DeliveryID:    deliveryID,
	}
	if err := d.store.UpsertLog(context.WithoutCancel(ctx), entry); err != nil {
		log.WithError(err).Error("failed to write SUCCESS publication log")
	}
}
