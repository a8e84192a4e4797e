// Package processing turns new links into items awaiting approval.
package processing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robopost/platform/pkg/common/faults"
	"github.com/robopost/platform/pkg/common/logger"
	"github.com/robopost/platform/pkg/common/models"
	"github.com/robopost/platform/pkg/content"
	"github.com/robopost/platform/pkg/idempotency"
	"github.com/sirupsen/logrus"
)

const Stage = "processing"

type Store interface {
	FindItemByURL(ctx context.Context, url string) (*content.Item, error)
	ResolveDestinations(ctx context.Context, sourceID int64) ([]content.Assignment, error)
	CreateItem(ctx context.Context, item *content.Item) error
}

// Extractor returns (nil, nil) when the page has no usable content.
type Extractor interface {
	Extract(ctx context.Context, url string) (*models.Content, error)
}

type Publisher interface {
	Publish(ctx context.Context, msgType, key string, payload interface{}) (string, error)
}

type Options struct {
	ExtractTimeout time.Duration
	// ClaimLease bounds how long a crashed worker can block a URL.
	ClaimLease time.Duration
	// ResumeWindow is how long after creation an item whose approval event
	// was never confirmed may still have it emitted on redelivery.
	ResumeWindow time.Duration
}

type Processor struct {
	store     Store
	extractor Extractor
	claims    idempotency.Store
	publisher Publisher
	opts      Options
}

func NewProcessor(store Store, extractor Extractor, claims idempotency.Store, publisher Publisher, opts Options) *Processor {
	if opts.ExtractTimeout <= 0 {
		opts.ExtractTimeout = 30 * time.Second
	}
	if opts.ClaimLease <= 0 {
		opts.ClaimLease = 2*opts.ExtractTimeout + time.Minute
	}
	if opts.ResumeWindow <= 0 {
		opts.ResumeWindow = 24 * time.Hour
	}
	return &Processor{
		store:     store,
		extractor: extractor,
		claims:    claims,
		publisher: publisher,
		opts:      opts,
	}
}

// Handle processes one new-link message. Links already turned into items are
// acknowledged as duplicates.
func (p *Processor) Handle(ctx context.Context, envelope models.Envelope) error {
	var link models.NewLink
	if err := envelope.Decode(&link); err != nil {
		return faults.Permanent(fmt.Errorf("decode new link: %w", err))
	}
	link.URL = strings.TrimSpace(link.URL)
	if link.URL == "" {
		return faults.Permanent(errors.New("new link without url"))
	}

	log := logger.ForStage(Stage).WithFields(logrus.Fields{
		"message_id": envelope.ID,
		"url":        link.URL,
		"source_id":  link.SourceID,
	})

	existing, err := p.store.FindItemByURL(ctx, link.URL)
	if err != nil && !errors.Is(err, content.ErrNotFound) {
		return fmt.Errorf("lookup item by url: %w", err)
	}

	claim, state, err := p.claims.Begin(ctx, idempotency.URLKey(link.URL), p.opts.ClaimLease)
	if err != nil {
		return fmt.Errorf("claim url: %w", err)
	}
	switch state {
	case idempotency.Done:
		return faults.Duplicate(fmt.Errorf("url %s already processed", link.URL))
	case idempotency.InProgress:
		if existing != nil {
			return faults.Duplicate(fmt.Errorf("url %s already has item %d", link.URL, existing.ID))
		}
		// Come back when the holder's lease is over; by then it has finished or died.
		return faults.RetryAfter(fmt.Errorf("url %s is being processed by another worker", link.URL), claim.Remaining())
	}

	var done bool
	if existing != nil {
		done, err = p.resume(ctx, existing, log)
	} else {
		done, err = p.process(ctx, link, log)
	}

	if done {
		if cerr := p.claims.Complete(ctx, claim); cerr != nil {
			log.WithError(cerr).Warn("failed to mark url done")
		}
	} else if rerr := p.claims.Release(ctx, claim); rerr != nil {
		log.WithError(rerr).Warn("failed to release url claim")
	}
	return err
}

func (p *Processor) process(ctx context.Context, link models.NewLink, log *logrus.Entry) (bool, error) {
	extractCtx, cancel := context.WithTimeout(ctx, p.opts.ExtractTimeout)
	body, err := p.extractor.Extract(extractCtx, link.URL)
	cancel()
	if err != nil {
		return false, fmt.Errorf("extract %s: %w", link.URL, err)
	}
	if body == nil {
		log.Warn("no usable content, dropping link")
		return false, nil
	}

	assignments, err := p.store.ResolveDestinations(ctx, link.SourceID)
	if err != nil {
		return false, fmt.Errorf("resolve destinations: %w", err)
	}

	item := &content.Item{
		SourceID:    link.SourceID,
		OriginalURL: link.URL,
		Status:      content.StatusPendingApproval,
		Assignments: assignments,
		Title:       body.Title,
		Body:        body.Body,
	}
	if err := p.store.CreateItem(ctx, item); err != nil {
		if errors.Is(err, content.ErrDuplicateURL) {
			return true, faults.Duplicate(err)
		}
		return false, fmt.Errorf("create item: %w", err)
	}

	log = log.WithField("item_id", item.ID)
	if len(assignments) == 0 {
		log.Warn("no enabled destinations for source, item saved without approval request")
		return true, nil
	}

	if err := p.emit(ctx, item.ID); err != nil {
		return false, err
	}
	log.WithField("destinations", item.DestinationIDs()).Info("item awaiting approval")
	return true, nil
}

// resume finishes an item whose approval event was not confirmed, which
// happens when a worker stops between creating the item and emitting.
func (p *Processor) resume(ctx context.Context, item *content.Item, log *logrus.Entry) (bool, error) {
	log = log.WithField("item_id", item.ID)
	if item.Status != content.StatusPendingApproval || len(item.Assignments) == 0 ||
		time.Since(item.CreatedAt) > p.opts.ResumeWindow {
		return true, faults.Duplicate(fmt.Errorf("url %s already has item %d", item.OriginalURL, item.ID))
	}

	if err := p.emit(ctx, item.ID); err != nil {
		return false, err
	}
	log.Info("approval request re-emitted for unconfirmed item")
	return true, nil
}

func (p *Processor) emit(ctx context.Context, itemID int64) error {
	key := strconv.FormatInt(itemID, 10)
	if _, err := p.publisher.Publish(ctx, models.TypePendingApproval, key, models.PendingApproval{ItemID: itemID}); err != nil {
		return fmt.Errorf("emit pending approval for item %d: %w", itemID, err)
	}
	return nil
}
