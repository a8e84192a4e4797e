package approval

import (
	"context"
	"errors"
	"fmt"

	"github.com/robopost/platform/pkg/common/faults"
	"github.com/robopost/platform/pkg/common/logger"
	"github.com/robopost/platform/pkg/common/models"
	"github.com/robopost/platform/pkg/content"
	"github.com/sirupsen/logrus"
)

// Prompt asks one admin to decide one destination of an item.
type Prompt struct {
	Item        *content.Item
	Destination *content.Destination
	Admin       content.Admin
}

// Prompter renders prompts for humans. Decisions come back through Gate.
type Prompter interface {
	Prompt(ctx context.Context, prompt Prompt) error
}

// Notifier consumes pending-approval events and prompts every admin of every
// undecided destination.
type Notifier struct {
	store    Store
	prompter Prompter
}

func NewNotifier(store Store, prompter Prompter) *Notifier {
	return &Notifier{store: store, prompter: prompter}
}

func (n *Notifier) Handle(ctx context.Context, envelope models.Envelope) error {
	var event models.PendingApproval
	if err := envelope.Decode(&event); err != nil {
		return faults.Permanent(fmt.Errorf("decode pending approval: %w", err))
	}

	log := logger.ForStage(Stage).WithFields(logrus.Fields{
		"message_id": envelope.ID,
		"item_id":    event.ItemID,
	})

	item, err := n.store.GetItem(ctx, event.ItemID)
	if errors.Is(err, content.ErrNotFound) {
		return faults.Permanent(fmt.Errorf("item %d not found", event.ItemID))
	}
	if err != nil {
		return fmt.Errorf("load item: %w", err)
	}
	if item.Status != content.StatusPendingApproval {
		return faults.Duplicate(fmt.Errorf("item %d is %s", item.ID, item.Status))
	}

	sent, failed := 0, 0
	var lastErr error
	for _, assignment := range item.Assignments {
		if assignment.Decision != "" {
			continue
		}
		dlog := log.WithField("destination_id", assignment.DestinationID)

		dest, err := n.store.GetDestination(ctx, assignment.DestinationID)
		if errors.Is(err, content.ErrNotFound) {
			dlog.Warn("assigned destination no longer exists")
			continue
		}
		if err != nil {
			return fmt.Errorf("load destination %d: %w", assignment.DestinationID, err)
		}

		admins, err := n.store.AdminsForDestination(ctx, dest.ID)
		if err != nil {
			return fmt.Errorf("load admins for destination %d: %w", dest.ID, err)
		}
		if len(admins) == 0 {
			dlog.Warn("destination has no admins, nobody to prompt")
			continue
		}

		for _, admin := range admins {
			err := n.prompter.Prompt(ctx, Prompt{Item: item, Destination: dest, Admin: admin})
			if err != nil {
				failed++
				lastErr = err
				dlog.WithError(err).WithField("admin", admin.ExternalID).Error("failed to send approval prompt")
				continue
			}
			sent++
		}
	}

	log.WithFields(logrus.Fields{"sent": sent, "failed": failed}).Info("approval prompts sent")
	// Partial delivery is accepted: a retry would re-prompt every admin.
	if failed > 0 && sent == 0 {
		return fmt.Errorf("no approval prompt delivered: %w", lastErr)
	}
	return nil
}
