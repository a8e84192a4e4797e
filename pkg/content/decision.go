package content

import (
	"errors"

	"github.com/robopost/platform/pkg/common/models"
)

var (
	ErrNotAssigned      = errors.New("destination not assigned to item")
	ErrAlreadyDecided   = errors.New("destination already decided")
	ErrDecisionConflict = errors.New("destination already received a different decision")
	ErrInvalidDecision  = errors.New("invalid decision")
	ErrItemClosed       = errors.New("item no longer awaits decisions")
)

// ApplyDecision records decision for destinationID on item and recomputes its
// status. Rejection prunes the destination; an item left with none becomes
// REJECTED. Once every remaining destination is approved the item is APPROVED.
func ApplyDecision(item *Item, destinationID int64, decision models.Decision) error {
	if !decision.Valid() {
		return ErrInvalidDecision
	}

	for _, id := range item.Rejected {
		if id == destinationID {
			if decision == models.DecisionReject {
				return ErrAlreadyDecided
			}
			return ErrDecisionConflict
		}
	}

	idx := indexOf(item.Assignments, destinationID)
	if idx < 0 {
		return ErrNotAssigned
	}

	current := item.Assignments[idx].Decision
	switch {
	case current == decision:
		return ErrAlreadyDecided
	case current != "":
		return ErrDecisionConflict
	case item.Status != StatusPendingApproval:
		return ErrItemClosed
	}

	switch decision {
	case models.DecisionApprove:
		item.Assignments[idx].Decision = models.DecisionApprove
	case models.DecisionReject:
		pruned := make([]Assignment, 0, len(item.Assignments)-1)
		pruned = append(pruned, item.Assignments[:idx]...)
		pruned = append(pruned, item.Assignments[idx+1:]...)
		item.Assignments = pruned
		item.Rejected = append(item.Rejected, destinationID)
	}

	item.Status = statusAfterDecision(item.Assignments)
	return nil
}

func statusAfterDecision(assignments []Assignment) ItemStatus {
	if len(assignments) == 0 {
		return StatusRejected
	}
	for _, a := range assignments {
		if a.Decision == "" {
			return StatusPendingApproval
		}
	}
	return StatusApproved
}

func indexOf(assignments []Assignment, destinationID int64) int {
	for i, a := range assignments {
		if a.DestinationID == destinationID {
			return i
		}
	}
	return -1
}

// ApprovedDestinations lists destinations that have been approved.
func (i *Item) ApprovedDestinations() []int64 {
	var ids []int64
	for _, a := range i.Assignments {
		if a.Decision == models.DecisionApprove {
			ids = append(ids, a.DestinationID)
		}
	}
	return ids
}
