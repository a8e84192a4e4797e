// Package idempotency guards side effects with claims keyed by a natural key:
// the source URL for processing, the (item, destination) pair for delivery.
//
// A claim is a lease. The holder either completes it, which makes the key
// permanently done, or releases it so a redelivered message can try again. A
// worker that dies while holding a claim loses it when the lease expires.
package idempotency

import (
	"context"
	"fmt"
	"time"
)

type State int

const (
	// Acquired means the caller now owns the key and must Complete or Release it.
	Acquired State = iota
	// InProgress means another worker holds a live claim.
	InProgress
	// Done means the work was completed earlier.
	Done
)

func (s State) String() string {
	switch s {
	case Acquired:
		return "acquired"
	case InProgress:
		return "in_progress"
	case Done:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Claim is an owned lease on a key. Begin also returns a claim with
// InProgress; that one only reports when the holder's lease runs out, and
// Complete and Release ignore it.
type Claim struct {
	Key     string
	Expires time.Time
	token   string
}

func (c *Claim) owned() bool {
	return c != nil && c.token != ""
}

// Remaining is how long the lease has left, zero when unknown or past.
func (c *Claim) Remaining() time.Duration {
	if c == nil || c.Expires.IsZero() {
		return 0
	}
	if d := time.Until(c.Expires); d > 0 {
		return d
	}
	return 0
}

type Store interface {
	Begin(ctx context.Context, key string, lease time.Duration) (*Claim, State, error)
	Complete(ctx context.Context, claim *Claim) error
	Release(ctx context.Context, claim *Claim) error
}

func URLKey(url string) string {
	return "url:" + url
}

func PublicationKey(itemID, destinationID int64) string {
	return fmt.Sprintf("publication:%d:%d", itemID, destinationID)
}
