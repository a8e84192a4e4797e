// Package faults classifies pipeline errors into the categories that decide
// how a queue message is settled.
//
// Stages wrap the errors they return:
//
//	return faults.Permanent(fmt.Errorf("destination %d not found", id))
//
// Anything left unwrapped is treated as transient and is eligible for retry.
package faults

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type Kind int

const (
	KindTransient Kind = iota
	KindPermanent
	KindDuplicate
	KindUnauthorized
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindDuplicate:
		return "duplicate"
	case KindUnauthorized:
		return "unauthorized"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

type kindError struct {
	kind Kind
	err  error
}

func (e kindError) Error() string { return fmt.Sprintf("%s: %v", e.kind, e.err) }
func (e kindError) Unwrap() error { return e.err }

func wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return kindError{kind: kind, err: err}
}

// Permanent marks err as non-retryable.
func Permanent(err error) error { return wrap(KindPermanent, err) }

// Duplicate marks work that was already done. It is absorbed, not reported.
func Duplicate(err error) error { return wrap(KindDuplicate, err) }

// Unauthorized marks a decision from an actor without rights on the target.
func Unauthorized(err error) error { return wrap(KindUnauthorized, err) }

// KindOf reports the category of err. Unclassified errors are transient.
func KindOf(err error) Kind {
	if err == nil {
		return KindTransient
	}
	var ke kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	return KindTransient
}

func IsPermanent(err error) bool    { return err != nil && KindOf(err) == KindPermanent }
func IsDuplicate(err error) bool    { return err != nil && KindOf(err) == KindDuplicate }
func IsUnauthorized(err error) bool { return err != nil && KindOf(err) == KindUnauthorized }

// IsRetryable reports whether another attempt could succeed. Context
// cancellation is not retryable: the worker is shutting down and the message
// will be redelivered instead.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return KindOf(err) == KindTransient
}

// RetryAfter attaches a suggested delay (for example an HTTP 429
// Retry-After value) to a transient error.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }

// RetryAfterHint extracts a delay attached with RetryAfter.
func RetryAfterHint(err error) (time.Duration, bool) {
	var ra retryAfterError
	if errors.As(err, &ra) {
		return ra.after, true
	}
	return 0, false
}
