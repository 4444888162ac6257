package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/k1networth/rolekeeper/internal/membership"
)

// Kind tells the transport what to do with a failed delivery.
type Kind int

const (
	// KindFatal deliveries are acknowledged and dropped.
	KindFatal Kind = iota + 1
	// KindRetryable deliveries are left unacknowledged for redelivery.
	KindRetryable
)

func (k Kind) String() string {
	switch k {
	case KindFatal:
		return "fatal"
	case KindRetryable:
		return "retryable"
	default:
		return "unknown"
	}
}

// InvalidPayloadError means the envelope was well formed but its data does
// not decode into the shape its event type requires.
type InvalidPayloadError struct {
	EventID   string
	EventType string
	Reason    string
	Err       error
}

func (e *InvalidPayloadError) Error() string {
	msg := fmt.Sprintf("invalid %s payload", e.EventType)
	if e.EventID != "" {
		msg += " (event " + e.EventID + ")"
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *InvalidPayloadError) Unwrap() error { return e.Err }

// Error is returned by Dispatch for every failure.
type Error struct {
	Kind      Kind
	EventID   string
	EventType string
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("dispatch %s %s (%s): %v", e.EventType, e.EventID, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsRetryable reports whether err should lead to redelivery. Errors that did
// not come from the dispatcher are treated as retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Kind == KindRetryable
	}
	return true
}

// classify maps a handler failure to a Kind. A missing account is a
// permanent condition, redelivery cannot create it.
func classify(err error) Kind {
	var ip *InvalidPayloadError
	switch {
	case errors.As(err, &ip):
		return KindFatal
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindRetryable
	case errors.Is(err, membership.ErrNotFound):
		return KindFatal
	default:
		return KindRetryable
	}
}
