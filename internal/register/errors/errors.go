// Package errors defines the sentinel and typed errors surfaced by the
// register. Transport-level classification lives in the transport package;
// this package owns what callers see.
package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrConfigRequired     = sterrors.New("relaykit: config is required")
	ErrQueueRequired      = sterrors.New("relaykit: queue name is required")
	ErrCallbackRequired   = sterrors.New("relaykit: consume callback is required")
	ErrEmptyPayload       = sterrors.New("relaykit: event payload must not be empty")
	ErrRegisterClosed     = sterrors.New("relaykit: register is closed")
	ErrSubscriptionActive = sterrors.New("relaykit: reader already has an active subscription")
)

// ConfigValidationError wraps the combined validation failures reported by
// Config.Validate.
type ConfigValidationError struct {
	Err error
}

// NewConfigValidationError returns nil when err is nil so callers can wrap
// unconditionally.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}

func (e ConfigValidationError) Error() string {
	return fmt.Sprintf("relaykit: invalid configuration: %v", e.Err)
}

func (e ConfigValidationError) Unwrap() error { return e.Err }

// PublishErrorKind classifies why a durable enqueue failed.
type PublishErrorKind int

const (
	// PublishUnreachable means the broker could not be reached. The register
	// retries these internally before surfacing one.
	PublishUnreachable PublishErrorKind = iota
	// PublishRejected means the broker explicitly refused the message.
	// Never retried.
	PublishRejected
	// PublishTimeout means the broker did not confirm within the publish
	// timeout on the final attempt.
	PublishTimeout
)

func (k PublishErrorKind) String() string {
	switch k {
	case PublishUnreachable:
		return "unreachable"
	case PublishRejected:
		return "rejected"
	case PublishTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// PublishError is the typed failure returned by RegisterEvent. Callers branch
// on Kind; Unwrap exposes the transport cause.
type PublishError struct {
	Kind    PublishErrorKind
	Queue   string
	EventID string
	Err     error
}

func NewPublishError(kind PublishErrorKind, queue, eventID string, err error) *PublishError {
	return &PublishError{Kind: kind, Queue: queue, EventID: eventID, Err: err}
}

func (e *PublishError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("relaykit: publish event %s to %q failed (%s)", e.EventID, e.Queue, e.Kind)
	}
	return fmt.Sprintf("relaykit: publish event %s to %q failed (%s): %v", e.EventID, e.Queue, e.Kind, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

func publishKindIs(err error, kind PublishErrorKind) bool {
	var pe *PublishError
	if !sterrors.As(err, &pe) {
		return false
	}
	return pe.Kind == kind
}

// IsUnreachable reports whether err is a PublishError with the Unreachable kind.
func IsUnreachable(err error) bool { return publishKindIs(err, PublishUnreachable) }

// IsRejected reports whether err is a PublishError with the Rejected kind.
func IsRejected(err error) bool { return publishKindIs(err, PublishRejected) }

// IsTimeout reports whether err is a PublishError with the Timeout kind.
func IsTimeout(err error) bool { return publishKindIs(err, PublishTimeout) }
