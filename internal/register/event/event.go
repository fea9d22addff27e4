// Package event defines the unit the register moves and the outcome type
// consumer callbacks use to drive acknowledgment.
package event

import "time"

// Event is a discrete domain event. The payload is opaque to the register and
// immutable once enqueued; ID is the deduplication key and stays stable
// across retries of the same logical event.
type Event struct {
	// ID uniquely identifies the logical event. Left empty, the register
	// assigns a ULID at publish time.
	ID string
	// Payload carries the caller's bytes. Must be non-empty.
	Payload []byte
	// CreatedAt is stamped at publish time when zero.
	CreatedAt time.Time
	// AttemptCount is 0 on first delivery and increments on each redelivery
	// of the same message instance.
	AttemptCount int
	// Source identifies the producing side, from config.
	Source string
	// Metadata carries optional routing hints for consumers.
	Metadata map[string]string
}

// Ack confirms that the broker durably accepted an event.
type Ack struct {
	EventID     string
	Queue       string
	ConfirmedAt time.Time
	// Duplicate is set when the publish was suppressed as an idempotent
	// re-send of an already-confirmed event ID.
	Duplicate bool
}

// ConsumeOutcome is the callback's decision for one delivered event.
type ConsumeOutcome int

const (
	// OutcomeAck acknowledges the delivery and removes it from the queue.
	OutcomeAck ConsumeOutcome = iota
	// OutcomeRetryLater requeues the delivery for another attempt, subject
	// to the attempt cap.
	OutcomeRetryLater
	// OutcomeQuarantine moves the delivery to the dead-letter destination
	// and acknowledges the original.
	OutcomeQuarantine
)

func (o ConsumeOutcome) String() string {
	switch o {
	case OutcomeAck:
		return "ack"
	case OutcomeRetryLater:
		return "retry_later"
	case OutcomeQuarantine:
		return "quarantine"
	default:
		return "unknown"
	}
}
