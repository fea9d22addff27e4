// Package envelope owns the wire format: the JSON wrapper around an Event
// plus relay metadata. Envelopes never leave the codec and transport layers.
package envelope

import (
	"errors"
	"fmt"
	"time"

	"github.com/relaykit/relaykit/internal/register/event"
	"github.com/relaykit/relaykit/internal/register/jsoncodec"
)

// SchemaVersion identifies the wire layout. Decoders reject anything newer.
const SchemaVersion = 1

// ContentType is advertised to brokers for every envelope.
const ContentType = "application/json"

// Envelope wraps an Event for the wire. The attempt count is deliberately not
// part of the wire format: enqueued bytes are immutable and redelivery
// happens broker-side, so attempts are tracked by the reader at delivery
// time. Quarantine copies are the one exception and carry their final state
// in the Quarantine mark.
type Envelope struct {
	Version   int               `json:"v"`
	ID        string            `json:"id"`
	Source    string            `json:"source,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata,omitempty"`

	Quarantine *QuarantineMark `json:"quarantine,omitempty"`
}

// QuarantineMark records why a copy was moved to the dead-letter destination.
type QuarantineMark struct {
	Reason      string    `json:"reason"`
	OriginQueue string    `json:"origin_queue"`
	Error       string    `json:"error,omitempty"`
	FailedAt    time.Time `json:"failed_at"`
	Attempts    int       `json:"attempts"`
}

// DecodeError marks a payload as malformed. The reader treats it as poison,
// never as a transport failure to retry.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("relaykit: envelope decode failed: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// IsDecodeError reports whether err is (or wraps) a DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// FromEvent wraps ev for the wire. The caller is expected to have validated
// and defaulted the event already.
func FromEvent(ev event.Event) *Envelope {
	return &Envelope{
		Version:   SchemaVersion,
		ID:        ev.ID,
		Source:    ev.Source,
		CreatedAt: ev.CreatedAt,
		Payload:   ev.Payload,
		Metadata:  ev.Metadata,
	}
}

// Event maps the envelope back to the caller-facing type. AttemptCount is a
// delivery-time property and starts at zero; the reader overrides it.
func (e *Envelope) Event() event.Event {
	return event.Event{
		ID:        e.ID,
		Payload:   e.Payload,
		CreatedAt: e.CreatedAt,
		Source:    e.Source,
		Metadata:  e.Metadata,
	}
}

// Encode serializes the envelope.
func Encode(env *Envelope) ([]byte, error) {
	if env == nil {
		return nil, errors.New("relaykit: envelope is nil")
	}
	if err := validate(env); err != nil {
		return nil, err
	}
	return jsoncodec.Marshal(env)
}

// Decode parses and validates wire bytes. Any failure is a *DecodeError.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := jsoncodec.Unmarshal(data, &env); err != nil {
		return nil, &DecodeError{Err: err}
	}
	if err := validate(&env); err != nil {
		return nil, &DecodeError{Err: err}
	}
	return &env, nil
}

func validate(env *Envelope) error {
	if env.Version <= 0 || env.Version > SchemaVersion {
		return fmt.Errorf("unsupported schema version %d", env.Version)
	}
	if env.ID == "" {
		return errors.New("missing event id")
	}
	if len(env.Payload) == 0 {
		return errors.New("empty payload")
	}
	return nil
}

// Quarantined returns a marked copy for the dead-letter destination. The
// original envelope is left untouched.
func (e *Envelope) Quarantined(reason, originQueue string, cause error, attempts int, at time.Time) *Envelope {
	marked := *e
	marked.Quarantine = &QuarantineMark{
		Reason:      reason,
		OriginQueue: originQueue,
		FailedAt:    at,
		Attempts:    attempts,
	}
	if cause != nil {
		marked.Quarantine.Error = cause.Error()
	}
	return &marked
}

// Released returns a copy with the quarantine mark stripped, ready to
// republish to its origin queue.
func (e *Envelope) Released() *Envelope {
	released := *e
	released.Quarantine = nil
	return &released
}
