package register

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/relaykit/relaykit/internal/register/envelope"
	"github.com/relaykit/relaykit/internal/register/errors"
	"github.com/relaykit/relaykit/internal/register/event"
	"github.com/relaykit/relaykit/internal/register/ids"
	"github.com/relaykit/relaykit/logging"
	"github.com/relaykit/relaykit/transport"
)

// Quarantine reasons recorded on the mark and the metrics label.
const (
	reasonDecodeError      = "decode_error"
	reasonCallback         = "callback"
	reasonAttemptsExceeded = "attempts_exceeded"
)

// ReadEvents subscribes the callback to the register's queue. Deliveries
// arrive one at a time in enqueue order; the callback's outcome settles each
// delivery exactly once. At most one subscription is active per register;
// cancel (or lose) the current one before subscribing again.
func (r *Register) ReadEvents(ctx context.Context, callback Callback) (*Subscription, error) {
	if callback == nil {
		return nil, errors.ErrCallbackRequired
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, errors.ErrRegisterClosed
	}
	if r.activeSub != nil {
		r.mu.Unlock()
		return nil, errors.ErrSubscriptionActive
	}
	// Reserve the slot before the broker call so concurrent ReadEvents
	// cannot both pass the check.
	placeholder := &Subscription{}
	r.activeSub = placeholder
	r.mu.Unlock()

	rd := &reader{
		reg:      r,
		queue:    r.conf.Queue,
		callback: callback,
		attempts: newAttemptTracker(),
		ctx:      ctx,
	}

	tsub, err := r.broker.Consume(ctx, r.conf.Queue, rd.handle)
	if err != nil {
		r.clearSub(placeholder)
		return nil, err
	}

	sub := newSubscription(r.conf.Queue, tsub)
	r.mu.Lock()
	r.activeSub = sub
	r.mu.Unlock()

	go func() {
		<-tsub.Done()
		// Release the slot before finish so a caller unblocked by Cancel can
		// subscribe again immediately.
		r.clearSub(sub)
		sub.finish(tsub.Err())
		if err := tsub.Err(); err != nil {
			r.logger.Error("subscription terminal", err, logging.LogFields{
				"queue": sub.queue,
			})
		}
	}()

	r.logger.Info("subscription started", nil)
	return sub, nil
}

func (r *Register) clearSub(sub *Subscription) {
	r.mu.Lock()
	if r.activeSub == sub {
		r.activeSub = nil
	}
	r.mu.Unlock()
}

// reader drives the per-delivery state machine:
// Delivered -> Processing -> {Ack | RetryLater | Quarantine}.
type reader struct {
	reg      *Register
	queue    string
	callback Callback
	attempts *attemptTracker
	ctx      context.Context
}

// handle settles exactly one delivery. It runs on the transport's receive
// goroutine, so deliveries stay serial and acknowledgment happens strictly
// after the callback returns.
func (rd *reader) handle(d transport.Delivery) {
	r := rd.reg
	r.metrics.RecordDelivery(rd.queue)

	env, err := envelope.Decode(d.Body())
	if err != nil {
		// Poison before the callback ever ran. Wrap the raw bytes so the
		// quarantine copy preserves them for inspection.
		r.logger.Error("undecodable delivery, quarantining", err, logging.LogFields{
			"message_id": d.MessageID(),
		})
		// Delivery hints count total deliveries where the broker reports
		// them; the mark records prior attempts like every other path.
		attempts := d.Attempt()
		if attempts > 0 {
			attempts--
		}
		rd.quarantine(d, rawEnvelope(d), reasonDecodeError, err, attempts)
		return
	}

	attempt := rd.attempts.attempt(env.ID, d.Attempt())
	ev := env.Event()
	ev.AttemptCount = attempt

	if attempt > r.conf.MaxDeliveryAttempts {
		// Redelivery loop the callback never resolved, e.g. repeated
		// crashes mid-callback. Contain it.
		rd.quarantine(d, env, reasonAttemptsExceeded, nil, attempt)
		return
	}

	start := time.Now()
	outcome := rd.invoke(ev)
	elapsed := time.Since(start)

	switch outcome {
	case event.OutcomeAck:
		if err := d.Ack(rd.ctx); err != nil {
			r.logger.Error("ack failed, delivery will repeat", err, logging.LogFields{
				"event_id": ev.ID,
			})
			return
		}
		rd.attempts.clear(ev.ID)
		r.metrics.RecordAck(rd.queue, elapsed)

	case event.OutcomeRetryLater:
		next := rd.attempts.bump(ev.ID)
		if next > r.conf.MaxDeliveryAttempts {
			rd.quarantine(d, env, reasonAttemptsExceeded, nil, next)
			return
		}
		if err := d.NackRequeue(rd.ctx); err != nil {
			r.logger.Error("requeue failed, delivery will repeat", err, logging.LogFields{
				"event_id": ev.ID,
			})
			return
		}
		r.metrics.RecordRequeue(rd.queue, elapsed)
		r.logger.Debug("delivery requeued", logging.LogFields{
			"event_id": ev.ID,
			"attempt":  next,
		})

	default:
		rd.quarantine(d, env, reasonCallback, nil, attempt)
	}
}

// invoke runs the callback under a span and converts a panic into
// RetryLater: the failure may be load-related, and the attempt cap contains
// it if it is not.
func (rd *reader) invoke(ev event.Event) (outcome event.ConsumeOutcome) {
	_, span := rd.reg.tracer.Start(rd.ctx, "relaykit.ProcessEvent", trace.WithAttributes(
		attribute.String("relaykit.event_id", ev.ID),
		attribute.String("relaykit.queue", rd.queue),
		attribute.Int("relaykit.attempt", ev.AttemptCount),
	))
	defer span.End()

	defer func() {
		if rec := recover(); rec != nil {
			rd.reg.logger.Error("callback panicked", nil, logging.LogFields{
				"event_id": ev.ID,
				"panic":    rec,
			})
			outcome = event.OutcomeRetryLater
		}
		span.SetAttributes(attribute.String("relaykit.outcome", outcome.String()))
	}()

	return rd.callback(ev)
}

// quarantine publishes a marked copy of the envelope to the quarantine queue
// through the normal confirm path, then acknowledges the original. If the
// copy cannot be written the original is requeued instead, so the message is
// never lost between the two queues.
func (rd *reader) quarantine(d transport.Delivery, env *envelope.Envelope, reason string, cause error, attempts int) {
	r := rd.reg

	marked := env.Quarantined(reason, rd.queue, cause, attempts, time.Now().UTC())
	body, err := envelope.Encode(marked)
	if err == nil {
		_, err = r.publishWithRetry(rd.ctx, r.conf.QuarantineQueue, transport.Publishing{
			MessageID:   marked.ID,
			ContentType: envelope.ContentType,
			Timestamp:   marked.CreatedAt,
			Body:        body,
		})
	}
	if err != nil {
		r.logger.Error("quarantine publish failed, requeueing original", err, logging.LogFields{
			"event_id": env.ID,
			"reason":   reason,
		})
		if nackErr := d.NackRequeue(rd.ctx); nackErr != nil {
			r.logger.Error("requeue after failed quarantine also failed", nackErr, logging.LogFields{
				"event_id": env.ID,
			})
		}
		return
	}

	if err := d.Ack(rd.ctx); err != nil {
		r.logger.Error("ack after quarantine failed, copy may duplicate", err, logging.LogFields{
			"event_id": env.ID,
		})
	}
	rd.attempts.clear(env.ID)
	r.metrics.RecordQuarantine(rd.queue, reason, attempts)
	r.logger.Info("delivery quarantined", logging.LogFields{
		"event_id": env.ID,
		"reason":   reason,
		"attempts": attempts,
	})
}

// rawEnvelope wraps an undecodable delivery so it can still travel to the
// quarantine queue. The broker message ID is kept when present; otherwise
// the copy gets a fresh ID.
func rawEnvelope(d transport.Delivery) *envelope.Envelope {
	id := d.MessageID()
	if id == "" {
		id = ids.CreateULID()
	}
	payload := d.Body()
	if len(payload) == 0 {
		// Envelope validation requires a payload even for a tombstone.
		payload = []byte("null")
	}
	return &envelope.Envelope{
		Version:   envelope.SchemaVersion,
		ID:        id,
		CreatedAt: time.Now().UTC(),
		Payload:   payload,
	}
}
