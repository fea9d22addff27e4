// Package register implements the event relay register: a durable, ordered,
// at-least-once conduit between a producing side and consumer callbacks,
// exposed as two operations, RegisterEvent and ReadEvents, over a pluggable
// broker transport.
package register

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/relaykit/relaykit/internal/register/config"
	"github.com/relaykit/relaykit/internal/register/envelope"
	"github.com/relaykit/relaykit/internal/register/errors"
	"github.com/relaykit/relaykit/internal/register/event"
	"github.com/relaykit/relaykit/internal/register/ids"
	"github.com/relaykit/relaykit/internal/register/metrics"
	"github.com/relaykit/relaykit/internal/register/retrypolicy"
	"github.com/relaykit/relaykit/logging"
	"github.com/relaykit/relaykit/transport"
)

// Callback processes one delivered event and decides its fate. It runs
// synchronously with respect to acknowledgment: the delivery is settled only
// after the callback returns, so callbacks must be idempotent or dedup on
// Event.ID.
type Callback func(event.Event) event.ConsumeOutcome

// Dependencies carries the injectable collaborators. Everything is optional:
// a nil Broker is built from the Registry (or the default registry) by the
// config's BrokerSystem, a nil Logger discards, metrics and tracing stay off
// without a registerer/provider.
type Dependencies struct {
	Logger logging.ServiceLogger

	// Broker overrides registry-based construction.
	Broker   transport.Broker
	Registry *transport.Registry

	// MetricsRegisterer receives the Prometheus collectors when the config
	// enables metrics. Nil falls back to prometheus.DefaultRegisterer.
	MetricsRegisterer prometheus.Registerer

	// TracerProvider enables spans around publish and callback execution.
	TracerProvider trace.TracerProvider

	// OnStateChange observes broker connectivity transitions, when the
	// transport exposes them.
	OnStateChange transport.StateListener
}

// Register is the relay register instance. Safe for concurrent use:
// RegisterEvent may be called from many goroutines; at most one ReadEvents
// subscription is active at a time.
type Register struct {
	conf    config.Config
	logger  logging.ServiceLogger
	broker  transport.Broker
	policy  retrypolicy.Policy
	metrics *metrics.RegisterMetrics
	tracer  trace.Tracer

	dedup *dedupCache

	mu        sync.Mutex
	activeSub *Subscription
	closed    bool
}

// New validates the config, builds (or adopts) the broker, and wires the
// ambient pieces. The returned register owns the broker and closes it on
// Close.
func New(ctx context.Context, conf *config.Config, deps Dependencies) (*Register, error) {
	if conf == nil {
		return nil, errors.ErrConfigRequired
	}
	if err := errors.NewConfigValidationError(conf.Validate()); err != nil {
		return nil, err
	}
	normalized := conf.Normalized()

	logger := deps.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	logger = logger.With(logging.LogFields{"queue": normalized.Queue})

	var m *metrics.RegisterMetrics
	if normalized.MetricsEnabled {
		m = metrics.NewRegisterMetrics(deps.MetricsRegisterer)
		if err := m.Register(); err != nil {
			return nil, err
		}
	}

	broker := deps.Broker
	if broker == nil {
		registry := deps.Registry
		if registry == nil {
			registry = transport.DefaultRegistry
		}
		built, err := registry.Build(ctx, &normalized, logger)
		if err != nil {
			return nil, err
		}
		broker = built
	}

	tp := deps.TracerProvider
	if tp == nil {
		tp = noop.NewTracerProvider()
	}

	r := &Register{
		conf:   normalized,
		logger: logger,
		broker: broker,
		policy: retrypolicy.Policy{
			InitialInterval: normalized.RetryInitialInterval,
			MaxInterval:     normalized.RetryMaxInterval,
			Multiplier:      normalized.RetryMultiplier,
			MaxAttempts:     uint(normalized.PublishAttempts),
			FullJitter:      true,
		},
		metrics: m,
		tracer:  tp.Tracer("relaykit"),
		dedup:   newDedupCache(normalized.DedupWindow, normalized.DedupCapacity),
	}

	if notifier, ok := broker.(transport.StateNotifier); ok {
		notifier.OnStateChange(func(s transport.State) {
			r.logger.Info("broker connectivity changed", logging.LogFields{"state": s.String()})
			r.metrics.SetConnectionState(int(s))
			if deps.OnStateChange != nil {
				deps.OnStateChange(s)
			}
		})
	}
	r.metrics.SetConnectionState(metrics.StateReady)

	return r, nil
}

// RegisterEvent durably enqueues one event. On return with a nil error the
// broker has confirmed the write and the event will be delivered at least
// once. A duplicate ID inside the dedup window is an idempotent no-op
// returning the prior Ack. Transient broker failures are retried internally
// under the shared policy; an explicit broker refusal surfaces immediately.
func (r *Register) RegisterEvent(ctx context.Context, ev event.Event) (event.Ack, error) {
	queue := r.conf.Queue

	if r.isClosed() {
		return event.Ack{}, errors.NewPublishError(errors.PublishUnreachable, queue, ev.ID, errors.ErrRegisterClosed)
	}
	if len(ev.Payload) == 0 {
		return event.Ack{}, errors.ErrEmptyPayload
	}

	if ev.ID == "" {
		ev.ID = ids.CreateULID()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	if ev.Source == "" {
		ev.Source = r.conf.SourceTag
	}

	ctx, span := r.tracer.Start(ctx, "relaykit.RegisterEvent", trace.WithAttributes(
		attribute.String("relaykit.event_id", ev.ID),
		attribute.String("relaykit.queue", queue),
	))
	defer span.End()

	if ack, ok := r.dedup.get(ev.ID); ok {
		r.metrics.RecordDuplicate(queue)
		r.logger.Debug("duplicate event suppressed", logging.LogFields{"event_id": ev.ID})
		span.SetAttributes(attribute.Bool("relaykit.duplicate", true))
		ack.Duplicate = true
		return ack, nil
	}

	body, err := envelope.Encode(envelope.FromEvent(ev))
	if err != nil {
		span.RecordError(err)
		return event.Ack{}, errors.NewPublishError(errors.PublishRejected, queue, ev.ID, err)
	}

	start := time.Now()
	result, err := r.publishWithRetry(ctx, queue, transport.Publishing{
		MessageID:   ev.ID,
		ContentType: envelope.ContentType,
		Timestamp:   ev.CreatedAt,
		Body:        body,
	})
	if err != nil {
		kind := classifyPublishFailure(err)
		r.metrics.RecordPublishFailure(queue, kind.String())
		span.RecordError(err)
		r.logger.Error("publish failed", err, logging.LogFields{
			"event_id": ev.ID,
			"kind":     kind.String(),
		})
		return event.Ack{}, errors.NewPublishError(kind, queue, ev.ID, err)
	}

	ack := event.Ack{
		EventID:     ev.ID,
		Queue:       queue,
		ConfirmedAt: time.Now().UTC(),
		Duplicate:   result.Duplicate,
	}
	r.dedup.put(ev.ID, ack)
	r.metrics.RecordPublished(queue, time.Since(start))
	if result.Duplicate {
		r.metrics.RecordDuplicate(queue)
	}
	r.logger.Debug("event registered", logging.LogFields{"event_id": ev.ID})
	return ack, nil
}

// publishWithRetry runs one confirmed publish per attempt, each under its
// own timeout, retrying transient failures until the budget is spent. A
// broker rejection is permanent and stops the schedule at once.
func (r *Register) publishWithRetry(ctx context.Context, queue string, pub transport.Publishing) (transport.PublishResult, error) {
	op := func() (transport.PublishResult, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, r.conf.PublishTimeout)
		defer cancel()

		res, err := r.broker.Publish(attemptCtx, queue, pub)
		if err != nil {
			if stderrors.Is(err, transport.ErrRejected) {
				return res, backoff.Permanent(err)
			}
			return res, err
		}
		return res, nil
	}

	notify := func(err error, delay time.Duration) {
		r.metrics.RecordPublishRetry(queue)
		r.logger.Debug("publish attempt failed, retrying", logging.LogFields{
			"message_id": pub.MessageID,
			"delay":      delay.String(),
			"error":      err.Error(),
		})
	}

	return retrypolicy.Retry(ctx, r.policy, op, notify)
}

// classifyPublishFailure maps a transport error onto the caller-facing kind.
// Timeouts are retried like unreachability, so the kind reflects the final
// attempt's failure mode.
func classifyPublishFailure(err error) errors.PublishErrorKind {
	switch {
	case stderrors.Is(err, transport.ErrRejected):
		return errors.PublishRejected
	case stderrors.Is(err, transport.ErrConfirmTimeout) || stderrors.Is(err, context.DeadlineExceeded):
		return errors.PublishTimeout
	default:
		return errors.PublishUnreachable
	}
}

// Metrics exposes the collector set, nil when metrics are disabled.
func (r *Register) Metrics() *metrics.RegisterMetrics { return r.metrics }

// Queue returns the main queue name.
func (r *Register) Queue() string { return r.conf.Queue }

// Close cancels the active subscription, closes the broker, and fails later
// publishes with PublishError.Unreachable. Safe to call more than once.
func (r *Register) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	sub := r.activeSub
	r.activeSub = nil
	r.mu.Unlock()

	if sub != nil {
		sub.Cancel()
	}

	err := r.broker.Close(ctx)
	r.metrics.SetConnectionState(metrics.StateClosed)
	r.logger.Info("register closed", nil)
	return err
}

func (r *Register) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}
