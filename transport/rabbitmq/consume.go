package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/relaykit/relaykit/logging"
	"github.com/relaykit/relaykit/transport"
)

// subscription is one consume binding. It holds a dedicated channel for its
// whole lifetime; when that channel or the underlying connection dies, run
// reopens against the recovered connection up to the shared attempt budget
// before turning terminal.
type subscription struct {
	broker *Broker
	queue  string
	fn     func(transport.Delivery)

	ctx    context.Context
	cancel context.CancelFunc

	done      chan struct{}
	closeOnce sync.Once

	mu  sync.Mutex
	err error
}

var _ transport.Subscription = (*subscription)(nil)

// open acquires a fresh channel, applies QoS, and starts basic.consume.
func (s *subscription) open() (Channel, <-chan amqp.Delivery, error) {
	conn, err := s.broker.conns.current(s.ctx)
	if err != nil {
		return nil, nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: open consume channel: %v", transport.ErrUnreachable, err)
	}

	if err := s.broker.ensureQueue(ch, s.queue); err != nil {
		ch.Close()
		return nil, nil, err
	}
	if err := ch.Qos(s.broker.cfg.Prefetch, 0, false); err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("%w: set qos: %v", transport.ErrUnreachable, err)
	}

	deliveries, err := ch.ConsumeWithContext(s.ctx, s.queue, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("%w: consume %q: %v", transport.ErrUnreachable, s.queue, err)
	}
	return ch, deliveries, nil
}

// run drains deliveries until the channel dies or the subscription stops.
// A dead channel is replaced transparently; replacement failures beyond the
// retry budget close the subscription with a terminal error.
func (s *subscription) run(ch Channel, deliveries <-chan amqp.Delivery) {
	defer close(s.done)
	defer s.broker.removeSub(s)
	defer func() {
		if ch != nil {
			ch.Close()
		}
	}()

	for {
		alive := s.drain(deliveries)
		ch.Close()
		if !alive {
			return
		}

		s.broker.logger.Info("rabbitmq consume channel lost, replacing", logging.LogFields{
			"queue": s.queue,
		})

		var err error
		ch, deliveries, err = s.reopen()
		if err != nil {
			s.fail(err)
			s.broker.logger.Error("rabbitmq subscription terminal", err, logging.LogFields{
				"queue": s.queue,
			})
			return
		}
	}
}

// drain forwards deliveries until the stream closes. Returns true when the
// stream died unexpectedly and should be replaced.
func (s *subscription) drain(deliveries <-chan amqp.Delivery) bool {
	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				return s.ctx.Err() == nil && !s.broker.isClosed()
			}
			s.fn(&delivery{d: d})
		case <-s.ctx.Done():
			return false
		}
	}
}

// reopen retries open under the shared policy. Each attempt first waits for
// the connection manager to produce a live connection.
func (s *subscription) reopen() (Channel, <-chan amqp.Delivery, error) {
	policy := s.broker.cfg.Retry
	bo := policy.NewBackOff()

	attempts := policy.MaxAttempts
	if attempts == 0 {
		attempts = 5
	}

	var lastErr error
	for i := uint(0); i < attempts; i++ {
		if s.ctx.Err() != nil {
			return nil, nil, fmt.Errorf("%w: subscription cancelled", transport.ErrClosed)
		}

		ch, deliveries, err := s.open()
		if err == nil {
			return ch, deliveries, nil
		}
		lastErr = err

		select {
		case <-time.After(bo.NextBackOff()):
		case <-s.ctx.Done():
			return nil, nil, fmt.Errorf("%w: subscription cancelled", transport.ErrClosed)
		}
	}
	return nil, nil, &transport.ConnectionError{Err: lastErr}
}

// Close stops new deliveries. The receive loop exits after the in-flight
// callback returns; wait on Done for that.
func (s *subscription) Close() error {
	s.closeOnce.Do(s.cancel)
	return nil
}

func (s *subscription) Done() <-chan struct{} { return s.done }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *subscription) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

// delivery adapts one amqp.Delivery. The amqp client already ignores repeat
// acks on the same delivery tag, so no extra once-guard is needed here.
type delivery struct {
	d amqp.Delivery
}

var _ transport.Delivery = (*delivery)(nil)

func (d *delivery) Body() []byte      { return d.d.Body }
func (d *delivery) MessageID() string { return d.d.MessageId }
func (d *delivery) Redelivered() bool { return d.d.Redelivered }

// Attempt is always 0: AMQP 0-9-1 carries no delivery count, only the
// redelivered flag. The register tracks attempts itself.
func (d *delivery) Attempt() int { return 0 }

func (d *delivery) Ack(ctx context.Context) error {
	return d.d.Ack(false)
}

func (d *delivery) NackRequeue(ctx context.Context) error {
	return d.d.Nack(false, true)
}

// NackDiscard rejects without requeue; the queue's x-dead-letter arguments
// route the message to the quarantine queue broker-side.
func (d *delivery) NackDiscard(ctx context.Context) error {
	return d.d.Nack(false, false)
}
