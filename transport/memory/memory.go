// Package memory provides an in-process broker. It keeps every queue in
// memory, so it is useful for tests and local development, not for anything
// that must survive a restart.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/relaykit/relaykit/logging"
	"github.com/relaykit/relaykit/transport"
)

// TransportName is the name used to register this broker system.
const TransportName = "memory"

func init() {
	Register()
}

// Register adds the memory broker to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.MemoryCapabilities)
}

// Build creates a new in-memory broker.
func Build(ctx context.Context, cfg transport.Config, logger logging.ServiceLogger) (transport.Broker, error) {
	return NewBroker(logger), nil
}

// Capabilities returns the capabilities of this broker system.
func Capabilities() transport.Capabilities {
	return transport.MemoryCapabilities
}

// Broker is an in-memory queue broker. Each queue delivers to at most one
// consumer at a time, in enqueue order, and redelivers a message until it is
// settled terminally.
type Broker struct {
	logger logging.ServiceLogger

	mu     sync.Mutex
	queues map[string]*queue
	subs   map[*subscription]struct{}
	closed bool
}

var _ transport.Broker = (*Broker)(nil)

// NewBroker creates an in-memory broker. A nil logger is replaced with a
// no-op logger.
func NewBroker(logger logging.ServiceLogger) *Broker {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Broker{
		logger: logger,
		queues: make(map[string]*queue),
		subs:   make(map[*subscription]struct{}),
	}
}

// Publish appends the message to the named queue. The message is accepted
// once Publish returns; delivery happens whenever a consumer is attached.
func (b *Broker) Publish(ctx context.Context, queueName string, pub transport.Publishing) (transport.PublishResult, error) {
	if queueName == "" {
		return transport.PublishResult{}, fmt.Errorf("queue name is required")
	}

	q, err := b.getQueue(queueName)
	if err != nil {
		return transport.PublishResult{}, err
	}

	// Copy the body so later mutation by the publisher cannot reach
	// consumers.
	body := append([]byte(nil), pub.Body...)
	pub.Body = body

	q.push(&item{pub: pub})
	return transport.PublishResult{}, nil
}

// Consume attaches the single consumer for the named queue. Deliveries are
// handed to fn one at a time; an unsettled or requeued delivery is offered
// again before any later message.
func (b *Broker) Consume(ctx context.Context, queueName string, fn func(transport.Delivery)) (transport.Subscription, error) {
	if queueName == "" {
		return nil, fmt.Errorf("queue name is required")
	}
	if fn == nil {
		return nil, fmt.Errorf("consume callback is required")
	}

	q, err := b.getQueue(queueName)
	if err != nil {
		return nil, err
	}

	if !q.acquireConsumer() {
		return nil, fmt.Errorf("queue %q already has a consumer", queueName)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		q:      q,
		ctx:    subCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	// A cancelled context must wake the queue wait.
	stop := context.AfterFunc(subCtx, q.broadcast)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		stop()
		cancel()
		q.releaseConsumer()
		return nil, transport.ErrClosed
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go func() {
		defer stop()
		sub.run(fn, b.logger)
		b.removeSub(sub)
	}()

	b.logger.Debug("memory consumer attached", logging.LogFields{"queue": queueName})
	return sub, nil
}

// Close shuts the broker down. Active subscriptions terminate with ErrClosed
// and unsettled messages stay queued until the broker is gone.
func (b *Broker) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	queues := make([]*queue, 0, len(b.queues))
	for _, q := range b.queues {
		queues = append(queues, q)
	}
	subs := make([]*subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, q := range queues {
		q.close()
	}

	for _, s := range subs {
		select {
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *Broker) getQueue(name string) (*queue, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, transport.ErrClosed
	}
	q, ok := b.queues[name]
	if !ok {
		q = newQueue()
		b.queues[name] = q
	}
	return q, nil
}

func (b *Broker) removeSub(s *subscription) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}

// item is one queued message together with its delivery count.
type item struct {
	pub      transport.Publishing
	attempts int
}

// queue is a FIFO with a single-consumer slot. The head item is redelivered
// until settled, so a requeue never lets a later message overtake it.
type queue struct {
	mu        sync.Mutex
	cond      *sync.Cond
	items     []*item
	consuming bool
	closed    bool
}

func newQueue() *queue {
	q := &queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *queue) push(it *item) {
	q.mu.Lock()
	q.items = append(q.items, it)
	q.mu.Unlock()
	q.cond.Signal()
}

func (q *queue) pushFront(it *item) {
	q.mu.Lock()
	q.items = append([]*item{it}, q.items...)
	q.mu.Unlock()
	q.cond.Signal()
}

// next blocks until an item is available, the context is cancelled, or the
// broker closes. A nil item with a nil error means the caller cancelled.
func (q *queue) next(ctx context.Context) (*item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if q.closed {
			return nil, transport.ErrClosed
		}
		if ctx.Err() != nil {
			return nil, nil
		}
		if len(q.items) > 0 {
			it := q.items[0]
			q.items = q.items[1:]
			return it, nil
		}
		q.cond.Wait()
	}
}

func (q *queue) broadcast() {
	q.cond.Broadcast()
}

func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

func (q *queue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *queue) acquireConsumer() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.consuming {
		return false
	}
	q.consuming = true
	return true
}

func (q *queue) releaseConsumer() {
	q.mu.Lock()
	q.consuming = false
	q.mu.Unlock()
}

// subscription is the consumer side of one queue.
type subscription struct {
	q      *queue
	ctx    context.Context
	cancel context.CancelFunc

	done      chan struct{}
	closeOnce sync.Once

	mu  sync.Mutex
	err error
}

var _ transport.Subscription = (*subscription)(nil)

func (s *subscription) run(fn func(transport.Delivery), logger logging.ServiceLogger) {
	defer close(s.done)
	defer s.q.releaseConsumer()

	for {
		it, err := s.q.next(s.ctx)
		if err != nil {
			s.fail(err)
			return
		}
		if it == nil {
			return
		}

		if !s.deliverUntilSettled(it, fn, logger) {
			// Stopped mid-message. Keep it at the head for whoever
			// consumes next.
			s.q.pushFront(it)
			if s.q.isClosed() && s.ctx.Err() == nil {
				s.fail(transport.ErrClosed)
			}
			return
		}
	}
}

// deliverUntilSettled offers the item to fn until it is acked or discarded.
// Returns false when the subscription stops before the item settles.
func (s *subscription) deliverUntilSettled(it *item, fn func(transport.Delivery), logger logging.ServiceLogger) bool {
	for {
		if s.ctx.Err() != nil || s.q.isClosed() {
			return false
		}

		it.attempts++
		d := &delivery{it: it}
		fn(d)

		switch d.settledOutcome() {
		case settleAck, settleDiscard:
			return true
		case settleRequeue:
			continue
		default:
			logger.Error("delivery returned unsettled, requeueing", nil, logging.LogFields{
				"message_id": it.pub.MessageID,
				"attempt":    it.attempts,
			})
			continue
		}
	}
}

func (s *subscription) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

// Close stops the consumer. It does not wait for an in-flight callback; use
// Done for that.
func (s *subscription) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.q.broadcast()
	})
	return nil
}

func (s *subscription) Done() <-chan struct{} {
	return s.done
}

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

type settleOutcome int

const (
	settleNone settleOutcome = iota
	settleAck
	settleRequeue
	settleDiscard
)

// delivery is one offer of an item to the consumer. The first settle call
// wins; repeat calls are ignored.
type delivery struct {
	it *item

	mu      sync.Mutex
	outcome settleOutcome
}

var _ transport.Delivery = (*delivery)(nil)

func (d *delivery) Body() []byte      { return d.it.pub.Body }
func (d *delivery) MessageID() string { return d.it.pub.MessageID }
func (d *delivery) Redelivered() bool { return d.it.attempts > 1 }
func (d *delivery) Attempt() int      { return d.it.attempts }

func (d *delivery) Ack(ctx context.Context) error {
	return d.settle(settleAck)
}

func (d *delivery) NackRequeue(ctx context.Context) error {
	return d.settle(settleRequeue)
}

func (d *delivery) NackDiscard(ctx context.Context) error {
	return d.settle(settleDiscard)
}

func (d *delivery) settle(o settleOutcome) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.outcome != settleNone {
		return nil
	}
	d.outcome = o
	return nil
}

func (d *delivery) settledOutcome() settleOutcome {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.outcome
}
