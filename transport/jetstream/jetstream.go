// Package jetstream backs the register with NATS JetStream. One stream holds
// every queue as a subject; durable pull consumers with MaxAckPending 1 keep
// per-queue deliveries in order, and the Nats-Msg-Id header gives publishes
// broker-native duplicate suppression.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/relaykit/relaykit/logging"
	"github.com/relaykit/relaykit/transport"
)

// TransportName is the name used to register this broker system.
const TransportName = "jetstream"

// ConnectFunc opens the NATS connection. Overridable for tests.
var ConnectFunc = func(url string, opts ...nats.Option) (*nats.Conn, error) {
	return nats.Connect(url, opts...)
}

func init() {
	Register()
}

// Register adds the JetStream broker to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.JetStreamCapabilities)
}

// Build creates a JetStream broker from config. MaxDeliver is set above the
// register's own attempt cap so the register quarantines a poison message
// before JetStream silently drops it.
func Build(ctx context.Context, cfg transport.Config, logger logging.ServiceLogger) (transport.Broker, error) {
	return New(ctx, Config{
		URL:          cfg.GetNATSURL(),
		StreamName:   cfg.GetStreamName(),
		ConsumerName: cfg.GetConsumerName(),
		AckWait:      cfg.GetVisibilityTimeout(),
		MaxDeliver:   cfg.GetMaxDeliveryAttempts() + 2,
	}, logger)
}

// Capabilities returns the capabilities of this broker system.
func Capabilities() transport.Capabilities {
	return transport.JetStreamCapabilities
}

const (
	// DefaultMaxDeliver is used when no delivery cap is configured.
	DefaultMaxDeliver = 7
	// DefaultAckWait is the default redelivery visibility timeout.
	DefaultAckWait = 30 * time.Second
	// DefaultDuplicateWindow is the stream's native dedup window for
	// Nats-Msg-Id headers.
	DefaultDuplicateWindow = 15 * time.Minute
)

// Config holds the JetStream-specific settings.
type Config struct {
	// URL is the NATS server URL.
	URL string
	// StreamName is the stream holding every queue subject.
	StreamName string
	// ConsumerName prefixes the durable consumer names.
	ConsumerName string
	// MaxDeliver caps broker-side redeliveries per message.
	MaxDeliver int
	// AckWait is how long an unacknowledged delivery stays invisible before
	// JetStream offers it again.
	AckWait time.Duration
	// DuplicateWindow is the stream's native publish dedup window.
	DuplicateWindow time.Duration
	// Replicas is the stream replica count.
	Replicas int
}

func (c Config) withDefaults() Config {
	if c.StreamName == "" {
		c.StreamName = "RELAYKIT"
	}
	if c.ConsumerName == "" {
		c.ConsumerName = "relaykit"
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = DefaultMaxDeliver
	}
	if c.AckWait <= 0 {
		c.AckWait = DefaultAckWait
	}
	if c.DuplicateWindow <= 0 {
		c.DuplicateWindow = DefaultDuplicateWindow
	}
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
	return c
}

// subjectToken flattens a queue name into a single subject token. Queue
// names may carry dots (events.quarantine), which would otherwise split
// into subject levels.
func subjectToken(queue string) string {
	return strings.ReplaceAll(queue, ".", "_")
}

// Broker is the JetStream-backed transport.Broker.
type Broker struct {
	cfg    Config
	logger logging.ServiceLogger

	nc *nats.Conn
	js nats.JetStreamContext

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
}

var _ transport.Broker = (*Broker)(nil)

// New connects to NATS and ensures the stream exists.
func New(ctx context.Context, cfg Config, logger logging.ServiceLogger) (*Broker, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	nc, err := ConnectFunc(cfg.URL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, &transport.ConnectionError{Err: fmt.Errorf("connect to NATS: %w", err)}
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, &transport.ConnectionError{Err: fmt.Errorf("create JetStream context: %w", err)}
	}

	b := &Broker{
		cfg:    cfg,
		logger: logger,
		nc:     nc,
		js:     js,
		subs:   make(map[*subscription]struct{}),
	}

	if err := b.ensureStream(); err != nil {
		nc.Close()
		return nil, &transport.ConnectionError{Err: err}
	}
	return b, nil
}

func (b *Broker) ensureStream() error {
	streamCfg := &nats.StreamConfig{
		Name:       b.cfg.StreamName,
		Subjects:   []string{b.cfg.StreamName + ".>"},
		Retention:  nats.LimitsPolicy,
		Storage:    nats.FileStorage,
		Replicas:   b.cfg.Replicas,
		Duplicates: b.cfg.DuplicateWindow,
	}

	if _, err := b.js.AddStream(streamCfg); err != nil {
		if _, err = b.js.UpdateStream(streamCfg); err != nil {
			return fmt.Errorf("ensure stream %q: %w", b.cfg.StreamName, err)
		}
	}
	return nil
}

func (b *Broker) subjectFor(queue string) string {
	return b.cfg.StreamName + "." + subjectToken(queue)
}

func (b *Broker) consumerFor(queue string) string {
	return b.cfg.ConsumerName + "_" + subjectToken(queue)
}

// Publish writes one message to the queue's subject and waits for the stream
// acknowledgment. The Nats-Msg-Id header carries the envelope ID, so the
// stream suppresses re-publishes inside its duplicate window and reports
// them through PublishResult.Duplicate.
func (b *Broker) Publish(ctx context.Context, queue string, pub transport.Publishing) (transport.PublishResult, error) {
	if b.isClosed() {
		return transport.PublishResult{}, transport.ErrClosed
	}

	msg := &nats.Msg{
		Subject: b.subjectFor(queue),
		Data:    pub.Body,
		Header:  nats.Header{},
	}
	if pub.MessageID != "" {
		msg.Header.Set(nats.MsgIdHdr, pub.MessageID)
	}
	if pub.ContentType != "" {
		msg.Header.Set("Content-Type", pub.ContentType)
	}

	pa, err := b.js.PublishMsg(msg, nats.Context(ctx))
	if err != nil {
		return transport.PublishResult{}, classifyPublishErr(ctx, queue, err)
	}
	return transport.PublishResult{Duplicate: pa.Duplicate}, nil
}

func classifyPublishErr(ctx context.Context, queue string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout):
		return fmt.Errorf("%w: publish to %q: %v", transport.ErrConfirmTimeout, queue, err)
	case errors.Is(err, nats.ErrMaxPayload):
		return fmt.Errorf("%w: publish to %q: %v", transport.ErrRejected, queue, err)
	default:
		return fmt.Errorf("%w: publish to %q: %v", transport.ErrUnreachable, queue, err)
	}
}

// Consume ensures a durable pull consumer for the queue and starts the fetch
// loop. MaxAckPending 1 keeps a single in-flight delivery so redeliveries
// cannot overtake later messages.
func (b *Broker) Consume(ctx context.Context, queue string, fn func(transport.Delivery)) (transport.Subscription, error) {
	if b.isClosed() {
		return nil, transport.ErrClosed
	}

	subject := b.subjectFor(queue)
	durable := b.consumerFor(queue)

	consumerCfg := &nats.ConsumerConfig{
		Durable:       durable,
		FilterSubject: subject,
		AckPolicy:     nats.AckExplicitPolicy,
		AckWait:       b.cfg.AckWait,
		MaxDeliver:    b.cfg.MaxDeliver,
		MaxAckPending: 1,
		DeliverPolicy: nats.DeliverAllPolicy,
	}

	if _, err := b.js.AddConsumer(b.cfg.StreamName, consumerCfg); err != nil {
		if _, err = b.js.UpdateConsumer(b.cfg.StreamName, consumerCfg); err != nil {
			return nil, fmt.Errorf("%w: ensure consumer %q: %v", transport.ErrUnreachable, durable, err)
		}
	}

	pullSub, err := b.js.PullSubscribe(subject, durable, nats.Bind(b.cfg.StreamName, durable))
	if err != nil {
		return nil, fmt.Errorf("%w: subscribe %q: %v", transport.ErrUnreachable, subject, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		pull:   pullSub,
		fn:     fn,
		ctx:    subCtx,
		cancel: cancel,
		done:   make(chan struct{}),
		logger: b.logger,
		queue:  queue,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		cancel()
		pullSub.Unsubscribe()
		return nil, transport.ErrClosed
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go func() {
		sub.run()
		b.removeSub(sub)
	}()

	b.logger.Debug("jetstream consumer started", logging.LogFields{
		"queue":   queue,
		"durable": durable,
	})
	return sub, nil
}

// Close terminates subscriptions and drops the NATS connection.
func (b *Broker) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
	for _, s := range subs {
		select {
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	b.nc.Close()
	return nil
}

func (b *Broker) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Broker) removeSub(s *subscription) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}

// subscription drives one durable pull consumer.
type subscription struct {
	pull   *nats.Subscription
	fn     func(transport.Delivery)
	queue  string
	logger logging.ServiceLogger

	ctx    context.Context
	cancel context.CancelFunc

	done      chan struct{}
	closeOnce sync.Once

	mu  sync.Mutex
	err error
}

var _ transport.Subscription = (*subscription)(nil)

func (s *subscription) run() {
	defer close(s.done)
	defer s.pull.Unsubscribe()

	for {
		if s.ctx.Err() != nil {
			return
		}

		msgs, err := s.pull.Fetch(1, nats.MaxWait(time.Second))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if s.ctx.Err() != nil {
				return
			}
			if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
				s.fail(&transport.ConnectionError{Err: err})
				return
			}
			// The nats client reconnects on its own; keep fetching.
			s.logger.Debug("jetstream fetch failed, retrying", logging.LogFields{
				"queue": s.queue,
				"error": err.Error(),
			})
			continue
		}

		for _, m := range msgs {
			if s.ctx.Err() != nil {
				// Leave unacked; AckWait redelivers it.
				return
			}
			s.fn(&delivery{msg: m})
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

// Close stops fetching. In-flight callback deliveries finish first.
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

// delivery adapts one JetStream message.
type delivery struct {
	msg *nats.Msg
}

var _ transport.Delivery = (*delivery)(nil)

func (d *delivery) Body() []byte      { return d.msg.Data }
func (d *delivery) MessageID() string { return d.msg.Header.Get(nats.MsgIdHdr) }

// Attempt returns the stream's delivery count, 0 when the message carries no
// metadata.
func (d *delivery) Attempt() int {
	md, err := d.msg.Metadata()
	if err != nil {
		return 0
	}
	return int(md.NumDelivered)
}

func (d *delivery) Redelivered() bool { return d.Attempt() > 1 }

func (d *delivery) Ack(ctx context.Context) error {
	return d.msg.AckSync(nats.Context(ctx))
}

func (d *delivery) NackRequeue(ctx context.Context) error {
	return d.msg.Nak()
}

// NackDiscard terminates redelivery stream-side. JetStream has no native
// dead-letter queue, so the register publishes the quarantine copy itself
// before discarding.
func (d *delivery) NackDiscard(ctx context.Context) error {
	return d.msg.Term()
}
