// Package redisstream backs the register with Redis Streams. Publishes are
// XADD entries; consuming uses a consumer group with an XREADGROUP poll loop
// plus an XAUTOCLAIM sweep that reclaims deliveries stuck pending past the
// visibility timeout. Streams have no negative acknowledgment, so a requeue
// simply leaves the entry pending for the sweep to pick up again.
package redisstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/relaykit/relaykit/logging"
	"github.com/relaykit/relaykit/transport"
)

// TransportName is the name used to register this broker system.
const TransportName = "redisstream"

// NewClientFunc creates the Redis client. Overridable for tests.
var NewClientFunc = func(opts *redis.Options) redis.UniversalClient {
	return redis.NewClient(opts)
}

// Stream entry field names.
const (
	fieldID          = "id"
	fieldContentType = "content_type"
	fieldPublishedAt = "published_at"
	fieldBody        = "body"
)

func init() {
	Register()
}

// Register adds the Redis Streams broker to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.RedisStreamCapabilities)
}

// Build creates a Redis Streams broker from config.
func Build(ctx context.Context, cfg transport.Config, logger logging.ServiceLogger) (transport.Broker, error) {
	return New(ctx, Config{
		Addr:     cfg.GetRedisAddr(),
		Password: cfg.GetRedisPassword(),
		DB:       cfg.GetRedisDB(),
		Group:    cfg.GetConsumerName(),
		Consumer: cfg.GetConsumerName(),
		Batch:    cfg.GetPrefetch(),
		MinIdle:  cfg.GetVisibilityTimeout(),
	}, logger)
}

// Capabilities returns the capabilities of this broker system.
func Capabilities() transport.Capabilities {
	return transport.RedisStreamCapabilities
}

const (
	// DefaultBlock is how long one XREADGROUP call blocks waiting for
	// entries.
	DefaultBlock = time.Second
	// DefaultMinIdle is the pending idle time after which the claim sweep
	// reclaims an entry.
	DefaultMinIdle = 30 * time.Second
)

// Config holds the Redis Streams-specific settings.
type Config struct {
	// Addr is the Redis host:port.
	Addr string
	// Username and Password authenticate the client.
	Username string
	Password string
	// DB selects the Redis database.
	DB int
	// Group is the consumer group per queue stream.
	Group string
	// Consumer is this instance's name inside the group.
	Consumer string
	// Batch bounds entries fetched per poll.
	Batch int
	// Block is the XREADGROUP block duration per poll.
	Block time.Duration
	// MinIdle is the visibility timeout: pending entries idle longer than
	// this are reclaimed and redelivered.
	MinIdle time.Duration
	// ClaimInterval is how often the sweep runs.
	ClaimInterval time.Duration
	// MaxLen approximately trims each stream when positive.
	MaxLen int64
}

func (c Config) withDefaults() Config {
	if c.Group == "" {
		c.Group = "relaykit"
	}
	if c.Consumer == "" {
		c.Consumer = c.Group
	}
	if c.Batch <= 0 {
		c.Batch = 1
	}
	if c.Block <= 0 {
		c.Block = DefaultBlock
	}
	if c.MinIdle <= 0 {
		c.MinIdle = DefaultMinIdle
	}
	if c.ClaimInterval <= 0 {
		c.ClaimInterval = c.MinIdle / 2
	}
	return c
}

// entryValues flattens a Publishing into stream entry fields.
func entryValues(pub transport.Publishing) map[string]any {
	vals := map[string]any{
		fieldBody:        string(pub.Body),
		fieldPublishedAt: pub.Timestamp.UnixNano(),
	}
	if pub.MessageID != "" {
		vals[fieldID] = pub.MessageID
	}
	if pub.ContentType != "" {
		vals[fieldContentType] = pub.ContentType
	}
	return vals
}

// entryBody pulls the payload back out of stream entry fields.
func entryBody(values map[string]any) []byte {
	if s, ok := values[fieldBody].(string); ok {
		return []byte(s)
	}
	return nil
}

// entryID pulls the publisher-assigned message ID out of entry fields.
func entryID(values map[string]any) string {
	if s, ok := values[fieldID].(string); ok {
		return s
	}
	return ""
}

// Broker is the Redis Streams-backed transport.Broker.
type Broker struct {
	cfg    Config
	logger logging.ServiceLogger
	client redis.UniversalClient

	mu     sync.Mutex
	groups map[string]bool
	subs   map[*subscription]struct{}
	closed bool
}

var _ transport.Broker = (*Broker)(nil)

// New connects the Redis client and verifies it with a ping.
func New(ctx context.Context, cfg Config, logger logging.ServiceLogger) (*Broker, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	client := NewClientFunc(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, &transport.ConnectionError{Err: fmt.Errorf("ping redis %q: %w", cfg.Addr, err)}
	}

	return &Broker{
		cfg:    cfg,
		logger: logger,
		client: client,
		groups: make(map[string]bool),
		subs:   make(map[*subscription]struct{}),
	}, nil
}

// Publish appends one entry to the queue's stream. XADD is replied to only
// after the entry is in the stream, which is as durable as the Redis
// persistence configuration makes it.
func (b *Broker) Publish(ctx context.Context, queue string, pub transport.Publishing) (transport.PublishResult, error) {
	if b.isClosed() {
		return transport.PublishResult{}, transport.ErrClosed
	}

	args := &redis.XAddArgs{
		Stream: queue,
		ID:     "*",
		Values: entryValues(pub),
	}
	if b.cfg.MaxLen > 0 {
		args.MaxLen = b.cfg.MaxLen
		args.Approx = true
	}

	if err := b.client.XAdd(ctx, args).Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return transport.PublishResult{}, fmt.Errorf("%w: xadd %q: %v", transport.ErrConfirmTimeout, queue, err)
		}
		return transport.PublishResult{}, fmt.Errorf("%w: xadd %q: %v", transport.ErrUnreachable, queue, err)
	}
	return transport.PublishResult{}, nil
}

// ensureGroup creates the consumer group from the start of the stream,
// creating the stream alongside it. BUSYGROUP means it already exists.
func (b *Broker) ensureGroup(ctx context.Context, queue string) error {
	b.mu.Lock()
	done := b.groups[queue]
	b.mu.Unlock()
	if done {
		return nil
	}

	err := b.client.XGroupCreateMkStream(ctx, queue, b.cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("%w: create group %q on %q: %v", transport.ErrUnreachable, b.cfg.Group, queue, err)
	}

	b.mu.Lock()
	b.groups[queue] = true
	b.mu.Unlock()
	return nil
}

// Consume starts the poll loop plus the claim sweep for one queue stream.
// Deliveries are handed to fn one at a time in stream order.
func (b *Broker) Consume(ctx context.Context, queue string, fn func(transport.Delivery)) (transport.Subscription, error) {
	if b.isClosed() {
		return nil, transport.ErrClosed
	}
	if err := b.ensureGroup(ctx, queue); err != nil {
		return nil, err
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		broker: b,
		queue:  queue,
		fn:     fn,
		ctx:    subCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		cancel()
		return nil, transport.ErrClosed
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go func() {
		sub.run()
		b.removeSub(sub)
	}()

	b.logger.Debug("redisstream consumer started", logging.LogFields{
		"queue": queue,
		"group": b.cfg.Group,
	})
	return sub, nil
}

// Close stops subscriptions and closes the client.
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

	return b.client.Close()
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
