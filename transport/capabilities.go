package transport

// Capabilities describes the features supported by a broker backend.
// Use this to introspect what delivery guarantees are available at runtime.
type Capabilities struct {
	// SupportsOrdering indicates a single consumer observes messages in
	// enqueue order within one queue.
	SupportsOrdering bool

	// SupportsAck indicates the broker supports explicit message
	// acknowledgment.
	SupportsAck bool

	// SupportsNack indicates the broker supports negative acknowledgment
	// with redelivery.
	SupportsNack bool

	// SupportsNativeDLQ indicates the broker has built-in dead letter
	// routing. When false, quarantine copies are written by the register at
	// the application level.
	SupportsNativeDLQ bool

	// SupportsPublishDedup indicates the broker natively suppresses
	// duplicate message IDs within its dedup window.
	SupportsPublishDedup bool

	// SupportsDelayedRequeue indicates requeued messages come back after a
	// visibility delay rather than immediately.
	SupportsDelayedRequeue bool

	// MaxMessageSize is the maximum message size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64

	// Name is the human-readable name of the broker system.
	Name string
}

// RequiresDLQEmulation returns true if the broker needs application-level
// quarantine routing because it doesn't support native dead letter queues.
func (c Capabilities) RequiresDLQEmulation() bool {
	return !c.SupportsNativeDLQ
}

// RequiresPublishDedup returns true if the register must deduplicate
// publishes itself because the broker doesn't suppress duplicate IDs.
func (c Capabilities) RequiresPublishDedup() bool {
	return !c.SupportsPublishDedup
}

// SupportsReliableDelivery returns true if the broker supports
// at-least-once delivery semantics (ack + nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// Predefined capability sets for the built-in adapters.
var (
	// RabbitMQCapabilities for RabbitMQ/AMQP brokers.
	RabbitMQCapabilities = Capabilities{
		Name:                   "rabbitmq",
		SupportsOrdering:       true,
		SupportsAck:            true,
		SupportsNack:           true,
		SupportsNativeDLQ:      true,
		SupportsPublishDedup:   false,
		SupportsDelayedRequeue: false,
	}

	// JetStreamCapabilities for NATS JetStream brokers.
	JetStreamCapabilities = Capabilities{
		Name:                   "jetstream",
		SupportsOrdering:       true,
		SupportsAck:            true,
		SupportsNack:           true,
		SupportsNativeDLQ:      false,
		SupportsPublishDedup:   true,
		SupportsDelayedRequeue: true,
		MaxMessageSize:         1048576, // Default 1MB
	}

	// RedisStreamCapabilities for Redis Streams brokers.
	RedisStreamCapabilities = Capabilities{
		Name:                   "redisstream",
		SupportsOrdering:       true,
		SupportsAck:            true,
		SupportsNack:           true,
		SupportsNativeDLQ:      false,
		SupportsPublishDedup:   false,
		SupportsDelayedRequeue: true,
	}

	// MemoryCapabilities for the in-process broker.
	MemoryCapabilities = Capabilities{
		Name:                   "memory",
		SupportsOrdering:       true,
		SupportsAck:            true,
		SupportsNack:           true,
		SupportsNativeDLQ:      false,
		SupportsPublishDedup:   false,
		SupportsDelayedRequeue: false,
	}
)

// GetCapabilities returns the capabilities for a broker system by name.
// Uses the registry to look up capabilities registered by each adapter
// package. Returns a zero Capabilities struct if the name is unknown.
func GetCapabilities(name string) Capabilities {
	return DefaultRegistry.GetCapabilities(name)
}
