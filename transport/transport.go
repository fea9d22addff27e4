// Package transport defines the broker contract the register runs on. Each
// adapter (rabbitmq, jetstream, redisstream, memory) lives in its own
// sub-package and registers itself with the transport registry.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/relaykit/relaykit/logging"
)

// Classification sentinels. Adapters wrap native failures with one of these
// so the register can map them onto its error taxonomy with errors.Is.
var (
	// ErrUnreachable marks dial, connection, and channel failures that a
	// later attempt may outlast.
	ErrUnreachable = errors.New("relaykit: broker unreachable")
	// ErrRejected marks an explicit broker refusal (unroutable, refused
	// declare, negative confirm). Never retried.
	ErrRejected = errors.New("relaykit: broker rejected message")
	// ErrConfirmTimeout marks a publish whose confirmation did not arrive
	// within the publish timeout.
	ErrConfirmTimeout = errors.New("relaykit: publish confirm timed out")
	// ErrClosed marks operations on a closed broker.
	ErrClosed = errors.New("relaykit: broker closed")
)

// ConnectionError reports that a broker connection could not be established
// or was lost beyond recovery.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("relaykit: broker connection failed: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// State describes the broker connection lifecycle.
type State int32

const (
	StateConnecting State = iota
	StateReady
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// StateListener observes connection state transitions. Implementations must
// not block; adapters invoke listeners outside their locks.
type StateListener func(State)

// StateNotifier is implemented by brokers whose connection lifecycle is
// observable.
type StateNotifier interface {
	OnStateChange(listener StateListener)
}

// Publishing is one encoded envelope headed for a queue.
type Publishing struct {
	// MessageID carries the envelope ID for broker-native deduplication
	// where supported.
	MessageID   string
	ContentType string
	Timestamp   time.Time
	Body        []byte
}

// PublishResult reports broker-side publish outcomes.
type PublishResult struct {
	// Duplicate is set when the broker natively suppressed the message as a
	// duplicate of an earlier MessageID.
	Duplicate bool
}

// Delivery is one in-flight message instance. Exactly one of Ack,
// NackRequeue, or NackDiscard settles it; adapters ignore repeat calls.
type Delivery interface {
	Body() []byte
	// MessageID returns the publisher-assigned ID, empty when the broker
	// did not carry one.
	MessageID() string
	// Redelivered reports whether the broker already offered this message
	// before.
	Redelivered() bool
	// Attempt is the broker's delivery count hint, 0 when unknown.
	Attempt() int
	// Ack settles the delivery as processed.
	Ack(ctx context.Context) error
	// NackRequeue returns the delivery for a later attempt.
	NackRequeue(ctx context.Context) error
	// NackDiscard drops the delivery, routing to the broker's dead-letter
	// destination where one is configured.
	NackDiscard(ctx context.Context) error
}

// Subscription is one consume binding.
type Subscription interface {
	// Close stops deliveries. Safe to call more than once.
	Close() error
	// Done closes once the subscription stops for any reason.
	Done() <-chan struct{}
	// Err reports the terminal failure, or nil after a clean Close.
	Err() error
}

// Broker is the durable-queue contract.
//
// Publish returns only after the broker durably accepted the message
// (publisher-confirm semantics). Consume opens a single-consumer
// subscription: fn is invoked serially, in enqueue order, one delivery at a
// time; it must settle each delivery before returning. Close releases the
// connection and terminates subscriptions.
type Broker interface {
	Publish(ctx context.Context, queue string, pub Publishing) (PublishResult, error)
	Consume(ctx context.Context, queue string, fn func(Delivery)) (Subscription, error)
	Close(ctx context.Context) error
}

// Builder is the function signature for creating a broker from config. Each
// adapter package provides one and registers it.
type Builder func(ctx context.Context, cfg Config, logger logging.ServiceLogger) (Broker, error)

// Config provides the values adapters need without depending on the full
// config package.
type Config interface {
	// GetBrokerSystem returns the adapter name.
	GetBrokerSystem() string

	// RabbitMQ
	GetBrokerURL() string
	GetHeartbeat() time.Duration
	GetChannelPoolSize() int

	// NATS JetStream
	GetNATSURL() string
	GetStreamName() string

	// Redis Streams
	GetRedisAddr() string
	GetRedisPassword() string
	GetRedisDB() int

	// Queueing
	GetQueue() string
	GetQuarantineQueue() string
	GetConsumerName() string
	GetPrefetch() int
	GetVisibilityTimeout() time.Duration
	GetMaxDeliveryAttempts() int
	GetPublishTimeout() time.Duration

	// Backoff between connection and channel attempts
	GetRetryInitialInterval() time.Duration
	GetRetryMaxInterval() time.Duration
	GetRetryMultiplier() float64
}

// CapabilitiesProvider is implemented by adapters that report their
// capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}
