// Package relaykit is a durable event relay register: producers hand events
// to RegisterEvent and get a broker-confirmed acknowledgment back, consumers
// attach a callback with ReadEvents and receive each event at least once, in
// order, until they settle it. The register reads the backing broker system
// (RabbitMQ, NATS JetStream, Redis Streams, or an in-process memory queue)
// from Config and keeps the two call sites identical across all of them.
//
// # Contract
//
// RegisterEvent returns only after the broker has confirmed the write, so a
// nil error means the event survives a process crash. Re-registering the
// same event ID inside the dedup window is an idempotent no-op returning the
// prior Ack. Failures carry a PublishError whose kind (unreachable,
// rejected, or timeout) tells the caller whether retrying can help;
// transient failures are already retried internally with exponential
// backoff and jitter before one surfaces.
//
// ReadEvents delivers events one at a time to the callback, which answers
// with an outcome: OutcomeAck settles the event, OutcomeRetryLater requeues
// it for another attempt, and OutcomeQuarantine moves a marked copy to the
// quarantine queue. Undecodable deliveries and events that exhaust their
// delivery attempts are quarantined automatically, so one poison message
// never wedges the queue. ReplayQuarantined feeds quarantined events back
// to their origin queue after the underlying fault is fixed.
//
// # Broker systems
//
//   - rabbitmq: AMQP queues with publisher confirms and a native dead-letter
//     route for discards
//   - jetstream: NATS JetStream streams with server-side publish dedup
//   - redisstream: Redis Streams consumer groups with pending-entry reclaim
//   - memory: in-process queues for tests and local development
//
// Built-in systems register themselves on import; blank-import the ones you
// deploy with, or the transports package for all of them. Custom brokers
// implement the transport.Broker interface and register a builder under a
// new name.
//
// # Observability
//
// Logging goes through the injected ServiceLogger (wrap an *slog.Logger
// with NewSlogServiceLogger). With metrics enabled the register exposes
// Prometheus counters and histograms for publishes, deliveries, requeues,
// quarantines, and replays, and a Dependencies.TracerProvider adds
// OpenTelemetry spans around the publish path and each callback run.
package relaykit
