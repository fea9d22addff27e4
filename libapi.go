package relaykit

import (
	registerpkg "github.com/relaykit/relaykit/internal/register"
	configpkg "github.com/relaykit/relaykit/internal/register/config"
	errspkg "github.com/relaykit/relaykit/internal/register/errors"
	eventpkg "github.com/relaykit/relaykit/internal/register/event"
	idspkg "github.com/relaykit/relaykit/internal/register/ids"
	"github.com/relaykit/relaykit/internal/register/jsoncodec"
	metricspkg "github.com/relaykit/relaykit/internal/register/metrics"
	loggingpkg "github.com/relaykit/relaykit/logging"
	transportpkg "github.com/relaykit/relaykit/transport"
)

type (
	Config       = configpkg.Config
	Register     = registerpkg.Register
	Dependencies = registerpkg.Dependencies
	Subscription = registerpkg.Subscription
	Callback     = registerpkg.Callback

	Event          = eventpkg.Event
	Ack            = eventpkg.Ack
	ConsumeOutcome = eventpkg.ConsumeOutcome

	PublishError          = errspkg.PublishError
	PublishErrorKind      = errspkg.PublishErrorKind
	ConfigValidationError = errspkg.ConfigValidationError

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	RegisterMetrics = metricspkg.RegisterMetrics
	MetricsSnapshot = metricspkg.Snapshot

	// Transport extension points. Implement Broker and register a Builder
	// to plug in a custom broker system.
	Broker                = transportpkg.Broker
	TransportBuilder      = transportpkg.Builder
	TransportRegistry     = transportpkg.Registry
	TransportCapabilities = transportpkg.Capabilities
	TransportConfig       = transportpkg.Config
	ConnectionState       = transportpkg.State
	ConnectionError       = transportpkg.ConnectionError
)

// Callback outcomes.
const (
	OutcomeAck        = eventpkg.OutcomeAck
	OutcomeRetryLater = eventpkg.OutcomeRetryLater
	OutcomeQuarantine = eventpkg.OutcomeQuarantine
)

// PublishError kinds.
const (
	PublishUnreachable = errspkg.PublishUnreachable
	PublishRejected    = errspkg.PublishRejected
	PublishTimeout     = errspkg.PublishTimeout
)

// Broker connectivity states, observable via Dependencies.OnStateChange.
const (
	StateConnecting   = transportpkg.StateConnecting
	StateReady        = transportpkg.StateReady
	StateReconnecting = transportpkg.StateReconnecting
	StateClosed       = transportpkg.StateClosed
)

var (
	New = registerpkg.New

	// Error classification for RegisterEvent failures.
	IsUnreachable = errspkg.IsUnreachable
	IsRejected    = errspkg.IsRejected
	IsTimeout     = errspkg.IsTimeout

	ErrConfigRequired     = errspkg.ErrConfigRequired
	ErrQueueRequired      = errspkg.ErrQueueRequired
	ErrCallbackRequired   = errspkg.ErrCallbackRequired
	ErrEmptyPayload       = errspkg.ErrEmptyPayload
	ErrRegisterClosed     = errspkg.ErrRegisterClosed
	ErrSubscriptionActive = errspkg.ErrSubscriptionActive

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewNopLogger         = loggingpkg.NewNopLogger

	NewRegisterMetrics = metricspkg.NewRegisterMetrics

	// Transport registry for custom broker systems.
	// Built-in systems self-register; import them via:
	//   _ "github.com/relaykit/relaykit/transport/rabbitmq"
	// or pull in all of them at once with the transports package.
	DefaultTransportRegistry = transportpkg.DefaultRegistry
	RegisterTransport        = transportpkg.Register
	TransportCaps            = transportpkg.GetCapabilities

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	CreateULID = idspkg.CreateULID
)
