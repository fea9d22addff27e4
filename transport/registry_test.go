package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaykit/relaykit/logging"
)

// Mock config for testing
type mockConfig struct {
	brokerSystem string
}

func (m *mockConfig) GetBrokerSystem() string                { return m.brokerSystem }
func (m *mockConfig) GetBrokerURL() string                   { return "" }
func (m *mockConfig) GetHeartbeat() time.Duration            { return 0 }
func (m *mockConfig) GetChannelPoolSize() int                { return 0 }
func (m *mockConfig) GetNATSURL() string                     { return "" }
func (m *mockConfig) GetStreamName() string                  { return "" }
func (m *mockConfig) GetRedisAddr() string                   { return "" }
func (m *mockConfig) GetRedisPassword() string               { return "" }
func (m *mockConfig) GetRedisDB() int                        { return 0 }
func (m *mockConfig) GetQueue() string                       { return "" }
func (m *mockConfig) GetQuarantineQueue() string             { return "" }
func (m *mockConfig) GetConsumerName() string                { return "" }
func (m *mockConfig) GetPrefetch() int                       { return 0 }
func (m *mockConfig) GetVisibilityTimeout() time.Duration    { return 0 }
func (m *mockConfig) GetMaxDeliveryAttempts() int            { return 0 }
func (m *mockConfig) GetPublishTimeout() time.Duration       { return 0 }
func (m *mockConfig) GetRetryInitialInterval() time.Duration { return 0 }
func (m *mockConfig) GetRetryMaxInterval() time.Duration     { return 0 }
func (m *mockConfig) GetRetryMultiplier() float64            { return 0 }

// Mock broker
type mockBroker struct{}

func (m *mockBroker) Publish(ctx context.Context, queue string, pub Publishing) (PublishResult, error) {
	return PublishResult{}, nil
}

func (m *mockBroker) Consume(ctx context.Context, queue string, fn func(Delivery)) (Subscription, error) {
	return nil, errors.New("not implemented")
}

func (m *mockBroker) Close(ctx context.Context) error {
	return nil
}

func mockBuilder(ctx context.Context, cfg Config, logger logging.ServiceLogger) (Broker, error) {
	return &mockBroker{}, nil
}

func TestNewRegistry(t *testing.T) {
	reg := NewRegistry()
	assert.NotNil(t, reg)
	assert.NotNil(t, reg.builders)
	assert.NotNil(t, reg.capabilities)
	assert.Empty(t, reg.Names())
}

func TestRegistry_Register(t *testing.T) {
	reg := NewRegistry()

	reg.Register("test-broker", mockBuilder)
	assert.True(t, reg.Has("test-broker"))
	assert.Contains(t, reg.Names(), "test-broker")
}

func TestRegistry_RegisterWithCapabilities(t *testing.T) {
	reg := NewRegistry()

	caps := Capabilities{
		Name:              "test-broker",
		SupportsOrdering:  true,
		SupportsNativeDLQ: true,
	}

	reg.RegisterWithCapabilities("test-broker", mockBuilder, caps)

	assert.True(t, reg.Has("test-broker"))
	retrievedCaps := reg.GetCapabilities("test-broker")
	assert.Equal(t, "test-broker", retrievedCaps.Name)
	assert.True(t, retrievedCaps.SupportsOrdering)
	assert.True(t, retrievedCaps.SupportsNativeDLQ)
}

func TestRegistry_GetCapabilities_Unknown(t *testing.T) {
	reg := NewRegistry()
	caps := reg.GetCapabilities("unknown")
	assert.Equal(t, "unknown", caps.Name)
	assert.False(t, caps.SupportsOrdering)
	assert.False(t, caps.SupportsNativeDLQ)
}

func TestRegistry_Build(t *testing.T) {
	reg := NewRegistry()
	reg.Register("test-broker", mockBuilder)

	cfg := &mockConfig{brokerSystem: "test-broker"}
	ctx := context.Background()

	broker, err := reg.Build(ctx, cfg, nil)
	require.NoError(t, err)
	assert.NotNil(t, broker)
}

func TestRegistry_Build_NilConfig(t *testing.T) {
	reg := NewRegistry()
	ctx := context.Background()

	_, err := reg.Build(ctx, nil, nil)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "config is required")
}

func TestRegistry_Build_UnknownSystem(t *testing.T) {
	reg := NewRegistry()
	cfg := &mockConfig{brokerSystem: "unknown-broker"}
	ctx := context.Background()

	_, err := reg.Build(ctx, cfg, nil)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown broker system")
}

func TestRegistry_Build_BuilderError(t *testing.T) {
	reg := NewRegistry()

	expectedErr := errors.New("builder error")
	builder := func(ctx context.Context, cfg Config, logger logging.ServiceLogger) (Broker, error) {
		return nil, expectedErr
	}

	reg.Register("failing-broker", builder)
	cfg := &mockConfig{brokerSystem: "failing-broker"}
	ctx := context.Background()

	_, err := reg.Build(ctx, cfg, nil)
	assert.Error(t, err)
	assert.Equal(t, expectedErr, err)
}

func TestRegistry_Has(t *testing.T) {
	reg := NewRegistry()

	assert.False(t, reg.Has("test-broker"))

	reg.Register("test-broker", mockBuilder)
	assert.True(t, reg.Has("test-broker"))
	assert.False(t, reg.Has("other-broker"))
}

func TestRegistry_Names(t *testing.T) {
	reg := NewRegistry()

	assert.Empty(t, reg.Names())

	reg.Register("broker1", mockBuilder)
	reg.Register("broker2", mockBuilder)
	reg.Register("broker3", mockBuilder)

	names := reg.Names()
	assert.Len(t, names, 3)
	assert.Contains(t, names, "broker1")
	assert.Contains(t, names, "broker2")
	assert.Contains(t, names, "broker3")
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	reg := NewRegistry()

	// Register and read concurrently
	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func(idx int) {
			for j := 0; j < 100; j++ {
				reg.Register("broker", mockBuilder)
				reg.Has("broker")
				reg.Names()
				reg.GetCapabilities("broker")
			}
			done <- true
		}(i)
	}

	// Wait for all goroutines to complete
	for i := 0; i < 10; i++ {
		<-done
	}

	assert.True(t, reg.Has("broker"))
}

func TestGlobalRegistry(t *testing.T) {
	// Test that DefaultRegistry exists
	assert.NotNil(t, DefaultRegistry)

	// Note: We can't test the global Register functions without
	// potentially affecting other tests, since they share the
	// global DefaultRegistry
}

func TestBuildWithDefaultRegistry(t *testing.T) {
	// This tests the package-level Build function
	// We create a new test registry to avoid affecting global state

	cfg := &mockConfig{brokerSystem: "nonexistent"}
	ctx := context.Background()

	// Should fail with unknown broker system
	_, err := Build(ctx, cfg, nil)
	assert.Error(t, err)
}

func TestPackageLevelRegister(t *testing.T) {
	// Register a broker builder
	Register("test-pkg-broker", mockBuilder)

	// Verify it was registered in the default registry
	assert.True(t, DefaultRegistry.Has("test-pkg-broker"))
}

func TestPackageLevelRegisterWithCapabilities(t *testing.T) {
	caps := Capabilities{
		Name:             "test-pkg-caps-broker",
		SupportsOrdering: true,
	}

	// Register a broker with capabilities
	RegisterWithCapabilities("test-pkg-caps-broker", mockBuilder, caps)

	// Verify it was registered
	assert.True(t, DefaultRegistry.Has("test-pkg-caps-broker"))
	retrievedCaps := DefaultRegistry.GetCapabilities("test-pkg-caps-broker")
	assert.Equal(t, "test-pkg-caps-broker", retrievedCaps.Name)
	assert.True(t, retrievedCaps.SupportsOrdering)
}
