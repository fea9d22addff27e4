package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaykit/relaykit/transport"
)

type mockConfig struct{}

func (m *mockConfig) GetBrokerSystem() string                { return "memory" }
func (m *mockConfig) GetBrokerURL() string                   { return "" }
func (m *mockConfig) GetHeartbeat() time.Duration            { return 0 }
func (m *mockConfig) GetChannelPoolSize() int                { return 0 }
func (m *mockConfig) GetNATSURL() string                     { return "" }
func (m *mockConfig) GetStreamName() string                  { return "" }
func (m *mockConfig) GetRedisAddr() string                   { return "" }
func (m *mockConfig) GetRedisPassword() string               { return "" }
func (m *mockConfig) GetRedisDB() int                        { return 0 }
func (m *mockConfig) GetQueue() string                       { return "events" }
func (m *mockConfig) GetQuarantineQueue() string             { return "events.quarantine" }
func (m *mockConfig) GetConsumerName() string                { return "test" }
func (m *mockConfig) GetPrefetch() int                       { return 1 }
func (m *mockConfig) GetVisibilityTimeout() time.Duration    { return 0 }
func (m *mockConfig) GetMaxDeliveryAttempts() int            { return 5 }
func (m *mockConfig) GetPublishTimeout() time.Duration       { return time.Second }
func (m *mockConfig) GetRetryInitialInterval() time.Duration { return 0 }
func (m *mockConfig) GetRetryMaxInterval() time.Duration     { return 0 }
func (m *mockConfig) GetRetryMultiplier() float64            { return 0 }

func TestRegister(t *testing.T) {
	transport.DefaultRegistry = transport.NewRegistry()
	Register()

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "memory", caps.Name)
	assert.True(t, caps.SupportsOrdering)
	assert.True(t, caps.SupportsAck)
	assert.True(t, caps.SupportsNack)
	assert.False(t, caps.SupportsNativeDLQ)
}

func TestCapabilities(t *testing.T) {
	caps := Capabilities()
	assert.Equal(t, transport.MemoryCapabilities, caps)
	assert.Equal(t, "memory", caps.Name)
}

func TestTransportName(t *testing.T) {
	assert.Equal(t, "memory", TransportName)
}

func TestBuild(t *testing.T) {
	broker, err := Build(context.Background(), &mockConfig{}, nil)
	require.NoError(t, err)
	require.NotNil(t, broker)
	assert.NoError(t, broker.Close(context.Background()))
}

func publishString(t *testing.T, b *Broker, queue, id, body string) {
	t.Helper()
	_, err := b.Publish(context.Background(), queue, transport.Publishing{
		MessageID:   id,
		ContentType: "application/json",
		Timestamp:   time.Now(),
		Body:        []byte(body),
	})
	require.NoError(t, err)
}

type received struct {
	id       string
	body     string
	attempt  int
	redelive bool
}

func waitReceived(t *testing.T, ch <-chan received) received {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
		return received{}
	}
}

func waitDone(t *testing.T, sub transport.Subscription) {
	t.Helper()
	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for subscription to stop")
	}
}

func TestConsume_DeliversBacklogInOrder(t *testing.T) {
	b := NewBroker(nil)
	defer b.Close(context.Background())

	publishString(t, b, "events", "e1", "one")
	publishString(t, b, "events", "e2", "two")
	publishString(t, b, "events", "e3", "three")

	got := make(chan received, 3)
	sub, err := b.Consume(context.Background(), "events", func(d transport.Delivery) {
		got <- received{id: d.MessageID(), body: string(d.Body()), attempt: d.Attempt()}
		require.NoError(t, d.Ack(context.Background()))
	})
	require.NoError(t, err)
	defer sub.Close()

	for i, want := range []string{"e1", "e2", "e3"} {
		r := waitReceived(t, got)
		assert.Equal(t, want, r.id, "delivery %d", i)
		assert.Equal(t, 1, r.attempt)
	}
}

func TestNackRequeue_RedeliversBeforeLaterMessages(t *testing.T) {
	b := NewBroker(nil)
	defer b.Close(context.Background())

	publishString(t, b, "events", "e1", "one")
	publishString(t, b, "events", "e2", "two")

	got := make(chan received, 4)
	sub, err := b.Consume(context.Background(), "events", func(d transport.Delivery) {
		got <- received{id: d.MessageID(), attempt: d.Attempt(), redelive: d.Redelivered()}
		if d.MessageID() == "e1" && d.Attempt() < 3 {
			require.NoError(t, d.NackRequeue(context.Background()))
			return
		}
		require.NoError(t, d.Ack(context.Background()))
	})
	require.NoError(t, err)
	defer sub.Close()

	first := waitReceived(t, got)
	assert.Equal(t, "e1", first.id)
	assert.Equal(t, 1, first.attempt)
	assert.False(t, first.redelive)

	second := waitReceived(t, got)
	assert.Equal(t, "e1", second.id)
	assert.Equal(t, 2, second.attempt)
	assert.True(t, second.redelive)

	third := waitReceived(t, got)
	assert.Equal(t, "e1", third.id)
	assert.Equal(t, 3, third.attempt)

	fourth := waitReceived(t, got)
	assert.Equal(t, "e2", fourth.id)
	assert.Equal(t, 1, fourth.attempt)
}

func TestNackDiscard_DropsMessage(t *testing.T) {
	b := NewBroker(nil)
	defer b.Close(context.Background())

	publishString(t, b, "events", "e1", "one")
	publishString(t, b, "events", "e2", "two")

	got := make(chan received, 2)
	sub, err := b.Consume(context.Background(), "events", func(d transport.Delivery) {
		got <- received{id: d.MessageID()}
		if d.MessageID() == "e1" {
			require.NoError(t, d.NackDiscard(context.Background()))
			return
		}
		require.NoError(t, d.Ack(context.Background()))
	})
	require.NoError(t, err)
	defer sub.Close()

	assert.Equal(t, "e1", waitReceived(t, got).id)
	assert.Equal(t, "e2", waitReceived(t, got).id)

	select {
	case r := <-got:
		t.Fatalf("unexpected redelivery of %s", r.id)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConsume_SecondConsumerRejected(t *testing.T) {
	b := NewBroker(nil)
	defer b.Close(context.Background())

	sub, err := b.Consume(context.Background(), "events", func(d transport.Delivery) {
		_ = d.Ack(context.Background())
	})
	require.NoError(t, err)
	defer sub.Close()

	_, err = b.Consume(context.Background(), "events", func(d transport.Delivery) {})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already has a consumer")

	// A different queue is fine.
	other, err := b.Consume(context.Background(), "other", func(d transport.Delivery) {
		_ = d.Ack(context.Background())
	})
	require.NoError(t, err)
	defer other.Close()
}

func TestClose_ReleasesConsumerSlot(t *testing.T) {
	b := NewBroker(nil)
	defer b.Close(context.Background())

	sub, err := b.Consume(context.Background(), "events", func(d transport.Delivery) {
		_ = d.Ack(context.Background())
	})
	require.NoError(t, err)

	require.NoError(t, sub.Close())
	waitDone(t, sub)
	assert.NoError(t, sub.Err())

	replacement, err := b.Consume(context.Background(), "events", func(d transport.Delivery) {
		_ = d.Ack(context.Background())
	})
	require.NoError(t, err)
	defer replacement.Close()
}

func TestResubscribe_RetainsUnsettledMessage(t *testing.T) {
	b := NewBroker(nil)
	defer b.Close(context.Background())

	publishString(t, b, "events", "e1", "one")

	var sub transport.Subscription
	ready := make(chan struct{})
	firstSeen := make(chan received, 1)
	sub, err := b.Consume(context.Background(), "events", func(d transport.Delivery) {
		<-ready
		firstSeen <- received{id: d.MessageID(), attempt: d.Attempt()}
		require.NoError(t, d.NackRequeue(context.Background()))
		// Closing from inside the callback must not deadlock.
		require.NoError(t, sub.Close())
	})
	require.NoError(t, err)
	close(ready)

	first := waitReceived(t, firstSeen)
	assert.Equal(t, "e1", first.id)
	assert.Equal(t, 1, first.attempt)
	waitDone(t, sub)

	got := make(chan received, 1)
	replacement, err := b.Consume(context.Background(), "events", func(d transport.Delivery) {
		got <- received{id: d.MessageID(), attempt: d.Attempt(), redelive: d.Redelivered()}
		require.NoError(t, d.Ack(context.Background()))
	})
	require.NoError(t, err)
	defer replacement.Close()

	r := waitReceived(t, got)
	assert.Equal(t, "e1", r.id)
	assert.Equal(t, 2, r.attempt)
	assert.True(t, r.redelive)
}

func TestUnsettledDelivery_IsRedelivered(t *testing.T) {
	b := NewBroker(nil)
	defer b.Close(context.Background())

	publishString(t, b, "events", "e1", "one")

	got := make(chan received, 2)
	sub, err := b.Consume(context.Background(), "events", func(d transport.Delivery) {
		got <- received{id: d.MessageID(), attempt: d.Attempt()}
		if d.Attempt() > 1 {
			require.NoError(t, d.Ack(context.Background()))
		}
		// First delivery returns without settling.
	})
	require.NoError(t, err)
	defer sub.Close()

	assert.Equal(t, 1, waitReceived(t, got).attempt)
	assert.Equal(t, 2, waitReceived(t, got).attempt)
}

func TestDelivery_RepeatSettleIgnored(t *testing.T) {
	b := NewBroker(nil)
	defer b.Close(context.Background())

	publishString(t, b, "events", "e1", "one")
	publishString(t, b, "events", "e2", "two")

	got := make(chan received, 2)
	sub, err := b.Consume(context.Background(), "events", func(d transport.Delivery) {
		got <- received{id: d.MessageID()}
		require.NoError(t, d.Ack(context.Background()))
		// The late requeue must not win over the ack.
		require.NoError(t, d.NackRequeue(context.Background()))
	})
	require.NoError(t, err)
	defer sub.Close()

	assert.Equal(t, "e1", waitReceived(t, got).id)
	assert.Equal(t, "e2", waitReceived(t, got).id)

	select {
	case r := <-got:
		t.Fatalf("unexpected redelivery of %s", r.id)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublish_CopiesBody(t *testing.T) {
	b := NewBroker(nil)
	defer b.Close(context.Background())

	payload := []byte("original")
	_, err := b.Publish(context.Background(), "events", transport.Publishing{
		MessageID: "e1",
		Body:      payload,
	})
	require.NoError(t, err)
	copy(payload, "mutated!")

	got := make(chan received, 1)
	sub, err := b.Consume(context.Background(), "events", func(d transport.Delivery) {
		got <- received{body: string(d.Body())}
		require.NoError(t, d.Ack(context.Background()))
	})
	require.NoError(t, err)
	defer sub.Close()

	assert.Equal(t, "original", waitReceived(t, got).body)
}

func TestBrokerClose_FailsActiveSubscription(t *testing.T) {
	b := NewBroker(nil)

	sub, err := b.Consume(context.Background(), "events", func(d transport.Delivery) {
		_ = d.Ack(context.Background())
	})
	require.NoError(t, err)

	require.NoError(t, b.Close(context.Background()))
	waitDone(t, sub)
	assert.ErrorIs(t, sub.Err(), transport.ErrClosed)

	_, err = b.Publish(context.Background(), "events", transport.Publishing{MessageID: "e1", Body: []byte("x")})
	assert.ErrorIs(t, err, transport.ErrClosed)

	_, err = b.Consume(context.Background(), "events", func(d transport.Delivery) {})
	assert.ErrorIs(t, err, transport.ErrClosed)

	// Close is idempotent.
	assert.NoError(t, b.Close(context.Background()))
}

func TestConsume_ParentContextCancel(t *testing.T) {
	b := NewBroker(nil)
	defer b.Close(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := b.Consume(ctx, "events", func(d transport.Delivery) {
		_ = d.Ack(context.Background())
	})
	require.NoError(t, err)

	cancel()
	waitDone(t, sub)
	assert.NoError(t, sub.Err())
}

func TestPublish_Validation(t *testing.T) {
	b := NewBroker(nil)
	defer b.Close(context.Background())

	_, err := b.Publish(context.Background(), "", transport.Publishing{MessageID: "e1"})
	assert.Error(t, err)

	_, err = b.Consume(context.Background(), "", func(d transport.Delivery) {})
	assert.Error(t, err)

	_, err = b.Consume(context.Background(), "events", nil)
	assert.Error(t, err)
}
