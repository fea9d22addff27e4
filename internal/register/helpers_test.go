package register

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/relaykit/relaykit/internal/register/config"
	"github.com/relaykit/relaykit/internal/register/event"
	"github.com/relaykit/relaykit/transport"
	"github.com/relaykit/relaykit/transport/memory"
)

// testConfig returns a config tuned for fast tests: millisecond backoff and
// a small publish timeout.
func testConfig() *config.Config {
	return &config.Config{
		BrokerSystem:         "memory",
		Queue:                "events",
		SourceTag:            "test-producer",
		PublishTimeout:       200 * time.Millisecond,
		PublishAttempts:      3,
		MaxDeliveryAttempts:  5,
		RetryInitialInterval: time.Millisecond,
		RetryMaxInterval:     5 * time.Millisecond,
		RetryMultiplier:      2.0,
	}
}

// newTestRegister wires a register over a fresh in-memory broker.
func newTestRegister(t *testing.T, conf *config.Config) (*Register, *memory.Broker) {
	t.Helper()

	broker := memory.NewBroker(nil)
	reg, err := New(context.Background(), conf, Dependencies{Broker: broker})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		reg.Close(ctx)
	})
	return reg, broker
}

// collector gathers delivered events and replies with scripted outcomes.
type collector struct {
	mu       sync.Mutex
	events   []event.Event
	outcomes []event.ConsumeOutcome
	notify   chan event.Event
}

func newCollector() *collector {
	return &collector{notify: make(chan event.Event, 64)}
}

// script sets the outcomes returned for successive deliveries; once the
// script runs out every delivery is acked.
func (c *collector) script(outcomes ...event.ConsumeOutcome) {
	c.mu.Lock()
	c.outcomes = outcomes
	c.mu.Unlock()
}

func (c *collector) callback(ev event.Event) event.ConsumeOutcome {
	c.mu.Lock()
	c.events = append(c.events, ev)
	outcome := event.OutcomeAck
	if len(c.outcomes) > 0 {
		outcome = c.outcomes[0]
		c.outcomes = c.outcomes[1:]
	}
	c.mu.Unlock()

	c.notify <- ev
	return outcome
}

func (c *collector) wait(t *testing.T) event.Event {
	t.Helper()
	select {
	case ev := <-c.notify:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a delivery")
		return event.Event{}
	}
}

func (c *collector) seen() []event.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]event.Event, len(c.events))
	copy(out, c.events)
	return out
}

// fakeBroker scripts publish results for error-path tests.
type fakeBroker struct {
	mu        sync.Mutex
	errs      []error
	calls     int
	published []transport.Publishing
	result    transport.PublishResult
}

var _ transport.Broker = (*fakeBroker)(nil)

func (f *fakeBroker) Publish(ctx context.Context, queue string, pub transport.Publishing) (transport.PublishResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.published = append(f.published, pub)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return transport.PublishResult{}, err
		}
	}
	return f.result, nil
}

func (f *fakeBroker) Consume(ctx context.Context, queue string, fn func(transport.Delivery)) (transport.Subscription, error) {
	return nil, transport.ErrClosed
}

func (f *fakeBroker) Close(ctx context.Context) error { return nil }

func (f *fakeBroker) publishCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
