package register

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/relaykit/relaykit/internal/register/envelope"
	"github.com/relaykit/relaykit/internal/register/errors"
	"github.com/relaykit/relaykit/internal/register/event"
	"github.com/relaykit/relaykit/transport"
	"github.com/relaykit/relaykit/transport/memory"
)

func TestReadEventsRequiresCallback(t *testing.T) {
	reg, _ := newTestRegister(t, testConfig())

	_, err := reg.ReadEvents(context.Background(), nil)
	if !stderrors.Is(err, errors.ErrCallbackRequired) {
		t.Fatalf("err = %v, want ErrCallbackRequired", err)
	}
}

func TestReadEventsAfterClose(t *testing.T) {
	reg, _ := newTestRegister(t, testConfig())
	if err := reg.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	_, err := reg.ReadEvents(context.Background(), func(event.Event) event.ConsumeOutcome {
		return event.OutcomeAck
	})
	if !stderrors.Is(err, errors.ErrRegisterClosed) {
		t.Fatalf("err = %v, want ErrRegisterClosed", err)
	}
}

func TestReadEventsSingleSubscription(t *testing.T) {
	reg, _ := newTestRegister(t, testConfig())
	ctx := context.Background()
	col := newCollector()

	sub, err := reg.ReadEvents(ctx, col.callback)
	if err != nil {
		t.Fatalf("ReadEvents: %v", err)
	}

	if _, err := reg.ReadEvents(ctx, col.callback); !stderrors.Is(err, errors.ErrSubscriptionActive) {
		t.Fatalf("second subscribe err = %v, want ErrSubscriptionActive", err)
	}

	if err := sub.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if err := sub.Err(); err != nil {
		t.Fatalf("cancelled subscription Err = %v, want nil", err)
	}

	next, err := reg.ReadEvents(ctx, col.callback)
	if err != nil {
		t.Fatalf("resubscribe after cancel: %v", err)
	}
	if err := next.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	reg, _ := newTestRegister(t, testConfig())
	col := newCollector()

	sub, err := reg.ReadEvents(context.Background(), col.callback)
	if err != nil {
		t.Fatalf("ReadEvents: %v", err)
	}
	if err := sub.Cancel(); err != nil {
		t.Fatalf("first Cancel: %v", err)
	}
	if err := sub.Cancel(); err != nil {
		t.Fatalf("second Cancel: %v", err)
	}

	select {
	case <-sub.Done():
	default:
		t.Fatal("Done not closed after Cancel")
	}
}

func TestReadEventsDeliversInOrder(t *testing.T) {
	reg, _ := newTestRegister(t, testConfig())
	ctx := context.Background()

	const n = 5
	for i := 0; i < n; i++ {
		ev := event.Event{
			ID:      fmt.Sprintf("evt-%d", i),
			Payload: []byte(fmt.Sprintf(`{"seq":%d}`, i)),
		}
		if _, err := reg.RegisterEvent(ctx, ev); err != nil {
			t.Fatalf("RegisterEvent %d: %v", i, err)
		}
	}

	col := newCollector()
	sub, err := reg.ReadEvents(ctx, col.callback)
	if err != nil {
		t.Fatalf("ReadEvents: %v", err)
	}
	defer sub.Cancel()

	for i := 0; i < n; i++ {
		ev := col.wait(t)
		if want := fmt.Sprintf("evt-%d", i); ev.ID != want {
			t.Fatalf("delivery %d has ID %q, want %q", i, ev.ID, want)
		}
		if ev.AttemptCount != 0 {
			t.Fatalf("first delivery of %s has AttemptCount %d", ev.ID, ev.AttemptCount)
		}
		if ev.Source != "test-producer" {
			t.Fatalf("delivered source = %q", ev.Source)
		}
	}
}

func TestRetryLaterRedeliversWithAttemptCount(t *testing.T) {
	reg, _ := newTestRegister(t, testConfig())
	ctx := context.Background()

	if _, err := reg.RegisterEvent(ctx, event.Event{ID: "flaky", Payload: []byte("x")}); err != nil {
		t.Fatalf("RegisterEvent: %v", err)
	}

	col := newCollector()
	col.script(event.OutcomeRetryLater, event.OutcomeRetryLater, event.OutcomeRetryLater)

	sub, err := reg.ReadEvents(ctx, col.callback)
	if err != nil {
		t.Fatalf("ReadEvents: %v", err)
	}
	defer sub.Cancel()

	for want := 0; want <= 3; want++ {
		ev := col.wait(t)
		if ev.AttemptCount != want {
			t.Fatalf("delivery %d has AttemptCount %d", want, ev.AttemptCount)
		}
	}
	if got := len(col.seen()); got != 4 {
		t.Fatalf("callback ran %d times, want 4", got)
	}
}

func TestCallbackQuarantine(t *testing.T) {
	reg, broker := newTestRegister(t, testConfig())
	ctx := context.Background()

	if _, err := reg.RegisterEvent(ctx, event.Event{ID: "bad", Payload: []byte(`{"k":1}`)}); err != nil {
		t.Fatalf("RegisterEvent: %v", err)
	}

	col := newCollector()
	col.script(event.OutcomeQuarantine)

	sub, err := reg.ReadEvents(ctx, col.callback)
	if err != nil {
		t.Fatalf("ReadEvents: %v", err)
	}
	defer sub.Cancel()
	col.wait(t)

	env := waitQuarantined(t, broker, "events.quarantine")
	if env.ID != "bad" {
		t.Fatalf("quarantined ID = %q", env.ID)
	}
	if env.Quarantine == nil {
		t.Fatal("quarantine mark missing")
	}
	if env.Quarantine.Reason != reasonCallback {
		t.Fatalf("reason = %q", env.Quarantine.Reason)
	}
	if env.Quarantine.OriginQueue != "events" {
		t.Fatalf("origin = %q", env.Quarantine.OriginQueue)
	}
}

func TestDecodeErrorQuarantinesAndContinues(t *testing.T) {
	reg, broker := newTestRegister(t, testConfig())
	ctx := context.Background()

	// A payload no envelope schema accepts, planted directly on the queue.
	if _, err := broker.Publish(ctx, "events", transport.Publishing{
		MessageID: "poison-1",
		Body:      []byte("not json at all"),
	}); err != nil {
		t.Fatalf("plant poison: %v", err)
	}
	if _, err := reg.RegisterEvent(ctx, event.Event{ID: "good", Payload: []byte("x")}); err != nil {
		t.Fatalf("RegisterEvent: %v", err)
	}

	col := newCollector()
	sub, err := reg.ReadEvents(ctx, col.callback)
	if err != nil {
		t.Fatalf("ReadEvents: %v", err)
	}
	defer sub.Cancel()

	// The callback must only ever see the healthy event.
	ev := col.wait(t)
	if ev.ID != "good" {
		t.Fatalf("delivered ID = %q, want the healthy event", ev.ID)
	}

	env := waitQuarantined(t, broker, "events.quarantine")
	if env.ID != "poison-1" {
		t.Fatalf("quarantined ID = %q", env.ID)
	}
	if env.Quarantine.Reason != reasonDecodeError {
		t.Fatalf("reason = %q", env.Quarantine.Reason)
	}
	if string(env.Payload) != "not json at all" {
		t.Fatalf("raw bytes not preserved: %q", env.Payload)
	}
	// First delivery: no prior attempts, same accounting as the callback
	// paths even though the broker reports a 1-based delivery count.
	if env.Quarantine.Attempts != 0 {
		t.Fatalf("mark attempts = %d, want 0", env.Quarantine.Attempts)
	}
}

func TestRetryLaterExhaustionQuarantines(t *testing.T) {
	conf := testConfig()
	conf.MaxDeliveryAttempts = 2
	reg, broker := newTestRegister(t, conf)
	ctx := context.Background()

	if _, err := reg.RegisterEvent(ctx, event.Event{ID: "stuck", Payload: []byte("x")}); err != nil {
		t.Fatalf("RegisterEvent: %v", err)
	}

	col := newCollector()
	col.script(
		event.OutcomeRetryLater,
		event.OutcomeRetryLater,
		event.OutcomeRetryLater,
	)

	sub, err := reg.ReadEvents(ctx, col.callback)
	if err != nil {
		t.Fatalf("ReadEvents: %v", err)
	}
	defer sub.Cancel()

	env := waitQuarantined(t, broker, "events.quarantine")
	if env.ID != "stuck" {
		t.Fatalf("quarantined ID = %q", env.ID)
	}
	if env.Quarantine.Reason != reasonAttemptsExceeded {
		t.Fatalf("reason = %q", env.Quarantine.Reason)
	}
	// Attempts 0, 1 and 2 ran; the bump past the cap quarantined instead of
	// requeueing a fourth time.
	if got := len(col.seen()); got != 3 {
		t.Fatalf("callback ran %d times, want 3", got)
	}
}

func TestCallbackPanicRetriesDelivery(t *testing.T) {
	reg, _ := newTestRegister(t, testConfig())
	ctx := context.Background()

	if _, err := reg.RegisterEvent(ctx, event.Event{ID: "boom", Payload: []byte("x")}); err != nil {
		t.Fatalf("RegisterEvent: %v", err)
	}

	delivered := make(chan event.Event, 2)
	calls := 0
	sub, err := reg.ReadEvents(ctx, func(ev event.Event) event.ConsumeOutcome {
		calls++
		delivered <- ev
		if calls == 1 {
			panic("first delivery explodes")
		}
		return event.OutcomeAck
	})
	if err != nil {
		t.Fatalf("ReadEvents: %v", err)
	}
	defer sub.Cancel()

	first := <-delivered
	if first.AttemptCount != 0 {
		t.Fatalf("first AttemptCount = %d", first.AttemptCount)
	}
	select {
	case second := <-delivered:
		if second.AttemptCount != 1 {
			t.Fatalf("redelivery AttemptCount = %d, want 1", second.AttemptCount)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no redelivery after panic")
	}
}

// waitQuarantined consumes the quarantine queue until one decodable envelope
// arrives and returns it.
func waitQuarantined(t *testing.T, broker *memory.Broker, queue string) *envelope.Envelope {
	t.Helper()

	got := make(chan *envelope.Envelope, 1)
	sub, err := broker.Consume(context.Background(), queue, func(d transport.Delivery) {
		env, err := envelope.Decode(d.Body())
		d.Ack(context.Background())
		if err != nil {
			t.Errorf("quarantine entry does not decode: %v", err)
			return
		}
		select {
		case got <- env:
		default:
		}
	})
	if err != nil {
		t.Fatalf("consume quarantine queue: %v", err)
	}
	defer func() {
		sub.Close()
		<-sub.Done()
	}()

	select {
	case env := <-got:
		return env
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a quarantined envelope")
		return nil
	}
}

// terminalBroker hands out one scripted subscription the test can kill, the
// way a transport does when channel replacement exhausts its budget.
type terminalBroker struct {
	sub *terminalSub
}

func (b *terminalBroker) Publish(ctx context.Context, queue string, pub transport.Publishing) (transport.PublishResult, error) {
	return transport.PublishResult{}, nil
}

func (b *terminalBroker) Consume(ctx context.Context, queue string, fn func(transport.Delivery)) (transport.Subscription, error) {
	return b.sub, nil
}

func (b *terminalBroker) Close(ctx context.Context) error { return nil }

type terminalSub struct {
	done chan struct{}
	once sync.Once

	mu  sync.Mutex
	err error
}

func (s *terminalSub) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *terminalSub) Done() <-chan struct{} { return s.done }

func (s *terminalSub) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *terminalSub) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.once.Do(func() { close(s.done) })
}

func TestSubscriptionSurfacesTerminalTransportError(t *testing.T) {
	tsub := &terminalSub{done: make(chan struct{})}
	reg, err := New(context.Background(), testConfig(), Dependencies{
		Broker: &terminalBroker{sub: tsub},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer reg.Close(context.Background())

	sub, err := reg.ReadEvents(context.Background(), func(ev event.Event) event.ConsumeOutcome {
		return event.OutcomeAck
	})
	if err != nil {
		t.Fatalf("ReadEvents: %v", err)
	}
	if sub.Err() != nil {
		t.Fatalf("fresh subscription already failed: %v", sub.Err())
	}

	termErr := &transport.ConnectionError{Err: stderrors.New("replacement failed")}
	tsub.fail(termErr)

	select {
	case <-sub.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("subscription never turned terminal")
	}

	var connErr *transport.ConnectionError
	if !stderrors.As(sub.Err(), &connErr) {
		t.Fatalf("Err = %v, want a ConnectionError", sub.Err())
	}

	// The slot is free again; the caller can re-subscribe.
	tsub2 := &terminalSub{done: make(chan struct{})}
	reg.broker = &terminalBroker{sub: tsub2}
	sub2, err := reg.ReadEvents(context.Background(), func(ev event.Event) event.ConsumeOutcome {
		return event.OutcomeAck
	})
	if err != nil {
		t.Fatalf("re-subscribe after terminal error: %v", err)
	}
	sub2.Cancel()
}
