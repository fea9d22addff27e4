package register

import (
	"sync"

	"github.com/relaykit/relaykit/transport"
)

// Subscription is one active ReadEvents binding. It turns terminal either
// through Cancel or when the transport subscription dies beyond recovery;
// Err distinguishes the two.
type Subscription struct {
	queue string
	tsub  transport.Subscription

	done       chan struct{}
	cancelOnce sync.Once

	mu  sync.Mutex
	err error
}

func newSubscription(queue string, tsub transport.Subscription) *Subscription {
	return &Subscription{
		queue: queue,
		tsub:  tsub,
		done:  make(chan struct{}),
	}
}

// Queue returns the queue this subscription reads.
func (s *Subscription) Queue() string { return s.queue }

// Cancel stops accepting new deliveries, waits for the in-flight callback to
// finish, then releases the consume channel. Calling it twice is a no-op.
func (s *Subscription) Cancel() error {
	if s.tsub == nil {
		// Not yet bound to a transport subscription; nothing to release.
		return nil
	}
	s.cancelOnce.Do(func() {
		s.tsub.Close()
	})
	<-s.done
	return nil
}

// Done closes when the subscription has fully stopped.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err reports the terminal failure, or nil after a clean Cancel. A non-nil
// Err means the consume channel could not be replaced and the caller must
// re-subscribe.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// finish records the terminal state. Called exactly once by the monitor
// goroutine.
func (s *Subscription) finish(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	close(s.done)
}
