package register

import "sync"

// attemptTracker counts RetryLater redeliveries per event ID. Brokers that
// report a native delivery count (JetStream, reclaimed stream entries) feed
// it in as a hint, which covers redeliveries this process never saw, such as
// those after a crash mid-callback.
type attemptTracker struct {
	mu     sync.Mutex
	counts map[string]int
}

func newAttemptTracker() *attemptTracker {
	return &attemptTracker{counts: make(map[string]int)}
}

// attempt returns the attempt count for the incoming delivery: 0 for a first
// delivery, incremented once per earlier requeue. The broker hint is a total
// delivery count, so hint-1 is its view of prior attempts; the larger of the
// two views wins.
func (t *attemptTracker) attempt(id string, brokerHint int) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.counts[id]
	if brokerHint-1 > n {
		n = brokerHint - 1
		t.counts[id] = n
	}
	return n
}

// bump records one more requeue and returns the new count.
func (t *attemptTracker) bump(id string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.counts[id]++
	return t.counts[id]
}

// clear forgets the ID once its message settled terminally.
func (t *attemptTracker) clear(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.counts, id)
}
