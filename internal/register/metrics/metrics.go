// Package metrics exposes Prometheus collectors for the publish and consume
// paths plus a per-queue snapshot for introspection.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Connection state values reported by SetConnectionState.
const (
	StateConnecting   = 0
	StateReady        = 1
	StateReconnecting = 2
	StateClosed       = 3
)

// RegisterMetrics tracks register statistics. All record methods tolerate a
// nil receiver so callers without metrics skip the bookkeeping.
type RegisterMetrics struct {
	mu sync.RWMutex

	queueCounts map[string]*QueueMetrics

	publishedTotal       *prometheus.CounterVec
	duplicatesTotal      *prometheus.CounterVec
	publishRetries       *prometheus.CounterVec
	publishFailures      *prometheus.CounterVec
	confirmSeconds       *prometheus.HistogramVec
	deliveredTotal       *prometheus.CounterVec
	ackedTotal           *prometheus.CounterVec
	requeuedTotal        *prometheus.CounterVec
	quarantinedTotal     *prometheus.CounterVec
	replayedTotal        *prometheus.CounterVec
	callbackSeconds      *prometheus.HistogramVec
	attemptsToQuarantine *prometheus.HistogramVec
	connectionState      prometheus.Gauge

	registerer prometheus.Registerer
	registered bool
}

// QueueMetrics holds counts for one queue.
type QueueMetrics struct {
	Published     uint64    `json:"published"`
	Duplicates    uint64    `json:"duplicates"`
	Delivered     uint64    `json:"delivered"`
	Acked         uint64    `json:"acked"`
	Requeued      uint64    `json:"requeued"`
	Quarantined   uint64    `json:"quarantined"`
	Replayed      uint64    `json:"replayed"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
}

// Snapshot provides a point-in-time view across queues.
type Snapshot struct {
	TotalPublished   uint64                   `json:"total_published"`
	TotalQuarantined uint64                   `json:"total_quarantined"`
	TotalReplayed    uint64                   `json:"total_replayed"`
	QueueMetrics     map[string]*QueueMetrics `json:"queue_metrics"`
	CollectedAt      time.Time                `json:"collected_at"`
}

func newCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relaykit",
			Subsystem: "register",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newHistogramVec(name, help string, buckets []float64, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "relaykit",
			Subsystem: "register",
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		},
		labels,
	)
}

// NewRegisterMetrics creates the collector set. A nil registerer falls back
// to prometheus.DefaultRegisterer.
func NewRegisterMetrics(registerer prometheus.Registerer) *RegisterMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &RegisterMetrics{
		queueCounts:          make(map[string]*QueueMetrics),
		registerer:           registerer,
		publishedTotal:       newCounterVec("published_total", "Events durably confirmed by the broker", []string{"queue"}),
		duplicatesTotal:      newCounterVec("duplicates_total", "Publishes suppressed as idempotent re-sends", []string{"queue"}),
		publishRetries:       newCounterVec("publish_retries_total", "Publish attempts retried after a transient failure", []string{"queue"}),
		publishFailures:      newCounterVec("publish_failures_total", "Publishes surfaced to callers as errors", []string{"queue", "kind"}),
		confirmSeconds:       newHistogramVec("publish_confirm_seconds", "Time from publish to broker confirmation", []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5}, []string{"queue"}),
		deliveredTotal:       newCounterVec("deliveries_total", "Deliveries handed to the consumer callback", []string{"queue"}),
		ackedTotal:           newCounterVec("acked_total", "Deliveries acknowledged after callback success", []string{"queue"}),
		requeuedTotal:        newCounterVec("requeued_total", "Deliveries negatively acknowledged for retry", []string{"queue"}),
		quarantinedTotal:     newCounterVec("quarantined_total", "Deliveries moved to the quarantine queue", []string{"queue", "reason"}),
		replayedTotal:        newCounterVec("replayed_total", "Quarantined events republished to their origin queue", []string{"queue"}),
		callbackSeconds:      newHistogramVec("callback_seconds", "Consumer callback execution time", []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30}, []string{"queue", "outcome"}),
		attemptsToQuarantine: newHistogramVec("attempts_to_quarantine", "Delivery attempts consumed before quarantine", []float64{1, 2, 3, 5, 10, 20}, []string{"queue"}),
		connectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relaykit",
			Subsystem: "register",
			Name:      "connection_state",
			Help:      "Broker connection state (0 connecting, 1 ready, 2 reconnecting, 3 closed)",
		}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *RegisterMetrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.publishedTotal,
		m.duplicatesTotal,
		m.publishRetries,
		m.publishFailures,
		m.confirmSeconds,
		m.deliveredTotal,
		m.ackedTotal,
		m.requeuedTotal,
		m.quarantinedTotal,
		m.replayedTotal,
		m.callbackSeconds,
		m.attemptsToQuarantine,
		m.connectionState,
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// RecordPublished records a broker-confirmed enqueue and its confirm latency.
func (m *RegisterMetrics) RecordPublished(queue string, confirmLatency time.Duration) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	qm := m.getOrCreateQueueMetrics(queue)
	qm.Published++
	qm.LastUpdatedAt = time.Now()

	m.publishedTotal.WithLabelValues(queue).Inc()
	m.confirmSeconds.WithLabelValues(queue).Observe(confirmLatency.Seconds())
}

// RecordDuplicate records a publish suppressed by the dedup window.
func (m *RegisterMetrics) RecordDuplicate(queue string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	qm := m.getOrCreateQueueMetrics(queue)
	qm.Duplicates++
	qm.LastUpdatedAt = time.Now()

	m.duplicatesTotal.WithLabelValues(queue).Inc()
}

// RecordPublishRetry records one internally retried publish attempt.
func (m *RegisterMetrics) RecordPublishRetry(queue string) {
	if m == nil {
		return
	}
	m.publishRetries.WithLabelValues(queue).Inc()
}

// RecordPublishFailure records a publish surfaced to the caller as an error.
func (m *RegisterMetrics) RecordPublishFailure(queue, kind string) {
	if m == nil {
		return
	}
	m.publishFailures.WithLabelValues(queue, kind).Inc()
}

// RecordDelivery records a delivery handed to the callback.
func (m *RegisterMetrics) RecordDelivery(queue string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	qm := m.getOrCreateQueueMetrics(queue)
	qm.Delivered++
	qm.LastUpdatedAt = time.Now()

	m.deliveredTotal.WithLabelValues(queue).Inc()
}

// RecordAck records a delivery acknowledged after callback success.
func (m *RegisterMetrics) RecordAck(queue string, callbackLatency time.Duration) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	qm := m.getOrCreateQueueMetrics(queue)
	qm.Acked++
	qm.LastUpdatedAt = time.Now()

	m.ackedTotal.WithLabelValues(queue).Inc()
	m.callbackSeconds.WithLabelValues(queue, "ack").Observe(callbackLatency.Seconds())
}

// RecordRequeue records a delivery sent back for another attempt.
func (m *RegisterMetrics) RecordRequeue(queue string, callbackLatency time.Duration) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	qm := m.getOrCreateQueueMetrics(queue)
	qm.Requeued++
	qm.LastUpdatedAt = time.Now()

	m.requeuedTotal.WithLabelValues(queue).Inc()
	m.callbackSeconds.WithLabelValues(queue, "retry_later").Observe(callbackLatency.Seconds())
}

// RecordQuarantine records a delivery moved to the quarantine queue.
func (m *RegisterMetrics) RecordQuarantine(queue, reason string, attempts int) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	qm := m.getOrCreateQueueMetrics(queue)
	qm.Quarantined++
	qm.LastUpdatedAt = time.Now()

	m.quarantinedTotal.WithLabelValues(queue, reason).Inc()
	m.attemptsToQuarantine.WithLabelValues(queue).Observe(float64(attempts))
}

// RecordReplay records a quarantined event republished to its origin queue.
func (m *RegisterMetrics) RecordReplay(queue string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	qm := m.getOrCreateQueueMetrics(queue)
	qm.Replayed++
	qm.LastUpdatedAt = time.Now()

	m.replayedTotal.WithLabelValues(queue).Inc()
}

// SetConnectionState publishes the connection manager's current state.
func (m *RegisterMetrics) SetConnectionState(state int) {
	if m == nil {
		return
	}
	m.connectionState.Set(float64(state))
}

// GetSnapshot returns a point-in-time snapshot across queues.
func (m *RegisterMetrics) GetSnapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := Snapshot{
		QueueMetrics: make(map[string]*QueueMetrics),
		CollectedAt:  time.Now(),
	}

	for queue, qm := range m.queueCounts {
		copied := *qm
		snapshot.QueueMetrics[queue] = &copied
		snapshot.TotalPublished += qm.Published
		snapshot.TotalQuarantined += qm.Quarantined
		snapshot.TotalReplayed += qm.Replayed
	}

	return snapshot
}

// GetQueueMetrics returns a copy of the counts for one queue, or nil when the
// queue has never been touched.
func (m *RegisterMetrics) GetQueueMetrics(queue string) *QueueMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if qm, ok := m.queueCounts[queue]; ok {
		copied := *qm
		return &copied
	}
	return nil
}

func (m *RegisterMetrics) getOrCreateQueueMetrics(queue string) *QueueMetrics {
	if qm, ok := m.queueCounts[queue]; ok {
		return qm
	}
	qm := &QueueMetrics{}
	m.queueCounts[queue] = qm
	return qm
}

// Reset clears all counts. Useful for tests.
func (m *RegisterMetrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.queueCounts = make(map[string]*QueueMetrics)
	m.publishedTotal.Reset()
	m.duplicatesTotal.Reset()
	m.publishRetries.Reset()
	m.publishFailures.Reset()
	m.confirmSeconds.Reset()
	m.deliveredTotal.Reset()
	m.ackedTotal.Reset()
	m.requeuedTotal.Reset()
	m.quarantinedTotal.Reset()
	m.replayedTotal.Reset()
	m.callbackSeconds.Reset()
	m.attemptsToQuarantine.Reset()
}
