// Package metrics holds the Prometheus collectors for a securegate server:
// handshake outcomes, active connections, per-path dispatch counts, worker
// pool occupancy, and ring buffer pressure.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector registered by a server process.
type Metrics struct {
	HandshakeAttempts *prometheus.CounterVec
	HandshakeFailures *prometheus.CounterVec
	HandshakeDuration prometheus.Histogram

	ActiveConnections prometheus.Gauge

	FramesDispatched *prometheus.CounterVec
	DispatchErrors   *prometheus.CounterVec

	PoolQueueDepth    prometheus.Gauge
	PoolActiveWorkers prometheus.Gauge

	RingBufferResets *prometheus.CounterVec
}

// New constructs and registers the full collector set against the default
// registry. A server process builds exactly one of these.
func New() *Metrics {
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

// NewWithRegisterer constructs the full collector set against reg. Tests use
// this with a fresh prometheus.NewRegistry() so repeated construction doesn't
// collide with the process-wide default registry.
func NewWithRegisterer(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		HandshakeAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "securegate_handshake_attempts_total",
				Help: "Total number of handshake attempts by role.",
			},
			[]string{"role"}, // host, peer
		),
		HandshakeFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "securegate_handshake_failures_total",
				Help: "Total number of handshake failures by role and stage.",
			},
			[]string{"role", "stage"}, // init, accept, final, confirm
		),
		HandshakeDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "securegate_handshake_duration_seconds",
				Help:    "Time from HandshakeInit to Confirmed.",
				Buckets: prometheus.DefBuckets,
			},
		),
		ActiveConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "securegate_active_connections",
				Help: "Number of connections currently held by the server.",
			},
		),
		FramesDispatched: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "securegate_frames_dispatched_total",
				Help: "Total number of application frames dispatched, by path.",
			},
			[]string{"path"},
		),
		DispatchErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "securegate_dispatch_errors_total",
				Help: "Total number of dispatch errors, by error code.",
			},
			[]string{"code"},
		),
		PoolQueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "securegate_pool_queue_depth",
				Help: "Number of tasks currently queued in the worker pool.",
			},
		),
		PoolActiveWorkers: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "securegate_pool_active_workers",
				Help: "Number of worker goroutines currently executing a task.",
			},
		),
		RingBufferResets: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "securegate_ring_buffer_resets_total",
				Help: "Total number of times a connection's ring buffer was reset, by reason (full ring or failed handshake).",
			},
			[]string{"reason"}, // full, handshake_failed
		),
	}
}

// RecordHandshakeAttempt increments the attempt counter for role.
func (m *Metrics) RecordHandshakeAttempt(role string) {
	m.HandshakeAttempts.WithLabelValues(role).Inc()
}

// RecordHandshakeFailure increments the failure counter for role/stage.
func (m *Metrics) RecordHandshakeFailure(role, stage string) {
	m.HandshakeFailures.WithLabelValues(role, stage).Inc()
}

// RecordHandshakeDuration observes the elapsed seconds of a completed handshake.
func (m *Metrics) RecordHandshakeDuration(seconds float64) {
	m.HandshakeDuration.Observe(seconds)
}

// RecordDispatch increments the per-path dispatch counter.
func (m *Metrics) RecordDispatch(path string) {
	m.FramesDispatched.WithLabelValues(path).Inc()
}

// RecordDispatchError increments the per-code dispatch error counter.
func (m *Metrics) RecordDispatchError(code uint32) {
	m.DispatchErrors.WithLabelValues(strconv.FormatUint(uint64(code), 10)).Inc()
}

// SetPoolOccupancy updates the worker pool gauges.
func (m *Metrics) SetPoolOccupancy(queueDepth, activeWorkers int) {
	m.PoolQueueDepth.Set(float64(queueDepth))
	m.PoolActiveWorkers.Set(float64(activeWorkers))
}

// RecordRingBufferReset increments the reset counter for reason.
func (m *Metrics) RecordRingBufferReset(reason string) {
	m.RingBufferResets.WithLabelValues(reason).Inc()
}
