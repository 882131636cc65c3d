package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the denim daemon.
type Metrics struct {
	// Chunking metrics
	ChunksEmittedTotal  *prometheus.CounterVec
	PayloadsReassembled prometheus.Counter
	PartialPayloadsLost prometheus.Counter
	QBudgetDrift        prometheus.Histogram

	// Buffer store metrics
	BufferDepth        *prometheus.GaugeVec
	BufferInsertsTotal *prometheus.CounterVec
	BufferLockHeld     prometheus.Gauge
	PersistDuration    prometheus.Histogram

	// Connection metrics
	QUICConnectionsTotal   *prometheus.CounterVec
	QUICConnectionsActive  prometheus.Gauge
	QUICConnectionDuration prometheus.Histogram

	// Crypto metrics
	CryptoOperationsTotal   *prometheus.CounterVec
	CryptoOperationDuration prometheus.Histogram
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		ChunksEmittedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "denim_chunks_emitted_total",
				Help: "Deniable chunks emitted by the Chunker, by kind (data/dummy/final)",
			},
			[]string{"kind"},
		),

		PayloadsReassembled: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "denim_payloads_reassembled_total",
				Help: "Deniable payloads fully reassembled from an inbound chunk stream",
			},
		),

		PartialPayloadsLost: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "denim_partial_payloads_lost_total",
				Help: "Deniable payloads that never reached a Final chunk before being discarded",
			},
		),

		QBudgetDrift: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "denim_q_budget_drift_bytes",
				Help:    "Difference between the requested q-derived appendix size and the actual serialized size",
				Buckets: []float64{0, 1, 2, 4, 8, 16, 32},
			},
		),

		BufferDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "denim_buffer_depth",
				Help: "Entries currently queued in a buffer store queue",
			},
			[]string{"role"},
		),

		BufferInsertsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "denim_buffer_inserts_total",
				Help: "Buffer store insert calls, by whether the field_guid was new",
			},
			[]string{"outcome"},
		),

		BufferLockHeld: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "denim_buffer_lock_held",
				Help: "1 while any queue's persist lock is held",
			},
		),

		PersistDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "denim_persist_duration_seconds",
				Help:    "Time to migrate a buffer queue to durable storage",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0},
			},
		),

		QUICConnectionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "denim_quic_connections_total",
				Help: "QUIC connection attempts",
			},
			[]string{"result"},
		),

		QUICConnectionsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "denim_quic_connections_active",
				Help: "Active QUIC connections",
			},
		),

		QUICConnectionDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "denim_quic_connection_duration_seconds",
				Help:    "QUIC connection lifetime",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
			},
		),

		CryptoOperationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "denim_crypto_operations_total",
				Help: "Cryptographic operations performed",
			},
			[]string{"operation"},
		),

		CryptoOperationDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "denim_crypto_operation_duration_seconds",
				Help:    "Crypto operation latency",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
		),
	}
}

// RecordChunkEmitted updates chunk-kind counters.
func (m *Metrics) RecordChunkEmitted(kind string) {
	m.ChunksEmittedTotal.WithLabelValues(kind).Inc()
}

// RecordPayloadReassembled increments the reassembly counter.
func (m *Metrics) RecordPayloadReassembled() {
	m.PayloadsReassembled.Inc()
}

// RecordPartialPayloadLost increments the partial-loss counter.
func (m *Metrics) RecordPartialPayloadLost() {
	m.PartialPayloadsLost.Inc()
}

// RecordQBudgetDrift observes the gap between requested and actual appendix
// size. Per spec.md P1 this should always observe 0.
func (m *Metrics) RecordQBudgetDrift(driftBytes int) {
	m.QBudgetDrift.Observe(float64(driftBytes))
}

// SetBufferDepth sets the current queue depth for a buffer role
// ("sender"/"receiver").
func (m *Metrics) SetBufferDepth(role string, depth int) {
	m.BufferDepth.WithLabelValues(role).Set(float64(depth))
}

// RecordBufferInsert records whether an insert created a new entry or hit
// the idempotent fast path.
func (m *Metrics) RecordBufferInsert(isNew bool) {
	outcome := "new"
	if !isNew {
		outcome = "duplicate"
	}
	m.BufferInsertsTotal.WithLabelValues(outcome).Inc()
}

// RecordQUICConnection logs QUIC connection attempts.
func (m *Metrics) RecordQUICConnection(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.QUICConnectionsTotal.WithLabelValues(result).Inc()

	if success {
		m.QUICConnectionsActive.Inc()
	}
}

// RecordQUICConnectionClose updates metrics for closed QUIC connections.
func (m *Metrics) RecordQUICConnectionClose(durationSeconds float64) {
	m.QUICConnectionsActive.Dec()
	m.QUICConnectionDuration.Observe(durationSeconds)
}

// RecordCryptoOperation records cryptographic operation duration.
func (m *Metrics) RecordCryptoOperation(operation string, durationSeconds float64) {
	m.CryptoOperationsTotal.WithLabelValues(operation).Inc()
	m.CryptoOperationDuration.Observe(durationSeconds)
}

// Handler exposes the Prometheus metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
