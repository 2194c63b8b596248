// Package metrics provides Prometheus metrics for the dictation pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "murmur"

// Metrics holds all Prometheus metrics. All Record helpers are safe to call
// on a nil receiver so tests can run without a registry.
type Metrics struct {
	// Buffer pool
	PoolHits      prometheus.Counter
	PoolMisses    prometheus.Counter
	PoolEvictions prometheus.Counter
	PoolBuffers   prometheus.Gauge

	// Connection
	ConnectAttempts prometheus.Counter
	Reconnects      prometheus.Counter
	MessagesSent    prometheus.Counter
	BytesSent       prometheus.Counter
	ProtocolErrors  prometheus.Counter

	// Transcripts
	Fragments    *prometheus.CounterVec
	Batches      prometheus.Counter
	BatchSize    prometheus.Histogram
	BatchLatency prometheus.Histogram
}

// New creates and registers all metrics on the default registry. Call once
// per process.
func New() *Metrics {
	return &Metrics{
		PoolHits: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_hits_total",
			Help:      "Buffer acquisitions served from recycled stock",
		}),
		PoolMisses: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_misses_total",
			Help:      "Buffer acquisitions requiring fresh allocation",
		}),
		PoolEvictions: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_evictions_total",
			Help:      "Stale or overflow buffers dropped by the pool",
		}),
		PoolBuffers: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_buffers",
			Help:      "Buffers currently owned by the pool",
		}),
		ConnectAttempts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_attempts_total",
			Help:      "Streaming connection attempts",
		}),
		Reconnects: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Automatic reconnect attempts scheduled",
		}),
		MessagesSent: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Audio frames written to the streaming connection",
		}),
		BytesSent: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Audio payload bytes written to the streaming connection",
		}),
		ProtocolErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Unparseable or error messages received",
		}),
		Fragments: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fragments_total",
			Help:      "Transcript fragments received",
		}, []string{"kind"}),
		Batches: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Transcript batches emitted",
		}),
		BatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_size_fragments",
			Help:      "Fragments per emitted batch",
			Buckets:   []float64{1, 2, 3, 5, 8, 13, 21},
		}),
		BatchLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_latency_seconds",
			Help:      "Batch processing latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
		}),
	}
}

func (m *Metrics) RecordPoolHit() {
	if m == nil {
		return
	}
	m.PoolHits.Inc()
}

func (m *Metrics) RecordPoolMiss() {
	if m == nil {
		return
	}
	m.PoolMisses.Inc()
}

func (m *Metrics) RecordPoolEviction() {
	if m == nil {
		return
	}
	m.PoolEvictions.Inc()
}

func (m *Metrics) SetPoolBuffers(count int) {
	if m == nil {
		return
	}
	m.PoolBuffers.Set(float64(count))
}

func (m *Metrics) RecordConnectAttempt() {
	if m == nil {
		return
	}
	m.ConnectAttempts.Inc()
}

func (m *Metrics) RecordReconnect() {
	if m == nil {
		return
	}
	m.Reconnects.Inc()
}

func (m *Metrics) RecordSend(bytes int) {
	if m == nil {
		return
	}
	m.MessagesSent.Inc()
	m.BytesSent.Add(float64(bytes))
}

func (m *Metrics) RecordProtocolError() {
	if m == nil {
		return
	}
	m.ProtocolErrors.Inc()
}

func (m *Metrics) RecordFragment(final bool) {
	if m == nil {
		return
	}
	kind := "partial"
	if final {
		kind = "final"
	}
	m.Fragments.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordBatch(size int, latencySeconds float64) {
	if m == nil {
		return
	}
	m.Batches.Inc()
	m.BatchSize.Observe(float64(size))
	m.BatchLatency.Observe(latencySeconds)
}
