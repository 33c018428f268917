package ingest

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func newCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleetwatch",
			Subsystem: "ingest",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newGaugeVec(name, help string, labels []string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "fleetwatch",
			Subsystem: "ingest",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newHistogram(name, help string, buckets []float64) prometheus.Histogram {
	return prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "fleetwatch",
			Subsystem: "ingest",
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		},
	)
}

// Metrics tracks the ingest pipeline. A nil *Metrics is a no-op so tests can
// run components without a registry.
type Metrics struct {
	received      *prometheus.CounterVec
	decodeFallbks prometheus.Counter
	dropped       *prometheus.CounterVec
	queueDepth    *prometheus.GaugeVec
	upserts       prometheus.Counter
	upsertFails   prometheus.Counter
	flushes       prometheus.Counter
	flushFails    prometheus.Counter
	flushSeconds  prometheus.Histogram
	batchRows     prometheus.Histogram

	registerer prometheus.Registerer
	registered bool
}

// NewMetrics creates the ingest metrics collectors. Pass nil to use the
// default registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Metrics{
		registerer: registerer,
		received:   newCounterVec("messages_received_total", "Messages received from the broker", []string{"stream"}),
		decodeFallbks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fleetwatch",
			Subsystem: "ingest",
			Name:      "decode_fallbacks_total",
			Help:      "Bodies that failed to parse and were substituted with the raw-text placeholder",
		}),
		dropped:      newCounterVec("queue_dropped_total", "Envelopes discarded because a sink queue was full", []string{"sink"}),
		queueDepth:   newGaugeVec("queue_depth", "Current depth of each sink queue", []string{"sink"}),
		upserts:      newSinkCounter("relational_rows_total", "Rows upserted into the relational store"),
		upsertFails:  newSinkCounter("relational_failures_total", "Relational writes that failed after the local retry"),
		flushes:      newSinkCounter("archive_flushes_total", "Archive batches flushed to object storage"),
		flushFails:   newSinkCounter("archive_flush_failures_total", "Archive flushes that failed and were retained for retry"),
		flushSeconds: newHistogram("archive_flush_seconds", "Archive flush duration", []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15}),
		batchRows:    newHistogram("archive_batch_rows", "Rows per flushed archive object", []float64{1, 10, 50, 100, 200, 500, 1000}),
	}
}

func newSinkCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fleetwatch",
		Subsystem: "ingest",
		Name:      name,
		Help:      help,
	})
}

// Register registers all collectors. Safe to call multiple times; collectors
// already registered elsewhere are tolerated.
func (m *Metrics) Register() error {
	if m == nil || m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.received,
		m.decodeFallbks,
		m.dropped,
		m.queueDepth,
		m.upserts,
		m.upsertFails,
		m.flushes,
		m.flushFails,
		m.flushSeconds,
		m.batchRows,
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

func (m *Metrics) RecordReceived(stream string) {
	if m == nil {
		return
	}
	m.received.WithLabelValues(stream).Inc()
}

func (m *Metrics) RecordDecodeFallback() {
	if m == nil {
		return
	}
	m.decodeFallbks.Inc()
}

func (m *Metrics) RecordDropped(sink string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(sink).Inc()
}

func (m *Metrics) SetQueueDepth(sink string, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(sink).Set(float64(depth))
}

func (m *Metrics) RecordUpsert() {
	if m == nil {
		return
	}
	m.upserts.Inc()
}

func (m *Metrics) RecordUpsertFailure() {
	if m == nil {
		return
	}
	m.upsertFails.Inc()
}

func (m *Metrics) RecordFlush(rows int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.flushes.Inc()
	m.batchRows.Observe(float64(rows))
	m.flushSeconds.Observe(elapsed.Seconds())
}

func (m *Metrics) RecordFlushFailure() {
	if m == nil {
		return
	}
	m.flushFails.Inc()
}
