package ingest

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRegisterIsIdempotent(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	require.NoError(t, m.Register())
	require.NoError(t, m.Register())
}

func TestMetricsCount(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)
	require.NoError(t, m.Register())

	m.RecordReceived(StreamTelemetry)
	m.RecordReceived(StreamTelemetry)
	m.RecordReceived(StreamLast)
	m.RecordDropped("relational")
	m.SetQueueDepth("archive", 42)
	m.RecordFlush(200, 150*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.received.WithLabelValues(StreamTelemetry)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.received.WithLabelValues(StreamLast)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dropped.WithLabelValues("relational")))
	assert.Equal(t, 42.0, testutil.ToFloat64(m.queueDepth.WithLabelValues("archive")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.flushes))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	require.NoError(t, m.Register())
	m.RecordReceived(StreamTelemetry)
	m.RecordDecodeFallback()
	m.RecordDropped("relational")
	m.SetQueueDepth("archive", 1)
	m.RecordUpsert()
	m.RecordUpsertFailure()
	m.RecordFlush(1, time.Second)
	m.RecordFlushFailure()
}
