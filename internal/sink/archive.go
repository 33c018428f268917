package sink

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fleetwatch/fleetwatch/internal/ids"
	"github.com/fleetwatch/fleetwatch/internal/ingest"
	"github.com/fleetwatch/fleetwatch/internal/jsoncodec"
	"github.com/fleetwatch/fleetwatch/internal/logging"
	"github.com/fleetwatch/fleetwatch/internal/telemetry"
)

// ObjectStore is the archive destination. Implementations must be safe for
// sequential reuse; fleetwatch issues one Put per flushed batch.
type ObjectStore interface {
	Put(ctx context.Context, key string, body []byte) error
}

// archiveRow is one event in a columnar archive object.
type archiveRow struct {
	EventTime   time.Time `parquet:"event_time,timestamp(millisecond)"`
	DeviceID    string    `parquet:"device_id"`
	RawPayload  string    `parquet:"raw_payload_json"`
	ReceiptTime time.Time `parquet:"receipt_time,timestamp(millisecond)"`
}

// Archive drains its queue into an in-memory batch and flushes the batch as
// one parquet object when it reaches the count ceiling or the age ceiling.
// A failed flush retains the batch and retries on the next trigger: the
// archive is the durability backstop for rows the relational path dropped,
// so it must not discard data on a transient outage.
type Archive struct {
	queue   *ingest.Queue
	store   ObjectStore
	log     logging.Logger
	metrics *ingest.Metrics
	tracer  trace.Tracer

	maxCount    int
	maxAge      time.Duration
	dequeueWait time.Duration

	now       func() time.Time
	partToken func(time.Time) string

	batch      []ingest.Envelope
	batchStart time.Time
}

// NewArchive builds the archive writer. dequeueWait must not exceed maxAge or
// quiet periods would delay the age-triggered flush.
func NewArchive(store ObjectStore, queue *ingest.Queue, log logging.Logger, metrics *ingest.Metrics, maxCount int, maxAge, dequeueWait time.Duration) *Archive {
	if dequeueWait > maxAge {
		dequeueWait = maxAge
	}
	return &Archive{
		queue:       queue,
		store:       store,
		log:         log,
		metrics:     metrics,
		tracer:      otel.Tracer("fleetwatch/sink"),
		maxCount:    maxCount,
		maxAge:      maxAge,
		dequeueWait: dequeueWait,
		now:         time.Now,
		partToken:   func(t time.Time) string { return strings.ToLower(ids.NewAt(t)) },
	}
}

// Run consumes the queue until ctx is cancelled, then drains whatever is
// still queued and flushes the final batch.
func (w *Archive) Run(ctx context.Context) {
	for {
		env, ok := w.queue.Dequeue(ctx, w.dequeueWait)
		if ok {
			w.add(env)
		}
		w.metrics.SetQueueDepth(w.queue.Name(), w.queue.Len())

		if ctx.Err() != nil {
			w.drainAndFlush()
			return
		}

		if w.shouldFlush() {
			w.flush(ctx)
		}
	}
}

func (w *Archive) add(env ingest.Envelope) {
	if len(w.batch) == 0 {
		w.batchStart = w.now()
	}
	w.batch = append(w.batch, env)
}

func (w *Archive) shouldFlush() bool {
	if len(w.batch) == 0 {
		return false
	}
	return len(w.batch) >= w.maxCount || w.now().Sub(w.batchStart) >= w.maxAge
}

// drainAndFlush empties the queue without waiting and writes the final batch.
// Shutdown should lose nothing that already reached the archive queue, but a
// hung object store must not hold up process exit, so the final put carries a
// deadline.
func (w *Archive) drainAndFlush() {
	for {
		env, ok := w.queue.TryDequeue()
		if !ok {
			break
		}
		w.add(env)
	}
	if len(w.batch) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownDrainTimeout)
		defer cancel()
		w.flush(ctx)
	}
}

// flush serialises the batch to parquet and writes one object keyed by
// calendar date, flush time, and a ULID part token (the uniqueness token for
// concurrent archive writers).
func (w *Archive) flush(ctx context.Context) {
	rows := w.batchRows()
	if len(rows) == 0 {
		// Nothing persistable (state snapshots only); discard, no object.
		w.batch = nil
		return
	}

	body, err := encodeParquet(rows)
	if err != nil {
		// Serialisation failure is not transient; keeping the batch would
		// wedge the writer, so log loudly and discard.
		w.log.Error("encode archive batch, discarding", err, logging.Fields{"rows": len(rows)})
		w.metrics.RecordFlushFailure()
		w.batch = nil
		return
	}

	flushedAt := w.now().UTC()
	key := fmt.Sprintf("frames/dt=%s/part-%d-%s.parquet",
		flushedAt.Format("2006-01-02"), flushedAt.Unix(), w.partToken(flushedAt))

	ctx, span := w.tracer.Start(ctx, "archive.flush", trace.WithAttributes(
		attribute.String("key", key),
		attribute.Int("rows", len(rows)),
	))
	defer span.End()

	start := w.now()
	if err := w.store.Put(ctx, key, body); err != nil {
		span.RecordError(err)
		w.metrics.RecordFlushFailure()
		w.log.Error("archive flush failed, batch retained for retry", err, logging.Fields{
			"key":  key,
			"rows": len(rows),
		})
		return
	}

	w.metrics.RecordFlush(len(rows), w.now().Sub(start))
	w.log.Debug("archive batch flushed", logging.Fields{
		"key":  key,
		"rows": len(rows),
	})
	w.batch = nil
}

func (w *Archive) batchRows() []archiveRow {
	rows := make([]archiveRow, 0, len(w.batch))
	for _, env := range w.batch {
		if !ingest.IsTelemetry(env.Topic) {
			continue
		}
		raw, err := jsoncodec.MarshalString(env.Payload)
		if err != nil {
			w.log.Error("marshal raw payload", err, logging.Fields{"topic": env.Topic})
			continue
		}
		rows = append(rows, archiveRow{
			EventTime:   telemetry.ResolveEventTime(env.Payload, env.ReceivedAt),
			DeviceID:    telemetry.DeviceID(env.Topic, env.Payload),
			RawPayload:  raw,
			ReceiptTime: env.ReceivedAt,
		})
	}
	return rows
}

func encodeParquet(rows []archiveRow) ([]byte, error) {
	var buf bytes.Buffer
	pw := parquet.NewGenericWriter[archiveRow](&buf)
	if _, err := pw.Write(rows); err != nil {
		pw.Close()
		return nil, err
	}
	if err := pw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
