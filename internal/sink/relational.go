// Package sink contains the two storage writers. Each owns one bounded queue
// and runs as a single consumer for the life of the process; the paths share
// nothing, so a stall in one store never blocks the other.
package sink

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fleetwatch/fleetwatch/internal/ingest"
	"github.com/fleetwatch/fleetwatch/internal/jsoncodec"
	"github.com/fleetwatch/fleetwatch/internal/logging"
	"github.com/fleetwatch/fleetwatch/internal/telemetry"
)

// upsertStatement writes one canonical record. The (ts, device_id) key makes
// broker redelivery harmless: duplicate keys are ignored, never overwritten.
const upsertStatement = `
	INSERT INTO telemetry_flat
	(ts, device_id, lat, lon, speed, heading, altitude,
	 imu_rms_x, imu_rms_y, imu_rms_z,
	 jerk_x, jerk_y, jerk_z, cn0_avg, sats_used, status, payload)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
	ON CONFLICT DO NOTHING`

// writeRetries bounds how often one envelope is attempted before it is
// dropped; durability for dropped rows is delegated to the archive sink.
const writeRetries = 2

// shutdownDrainTimeout bounds the final drain and flush both sinks perform on
// shutdown, so a hung store cannot block process exit.
const shutdownDrainTimeout = 30 * time.Second

// execer is the slice of *sql.DB the writer needs.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// OpenPostgres opens and verifies the relational store connection pool.
func OpenPostgres(url string) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	return db, nil
}

// Relational drains its queue in receipt order and upserts each telemetry
// envelope into the time-series store.
type Relational struct {
	db          execer
	queue       *ingest.Queue
	log         logging.Logger
	metrics     *ingest.Metrics
	tracer      trace.Tracer
	dequeueWait time.Duration
}

// NewRelational builds the relational writer. The db handle is long-lived and
// exclusively owned by this writer.
func NewRelational(db execer, queue *ingest.Queue, log logging.Logger, metrics *ingest.Metrics, dequeueWait time.Duration) *Relational {
	return &Relational{
		db:          db,
		queue:       queue,
		log:         log,
		metrics:     metrics,
		tracer:      otel.Tracer("fleetwatch/sink"),
		dequeueWait: dequeueWait,
	}
}

// Run consumes the queue until ctx is cancelled, then drains whatever is
// still queued. Write failures are logged and the envelope dropped after a
// local retry; they never stop the loop.
func (w *Relational) Run(ctx context.Context) {
	for {
		env, ok := w.queue.Dequeue(ctx, w.dequeueWait)
		if !ok {
			if ctx.Err() != nil {
				w.drain()
				return
			}
			continue
		}
		w.metrics.SetQueueDepth(w.queue.Name(), w.queue.Len())

		// Last-known-state snapshots are relayed live, not persisted.
		if !ingest.IsTelemetry(env.Topic) {
			continue
		}

		w.write(ctx, env)
	}
}

// drain empties the queue without waiting so shutdown persists every row the
// receiver already accepted. The drain shares one deadline so a wedged store
// cannot hold up process exit.
func (w *Relational) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownDrainTimeout)
	defer cancel()

	for {
		env, ok := w.queue.TryDequeue()
		if !ok {
			return
		}
		if !ingest.IsTelemetry(env.Topic) {
			continue
		}
		w.write(ctx, env)
	}
}

func (w *Relational) write(ctx context.Context, env ingest.Envelope) {
	rec := telemetry.Extract(env.Topic, env.Payload, env.ReceivedAt)

	rawJSON, err := jsoncodec.MarshalString(rec.Raw)
	if err != nil {
		w.log.Error("marshal raw payload", err, logging.Fields{"topic": env.Topic})
		return
	}

	ctx, span := w.tracer.Start(ctx, "relational.upsert", trace.WithAttributes(
		attribute.String("device_id", rec.DeviceID),
	))
	defer span.End()

	var lastErr error
	for attempt := 0; attempt < writeRetries; attempt++ {
		_, lastErr = w.db.ExecContext(ctx, upsertStatement,
			rec.EventTime, rec.DeviceID,
			rec.Position.Lat, rec.Position.Lon, rec.Position.Speed,
			rec.Position.Heading, rec.Position.Altitude,
			rec.Motion.RMSX, rec.Motion.RMSY, rec.Motion.RMSZ,
			rec.Motion.JerkX, rec.Motion.JerkY, rec.Motion.JerkZ,
			rec.GNSS.CN0Avg, rec.GNSS.SatsUsed,
			rec.Status, rawJSON,
		)
		if lastErr == nil {
			w.metrics.RecordUpsert()
			return
		}
	}

	span.RecordError(lastErr)
	w.metrics.RecordUpsertFailure()
	w.log.Error("relational write failed, dropping envelope", lastErr, logging.Fields{
		"device_id": rec.DeviceID,
		"topic":     env.Topic,
	})
}
