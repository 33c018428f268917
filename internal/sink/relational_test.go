package sink

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetwatch/fleetwatch/internal/ingest"
	"github.com/fleetwatch/fleetwatch/internal/logging"
)

type execCall struct {
	query string
	args  []any
}

// fakeExecer records ExecContext calls and fails the first failN of them.
type fakeExecer struct {
	mu    sync.Mutex
	calls []execCall
	failN int
}

func (f *fakeExecer) ExecContext(_ context.Context, query string, args ...any) (sql.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, execCall{query: query, args: args})
	if len(f.calls) <= f.failN {
		return nil, errors.New("connection reset")
	}
	return nil, nil
}

func (f *fakeExecer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func telemetryEnvelope(topic string, tree map[string]any) ingest.Envelope {
	return ingest.Envelope{
		Topic:      topic,
		Payload:    tree,
		ReceivedAt: time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC),
	}
}

func TestRelationalWritesCanonicalRow(t *testing.T) {
	db := &fakeExecer{}
	q := ingest.NewQueue("relational", 4)
	w := NewRelational(db, q, logging.Nop(), nil, 10*time.Millisecond)

	w.write(context.Background(), telemetryEnvelope("telemetry/truck-1", map[string]any{
		"ts":     "2026-03-14T09:26:00Z",
		"gnss":   map[string]any{"lat": 52.52, "lon": 13.405, "num_sats": 11},
		"status": "moving",
	}))

	require.Equal(t, 1, db.callCount())
	call := db.calls[0]
	assert.Contains(t, call.query, "INSERT INTO telemetry_flat")
	assert.Contains(t, call.query, "ON CONFLICT DO NOTHING")
	require.Len(t, call.args, 17)

	assert.Equal(t, time.Date(2026, 3, 14, 9, 26, 0, 0, time.UTC), call.args[0])
	assert.Equal(t, "truck-1", call.args[1])
	require.IsType(t, (*float64)(nil), call.args[2])
	assert.Equal(t, 52.52, *(call.args[2].(*float64)))

	// Unreported fields go in as nil pointers, which the driver maps to NULL.
	assert.Nil(t, call.args[4].(*float64))

	sats := call.args[14].(*int)
	require.NotNil(t, sats)
	assert.Equal(t, 11, *sats)

	status := call.args[15].(*string)
	require.NotNil(t, status)
	assert.Equal(t, "moving", *status)

	// The raw payload column round-trips the whole tree.
	assert.Contains(t, call.args[16].(string), `"num_sats"`)
}

func TestRelationalRetriesOnceThenDrops(t *testing.T) {
	env := telemetryEnvelope("telemetry/truck-1", map[string]any{"lat": 1.0})

	// One transient failure: the retry lands the row.
	db := &fakeExecer{failN: 1}
	w := NewRelational(db, ingest.NewQueue("relational", 1), logging.Nop(), nil, 10*time.Millisecond)
	w.write(context.Background(), env)
	assert.Equal(t, 2, db.callCount())

	// Persistent failure: the envelope is dropped after writeRetries attempts
	// and the writer keeps going.
	db = &fakeExecer{failN: 100}
	w = NewRelational(db, ingest.NewQueue("relational", 1), logging.Nop(), nil, 10*time.Millisecond)
	w.write(context.Background(), env)
	assert.Equal(t, writeRetries, db.callCount())
}

func TestRelationalDrainsQueueOnShutdown(t *testing.T) {
	db := &fakeExecer{}
	q := ingest.NewQueue("relational", 8)
	w := NewRelational(db, q, logging.Nop(), nil, 10*time.Millisecond)

	for i := 0; i < 3; i++ {
		q.TryEnqueue(telemetryEnvelope("telemetry/truck-1", map[string]any{"lat": float64(i)}))
	}
	q.TryEnqueue(telemetryEnvelope("last/truck-1", map[string]any{"lat": 9.0}))

	// Cancelled before Run: everything already queued must still be written.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("writer did not drain and stop")
	}

	assert.Equal(t, 3, db.callCount())
	assert.Equal(t, 0, q.Len())
}

func TestRelationalRunSkipsStateSnapshots(t *testing.T) {
	db := &fakeExecer{}
	q := ingest.NewQueue("relational", 4)
	w := NewRelational(db, q, logging.Nop(), nil, 10*time.Millisecond)

	q.TryEnqueue(telemetryEnvelope("last/truck-1", map[string]any{"lat": 1.0}))
	q.TryEnqueue(telemetryEnvelope("telemetry/truck-1", map[string]any{"lat": 1.0}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return db.callCount() == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, q.Len())

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("writer did not stop on cancel")
	}

	// Only the telemetry envelope reached the store.
	assert.Equal(t, 1, db.callCount())
	assert.Equal(t, "truck-1", db.calls[0].args[1])
}
