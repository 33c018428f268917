package sink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetwatch/fleetwatch/internal/ingest"
	"github.com/fleetwatch/fleetwatch/internal/logging"
)

type storedObject struct {
	key  string
	body []byte
}

// fakeStore records Put calls and fails the first failN of them.
type fakeStore struct {
	mu           sync.Mutex
	objects      []storedObject
	failN        int
	ctxDeadlines []bool
}

func (f *fakeStore) Put(ctx context.Context, key string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, hasDeadline := ctx.Deadline()
	f.ctxDeadlines = append(f.ctxDeadlines, hasDeadline)
	if f.failN > 0 {
		f.failN--
		return errors.New("503 slow down")
	}
	f.objects = append(f.objects, storedObject{key: key, body: body})
	return nil
}

func (f *fakeStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.objects)
}

// stubClock lets tests move the archive writer's notion of time.
type stubClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stubClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stubClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestArchive(store ObjectStore, maxCount int, maxAge time.Duration) (*Archive, *stubClock, *ingest.Queue) {
	q := ingest.NewQueue("archive", 100)
	w := NewArchive(store, q, logging.Nop(), nil, maxCount, maxAge, 5*time.Millisecond)
	clock := &stubClock{now: time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)}
	w.now = clock.Now
	w.partToken = func(time.Time) string { return "testpart" }
	return w, clock, q
}

func decodeRows(t *testing.T, body []byte) []archiveRow {
	t.Helper()
	rows, err := parquet.Read[archiveRow](bytes.NewReader(body), int64(len(body)))
	require.NoError(t, err)
	return rows
}

func TestArchiveFlushesAtCountCeiling(t *testing.T) {
	store := &fakeStore{}
	w, clock, _ := newTestArchive(store, 3, time.Hour)

	for i := 0; i < 3; i++ {
		w.add(telemetryEnvelope(fmt.Sprintf("telemetry/truck-%d", i), map[string]any{
			"ts":  "2026-03-14T09:26:00Z",
			"lat": float64(i),
		}))
	}
	require.True(t, w.shouldFlush())
	w.flush(context.Background())

	require.Equal(t, 1, store.count())
	obj := store.objects[0]
	assert.Equal(t, "frames/dt=2026-03-14/part-"+
		fmt.Sprint(clock.Now().Unix())+"-testpart.parquet", obj.key)

	rows := decodeRows(t, obj.body)
	require.Len(t, rows, 3)
	assert.Equal(t, "truck-0", rows[0].DeviceID)
	assert.Contains(t, rows[0].RawPayload, `"lat"`)
	assert.Equal(t, time.Date(2026, 3, 14, 9, 26, 0, 0, time.UTC), rows[0].EventTime.UTC())

	// Batch cleared; no further flush until new data arrives.
	assert.False(t, w.shouldFlush())
}

func TestArchiveFlushesAtAgeCeiling(t *testing.T) {
	store := &fakeStore{}
	w, clock, _ := newTestArchive(store, 1000, 10*time.Second)

	w.add(telemetryEnvelope("telemetry/truck-1", map[string]any{"lat": 1.0}))
	assert.False(t, w.shouldFlush())

	clock.Advance(9 * time.Second)
	assert.False(t, w.shouldFlush())

	clock.Advance(time.Second)
	require.True(t, w.shouldFlush())
	w.flush(context.Background())

	require.Equal(t, 1, store.count())
	rows := decodeRows(t, store.objects[0].body)
	assert.Len(t, rows, 1)
}

func TestArchiveRetainsBatchOnFlushFailure(t *testing.T) {
	store := &fakeStore{failN: 1}
	w, _, _ := newTestArchive(store, 2, time.Hour)

	w.add(telemetryEnvelope("telemetry/truck-1", map[string]any{"lat": 1.0}))
	w.add(telemetryEnvelope("telemetry/truck-2", map[string]any{"lat": 2.0}))

	w.flush(context.Background())
	assert.Equal(t, 0, store.count())
	// Failed flush keeps the batch; the next trigger retries the same rows.
	require.True(t, w.shouldFlush())

	w.flush(context.Background())
	require.Equal(t, 1, store.count())
	rows := decodeRows(t, store.objects[0].body)
	require.Len(t, rows, 2)
	assert.Equal(t, "truck-1", rows[0].DeviceID)
	assert.Equal(t, "truck-2", rows[1].DeviceID)
}

func TestArchiveSkipsStateSnapshots(t *testing.T) {
	store := &fakeStore{}
	w, _, _ := newTestArchive(store, 2, time.Hour)

	w.add(telemetryEnvelope("last/truck-1", map[string]any{"lat": 1.0}))
	w.add(telemetryEnvelope("last/truck-2", map[string]any{"lat": 2.0}))
	w.flush(context.Background())

	// A batch of snapshots produces no object and does not wedge the writer.
	assert.Equal(t, 0, store.count())
	assert.Empty(t, w.batch)
}

func TestArchiveDrainsQueueOnShutdown(t *testing.T) {
	store := &fakeStore{}
	w, _, q := newTestArchive(store, 1000, time.Hour)

	for i := 0; i < 5; i++ {
		q.TryEnqueue(telemetryEnvelope(fmt.Sprintf("telemetry/truck-%d", i), map[string]any{"n": float64(i)}))
	}

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

	require.Equal(t, 1, store.count())
	rows := decodeRows(t, store.objects[0].body)
	assert.Len(t, rows, 5)
	assert.Equal(t, 0, q.Len())

	// The final put must carry a deadline so a hung store cannot block exit.
	require.Len(t, store.ctxDeadlines, 1)
	assert.True(t, store.ctxDeadlines[0])
}
