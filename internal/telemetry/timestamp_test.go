package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestResolveEventTimeISO(t *testing.T) {
	tests := []struct {
		name string
		ts   string
		want time.Time
	}{
		{"rfc3339", "2026-03-14T09:26:00Z", time.Date(2026, 3, 14, 9, 26, 0, 0, time.UTC)},
		{"rfc3339 nano", "2026-03-14T09:26:00.125Z", time.Date(2026, 3, 14, 9, 26, 0, 125_000_000, time.UTC)},
		{"offset normalised", "2026-03-14T11:26:00+02:00", time.Date(2026, 3, 14, 9, 26, 0, 0, time.UTC)},
		{"zoneless", "2026-03-14T09:26:00", time.Date(2026, 3, 14, 9, 26, 0, 0, time.UTC)},
		{"space separator", "2026-03-14 09:26:00", time.Date(2026, 3, 14, 9, 26, 0, 0, time.UTC)},
		{"date only", "2026-03-14", time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ResolveEventTime(map[string]any{"ts": tt.ts}, receivedAt)
			assert.True(t, tt.want.Equal(got), "got %v", got)
		})
	}
}

func TestResolveEventTimeEpoch(t *testing.T) {
	// Magnitude decides the unit: beyond 1e12 it is milliseconds.
	got := ResolveEventTime(map[string]any{"ts_epoch": 1.773480360125e12}, receivedAt)
	assert.Equal(t, time.UnixMilli(1773480360125).UTC(), got)

	got = ResolveEventTime(map[string]any{"ts_epoch": 1773480360.5}, receivedAt)
	assert.Equal(t, time.Unix(1773480360, 500_000_000).UTC(), got)

	got = ResolveEventTime(map[string]any{"epoch": "1773480360"}, receivedAt)
	assert.Equal(t, time.Unix(1773480360, 0).UTC(), got)
}

func TestResolveEventTimePrecedence(t *testing.T) {
	// An ISO field beats an epoch field; an unparsable ISO falls through.
	tree := map[string]any{"ts": "2026-03-14T09:26:00Z", "ts_epoch": 1000000000}
	got := ResolveEventTime(tree, receivedAt)
	assert.Equal(t, time.Date(2026, 3, 14, 9, 26, 0, 0, time.UTC), got)

	tree = map[string]any{"ts": "yesterdayish", "ts_epoch": 1773480360}
	got = ResolveEventTime(tree, receivedAt)
	assert.Equal(t, time.Unix(1773480360, 0).UTC(), got)
}

func TestResolveEventTimeFallback(t *testing.T) {
	got := ResolveEventTime(map[string]any{}, receivedAt)
	assert.Equal(t, receivedAt, got)

	got = ResolveEventTime(map[string]any{"ts": nil, "ts_epoch": ""}, receivedAt)
	assert.Equal(t, receivedAt, got)
}
