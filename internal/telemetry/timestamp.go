package telemetry

import (
	"math"
	"time"

	"github.com/fleetwatch/fleetwatch/internal/payload"
)

// Magnitudes above this are epoch milliseconds; below, epoch seconds.
const epochMillisThreshold = 1e12

var isoCandidates = []string{"ts", "timestamp", "time"}

var epochCandidates = []string{"ts_epoch", "ts_ms", "epoch"}

// isoFormats are tried in order after RFC3339Nano and RFC3339. Zone-less
// layouts parse as UTC, which matches how devices without an RTC offset
// report time.
var isoFormats = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ResolveEventTime derives the authoritative event time for a payload:
// an ISO-8601 timestamp field, else an epoch field (milliseconds when the
// magnitude exceeds 1e12, else seconds), else receivedAt. Parse failures fall
// through to the next option; the result is always UTC and never zero when
// receivedAt is non-zero.
func ResolveEventTime(tree map[string]any, receivedAt time.Time) time.Time {
	if s, ok := payload.AsString(payload.Get(tree, isoCandidates...)); ok {
		if t, ok := parseISO(s); ok {
			return t.UTC()
		}
	}

	if f, ok := payload.AsFloat(payload.Get(tree, epochCandidates...)); ok {
		return epochToTime(f)
	}

	return receivedAt.UTC()
}

func parseISO(s string) (time.Time, bool) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, true
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, true
	}
	for _, format := range isoFormats {
		if t, err := time.Parse(format, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func epochToTime(f float64) time.Time {
	if math.Abs(f) > epochMillisThreshold {
		millis := int64(f)
		return time.UnixMilli(millis).UTC()
	}
	// Preserve sub-second precision from fractional epoch seconds.
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*float64(time.Second))).UTC()
}
