// Package ingest receives broker messages and fans them out to the two sink
// queues. The receiver is the sole producer for both queues; each sink writer
// is the sole consumer of its own.
package ingest

import (
	"strings"
	"time"
)

// Stream kinds, named after the first topic segment.
const (
	StreamTelemetry = "telemetry"
	StreamLast      = "last"
	StreamOther     = "other"
)

// Envelope is the raw capture of one inbound message. It is immutable after
// construction: the struct is copied by value onto each queue, but Payload is
// one shared map referenced by every sink's copy (and by Record.Raw), so all
// consumers MUST treat the tree as read-only. Anything that needs a modified
// view builds its own structure.
type Envelope struct {
	// Topic is the concrete topic the message arrived on (not the
	// subscription pattern), e.g. "telemetry/truck-1".
	Topic string
	// Payload is the decoded body, or the raw-text placeholder when the body
	// did not parse. Read-only; shared across queues.
	Payload map[string]any
	// ReceivedAt is the wall-clock receipt time, the event-time fallback.
	ReceivedAt time.Time
}

// StreamKind classifies a topic by its first segment. Both "/" (MQTT) and "."
// (NATS) separators are recognised.
func StreamKind(topic string) string {
	segment := topic
	if i := strings.IndexAny(topic, "/."); i >= 0 {
		segment = topic[:i]
	}
	switch segment {
	case StreamTelemetry:
		return StreamTelemetry
	case StreamLast:
		return StreamLast
	default:
		return StreamOther
	}
}

// IsTelemetry reports whether the topic belongs to the per-event telemetry
// stream. Only these messages are persisted; last-known-state snapshots are
// relayed live but never stored.
func IsTelemetry(topic string) bool {
	return StreamKind(topic) == StreamTelemetry
}
