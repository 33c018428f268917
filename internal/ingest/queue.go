package ingest

import (
	"context"
	"time"
)

// Queue is a bounded FIFO between the receiver and one sink writer. The
// receiver holds only the send side and never blocks: a full queue rejects
// the newest envelope immediately. The writer owns the receive side and is
// the queue's only consumer.
type Queue struct {
	name string
	ch   chan Envelope
}

// NewQueue creates a queue with the given capacity. The name identifies the
// sink in logs and metrics ("relational", "archive").
func NewQueue(name string, capacity int) *Queue {
	return &Queue{
		name: name,
		ch:   make(chan Envelope, capacity),
	}
}

// Name returns the sink name this queue feeds.
func (q *Queue) Name() string { return q.name }

// Len returns the current queue depth.
func (q *Queue) Len() int { return len(q.ch) }

// Cap returns the queue capacity.
func (q *Queue) Cap() int { return cap(q.ch) }

// TryEnqueue offers env to the queue without blocking. Returns false when the
// queue is full; the caller decides what to log and count.
func (q *Queue) TryEnqueue(env Envelope) bool {
	select {
	case q.ch <- env:
		return true
	default:
		return false
	}
}

// Dequeue waits up to wait for an envelope. Returns ok=false when the wait
// elapses or ctx is done, so writers can service flush timers and shutdown
// between messages.
func (q *Queue) Dequeue(ctx context.Context, wait time.Duration) (Envelope, bool) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case env := <-q.ch:
		return env, true
	case <-timer.C:
		return Envelope{}, false
	case <-ctx.Done():
		return Envelope{}, false
	}
}

// TryDequeue drains one envelope without waiting. Used by the shutdown drain
// path.
func (q *Queue) TryDequeue() (Envelope, bool) {
	select {
	case env := <-q.ch:
		return env, true
	default:
		return Envelope{}, false
	}
}
