package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/fleetwatch/fleetwatch/internal/logging"
	"github.com/fleetwatch/fleetwatch/internal/payload"
	"github.com/fleetwatch/fleetwatch/internal/transport"
)

// Receiver subscribes to the broker and fans every message out to the sink
// queues. Enqueueing is non-blocking: a full queue drops the newest envelope
// for that sink only, so a stalled sink can never back up the broker's
// delivery loop or the other sink.
type Receiver struct {
	subscriber message.Subscriber
	queues     []*Queue
	log        logging.Logger
	metrics    *Metrics
	now        func() time.Time
}

// NewReceiver wires a receiver to its subscriber and sink queues.
func NewReceiver(sub message.Subscriber, log logging.Logger, metrics *Metrics, queues ...*Queue) *Receiver {
	return &Receiver{
		subscriber: sub,
		queues:     queues,
		log:        log,
		metrics:    metrics,
		now:        time.Now,
	}
}

// Run subscribes to each pattern and consumes deliveries until ctx is
// cancelled or the subscriber closes its channels.
func (r *Receiver) Run(ctx context.Context, patterns ...string) error {
	var wg sync.WaitGroup
	for _, pattern := range patterns {
		messages, err := r.subscriber.Subscribe(ctx, pattern)
		if err != nil {
			return err
		}
		r.log.Info("subscribed", logging.Fields{"pattern": pattern})

		wg.Add(1)
		go func(pattern string, messages <-chan *message.Message) {
			defer wg.Done()
			for msg := range messages {
				r.handle(pattern, msg)
			}
		}(pattern, messages)
	}

	wg.Wait()
	return nil
}

// handle decodes one delivery and offers it to every sink queue. It must
// return promptly and must not fail: a body that does not parse is kept as a
// raw-text placeholder, and queue-full is a per-sink drop, not an error.
func (r *Receiver) handle(pattern string, msg *message.Message) {
	topic := msg.Metadata.Get(transport.TopicMetadataKey)
	if topic == "" {
		topic = pattern
	}

	tree, parsed := payload.Decode(msg.Payload)
	if !parsed {
		r.metrics.RecordDecodeFallback()
		r.log.Debug("payload did not parse, keeping raw text", logging.Fields{"topic": topic})
	}

	env := Envelope{
		Topic:      topic,
		Payload:    tree,
		ReceivedAt: r.now().UTC(),
	}

	r.metrics.RecordReceived(StreamKind(topic))

	for _, q := range r.queues {
		if q.TryEnqueue(env) {
			r.metrics.SetQueueDepth(q.Name(), q.Len())
			continue
		}
		r.metrics.RecordDropped(q.Name())
		r.log.Info("sink queue full, dropping newest envelope", logging.Fields{
			"sink":  q.Name(),
			"topic": topic,
		})
	}

	msg.Ack()
}
