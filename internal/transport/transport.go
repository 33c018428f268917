// Package transport builds the broker connection behind Watermill's
// Publisher/Subscriber contracts. The production transport is MQTT; NATS and
// an in-memory channel transport are selectable by broker URL scheme.
package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/fleetwatch/fleetwatch/internal/config"
)

// TopicMetadataKey carries the concrete topic a message arrived on (or should
// be published to), as opposed to the subscription pattern. Transports that
// know the delivery topic set it; consumers fall back to the pattern when it
// is absent.
const TopicMetadataKey = "topic"

// RetainedMetadataKey marks an outgoing message as retained on transports
// with last-value semantics (MQTT). Other transports ignore it.
const RetainedMetadataKey = "retained"

// Bundle pairs the publisher and subscriber for one broker connection.
type Bundle struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Close closes both halves, tolerating shared implementations.
func (b Bundle) Close() error {
	if closerEqual(b.Publisher, b.Subscriber) {
		return b.Publisher.Close()
	}
	err := b.Publisher.Close()
	if serr := b.Subscriber.Close(); err == nil {
		err = serr
	}
	return err
}

func closerEqual(p message.Publisher, s message.Subscriber) bool {
	return any(p) == any(s)
}

// Builder constructs a transport from configuration.
type Builder func(ctx context.Context, cfg *config.Config, logger watermill.LoggerAdapter) (Bundle, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Builder{}
)

// Register adds a transport builder under one or more scheme names.
func Register(builder Builder, schemes ...string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	for _, scheme := range schemes {
		registry[scheme] = builder
	}
}

// Names returns the registered scheme names.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	return names
}

// New builds the transport selected by the broker URL scheme.
func New(ctx context.Context, cfg *config.Config, logger watermill.LoggerAdapter) (Bundle, error) {
	scheme := cfg.BrokerScheme()

	registryMu.RLock()
	builder, ok := registry[scheme]
	registryMu.RUnlock()

	if !ok {
		return Bundle{}, fmt.Errorf("unknown transport scheme %q (registered: %v)", scheme, Names())
	}

	return builder(ctx, cfg, logger)
}
