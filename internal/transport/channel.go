package transport

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/fleetwatch/fleetwatch/internal/config"
)

func init() {
	Register(buildChannel, "channel")
}

// buildChannel creates the in-memory Go channel transport used by tests and
// local development. Topics match exactly (no wildcards); publishers should
// set the topic metadata key so consumers still see a concrete topic.
func buildChannel(ctx context.Context, cfg *config.Config, logger watermill.LoggerAdapter) (Bundle, error) {
	pubSub := gochannel.NewGoChannel(
		gochannel.Config{OutputChannelBuffer: subscribeBuffer},
		logger,
	)
	return Bundle{
		Publisher:  pubSub,
		Subscriber: pubSub,
	}, nil
}
