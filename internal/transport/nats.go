package transport

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmnats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/nats-io/nats.go"

	"github.com/fleetwatch/fleetwatch/internal/config"
)

func init() {
	Register(buildNATS, "nats")
}

// buildNATS creates a NATS Core transport. Deployments on NATS use subject
// patterns like "telemetry.>"; retained last-known-state semantics are an
// MQTT feature, so the last stream degrades to live-only there.
func buildNATS(ctx context.Context, cfg *config.Config, logger watermill.LoggerAdapter) (Bundle, error) {
	marshaler := &wmnats.NATSMarshaler{}

	options := []nats.Option{
		nats.Name("fleetwatch"),
		nats.Timeout(10 * time.Second),
		nats.RetryOnFailedConnect(true),
	}
	if cfg.BrokerUsername != "" {
		options = append(options, nats.UserInfo(cfg.BrokerUsername, cfg.BrokerPassword))
	}

	publisher, err := wmnats.NewPublisher(
		wmnats.PublisherConfig{
			URL:         cfg.BrokerURL,
			NatsOptions: options,
			Marshaler:   marshaler,
		},
		logger,
	)
	if err != nil {
		return Bundle{}, err
	}

	subscriber, err := wmnats.NewSubscriber(
		wmnats.SubscriberConfig{
			URL:         cfg.BrokerURL,
			NatsOptions: options,
			Unmarshaler: marshaler,
		},
		logger,
	)
	if err != nil {
		return Bundle{}, err
	}

	return Bundle{
		Publisher:  publisher,
		Subscriber: subscriber,
	}, nil
}
