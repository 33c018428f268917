package transport

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/fleetwatch/fleetwatch/internal/config"
	"github.com/fleetwatch/fleetwatch/internal/ids"
)

const (
	// mqttQoS is the delivery quality for all fleetwatch traffic: the broker
	// redelivers until acknowledged, so consumers must tolerate duplicates.
	mqttQoS byte = 1

	mqttConnectTimeout = 15 * time.Second
	mqttTokenTimeout   = 10 * time.Second
	mqttKeepAlive      = 30 * time.Second

	// subscribeBuffer absorbs delivery bursts between the paho callback and
	// the consumer loop. The callback never blocks on a stuck consumer.
	subscribeBuffer = 256
)

func init() {
	Register(buildMQTT, "mqtt", "tcp", "ssl", "mqtts")
}

func buildMQTT(ctx context.Context, cfg *config.Config, logger watermill.LoggerAdapter) (Bundle, error) {
	pubSub, err := NewMQTTPubSub(MQTTOptions{
		BrokerURL: cfg.BrokerURL,
		Username:  cfg.BrokerUsername,
		Password:  cfg.BrokerPassword,
	}, logger)
	if err != nil {
		return Bundle{}, err
	}
	return Bundle{Publisher: pubSub, Subscriber: pubSub}, nil
}

// MQTTOptions holds the MQTT connection settings.
type MQTTOptions struct {
	BrokerURL string
	Username  string
	Password  string
	// ClientID defaults to "fleetwatch-<ulid>" so restarts never collide with
	// a lingering session.
	ClientID string
}

// MQTTPubSub implements watermill's Publisher and Subscriber over a paho MQTT
// client. Subscriptions deliver QoS 1 messages with the concrete topic in
// metadata; publishes honour the retained metadata flag so last-known-state
// snapshots persist on the broker.
type MQTTPubSub struct {
	client mqtt.Client
	logger watermill.LoggerAdapter

	// mu guards routes and every route's consumer list. paho keeps exactly
	// one callback per topic filter, so concurrent subscribers to the same
	// filter share a route and deliveries fan out to all of them.
	mu     sync.Mutex
	routes map[string]*mqttRoute

	closing   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewMQTTPubSub connects to the broker. The returned transport is safe for
// concurrent use.
func NewMQTTPubSub(opts MQTTOptions, logger watermill.LoggerAdapter) (*MQTTPubSub, error) {
	if opts.BrokerURL == "" {
		return nil, fmt.Errorf("mqtt: broker URL is required")
	}
	if opts.ClientID == "" {
		opts.ClientID = "fleetwatch-" + ids.NewLower()
	}

	broker, err := pahoBrokerAddr(opts.BrokerURL)
	if err != nil {
		return nil, err
	}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetResumeSubs(true).
		SetOrderMatters(false).
		SetKeepAlive(mqttKeepAlive).
		SetConnectTimeout(mqttConnectTimeout)
	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
		clientOpts.SetPassword(opts.Password)
	}

	client := mqtt.NewClient(clientOpts)
	token := client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		return nil, fmt.Errorf("mqtt: connect to %s timed out", broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt: connect to %s: %w", broker, err)
	}

	logger.Info("Connected to MQTT broker", watermill.LogFields{
		"broker":    broker,
		"client_id": opts.ClientID,
	})

	return &MQTTPubSub{
		client:  client,
		logger:  logger,
		routes:  make(map[string]*mqttRoute),
		closing: make(chan struct{}),
	}, nil
}

// pahoBrokerAddr translates mqtt:// URLs into the tcp:// form paho expects.
func pahoBrokerAddr(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("mqtt: invalid broker URL %q: %w", rawURL, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "mqtt", "tcp":
		u.Scheme = "tcp"
	case "mqtts", "ssl":
		u.Scheme = "ssl"
	case "ws", "wss":
		// paho supports websockets natively
	default:
		return "", fmt.Errorf("mqtt: unsupported broker scheme %q", u.Scheme)
	}
	if u.Port() == "" {
		u.Host = u.Hostname() + ":1883"
	}
	u.User = nil
	return u.String(), nil
}

// Subscribe subscribes to topic (wildcards allowed) and returns the delivery
// channel. The channel closes when ctx is cancelled or the transport closes.
// Multiple subscribers may share one topic filter: the broker subscription is
// established once, every consumer receives every delivery, and the broker
// subscription is torn down only when the last consumer leaves.
func (p *MQTTPubSub) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	consumer := &mqttConsumer{out: make(chan *message.Message, subscribeBuffer)}

	p.mu.Lock()
	route, existing := p.routes[topic]
	if !existing {
		route = &mqttRoute{pubsub: p, topic: topic}
		p.routes[topic] = route
	}
	route.consumers = append(route.consumers, consumer)
	p.mu.Unlock()

	if !existing {
		// The broker round trip happens outside the lock so a slow SUBACK
		// cannot stall deliveries on other filters.
		token := p.client.Subscribe(topic, mqttQoS, route.deliver)
		if !token.WaitTimeout(mqttTokenTimeout) {
			p.removeConsumer(route, consumer)
			return nil, fmt.Errorf("mqtt: subscribe %q timed out", topic)
		}
		if err := token.Error(); err != nil {
			p.removeConsumer(route, consumer)
			return nil, fmt.Errorf("mqtt: subscribe %q: %w", topic, err)
		}
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		select {
		case <-ctx.Done():
		case <-p.closing:
		}
		p.removeConsumer(route, consumer)
	}()

	return consumer.out, nil
}

// removeConsumer detaches one consumer from its route. The broker-level
// unsubscribe happens only when the filter has no consumers left.
func (p *MQTTPubSub) removeConsumer(route *mqttRoute, consumer *mqttConsumer) {
	p.mu.Lock()
	if consumer.closed {
		p.mu.Unlock()
		return
	}
	consumer.closed = true
	close(consumer.out)

	for i, c := range route.consumers {
		if c == consumer {
			route.consumers = append(route.consumers[:i], route.consumers[i+1:]...)
			break
		}
	}
	last := len(route.consumers) == 0
	if last {
		delete(p.routes, route.topic)
	}
	p.mu.Unlock()

	if last {
		p.client.Unsubscribe(route.topic)
	}
}

// Publish sends each message to topic at QoS 1. A message with the retained
// metadata flag is stored by the broker as the topic's last known value.
func (p *MQTTPubSub) Publish(topic string, messages ...*message.Message) error {
	for _, msg := range messages {
		retained := msg.Metadata.Get(RetainedMetadataKey) == "true"
		token := p.client.Publish(topic, mqttQoS, retained, []byte(msg.Payload))
		if !token.WaitTimeout(mqttTokenTimeout) {
			return fmt.Errorf("mqtt: publish to %q timed out", topic)
		}
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt: publish to %q: %w", topic, err)
		}
	}
	return nil
}

// Close unsubscribes everything and disconnects from the broker.
func (p *MQTTPubSub) Close() error {
	p.closeOnce.Do(func() {
		close(p.closing)
		p.wg.Wait()
		p.client.Disconnect(250)
	})
	return nil
}

// mqttRoute is the single paho callback target for one topic filter, fanning
// each delivery out to every registered consumer. The callback must never
// block: the broker's delivery/ack loop stalls otherwise, so a consumer with
// a full channel has that delivery dropped with a log line while the others
// still receive it.
type mqttRoute struct {
	pubsub    *MQTTPubSub
	topic     string
	consumers []*mqttConsumer
}

// mqttConsumer is one Subscribe call's delivery channel.
type mqttConsumer struct {
	out    chan *message.Message
	closed bool
}

func (r *mqttRoute) deliver(_ mqtt.Client, m mqtt.Message) {
	r.pubsub.mu.Lock()
	defer r.pubsub.mu.Unlock()

	for _, c := range r.consumers {
		if c.closed {
			continue
		}
		// Each consumer gets its own message so acks stay independent.
		msg := message.NewMessage(watermill.NewUUID(), message.Payload(m.Payload()))
		msg.Metadata.Set(TopicMetadataKey, m.Topic())

		select {
		case c.out <- msg:
		default:
			r.pubsub.logger.Info("Subscriber channel full, dropping delivery", watermill.LogFields{
				"topic": m.Topic(),
			})
		}
	}
}
