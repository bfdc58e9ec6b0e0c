// Package nats provides a NATS Core transport for livewire.
//
// Core NATS is fire-and-forget: there is no redelivery, so consumers relying on
// the inbox for retries should prefer the nats-jetstream transport.
package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	nc "github.com/nats-io/nats.go"

	"github.com/drblury/livewire/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "nats"

// ClientName identifies livewire connections on the server.
const ClientName = "livewire"

// ReconnectWait is the pause between reconnect attempts. Attempts are
// unlimited.
const ReconnectWait = 2 * time.Second

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return nats.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return nats.NewSubscriber(cfg, logger)
}

func init() {
	Register()
}

// Register registers the NATS transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSCapabilities)
}

// Build creates a new NATS transport. Subscribers sharing a consumer group
// join the same queue group so each message reaches one of them.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := cfg.GetNATSURL()
	group := cfg.GetConsumerGroup()
	marshaler := &nats.NATSMarshaler{}
	options := connectionOptions(clientName(group), logger)
	core := nats.JetStreamConfig{Disabled: true}

	publisher, err := PublisherFactory(nats.PublisherConfig{
		URL:         url,
		NatsOptions: options,
		Marshaler:   marshaler,
		JetStream:   core,
	}, logger)
	if err != nil {
		return transport.Transport{}, fmt.Errorf("nats publisher: %w", err)
	}

	subscriber, err := SubscriberFactory(nats.SubscriberConfig{
		URL:              url,
		QueueGroupPrefix: group,
		NatsOptions:      options,
		Unmarshaler:      marshaler,
		JetStream:        core,
	}, logger)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, fmt.Errorf("nats subscriber: %w", err)
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.NATSCapabilities
}

func clientName(group string) string {
	if group == "" {
		return ClientName
	}
	return ClientName + "-" + group
}

func connectionOptions(name string, logger watermill.LoggerAdapter) []nc.Option {
	fields := watermill.LogFields{"client": name}
	return []nc.Option{
		nc.Name(name),
		nc.MaxReconnects(-1),
		nc.ReconnectWait(ReconnectWait),
		nc.DisconnectErrHandler(func(_ *nc.Conn, err error) {
			if err != nil {
				logger.Error("NATS connection lost", err, fields)
			}
		}),
		nc.ReconnectHandler(func(conn *nc.Conn) {
			logger.Info("NATS connection restored", fields.Add(watermill.LogFields{"url": conn.ConnectedUrl()}))
		}),
	}
}
