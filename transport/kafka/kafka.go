// Package kafka provides a Kafka transport for livewire. Messages are
// partitioned by the livewire key header and delivered messages report their
// partition, offset and timestamp.
package kafka

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	metadatapkg "github.com/drblury/livewire/internal/runtime/metadata"
	"github.com/drblury/livewire/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "kafka"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return kafka.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return kafka.NewSubscriber(cfg, logger)
}

func init() {
	Register()
}

// Register registers the Kafka transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.KafkaCapabilities)
}

// PartitionKey routes messages with the same livewire key to the same
// partition. Keyless messages get an empty key and are spread by the broker.
func PartitionKey(topic string, msg *message.Message) (string, error) {
	return msg.Metadata.Get(metadatapkg.KeyKey), nil
}

// Build creates a new Kafka transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	brokers := cfg.GetKafkaBrokers()
	marshaler := kafka.NewWithPartitioningMarshaler(PartitionKey)

	publisherSarama := kafka.DefaultSaramaSyncPublisherConfig()
	subscriberSarama := kafka.DefaultSaramaSubscriberConfig()
	if clientID := cfg.GetKafkaClientID(); clientID != "" {
		publisherSarama.ClientID = clientID
		subscriberSarama.ClientID = clientID
	}

	publisher, err := PublisherFactory(
		kafka.PublisherConfig{
			Brokers:               brokers,
			Marshaler:             marshaler,
			OverwriteSaramaConfig: publisherSarama,
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, fmt.Errorf("kafka publisher: %w", err)
	}

	subscriber, err := SubscriberFactory(
		kafka.SubscriberConfig{
			Brokers:               brokers,
			Unmarshaler:           marshaler,
			ConsumerGroup:         cfg.GetConsumerGroup(),
			OverwriteSaramaConfig: subscriberSarama,
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, fmt.Errorf("kafka subscriber: %w", err)
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
		Position:   Position,
	}, nil
}

// Position reads the partition, offset and timestamp the subscriber stores
// in the message context.
func Position(msg *message.Message) (transport.Position, bool) {
	ctx := msg.Context()
	partition, ok := kafka.MessagePartitionFromCtx(ctx)
	if !ok {
		return transport.Position{}, false
	}
	pos := transport.Position{Partition: partition}
	if offset, ok := kafka.MessagePartitionOffsetFromCtx(ctx); ok {
		pos.Offset = offset
	}
	if ts, ok := kafka.MessageTimestampFromCtx(ctx); ok {
		pos.Timestamp = ts
	}
	return pos, true
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.KafkaCapabilities
}
