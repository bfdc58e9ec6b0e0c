// Package rabbitmq provides a RabbitMQ/AMQP transport for livewire. Each
// topic is a durable fanout exchange and each consumer group a durable queue
// bound to it.
package rabbitmq

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	amqp091 "github.com/rabbitmq/amqp091-go"

	metadatapkg "github.com/drblury/livewire/internal/runtime/metadata"
	"github.com/drblury/livewire/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "rabbitmq"

// ConnectionFactory allows overriding the connection creation for testing.
var ConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
	return amqp.NewConnection(cfg, logger)
}

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Publisher, error) {
	return amqp.NewPublisherWithConnection(cfg, logger, conn)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Subscriber, error) {
	return amqp.NewSubscriberWithConnection(cfg, logger, conn)
}

func init() {
	Register()
}

// Register registers the RabbitMQ transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.RabbitMQCapabilities)
}

// QueueName gives each consumer group its own durable queue per topic, so
// every group receives every message and members of a group share the load.
func QueueName(group string) amqp.QueueNameGenerator {
	if group == "" {
		return amqp.GenerateQueueNameTopicName
	}
	return amqp.GenerateQueueNameTopicNameWithSuffix(group)
}

// Marshaler carries the envelope id as the AMQP message id and the watermill
// UUID header, so broker tooling and the consumer agree on message identity.
func Marshaler() amqp.DefaultMarshaler {
	return amqp.DefaultMarshaler{
		MessageUUIDHeaderKey:  metadatapkg.KeyMessageID,
		PostprocessPublishing: envelopeProperties,
	}
}

// envelopeProperties copies envelope headers onto the matching AMQP
// properties.
func envelopeProperties(p amqp091.Publishing) amqp091.Publishing {
	if id, ok := p.Headers[metadatapkg.KeyMessageID].(string); ok {
		p.MessageId = id
	}
	if correlationID, ok := p.Headers[metadatapkg.KeyCorrelationID].(string); ok {
		p.CorrelationId = correlationID
	}
	if contentType, ok := p.Headers[metadatapkg.KeyContentType].(string); ok {
		p.ContentType = contentType
	}
	if messageType, ok := p.Headers[metadatapkg.KeyMessageType].(string); ok {
		p.Type = messageType
	}
	return p
}

// Build creates a new RabbitMQ transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := cfg.GetRabbitMQURL()

	amqpConfig := amqp.NewDurablePubSubConfig(url, QueueName(cfg.GetConsumerGroup()))
	amqpConfig.Marshaler = Marshaler()

	conn, err := ConnectionFactory(amqp.ConnectionConfig{
		AmqpURI:   url,
		TLSConfig: nil,
		Reconnect: amqp.DefaultReconnectConfig(),
	}, logger)
	if err != nil {
		return transport.Transport{}, fmt.Errorf("rabbitmq connection: %w", err)
	}

	publisher, err := PublisherFactory(amqpConfig, logger, conn)
	if err != nil {
		return transport.Transport{}, fmt.Errorf("rabbitmq publisher: %w", err)
	}

	subscriber, err := SubscriberFactory(amqpConfig, logger, conn)
	if err != nil {
		return transport.Transport{}, fmt.Errorf("rabbitmq subscriber: %w", err)
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.RabbitMQCapabilities
}
