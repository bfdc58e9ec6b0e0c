// Package transport defines the broker side of livewire: a publisher and
// subscriber pair built from configuration. Each broker (kafka, rabbitmq, aws,
// etc.) lives in its own sub-package and registers itself with the registry.
package transport

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Transport combines a publisher and subscriber pair produced by a builder.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
	// Position reports where a delivered message sits in the broker log.
	// Nil when the broker has no such notion.
	Position PositionFunc
}

// Position is the broker-assigned location of a delivered message.
type Position struct {
	Partition int32
	Offset    int64
	Timestamp time.Time
}

// PositionFunc extracts the Position of a delivered message, reporting false
// when the message carries none.
type PositionFunc func(msg *message.Message) (Position, bool)

// PositionOf calls t.Position when set.
func (t Transport) PositionOf(msg *message.Message) (Position, bool) {
	if t.Position == nil || msg == nil {
		return Position{}, false
	}
	return t.Position(msg)
}

// Builder is the function signature for creating a transport from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config provides the configuration values needed by transports without
// depending on the full config package.
type Config interface {
	GetPubSubSystem() string
	GetConsumerGroup() string

	// Kafka
	GetKafkaBrokers() []string
	GetKafkaClientID() string

	// RabbitMQ
	GetRabbitMQURL() string

	// NATS
	GetNATSURL() string

	// HTTP
	GetHTTPServerAddress() string
	GetHTTPPublisherURL() string

	// AWS
	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}

// CapabilitiesProvider is implemented by transports that can report their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}
