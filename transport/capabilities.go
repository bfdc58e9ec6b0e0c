package transport

// Capabilities describes the features of a broker that matter to the relay
// and the consumer.
type Capabilities struct {
	// SupportsOrdering indicates messages within a partition/stream are
	// delivered in publish order.
	SupportsOrdering bool

	// SupportsPartitioning indicates the broker routes by message key.
	SupportsPartitioning bool

	// SupportsPositions indicates delivered messages carry partition, offset
	// and timestamp.
	SupportsPositions bool

	// SupportsTracing indicates the transport propagates tracing headers natively.
	SupportsTracing bool

	// SupportsAck indicates the transport supports explicit message acknowledgment.
	SupportsAck bool

	// SupportsNack indicates the transport supports negative acknowledgment (redelivery).
	SupportsNack bool

	// MaxMessageSize is the maximum message size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64

	Name string
}

// SupportsReliableDelivery returns true if the transport supports at-least-once
// delivery semantics (ack + nack). Without it a failed handler cannot trigger
// redelivery and the inbox marker is the only retry record.
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// Fits reports whether a payload of size bytes can be published. Muxed
// envelopes grow with every sub-message, so producers check before sending.
func (c Capabilities) Fits(size int) bool {
	return c.MaxMessageSize == 0 || int64(size) <= c.MaxMessageSize
}

// Predefined capability sets for the built-in transports.
var (
	ChannelCapabilities = Capabilities{
		Name:              "channel",
		SupportsOrdering:  true,
		SupportsPositions: true,
		SupportsAck:       true,
		SupportsNack:      true,
	}

	KafkaCapabilities = Capabilities{
		Name:                 "kafka",
		SupportsOrdering:     true,
		SupportsPartitioning: true,
		SupportsPositions:    true,
		SupportsTracing:      true,
		SupportsAck:          true,
		MaxMessageSize:       1048576, // broker default message.max.bytes
	}

	RabbitMQCapabilities = Capabilities{
		Name:             "rabbitmq",
		SupportsOrdering: true,
		SupportsTracing:  true,
		SupportsAck:      true,
		SupportsNack:     true,
	}

	NATSCapabilities = Capabilities{
		Name:            "nats",
		SupportsTracing: true,
		MaxMessageSize:  1048576,
	}

	JetStreamCapabilities = Capabilities{
		Name:              "nats-jetstream",
		SupportsOrdering:  true,
		SupportsPositions: true,
		SupportsTracing:   true,
		SupportsAck:       true,
		SupportsNack:      true,
		MaxMessageSize:    1048576,
	}

	AWSCapabilities = Capabilities{
		Name:             "aws",
		SupportsOrdering: true,
		SupportsTracing:  true,
		SupportsAck:      true,
		SupportsNack:     true,
		MaxMessageSize:   262144, // 256KB
	}

	HTTPCapabilities = Capabilities{
		Name:            "http",
		SupportsTracing: true,
	}
)

// GetCapabilities returns the capabilities registered for a transport name.
// Unknown names yield a zero Capabilities carrying only the name.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
