package nats

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	nc "github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/livewire/transport"
)

func TestRegister(t *testing.T) {
	original := transport.DefaultRegistry
	t.Cleanup(func() { transport.DefaultRegistry = original })

	transport.DefaultRegistry = transport.NewRegistry()
	Register()

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "nats", caps.Name)
	assert.False(t, caps.SupportsAck)
	assert.False(t, caps.SupportsReliableDelivery())
	assert.True(t, caps.SupportsTracing)
	assert.Positive(t, caps.MaxMessageSize)
}

func TestCapabilities(t *testing.T) {
	caps := Capabilities()
	assert.Equal(t, transport.NATSCapabilities, caps)
	assert.Equal(t, "nats", caps.Name)
}

func TestTransportName(t *testing.T) {
	assert.Equal(t, "nats", TransportName)
}

func TestBuild(t *testing.T) {
	t.Run("creates transport with mocked factories", func(t *testing.T) {
		originalPubFactory := PublisherFactory
		originalSubFactory := SubscriberFactory
		defer func() {
			PublisherFactory = originalPubFactory
			SubscriberFactory = originalSubFactory
		}()

		mockPub := &mockPublisher{}
		mockSub := &mockSubscriber{}

		PublisherFactory = func(config nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			return mockPub, nil
		}
		SubscriberFactory = func(config nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
			return mockSub, nil
		}

		cfg := &mockConfig{natsURL: "nats://localhost:4222"}
		tr, err := Build(context.Background(), cfg, watermill.NopLogger{})

		require.NoError(t, err)
		assert.Equal(t, mockPub, tr.Publisher)
		assert.Equal(t, mockSub, tr.Subscriber)
		assert.Nil(t, tr.Position)
	})

	t.Run("uses consumer group as queue group and disables jetstream", func(t *testing.T) {
		originalPubFactory := PublisherFactory
		originalSubFactory := SubscriberFactory
		defer func() {
			PublisherFactory = originalPubFactory
			SubscriberFactory = originalSubFactory
		}()

		var pubCfg nats.PublisherConfig
		var subCfg nats.SubscriberConfig
		PublisherFactory = func(config nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			pubCfg = config
			return &mockPublisher{}, nil
		}
		SubscriberFactory = func(config nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
			subCfg = config
			return &mockSubscriber{}, nil
		}

		cfg := &mockConfig{natsURL: "nats://localhost:4222", consumerGroup: "billing"}
		_, err := Build(context.Background(), cfg, watermill.NopLogger{})
		require.NoError(t, err)

		assert.Equal(t, "nats://localhost:4222", pubCfg.URL)
		assert.True(t, pubCfg.JetStream.Disabled)
		assert.Equal(t, "billing", subCfg.QueueGroupPrefix)
		assert.True(t, subCfg.JetStream.Disabled)

		opts := applyOptions(t, pubCfg.NatsOptions)
		assert.Equal(t, "livewire-billing", opts.Name)
		assert.Equal(t, -1, opts.MaxReconnect)
		assert.Equal(t, ReconnectWait, opts.ReconnectWait)
		assert.NotNil(t, opts.DisconnectedErrCB)
		assert.NotNil(t, opts.ReconnectedCB)
		assert.Len(t, subCfg.NatsOptions, len(pubCfg.NatsOptions))
	})

	t.Run("returns error when publisher factory fails", func(t *testing.T) {
		originalPubFactory := PublisherFactory
		defer func() { PublisherFactory = originalPubFactory }()

		PublisherFactory = func(config nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			return nil, errors.New("publisher error")
		}

		cfg := &mockConfig{natsURL: "nats://localhost:4222"}
		_, err := Build(context.Background(), cfg, watermill.NopLogger{})

		require.Error(t, err)
		assert.Contains(t, err.Error(), "nats publisher: publisher error")
	})

	t.Run("returns error when subscriber factory fails", func(t *testing.T) {
		originalPubFactory := PublisherFactory
		originalSubFactory := SubscriberFactory
		defer func() {
			PublisherFactory = originalPubFactory
			SubscriberFactory = originalSubFactory
		}()

		pub := &mockPublisher{}
		PublisherFactory = func(config nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			return pub, nil
		}
		SubscriberFactory = func(config nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
			return nil, errors.New("subscriber error")
		}

		cfg := &mockConfig{natsURL: "nats://localhost:4222"}
		_, err := Build(context.Background(), cfg, watermill.NopLogger{})

		require.Error(t, err)
		assert.Contains(t, err.Error(), "nats subscriber: subscriber error")
		assert.True(t, pub.closed)
	})
}

func TestClientName(t *testing.T) {
	assert.Equal(t, "livewire", clientName(""))
	assert.Equal(t, "livewire-billing", clientName("billing"))
}

func applyOptions(t *testing.T, options []nc.Option) nc.Options {
	t.Helper()
	opts := nc.GetDefaultOptions()
	for _, apply := range options {
		require.NoError(t, apply(&opts))
	}
	return opts
}

type mockConfig struct {
	natsURL       string
	consumerGroup string
}

func (m *mockConfig) GetPubSubSystem() string       { return "nats" }
func (m *mockConfig) GetKafkaBrokers() []string     { return nil }
func (m *mockConfig) GetKafkaClientID() string      { return "" }
func (m *mockConfig) GetConsumerGroup() string      { return m.consumerGroup }
func (m *mockConfig) GetRabbitMQURL() string        { return "" }
func (m *mockConfig) GetNATSURL() string            { return m.natsURL }
func (m *mockConfig) GetHTTPServerAddress() string  { return "" }
func (m *mockConfig) GetHTTPPublisherURL() string   { return "" }
func (m *mockConfig) GetAWSRegion() string          { return "" }
func (m *mockConfig) GetAWSAccountID() string       { return "" }
func (m *mockConfig) GetAWSAccessKeyID() string     { return "" }
func (m *mockConfig) GetAWSSecretAccessKey() string { return "" }
func (m *mockConfig) GetAWSEndpoint() string        { return "" }

type mockPublisher struct {
	closed bool
}

func (m *mockPublisher) Publish(topic string, messages ...*message.Message) error { return nil }
func (m *mockPublisher) Close() error {
	m.closed = true
	return nil
}

type mockSubscriber struct{}

func (m *mockSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return make(chan *message.Message), nil
}
func (m *mockSubscriber) Close() error { return nil }
