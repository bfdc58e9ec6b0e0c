package aws

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sns"
	"github.com/ThreeDotsLabs/watermill-aws/sqs"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
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
	assert.Equal(t, "aws", caps.Name)
	assert.True(t, caps.SupportsReliableDelivery())
	assert.True(t, caps.SupportsTracing)
	assert.False(t, caps.Fits(300*1024))
}

func TestQueueName(t *testing.T) {
	arn := sns.TopicArn("arn:aws:sns:us-east-1:123456789012:orders")

	name, err := QueueName("")(context.Background(), arn)
	require.NoError(t, err)
	assert.Equal(t, "orders", name)

	name, err = QueueName("billing")(context.Background(), arn)
	require.NoError(t, err)
	assert.Equal(t, "orders-billing", name)
}

func TestCapabilities(t *testing.T) {
	caps := Capabilities()
	assert.Equal(t, transport.AWSCapabilities, caps)
	assert.Equal(t, "aws", caps.Name)
}

func TestTransportName(t *testing.T) {
	assert.Equal(t, "aws", TransportName)
}

// stubAWS replaces the AWS factories for the duration of a test.
func stubAWS(t *testing.T, pub message.Publisher, sub message.Subscriber) (*sns.PublisherConfig, *sqs.SubscriberConfig) {
	t.Helper()
	originalConfigLoader := DefaultConfigLoader
	originalTopicResolver := TopicResolverFactory
	originalPubFactory := PublisherFactory
	originalSubFactory := SubscriberFactory
	t.Cleanup(func() {
		DefaultConfigLoader = originalConfigLoader
		TopicResolverFactory = originalTopicResolver
		PublisherFactory = originalPubFactory
		SubscriberFactory = originalSubFactory
	})

	var pubCfg sns.PublisherConfig
	var sqsCfg sqs.SubscriberConfig
	DefaultConfigLoader = func(ctx context.Context, opts ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		return aws.Config{Region: "us-east-1"}, nil
	}
	TopicResolverFactory = func(accountID, region string) (*sns.GenerateArnTopicResolver, error) {
		return &sns.GenerateArnTopicResolver{}, nil
	}
	PublisherFactory = func(cfg sns.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		pubCfg = cfg
		if pub == nil {
			return nil, errors.New("publisher error")
		}
		return pub, nil
	}
	SubscriberFactory = func(cfg sns.SubscriberConfig, cfgSQS sqs.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		sqsCfg = cfgSQS
		if sub == nil {
			return nil, errors.New("subscriber error")
		}
		return sub, nil
	}
	return &pubCfg, &sqsCfg
}

func TestBuild(t *testing.T) {
	t.Run("wraps the SNS publisher and subscriber", func(t *testing.T) {
		mockPub := &mockPublisher{}
		stubAWS(t, mockPub, &mockSubscriber{})

		tr, err := Build(context.Background(), &mockConfig{awsRegion: "us-east-1", awsAccountID: "123456789012"}, watermill.NopLogger{})
		require.NoError(t, err)

		require.IsType(t, packingPublisher{}, tr.Publisher)
		require.IsType(t, unpackingSubscriber{}, tr.Subscriber)
		assert.Equal(t, mockPub, tr.Publisher.(packingPublisher).Publisher)
	})

	t.Run("applies the custom endpoint to both sides", func(t *testing.T) {
		pubCfg, sqsCfg := stubAWS(t, &mockPublisher{}, &mockSubscriber{})

		_, err := Build(context.Background(), &mockConfig{awsRegion: "us-east-1", awsEndpoint: "http://localhost:4566"}, watermill.NopLogger{})
		require.NoError(t, err)
		assert.Len(t, pubCfg.OptFns, 1)
		assert.Len(t, sqsCfg.OptFns, 1)
	})

	t.Run("requires config", func(t *testing.T) {
		_, err := Build(context.Background(), nil, watermill.NopLogger{})
		assert.Error(t, err)
	})

	t.Run("returns error when config loader fails", func(t *testing.T) {
		stubAWS(t, &mockPublisher{}, &mockSubscriber{})
		DefaultConfigLoader = func(ctx context.Context, opts ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
			return aws.Config{}, errors.New("config error")
		}

		_, err := Build(context.Background(), &mockConfig{awsRegion: "us-east-1"}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "config error")
	})

	t.Run("returns error when publisher factory fails", func(t *testing.T) {
		stubAWS(t, nil, &mockSubscriber{})

		_, err := Build(context.Background(), &mockConfig{awsRegion: "us-east-1", awsAccountID: "123456789012"}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "publisher error")
	})

	t.Run("closes the publisher when subscriber factory fails", func(t *testing.T) {
		pub := &mockPublisher{}
		stubAWS(t, pub, nil)

		_, err := Build(context.Background(), &mockConfig{awsRegion: "us-east-1", awsAccountID: "123456789012"}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "subscriber error")
		assert.True(t, pub.closed)
	})
}

func TestResolveAccountAndRegion(t *testing.T) {
	t.Run("uses config values", func(t *testing.T) {
		cfg := &mockConfig{awsAccountID: "'123456789012'", awsRegion: "us-west-2"}
		accountID, region := resolveAccountAndRegion(cfg, watermill.NopLogger{}, "us-east-1")
		assert.Equal(t, "123456789012", accountID)
		assert.Equal(t, "us-west-2", region)
	})

	t.Run("uses fallback region when config region empty", func(t *testing.T) {
		_, region := resolveAccountAndRegion(&mockConfig{awsAccountID: "123456789012"}, watermill.NopLogger{}, "us-east-1")
		assert.Equal(t, "us-east-1", region)
	})

	t.Run("uses localstack default for missing or invalid account", func(t *testing.T) {
		for _, account := range []string{"", "42"} {
			cfg := &mockConfig{awsEndpoint: "http://localhost:4566", awsAccountID: account}
			accountID, _ := resolveAccountAndRegion(cfg, watermill.NopLogger{}, "us-east-1")
			assert.Equal(t, localstackAccountID, accountID)
		}
	})
}

func TestAwsEndpointURL(t *testing.T) {
	u, err := awsEndpointURL(&mockConfig{})
	assert.NoError(t, err)
	assert.Nil(t, u)

	u, err = awsEndpointURL(&mockConfig{awsEndpoint: "http://localhost:4566"})
	require.NoError(t, err)
	assert.Equal(t, "localhost:4566", u.Host)

	_, err = awsEndpointURL(&mockConfig{awsEndpoint: "://bad"})
	assert.Error(t, err)
}

type mockConfig struct {
	awsRegion          string
	awsAccountID       string
	awsAccessKeyID     string
	awsSecretAccessKey string
	awsEndpoint        string
}

func (m *mockConfig) GetPubSubSystem() string       { return "aws" }
func (m *mockConfig) GetKafkaBrokers() []string     { return nil }
func (m *mockConfig) GetKafkaClientID() string      { return "" }
func (m *mockConfig) GetConsumerGroup() string      { return "" }
func (m *mockConfig) GetRabbitMQURL() string        { return "" }
func (m *mockConfig) GetNATSURL() string            { return "" }
func (m *mockConfig) GetHTTPServerAddress() string  { return "" }
func (m *mockConfig) GetHTTPPublisherURL() string   { return "" }
func (m *mockConfig) GetAWSRegion() string          { return m.awsRegion }
func (m *mockConfig) GetAWSAccountID() string       { return m.awsAccountID }
func (m *mockConfig) GetAWSAccessKeyID() string     { return m.awsAccessKeyID }
func (m *mockConfig) GetAWSSecretAccessKey() string { return m.awsSecretAccessKey }
func (m *mockConfig) GetAWSEndpoint() string        { return m.awsEndpoint }

type mockPublisher struct {
	published []*message.Message
	closed    bool
}

func (m *mockPublisher) Publish(topic string, messages ...*message.Message) error {
	m.published = append(m.published, messages...)
	return nil
}

func (m *mockPublisher) Close() error {
	m.closed = true
	return nil
}

type mockSubscriber struct {
	messages chan *message.Message
}

func (m *mockSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if m.messages == nil {
		m.messages = make(chan *message.Message)
	}
	return m.messages, nil
}
func (m *mockSubscriber) Close() error { return nil }
