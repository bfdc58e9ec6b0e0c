// Package aws provides an AWS SNS/SQS transport for livewire. Topics map to
// SNS topics; each consumer group subscribes through its own SQS queue.
//
// SNS and SQS carry at most ten message attributes. Envelopes whose headers
// exceed that are packed into the single LW_headers attribute on publish and
// unpacked again before the consumer sees them.
package aws

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sns"
	"github.com/ThreeDotsLabs/watermill-aws/sqs"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	amazonsns "github.com/aws/aws-sdk-go-v2/service/sns"
	amazonsqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	smithyendpoints "github.com/aws/smithy-go/endpoints"

	"github.com/drblury/livewire/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "aws"

const (
	localstackAccountID = "000000000000"
	awsAccountIDLength  = 12
)

// DefaultConfigLoader allows overriding the AWS config loader for testing.
var DefaultConfigLoader = awsconfig.LoadDefaultConfig

// TopicResolverFactory allows overriding the topic resolver creation for testing.
var TopicResolverFactory = sns.NewGenerateArnTopicResolver

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg sns.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return sns.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg sns.SubscriberConfig, sqsCfg sqs.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return sns.NewSubscriber(cfg, sqsCfg, logger)
}

func init() {
	Register()
}

// Register registers the AWS transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.AWSCapabilities)
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.AWSCapabilities
}

// settings is everything both sides of the transport derive from config.
type settings struct {
	aws       aws.Config
	accountID string
	region    string
	endpoint  *url.URL
	group     string
}

// Build creates a new AWS SNS/SQS transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	if cfg == nil {
		return transport.Transport{}, errors.New("aws: config is required")
	}
	s, err := resolveSettings(ctx, cfg, logger)
	if err != nil {
		return transport.Transport{}, err
	}
	logger.Info("Resolved AWS transport settings", watermill.LogFields{
		"account_id":      s.accountID,
		"region":          s.region,
		"custom_endpoint": s.endpoint != nil,
		"consumer_group":  s.group,
	})

	resolver, err := TopicResolverFactory(s.accountID, s.region)
	if err != nil {
		return transport.Transport{}, fmt.Errorf("aws: failed to create topic resolver: %w", err)
	}

	publisher, err := PublisherFactory(publisherConfig(s, resolver), logger)
	if err != nil {
		return transport.Transport{}, err
	}

	snsCfg, sqsCfg := subscriberConfigs(s, resolver)
	subscriber, err := SubscriberFactory(snsCfg, sqsCfg, logger)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  packingPublisher{Publisher: publisher},
		Subscriber: unpackingSubscriber{Subscriber: subscriber, logger: logger},
	}, nil
}

func resolveSettings(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (settings, error) {
	endpoint, err := awsEndpointURL(cfg)
	if err != nil {
		return settings{}, err
	}

	var opts []func(*awsconfig.LoadOptions) error
	if region := cfg.GetAWSRegion(); region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	if accessKey, secretKey := cfg.GetAWSAccessKeyID(), cfg.GetAWSSecretAccessKey(); accessKey != "" && secretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(staticCredentialsProvider(accessKey, secretKey)))
	}

	awsCfg, err := DefaultConfigLoader(ctx, opts...)
	if err != nil {
		logger.Error("Failed to load AWS default config", err, watermill.LogFields{"requested_region": cfg.GetAWSRegion()})
		return settings{}, err
	}
	// The loader may ignore options when a shared profile pins a region.
	if cfg.GetAWSRegion() != "" {
		awsCfg.Region = cfg.GetAWSRegion()
	}
	if endpoint == nil && awsCfg.BaseEndpoint != nil && *awsCfg.BaseEndpoint != "" {
		endpoint, err = url.Parse(*awsCfg.BaseEndpoint)
		if err != nil {
			return settings{}, fmt.Errorf("failed to parse BaseEndpoint: %w", err)
		}
	}

	accountID, region := resolveAccountAndRegion(cfg, logger, awsCfg.Region)
	return settings{
		aws:       awsCfg,
		accountID: accountID,
		region:    region,
		endpoint:  endpoint,
		group:     cfg.GetConsumerGroup(),
	}, nil
}

func publisherConfig(s settings, resolver sns.TopicResolver) sns.PublisherConfig {
	cfg := sns.PublisherConfig{
		TopicResolver: resolver,
		AWSConfig:     s.aws,
		Marshaler:     sns.DefaultMarshalerUnmarshaler{},
	}
	if s.endpoint != nil {
		endpoint := s.endpoint.String()
		cfg.OptFns = []func(*amazonsns.Options){
			func(o *amazonsns.Options) {
				o.BaseEndpoint = aws.String(endpoint)
			},
		}
	}
	return cfg
}

func subscriberConfigs(s settings, resolver sns.TopicResolver) (sns.SubscriberConfig, sqs.SubscriberConfig) {
	snsCfg := sns.SubscriberConfig{
		AWSConfig:            s.aws,
		TopicResolver:        resolver,
		GenerateSqsQueueName: QueueName(s.group),
	}
	sqsCfg := sqs.SubscriberConfig{AWSConfig: s.aws}
	if s.endpoint != nil {
		endpoint := smithyendpoints.Endpoint{URI: *s.endpoint}
		snsCfg.OptFns = []func(*amazonsns.Options){
			amazonsns.WithEndpointResolverV2(sns.OverrideEndpointResolver{Endpoint: endpoint}),
		}
		sqsCfg.OptFns = []func(*amazonsqs.Options){
			amazonsqs.WithEndpointResolverV2(sqs.OverrideEndpointResolver{Endpoint: endpoint}),
		}
	}
	return snsCfg, sqsCfg
}

// QueueName derives the SQS queue for an SNS topic. A consumer group gets its
// own queue so separate services each see every message.
func QueueName(group string) func(context.Context, sns.TopicArn) (string, error) {
	return func(ctx context.Context, snsTopic sns.TopicArn) (string, error) {
		topic, err := sns.ExtractTopicNameFromTopicArn(snsTopic)
		if err != nil {
			return "", err
		}
		if group == "" {
			return string(topic), nil
		}
		return string(topic) + "-" + group, nil
	}
}

func resolveAccountAndRegion(cfg transport.Config, logger watermill.LoggerAdapter, fallbackRegion string) (string, string) {
	accountID := strings.Trim(cfg.GetAWSAccountID(), "\"' ")
	region := cfg.GetAWSRegion()
	if region == "" {
		region = fallbackRegion
	}

	// LocalStack accepts only its fixed account id.
	if cfg.GetAWSEndpoint() != "" && len(accountID) != awsAccountIDLength {
		logger.Info("Using LocalStack default AWS account ID", watermill.LogFields{"configured": accountID})
		accountID = localstackAccountID
	}
	return accountID, region
}

func awsEndpointURL(cfg transport.Config) (*url.URL, error) {
	if cfg.GetAWSEndpoint() == "" {
		return nil, nil
	}
	parsedURL, err := url.Parse(cfg.GetAWSEndpoint())
	if err != nil {
		return nil, fmt.Errorf("failed to parse AWS endpoint: %w", err)
	}
	return parsedURL, nil
}

func staticCredentialsProvider(accessKeyID, secretAccessKey string) aws.CredentialsProvider {
	return aws.CredentialsProviderFunc(func(ctx context.Context) (aws.Credentials, error) {
		return aws.Credentials{
			AccessKeyID:     accessKeyID,
			SecretAccessKey: secretAccessKey,
		}, nil
	})
}
