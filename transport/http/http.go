// Package http provides an HTTP transport for livewire. Publishing POSTs each
// message to the publisher URL with the topic appended; subscribing serves
// one route per topic.
package http

import (
	"context"
	"fmt"
	nethttp "net/http"
	"net/url"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"

	metadatapkg "github.com/drblury/livewire/internal/runtime/metadata"
	"github.com/drblury/livewire/transport"
)

// IdempotencyKeyHeader carries the envelope id so receivers outside livewire
// can deduplicate redelivered outbox messages.
const IdempotencyKeyHeader = "Idempotency-Key"

// TransportName is the name used to register this transport.
const TransportName = "http"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(config http.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return http.NewPublisher(config, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(addr string, config http.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return http.NewSubscriber(addr, config, logger)
}

func init() {
	Register()
}

// Register registers the HTTP transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.HTTPCapabilities)
}

// Build creates a new HTTP transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	serverAddr := cfg.GetHTTPServerAddress()
	publisherURL := cfg.GetHTTPPublisherURL()

	publisher, err := PublisherFactory(
		http.PublisherConfig{MarshalMessageFunc: MarshalEnvelope(publisherURL)},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(
		serverAddr,
		http.SubscriberConfig{UnmarshalMessageFunc: UnmarshalEnvelope},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	// The server only starts serving routes registered before it runs.
	go func() {
		if s, ok := subscriber.(*http.Subscriber); ok {
			if err := s.StartHTTPServer(); err != nil {
				logger.Error("Failed to start HTTP subscriber server", err, nil)
			}
		}
	}()

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
	}, nil
}

// MarshalEnvelope builds the request for msg on topic below baseURL. The
// envelope id and content type are mirrored into standard HTTP headers.
func MarshalEnvelope(baseURL string) http.MarshalMessageFunc {
	return func(topic string, msg *message.Message) (*nethttp.Request, error) {
		target, err := url.JoinPath(baseURL, topic)
		if err != nil {
			return nil, fmt.Errorf("http: invalid publisher URL %q: %w", baseURL, err)
		}
		req, err := http.DefaultMarshalMessageFunc(target, msg)
		if err != nil {
			return nil, err
		}
		if id := msg.Metadata.Get(metadatapkg.KeyMessageID); id != "" {
			req.Header.Set(IdempotencyKeyHeader, id)
		}
		if contentType := msg.Metadata.Get(metadatapkg.KeyContentType); contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		return req, nil
	}
}

// UnmarshalEnvelope reverses MarshalEnvelope. Senders outside livewire may
// only set Idempotency-Key and Content-Type; those then supply the message
// uuid, the envelope id and the content type header.
func UnmarshalEnvelope(topic string, req *nethttp.Request) (*message.Message, error) {
	idempotencyKey := req.Header.Get(IdempotencyKeyHeader)
	if req.Header.Get(http.HeaderUUID) == "" && idempotencyKey != "" {
		req.Header.Set(http.HeaderUUID, idempotencyKey)
	}
	if req.Header.Get(http.HeaderMetadata) == "" {
		req.Header.Set(http.HeaderMetadata, "{}")
	}

	msg, err := http.DefaultUnmarshalMessageFunc(topic, req)
	if err != nil {
		return nil, err
	}
	if msg.Metadata.Get(metadatapkg.KeyMessageID) == "" && idempotencyKey != "" {
		msg.Metadata.Set(metadatapkg.KeyMessageID, idempotencyKey)
	}
	if msg.Metadata.Get(metadatapkg.KeyContentType) == "" {
		if contentType := req.Header.Get("Content-Type"); contentType != "" {
			msg.Metadata.Set(metadatapkg.KeyContentType, contentType)
		}
	}
	return msg, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.HTTPCapabilities
}
