package aws

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	jsoncodec "github.com/drblury/livewire/internal/runtime/jsoncodec"
)

// HeadersAttribute holds the JSON-encoded envelope headers of a packed message.
const HeadersAttribute = "LW_headers"

// MaxMessageAttributes is the SNS/SQS limit on attributes per message.
const MaxMessageAttributes = 10

func packHeaders(msg *message.Message) error {
	if len(msg.Metadata) <= MaxMessageAttributes {
		return nil
	}
	packed, err := jsoncodec.MarshalString(map[string]string(msg.Metadata))
	if err != nil {
		return fmt.Errorf("aws: failed to pack headers of message %s: %w", msg.UUID, err)
	}
	msg.Metadata = message.Metadata{HeadersAttribute: packed}
	return nil
}

func unpackHeaders(msg *message.Message) error {
	packed, ok := msg.Metadata[HeadersAttribute]
	if !ok {
		return nil
	}
	headers := make(map[string]string)
	if err := jsoncodec.UnmarshalString(packed, &headers); err != nil {
		return fmt.Errorf("aws: failed to unpack headers of message %s: %w", msg.UUID, err)
	}
	delete(msg.Metadata, HeadersAttribute)
	for k, v := range headers {
		msg.Metadata[k] = v
	}
	return nil
}

type packingPublisher struct {
	message.Publisher
}

func (p packingPublisher) Publish(topic string, msgs ...*message.Message) error {
	for _, msg := range msgs {
		if err := packHeaders(msg); err != nil {
			return err
		}
	}
	return p.Publisher.Publish(topic, msgs...)
}

type unpackingSubscriber struct {
	message.Subscriber
	logger watermill.LoggerAdapter
}

func (s unpackingSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	in, err := s.Subscriber.Subscribe(ctx, topic)
	if err != nil {
		return nil, err
	}

	out := make(chan *message.Message)
	go func() {
		defer close(out)
		for msg := range in {
			if err := unpackHeaders(msg); err != nil {
				// Delivered as is; the consumer treats it as an envelope without reserved headers.
				s.logger.Error("Failed to unpack message attributes", err, watermill.LogFields{"topic": topic})
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				msg.Nack()
				return
			}
		}
	}()
	return out, nil
}
