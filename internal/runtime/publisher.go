package runtime

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
	"google.golang.org/protobuf/proto"

	"github.com/drblury/livewire/internal/runtime/envelope"
	errspkg "github.com/drblury/livewire/internal/runtime/errors"
	loggingpkg "github.com/drblury/livewire/internal/runtime/logging"
	metadatapkg "github.com/drblury/livewire/internal/runtime/metadata"
	"github.com/drblury/livewire/storage"
)

// Producer emits envelopes, either straight to the broker or staged in the
// outbox for the relay.
type Producer interface {
	Publish(ctx context.Context, msgs ...*envelope.Message) error
	Post(ctx context.Context, msg *envelope.Message, opts ...storage.Option) error
	PostBatch(ctx context.Context, msgs []*envelope.Message, opts ...storage.Option) error
}

// PublishProto builds an envelope from event and publishes it to topic.
func PublishProto(ctx context.Context, publisher message.Publisher, topic string, event proto.Message, headers metadatapkg.Metadata) error {
	if publisher == nil {
		return errspkg.ErrPublisherRequired
	}
	if topic == "" {
		return errspkg.ErrTopicRequired
	}

	msg, err := envelope.FromProto(event, envelope.Args{Topic: topic, Headers: headers})
	if err != nil {
		return err
	}

	wm := envelope.ToWatermill(msg)
	if ctx != nil {
		wm.SetContext(ctx)
	}
	return publisher.Publish(topic, wm)
}

// Publish sends msgs to the broker immediately, bypassing the outbox. It
// stops at the first failure.
func (s *Service) Publish(ctx context.Context, msgs ...*envelope.Message) error {
	for _, msg := range msgs {
		if err := s.send(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

// Post stages msg in the outbox. Pass storage.WithTx to write it inside the
// caller's transaction; the relay publishes it once committed.
func (s *Service) Post(ctx context.Context, msg *envelope.Message, opts ...storage.Option) error {
	return s.outbox.Post(ctx, msg, opts...)
}

// PostBatch stages msgs in the outbox in one all-or-nothing write.
func (s *Service) PostBatch(ctx context.Context, msgs []*envelope.Message, opts ...storage.Option) error {
	return s.outbox.PostBatch(ctx, msgs, opts...)
}

// PostMuxed stages a muxed envelope, failing if any sub-message could not be muxed.
func (s *Service) PostMuxed(ctx context.Context, muxed *envelope.MuxedMessage, opts ...storage.Option) error {
	if muxed == nil {
		return errspkg.ErrPayloadRequired
	}
	if err := muxed.Err(); err != nil {
		return err
	}
	return s.outbox.Post(ctx, muxed.Envelope(), opts...)
}

// PublishProto emits the event using the Service publisher.
func (s *Service) PublishProto(ctx context.Context, topic string, event proto.Message, headers metadatapkg.Metadata) error {
	msg, err := envelope.FromProto(event, envelope.Args{Topic: topic, Headers: headers}, envelope.WithIDGenerator(s.idGenerator))
	if err != nil {
		return err
	}
	return s.Publish(ctx, msg)
}

// PostProto stages the event in the outbox.
func (s *Service) PostProto(ctx context.Context, topic string, event proto.Message, headers metadatapkg.Metadata, opts ...storage.Option) error {
	msg, err := envelope.FromProto(event, envelope.Args{Topic: topic, Headers: headers}, envelope.WithIDGenerator(s.idGenerator))
	if err != nil {
		return err
	}
	return s.Post(ctx, msg, opts...)
}

// PostJSON stages the JSON encoding of v in the outbox.
func (s *Service) PostJSON(ctx context.Context, topic string, v any, headers metadatapkg.Metadata, opts ...storage.Option) error {
	msg, err := envelope.FromJSON(v, envelope.Args{Topic: topic, Headers: headers}, envelope.WithIDGenerator(s.idGenerator))
	if err != nil {
		return err
	}
	return s.Post(ctx, msg, opts...)
}

func (s *Service) send(ctx context.Context, msg *envelope.Message) error {
	if msg == nil {
		return errspkg.ErrPayloadRequired
	}
	if msg.Topic == "" {
		return errspkg.ErrTopicRequired
	}
	if s.publisher == nil {
		return errspkg.ErrPublisherRequired
	}
	if !s.capabilities.Fits(len(msg.Value)) {
		return fmt.Errorf("message %s of %d bytes exceeds the %s limit of %d bytes",
			msg.ID, len(msg.Value), s.capabilities.Name, s.capabilities.MaxMessageSize)
	}

	wm := envelope.ToWatermill(msg)
	if ctx != nil {
		wm.SetContext(ctx)
	}
	return s.publisher.Publish(msg.Topic, wm)
}

func (s *Service) onRelayError(err error) {
	s.Logger.Error("Outbox relay failed", err, loggingpkg.LogFields{"pubsub_system": s.Conf.PubSubSystem})
}
