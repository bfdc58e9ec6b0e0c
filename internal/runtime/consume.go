package runtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/livewire/internal/runtime/dispatcher"
	"github.com/drblury/livewire/internal/runtime/envelope"
	errspkg "github.com/drblury/livewire/internal/runtime/errors"
	handlerpkg "github.com/drblury/livewire/internal/runtime/handlers"
	loggingpkg "github.com/drblury/livewire/internal/runtime/logging"
)

// Subject keys set by the consumer next to the application headers. They win
// over application headers of the same name.
const (
	SubjectTopic       = "topic"
	SubjectMessageType = "messageType"
	SubjectKey         = "key"
)

// Handle registers handler for every consumed message whose subject contains
// spec. Registrations are matched in order; the first match wins. A nil spec
// matches every message.
func (s *Service) Handle(spec dispatcher.Object, handler handlerpkg.HandlerFunc) error {
	if handler == nil {
		return errspkg.ErrHandlerRequired
	}
	if spec == nil {
		spec = dispatcher.Object{}
	}
	s.dispatcher.Register(spec, handler)
	return nil
}

// Consume subscribes to topic. Each delivered record is demuxed when muxed,
// and every envelope is dispatched to the handler registered for it.
func (s *Service) Consume(topic string) error {
	if topic == "" {
		return errspkg.ErrTopicRequired
	}

	s.consumedMu.Lock()
	defer s.consumedMu.Unlock()
	if _, ok := s.consumed[topic]; ok {
		return fmt.Errorf("topic %q is already consumed", topic)
	}
	s.addConsumerLocked(topic)
	return nil
}

// ensureConsumed subscribes to topic unless it already is.
func (s *Service) ensureConsumed(topic string) {
	s.consumedMu.Lock()
	defer s.consumedMu.Unlock()
	if _, ok := s.consumed[topic]; !ok {
		s.addConsumerLocked(topic)
	}
}

func (s *Service) addConsumerLocked(topic string) {
	s.consumed[topic] = struct{}{}
	s.router.AddNoPublisherHandler(
		"livewire-consume-"+topic,
		topic,
		s.subscriber,
		s.consumeHandler(topic),
	)
}

func (s *Service) consumeHandler(topic string) message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		rec := envelope.FromWatermill(topic, msg)
		if s.position != nil {
			if pos, ok := s.position(msg); ok {
				rec.Partition = pos.Partition
				rec.Offset = pos.Offset
				rec.Timestamp = pos.Timestamp
			}
		}
		return s.ConsumeRecord(msg.Context(), rec)
	}
}

// ConsumeRecord processes one wire record: it parses it, demuxes it when it is
// muxed and processes every envelope in order. It stops at the first envelope
// whose handler fails; envelopes already handled are skipped on redelivery by
// the inbox.
func (s *Service) ConsumeRecord(ctx context.Context, rec envelope.Record) error {
	parsed := envelope.Parse(rec)
	parts := []*envelope.Parsed{parsed}
	if envelope.IsMuxed(parsed) {
		var err error
		parts, err = envelope.Demux(parsed)
		if err != nil {
			return &UnprocessableEventError{eventMessage: parsed.Meta.MessageID, err: err}
		}
	}

	for _, part := range parts {
		if err := s.process(ctx, part); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) process(ctx context.Context, msg *envelope.Parsed) error {
	fields := loggingpkg.MessageFields(msg.Meta.MessageID, msg.Meta.Topic)

	handler, err := s.dispatcher.Dispatch(Subject(msg))
	if err != nil {
		if errors.Is(err, errspkg.ErrNoMatch) {
			s.metrics.RecordNoMatch(msg.Meta.Topic)
			s.Logger.Debug("No handler matched, skipping message", fields)
			return nil
		}
		return err
	}

	// An id-less record has no identity to dedupe on, so it bypasses the inbox.
	claimed := s.inbox != nil && msg.Meta.MessageID != ""
	if s.inbox != nil && !claimed {
		s.Logger.Debug("Message has no id, processing without inbox dedupe", fields)
	}
	if claimed {
		if err := s.inbox.Log(ctx, msg.Envelope()); err != nil {
			if errors.Is(err, errspkg.ErrDuplicatedInbox) {
				s.Logger.Debug("Message already processed, skipping", fields)
				return nil
			}
			return err
		}
	}

	if err := handler(ctx, msg); err != nil {
		if claimed {
			if forgetErr := s.inbox.Forget(ctx, msg.Meta.MessageID); forgetErr != nil {
				s.Logger.Error("Failed to forget inbox message", forgetErr, fields)
			}
		}
		return err
	}
	return nil
}

// Subject is what consumed messages are dispatched on: the application headers
// plus topic, message type and key.
func Subject(msg *envelope.Parsed) dispatcher.Object {
	subject := make(dispatcher.Object, len(msg.Headers)+3)
	for k, v := range msg.Headers {
		subject[k] = v
	}
	subject[SubjectTopic] = msg.Meta.Topic
	subject[SubjectMessageType] = string(msg.Meta.MessageType)
	if msg.Meta.Key != nil {
		subject[SubjectKey] = string(msg.Meta.Key)
	}
	return subject
}
