package runtime

import (
	"context"
	"maps"

	"google.golang.org/protobuf/proto"

	"github.com/drblury/livewire/internal/runtime/dispatcher"
	errspkg "github.com/drblury/livewire/internal/runtime/errors"
	handlerpkg "github.com/drblury/livewire/internal/runtime/handlers"
	metadatapkg "github.com/drblury/livewire/internal/runtime/metadata"
)

// HandlerRegistration wires an untyped handler. When Topic is set the topic
// is consumed and added to Spec.
type HandlerRegistration struct {
	Topic   string
	Spec    dispatcher.Object
	Handler handlerpkg.HandlerFunc
}

// JSONHandlerRegistration wires a handler receiving a decoded JSON payload.
// T must be a pointer type.
type JSONHandlerRegistration[T any] struct {
	Topic   string
	Spec    dispatcher.Object
	Handler handlerpkg.JSONMessageHandler[T]
}

// ProtoHandlerRegistration wires a handler receiving a decoded protobuf
// payload. Spec defaults to matching the event_message_schema header against
// the full name of T.
type ProtoHandlerRegistration[T proto.Message] struct {
	Topic   string
	Spec    dispatcher.Object
	Handler handlerpkg.ProtoMessageHandler[T]
}

// RegisterHandler registers cfg.Handler on the Service dispatcher.
func RegisterHandler(svc *Service, cfg HandlerRegistration) error {
	if svc == nil {
		return errspkg.ErrServiceRequired
	}
	return svc.register(cfg.Topic, cfg.Spec, cfg.Handler)
}

// RegisterJSONHandler decodes JSON payloads into T before calling cfg.Handler.
// Decoded payloads are checked by the Service validator when one is set.
func RegisterJSONHandler[T any](svc *Service, cfg JSONHandlerRegistration[T]) error {
	if svc == nil {
		return errspkg.ErrServiceRequired
	}
	if cfg.Handler == nil {
		return errspkg.ErrHandlerRequired
	}

	handler := cfg.Handler
	if svc.validator != nil {
		handler = func(ctx context.Context, event handlerpkg.JSONMessageContext[T]) error {
			if err := svc.validator.Validate(event.Payload); err != nil {
				return NewUnprocessableEventError(event.MessageID(), err)
			}
			return cfg.Handler(ctx, event)
		}
	}

	wrapped, err := handlerpkg.BuildJSONHandler(handler, svc.Logger)
	if err != nil {
		return err
	}
	return svc.register(cfg.Topic, cfg.Spec, wrapped)
}

// RegisterProtoHandler decodes protobuf payloads into T before calling cfg.Handler.
func RegisterProtoHandler[T proto.Message](svc *Service, cfg ProtoHandlerRegistration[T]) error {
	if svc == nil {
		return errspkg.ErrServiceRequired
	}
	if cfg.Handler == nil {
		return errspkg.ErrHandlerRequired
	}

	var zero T
	prototype, err := handlerpkg.EnsureProtoPrototype(zero)
	if err != nil {
		return err
	}

	handler := cfg.Handler
	if svc.validator != nil {
		handler = func(ctx context.Context, event handlerpkg.ProtoMessageContext[T]) error {
			if err := svc.validator.Validate(event.Payload); err != nil {
				return NewUnprocessableEventError(event.MessageID(), err)
			}
			return cfg.Handler(ctx, event)
		}
	}

	wrapped, err := handlerpkg.BuildProtoHandler(prototype, handler, svc.Logger)
	if err != nil {
		return err
	}

	spec := maps.Clone(cfg.Spec)
	if spec == nil {
		spec = dispatcher.Object{}
	}
	if _, ok := spec[metadatapkg.KeyEventSchema]; !ok {
		spec[metadatapkg.KeyEventSchema] = string(proto.MessageName(prototype))
	}
	return svc.register(cfg.Topic, spec, wrapped)
}

func (s *Service) register(topic string, spec dispatcher.Object, handler handlerpkg.HandlerFunc) error {
	if handler == nil {
		return errspkg.ErrHandlerRequired
	}
	if topic != "" {
		spec = maps.Clone(spec)
		if spec == nil {
			spec = dispatcher.Object{}
		}
		spec[SubjectTopic] = topic
	}
	if err := s.Handle(spec, handler); err != nil {
		return err
	}
	if topic != "" {
		s.ensureConsumed(topic)
	}
	return nil
}
