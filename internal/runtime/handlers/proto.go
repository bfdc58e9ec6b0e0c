package handlers

import (
	"context"
	"fmt"
	"reflect"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/drblury/livewire/internal/runtime/envelope"
	errspkg "github.com/drblury/livewire/internal/runtime/errors"
	loggingpkg "github.com/drblury/livewire/internal/runtime/logging"
	metadatapkg "github.com/drblury/livewire/internal/runtime/metadata"
)

var protoJSONUnmarshalOptions = protojson.UnmarshalOptions{DiscardUnknown: true}

// ProtoMessageContext provides strongly typed access to the incoming message payload.
type ProtoMessageContext[T proto.Message] struct {
	MessageContextBase
	Payload T
}

// ProtoMessageHandler processes a typed protobuf payload.
type ProtoMessageHandler[T proto.Message] func(ctx context.Context, event ProtoMessageContext[T]) error

// BuildProtoHandler decodes the envelope value into a fresh copy of prototype.
// Values tagged application/json are read with protojson, anything else as
// protobuf binary.
func BuildProtoHandler[T proto.Message](prototype T, handler ProtoMessageHandler[T], logger loggingpkg.ServiceLogger) (HandlerFunc, error) {
	if handler == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	prototype, err := EnsureProtoPrototype(prototype)
	if err != nil {
		return nil, err
	}

	return func(ctx context.Context, msg *envelope.Parsed) error {
		typed, err := clonePrototype(prototype)
		if err != nil {
			return err
		}
		if err := unmarshalProto(msg, typed); err != nil {
			return fmt.Errorf("failed to unmarshal %T payload of %s: %w", prototype, msg.Meta.MessageID, err)
		}
		return handler(ctx, ProtoMessageContext[T]{
			MessageContextBase: newContextBase(msg, logger),
			Payload:            typed,
		})
	}, nil
}

func unmarshalProto(msg *envelope.Parsed, into proto.Message) error {
	if msg.Headers[metadatapkg.KeyContentType] == "application/json" {
		return protoJSONUnmarshalOptions.Unmarshal(msg.Value, into)
	}
	return proto.Unmarshal(msg.Value, into)
}

func clonePrototype[T proto.Message](prototype T) (T, error) {
	cloned := proto.Clone(prototype)
	proto.Reset(cloned)

	typed, ok := cloned.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("unexpected prototype type %T", cloned)
	}
	return typed, nil
}

// EnsureProtoPrototype returns candidate, or a fresh instance of its type when
// candidate is a typed nil pointer.
func EnsureProtoPrototype[T proto.Message](candidate T) (T, error) {
	if !isNilProto(candidate) {
		return candidate, nil
	}

	var zero T
	typ := reflect.TypeOf(candidate)
	if typ == nil {
		return zero, errspkg.ErrConsumeMessageTypeRequired
	}
	if typ.Kind() != reflect.Ptr {
		return zero, errspkg.ErrConsumeMessagePointerNeeded
	}

	typed, ok := reflect.New(typ.Elem()).Interface().(T)
	if !ok {
		return zero, fmt.Errorf("unexpected prototype type %s", typ)
	}
	return typed, nil
}

func isNilProto[T proto.Message](prototype T) bool {
	msg := proto.Message(prototype)
	if msg == nil {
		return true
	}

	val := reflect.ValueOf(msg)
	switch val.Kind() {
	case reflect.Interface, reflect.Ptr, reflect.Slice, reflect.Map, reflect.Func:
		return val.IsNil()
	default:
		return false
	}
}
