package handlers

import (
	"context"
	"fmt"
	"reflect"

	"github.com/drblury/livewire/internal/runtime/envelope"
	errspkg "github.com/drblury/livewire/internal/runtime/errors"
	jsoncodec "github.com/drblury/livewire/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/livewire/internal/runtime/logging"
)

// JSONMessageContext exposes the decoded payload and metadata for JSON handlers.
type JSONMessageContext[T any] struct {
	MessageContextBase
	Payload T
}

// JSONMessageHandler processes a JSON payload.
type JSONMessageHandler[T any] func(ctx context.Context, event JSONMessageContext[T]) error

// BuildJSONHandler decodes the envelope value into a fresh T before calling
// handler. T must be a pointer type.
func BuildJSONHandler[T any](handler JSONMessageHandler[T], logger loggingpkg.ServiceLogger) (HandlerFunc, error) {
	if handler == nil {
		return nil, errspkg.ErrHandlerRequired
	}

	prototypeFactory, err := jsonPrototypeFactory[T]()
	if err != nil {
		return nil, err
	}

	return func(ctx context.Context, msg *envelope.Parsed) error {
		typed := prototypeFactory()
		if err := jsoncodec.Unmarshal(msg.Value, typed); err != nil {
			return fmt.Errorf("failed to unmarshal JSON payload of %s: %w", msg.Meta.MessageID, err)
		}
		return handler(ctx, JSONMessageContext[T]{
			MessageContextBase: newContextBase(msg, logger),
			Payload:            typed,
		})
	}, nil
}

func jsonPrototypeFactory[T any]() (func() T, error) {
	var zero T
	typ := reflect.TypeOf(zero)
	if typ == nil {
		return nil, errspkg.ErrConsumeMessageTypeRequired
	}
	if typ.Kind() != reflect.Ptr {
		return nil, errspkg.ErrConsumeMessagePointerNeeded
	}
	elem := typ.Elem()
	return func() T {
		return reflect.New(elem).Interface().(T)
	}, nil
}
