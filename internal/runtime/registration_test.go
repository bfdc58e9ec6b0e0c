package runtime

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/drblury/livewire/internal/runtime/dispatcher"
	"github.com/drblury/livewire/internal/runtime/envelope"
	errspkg "github.com/drblury/livewire/internal/runtime/errors"
	handlerpkg "github.com/drblury/livewire/internal/runtime/handlers"
	metadatapkg "github.com/drblury/livewire/internal/runtime/metadata"
)

type orderPlaced struct {
	OrderID string `json:"order_id"`
	Total   int    `json:"total"`
}

func TestRegisterProtoHandlerMatchesSchema(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	var got []string
	require.NoError(t, RegisterProtoHandler(svc, ProtoHandlerRegistration[*wrapperspb.StringValue]{
		Handler: func(_ context.Context, event handlerpkg.ProtoMessageContext[*wrapperspb.StringValue]) error {
			got = append(got, event.Payload.GetValue())
			return nil
		},
	}))

	msg, err := envelope.FromProto(wrapperspb.String("hello"), envelope.Args{Topic: "greetings"})
	require.NoError(t, err)
	require.NoError(t, svc.ConsumeRecord(context.Background(), msg.Record()))

	other, err := envelope.FromProto(wrapperspb.Int64(7), envelope.Args{Topic: "greetings"})
	require.NoError(t, err)
	require.NoError(t, svc.ConsumeRecord(context.Background(), other.Record()))

	assert.Equal(t, []string{"hello"}, got)
}

func TestRegisterProtoHandlerKeepsExplicitSchema(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	var calls int
	require.NoError(t, RegisterProtoHandler(svc, ProtoHandlerRegistration[*wrapperspb.StringValue]{
		Spec: dispatcher.Object{metadatapkg.KeyEventSchema: "legacy.Greeting"},
		Handler: func(context.Context, handlerpkg.ProtoMessageContext[*wrapperspb.StringValue]) error {
			calls++
			return nil
		},
	}))

	msg, err := envelope.FromProto(wrapperspb.String("hello"), envelope.Args{
		Topic:   "greetings",
		Headers: metadatapkg.Metadata{},
	})
	require.NoError(t, err)
	msg.Headers[metadatapkg.KeyEventSchema] = "legacy.Greeting"
	require.NoError(t, svc.ConsumeRecord(context.Background(), msg.Record()))

	assert.Equal(t, 1, calls)
}

func TestRegisterProtoHandlerValidatorRejects(t *testing.T) {
	invalid := errors.New("value must not be empty")
	svc, _, _, in := newTestService(t, func(o *testServiceOptions) {
		o.deps.Validator = &testValidator{err: invalid}
	})

	var calls int
	require.NoError(t, RegisterProtoHandler(svc, ProtoHandlerRegistration[*wrapperspb.StringValue]{
		Handler: func(context.Context, handlerpkg.ProtoMessageContext[*wrapperspb.StringValue]) error {
			calls++
			return nil
		},
	}))

	msg, err := envelope.FromProto(wrapperspb.String(""), envelope.Args{Topic: "greetings"})
	require.NoError(t, err)

	err = svc.ConsumeRecord(context.Background(), msg.Record())
	require.Error(t, err)
	assert.True(t, IsUnprocessable(err))
	assert.ErrorIs(t, err, invalid)
	assert.Zero(t, calls)
	assert.Equal(t, 0, in.Len())
}

func TestRegisterJSONHandlerConsumesTopic(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	var got []*orderPlaced
	require.NoError(t, RegisterJSONHandler(svc, JSONHandlerRegistration[*orderPlaced]{
		Topic: "orders",
		Handler: func(_ context.Context, event handlerpkg.JSONMessageContext[*orderPlaced]) error {
			got = append(got, event.Payload)
			return nil
		},
	}))
	assert.Contains(t, svc.consumed, "orders")

	msg, err := envelope.FromJSON(orderPlaced{OrderID: "o-1", Total: 42}, envelope.Args{Topic: "orders"})
	require.NoError(t, err)
	require.NoError(t, svc.ConsumeRecord(context.Background(), msg.Record()))

	elsewhere, err := envelope.FromJSON(orderPlaced{OrderID: "o-2"}, envelope.Args{Topic: "refunds"})
	require.NoError(t, err)
	require.NoError(t, svc.ConsumeRecord(context.Background(), elsewhere.Record()))

	require.Len(t, got, 1)
	assert.Equal(t, "o-1", got[0].OrderID)
	assert.Equal(t, 42, got[0].Total)
}

func TestRegisterJSONHandlerMalformedPayload(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	require.NoError(t, RegisterJSONHandler(svc, JSONHandlerRegistration[*orderPlaced]{
		Handler: func(context.Context, handlerpkg.JSONMessageContext[*orderPlaced]) error { return nil },
	}))

	rec := envelope.New(envelope.Args{Topic: "orders", Value: []byte("{not json")}).Record()
	assert.Error(t, svc.ConsumeRecord(context.Background(), rec))
}

func TestRegisterHandlerValidation(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	assert.ErrorIs(t, RegisterHandler(nil, HandlerRegistration{}), errspkg.ErrServiceRequired)
	assert.ErrorIs(t, RegisterHandler(svc, HandlerRegistration{Topic: "orders"}), errspkg.ErrHandlerRequired)
	assert.ErrorIs(t, RegisterJSONHandler(svc, JSONHandlerRegistration[*orderPlaced]{}), errspkg.ErrHandlerRequired)
	assert.ErrorIs(t, RegisterJSONHandler[*orderPlaced](nil, JSONHandlerRegistration[*orderPlaced]{}), errspkg.ErrServiceRequired)
	assert.ErrorIs(t, RegisterProtoHandler(svc, ProtoHandlerRegistration[*wrapperspb.StringValue]{}), errspkg.ErrHandlerRequired)

	assert.NotContains(t, svc.consumed, "orders")
}

func TestRegisterHandlerDoesNotMutateSpec(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	spec := dispatcher.Object{"event": "created"}

	require.NoError(t, RegisterHandler(svc, HandlerRegistration{
		Topic:   "orders",
		Spec:    spec,
		Handler: func(context.Context, *envelope.Parsed) error { return nil },
	}))

	assert.Equal(t, dispatcher.Object{"event": "created"}, spec)
	assert.Equal(t, 1, svc.dispatcher.Len())
}
