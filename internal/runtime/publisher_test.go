package runtime

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/drblury/livewire/internal/runtime/envelope"
	errspkg "github.com/drblury/livewire/internal/runtime/errors"
	metadatapkg "github.com/drblury/livewire/internal/runtime/metadata"
	brokers "github.com/drblury/livewire/transport"
)

func TestServicePublishSendsEnvelope(t *testing.T) {
	svc, pub, out, _ := newTestService(t)

	msg := envelope.New(envelope.Args{
		MessageID: "m1",
		Topic:     "orders",
		Key:       []byte("customer-7"),
		Value:     []byte("payload"),
		Headers:   metadatapkg.Metadata{metadatapkg.KeyCorrelationID: "corr"},
	})
	require.NoError(t, svc.Publish(context.Background(), msg))

	published := pub.Messages()
	require.Len(t, published, 1)
	assert.Equal(t, "orders", published[0].topic)

	wm := published[0].msg
	assert.Equal(t, "m1", wm.UUID)
	assert.Equal(t, []byte("payload"), []byte(wm.Payload))
	assert.Equal(t, "m1", wm.Metadata.Get(metadatapkg.KeyMessageID))
	assert.Equal(t, "generic", wm.Metadata.Get(metadatapkg.KeyMessageType))
	assert.Equal(t, "customer-7", wm.Metadata.Get(metadatapkg.KeyKey))
	assert.Equal(t, "corr", wm.Metadata.Get(metadatapkg.KeyCorrelationID))
	assert.Equal(t, 0, out.Len())
}

func TestServicePublishValidatesMessage(t *testing.T) {
	svc, pub, _, _ := newTestService(t)

	assert.ErrorIs(t, svc.Publish(context.Background(), nil), errspkg.ErrPayloadRequired)
	assert.ErrorIs(t, svc.Publish(context.Background(), envelope.New(envelope.Args{})), errspkg.ErrTopicRequired)
	assert.Empty(t, pub.Messages())
}

func TestServicePublishRejectsOversizedMessage(t *testing.T) {
	svc, pub, _, _ := newTestService(t, func(o *testServiceOptions) {
		o.caps = brokers.Capabilities{Name: "tiny", MaxMessageSize: 4}
	})

	err := svc.Publish(context.Background(), envelope.New(envelope.Args{Topic: "orders", Value: []byte("too large")}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tiny")
	assert.Empty(t, pub.Messages())

	require.NoError(t, svc.Publish(context.Background(), envelope.New(envelope.Args{Topic: "orders", Value: []byte("ok")})))
}

func TestServicePublishPropagatesBrokerError(t *testing.T) {
	svc, pub, _, _ := newTestService(t)
	pub.err = errors.New("broker down")

	err := svc.Publish(context.Background(), envelope.New(envelope.Args{Topic: "orders"}))
	assert.ErrorIs(t, err, pub.err)
}

func TestServicePostStagesInOutbox(t *testing.T) {
	svc, pub, out, _ := newTestService(t)

	require.NoError(t, svc.Post(context.Background(), envelope.New(envelope.Args{MessageID: "m1", Topic: "orders"})))
	require.NoError(t, svc.PostBatch(context.Background(), []*envelope.Message{
		envelope.New(envelope.Args{MessageID: "m2", Topic: "orders"}),
		envelope.New(envelope.Args{MessageID: "m3", Topic: "orders"}),
	}))

	assert.Equal(t, 3, out.Len())
	assert.Empty(t, pub.Messages())

	err := svc.Post(context.Background(), envelope.New(envelope.Args{MessageID: "m1", Topic: "orders"}))
	assert.ErrorIs(t, err, errspkg.ErrDuplicatedOutbox)
}

func TestServicePostMuxed(t *testing.T) {
	svc, _, out, _ := newTestService(t)

	assert.ErrorIs(t, svc.PostMuxed(context.Background(), nil), errspkg.ErrPayloadRequired)

	broken := svc.NewMuxedMessage(envelope.Args{Topic: "orders"}).Mux(nil)
	require.Error(t, svc.PostMuxed(context.Background(), broken))
	assert.Equal(t, 0, out.Len())

	muxed := svc.NewMuxedMessage(envelope.Args{Topic: "orders"}).
		Mux(svc.NewMessage(envelope.Args{Topic: "orders", Value: []byte("one")}))
	require.NoError(t, svc.PostMuxed(context.Background(), muxed))

	stored, err := svc.Outbox().Get(context.Background(), muxed.ID)
	require.NoError(t, err)
	assert.Equal(t, envelope.TypeMuxed, stored.Type)
}

func TestServicePostProtoAndJSON(t *testing.T) {
	svc, _, _, _ := newTestService(t, func(o *testServiceOptions) {
		ids := []string{"p1", "j1"}
		o.deps.IDGenerator = func() string {
			id := ids[0]
			ids = ids[1:]
			return id
		}
	})

	require.NoError(t, svc.PostProto(context.Background(), "orders", wrapperspb.String("hello"), metadatapkg.Metadata{"source": "test"}))
	require.NoError(t, svc.PostJSON(context.Background(), "orders", map[string]string{"status": "ok"}, nil))

	protoMsg, err := svc.Outbox().Get(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, "test", protoMsg.Headers["source"])
	assert.Equal(t, string(proto.MessageName(&wrapperspb.StringValue{})), protoMsg.Headers[metadatapkg.KeyEventSchema])

	jsonMsg, err := svc.Outbox().Get(context.Background(), "j1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"ok"}`, string(jsonMsg.Value))
}

func TestServicePublishProto(t *testing.T) {
	svc, pub, _, _ := newTestService(t)

	require.NoError(t, svc.PublishProto(context.Background(), "orders", wrapperspb.String("hello"), nil))
	require.Len(t, pub.Messages(), 1)
}

func TestPublishProto(t *testing.T) {
	pub := &testPublisher{}

	assert.ErrorIs(t, PublishProto(context.Background(), nil, "orders", wrapperspb.String("x"), nil), errspkg.ErrPublisherRequired)
	assert.ErrorIs(t, PublishProto(context.Background(), pub, "", wrapperspb.String("x"), nil), errspkg.ErrTopicRequired)

	require.NoError(t, PublishProto(context.Background(), pub, "orders", wrapperspb.String("hello"), metadatapkg.Metadata{"source": "test"}))

	published := pub.Messages()
	require.Len(t, published, 1)
	assert.Equal(t, "orders", published[0].topic)
	assert.Equal(t, "test", published[0].msg.Metadata.Get("source"))
	assert.Equal(t, "google.protobuf.StringValue", published[0].msg.Metadata.Get(metadatapkg.KeyEventSchema))
}
