package envelope

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	errspkg "github.com/drblury/livewire/internal/runtime/errors"
	jsoncodec "github.com/drblury/livewire/internal/runtime/jsoncodec"
	metadatapkg "github.com/drblury/livewire/internal/runtime/metadata"
)

const contentTypeJSON = "application/json"

var protoJSONMarshalOptions = protojson.MarshalOptions{
	EmitUnpopulated: true,
}

// FromProto builds an envelope whose value is the protojson encoding of event.
// The event schema name is recorded in the event_message_schema header.
func FromProto(event proto.Message, args Args, opts ...Option) (*Message, error) {
	if event == nil {
		return nil, errspkg.ErrPayloadRequired
	}
	payload, err := protoJSONMarshalOptions.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event payload: %w", err)
	}
	args.Value = payload
	args.Headers = args.Headers.WithAll(metadatapkg.Metadata{
		metadatapkg.KeyEventSchema: string(proto.MessageName(event)),
		metadatapkg.KeyContentType: contentTypeJSON,
	})
	return New(args, opts...), nil
}

// FromJSON builds an envelope whose value is the JSON encoding of v.
func FromJSON(v any, args Args, opts ...Option) (*Message, error) {
	if v == nil {
		return nil, errspkg.ErrPayloadRequired
	}
	payload, err := jsoncodec.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	args.Value = payload
	args.Headers = args.Headers.With(metadatapkg.KeyContentType, contentTypeJSON)
	return New(args, opts...), nil
}
