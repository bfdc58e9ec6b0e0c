// Package envelope implements the livewire message envelope: construction with
// reserved protocol headers, broker wire records, parsing, and the mux codec
// that packs several envelopes into one physical record.
package envelope

import (
	"bytes"
	"fmt"
	"time"

	idspkg "github.com/drblury/livewire/internal/runtime/ids"
	metadatapkg "github.com/drblury/livewire/internal/runtime/metadata"
)

// Type tags the envelope variant carried in the LW_messageType header.
type Type string

const (
	TypeGeneric Type = "generic"
	TypeMuxed   Type = "muxed"
)

// Message is the canonical envelope exchanged with the broker. Headers always
// contain the reserved id and type entries.
type Message struct {
	ID        string
	Key       []byte
	Topic     string
	Partition int32
	Value     []byte
	Headers   metadatapkg.Metadata
	Type      Type
}

// Args are the construction arguments of a Message. MessageID is optional.
type Args struct {
	Value     []byte
	Key       []byte
	Topic     string
	Partition int32
	Headers   metadatapkg.Metadata
	MessageID string
}

// Option customises construction.
type Option func(*options)

type options struct {
	generator idspkg.Generator
}

// WithIDGenerator replaces the message id generator used when Args.MessageID is empty.
func WithIDGenerator(g idspkg.Generator) Option {
	return func(o *options) {
		o.generator = g
	}
}

func resolveOptions(opts []Option) options {
	o := options{}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	o.generator = o.generator.OrDefault()
	return o
}

// New constructs a generic envelope, generating a message id when none is given.
func New(args Args, opts ...Option) *Message {
	o := resolveOptions(opts)
	id := args.MessageID
	if id == "" {
		id = o.generator()
	}
	return newMessage(args, id, TypeGeneric)
}

func newMessage(args Args, id string, typ Type) *Message {
	return &Message{
		ID:        id,
		Key:       bytes.Clone(args.Key),
		Topic:     args.Topic,
		Partition: args.Partition,
		Value:     args.Value,
		Headers: metadatapkg.Join(args.Headers, metadatapkg.Metadata{
			metadatapkg.KeyMessageID:   id,
			metadatapkg.KeyMessageType: string(typ),
		}),
		Type: typ,
	}
}

// AppHeaders returns the application headers without the reserved namespace.
func (m *Message) AppHeaders() metadatapkg.Metadata {
	app, _ := metadatapkg.Split(m.Headers)
	return app
}

// Clone returns a deep copy of the envelope.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	return &Message{
		ID:        m.ID,
		Key:       bytes.Clone(m.Key),
		Topic:     m.Topic,
		Partition: m.Partition,
		Value:     bytes.Clone(m.Value),
		Headers:   m.Headers.Clone(),
		Type:      m.Type,
	}
}

// Record returns the broker wire form of the envelope. Offset and timestamp
// are left for the broker to assign.
func (m *Message) Record() Record {
	return Record{
		Key:       m.Key,
		Value:     m.Value,
		Topic:     m.Topic,
		Partition: m.Partition,
		Headers:   m.Headers.Clone(),
	}
}

func (m *Message) String() string {
	return fmt.Sprintf("Message(%s topic=%q partition=%d)", m.ID, m.Topic, m.Partition)
}

// Record is a broker wire record as delivered to, or produced for, the broker.
type Record struct {
	Key       []byte
	Value     []byte
	Topic     string
	Partition int32
	Headers   metadatapkg.Metadata
	Timestamp time.Time
	Offset    int64
}
