package envelope

import (
	"bytes"
	"fmt"
	"time"

	errspkg "github.com/drblury/livewire/internal/runtime/errors"
	jsoncodec "github.com/drblury/livewire/internal/runtime/jsoncodec"
	metadatapkg "github.com/drblury/livewire/internal/runtime/metadata"
)

// Meta holds the reserved protocol fields of a parsed record merged with the
// broker-assigned coordinates.
type Meta struct {
	MessageID   string
	MessageType Type
	// Reserved holds every reserved-namespace header, including the mux directory.
	Reserved  metadatapkg.Metadata
	Key       []byte
	Topic     string
	Partition int32
	Offset    int64
	Timestamp time.Time
}

// Parsed is a consumer-side, read-only view of a wire record.
type Parsed struct {
	Value []byte
	// Headers holds application headers only.
	Headers metadatapkg.Metadata
	Meta    Meta
}

// Parse splits a wire record into value, application headers and metadata.
// Records without a type header are treated as generic.
func Parse(rec Record) *Parsed {
	app, reserved := metadatapkg.Split(rec.Headers)
	typ := Type(reserved[metadatapkg.KeyMessageType])
	if typ == "" {
		typ = TypeGeneric
	}
	return &Parsed{
		Value:   rec.Value,
		Headers: app,
		Meta: Meta{
			MessageID:   reserved[metadatapkg.KeyMessageID],
			MessageType: typ,
			Reserved:    reserved,
			Key:         rec.Key,
			Topic:       rec.Topic,
			Partition:   rec.Partition,
			Offset:      rec.Offset,
			Timestamp:   rec.Timestamp,
		},
	}
}

// IsMuxed reports whether the parsed record is a muxed envelope.
func IsMuxed(p *Parsed) bool {
	return p != nil && p.Meta.MessageType == TypeMuxed
}

// Demux unpacks a muxed record into its sub-records in muxing order. Each
// sub-record inherits the parent's offset and timestamp. Demux does not modify
// p, so repeated calls return equal results.
func Demux(p *Parsed) ([]*Parsed, error) {
	if !IsMuxed(p) {
		id := ""
		if p != nil {
			id = p.Meta.MessageID
		}
		return nil, errspkg.NewMessageNotMuxed(id)
	}

	var ranges []Range
	if directory := p.Meta.Reserved[metadatapkg.KeyMux]; directory != "" {
		if err := jsoncodec.UnmarshalString(directory, &ranges); err != nil {
			return nil, malformed(p.Meta.MessageID, fmt.Errorf("decode directory: %w", err))
		}
	}
	if err := validateRanges(ranges, len(p.Value)); err != nil {
		return nil, malformed(p.Meta.MessageID, err)
	}

	subs := make([]*Parsed, 0, len(ranges))
	for i, r := range ranges {
		h, key, err := decodeHead(p.Value[r.HeadStart:r.HeadEnd])
		if err != nil {
			return nil, malformed(p.Meta.MessageID, fmt.Errorf("decode head %d: %w", i, err))
		}
		sub := Parse(Record{
			Key:       key,
			Value:     bytes.Clone(p.Value[r.ValueStart:r.ValueEnd]),
			Topic:     h.Topic,
			Partition: h.Partition,
			Headers:   h.Headers,
			Offset:    p.Meta.Offset,
			Timestamp: p.Meta.Timestamp,
		})
		if sub.Meta.MessageID == "" {
			sub.Meta.MessageID = h.MessageID
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

// Envelope rebuilds the message that produced this record.
func (p *Parsed) Envelope() *Message {
	return &Message{
		ID:        p.Meta.MessageID,
		Key:       bytes.Clone(p.Meta.Key),
		Topic:     p.Meta.Topic,
		Partition: p.Meta.Partition,
		Value:     p.Value,
		Headers:   metadatapkg.Join(p.Headers, p.Meta.Reserved),
		Type:      p.Meta.MessageType,
	}
}

func (p *Parsed) String() string {
	return fmt.Sprintf("Parsed(%s type=%s topic=%q offset=%d)", p.Meta.MessageID, p.Meta.MessageType, p.Meta.Topic, p.Meta.Offset)
}
