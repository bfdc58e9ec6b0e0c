package envelope

import (
	"github.com/ThreeDotsLabs/watermill/message"

	metadatapkg "github.com/drblury/livewire/internal/runtime/metadata"
)

// ToWatermill converts the envelope into a Watermill message. The message UUID
// is the envelope id.
func ToWatermill(m *Message) *message.Message {
	wm := message.NewMessage(m.ID, m.Value)
	wm.Metadata = metadatapkg.ToWatermill(m.Headers, m.Key, m.Partition)
	return wm
}

// FromWatermill converts a delivered Watermill message into a wire record.
// Offset and timestamp stay zero unless the transport reports a position.
func FromWatermill(topic string, wm *message.Message) Record {
	headers, key, partition := metadatapkg.FromWatermill(wm.Metadata)
	if _, ok := headers[metadatapkg.KeyMessageID]; !ok && wm.UUID != "" {
		headers[metadatapkg.KeyMessageID] = wm.UUID
	}
	return Record{
		Key:       key,
		Value:     wm.Payload,
		Topic:     topic,
		Partition: partition,
		Headers:   headers,
	}
}
