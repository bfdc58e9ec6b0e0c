package storage

import (
	"fmt"

	"github.com/drblury/livewire/internal/runtime/envelope"
	jsoncodec "github.com/drblury/livewire/internal/runtime/jsoncodec"
	metadatapkg "github.com/drblury/livewire/internal/runtime/metadata"
)

// Row is the column form of a stored message shared by the SQL and redis adapters.
type Row struct {
	MessageID   string `json:"messageId"`
	Topic       string `json:"topic"`
	Partition   int32  `json:"partition"`
	Key         []byte `json:"key,omitempty"`
	HasKey      bool   `json:"hasKey,omitempty"`
	Value       []byte `json:"value"`
	Headers     string `json:"headers"`
	MessageType string `json:"messageType"`
}

// ToRow encodes msg for persistence.
func ToRow(msg *envelope.Message) (Row, error) {
	headers, err := jsoncodec.MarshalString(msg.Headers)
	if err != nil {
		return Row{}, fmt.Errorf("failed to marshal headers of %s: %w", msg.ID, err)
	}
	return Row{
		MessageID:   msg.ID,
		Topic:       msg.Topic,
		Partition:   msg.Partition,
		Key:         msg.Key,
		HasKey:      msg.Key != nil,
		Value:       msg.Value,
		Headers:     headers,
		MessageType: string(msg.Type),
	}, nil
}

// Message decodes the row back into an envelope.
func (r Row) Message() (*envelope.Message, error) {
	headers := metadatapkg.Metadata{}
	if r.Headers != "" {
		if err := jsoncodec.UnmarshalString(r.Headers, &headers); err != nil {
			return nil, fmt.Errorf("failed to unmarshal headers of %s: %w", r.MessageID, err)
		}
	}
	msg := &envelope.Message{
		ID:        r.MessageID,
		Topic:     r.Topic,
		Partition: r.Partition,
		Value:     r.Value,
		Headers:   headers,
		Type:      envelope.Type(r.MessageType),
	}
	if r.HasKey {
		msg.Key = r.Key
		if msg.Key == nil {
			msg.Key = []byte{}
		}
	}
	if msg.Type == "" {
		msg.Type = envelope.TypeGeneric
	}
	return msg, nil
}

// IDs returns the ids of msgs in order.
func IDs(msgs []*envelope.Message) []string {
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	return ids
}

// ValidIdentifier reports whether name can be spliced into SQL as a table or
// schema name: ASCII letters, digits and underscores, not starting with a digit.
func ValidIdentifier(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
