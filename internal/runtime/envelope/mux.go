package envelope

import (
	"encoding/base64"
	"errors"
	"fmt"
	"unicode/utf8"

	errspkg "github.com/drblury/livewire/internal/runtime/errors"
	jsoncodec "github.com/drblury/livewire/internal/runtime/jsoncodec"
	metadatapkg "github.com/drblury/livewire/internal/runtime/metadata"
)

// Range locates one muxed sub-message inside the packed value.
type Range struct {
	HeadStart  int `json:"headStart"`
	HeadEnd    int `json:"headEnd"`
	ValueStart int `json:"valueStart"`
	ValueEnd   int `json:"valueEnd"`
}

// MuxedMessage packs several envelopes into a single value. Its directory is
// owned by the instance and serialised into the LW_mux header on every Mux call.
type MuxedMessage struct {
	Message

	ranges []Range
	err    error
}

// NewMuxed constructs an empty muxed envelope. Args.Value is ignored.
func NewMuxed(args Args, opts ...Option) *MuxedMessage {
	o := resolveOptions(opts)
	id := args.MessageID
	if id == "" {
		id = o.generator()
	}
	args.Value = nil
	return &MuxedMessage{Message: *newMessage(args, id, TypeMuxed)}
}

// Mux appends sub to the packed value and returns the receiver for chaining.
// After the first failure further calls are no-ops; check Err before sending.
func (m *MuxedMessage) Mux(sub *Message) *MuxedMessage {
	if m.err != nil {
		return m
	}
	if sub == nil {
		m.err = errors.New("livewire: cannot mux a nil message")
		return m
	}

	head, err := encodeHead(sub)
	if err != nil {
		m.err = fmt.Errorf("livewire: encode mux head of %s: %w", sub.ID, err)
		return m
	}

	start := len(m.Value)
	r := Range{
		HeadStart:  start,
		HeadEnd:    start + len(head),
		ValueStart: start + len(head),
		ValueEnd:   start + len(head) + len(sub.Value),
	}
	ranges := append(m.ranges, r)
	directory, err := jsoncodec.MarshalString(ranges)
	if err != nil {
		m.err = fmt.Errorf("livewire: encode mux directory: %w", err)
		return m
	}

	packed := make([]byte, 0, r.ValueEnd)
	packed = append(packed, m.Value...)
	packed = append(packed, head...)
	packed = append(packed, sub.Value...)

	m.Value = packed
	m.ranges = ranges
	m.Headers[metadatapkg.KeyMux] = directory
	return m
}

// Err reports the first Mux failure, if any.
func (m *MuxedMessage) Err() error { return m.err }

// Len returns the number of muxed sub-messages.
func (m *MuxedMessage) Len() int { return len(m.ranges) }

// Ranges returns a copy of the directory in muxing order.
func (m *MuxedMessage) Ranges() []Range {
	return append([]Range(nil), m.ranges...)
}

// Envelope returns the underlying message for posting or publishing.
func (m *MuxedMessage) Envelope() *Message { return &m.Message }

func (m *MuxedMessage) String() string {
	return fmt.Sprintf("MuxedMessage(%s topic=%q partition=%d n=%d)", m.ID, m.Topic, m.Partition, len(m.ranges))
}

// head is a sub-message without its value.
type head struct {
	MessageID   string               `json:"messageId"`
	Key         *string              `json:"key,omitempty"`
	KeyEncoding string               `json:"keyEncoding,omitempty"`
	Topic       string               `json:"topic"`
	Partition   int32                `json:"partition"`
	Headers     metadatapkg.Metadata `json:"headers"`
}

const keyEncodingBase64 = "base64"

func encodeHead(m *Message) ([]byte, error) {
	h := head{
		MessageID: m.ID,
		Topic:     m.Topic,
		Partition: m.Partition,
		Headers:   m.Headers,
	}
	if m.Key != nil {
		key := string(m.Key)
		if !utf8.Valid(m.Key) {
			key = base64.StdEncoding.EncodeToString(m.Key)
			h.KeyEncoding = keyEncodingBase64
		}
		h.Key = &key
	}
	return jsoncodec.Marshal(h)
}

func decodeHead(data []byte) (head, []byte, error) {
	var h head
	if err := jsoncodec.Unmarshal(data, &h); err != nil {
		return head{}, nil, err
	}
	if h.Key == nil {
		return h, nil, nil
	}
	if h.KeyEncoding == keyEncodingBase64 {
		key, err := base64.StdEncoding.DecodeString(*h.Key)
		if err != nil {
			return head{}, nil, err
		}
		return h, key, nil
	}
	return h, []byte(*h.Key), nil
}

// validateRanges checks that the directory tiles value exactly.
func validateRanges(ranges []Range, size int) error {
	next := 0
	for i, r := range ranges {
		if r.HeadStart != next {
			return fmt.Errorf("range %d starts at %d, expected %d", i, r.HeadStart, next)
		}
		if r.HeadEnd < r.HeadStart || r.ValueStart != r.HeadEnd || r.ValueEnd < r.ValueStart {
			return fmt.Errorf("range %d is not ordered: %+v", i, r)
		}
		next = r.ValueEnd
	}
	if next != size {
		return fmt.Errorf("directory covers %d bytes, value has %d", next, size)
	}
	return nil
}

func malformed(id string, err error) error {
	return errspkg.NewMalformedMux(id, err)
}
