// Package metadata holds the string header map carried by every livewire
// message together with the reserved key namespace and the conversion to
// Watermill metadata.
package metadata

import "maps"

// Metadata is a message's header map. A nil Metadata reads as empty.
type Metadata map[string]string

// Application-level header keys understood by livewire helpers.
const (
	KeyCorrelationID = "correlation_id"
	KeyEventSchema   = "event_message_schema"
	KeyContentType   = "content_type"
)

// Clone returns a shallow copy. It never returns nil.
func (m Metadata) Clone() Metadata {
	return m.grow(0)
}

// With returns a copy of m with key set to value.
func (m Metadata) With(key, value string) Metadata {
	out := m.grow(1)
	out[key] = value
	return out
}

// WithAll returns a copy of m overlaid with entries.
func (m Metadata) WithAll(entries Metadata) Metadata {
	out := m.grow(len(entries))
	maps.Copy(out, entries)
	return out
}

func (m Metadata) Get(key string) string {
	return m[key]
}

func (m Metadata) grow(extra int) Metadata {
	out := make(Metadata, len(m)+extra)
	maps.Copy(out, m)
	return out
}

// New builds Metadata from alternating key/value pairs. A trailing key
// without a value is ignored.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}
