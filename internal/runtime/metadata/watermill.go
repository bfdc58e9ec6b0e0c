package metadata

import (
	"strconv"

	"github.com/ThreeDotsLabs/watermill/message"
)

// ToWatermill copies headers into Watermill metadata. Brokers only carry
// string metadata, so the record key and partition travel as reserved
// entries. A nil key is left out.
func ToWatermill(headers Metadata, key []byte, partition int32) message.Metadata {
	wm := make(message.Metadata, len(headers)+2)
	for k, v := range headers {
		wm[k] = v
	}
	if key != nil {
		wm[KeyKey] = string(key)
	}
	wm[KeyPartition] = strconv.FormatInt(int64(partition), 10)
	return wm
}

// FromWatermill reverses ToWatermill. The key and partition entries stay in
// the returned headers; a missing or unparsable partition reads as 0.
func FromWatermill(md message.Metadata) (headers Metadata, key []byte, partition int32) {
	headers = make(Metadata, len(md))
	for k, v := range md {
		headers[k] = v
	}
	if raw, ok := headers[KeyKey]; ok {
		key = []byte(raw)
	}
	if p, err := strconv.ParseInt(headers[KeyPartition], 10, 32); err == nil {
		partition = int32(p)
	}
	return headers, key, partition
}
