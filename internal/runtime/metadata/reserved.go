package metadata

import "strings"

// Prefix marks the reserved header namespace. Keys under it are protocol
// metadata and never reach application code as headers.
const Prefix = "LW_"

const (
	KeyMessageID   = Prefix + "messageId"
	KeyMessageType = Prefix + "messageType"
	KeyMux         = Prefix + "mux"
	KeyKey         = Prefix + "key"
	KeyPartition   = Prefix + "partition"
)

// IsReserved reports whether key belongs to the reserved namespace.
func IsReserved(key string) bool {
	return strings.HasPrefix(key, Prefix)
}

// Split separates headers into application headers and reserved metadata.
// Both results are fresh maps.
func Split(headers Metadata) (app Metadata, reserved Metadata) {
	app = make(Metadata, len(headers))
	reserved = make(Metadata, 3)
	for k, v := range headers {
		if IsReserved(k) {
			reserved[k] = v
			continue
		}
		app[k] = v
	}
	return app, reserved
}

// Join is the inverse of Split. Reserved entries always win, and any
// application key inside the reserved namespace is dropped.
func Join(app, reserved Metadata) Metadata {
	joined := make(Metadata, len(app)+len(reserved))
	for k, v := range app {
		if !IsReserved(k) {
			joined[k] = v
		}
	}
	for k, v := range reserved {
		joined[k] = v
	}
	return joined
}
