// Package handlers adapts typed payload handlers to the livewire consumer.
// Payloads are decoded from the value of a parsed envelope; the application
// headers and protocol metadata travel alongside in the message context.
package handlers

import (
	"context"

	"github.com/drblury/livewire/internal/runtime/envelope"
	loggingpkg "github.com/drblury/livewire/internal/runtime/logging"
	metadatapkg "github.com/drblury/livewire/internal/runtime/metadata"
)

// HandlerFunc processes one parsed envelope. A returned error leaves the
// message unacknowledged.
type HandlerFunc func(ctx context.Context, msg *envelope.Parsed) error

// MessageContextBase provides common functionality for all message context types.
type MessageContextBase struct {
	Metadata metadatapkg.Metadata
	Meta     envelope.Meta
	Logger   loggingpkg.ServiceLogger
}

func newContextBase(msg *envelope.Parsed, logger loggingpkg.ServiceLogger) MessageContextBase {
	return MessageContextBase{
		Metadata: msg.Headers,
		Meta:     msg.Meta,
		Logger:   loggingpkg.OrNop(logger).With(loggingpkg.MessageFields(msg.Meta.MessageID, msg.Meta.Topic)),
	}
}

// CloneMetadata returns a copy of the application headers so handlers can
// reuse them on outgoing messages.
func (b MessageContextBase) CloneMetadata() metadatapkg.Metadata {
	return b.Metadata.Clone()
}

func (b MessageContextBase) Get(key string) string {
	return b.Metadata[key]
}

// CorrelationID returns the correlation ID from metadata, if present.
func (b MessageContextBase) CorrelationID() string {
	return b.Metadata[metadatapkg.KeyCorrelationID]
}

// MessageID returns the livewire message id of the record.
func (b MessageContextBase) MessageID() string {
	return b.Meta.MessageID
}
