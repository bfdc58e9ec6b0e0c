// Package inbox marks inbound messages as processed. Uniqueness is enforced by
// the storage adapter; the inbox only translates its verdict.
package inbox

import (
	"context"
	"errors"
	"fmt"

	"github.com/drblury/livewire/internal/runtime/envelope"
	errspkg "github.com/drblury/livewire/internal/runtime/errors"
	loggingpkg "github.com/drblury/livewire/internal/runtime/logging"
	metricspkg "github.com/drblury/livewire/internal/runtime/metrics"
	"github.com/drblury/livewire/storage"
)

type Inbox struct {
	saver   storage.Saver
	logger  loggingpkg.ServiceLogger
	metrics *metricspkg.Metrics
}

type Option func(*Inbox)

func WithLogger(logger loggingpkg.ServiceLogger) Option {
	return func(i *Inbox) { i.logger = logger }
}

func WithMetrics(m *metricspkg.Metrics) Option {
	return func(i *Inbox) { i.metrics = m }
}

// New creates an Inbox persisting markers through saver.
func New(saver storage.Saver, opts ...Option) (*Inbox, error) {
	if saver == nil {
		return nil, errspkg.ErrStorageRequired
	}
	i := &Inbox{saver: saver}
	for _, opt := range opts {
		if opt != nil {
			opt(i)
		}
	}
	i.logger = loggingpkg.OrNop(i.logger)
	return i, nil
}

// Log records msg as processed. A second Log for the same id fails with
// DUPLICATED_INBOX.
func (i *Inbox) Log(ctx context.Context, msg *envelope.Message, opts ...storage.Option) error {
	if msg == nil {
		return errspkg.ErrPayloadRequired
	}
	if err := i.saver.Save(ctx, []*envelope.Message{msg}, opts...); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			i.metrics.RecordDuplicate(metricspkg.BoxInbox, msg.Topic)
			return errspkg.NewDuplicatedInbox(msg.ID, err)
		}
		return fmt.Errorf("failed to log %s to inbox: %w", msg.ID, err)
	}
	i.metrics.RecordInboxLogged(msg.Topic)
	return nil
}

// Forget removes the marker for messageID so the message can be processed
// again. The adapter must implement storage.Clearer.
func (i *Inbox) Forget(ctx context.Context, messageID string) error {
	clearer, ok := i.saver.(storage.Clearer)
	if !ok {
		return fmt.Errorf("inbox storage %T cannot forget messages", i.saver)
	}
	err := clearer.Clear(ctx, messageID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to forget %s: %w", messageID, err)
	}
	i.logger.Debug("Forgot inbox message", loggingpkg.MessageFields(messageID, ""))
	return nil
}
