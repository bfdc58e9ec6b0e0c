// Package outbox stages outbound messages in a storage adapter and relays them
// to a broker with at-least-once delivery.
package outbox

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/livewire/internal/runtime/envelope"
	errspkg "github.com/drblury/livewire/internal/runtime/errors"
	loggingpkg "github.com/drblury/livewire/internal/runtime/logging"
	metricspkg "github.com/drblury/livewire/internal/runtime/metrics"
	"github.com/drblury/livewire/storage"
)

const defaultPoolSize = 16

// SendFunc delivers one message to the broker. A nil return clears the message.
type SendFunc func(ctx context.Context, msg *envelope.Message) error

// Outbox wraps a storage adapter with the relay protocol.
type Outbox struct {
	adapter  storage.Adapter
	logger   loggingpkg.ServiceLogger
	metrics  *metricspkg.Metrics
	tracer   trace.Tracer
	poolSize int
}

// Option configures an Outbox.
type Option func(*Outbox)

// WithLogger sets the logger used for relay diagnostics.
func WithLogger(logger loggingpkg.ServiceLogger) Option {
	return func(o *Outbox) { o.logger = logger }
}

// WithMetrics records post, relay and clear statistics.
func WithMetrics(m *metricspkg.Metrics) Option {
	return func(o *Outbox) { o.metrics = m }
}

// WithPoolSize bounds the number of concurrent relay sends.
func WithPoolSize(size int) Option {
	return func(o *Outbox) {
		if size > 0 {
			o.poolSize = size
		}
	}
}

// WithTracer overrides the tracer used for relay send spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *Outbox) { o.tracer = tracer }
}

// New creates an Outbox over adapter.
func New(adapter storage.Adapter, opts ...Option) (*Outbox, error) {
	if adapter == nil {
		return nil, errspkg.ErrStorageRequired
	}
	o := &Outbox{
		adapter:  adapter,
		poolSize: defaultPoolSize,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	o.logger = loggingpkg.OrNop(o.logger)
	if o.tracer == nil {
		o.tracer = otel.Tracer("livewire-outbox")
	}
	return o, nil
}

// Adapter returns the underlying storage adapter.
func (o *Outbox) Adapter() storage.Adapter { return o.adapter }

// Post persists a single message.
func (o *Outbox) Post(ctx context.Context, msg *envelope.Message, opts ...storage.Option) error {
	return o.PostBatch(ctx, []*envelope.Message{msg}, opts...)
}

// PostBatch persists msgs in one adapter call. A uniqueness violation is
// reported as a DUPLICATED_OUTBOX error carrying every id of the batch.
func (o *Outbox) PostBatch(ctx context.Context, msgs []*envelope.Message, opts ...storage.Option) error {
	if len(msgs) == 0 {
		return nil
	}
	for _, msg := range msgs {
		if msg == nil {
			return errspkg.ErrPayloadRequired
		}
	}

	ids := storage.IDs(msgs)
	if err := o.adapter.Save(ctx, msgs, opts...); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			o.metrics.RecordDuplicate(metricspkg.BoxOutbox, msgs[0].Topic)
			return errspkg.NewDuplicatedOutbox(ids, err)
		}
		return fmt.Errorf("failed to post %v: %w", ids, err)
	}

	for _, msg := range msgs {
		o.metrics.RecordPosted(msg.Topic, 1)
	}
	o.logger.Debug("Posted to outbox", loggingpkg.LogFields{"message_ids": ids})
	return nil
}

// GetUncleared returns every message not yet relayed.
func (o *Outbox) GetUncleared(ctx context.Context) ([]*envelope.Message, error) {
	msgs, err := o.adapter.GetUncleared(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read uncleared messages: %w", err)
	}
	return msgs, nil
}

// Get looks up a single uncleared message. It fails with NO_OUTBOX_MESSAGE
// when the adapter holds no record for messageID.
func (o *Outbox) Get(ctx context.Context, messageID string) (*envelope.Message, error) {
	getter, ok := o.adapter.(storage.Getter)
	if !ok {
		return o.scan(ctx, messageID)
	}
	msg, err := getter.Get(ctx, messageID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, errspkg.NewNoOutboxMessage(messageID, err)
	}
	return msg, err
}

func (o *Outbox) scan(ctx context.Context, messageID string) (*envelope.Message, error) {
	msgs, err := o.GetUncleared(ctx)
	if err != nil {
		return nil, err
	}
	for _, msg := range msgs {
		if msg.ID == messageID {
			return msg, nil
		}
	}
	return nil, errspkg.NewNoOutboxMessage(messageID, nil)
}

// Clear deletes the record for msg. Clearing an unknown id is not an error.
func (o *Outbox) Clear(ctx context.Context, msg *envelope.Message) error {
	if msg == nil {
		return errspkg.ErrPayloadRequired
	}
	err := o.adapter.Clear(ctx, msg.ID)
	switch {
	case err == nil:
		o.metrics.RecordCleared(msg.Topic)
		return nil
	case errors.Is(err, storage.ErrNotFound):
		return nil
	default:
		return fmt.Errorf("failed to clear %s: %w", msg.ID, err)
	}
}

// Watch subscribes to messages posted from now on.
func (o *Outbox) Watch(ctx context.Context, onError storage.ErrorFunc, onData storage.DataFunc) (storage.Subscription, error) {
	return o.adapter.Watch(ctx, onError, onData)
}

// Relay sends every message that is either posted from now on or already
// uncleared, clearing each one only after onMessage succeeds. Failures go to
// onError and leave the message for the next catchup sweep.
//
// Relay returns once the watch is established and a send has been issued for
// every uncleared message. The live watch and the sweep are not deduplicated,
// so a message may be sent twice. Closing the returned subscription stops the
// watch and waits for in-flight sends.
func (o *Outbox) Relay(ctx context.Context, onError storage.ErrorFunc, onMessage SendFunc) (storage.Subscription, error) {
	if onMessage == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	r, err := o.newRelay(onError, onMessage)
	if err != nil {
		return nil, err
	}

	watch, err := o.adapter.Watch(ctx, r.onError, func(msg *envelope.Message) {
		r.submit(ctx, msg, metricspkg.PathWatch)
	})
	if err != nil {
		r.close()
		return nil, fmt.Errorf("failed to watch outbox: %w", err)
	}

	if err := r.catchup(ctx); err != nil {
		_ = watch.Close()
		r.close()
		return nil, err
	}

	return storage.SubscriptionFunc(func() error {
		err := watch.Close()
		r.close()
		return err
	}), nil
}
