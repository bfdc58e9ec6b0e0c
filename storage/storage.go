// Package storage defines the persistence contract consumed by the livewire
// outbox and inbox. Each adapter (memory, sqlite, postgres, redis) lives in its
// own sub-package and enforces message-id uniqueness itself.
package storage

import (
	"context"
	"database/sql"
	"errors"

	"github.com/drblury/livewire/internal/runtime/envelope"
)

var (
	// ErrDuplicate is returned (wrapped) by Save when a message id is already stored.
	ErrDuplicate = errors.New("livewire: message already stored")
	// ErrNotFound is returned (wrapped) when no record exists for a message id.
	ErrNotFound = errors.New("livewire: message not found")
	// ErrClosed is returned by adapters after Close.
	ErrClosed = errors.New("livewire: storage is closed")
)

// Execer is satisfied by *sql.DB, *sql.Tx and *sql.Conn. SQL adapters use it
// to write inside the caller's business transaction.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Options are the adapter options passed through Save.
type Options struct {
	// Tx makes SQL adapters write through the caller's transaction. Adapters
	// without SQL semantics ignore it.
	Tx Execer
}

// Option configures a single Save call.
type Option func(*Options)

// WithTx writes through the supplied transaction.
func WithTx(tx Execer) Option {
	return func(o *Options) {
		o.Tx = tx
	}
}

// Apply resolves opts into Options.
func Apply(opts []Option) Options {
	var o Options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// Subscription is the live feed handle returned by Watch.
type Subscription interface {
	Close() error
}

// SubscriptionFunc adapts a function to Subscription.
type SubscriptionFunc func() error

func (f SubscriptionFunc) Close() error { return f() }

// ErrorFunc receives stream-level failures of a Watch feed.
type ErrorFunc func(err error)

// DataFunc receives every message saved after the feed was established.
type DataFunc func(msg *envelope.Message)

// Saver persists messages, rejecting already stored ids with ErrDuplicate.
// A batch is all-or-nothing.
type Saver interface {
	Save(ctx context.Context, msgs []*envelope.Message, opts ...Option) error
}

// Adapter is the full outbox contract.
type Adapter interface {
	Saver
	// GetUncleared returns every stored message, in adapter-defined order.
	GetUncleared(ctx context.Context) ([]*envelope.Message, error)
	// Clear deletes the record for messageID, returning ErrNotFound when absent.
	Clear(ctx context.Context, messageID string) error
	// Watch feeds newly saved messages to onData until ctx is done or the
	// subscription is closed.
	Watch(ctx context.Context, onError ErrorFunc, onData DataFunc) (Subscription, error)
}

// Getter is implemented by adapters that can look up a single record.
type Getter interface {
	Get(ctx context.Context, messageID string) (*envelope.Message, error)
}

// Clearer is implemented by inbox adapters that can forget a marker.
type Clearer interface {
	Clear(ctx context.Context, messageID string) error
}
