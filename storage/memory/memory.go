// Package memory provides an in-process storage adapter. It is meant for tests
// and single-process deployments where durability is not required.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/drblury/livewire/internal/runtime/envelope"
	"github.com/drblury/livewire/storage"
)

// Store keeps messages in insertion order and fans saves out to watchers.
type Store struct {
	mu       sync.Mutex
	records  map[string]*envelope.Message
	order    []string
	watchers map[int]*watcher
	nextID   int
}

// New creates an empty store.
func New() *Store {
	return &Store{
		records:  make(map[string]*envelope.Message),
		watchers: make(map[int]*watcher),
	}
}

// Save stores msgs atomically. It fails with storage.ErrDuplicate when any id
// is already stored or repeated within the batch.
func (s *Store) Save(ctx context.Context, msgs []*envelope.Message, opts ...storage.Option) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	seen := make(map[string]struct{}, len(msgs))
	for _, msg := range msgs {
		_, stored := s.records[msg.ID]
		_, repeated := seen[msg.ID]
		if stored || repeated {
			s.mu.Unlock()
			return fmt.Errorf("save %s: %w", msg.ID, storage.ErrDuplicate)
		}
		seen[msg.ID] = struct{}{}
	}

	saved := make([]*envelope.Message, len(msgs))
	for i, msg := range msgs {
		clone := msg.Clone()
		s.records[msg.ID] = clone
		s.order = append(s.order, msg.ID)
		saved[i] = clone
	}
	watchers := make([]*watcher, 0, len(s.watchers))
	for _, w := range s.watchers {
		watchers = append(watchers, w)
	}
	s.mu.Unlock()

	for _, w := range watchers {
		for _, msg := range saved {
			w.enqueue(msg.Clone())
		}
	}
	return nil
}

// GetUncleared returns the stored messages in insertion order.
func (s *Store) GetUncleared(ctx context.Context) ([]*envelope.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*envelope.Message, 0, len(s.records))
	for _, id := range s.order {
		if msg, ok := s.records[id]; ok {
			out = append(out, msg.Clone())
		}
	}
	return out, nil
}

// Get returns a copy of a stored message.
func (s *Store) Get(ctx context.Context, messageID string) (*envelope.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.records[messageID]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", messageID, storage.ErrNotFound)
	}
	return msg.Clone(), nil
}

// Clear removes a stored message.
func (s *Store) Clear(ctx context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[messageID]; !ok {
		return fmt.Errorf("clear %s: %w", messageID, storage.ErrNotFound)
	}
	delete(s.records, messageID)
	for i, id := range s.order {
		if id == messageID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// Len returns the number of stored messages.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Watch delivers every message saved from now on to onData, in save order.
// The in-memory feed never fails, so onError is never called.
func (s *Store) Watch(ctx context.Context, onError storage.ErrorFunc, onData storage.DataFunc) (storage.Subscription, error) {
	if onData == nil {
		return nil, fmt.Errorf("livewire: watch requires a data callback")
	}

	w := &watcher{signal: make(chan struct{}, 1), done: make(chan struct{})}

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = w
	s.mu.Unlock()

	go w.run(ctx, onData)

	var once sync.Once
	return storage.SubscriptionFunc(func() error {
		once.Do(func() {
			s.mu.Lock()
			delete(s.watchers, id)
			s.mu.Unlock()
			close(w.done)
		})
		return nil
	}), nil
}

type watcher struct {
	mu     sync.Mutex
	queue  []*envelope.Message
	signal chan struct{}
	done   chan struct{}
}

func (w *watcher) enqueue(msg *envelope.Message) {
	w.mu.Lock()
	w.queue = append(w.queue, msg)
	w.mu.Unlock()

	select {
	case w.signal <- struct{}{}:
	default:
	}
}

func (w *watcher) run(ctx context.Context, onData storage.DataFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case <-w.signal:
		}

		w.mu.Lock()
		batch := w.queue
		w.queue = nil
		w.mu.Unlock()

		for _, msg := range batch {
			onData(msg)
		}
	}
}
