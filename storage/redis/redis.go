// Package redis provides a Redis storage adapter for the livewire outbox and
// inbox. Records live in a hash keyed by message id, ordered by a sorted set,
// and every save is announced on a pub/sub channel for Watch.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/redis/go-redis/v9"

	"github.com/drblury/livewire/internal/runtime/envelope"
	jsoncodec "github.com/drblury/livewire/internal/runtime/jsoncodec"
	"github.com/drblury/livewire/storage"
)

// DefaultPrefix namespaces outbox keys.
const DefaultPrefix = "livewire:outbox"

const duplicateReply = "dup:"

// saveScript stores a batch atomically. KEYS: records hash, order zset, seq
// counter. ARGV: channel, then id/row pairs. It returns "ok" or "dup:<id>".
var saveScript = redis.NewScript(`
local seen = {}
for i = 2, #ARGV, 2 do
	local id = ARGV[i]
	if seen[id] or redis.call("HEXISTS", KEYS[1], id) == 1 then
		return "dup:" .. id
	end
	seen[id] = true
end
for i = 2, #ARGV, 2 do
	local id = ARGV[i]
	redis.call("HSET", KEYS[1], id, ARGV[i + 1])
	redis.call("ZADD", KEYS[2], redis.call("INCR", KEYS[3]), id)
	redis.call("PUBLISH", ARGV[1], id)
end
return "ok"
`)

// Config holds Redis-specific configuration.
type Config struct {
	// Addr is the server address. Ignored by NewWithClient.
	Addr     string
	Password string
	DB       int
	// Prefix namespaces all keys and the notification channel. Use a
	// different prefix for an inbox sharing the server.
	Prefix string
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = "localhost:6379"
	}
	if c.Prefix == "" {
		c.Prefix = DefaultPrefix
	}
	return c
}

type keys struct {
	records string
	order   string
	seq     string
	channel string
}

func buildKeys(prefix string) keys {
	return keys{
		records: prefix + ":records",
		order:   prefix + ":order",
		seq:     prefix + ":seq",
		channel: prefix + ":saved",
	}
}

// Store implements storage.Adapter on Redis.
type Store struct {
	client     *redis.Client
	ownsClient bool
	config     Config
	keys       keys
	logger     watermill.LoggerAdapter

	closed     bool
	closedMu   sync.RWMutex
	closedChan chan struct{}
	wg         sync.WaitGroup
}

// New connects to cfg.Addr and verifies the connection.
func New(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (*Store, error) {
	cfg = cfg.withDefaults()
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	s := newStore(client, cfg, logger)
	s.ownsClient = true
	return s, nil
}

// NewWithClient uses an existing client, which Close leaves open.
func NewWithClient(client *redis.Client, cfg Config, logger watermill.LoggerAdapter) (*Store, error) {
	if client == nil {
		return nil, errors.New("redis: client is required")
	}
	return newStore(client, cfg.withDefaults(), logger), nil
}

func newStore(client *redis.Client, cfg Config, logger watermill.LoggerAdapter) *Store {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Store{
		client:     client,
		config:     cfg,
		keys:       buildKeys(cfg.Prefix),
		logger:     logger,
		closedChan: make(chan struct{}),
	}
}

func (s *Store) isClosed() bool {
	s.closedMu.RLock()
	defer s.closedMu.RUnlock()
	return s.closed
}

// Save stores msgs atomically and announces each id. storage.WithTx is
// ignored; a stored or repeated id fails the batch with storage.ErrDuplicate.
func (s *Store) Save(ctx context.Context, msgs []*envelope.Message, opts ...storage.Option) error {
	if s.isClosed() {
		return storage.ErrClosed
	}
	if len(msgs) == 0 {
		return nil
	}

	args := make([]any, 0, 1+2*len(msgs))
	args = append(args, s.keys.channel)
	for _, msg := range msgs {
		row, err := storage.ToRow(msg)
		if err != nil {
			return err
		}
		encoded, err := jsoncodec.MarshalString(row)
		if err != nil {
			return fmt.Errorf("failed to encode %s: %w", msg.ID, err)
		}
		args = append(args, msg.ID, encoded)
	}

	reply, err := saveScript.Run(ctx, s.client, []string{s.keys.records, s.keys.order, s.keys.seq}, args...).Text()
	if err != nil {
		return fmt.Errorf("failed to save batch: %w", err)
	}
	if id, ok := strings.CutPrefix(reply, duplicateReply); ok {
		return fmt.Errorf("save %s: %w", id, storage.ErrDuplicate)
	}
	return nil
}

// GetUncleared returns every stored message in save order.
func (s *Store) GetUncleared(ctx context.Context) ([]*envelope.Message, error) {
	if s.isClosed() {
		return nil, storage.ErrClosed
	}

	ids, err := s.client.ZRange(ctx, s.keys.order, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read order: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	values, err := s.client.HMGet(ctx, s.keys.records, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read records: %w", err)
	}

	msgs := make([]*envelope.Message, 0, len(values))
	for _, value := range values {
		encoded, ok := value.(string)
		if !ok {
			// cleared between the two reads
			continue
		}
		msg, err := decode(encoded)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// Get returns the record for messageID or storage.ErrNotFound.
func (s *Store) Get(ctx context.Context, messageID string) (*envelope.Message, error) {
	if s.isClosed() {
		return nil, storage.ErrClosed
	}
	encoded, err := s.client.HGet(ctx, s.keys.records, messageID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get %s: %w", messageID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", messageID, err)
	}
	return decode(encoded)
}

// Clear deletes the record for messageID.
func (s *Store) Clear(ctx context.Context, messageID string) error {
	if s.isClosed() {
		return storage.ErrClosed
	}

	var removed *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.HDel(ctx, s.keys.records, messageID)
		pipe.ZRem(ctx, s.keys.order, messageID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to clear %s: %w", messageID, err)
	}
	if removed.Val() == 0 {
		return fmt.Errorf("clear %s: %w", messageID, storage.ErrNotFound)
	}
	return nil
}

// Len returns the number of stored records.
func (s *Store) Len(ctx context.Context) (int64, error) {
	return s.client.HLen(ctx, s.keys.records).Result()
}

func decode(encoded string) (*envelope.Message, error) {
	var row storage.Row
	if err := jsoncodec.UnmarshalString(encoded, &row); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}
	return row.Message()
}

// Watch subscribes to save announcements and hands each record still stored
// to onData. The subscription is confirmed before Watch returns.
func (s *Store) Watch(ctx context.Context, onError storage.ErrorFunc, onData storage.DataFunc) (storage.Subscription, error) {
	if s.isClosed() {
		return nil, storage.ErrClosed
	}

	pubsub := s.client.Subscribe(ctx, s.keys.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", s.keys.channel, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(done)
		s.listen(ctx, pubsub.Channel(), onError, onData)
	}()

	var once sync.Once
	return storage.SubscriptionFunc(func() error {
		var err error
		once.Do(func() {
			cancel()
			err = pubsub.Close()
			<-done
		})
		return err
	}), nil
}

func (s *Store) listen(ctx context.Context, feed <-chan *redis.Message, onError storage.ErrorFunc, onData storage.DataFunc) {
	fields := watermill.LogFields{"channel": s.keys.channel}
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closedChan:
			return
		case announcement, ok := <-feed:
			if !ok {
				return
			}
			msg, err := s.Get(ctx, announcement.Payload)
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Error("redis watch failed", err, fields)
				if onError != nil {
					onError(err)
				}
				continue
			}
			onData(msg)
		}
	}
}

// Client returns the underlying client.
func (s *Store) Client() *redis.Client {
	return s.client
}

// Close stops all watchers and closes the client if New created it.
func (s *Store) Close() error {
	s.closedMu.Lock()
	if s.closed {
		s.closedMu.Unlock()
		return nil
	}
	s.closed = true
	close(s.closedChan)
	s.closedMu.Unlock()

	s.wg.Wait()
	if s.ownsClient {
		return s.client.Close()
	}
	return nil
}
