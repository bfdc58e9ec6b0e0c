// Package postgres provides a PostgreSQL storage adapter for the livewire
// outbox and inbox.
//
// Save issues pg_notify inside the writing transaction, so Watch hears about a
// record exactly when it commits. Notifications lost while the listener
// reconnects are reported through the watch error callback; the relay's
// catchup picks those records up.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/lib/pq"

	"github.com/drblury/livewire/internal/runtime/envelope"
	"github.com/drblury/livewire/storage"
)

const (
	// DefaultSchema is the schema tables are created in.
	DefaultSchema = "livewire"
	// DefaultTable holds outbox records.
	DefaultTable = "outbox"

	// DefaultMinReconnect and DefaultMaxReconnect bound the listener backoff.
	DefaultMinReconnect = 100 * time.Millisecond
	DefaultMaxReconnect = 10 * time.Second

	// pingInterval keeps an idle listener connection verified.
	pingInterval = 90 * time.Second

	uniqueViolation = "23505"
)

// ErrNotificationsLost is reported to Watch callers after the listener
// reconnects. Records committed meanwhile were not delivered.
var ErrNotificationsLost = errors.New("postgres: listener reconnected, notifications may have been lost")

// Config holds PostgreSQL-specific configuration.
type Config struct {
	// ConnectionString is the PostgreSQL connection string. Watch opens its
	// own listener connection with it, so it is required by NewWithDB too.
	ConnectionString string
	// SchemaName is the schema to use for tables. Defaults to DefaultSchema.
	SchemaName string
	// Table is the table records are stored in.
	Table string
	// MaxOpenConns sets the maximum number of open connections to the database.
	MaxOpenConns int
	// MaxIdleConns sets the maximum number of idle connections.
	MaxIdleConns int
	// MinReconnect and MaxReconnect bound the listener reconnect backoff.
	MinReconnect time.Duration
	MaxReconnect time.Duration
}

func (c Config) withDefaults() Config {
	if c.SchemaName == "" {
		c.SchemaName = DefaultSchema
	}
	if c.Table == "" {
		c.Table = DefaultTable
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 10
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 5
	}
	if c.MinReconnect <= 0 {
		c.MinReconnect = DefaultMinReconnect
	}
	if c.MaxReconnect < c.MinReconnect {
		c.MaxReconnect = DefaultMaxReconnect
	}
	return c
}

func (c Config) validate() error {
	if c.ConnectionString == "" {
		return errors.New("postgres: connection string is required")
	}
	if !storage.ValidIdentifier(c.SchemaName) {
		return fmt.Errorf("postgres: invalid schema name %q", c.SchemaName)
	}
	if !storage.ValidIdentifier(c.Table) {
		return fmt.Errorf("postgres: invalid table name %q", c.Table)
	}
	return nil
}

// qualified returns schema.table.
func (c Config) qualified() string {
	return c.SchemaName + "." + c.Table
}

// Channel is the LISTEN/NOTIFY channel for the table.
func (c Config) Channel() string {
	return c.SchemaName + "_" + c.Table
}

// Store implements storage.Adapter on a PostgreSQL table.
type Store struct {
	db      *sql.DB
	ownsDB  bool
	config  Config
	logger  watermill.LoggerAdapter
	queries queries

	// newListener is swapped in tests.
	newListener func(name string, callback pq.EventCallbackType) listener

	closed     bool
	closedMu   sync.RWMutex
	closedChan chan struct{}
	wg         sync.WaitGroup
}

type queries struct {
	insert    string
	notify    string
	selectAll string
	selectOne string
	delete    string
	count     string
}

// listener is the subset of *pq.Listener used by Watch.
type listener interface {
	Listen(channel string) error
	NotificationChannel() <-chan *pq.Notification
	Ping() error
	Close() error
}

// New opens a connection pool and creates the schema and table.
func New(cfg Config, logger watermill.LoggerAdapter) (*Store, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open("postgres", cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	s, err := newStore(db, cfg, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.ownsDB = true
	return s, nil
}

// NewWithDB uses an existing pool, so callers can save through their own
// transactions with storage.WithTx. The pool is not closed by Close.
func NewWithDB(db *sql.DB, cfg Config, logger watermill.LoggerAdapter) (*Store, error) {
	if db == nil {
		return nil, errors.New("postgres: database handle is required")
	}
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return newStore(db, cfg, logger)
}

func newStore(db *sql.DB, cfg Config, logger watermill.LoggerAdapter) (*Store, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	s := &Store{
		db:         db,
		config:     cfg,
		logger:     logger,
		queries:    buildQueries(cfg),
		closedChan: make(chan struct{}),
	}
	s.newListener = func(name string, callback pq.EventCallbackType) listener {
		return pq.NewListener(name, cfg.MinReconnect, cfg.MaxReconnect, callback)
	}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func buildQueries(cfg Config) queries {
	const columns = `message_id, topic, msg_partition, msg_key, has_key, payload, headers, message_type`
	table := cfg.qualified()
	return queries{
		insert:    `INSERT INTO ` + table + ` (` + columns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		notify:    `SELECT pg_notify($1, $2)`,
		selectAll: `SELECT ` + columns + ` FROM ` + table + ` ORDER BY seq ASC`,
		selectOne: `SELECT ` + columns + ` FROM ` + table + ` WHERE message_id = $1`,
		delete:    `DELETE FROM ` + table + ` WHERE message_id = $1`,
		count:     `SELECT COUNT(*) FROM ` + table,
	}
}

func (s *Store) initSchema() error {
	if _, err := s.db.Exec(`CREATE SCHEMA IF NOT EXISTS ` + s.config.SchemaName); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS ` + s.config.qualified() + ` (
		seq BIGSERIAL PRIMARY KEY,
		message_id TEXT NOT NULL UNIQUE,
		topic TEXT NOT NULL,
		msg_partition INTEGER NOT NULL DEFAULT 0,
		msg_key BYTEA,
		has_key BOOLEAN NOT NULL DEFAULT FALSE,
		payload BYTEA,
		headers JSONB NOT NULL DEFAULT '{}',
		message_type TEXT NOT NULL,
		created_at TIMESTAMPTZ DEFAULT NOW()
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) isClosed() bool {
	s.closedMu.RLock()
	defer s.closedMu.RUnlock()
	return s.closed
}

// Save inserts msgs and queues one notification per record, in one
// transaction or through the caller's transaction when storage.WithTx is
// given. A stored or repeated id fails with storage.ErrDuplicate.
func (s *Store) Save(ctx context.Context, msgs []*envelope.Message, opts ...storage.Option) error {
	if s.isClosed() {
		return storage.ErrClosed
	}
	if len(msgs) == 0 {
		return nil
	}

	options := storage.Apply(opts)
	if options.Tx != nil {
		return s.insert(ctx, options.Tx, msgs)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			s.logger.Error("failed to rollback transaction", err, nil)
		}
	}()

	if err := s.insert(ctx, tx, msgs); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) insert(ctx context.Context, execer storage.Execer, msgs []*envelope.Message) error {
	channel := s.config.Channel()
	for _, msg := range msgs {
		row, err := storage.ToRow(msg)
		if err != nil {
			return err
		}
		_, err = execer.ExecContext(ctx, s.queries.insert,
			row.MessageID, row.Topic, row.Partition, row.Key, row.HasKey, row.Value, row.Headers, row.MessageType)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("save %s: %w", msg.ID, storage.ErrDuplicate)
			}
			return fmt.Errorf("failed to insert %s: %w", msg.ID, err)
		}
		if _, err := execer.ExecContext(ctx, s.queries.notify, channel, msg.ID); err != nil {
			return fmt.Errorf("failed to notify %s: %w", msg.ID, err)
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// GetUncleared returns every stored message in insertion order.
func (s *Store) GetUncleared(ctx context.Context) ([]*envelope.Message, error) {
	if s.isClosed() {
		return nil, storage.ErrClosed
	}
	return s.query(ctx, s.queries.selectAll)
}

// Get returns the record for messageID or storage.ErrNotFound.
func (s *Store) Get(ctx context.Context, messageID string) (*envelope.Message, error) {
	if s.isClosed() {
		return nil, storage.ErrClosed
	}
	msgs, err := s.query(ctx, s.queries.selectOne, messageID)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("get %s: %w", messageID, storage.ErrNotFound)
	}
	return msgs[0], nil
}

// Clear deletes the record for messageID.
func (s *Store) Clear(ctx context.Context, messageID string) error {
	if s.isClosed() {
		return storage.ErrClosed
	}
	result, err := s.db.ExecContext(ctx, s.queries.delete, messageID)
	if err != nil {
		return fmt.Errorf("failed to clear %s: %w", messageID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to clear %s: %w", messageID, err)
	}
	if affected == 0 {
		return fmt.Errorf("clear %s: %w", messageID, storage.ErrNotFound)
	}
	return nil
}

// Len returns the number of stored records.
func (s *Store) Len(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, s.queries.count).Scan(&count)
	return count, err
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]*envelope.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var msgs []*envelope.Message
	for rows.Next() {
		var row storage.Row
		if err := rows.Scan(&row.MessageID, &row.Topic, &row.Partition, &row.Key, &row.HasKey, &row.Value, &row.Headers, &row.MessageType); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		msg, err := row.Message()
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// Watch listens for notifications on the table channel and hands each newly
// committed record to onData. Records cleared before they are read are skipped.
func (s *Store) Watch(ctx context.Context, onError storage.ErrorFunc, onData storage.DataFunc) (storage.Subscription, error) {
	if s.isClosed() {
		return nil, storage.ErrClosed
	}

	fields := watermill.LogFields{"channel": s.config.Channel()}
	l := s.newListener(s.config.ConnectionString, func(event pq.ListenerEventType, err error) {
		if err != nil {
			s.logger.Error("postgres listener event", err, fields)
		}
	})
	if err := l.Listen(s.config.Channel()); err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("failed to listen on %s: %w", s.config.Channel(), err)
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(done)
		defer l.Close()
		s.listen(ctx, l, onError, onData)
	}()

	var once sync.Once
	return storage.SubscriptionFunc(func() error {
		once.Do(func() {
			cancel()
			<-done
		})
		return nil
	}), nil
}

func (s *Store) listen(ctx context.Context, l listener, onError storage.ErrorFunc, onData storage.DataFunc) {
	fields := watermill.LogFields{"channel": s.config.Channel()}
	report := func(err error) {
		s.logger.Error("postgres watch failed", err, fields)
		if onError != nil {
			onError(err)
		}
	}

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closedChan:
			return
		case <-ticker.C:
			if err := l.Ping(); err != nil {
				report(fmt.Errorf("listener ping: %w", err))
			}
		case n, ok := <-l.NotificationChannel():
			if !ok {
				return
			}
			if n == nil {
				report(ErrNotificationsLost)
				continue
			}
			msg, err := s.Get(ctx, n.Extra)
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				report(err)
				continue
			}
			onData(msg)
		}
	}
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close stops all watchers and closes the pool if New opened it.
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
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}
