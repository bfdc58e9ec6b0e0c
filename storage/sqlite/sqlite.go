// Package sqlite provides a SQLite storage adapter for the livewire outbox
// and inbox.
//
// Rows are keyed by message id and ordered by an autoincrement sequence.
// SQLite serialises writers, so sequence order is commit order and Watch can
// follow the table by polling for sequences above its high-water mark.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/mattn/go-sqlite3"

	"github.com/drblury/livewire/internal/runtime/envelope"
	"github.com/drblury/livewire/storage"
)

const (
	// DefaultTable holds outbox records.
	DefaultTable = "livewire_outbox"
	// DefaultPollInterval is how often Watch looks for new rows.
	DefaultPollInterval = 100 * time.Millisecond
)

// Config holds SQLite-specific configuration.
type Config struct {
	// FilePath is the path to the SQLite database file. Ignored by NewWithDB.
	FilePath string
	// Table is the table records are stored in. Use a separate table for an
	// inbox sharing the database.
	Table string
	// PollInterval is the interval Watch polls for new rows.
	PollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.FilePath == "" {
		c.FilePath = "livewire.db"
	}
	if c.Table == "" {
		c.Table = DefaultTable
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	return c
}

// Store implements storage.Adapter on a SQLite table.
type Store struct {
	db     *sql.DB
	ownsDB bool
	config Config
	logger watermill.LoggerAdapter

	queries queries

	// saved wakes watchers early after an in-process save.
	savedMu sync.Mutex
	saved   chan struct{}

	closed     bool
	closedMu   sync.RWMutex
	closedChan chan struct{}
	wg         sync.WaitGroup
}

type queries struct {
	insert      string
	selectAll   string
	selectOne   string
	selectAfter string
	maxSeq      string
	delete      string
	count       string
}

// New opens the database at cfg.FilePath in WAL mode and creates the table.
func New(cfg Config, logger watermill.LoggerAdapter) (*Store, error) {
	cfg = cfg.withDefaults()

	db, err := sql.Open("sqlite3", cfg.FilePath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s, err := newStore(db, cfg, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.ownsDB = true
	return s, nil
}

// NewWithDB uses an existing database handle, so callers can save through
// their own transactions with storage.WithTx. The handle is not closed by Close.
func NewWithDB(db *sql.DB, cfg Config, logger watermill.LoggerAdapter) (*Store, error) {
	if db == nil {
		return nil, errors.New("sqlite: database handle is required")
	}
	return newStore(db, cfg.withDefaults(), logger)
}

func newStore(db *sql.DB, cfg Config, logger watermill.LoggerAdapter) (*Store, error) {
	if !storage.ValidIdentifier(cfg.Table) {
		return nil, fmt.Errorf("sqlite: invalid table name %q", cfg.Table)
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	s := &Store{
		db:         db,
		config:     cfg,
		logger:     logger,
		queries:    buildQueries(cfg.Table),
		saved:      make(chan struct{}),
		closedChan: make(chan struct{}),
	}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func buildQueries(table string) queries {
	const columns = `message_id, topic, msg_partition, msg_key, has_key, payload, headers, message_type`
	return queries{
		insert:      `INSERT INTO ` + table + ` (` + columns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		selectAll:   `SELECT seq, ` + columns + ` FROM ` + table + ` ORDER BY seq ASC`,
		selectOne:   `SELECT seq, ` + columns + ` FROM ` + table + ` WHERE message_id = ?`,
		selectAfter: `SELECT seq, ` + columns + ` FROM ` + table + ` WHERE seq > ? ORDER BY seq ASC`,
		maxSeq:      `SELECT COALESCE(MAX(seq), 0) FROM ` + table,
		delete:      `DELETE FROM ` + table + ` WHERE message_id = ?`,
		count:       `SELECT COUNT(*) FROM ` + table,
	}
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS ` + s.config.Table + ` (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		message_id TEXT NOT NULL UNIQUE,
		topic TEXT NOT NULL,
		msg_partition INTEGER NOT NULL DEFAULT 0,
		msg_key BLOB,
		has_key INTEGER NOT NULL DEFAULT 0,
		payload BLOB,
		headers TEXT NOT NULL,
		message_type TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
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

// Save inserts msgs in one transaction, or through the caller's transaction
// when storage.WithTx is given. A stored or repeated id fails the batch with
// storage.ErrDuplicate.
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

	s.notify()
	return nil
}

func (s *Store) insert(ctx context.Context, execer storage.Execer, msgs []*envelope.Message) error {
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
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

// notify wakes every current watcher.
func (s *Store) notify() {
	s.savedMu.Lock()
	close(s.saved)
	s.saved = make(chan struct{})
	s.savedMu.Unlock()
}

func (s *Store) savedSignal() <-chan struct{} {
	s.savedMu.Lock()
	defer s.savedMu.Unlock()
	return s.saved
}

// GetUncleared returns every stored message in save order.
func (s *Store) GetUncleared(ctx context.Context) ([]*envelope.Message, error) {
	if s.isClosed() {
		return nil, storage.ErrClosed
	}
	msgs, _, err := s.query(ctx, s.queries.selectAll)
	return msgs, err
}

// Get returns the record for messageID or storage.ErrNotFound.
func (s *Store) Get(ctx context.Context, messageID string) (*envelope.Message, error) {
	if s.isClosed() {
		return nil, storage.ErrClosed
	}
	msgs, _, err := s.query(ctx, s.queries.selectOne, messageID)
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

// query runs a select and returns the decoded messages plus the highest
// sequence seen.
func (s *Store) query(ctx context.Context, query string, args ...any) ([]*envelope.Message, int64, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var (
		msgs []*envelope.Message
		last int64
	)
	for rows.Next() {
		var (
			seq int64
			row storage.Row
		)
		if err := rows.Scan(&seq, &row.MessageID, &row.Topic, &row.Partition, &row.Key, &row.HasKey, &row.Value, &row.Headers, &row.MessageType); err != nil {
			return nil, 0, fmt.Errorf("failed to scan record: %w", err)
		}
		msg, err := row.Message()
		if err != nil {
			return nil, 0, err
		}
		msgs = append(msgs, msg)
		last = seq
	}
	return msgs, last, rows.Err()
}

// Watch polls for rows saved after the call and hands them to onData in
// sequence order. Poll errors go to onError and polling continues.
func (s *Store) Watch(ctx context.Context, onError storage.ErrorFunc, onData storage.DataFunc) (storage.Subscription, error) {
	if s.isClosed() {
		return nil, storage.ErrClosed
	}

	var last int64
	if err := s.db.QueryRowContext(ctx, s.queries.maxSeq).Scan(&last); err != nil {
		return nil, fmt.Errorf("failed to read high-water mark: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(done)
		s.poll(ctx, last, onError, onData)
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

func (s *Store) poll(ctx context.Context, last int64, onError storage.ErrorFunc, onData storage.DataFunc) {
	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		saved := s.savedSignal()
		select {
		case <-ctx.Done():
			return
		case <-s.closedChan:
			return
		case <-ticker.C:
		case <-saved:
		}

		msgs, seq, err := s.query(ctx, s.queries.selectAfter, last)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("failed to poll records", err, watermill.LogFields{"table": s.config.Table})
			if onError != nil {
				onError(err)
			}
			continue
		}
		for _, msg := range msgs {
			if ctx.Err() != nil {
				return
			}
			onData(msg)
		}
		if len(msgs) > 0 {
			last = seq
		}
	}
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close stops all watchers and closes the database if New opened it.
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
