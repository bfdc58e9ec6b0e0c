package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ThreeDotsLabs/watermill"

	configpkg "github.com/drblury/livewire/internal/runtime/config"
	errspkg "github.com/drblury/livewire/internal/runtime/errors"
	"github.com/drblury/livewire/storage"
	"github.com/drblury/livewire/storage/memory"
	"github.com/drblury/livewire/storage/postgres"
	redisstore "github.com/drblury/livewire/storage/redis"
	"github.com/drblury/livewire/storage/sqlite"
)

// Names of the inbox tables and key prefix used next to the outbox defaults.
const (
	SQLiteInboxTable   = "livewire_inbox"
	PostgresInboxTable = "inbox"
	RedisInboxPrefix   = "livewire:inbox"
)

// Stores holds the adapters backing the outbox and the inbox.
type Stores struct {
	Outbox storage.Adapter
	Inbox  storage.Saver

	closers []io.Closer
}

// Close releases the adapters in reverse order of creation.
func (s Stores) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StoreFactory opens the outbox and inbox adapters for a configuration.
type StoreFactory func(ctx context.Context, conf *configpkg.Config, logger watermill.LoggerAdapter) (Stores, error)

// DefaultStores opens the adapters selected by conf.StorageBackend. SQL and
// Redis backends share one connection between the outbox and inbox.
func DefaultStores(ctx context.Context, conf *configpkg.Config, logger watermill.LoggerAdapter) (Stores, error) {
	if conf == nil {
		return Stores{}, errspkg.ErrConfigRequired
	}

	switch strings.ToLower(conf.StorageBackend) {
	case "", configpkg.StorageMemory:
		return Stores{Outbox: memory.New(), Inbox: memory.New()}, nil

	case configpkg.StorageSQLite:
		out, err := sqlite.New(sqlite.Config{FilePath: conf.SQLiteFile}, logger)
		if err != nil {
			return Stores{}, err
		}
		in, err := sqlite.NewWithDB(out.DB(), sqlite.Config{Table: SQLiteInboxTable}, logger)
		if err != nil {
			_ = out.Close()
			return Stores{}, err
		}
		return Stores{Outbox: out, Inbox: in, closers: []io.Closer{out, in}}, nil

	case configpkg.StoragePostgres:
		out, err := postgres.New(postgres.Config{ConnectionString: conf.PostgresURL}, logger)
		if err != nil {
			return Stores{}, err
		}
		in, err := postgres.NewWithDB(out.DB(), postgres.Config{
			ConnectionString: conf.PostgresURL,
			Table:            PostgresInboxTable,
		}, logger)
		if err != nil {
			_ = out.Close()
			return Stores{}, err
		}
		return Stores{Outbox: out, Inbox: in, closers: []io.Closer{out, in}}, nil

	case configpkg.StorageRedis:
		out, err := redisstore.New(ctx, redisstore.Config{Addr: conf.RedisAddr, Password: conf.RedisPassword}, logger)
		if err != nil {
			return Stores{}, err
		}
		in, err := redisstore.NewWithClient(out.Client(), redisstore.Config{Prefix: RedisInboxPrefix}, logger)
		if err != nil {
			_ = out.Close()
			return Stores{}, err
		}
		return Stores{Outbox: out, Inbox: in, closers: []io.Closer{out, in}}, nil
	}

	return Stores{}, fmt.Errorf("storage: unsupported backend %q", conf.StorageBackend)
}
