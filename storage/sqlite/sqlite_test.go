package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/livewire/internal/runtime/envelope"
	metadatapkg "github.com/drblury/livewire/internal/runtime/metadata"
	"github.com/drblury/livewire/storage"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{
		FilePath:     filepath.Join(t.TempDir(), "outbox.db"),
		PollInterval: 10 * time.Millisecond,
	}, watermill.NopLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newMessage(id string) *envelope.Message {
	return envelope.New(envelope.Args{
		MessageID: id,
		Topic:     "orders",
		Value:     []byte("value-" + id),
		Headers:   metadatapkg.Metadata{"tenant": "acme"},
	})
}

func TestConfig_withDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, "livewire.db", cfg.FilePath)
	assert.Equal(t, DefaultTable, cfg.Table)
	assert.Equal(t, DefaultPollInterval, cfg.PollInterval)
}

func TestNewRejectsInvalidTable(t *testing.T) {
	_, err := New(Config{FilePath: filepath.Join(t.TempDir(), "x.db"), Table: "drop table;"}, nil)
	assert.Error(t, err)
}

func TestSaveAndGetUncleared(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	keyed := envelope.New(envelope.Args{MessageID: "k", Topic: "orders", Key: []byte("customer-1"), Partition: 3, Value: []byte("v")})
	emptyKey := envelope.New(envelope.Args{MessageID: "e", Topic: "orders", Key: []byte{}, Value: []byte("v")})

	require.NoError(t, s.Save(ctx, []*envelope.Message{newMessage("b"), newMessage("a")}))
	require.NoError(t, s.Save(ctx, []*envelope.Message{keyed, emptyKey}))

	msgs, err := s.GetUncleared(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a", "k", "e"}, storage.IDs(msgs))

	assert.Equal(t, []byte("value-b"), msgs[0].Value)
	assert.Equal(t, "acme", msgs[0].Headers.Get("tenant"))
	assert.Equal(t, "b", msgs[0].Headers.Get(metadatapkg.KeyMessageID))
	assert.Equal(t, envelope.TypeGeneric, msgs[0].Type)
	assert.Nil(t, msgs[0].Key)

	assert.Equal(t, []byte("customer-1"), msgs[2].Key)
	assert.Equal(t, int32(3), msgs[2].Partition)
	assert.NotNil(t, msgs[3].Key)
	assert.Empty(t, msgs[3].Key)
}

func TestSaveRejectsDuplicatesAtomically(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.Save(ctx, []*envelope.Message{newMessage("a")}))

	err := s.Save(ctx, []*envelope.Message{newMessage("b"), newMessage("a")})
	assert.ErrorIs(t, err, storage.ErrDuplicate)

	err = s.Save(ctx, []*envelope.Message{newMessage("x"), newMessage("x")})
	assert.ErrorIs(t, err, storage.ErrDuplicate)

	count, err := s.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestGetAndClear(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.Save(ctx, []*envelope.Message{newMessage("a")}))

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "orders", got.Topic)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, s.Clear(ctx, "a"))
	assert.ErrorIs(t, s.Clear(ctx, "a"), storage.ErrNotFound)

	msgs, err := s.GetUncleared(ctx)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestSaveWithCallerTransaction(t *testing.T) {
	ctx := context.Background()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "shared.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s, err := NewWithDB(db, Config{}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, []*envelope.Message{newMessage("rolled-back")}, storage.WithTx(tx)))
	require.NoError(t, tx.Rollback())

	tx, err = db.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, []*envelope.Message{newMessage("committed")}, storage.WithTx(tx)))
	require.NoError(t, tx.Commit())

	msgs, err := s.GetUncleared(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"committed"}, storage.IDs(msgs))
}

func TestNewWithDBRequiresHandle(t *testing.T) {
	_, err := NewWithDB(nil, Config{}, nil)
	assert.Error(t, err)
}

type collector struct {
	mu  sync.Mutex
	ids []string
}

func (c *collector) add(msg *envelope.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids = append(c.ids, msg.ID)
}

func (c *collector) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ids...)
}

func TestWatchDeliversOnlyNewMessages(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.Save(ctx, []*envelope.Message{newMessage("old")}))

	got := &collector{}
	sub, err := s.Watch(ctx, nil, got.add)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, s.Save(ctx, []*envelope.Message{newMessage("n1"), newMessage("n2")}))
	require.NoError(t, s.Save(ctx, []*envelope.Message{newMessage("n3")}))

	assert.Eventually(t, func() bool { return len(got.snapshot()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"n1", "n2", "n3"}, got.snapshot())
}

func TestWatchStopsAfterClose(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	got := &collector{}
	sub, err := s.Watch(ctx, nil, got.add)
	require.NoError(t, err)
	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())

	require.NoError(t, s.Save(ctx, []*envelope.Message{newMessage("late")}))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, got.snapshot())
}

func TestClosedStore(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.Save(ctx, []*envelope.Message{newMessage("a")}), storage.ErrClosed)
	_, err := s.GetUncleared(ctx)
	assert.ErrorIs(t, err, storage.ErrClosed)
	_, err = s.Watch(ctx, nil, func(*envelope.Message) {})
	assert.ErrorIs(t, err, storage.ErrClosed)
}
