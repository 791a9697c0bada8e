package history

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/rtcall/pkg/config"
	"github.com/arzzra/rtcall/pkg/session"
)

func openTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "history.db")
	store, err := OpenSQLite(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testRecord(id string, ended time.Time) Record {
	return Record{
		CallID:      id,
		Remote:      "sip:bob@example.com",
		Role:        "initiator",
		Trickle:     true,
		Reason:      "local_hangup",
		StartedAt:   ended.Add(-time.Minute),
		ConnectedAt: ended.Add(-50 * time.Second),
		EndedAt:     ended,
	}
}

func TestFromCall(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	rec := FromCall(session.CallInfo{
		ID:          "c1",
		Role:        session.RoleReceiver,
		Remote:      "alice",
		Reason:      session.ReasonBusy,
		CreatedAt:   now,
		ConnectedAt: now.Add(time.Second),
		EndedAt:     now.Add(11 * time.Second),
	})
	assert.Equal(t, "c1", rec.CallID)
	assert.Equal(t, "receiver", rec.Role)
	assert.Equal(t, "busy", rec.Reason)
	assert.Equal(t, 10*time.Second, rec.Duration())

	rec.ConnectedAt = time.Time{}
	assert.Zero(t, rec.Duration())
}

func TestSQLiteStore(t *testing.T) {
	store := openTestSQLite(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		require.NoError(t, store.Save(ctx, testRecord(fmt.Sprintf("c%d", i), base.Add(time.Duration(i)*time.Minute))))
	}
	unanswered := testRecord("c9", base.Add(-time.Hour))
	unanswered.ConnectedAt = time.Time{}
	unanswered.Reason = "rejected"
	require.NoError(t, store.Save(ctx, unanswered))

	list, err := store.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 4)
	assert.Equal(t, "c2", list[0].CallID, "новые первыми")
	assert.Equal(t, testRecord("c2", base.Add(2*time.Minute)), list[0])
	assert.True(t, list[3].ConnectedAt.IsZero())
	assert.Equal(t, "rejected", list[3].Reason)

	list, err = store.List(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestSQLiteStoreReplace(t *testing.T) {
	store := openTestSQLite(t)
	ctx := context.Background()
	rec := testRecord("c1", time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	require.NoError(t, store.Save(ctx, rec))
	rec.Reason = "media_failed"
	require.NoError(t, store.Save(ctx, rec))

	list, err := store.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "media_failed", list[0].Reason)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	store, err := Open(ctx, config.HistoryConfig{Driver: "none"})
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, Record{CallID: "x"}))
	list, err := store.List(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, list)

	store, err = Open(ctx, config.HistoryConfig{Driver: "sqlite", DSN: "file:" + filepath.Join(t.TempDir(), "h.db")})
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, store)
	require.NoError(t, store.Close())

	_, err = Open(ctx, config.HistoryConfig{Driver: "mongo"})
	assert.ErrorIs(t, err, ErrUnknownDriver)
}

func TestRedisStoreUnavailable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	store := NewRedisStore(client, 0)
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.Error(t, store.Save(ctx, testRecord("c1", time.Now())))
	_, err := store.List(ctx, 10)
	assert.Error(t, err)
	assert.Equal(t, int64(defaultRedisKeep), store.keep)
	assert.Equal(t, "rtcall:call:c1", recordKey("c1"))
}

type memStore struct {
	mu      sync.Mutex
	records []Record
	saved   chan struct{}
}

func (m *memStore) Save(_ context.Context, r Record) error {
	m.mu.Lock()
	m.records = append(m.records, r)
	m.mu.Unlock()
	m.saved <- struct{}{}
	return nil
}

func (m *memStore) List(context.Context, int) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.records...), nil
}

func (m *memStore) Close() error { return nil }

func TestRecorder(t *testing.T) {
	store := &memStore{saved: make(chan struct{}, 4)}
	rec := NewRecorder(store, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rec.Run(ctx) }()

	rec.RecordCall(session.CallInfo{ID: "c1", Reason: session.ReasonRemoteHangup})
	select {
	case <-store.saved:
	case <-time.After(2 * time.Second):
		t.Fatal("запись не сохранена")
	}

	cancel()
	require.NoError(t, <-done)

	list, err := store.List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "remote_hangup", list[0].Reason)
}

func TestRecorderDrainsOnStop(t *testing.T) {
	store := &memStore{saved: make(chan struct{}, 8)}
	rec := NewRecorder(store, zerolog.Nop())
	rec.RecordCall(session.CallInfo{ID: "c1"})
	rec.RecordCall(session.CallInfo{ID: "c2"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, rec.Run(ctx))

	list, _ := store.List(context.Background(), 0)
	assert.Len(t, list, 2)
}
