package archive

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	path := filepath.Join(t.TempDir(), "archive.db")
	store, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStore_PutAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	result, err := MarshalDetails(map[string]any{"ok": true})
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Second)
	rec := Record{
		ClientID:       "client-1",
		RequestID:      "req-1",
		Status:         "completed",
		Result:         result,
		AgentSessionID: "sess-1",
		CreatedAt:      now,
		CompletedAt:    &now,
	}
	require.NoError(t, store.Put(ctx, rec))

	got, err := store.Get(ctx, "client-1", "req-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "completed", got.Status)
	assert.Equal(t, "sess-1", got.AgentSessionID)
	assert.False(t, got.ArchivedAt.IsZero())
}

func TestStore_GetMissingReturnsNil(t *testing.T) {
	store := newTestStore(t)
	got, err := store.Get(context.Background(), "nope", "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStore_PutIsUpsert(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.Put(ctx, Record{
		ClientID: "client-1", RequestID: "req-1", Status: "error", CreatedAt: now,
	}))
	require.NoError(t, store.Put(ctx, Record{
		ClientID: "client-1", RequestID: "req-1", Status: "completed", CreatedAt: now,
	}))

	got, err := store.Get(ctx, "client-1", "req-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "completed", got.Status)
}

func TestStore_HistoryOrdersByArchivedAtDesc(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.Put(ctx, Record{
		ClientID: "client-1", RequestID: "req-1", Status: "completed", CreatedAt: now,
	}))
	time.Sleep(10 * time.Millisecond) // distinct archived_at values
	require.NoError(t, store.Put(ctx, Record{
		ClientID: "client-1", RequestID: "req-2", Status: "error", CreatedAt: now,
	}))
	require.NoError(t, store.Put(ctx, Record{
		ClientID: "client-2", RequestID: "req-3", Status: "completed", CreatedAt: now,
	}))

	history, err := store.History(ctx, "client-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, []string{"req-2", "req-1"}, []string{history[0].RequestID, history[1].RequestID})
}
