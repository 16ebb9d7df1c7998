package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wisbric/capiproxy/internal/platform"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := platform.NewSQLiteDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewSQLiteStore(db)
}

func TestSQLiteStoreLookupMiss(t *testing.T) {
	s := newTestSQLiteStore(t)
	_, ok, err := s.Lookup(context.Background(), "nonexistent")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSQLiteStoreStoreThenLookupBumpsAccessCount(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, s.StoreEntry(ctx, "hash1", time.Minute, "machine-1"))

	entry, ok, err := s.Lookup(ctx, "hash1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "machine-1", entry.MachineID)
	require.Equal(t, int64(2), entry.AccessCount) // 1 on insert, +1 on lookup
	require.True(t, entry.ExpiresAt.After(time.Now()))

	_, ok, err = s.Lookup(ctx, "hash1")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestSQLiteStoreUpsertRefreshesExpiry(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, s.StoreEntry(ctx, "hash1", time.Millisecond, ""))
	require.NoError(t, s.StoreEntry(ctx, "hash1", time.Hour, "machine-2"))

	entry, ok, err := s.Lookup(ctx, "hash1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "machine-2", entry.MachineID)
	require.True(t, entry.ExpiresAt.After(time.Now().Add(time.Minute)))
}

func TestSQLiteStoreCleanupExpiredIsIdempotent(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, s.StoreEntry(ctx, "expired", time.Millisecond, ""))
	require.NoError(t, s.StoreEntry(ctx, "live", time.Hour, ""))

	time.Sleep(5 * time.Millisecond)

	deleted, err := s.CleanupExpired(ctx, time.Now())
	require.NoError(t, err)
	require.Equal(t, int64(1), deleted)

	_, ok, err := s.Lookup(ctx, "expired")
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = s.Lookup(ctx, "live")
	require.NoError(t, err)
	require.True(t, ok)

	deleted, err = s.CleanupExpired(ctx, time.Now())
	require.NoError(t, err)
	require.Equal(t, int64(0), deleted)
}
