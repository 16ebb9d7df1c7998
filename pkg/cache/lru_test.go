package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func entry(ttl time.Duration) Entry {
	now := time.Now()
	return Entry{ValidatedAt: now, ExpiresAt: now.Add(ttl), LastAccessedAt: now}
}

func TestLRUGetSetMiss(t *testing.T) {
	l := NewLRU(2)
	_, ok := l.Get("missing")
	require.False(t, ok)

	l.Set("k1", entry(time.Minute))
	got, ok := l.Get("k1")
	require.True(t, ok)
	require.WithinDuration(t, time.Now().Add(time.Minute), got.ExpiresAt, time.Second)
}

func TestLRUEvictsLeastRecentlyUsed(t *testing.T) {
	l := NewLRU(2)
	l.Set("k1", entry(time.Minute))
	l.Set("k2", entry(time.Minute))

	_, ok := l.Get("k1") // touch k1, making k2 the LRU victim
	require.True(t, ok)

	l.Set("k3", entry(time.Minute))

	_, ok = l.Get("k2")
	require.False(t, ok, "k2 should have been evicted")

	_, ok = l.Get("k1")
	require.True(t, ok)

	_, ok = l.Get("k3")
	require.True(t, ok)

	require.Equal(t, 2, l.Len())
}

func TestLRUCleanupExpiredIsIdempotentAndPrecise(t *testing.T) {
	l := NewLRU(10)
	now := time.Now()

	l.Set("expired", Entry{ValidatedAt: now.Add(-time.Hour), ExpiresAt: now.Add(-time.Minute)})
	l.Set("live", Entry{ValidatedAt: now, ExpiresAt: now.Add(time.Hour)})

	removed := l.CleanupExpired(now)
	require.Equal(t, 1, removed)

	_, ok := l.Get("expired")
	require.False(t, ok)

	_, ok = l.Get("live")
	require.True(t, ok)

	// idempotent: a second pass finds nothing new to remove
	require.Equal(t, 0, l.CleanupExpired(now))
}

func TestLRUNeverExceedsCapacity(t *testing.T) {
	l := NewLRU(3)
	for i := 0; i < 100; i++ {
		l.Set(fmt.Sprintf("key-%d", i), entry(time.Minute))
		require.LessOrEqual(t, l.Len(), 3)
	}
}

func TestLRUDelete(t *testing.T) {
	l := NewLRU(2)
	l.Set("k1", entry(time.Minute))
	l.Delete("k1")
	_, ok := l.Get("k1")
	require.False(t, ok)
}
