package cache

import (
	"context"
	"time"
)

// Store is the Durable Validation Store abstraction (spec §4.2). Two
// backends implement it — an embedded SQLite store and a remote Postgres
// store — with identical semantics; the only permitted difference is
// synchronous vs asynchronous execution underneath.
type Store interface {
	// Lookup atomically bumps access bookkeeping and returns the current
	// entry for hash, or (Entry{}, false) if absent.
	Lookup(ctx context.Context, hash string) (Entry, bool, error)

	// StoreEntry upserts hash with a fresh TTL and optional machine ID. On
	// conflict it refreshes validatedAt/expiresAt/lastAccessedAt and bumps
	// accessCount rather than replacing the row outright.
	StoreEntry(ctx context.Context, hash string, ttl time.Duration, machineID string) error

	// CleanupExpired deletes every row with expiresAt before now and
	// returns the number of rows removed.
	CleanupExpired(ctx context.Context, now time.Time) (int64, error)

	// Close releases the backend's resources.
	Close() error
}
