package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLiteStore is the embedded Durable Validation Store backend, for
// single-instance deployments that don't run a Postgres server.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an already-opened and migrated sqlite *sql.DB.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) Lookup(ctx context.Context, hash string) (Entry, bool, error) {
	now := time.Now()

	res, err := s.db.ExecContext(ctx, `
		UPDATE validation_cache
		SET access_count = access_count + 1, last_accessed_at = ?
		WHERE fingerprint = ?
	`, now.UnixMilli(), hash)
	if err != nil {
		return Entry{}, false, fmt.Errorf("bumping access bookkeeping: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Entry{}, false, nil
	}

	var validatedAt, expiresAt, lastAccessedAt int64
	var accessCount int64
	var machineID sql.NullString
	row := s.db.QueryRowContext(ctx, `
		SELECT machine_id, validated_at, expires_at, last_accessed_at, access_count
		FROM validation_cache WHERE fingerprint = ?
	`, hash)
	if err := row.Scan(&machineID, &validatedAt, &expiresAt, &lastAccessedAt, &accessCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("reading validation cache row: %w", err)
	}

	return Entry{
		MachineID:      machineID.String,
		ValidatedAt:    time.UnixMilli(validatedAt),
		ExpiresAt:      time.UnixMilli(expiresAt),
		LastAccessedAt: time.UnixMilli(lastAccessedAt),
		AccessCount:    accessCount,
	}, true, nil
}

func (s *SQLiteStore) StoreEntry(ctx context.Context, hash string, ttl time.Duration, machineID string) error {
	now := time.Now()
	expiresAt := now.Add(ttl)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO validation_cache (fingerprint, valid, machine_id, validated_at, expires_at, last_accessed_at, access_count)
		VALUES (?, 1, ?, ?, ?, ?, 1)
		ON CONFLICT(fingerprint) DO UPDATE SET
			valid = 1,
			machine_id = excluded.machine_id,
			validated_at = excluded.validated_at,
			expires_at = excluded.expires_at,
			last_accessed_at = excluded.last_accessed_at,
			access_count = validation_cache.access_count + 1
	`, hash, machineID, now.UnixMilli(), expiresAt.UnixMilli(), now.UnixMilli())
	if err != nil {
		return fmt.Errorf("upserting validation cache entry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CleanupExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM validation_cache WHERE expires_at < ?`, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("deleting expired validation cache entries: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
