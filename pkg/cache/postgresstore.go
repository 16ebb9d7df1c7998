package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the remote Durable Validation Store backend, for
// multi-instance deployments sharing a validation cache.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an already-migrated Postgres pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Lookup(ctx context.Context, hash string) (Entry, bool, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE validation_cache
		SET access_count = access_count + 1, last_accessed_at = now()
		WHERE fingerprint = $1
		RETURNING machine_id, validated_at, expires_at, last_accessed_at, access_count
	`, hash)

	var machineID *string
	var validatedAt, expiresAt, lastAccessedAt time.Time
	var accessCount int64
	err := row.Scan(&machineID, &validatedAt, &expiresAt, &lastAccessedAt, &accessCount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("reading validation cache row: %w", err)
	}

	entry := Entry{
		ValidatedAt:    validatedAt,
		ExpiresAt:      expiresAt,
		LastAccessedAt: lastAccessedAt,
		AccessCount:    accessCount,
	}
	if machineID != nil {
		entry.MachineID = *machineID
	}
	return entry, true, nil
}

func (s *PostgresStore) StoreEntry(ctx context.Context, hash string, ttl time.Duration, machineID string) error {
	var machineIDArg any
	if machineID != "" {
		machineIDArg = machineID
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO validation_cache (fingerprint, machine_id, validated_at, expires_at, last_accessed_at, access_count)
		VALUES ($1, $2, now(), now() + $3, now(), 1)
		ON CONFLICT (fingerprint) DO UPDATE SET
			machine_id = excluded.machine_id,
			validated_at = now(),
			expires_at = now() + $3,
			last_accessed_at = now(),
			access_count = validation_cache.access_count + 1
	`, hash, machineIDArg, ttl)
	if err != nil {
		return fmt.Errorf("upserting validation cache entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) CleanupExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM validation_cache WHERE expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("deleting expired validation cache entries: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
