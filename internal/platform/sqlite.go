package platform

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// NewSQLiteDB opens the embedded validation store database. The pure-Go
// modernc.org/sqlite driver avoids cgo, matching the rest of the module's
// single static-binary deployment model.
func NewSQLiteDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database %q: %w", path, err)
	}

	// The validation cache is accessed by many goroutines (the HTTP handler
	// pool and the periodic cleanup task); sqlite allows only one writer.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging sqlite database %q: %w", path, err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS validation_cache (
			fingerprint TEXT PRIMARY KEY,
			valid INTEGER NOT NULL,
			machine_id TEXT,
			validated_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL,
			last_accessed_at INTEGER NOT NULL,
			access_count INTEGER NOT NULL DEFAULT 0
		)
	`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating validation_cache table: %w", err)
	}

	return db, nil
}
