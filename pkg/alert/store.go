package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the Alert Repository (spec §4.7): append-only writes, with read
// paths serving the (out-of-scope) admin API and dashboard.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// SaveBatch persists a batch of survivors+suppressed alerts from one
// forwarded request in a single transaction. Idempotent on UUID: a retried
// agent submitting the same alert again does not double-record it.
func (s *Store) SaveBatch(ctx context.Context, alerts []StoredAlert) error {
	if len(alerts) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, a := range alerts {
		if err := insertAlert(ctx, tx, a); err != nil {
			return fmt.Errorf("inserting alert %s: %w", a.UUID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func insertAlert(ctx context.Context, tx pgx.Tx, a StoredAlert) error {
	events, err := json.Marshal(a.Events)
	if err != nil {
		return fmt.Errorf("marshalling events: %w", err)
	}
	decisions, err := json.Marshal(a.Decisions)
	if err != nil {
		return fmt.Errorf("marshalling decisions: %w", err)
	}
	var geo []byte
	if a.Geo != nil {
		geo, err = json.Marshal(a.Geo)
		if err != nil {
			return fmt.Errorf("marshalling geo: %w", err)
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO alerts (
			uuid, machine_id, scenario, scenario_hash, scenario_version, message,
			events_count, start_at, stop_at, events, source_scope, source_value,
			source_ip, source_range, source_as_number, source_as_name, source_country,
			source_lat, source_long, decisions, received_at, filtered, filter_reasons, geo
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17,
			$18, $19, $20, $21, $22, $23, $24
		)
		ON CONFLICT (uuid) DO NOTHING
	`,
		a.UUID, a.MachineID, a.Scenario, a.ScenarioHash, a.ScenarioVersion, a.Message,
		a.EventsCount, a.StartAt, a.StopAt, events, a.Source.Scope, a.Source.Value,
		a.Source.IP, a.Source.Range, a.Source.ASN, a.Source.ASName, a.Source.Country,
		a.Source.Lat, a.Source.Long, decisions, a.ReceivedAt, a.Filtered, a.FilterReasons, geo,
	)
	return err
}

// ListFilter narrows ListAlerts.
type ListFilter struct {
	Since     *time.Time
	Until     *time.Time
	Scenario  string
	MachineID string
	Limit     int
}

// normalizeLimit returns the requested page size, or the default of 100 when
// the request is non-positive or above the ceiling of 1000.
func normalizeLimit(requested int) int {
	if requested <= 0 || requested > 1000 {
		return 100
	}
	return requested
}

// ListAlerts returns alerts matching the filter, most recent first.
func (s *Store) ListAlerts(ctx context.Context, f ListFilter) ([]StoredAlert, error) {
	limit := normalizeLimit(f.Limit)

	query := `
		SELECT uuid, machine_id, scenario, scenario_hash, scenario_version, message,
			events_count, start_at, stop_at, events, source_scope, source_value,
			source_ip, source_range, source_as_number, source_as_name, source_country,
			source_lat, source_long, decisions, received_at, filtered, filter_reasons, geo
		FROM alerts
		WHERE ($1::timestamptz IS NULL OR received_at >= $1)
			AND ($2::timestamptz IS NULL OR received_at <= $2)
			AND ($3 = '' OR scenario = $3)
			AND ($4 = '' OR machine_id = $4)
		ORDER BY received_at DESC
		LIMIT $5
	`
	rows, err := s.pool.Query(ctx, query, f.Since, f.Until, f.Scenario, f.MachineID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing alerts: %w", err)
	}
	defer rows.Close()

	var out []StoredAlert
	for rows.Next() {
		a, err := scanStoredAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning alert row: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetAlertByID returns the alert with the given UUID, or pgx.ErrNoRows.
func (s *Store) GetAlertByID(ctx context.Context, id string) (StoredAlert, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT uuid, machine_id, scenario, scenario_hash, scenario_version, message,
			events_count, start_at, stop_at, events, source_scope, source_value,
			source_ip, source_range, source_as_number, source_as_name, source_country,
			source_lat, source_long, decisions, received_at, filtered, filter_reasons, geo
		FROM alerts WHERE uuid = $1
	`, id)
	return scanStoredAlert(row)
}

// Stats are aggregate counters for the dashboard.
type Stats struct {
	TotalAlerts     int64
	FilteredAlerts  int64
	ForwardedAlerts int64
	TopScenarios    map[string]int64
	TopCountries    map[string]int64
}

// GetStats computes aggregate statistics over all stored alerts.
func (s *Store) GetStats(ctx context.Context) (Stats, error) {
	var stats Stats
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE filtered), COUNT(*) FILTER (WHERE NOT filtered)
		FROM alerts
	`).Scan(&stats.TotalAlerts, &stats.FilteredAlerts, &stats.ForwardedAlerts)
	if err != nil {
		return Stats{}, fmt.Errorf("computing alert totals: %w", err)
	}

	stats.TopScenarios, err = s.topCounts(ctx, `
		SELECT scenario, COUNT(*) FROM alerts GROUP BY scenario ORDER BY COUNT(*) DESC LIMIT 10
	`)
	if err != nil {
		return Stats{}, fmt.Errorf("computing top scenarios: %w", err)
	}

	stats.TopCountries, err = s.topCounts(ctx, `
		SELECT source_country, COUNT(*) FROM alerts
		WHERE source_country <> '' GROUP BY source_country ORDER BY COUNT(*) DESC LIMIT 10
	`)
	if err != nil {
		return Stats{}, fmt.Errorf("computing top countries: %w", err)
	}

	return stats, nil
}

func (s *Store) topCounts(ctx context.Context, query string) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var key string
		var count int64
		if err := rows.Scan(&key, &count); err != nil {
			return nil, err
		}
		counts[key] = count
	}
	return counts, rows.Err()
}

func scanStoredAlert(row pgx.Row) (StoredAlert, error) {
	var a StoredAlert
	var events, decisions, geo []byte
	err := row.Scan(
		&a.UUID, &a.MachineID, &a.Scenario, &a.ScenarioHash, &a.ScenarioVersion, &a.Message,
		&a.EventsCount, &a.StartAt, &a.StopAt, &events, &a.Source.Scope, &a.Source.Value,
		&a.Source.IP, &a.Source.Range, &a.Source.ASN, &a.Source.ASName, &a.Source.Country,
		&a.Source.Lat, &a.Source.Long, &decisions, &a.ReceivedAt, &a.Filtered, &a.FilterReasons, &geo,
	)
	if err != nil {
		return StoredAlert{}, err
	}
	if len(events) > 0 {
		if err := json.Unmarshal(events, &a.Events); err != nil {
			return StoredAlert{}, fmt.Errorf("unmarshalling events: %w", err)
		}
	}
	if len(decisions) > 0 {
		if err := json.Unmarshal(decisions, &a.Decisions); err != nil {
			return StoredAlert{}, fmt.Errorf("unmarshalling decisions: %w", err)
		}
	}
	if len(geo) > 0 {
		var g GeoInfo
		if err := json.Unmarshal(geo, &g); err != nil {
			return StoredAlert{}, fmt.Errorf("unmarshalling geo: %w", err)
		}
		a.Geo = &g
	}
	return a, nil
}
