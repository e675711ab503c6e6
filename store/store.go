// Package store persists metric snapshots to SQLite. It is the only durable
// artifact the engine owns; sessions and conversation memory are
// process-lifetime by contract.
package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/orvane/skein/metrics"
)

const schema = `
CREATE TABLE IF NOT EXISTS metric_snapshot (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	hour_bucket INTEGER NOT NULL,
	kind TEXT NOT NULL,
	key TEXT NOT NULL,
	requests INTEGER NOT NULL DEFAULT 0,
	succeeded INTEGER NOT NULL DEFAULT 0,
	failed INTEGER NOT NULL DEFAULT 0,
	tokens INTEGER NOT NULL DEFAULT 0,
	cost_usd REAL NOT NULL DEFAULT 0,
	latency_sum_ms INTEGER NOT NULL DEFAULT 0,
	latency_min_ms INTEGER NOT NULL DEFAULT 0,
	latency_max_ms INTEGER NOT NULL DEFAULT 0,
	UNIQUE(hour_bucket, kind, key)
);
CREATE INDEX IF NOT EXISTS idx_metric_snapshot_hour ON metric_snapshot (hour_bucket);
`

// Store wraps the SQLite database holding metric snapshots.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at dsn and applies the schema.
// Pass ":memory:" for an ephemeral store.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite database")
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "ping sqlite database")
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "apply schema")
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertSnapshot inserts or replaces the row for (hour, kind, key).
func (s *Store) UpsertSnapshot(ctx context.Context, snap *metrics.Snapshot) error {
	query := `
		INSERT INTO metric_snapshot
			(hour_bucket, kind, key, requests, succeeded, failed, tokens, cost_usd, latency_sum_ms, latency_min_ms, latency_max_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(hour_bucket, kind, key)
		DO UPDATE SET
			requests = excluded.requests,
			succeeded = excluded.succeeded,
			failed = excluded.failed,
			tokens = excluded.tokens,
			cost_usd = excluded.cost_usd,
			latency_sum_ms = excluded.latency_sum_ms,
			latency_min_ms = excluded.latency_min_ms,
			latency_max_ms = excluded.latency_max_ms
	`
	_, err := s.db.ExecContext(ctx, query,
		snap.HourBucket.Unix(), snap.Kind, snap.Key,
		snap.Requests, snap.Succeeded, snap.Failed,
		snap.Tokens, snap.CostUSD,
		snap.LatencySumMs, snap.LatencyMinMs, snap.LatencyMaxMs)
	return errors.Wrap(err, "upsert metric snapshot")
}

// FindSnapshots describes a snapshot query.
type FindSnapshots struct {
	Kind  string
	Key   string
	Since time.Time
	Limit int
}

// ListSnapshots returns snapshots matching the filter, newest hour first.
func (s *Store) ListSnapshots(ctx context.Context, find FindSnapshots) ([]*metrics.Snapshot, error) {
	query := `
		SELECT hour_bucket, kind, key, requests, succeeded, failed, tokens, cost_usd, latency_sum_ms, latency_min_ms, latency_max_ms
		FROM metric_snapshot
		WHERE 1 = 1
	`
	args := []any{}
	if find.Kind != "" {
		query += " AND kind = ?"
		args = append(args, find.Kind)
	}
	if find.Key != "" {
		query += " AND key = ?"
		args = append(args, find.Key)
	}
	if !find.Since.IsZero() {
		query += " AND hour_bucket >= ?"
		args = append(args, find.Since.Unix())
	}
	query += " ORDER BY hour_bucket DESC"
	if find.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, find.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list metric snapshots")
	}
	defer rows.Close()

	var out []*metrics.Snapshot
	for rows.Next() {
		var snap metrics.Snapshot
		var hour int64
		if err := rows.Scan(&hour, &snap.Kind, &snap.Key,
			&snap.Requests, &snap.Succeeded, &snap.Failed,
			&snap.Tokens, &snap.CostUSD,
			&snap.LatencySumMs, &snap.LatencyMinMs, &snap.LatencyMaxMs); err != nil {
			return nil, errors.Wrap(err, "scan metric snapshot")
		}
		snap.HourBucket = time.Unix(hour, 0).UTC()
		out = append(out, &snap)
	}
	return out, errors.Wrap(rows.Err(), "iterate metric snapshots")
}

// DeleteSnapshotsBefore removes rows with an hour bucket before cutoff and
// returns how many were deleted.
func (s *Store) DeleteSnapshotsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM metric_snapshot WHERE hour_bucket < ?`, cutoff.Unix())
	if err != nil {
		return 0, errors.Wrap(err, "delete metric snapshots")
	}
	return res.RowsAffected()
}

// Ensure Store satisfies the persister's contract.
var _ metrics.SnapshotStore = (*Store)(nil)
