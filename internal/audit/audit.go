// Package audit implements the append-only job audit trail: every
// Process call's lifecycle transitions are persisted to Postgres for
// later reconciliation, independent of the idempotency cache's TTL.
//
// This package narrows a general-purpose store interface down to the
// single append-only write path the gateway needs.
package audit

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Entry is one row of the audit trail.
type Entry struct {
	JobID      string
	Address    string
	Mode       string // image, video, preload
	State      string // SUBMITTED, WATCHING, COMPLETED, TIMED_OUT, FAILED
	Detail     string
	RecordedAt time.Time
}

// Trail writes Entry rows to Postgres.
type Trail struct {
	pool *pgxpool.Pool
}

// New connects to Postgres with a fixed pool sizing and verifies
// connectivity.
func New(ctx context.Context, connString string) (*Trail, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}
	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}
	return &Trail{pool: pool}, nil
}

// Close releases the connection pool.
func (t *Trail) Close() {
	t.pool.Close()
}

// Migrate creates the audit_log table if it doesn't already exist. Not
// a full migration framework, just enough for this package's own
// table.
func (t *Trail) Migrate(ctx context.Context) error {
	_, err := t.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS audit_log (
			id BIGSERIAL PRIMARY KEY,
			job_id TEXT NOT NULL,
			address TEXT NOT NULL,
			mode TEXT NOT NULL,
			state TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

// Record appends one lifecycle transition. Append-only: there is no
// Update or Delete in this package.
func (t *Trail) Record(ctx context.Context, e Entry) error {
	_, err := t.pool.Exec(ctx, `
		INSERT INTO audit_log (job_id, address, mode, state, detail)
		VALUES ($1, $2, $3, $4, $5)
	`, e.JobID, e.Address, e.Mode, e.State, e.Detail)
	return err
}

// RecentByJobID returns every recorded transition for jobID, oldest
// first, for debugging a single job's history.
func (t *Trail) RecentByJobID(ctx context.Context, jobID string) ([]Entry, error) {
	rows, err := t.pool.Query(ctx, `
		SELECT job_id, address, mode, state, detail, recorded_at
		FROM audit_log WHERE job_id = $1 ORDER BY recorded_at ASC
	`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.JobID, &e.Address, &e.Mode, &e.State, &e.Detail, &e.RecordedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
