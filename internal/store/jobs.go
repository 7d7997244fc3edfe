package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// GetJob returns a persisted scheduler registration, or ErrNotFound.
func (db *DB) GetJob(ctx context.Context, name string) (*Job, error) {
	var (
		j          Job
		intervalMs int64
	)
	err := db.QueryRowContext(ctx, `SELECT name, interval_ms, last_run_at, created_at FROM scheduled_jobs WHERE name = ?`, name).
		Scan(&j.Name, &intervalMs, &j.LastRunAt, &j.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	j.Interval = time.Duration(intervalMs) * time.Millisecond
	return &j, nil
}

// PutJob inserts or replaces a registration. last_run_at is preserved on replace.
func (db *DB) PutJob(ctx context.Context, name string, interval time.Duration) error {
	now := db.nowMillis()
	_, err := db.ExecContext(ctx, `
		INSERT INTO scheduled_jobs (name, interval_ms, last_run_at, created_at, updated_at)
		VALUES (?, ?, 0, ?, ?)
		ON CONFLICT(name) DO UPDATE SET interval_ms = excluded.interval_ms, updated_at = excluded.updated_at`,
		name, interval.Milliseconds(), now, now)
	return err
}

// TouchJob records that a job ran at the given time.
func (db *DB) TouchJob(ctx context.Context, name string, ranAt time.Time) error {
	_, err := db.ExecContext(ctx, `UPDATE scheduled_jobs SET last_run_at = ?, updated_at = ? WHERE name = ?`,
		ranAt.UnixMilli(), db.nowMillis(), name)
	return err
}
