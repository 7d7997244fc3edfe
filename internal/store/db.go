package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps a SQLite database connection for the session's outbox.db.
type DB struct {
	*sql.DB
	now func() time.Time
}

// Option configures a DB.
type Option func(*DB)

// WithClock overrides the clock used for created_at and updated_at stamps.
func WithClock(now func() time.Time) Option {
	return func(db *DB) { db.now = now }
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
func Open(path string, opts ...Option) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Verify connection.
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	out := &DB{DB: db, now: time.Now}
	for _, opt := range opts {
		opt(out)
	}
	return out, nil
}

func (db *DB) nowMillis() int64 {
	return db.now().UnixMilli()
}
