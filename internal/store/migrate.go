package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/matheus3301/wppsync/internal/store/migrations"
)

// ErrDirtySchema is returned when a previous migration stopped halfway. The
// outbox is not touched until the schema is repaired by hand.
var ErrDirtySchema = errors.New("outbox schema is dirty")

// Migration is the schema state after Migrate.
type Migration struct {
	Version uint
	Changed bool
}

// Opened describes the work done by OpenOutbox.
type Opened struct {
	Migration  Migration
	Reconciled int // entries left in 'sending' turned into failed attempts
}

// Migrate brings the outbox schema up to the embedded version.
func (db *DB) Migrate() (Migration, error) {
	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return Migration{}, fmt.Errorf("migration source: %w", err)
	}
	driver, err := sqlite3.WithInstance(db.DB, &sqlite3.Config{})
	if err != nil {
		return Migration{}, fmt.Errorf("migration driver: %w", err)
	}
	// The instance is not closed: that would close db.DB with it.
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return Migration{}, fmt.Errorf("migration instance: %w", err)
	}

	before, err := schemaVersion(m)
	if err != nil {
		return Migration{}, err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		var dirty migrate.ErrDirty
		if errors.As(err, &dirty) {
			return Migration{Version: uint(dirty.Version)}, fmt.Errorf("%w at version %d", ErrDirtySchema, dirty.Version)
		}
		return Migration{}, fmt.Errorf("migration up: %w", err)
	}
	after, err := schemaVersion(m)
	if err != nil {
		return Migration{}, err
	}
	return Migration{Version: after, Changed: after != before}, nil
}

// schemaVersion returns the applied version, 0 for an empty database.
func schemaVersion(m *migrate.Migrate) (uint, error) {
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("schema version: %w", err)
	}
	if dirty {
		return v, fmt.Errorf("%w at version %d", ErrDirtySchema, v)
	}
	return v, nil
}

// OpenOutbox opens the outbox database at path, migrates it and turns
// entries a crashed process left in 'sending' into failed attempts.
func OpenOutbox(ctx context.Context, path string, opts ...Option) (*DB, Opened, error) {
	db, err := Open(path, opts...)
	if err != nil {
		return nil, Opened{}, err
	}
	var res Opened
	if res.Migration, err = db.Migrate(); err != nil {
		_ = db.Close()
		return nil, res, err
	}
	if res.Reconciled, err = db.ReconcileSending(ctx); err != nil {
		_ = db.Close()
		return nil, res, fmt.Errorf("reconcile sending: %w", err)
	}
	return db, res, nil
}
