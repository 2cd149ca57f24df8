// Package storedb opens per-module sqlite databases with versioned
// migrations applied. Databases are opened with WAL journaling and a
// busy timeout, on a single connection.
package storedb

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/deskgate/deskgate/internal/errx"
)

// Migration is one schema step. Versions must be unique per module and
// are applied in ascending order.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// OpenOptions configures Open.
type OpenOptions struct {
	// Path is the database file. Its parent directory is created if
	// missing.
	Path string

	// Module namespaces the migration bookkeeping so unrelated modules
	// can share a file without colliding on versions.
	Module string

	// Migrations are applied in ascending version order; already
	// applied versions are skipped.
	Migrations []Migration
}

// Open opens (creating if necessary) the database at opts.Path and
// brings opts.Module's schema up to date.
func Open(opts OpenOptions) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0755); err != nil {
		return nil, errx.Wrap(ErrOpenDatabase, err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", opts.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errx.Wrap(ErrOpenDatabase, err)
	}

	// modernc sqlite serializes access per connection; one connection
	// avoids SQLITE_BUSY between concurrent writers.
	db.SetMaxOpenConns(1)

	if err := migrate(db, opts.Module, opts.Migrations); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func migrate(db *sql.DB, module string, migrations []Migration) error {
	_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS schema_migrations (
  module TEXT NOT NULL,
  version INTEGER NOT NULL,
  name TEXT NOT NULL,
  applied_at TEXT NOT NULL DEFAULT (datetime('now')),
  PRIMARY KEY (module, version)
);`)
	if err != nil {
		return errx.Wrap(ErrMigrate, err)
	}

	var current int
	err = db.QueryRow(
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations WHERE module = ?`,
		module,
	).Scan(&current)
	if err != nil {
		return errx.Wrap(ErrMigrate, err)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return errx.Wrap(ErrMigrate, err)
		}
		if _, err := tx.Exec(m.SQL); err != nil {
			_ = tx.Rollback()
			return errx.With(ErrMigrate, ": %s v%d (%s): %w", module, m.Version, m.Name, err)
		}
		if _, err := tx.Exec(
			`INSERT INTO schema_migrations (module, version, name) VALUES (?, ?, ?)`,
			module, m.Version, m.Name,
		); err != nil {
			_ = tx.Rollback()
			return errx.Wrap(ErrMigrate, err)
		}
		if err := tx.Commit(); err != nil {
			return errx.Wrap(ErrMigrate, err)
		}
	}
	return nil
}
