// Package store provides the SQLite-backed durable queue and domain tables
// for syncd: pending sync events, user/item identity mappings, a cache of
// resolved items, and the sync log.
//
// All access goes through database/sql with the mattn/go-sqlite3 driver.
// WAL journal mode is enabled, and the pool holds a single connection, so
// every statement issued by this process (ingestor writes, worker leases,
// dashboard reads) runs one at a time.
package store

import (
	"database/sql"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/teranos/syncd/errors"
)

const (
	// JournalMode configures the database journal mode (WAL enables concurrent reads)
	JournalMode = "WAL"

	// BusyTimeoutMS sets how long to wait for locks before returning SQLITE_BUSY
	BusyTimeoutMS = 5000 // 5 seconds
)

// Open opens a SQLite database at the specified path with optimized settings.
// If log is provided, logs database operations; otherwise operates silently.
func Open(path string, log *zap.SugaredLogger) (*sql.DB, error) {
	if log != nil {
		log.Debugw("opening database", "path", path)
	}

	// Ensure parent directory exists (SQLite can create the file, but not directories)
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errors.Wrapf(err, "failed to create database directory: %s", dir)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", path)
	}

	// Enable WAL mode for concurrent reads during writes
	if _, err := db.Exec("PRAGMA journal_mode = " + JournalMode); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "failed to enable %s journal mode for %s", JournalMode, path)
	}

	// Enable foreign key constraints
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "failed to enable foreign keys for %s", path)
	}

	// Set busy timeout
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "failed to set busy timeout to %dms for %s", BusyTimeoutMS, path)
	}

	// A single connection avoids SQLITE_BUSY storms under WAL; it also means
	// reads from this process wait for the connection like writes do.
	db.SetMaxOpenConns(1)

	if log != nil {
		log.Infow("database opened",
			"path", path,
			"wal_mode", true,
			"foreign_keys", true,
		)
	}

	return db, nil
}

// OpenWithMigrations opens a SQLite database and runs migrations.
// This is a convenience function that combines Open() and Migrate().
func OpenWithMigrations(path string, log *zap.SugaredLogger) (*sql.DB, error) {
	db, err := Open(path, log)
	if err != nil {
		return nil, err
	}

	if err := Migrate(db, log); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "failed to run migrations for %s", path)
	}

	return db, nil
}
