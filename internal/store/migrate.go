package store

import (
	"database/sql"
	"embed"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/teranos/syncd/errors"
)

//go:embed sqlite/migrations/*.sql
var migrations embed.FS

// Migrate runs all pending migrations.
// If log is provided, logs migration progress; otherwise operates silently.
func Migrate(db *sql.DB, log *zap.SugaredLogger) error {
	entries, err := migrations.ReadDir("sqlite/migrations")
	if err != nil {
		return errors.Wrap(err, "read migrations")
	}

	// Sort migrations (000_create_schema_migrations.sql runs first)
	var migrationFiles []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			migrationFiles = append(migrationFiles, entry.Name())
		}
	}
	sort.Strings(migrationFiles)

	for _, filename := range migrationFiles {
		version := strings.Split(filename, "_")[0]

		var exists bool
		err := db.QueryRow("SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = ?)", version).Scan(&exists)
		if err != nil {
			// Table doesn't exist yet - this must be migration 000
			if version != "000" {
				return errors.Newf("schema_migrations table missing, but migration is not 000: %s", filename)
			}
		} else if exists {
			if log != nil {
				log.Debugw("skipping migration (already applied)", "migration", filename, "version", version)
			}
			continue
		}

		sqlBytes, err := migrations.ReadFile(filepath.Join("sqlite/migrations", filename))
		if err != nil {
			return errors.Wrapf(err, "read %s", filename)
		}

		if log != nil {
			log.Infow("applying migration", "migration", filename, "version", version)
		}

		tx, err := db.Begin()
		if err != nil {
			return errors.Wrapf(err, "begin tx for %s", filename)
		}

		if _, err := tx.Exec(string(sqlBytes)); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "execute %s", filename)
		}

		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "record %s", filename)
		}

		if err := tx.Commit(); err != nil {
			return errors.Wrapf(err, "commit %s", filename)
		}
	}

	if log != nil {
		log.Infow("migrations complete", "total_migrations", len(migrationFiles))
	}

	return nil
}
