package db

import (
	"database/sql"
	"embed"
	"path"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/metagate-io/metagate/errors"
)

//go:embed sqlite/migrations/*.sql
var migrations embed.FS

const migrationsDir = "sqlite/migrations"

// bootstrapVersion creates the schema_migrations ledger that every later
// run consults; it is the only migration allowed to run before the ledger
// exists.
const bootstrapVersion = "000"

// Migrate applies every pending migration in lexical order, one
// transaction per file. Each file records its version inside the same
// transaction, so a failed migration leaves no trace.
func Migrate(conn *sql.DB, logger *zap.SugaredLogger) error {
	files, err := migrationFiles()
	if err != nil {
		return err
	}

	applied := 0
	for _, name := range files {
		done, err := apply(conn, name, logger)
		if err != nil {
			return err
		}
		if done {
			applied++
		}
	}

	if logger != nil {
		logger.Infow("Migrations complete", "applied", applied, "total", len(files))
	}
	return nil
}

// migrationFiles lists the embedded .sql files sorted by version prefix.
func migrationFiles() ([]string, error) {
	entries, err := migrations.ReadDir(migrationsDir)
	if err != nil {
		return nil, errors.Wrap(err, "read migrations")
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

// apply runs one migration if its version is not yet recorded. Returns
// true when the file was executed.
func apply(conn *sql.DB, name string, logger *zap.SugaredLogger) (bool, error) {
	version := strings.SplitN(name, "_", 2)[0]

	recorded, err := versionRecorded(conn, version)
	if err != nil {
		return false, err
	}
	if recorded {
		if logger != nil {
			logger.Debugw("Migration already applied", "version", version)
		}
		return false, nil
	}

	stmt, err := migrations.ReadFile(path.Join(migrationsDir, name))
	if err != nil {
		return false, errors.Wrapf(err, "read %s", name)
	}

	if logger != nil {
		logger.Infow("Applying migration", "version", version, "file", name)
	}

	tx, err := conn.Begin()
	if err != nil {
		return false, errors.Wrapf(err, "begin tx for %s", name)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(string(stmt)); err != nil {
		return false, errors.Wrapf(err, "execute %s", name)
	}
	if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
		return false, errors.Wrapf(err, "record %s", name)
	}
	if err := tx.Commit(); err != nil {
		return false, errors.Wrapf(err, "commit %s", name)
	}
	return true, nil
}

// versionRecorded checks the ledger; a missing ledger table is valid only
// for the bootstrap migration itself.
func versionRecorded(conn *sql.DB, version string) (bool, error) {
	var exists bool
	err := conn.QueryRow(
		"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = ?)", version,
	).Scan(&exists)
	if err != nil {
		if version != bootstrapVersion {
			return false, errors.Newf("schema_migrations missing before migration %s", version)
		}
		return false, nil
	}
	return exists, nil
}
