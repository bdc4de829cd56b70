package commands

import (
	"database/sql"

	"github.com/spf13/cobra"

	"github.com/metagate-io/metagate/config"
	"github.com/metagate-io/metagate/db"
	"github.com/metagate-io/metagate/errors"
	"github.com/metagate-io/metagate/logger"
)

// loadConfig honors the global --config flag, falling back to the default
// search path.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// openDatabase opens the configured database and applies pending
// migrations. Every command needs the schema current before it touches
// anything.
func openDatabase(cfg *config.Config) (*sql.DB, error) {
	conn, err := db.Open(cfg.Database.Path, logger.Logger)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	if err := db.Migrate(conn, logger.Logger); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "migrate database")
	}
	return conn, nil
}
