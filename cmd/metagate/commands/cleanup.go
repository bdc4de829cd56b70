package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/metagate-io/metagate/ledger"
)

// CleanupCmd deletes terminal startup attempts past the retention window.
// OPEN attempts are never touched: an abandoned attempt stays visible as
// overdue until an operator deals with it.
var CleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete terminal startup attempts past the retention window",
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

		cutoff := time.Now().UTC().Add(-cfg.Retention.AttemptTTL())
		deleted, err := ledger.New(conn).DeleteTerminalBefore(context.Background(), cutoff)
		if err != nil {
			return err
		}

		fmt.Printf("Deleted %d terminal attempts older than %s\n",
			deleted, cutoff.Format(time.RFC3339))
		return nil
	},
}
