package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/metagate-io/metagate/cmd/metagate/commands"
	"github.com/metagate-io/metagate/logger"
)

var rootCmd = &cobra.Command{
	Use:   "metagate",
	Short: "MetaGate - identity resolution and bootstrap orchestration",
	Long: `MetaGate is the bootstrap-truth authority for a component fleet: it
resolves caller identity, decides component permissions, composes the
Welcome Packet with a stable content fingerprint, and tracks each
startup attempt through its lifecycle.

Available commands:
  serve    - Start the MetaGate HTTP server
  migrate  - Apply database migrations
  seed     - Load demo reference data into the database
  token    - Mint a bearer token for local testing
  cleanup  - Delete terminal startup attempts past the retention window
  version  - Show version information

Examples:
  metagate migrate                   # Prepare the database
  metagate seed                      # Load demo principals and manifests
  metagate serve                     # Start serving
  metagate token --subject sub-p1    # Mint a local test token`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		debug, _ := cmd.Flags().GetBool("debug")
		if err := logger.Initialize(jsonLogs, debug); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to config file (default: ./metagate.toml)")
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit JSON log lines")
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.MigrateCmd)
	rootCmd.AddCommand(commands.SeedCmd)
	rootCmd.AddCommand(commands.TokenCmd)
	rootCmd.AddCommand(commands.CleanupCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Cleanup()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
