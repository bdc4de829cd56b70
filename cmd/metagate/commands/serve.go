package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/metagate-io/metagate/auth"
	"github.com/metagate-io/metagate/bootstrap"
	"github.com/metagate-io/metagate/identity"
	"github.com/metagate-io/metagate/ledger"
	"github.com/metagate-io/metagate/logger"
	"github.com/metagate-io/metagate/mirror"
	"github.com/metagate-io/metagate/refstore"
	"github.com/metagate-io/metagate/server"
)

// ServeCmd starts the MetaGate HTTP server.
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the MetaGate HTTP server",
	Long: `Start serving the bootstrap, startup lifecycle and admin APIs.
Applies pending database migrations first, then listens until SIGINT or
SIGTERM.`,
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

		store := refstore.New(conn)
		attempts := ledger.New(conn)
		resolver := identity.NewResolver(conn, logger.Logger)
		orch := bootstrap.New(resolver, attempts, cfg, logger.Logger)

		jwtManager, err := auth.NewJWTManager(cfg.Auth)
		if err != nil {
			return err
		}

		drainer := mirror.NewDrainer(mirror.NewClient(cfg.Mirror), attempts, cfg.Mirror, logger.Logger)

		srv := server.New(conn, cfg, store, orch, jwtManager, drainer, logger.Logger)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return srv.Start(ctx)
	},
}
