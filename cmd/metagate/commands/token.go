package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/metagate-io/metagate/auth"
	"github.com/metagate-io/metagate/errors"
)

// TokenCmd mints a bearer token for local testing.
var TokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a bearer token for local testing",
	Long: `Mint an HS256 bearer token signed with the configured JWT secret.
For local development only; production callers obtain tokens from the
deployment's identity provider.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		subject, _ := cmd.Flags().GetString("subject")
		if subject == "" {
			return errors.New("--subject is required")
		}
		ttl, _ := cmd.Flags().GetDuration("ttl")

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		jwtManager, err := auth.NewJWTManager(cfg.Auth)
		if err != nil {
			return err
		}

		token, err := jwtManager.MintToken(subject, ttl)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	TokenCmd.Flags().String("subject", "", "Auth subject to mint the token for")
	TokenCmd.Flags().Duration("ttl", time.Hour, "Token lifetime")
}
