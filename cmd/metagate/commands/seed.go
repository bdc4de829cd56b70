package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/metagate-io/metagate/errors"
	"github.com/metagate-io/metagate/packet"
	"github.com/metagate-io/metagate/refstore"
)

// SeedCmd loads demo reference data: an admin, a service principal bound
// to a base profile and a local manifest, and one secret reference.
// Idempotent only on an empty database; rerunning reports conflicts.
var SeedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load demo reference data into the database",
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
		ctx := context.Background()

		_, err = store.CreatePrincipal(ctx, &refstore.Principal{
			PrincipalKey:  "ops-admin",
			AuthSubject:   "sub-ops-admin",
			PrincipalType: "admin",
			CreatedBy:     "seed",
		})
		if err != nil {
			return seedErr("admin principal", err)
		}

		principal, err := store.CreatePrincipal(ctx, &refstore.Principal{
			PrincipalKey:  "svc-memorygate",
			AuthSubject:   "sub-memorygate",
			PrincipalType: "service",
			CreatedBy:     "seed",
		})
		if err != nil {
			return seedErr("service principal", err)
		}

		profile, err := store.CreateProfile(ctx, &refstore.Profile{
			ProfileKey: "base",
			Capabilities: packet.MustDocument(`{
				"allowed_components": ["memorygate_main"],
				"max_concurrent": 4
			}`),
			Policy:            packet.MustDocument(`{"log_level": "info"}`),
			StartupSLASeconds: 120,
			CreatedBy:         "seed",
		})
		if err != nil {
			return seedErr("profile", err)
		}

		manifest, err := store.CreateManifest(ctx, &refstore.Manifest{
			ManifestKey: "env-local",
			Environment: packet.MustDocument(`{"region": "local", "tier": "dev"}`),
			Services: packet.MustDocument(`{
				"api":     {"url": "http://localhost:8080"},
				"metrics": {"url": "http://localhost:9090"}
			}`),
			MemoryMap: packet.MustDocument(`{"shared": {"path": "/var/run/memorygate"}}`),
			Polling:   packet.MustDocument(`{"inbox": {"url": "http://localhost:8080/inbox"}}`),
			Schemas:   packet.MustDocument(`{"packet": "v1"}`),
			Version:   1,
			CreatedBy: "seed",
		})
		if err != nil {
			return seedErr("manifest", err)
		}

		_, err = store.CreateBinding(ctx, &refstore.Binding{
			PrincipalID: principal.ID,
			ProfileID:   profile.ID,
			ManifestID:  manifest.ID,
			Active:      true,
			CreatedBy:   "seed",
		})
		if err != nil {
			return seedErr("binding", err)
		}

		_, err = store.CreateSecretRef(ctx, &refstore.SecretRef{
			SecretKey: "db-password",
			RefKind:   "env",
			RefName:   "MEMORYGATE_DB_PASSWORD",
			CreatedBy: "seed",
		})
		if err != nil {
			return seedErr("secret ref", err)
		}

		fmt.Println("Seeded demo reference data:")
		fmt.Println("  admin principal    ops-admin (subject sub-ops-admin)")
		fmt.Println("  service principal  svc-memorygate (subject sub-memorygate)")
		fmt.Println("  profile            base (allows memorygate_main)")
		fmt.Println("  manifest           env-local")
		return nil
	},
}

func seedErr(what string, err error) error {
	if errors.Is(err, errors.ErrConflict) {
		return errors.Newf("%s already exists; seed expects an empty database", what)
	}
	return errors.Wrapf(err, "seed %s", what)
}
