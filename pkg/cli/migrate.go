package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/hirebridge/pkg/schema"
	"github.com/platinummonkey/hirebridge/pkg/tenancy"
)

func newMigrateCommand(out io.Writer, logger *logrus.Logger) *Command {
	cmd := &Command{
		Name:        "migrate",
		Description: "Apply schema migrations",
		Flags:       flag.NewFlagSet("migrate", flag.ContinueOnError),
		out:         out,
	}

	cmd.Flags.String("target", "central", "central or tenants")
	cmd.Flags.String("dsn", os.Getenv("HIREBRIDGE_DATABASE_URL"), "Central database URL")
	cmd.Flags.String("tenants", tenantsFileDefault(), "Tenant registry file")

	cmd.Run = func(args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}

		ctx := context.Background()
		switch target := cmd.Flags.Lookup("target").Value.String(); target {
		case "central":
			dsn := cmd.Flags.Lookup("dsn").Value.String()
			if dsn == "" {
				return fmt.Errorf("--dsn is required for the central database")
			}
			db, err := tenancy.OpenPostgres(ctx, dsn)
			if err != nil {
				return fmt.Errorf("failed to connect to central database: %w", err)
			}
			defer db.Close()

			applied, err := schema.RunMigrations(ctx, db, schema.Central(), nil)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.out, "central: %d migrations applied\n", applied)
			return nil

		case "tenants":
			tenants, err := tenancy.LoadTenants(cmd.Flags.Lookup("tenants").Value.String())
			if err != nil {
				return err
			}
			for _, t := range tenants {
				log := logger.WithField("tenant", t.Slug)
				db, err := tenancy.OpenPostgres(ctx, t.DSN)
				if err != nil {
					return fmt.Errorf("failed to connect to tenant %s: %w", t.Slug, err)
				}
				applied, err := schema.RunMigrations(ctx, db, schema.Tenant(), nil)
				db.Close()
				if err != nil {
					return fmt.Errorf("tenant %s: %w", t.Slug, err)
				}
				log.WithField("applied", applied).Info("Tenant schema migrated")
				fmt.Fprintf(cmd.out, "%s: %d migrations applied\n", t.Slug, applied)
			}
			return nil

		default:
			return fmt.Errorf("unknown migrate target %q", target)
		}
	}
	return cmd
}
