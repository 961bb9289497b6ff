package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/hirebridge/pkg/extref"
	"github.com/platinummonkey/hirebridge/pkg/identity"
	"github.com/platinummonkey/hirebridge/pkg/tenancy"
)

// openDatabase is swapped in tests
var openDatabase = tenancy.OpenPostgres

func newJoinCommand(out io.Writer, logger *logrus.Logger) *Command {
	cmd := &Command{
		Name:        "join",
		Description: "Join a global user to a tenant and optionally link their upstream account",
		Flags:       flag.NewFlagSet("join", flag.ContinueOnError),
		out:         out,
	}

	cmd.Flags.String("tenants", tenantsFileDefault(), "Tenant registry file")
	cmd.Flags.String("dsn", os.Getenv("HIREBRIDGE_DATABASE_URL"), "Central database URL")
	cmd.Flags.String("tenant", "", "Tenant slug")
	cmd.Flags.String("global-id", "", "Global user id")
	cmd.Flags.String("name", "", "Display name")
	cmd.Flags.String("email", "", "Email address")
	cmd.Flags.String("ip", "", "Client IP recorded as the last login")
	cmd.Flags.String("user-agent", "hirebridge-cli", "User agent recorded as the last login")
	cmd.Flags.String("remote-id", "", "Upstream employee id to link after joining")

	cmd.Run = func(args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		lookup := func(name string) string { return cmd.Flags.Lookup(name).Value.String() }

		slug := lookup("tenant")
		if slug == "" {
			return fmt.Errorf("--tenant is required")
		}
		who := identity.GlobalIdentity{
			GlobalID: lookup("global-id"),
			Name:     lookup("name"),
			Email:    lookup("email"),
		}
		if who.GlobalID == "" {
			return fmt.Errorf("--global-id is required")
		}
		dsn := lookup("dsn")
		if dsn == "" {
			return fmt.Errorf("--dsn is required for the central database")
		}

		tenants, err := tenancy.LoadTenants(lookup("tenants"))
		if err != nil {
			return err
		}
		tenant, ok := findTenant(tenants, slug)
		if !ok {
			return fmt.Errorf("unknown tenant %q", slug)
		}

		remoteID := lookup("remote-id")
		var ref extref.Reference
		if remoteID != "" {
			if !tenant.IsLinked() {
				return fmt.Errorf("tenant %s has no upstream link", slug)
			}
			ref = extref.New(tenant.Upstream.DomainURL, remoteID)
		}

		ctx := context.Background()
		central, err := openDatabase(ctx, dsn)
		if err != nil {
			return fmt.Errorf("failed to connect to central database: %w", err)
		}
		defer central.Close()

		tdb, err := openDatabase(ctx, tenant.DSN)
		if err != nil {
			return fmt.Errorf("failed to connect to tenant %s: %w", slug, err)
		}
		defer tdb.Close()

		syncer := identity.NewSynchronizer(identity.NewPostgresCentralStore(central))
		users := identity.NewPostgresTenantUserStore(tdb)
		meta := identity.RequestMeta{IP: lookup("ip"), UserAgent: lookup("user-agent")}

		rec, err := syncer.Join(ctx, users, tenant.Identity(), who, meta)
		if err != nil {
			return fmt.Errorf("failed to join %s to %s: %w", who.GlobalID, slug, err)
		}
		log := logger.WithFields(logrus.Fields{"tenant": slug, "global_id": who.GlobalID})
		log.Info("User joined tenant")
		fmt.Fprintf(cmd.out, "%s: joined %s as tenant user %d\n", slug, who.GlobalID, rec.ID)

		if remoteID == "" {
			return nil
		}
		if err := syncer.LinkExternalAccount(ctx, users, tenant.Identity(), who, ref); err != nil {
			return err
		}
		log.WithField("ref", ref.String()).Info("Upstream account linked")
		fmt.Fprintf(cmd.out, "%s: linked %s to %s\n", slug, who.GlobalID, ref.String())
		return nil
	}
	return cmd
}

func findTenant(tenants []tenancy.TenantConfig, slug string) (tenancy.TenantConfig, bool) {
	for _, t := range tenants {
		if t.Slug == slug {
			return t, true
		}
	}
	return tenancy.TenantConfig{}, false
}
