package cli

import (
	"flag"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/platinummonkey/hirebridge/pkg/tenancy"
)

func newTenantsCommand(out io.Writer) *Command {
	cmd := &Command{
		Name:        "tenants",
		Description: "List tenants and their upstream links",
		Flags:       flag.NewFlagSet("tenants", flag.ContinueOnError),
		out:         out,
	}

	cmd.Flags.String("tenants", tenantsFileDefault(), "Tenant registry file")

	cmd.Run = func(args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}

		tenants, err := tenancy.LoadTenants(cmd.Flags.Lookup("tenants").Value.String())
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SLUG\tID\tCODE\tUPSTREAM\tLINKED")
		for _, t := range tenants {
			domain := "-"
			if t.Upstream != nil && t.Upstream.DomainURL != "" {
				domain = t.Upstream.DomainURL
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\n", t.Slug, t.ID, t.Code, domain, t.IsLinked())
		}
		return w.Flush()
	}
	return cmd
}
