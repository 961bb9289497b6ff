package cli

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/hirebridge/pkg/masterdata"
	"github.com/platinummonkey/hirebridge/pkg/tenancy"
	"github.com/platinummonkey/hirebridge/pkg/upstream"
)

func newResyncCommand(out io.Writer, logger *logrus.Logger) *Command {
	cmd := &Command{
		Name:        "resync",
		Description: "Reconcile master data from the upstream platform",
		Flags:       flag.NewFlagSet("resync", flag.ContinueOnError),
		out:         out,
	}

	cmd.Flags.String("tenants", tenantsFileDefault(), "Tenant registry file")
	cmd.Flags.String("tenant", "", "Tenant slug")
	cmd.Flags.Bool("all", false, "Reconcile every linked tenant")
	cmd.Flags.Bool("dry-run", false, "Apply to an empty in-memory store instead of the tenant database")
	cmd.Flags.Int("concurrency", 4, "Tenants reconciled at once with --all")
	cmd.Flags.Duration("timeout", upstream.DefaultTimeout, "Upstream request timeout")

	cmd.Run = func(args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		return runResync(cmd, logger)
	}
	return cmd
}

// resyncOutput is the printed form of a pass
type resyncOutput struct {
	Tenant     string                    `json:"tenant"`
	RunID      string                    `json:"run_id,omitempty"`
	Empty      bool                      `json:"empty"`
	DryRun     bool                      `json:"dry_run"`
	Categories map[string]categoryOutput `json:"categories,omitempty"`
	Error      string                    `json:"error,omitempty"`
}

type categoryOutput struct {
	*masterdata.CategoryResult
	Error string `json:"error,omitempty"`
}

func runResync(cmd *Command, logger *logrus.Logger) error {
	path := cmd.Flags.Lookup("tenants").Value.String()
	slug := cmd.Flags.Lookup("tenant").Value.String()
	all := cmd.Flags.Lookup("all").Value.String() == "true"
	dryRun := cmd.Flags.Lookup("dry-run").Value.String() == "true"
	concurrency := cmd.Flags.Lookup("concurrency").Value.(flag.Getter).Get().(int)
	timeout := cmd.Flags.Lookup("timeout").Value.(flag.Getter).Get().(time.Duration)

	if slug == "" && !all {
		return fmt.Errorf("either --tenant or --all is required")
	}

	reg, err := tenancy.LoadRegistry(path, nil)
	if err != nil {
		return err
	}

	var stores masterdata.StoreFactory
	if dryRun {
		stores = func(context.Context, tenancy.TenantConfig) (masterdata.Store, func(), error) {
			return masterdata.NewMemoryStore(), func() {}, nil
		}
	} else {
		pool, err := tenancy.NewPool(concurrency)
		if err != nil {
			return err
		}
		defer pool.Close()
		stores = masterdata.PostgresStoreFactory(pool)
	}

	rec := masterdata.NewReconciler(upstream.NewClient(upstream.WithTimeout(timeout)))
	sched := masterdata.NewScheduler(rec, reg, stores, masterdata.WithConcurrency(concurrency))
	ctx := context.Background()

	if all {
		logger.WithField("tenants", len(reg.Linked())).Info("Reconciling all linked tenants")
		if err := sched.RunAll(ctx); err != nil {
			return err
		}
		logger.Info("All tenants reconciled")
		return nil
	}

	logger.WithFields(logrus.Fields{"tenant": slug, "dry_run": dryRun}).Info("Reconciling tenant")
	result, err := sched.SyncTenant(ctx, slug)
	if result != nil {
		if perr := printResult(cmd.out, slug, dryRun, result, err); perr != nil {
			return perr
		}
	}
	return err
}

func printResult(out io.Writer, slug string, dryRun bool, result *masterdata.Result, err error) error {
	o := resyncOutput{
		Tenant:     slug,
		RunID:      result.RunID,
		Empty:      result.Empty,
		DryRun:     dryRun,
		Categories: make(map[string]categoryOutput, len(result.Categories)),
	}
	for cat, cr := range result.Categories {
		co := categoryOutput{CategoryResult: cr}
		if cr.Err != nil {
			co.Error = cr.Err.Error()
		}
		o.Categories[string(cat)] = co
	}
	if err != nil {
		o.Error = err.Error()
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(o)
}
