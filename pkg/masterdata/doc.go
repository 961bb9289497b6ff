/*
Package masterdata keeps a tenant's job positions, job levels and education
levels in step with the upstream HR platform.

A Reconciler fetches one snapshot and applies it category by category.
Every upstream item is matched to a local row by external id first and by
exact name second, preferring active rows over soft-deleted ones. Matched
rows are updated or restored in place, unmatched items are inserted, and
rows that are missing upstream are left alone. Job positions are written in
two passes: all rows first, then parent links, so the hierarchy never
depends on the order of the payload.

	rec := masterdata.NewReconciler(client, masterdata.WithLogger(logger))
	result, err := rec.SyncMasterData(ctx, masterdata.NewPostgresStore(db), domainURL, token)
	var partial *masterdata.PartialReconciliationError
	if errors.As(err, &partial) {
		// some categories were committed, see result.Categories
	}

A Scheduler runs passes for every linked tenant of a registry on a cron
schedule, with bounded concurrency, and serves on-demand passes for a
single tenant.
*/
package masterdata
