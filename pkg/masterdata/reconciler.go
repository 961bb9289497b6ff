package masterdata

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/platinummonkey/hirebridge/pkg/observability"
	"github.com/platinummonkey/hirebridge/pkg/upstream"
)

// Fetcher downloads a master-data snapshot. *upstream.Client implements it.
type Fetcher interface {
	FetchMasterData(ctx context.Context, domainURL, apiToken string) (*upstream.Snapshot, error)
}

// Reconciler converges tenant-local master tables onto an upstream snapshot.
// A pass only creates, restores and updates rows; rows missing upstream are
// never removed.
type Reconciler struct {
	fetcher Fetcher
	logger  *observability.Logger
	metrics *observability.Metrics
}

// Option configures a Reconciler
type Option func(*Reconciler)

// WithLogger sets the logger
func WithLogger(l *observability.Logger) Option {
	return func(r *Reconciler) { r.logger = l }
}

// WithMetrics sets the metrics recorder
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Reconciler) { r.metrics = m }
}

// NewReconciler creates a reconciler fetching through f
func NewReconciler(f Fetcher, opts ...Option) *Reconciler {
	r := &Reconciler{
		fetcher: f,
		logger:  observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// FetchMasterData downloads the snapshot without touching any store.
// Failures wrap upstream.ErrFetchFailed.
func (r *Reconciler) FetchMasterData(ctx context.Context, domainURL, apiToken string) (*upstream.Snapshot, error) {
	return r.fetcher.FetchMasterData(ctx, domainURL, apiToken)
}

// SyncMasterData fetches a snapshot and applies it to store. A fetch
// failure aborts before any write. Otherwise the returned error, if any, is
// a *PartialReconciliationError and the result still describes every
// category that was committed.
func (r *Reconciler) SyncMasterData(ctx context.Context, store Store, domainURL, apiToken string) (*Result, error) {
	ctx, span := observability.Tracer().Start(ctx, "masterdata.SyncMasterData")
	defer span.End()

	snapshot, err := r.FetchMasterData(ctx, domainURL, apiToken)
	if err != nil {
		r.metrics.RecordSyncError("fetch")
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		return nil, err
	}

	result := r.Apply(ctx, store, snapshot)
	if err := result.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "partial reconciliation")
		return result, err
	}
	return result, nil
}

// Apply reconciles an already fetched snapshot. An empty snapshot is a
// no-op, never a deletion.
func (r *Reconciler) Apply(ctx context.Context, store Store, snapshot *upstream.Snapshot) *Result {
	result := &Result{
		RunID:      uuid.NewString(),
		Categories: make(map[Category]*CategoryResult),
		StartedAt:  time.Now(),
	}
	log := observability.FromContextOr(ctx, r.logger).WithField("run_id", result.RunID)

	if snapshot.IsEmpty() {
		result.Empty = true
		result.FinishedAt = time.Now()
		log.Info("Upstream snapshot is empty, nothing to reconcile")
		return result
	}

	data := snapshot.Data
	if data.JobPositions != nil {
		result.Categories[CategoryJobPosition] = r.runCategory(ctx, log, CategoryJobPosition, func(ctx context.Context, cr *CategoryResult, log *observability.Logger) error {
			return r.reconcilePositions(ctx, store, cr, log, positionItems(data.JobPositions))
		})
	}
	if data.JobLevels != nil {
		result.Categories[CategoryJobLevel] = r.runCategory(ctx, log, CategoryJobLevel, func(ctx context.Context, cr *CategoryResult, log *observability.Logger) error {
			_, err := r.reconcileNodes(ctx, store, cr, log, levelItems(data.JobLevels))
			return err
		})
	}
	if data.Education != nil {
		result.Categories[CategoryEducation] = r.runCategory(ctx, log, CategoryEducation, func(ctx context.Context, cr *CategoryResult, log *observability.Logger) error {
			_, err := r.reconcileNodes(ctx, store, cr, log, educationItems(data.Education))
			return err
		})
	}

	result.FinishedAt = time.Now()
	return result
}

func (r *Reconciler) runCategory(ctx context.Context, log *observability.Logger, cat Category, fn func(context.Context, *CategoryResult, *observability.Logger) error) *CategoryResult {
	ctx, span := observability.Tracer().Start(ctx, "masterdata.reconcile")
	span.SetAttributes(attribute.String("category", string(cat)))
	defer span.End()

	cr := newCategoryResult(cat)
	catLog := log.WithField("category", string(cat))
	if err := fn(ctx, cr, catLog); err != nil {
		cr.Err = err
		r.metrics.RecordSyncError(string(cat))
		span.RecordError(err)
		span.SetStatus(codes.Error, "category failed")
		log.WithError(err).WithField("category", string(cat)).Error("Category reconciliation failed")
	}

	log.WithFields(map[string]interface{}{
		"category":   string(cat),
		"created":    cr.Created,
		"restored":   cr.Restored,
		"updated":    cr.Updated,
		"unchanged":  cr.Unchanged,
		"skipped":    cr.Skipped,
		"reparented": cr.Reparented,
	}).Info("Category reconciled")
	return cr
}

// item is one upstream record normalised across categories
type item struct {
	cat      Category
	remoteID string
	parentID string
	name     string
	index    *int
}

func positionItems(in []upstream.RemotePosition) []item {
	out := make([]item, 0, len(in))
	for _, p := range in {
		it := item{cat: CategoryJobPosition, remoteID: p.ID.String(), name: strings.TrimSpace(p.Name)}
		if !p.ParentID.IsZero() {
			it.parentID = p.ParentID.String()
		}
		out = append(out, it)
	}
	return out
}

func levelItems(in []upstream.RemoteLevel) []item {
	out := make([]item, 0, len(in))
	for _, l := range in {
		out = append(out, item{cat: CategoryJobLevel, remoteID: l.ID.String(), name: strings.TrimSpace(l.Name), index: l.Position.Ptr()})
	}
	return out
}

func educationItems(in []upstream.RemoteEducation) []item {
	out := make([]item, 0, len(in))
	for _, e := range in {
		out = append(out, item{cat: CategoryEducation, remoteID: e.ID.String(), name: strings.TrimSpace(e.Value), index: e.Order.Ptr()})
	}
	return out
}

// lessRemote orders remote ids numerically when both are numbers
func lessRemote(a, b string) bool {
	ai, aErr := strconv.ParseInt(a, 10, 64)
	bi, bErr := strconv.ParseInt(b, 10, 64)
	if aErr == nil && bErr == nil {
		return ai < bi
	}
	if (aErr == nil) != (bErr == nil) {
		return aErr == nil
	}
	return a < b
}

// normalise sorts items so every permutation of the same snapshot issues
// the same writes, and drops unusable and duplicate entries.
func normalise(items []item, cr *CategoryResult, log *observability.Logger) []item {
	sorted := make([]item, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if (a.remoteID == "") != (b.remoteID == "") {
			return a.remoteID != ""
		}
		if a.remoteID != b.remoteID {
			return lessRemote(a.remoteID, b.remoteID)
		}
		return a.name < b.name
	})

	seen := make(map[string]bool, len(sorted))
	out := sorted[:0]
	for _, it := range sorted {
		if it.name == "" {
			cr.count(ActionSkipped)
			log.WithField("remote_id", it.remoteID).Warn("Skipping upstream item without a name")
			continue
		}
		if it.remoteID != "" {
			if seen[it.remoteID] {
				cr.count(ActionSkipped)
				log.WithField("remote_id", it.remoteID).Warn("Skipping duplicate upstream id")
				continue
			}
			seen[it.remoteID] = true
		}
		out = append(out, it)
	}
	return out
}

// reconcileNodes upserts every item and returns the stored node per remote
// id. Items already bound to a local row by external id go first so a
// renamed row frees its old name before another item claims it. Renames
// among bound rows converge within one pass regardless of order.
func (r *Reconciler) reconcileNodes(ctx context.Context, store Store, cr *CategoryResult, log *observability.Logger, raw []item) (map[string]*Node, error) {
	items := normalise(raw, cr, log)

	claimed := make(map[string]bool, len(items))
	for _, it := range items {
		if it.remoteID != "" {
			claimed[it.remoteID] = true
		}
	}

	nodes := make(map[string]*Node, len(items))
	var errs []error
	var pending []item
	var waiting []item

	for _, it := range items {
		if err := ctx.Err(); err != nil {
			return nodes, err
		}
		if it.remoteID == "" {
			pending = append(pending, it)
			continue
		}
		n, action, err := r.upsert(ctx, store, it, claimed, true)
		if errors.Is(err, ErrConflict) {
			waiting = append(waiting, it)
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("remote id %s: %w", it.remoteID, err))
			continue
		}
		if n == nil {
			pending = append(pending, it)
			continue
		}
		r.record(cr, it, n, action, nodes)
	}

	unbound, settleErrs := r.settleRenames(ctx, store, cr, log, waiting, claimed, nodes)
	if err := ctx.Err(); err != nil {
		return nodes, err
	}
	errs = append(errs, settleErrs...)
	pending = append(pending, unbound...)

	for _, it := range pending {
		if err := ctx.Err(); err != nil {
			return nodes, err
		}
		n, action, err := r.upsertWithRetry(ctx, store, it, claimed, false)
		if err != nil {
			errs = append(errs, fmt.Errorf("%q: %w", it.name, err))
			continue
		}
		r.record(cr, it, n, action, nodes)
	}

	return nodes, errors.Join(errs...)
}

// settleRenames retries bound items whose new name was still held by
// another bound row. Chains resolve by retrying until a round makes no
// progress. A rename cycle is then broken by parking one holder under a
// temporary name in the same unit as the rename that displaces it; the
// holder takes its own new name on the next round. Items whose external id
// vanished meanwhile are returned for the name-matching pass.
func (r *Reconciler) settleRenames(ctx context.Context, store Store, cr *CategoryResult, log *observability.Logger, waiting []item, claimed map[string]bool, nodes map[string]*Node) ([]item, []error) {
	var unbound []item
	var errs []error

	for len(waiting) > 0 {
		if ctx.Err() != nil {
			return unbound, errs
		}

		progressed := false
		var still []item
		for _, it := range waiting {
			n, action, err := r.upsert(ctx, store, it, claimed, true)
			switch {
			case errors.Is(err, ErrConflict):
				still = append(still, it)
				continue
			case err != nil:
				errs = append(errs, fmt.Errorf("remote id %s: %w", it.remoteID, err))
			case n == nil:
				unbound = append(unbound, it)
			default:
				r.record(cr, it, n, action, nodes)
			}
			progressed = true
		}
		waiting = still
		if len(waiting) == 0 || progressed {
			continue
		}

		inCycle := make(map[string]bool, len(waiting))
		for _, it := range waiting {
			inCycle[it.remoteID] = true
		}
		displaced := -1
		for i, it := range waiting {
			n, action, err := r.displace(ctx, store, it, inCycle)
			if errors.Is(err, ErrConflict) {
				continue
			}
			if err != nil {
				errs = append(errs, fmt.Errorf("remote id %s: %w", it.remoteID, err))
			} else if n == nil {
				unbound = append(unbound, it)
			} else {
				log.WithFields(map[string]interface{}{
					"remote_id": it.remoteID,
					"name":      it.name,
				}).Debug("Broke rename cycle")
				r.record(cr, it, n, action, nodes)
			}
			displaced = i
			break
		}
		if displaced < 0 {
			for _, it := range waiting {
				errs = append(errs, fmt.Errorf("remote id %s: %w", it.remoteID, ErrConflict))
			}
			return unbound, errs
		}
		waiting = append(waiting[:displaced:displaced], waiting[displaced+1:]...)
	}
	return unbound, errs
}

// parkedName is the temporary name of a row displaced by a rename cycle
func parkedName(id int64) string {
	return fmt.Sprintf("~renaming-%d", id)
}

// displace renames the bound row of it to it.name after parking the row
// currently holding that name. Only a holder bound to another item in
// cycle is parked; anything else is reported as ErrConflict.
func (r *Reconciler) displace(ctx context.Context, store Store, it item, cycle map[string]bool) (*Node, string, error) {
	var out *Node
	var action string

	err := store.Atomic(ctx, func(tx Store) error {
		existing, err := tx.FindMatch(ctx, it.cat, it.remoteID, "")
		if err != nil || existing == nil {
			return err
		}
		holder, err := tx.FindMatch(ctx, it.cat, "", it.name)
		if err != nil {
			return err
		}
		if holder == nil || holder.IsDeleted() || holder.ID == existing.ID ||
			holder.ExternalID == it.remoteID || !cycle[holder.ExternalID] {
			return ErrConflict
		}

		holder.Name = parkedName(holder.ID)
		if err := tx.Update(ctx, holder); err != nil {
			return err
		}

		action = ActionUpdated
		if existing.IsDeleted() {
			action = ActionRestored
		}
		existing.Name = it.name
		existing.Index = copyInt(it.index)
		existing.ExternalName = externalName(it)
		if err := tx.Update(ctx, existing); err != nil {
			return err
		}
		out = existing
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return out, action, nil
}

func (r *Reconciler) record(cr *CategoryResult, it item, n *Node, action string, nodes map[string]*Node) {
	cr.count(action)
	r.metrics.RecordNode(string(cr.Category), action)
	if it.remoteID != "" {
		cr.Mapping[it.remoteID] = n.ID
		nodes[it.remoteID] = n
	}
}

func (r *Reconciler) upsertWithRetry(ctx context.Context, store Store, it item, claimed map[string]bool, boundOnly bool) (*Node, string, error) {
	n, action, err := r.upsert(ctx, store, it, claimed, boundOnly)
	if errors.Is(err, ErrConflict) {
		// A concurrent pass may have just written the row this item maps to.
		n, action, err = r.upsert(ctx, store, it, claimed, boundOnly)
	}
	return n, action, err
}

// upsert runs one read-then-write unit. With boundOnly it only touches a
// row already carrying the item's external id and returns nil otherwise.
func (r *Reconciler) upsert(ctx context.Context, store Store, it item, claimed map[string]bool, boundOnly bool) (*Node, string, error) {
	var out *Node
	var action string

	err := store.Atomic(ctx, func(tx Store) error {
		var existing *Node
		var err error
		if boundOnly {
			existing, err = tx.FindMatch(ctx, it.cat, it.remoteID, "")
			if err != nil || existing == nil {
				return err
			}
		} else {
			existing, err = tx.FindMatch(ctx, it.cat, it.remoteID, it.name)
			if err != nil {
				return err
			}
			if existing != nil && existing.ExternalID != "" && existing.ExternalID != it.remoteID && claimed[existing.ExternalID] {
				existing = nil
			}
		}

		if existing == nil {
			n := &Node{
				Category:     it.cat,
				Name:         it.name,
				Index:        copyInt(it.index),
				ExternalID:   it.remoteID,
				ExternalName: externalName(it),
			}
			if err := tx.Insert(ctx, n); err != nil {
				return err
			}
			out, action = n, ActionCreated
			return nil
		}

		if !existing.IsDeleted() && matches(existing, it) {
			out, action = existing, ActionUnchanged
			return nil
		}

		action = ActionUpdated
		if existing.IsDeleted() {
			action = ActionRestored
		}
		existing.Name = it.name
		existing.Index = copyInt(it.index)
		existing.ExternalID = it.remoteID
		existing.ExternalName = externalName(it)
		if err := tx.Update(ctx, existing); err != nil {
			return err
		}
		out = existing
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return out, action, nil
}

func externalName(it item) string {
	if it.remoteID == "" {
		return ""
	}
	return it.name
}

func matches(n *Node, it item) bool {
	return n.Name == it.name &&
		equalInt(n.Index, it.index) &&
		n.ExternalID == it.remoteID &&
		n.ExternalName == externalName(it)
}

func equalInt(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func equalInt64(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// reconcilePositions upserts every position, then links parents once all
// local ids are known. Parent links never depend on input order.
func (r *Reconciler) reconcilePositions(ctx context.Context, store Store, cr *CategoryResult, log *observability.Logger, raw []item) error {
	nodes, upsertErr := r.reconcileNodes(ctx, store, cr, log, raw)
	if err := ctx.Err(); err != nil {
		return err
	}

	items := normalise(raw, newCategoryResult(cr.Category), observability.NopLogger())
	parents := resolveParents(items)

	var errs []error
	if upsertErr != nil {
		errs = append(errs, upsertErr)
	}

	for _, it := range items {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		n, ok := nodes[it.remoteID]
		if !ok {
			continue
		}

		var want *int64
		if parentRemote := parents[it.remoteID]; parentRemote != "" {
			parent, ok := nodes[parentRemote]
			if !ok {
				// Parent failed this pass; keep the current link.
				continue
			}
			want = &parent.ID
		} else if it.parentID != "" {
			log.WithFields(map[string]interface{}{
				"remote_id": it.remoteID,
				"parent_id": it.parentID,
			}).Debug("Parent not in snapshot, reconciling as root")
		}

		if equalInt64(n.ParentID, want) {
			continue
		}
		if err := store.SetParent(ctx, CategoryJobPosition, n.ID, want); err != nil {
			errs = append(errs, fmt.Errorf("link parent of remote id %s: %w", it.remoteID, err))
			continue
		}
		n.ParentID = copyInt64(want)
		cr.count(ActionReparent)
		r.metrics.RecordNode(string(cr.Category), ActionReparent)
	}

	return errors.Join(errs...)
}

// resolveParents maps each remote id to the remote id of its parent, or ""
// for roots. Parents missing from the snapshot and self references become
// roots; each cycle is cut at its smallest remote id.
func resolveParents(items []item) map[string]string {
	present := make(map[string]bool, len(items))
	var order []string
	for _, it := range items {
		if it.remoteID != "" {
			present[it.remoteID] = true
			order = append(order, it.remoteID)
		}
	}

	parent := make(map[string]string, len(order))
	for _, it := range items {
		if it.remoteID == "" {
			continue
		}
		if it.parentID != "" && it.parentID != it.remoteID && present[it.parentID] {
			parent[it.remoteID] = it.parentID
		}
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(order))
	for _, id := range order {
		var path []string
		cur := id
		for cur != "" && state[cur] == unvisited {
			state[cur] = visiting
			path = append(path, cur)
			cur = parent[cur]
		}
		if cur != "" && state[cur] == visiting {
			start := 0
			for i, p := range path {
				if p == cur {
					start = i
					break
				}
			}
			cut := path[start]
			for _, p := range path[start+1:] {
				if lessRemote(p, cut) {
					cut = p
				}
			}
			delete(parent, cut)
		}
		for _, p := range path {
			state[p] = done
		}
	}

	return parent
}
