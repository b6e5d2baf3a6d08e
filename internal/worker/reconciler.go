package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"wedplan/internal/core"
	"wedplan/internal/log"
)

// ReconcileStore is what the reconciler reads and repairs.
type ReconcileStore interface {
	Owners(ctx context.Context) ([]string, error)
	ListCategories(ctx context.Context, owner string) ([]core.Category, error)
	LineItemTotals(ctx context.Context, owner string) (map[int64]core.ItemTotal, error)
	RepairSpent(ctx context.Context, owner string, id, version int64, spent core.Money, unapplied []int64) (bool, error)
}

// Reconciler recomputes every category's spent from its line items and
// repairs drift left behind by lost updates or interrupted writes.
type Reconciler struct {
	store       ReconcileStore
	concurrency int
	logger      *log.Logger

	repaired atomic.Int64
}

type ReconcileReport struct {
	Owners     int
	Categories int
	Repaired   int
	// Conflicts counts categories written concurrently during the pass.
	// They are left for the next pass.
	Conflicts int
	Failed    int
}

func NewReconciler(store ReconcileStore, concurrency int, logger *log.Logger) *Reconciler {
	if concurrency <= 0 {
		concurrency = 1
	}
	if logger == nil {
		logger = log.Discard()
	}
	return &Reconciler{
		store:       store,
		concurrency: concurrency,
		logger:      logger.WithComponent(log.ComponentReconciler),
	}
}

// Repaired is the total number of repairs since start.
func (r *Reconciler) Repaired() int64 { return r.repaired.Load() }

// ReconcileAll checks every owner, at most concurrency at a time. A failing
// owner is logged and counted; it does not stop the others.
func (r *Reconciler) ReconcileAll(ctx context.Context) (ReconcileReport, error) {
	owners, err := r.store.Owners(ctx)
	if err != nil {
		return ReconcileReport{}, fmt.Errorf("list owners: %w", err)
	}

	var (
		mu     sync.Mutex
		report = ReconcileReport{Owners: len(owners)}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, owner := range owners {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			rep, err := r.ReconcileOwner(gctx, owner)
			mu.Lock()
			defer mu.Unlock()
			report.Categories += rep.Categories
			report.Repaired += rep.Repaired
			report.Conflicts += rep.Conflicts
			if err != nil {
				report.Failed++
				r.logger.LogError(gctx, "Reconcile failed for owner", err, log.OpReconcile,
					log.NewFields().WithOwner(owner))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}
	if err := ctx.Err(); err != nil {
		return report, err
	}

	r.logger.InfoContext(ctx, "Reconcile pass completed",
		"owners", report.Owners,
		"categories", report.Categories,
		"repaired", report.Repaired,
		"conflicts", report.Conflicts,
		"failed", report.Failed,
		log.FieldOperation, log.OpReconcile)
	return report, nil
}

// ReconcileOwner repairs one owner's categories. Categories are read before
// the totals: a spent write committed between the two reads bumps the
// category version, so the repair below refuses to overwrite it. Pending
// items of versioned writers are counted and claimed by the repair, which
// makes their writers' own update a no-op.
func (r *Reconciler) ReconcileOwner(ctx context.Context, owner string) (ReconcileReport, error) {
	cats, err := r.store.ListCategories(ctx, owner)
	if err != nil {
		return ReconcileReport{}, fmt.Errorf("list categories: %w", err)
	}
	totals, err := r.store.LineItemTotals(ctx, owner)
	if err != nil {
		return ReconcileReport{}, fmt.Errorf("line item totals: %w", err)
	}

	rep := ReconcileReport{Owners: 1, Categories: len(cats)}
	for _, c := range cats {
		total := totals[c.ID]
		want := total.Sum
		if c.Spent == want && len(total.Unapplied) == 0 {
			continue
		}
		ok, err := r.store.RepairSpent(ctx, owner, c.ID, c.Version, want, total.Unapplied)
		if err != nil {
			return rep, fmt.Errorf("repair category %d: %w", c.ID, err)
		}
		if !ok {
			rep.Conflicts++
			r.logger.DebugContext(ctx, "Category changed during reconcile, skipping",
				log.FieldOwner, owner, log.FieldCategoryID, c.ID)
			continue
		}
		if c.Spent == want {
			// Spent already matched; only pending items were claimed.
			continue
		}
		rep.Repaired++
		r.repaired.Add(1)
		r.logger.WarnContext(ctx, "Repaired category spent",
			log.FieldOwner, owner,
			log.FieldCategoryID, c.ID,
			log.FieldCategoryName, c.Name,
			"stored_cents", c.Spent.Cents,
			"computed_cents", want.Cents,
			log.FieldOperation, log.OpReconcile)
	}
	return rep, nil
}
