package worker

import (
	"context"
	"errors"
	"testing"

	"wedplan/internal/core"
	"wedplan/internal/ledger"
	"wedplan/internal/storage/memory"
)

type reconcileStore struct {
	*memory.Store
	failTotalsFor string
	losesRace     bool
}

func (s *reconcileStore) LineItemTotals(ctx context.Context, owner string) (map[int64]core.ItemTotal, error) {
	if owner == s.failTotalsFor {
		return nil, errors.New("database is locked")
	}
	return s.Store.LineItemTotals(ctx, owner)
}

func (s *reconcileStore) RepairSpent(ctx context.Context, owner string, id, version int64, spent core.Money, unapplied []int64) (bool, error) {
	if s.losesRace {
		return false, nil
	}
	return s.Store.RepairSpent(ctx, owner, id, version, spent, unapplied)
}

// interleavedStore runs a reconcile pass in the middle of a versioned write:
// right after the pending insert, or right after the writer first reads the
// category.
type interleavedStore struct {
	*memory.Store
	t          *testing.T
	reconciler *Reconciler
	afterRead  bool
	stuck      bool
	ran        bool
}

func (s *interleavedStore) reconcileOnce(ctx context.Context, owner string) {
	if s.ran {
		return
	}
	s.ran = true
	if _, err := s.reconciler.ReconcileOwner(ctx, owner); err != nil {
		s.t.Fatalf("reconcile: %v", err)
	}
}

func (s *interleavedStore) InsertPendingLineItem(ctx context.Context, item core.LineItem) (core.LineItem, error) {
	stored, err := s.Store.InsertPendingLineItem(ctx, item)
	if err == nil && !s.afterRead {
		s.reconcileOnce(ctx, item.Owner)
	}
	return stored, err
}

func (s *interleavedStore) GetCategory(ctx context.Context, owner string, id int64) (core.Category, error) {
	c, err := s.Store.GetCategory(ctx, owner, id)
	if err == nil && s.afterRead {
		s.reconcileOnce(ctx, owner)
	}
	return c, err
}

func (s *interleavedStore) ApplyLineItem(ctx context.Context, item core.LineItem, version int64, spent core.Money) (core.ApplyOutcome, error) {
	if s.stuck {
		return core.ApplyConflict, nil
	}
	return s.Store.ApplyLineItem(ctx, item, version, spent)
}

func assertSpentMatchesItems(t *testing.T, mem *memory.Store, owner string, id, want int64) {
	t.Helper()
	ctx := context.Background()
	items, _ := mem.ListLineItems(ctx, owner, id)
	var sum int64
	for _, it := range items {
		sum += it.Amount.Cents
	}
	got, _ := mem.GetCategory(ctx, owner, id)
	if sum != want || got.Spent.Cents != want {
		t.Fatalf("items sum %d, spent %d, want both %d", sum, got.Spent.Cents, want)
	}
}

func TestReconciler_VersionedWriteInFlightIsCountedOnce(t *testing.T) {
	tests := []struct {
		name      string
		afterRead bool
	}{
		{"between insert and category read", false},
		{"between category read and spent update", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			mem := memory.New()
			cat, _ := seedItems(t, mem, "u1", 1000)
			r := NewReconciler(mem, 1, nil)
			store := &interleavedStore{Store: mem, t: t, reconciler: r, afterRead: tt.afterRead}
			svc := ledger.New(store, ledger.Options{Strategy: ledger.StrategyVersioned})

			res, err := svc.AddLineItem(ctx, "u1", cat, core.Money{Cents: 25000})
			if err != nil {
				t.Fatal(err)
			}
			if !store.ran {
				t.Fatal("reconcile pass did not run mid-write")
			}
			if res.Category.Spent.Cents != 26000 {
				t.Fatalf("result spent = %d, want 26000", res.Category.Spent.Cents)
			}
			assertSpentMatchesItems(t, mem, "u1", cat.ID, 26000)

			rep, err := r.ReconcileAll(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if rep.Repaired != 0 {
				t.Fatalf("follow-up pass found drift: %+v", rep)
			}
		})
	}
}

func TestReconciler_CountsItemOfExhaustedVersionedWrite(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	cat, _ := seedItems(t, mem, "u1", 1000)
	store := &interleavedStore{Store: mem, t: t, stuck: true, ran: true}
	svc := ledger.New(store, ledger.Options{Strategy: ledger.StrategyVersioned, MaxRetries: 1})

	res, err := svc.AddLineItem(ctx, "u1", cat, core.Money{Cents: 500})
	if !errors.Is(err, core.ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
	pending, _ := mem.PendingExports(ctx, 10)
	for _, e := range pending {
		if e.ItemID == res.Item.ID {
			t.Fatal("an item not yet in spent must not be exported")
		}
	}

	rep, err := NewReconciler(mem, 1, nil).ReconcileAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Repaired != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}
	assertSpentMatchesItems(t, mem, "u1", cat.ID, 1500)

	pending, _ = mem.PendingExports(ctx, 10)
	var found bool
	for _, e := range pending {
		if e.ItemID == res.Item.ID {
			found = true
			if e.SpentAfter.Cents != 1500 {
				t.Fatalf("spent after = %d, want 1500", e.SpentAfter.Cents)
			}
		}
	}
	if !found {
		t.Fatal("claimed item should be exported")
	}
}

func TestReconciler_RepairsDrift(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	drifted, _ := seedItems(t, mem, "u1", 1000, 500)
	seedItems(t, mem, "u2", 300)
	// A lost update left spent short by one item.
	if err := mem.SetSpent(ctx, "u1", drifted.ID, core.Money{Cents: 1000}); err != nil {
		t.Fatal(err)
	}

	r := NewReconciler(mem, 2, nil)
	rep, err := r.ReconcileAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Owners != 2 || rep.Categories != 2 || rep.Repaired != 1 || rep.Failed != 0 {
		t.Fatalf("unexpected report %+v", rep)
	}
	got, _ := mem.GetCategory(ctx, "u1", drifted.ID)
	if got.Spent.Cents != 1500 {
		t.Fatalf("spent = %d, want 1500", got.Spent.Cents)
	}
	if r.Repaired() != 1 {
		t.Fatalf("Repaired() = %d", r.Repaired())
	}

	rep, _ = r.ReconcileAll(ctx)
	if rep.Repaired != 0 {
		t.Fatalf("second pass should be clean, got %+v", rep)
	}
}

func TestReconciler_ConcurrentWriteIsNotOverwritten(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	cat, _ := seedItems(t, mem, "u1", 100)
	mem.SetSpent(ctx, "u1", cat.ID, core.Money{Cents: 5})

	r := NewReconciler(&reconcileStore{Store: mem, losesRace: true}, 1, nil)
	rep, err := r.ReconcileAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Conflicts != 1 || rep.Repaired != 0 {
		t.Fatalf("unexpected report %+v", rep)
	}
	got, _ := mem.GetCategory(ctx, "u1", cat.ID)
	if got.Spent.Cents != 5 {
		t.Fatalf("spent should be untouched, got %d", got.Spent.Cents)
	}
}

func TestReconciler_OwnerFailureDoesNotStopOthers(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	seedItems(t, mem, "broken", 100)
	ok, _ := seedItems(t, mem, "healthy", 100)
	mem.SetSpent(ctx, "healthy", ok.ID, core.Money{})

	r := NewReconciler(&reconcileStore{Store: mem, failTotalsFor: "broken"}, 4, nil)
	rep, err := r.ReconcileAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Failed != 1 || rep.Repaired != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}
}

func TestReconciler_CancelledContext(t *testing.T) {
	mem := memory.New()
	seedItems(t, mem, "u1", 100)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := NewReconciler(mem, 1, nil).ReconcileAll(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
