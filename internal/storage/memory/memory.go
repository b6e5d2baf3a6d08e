package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"wedplan/internal/core"
)

// Store keeps users, categories and line items in process memory. It
// enforces the same owner scoping as the SQL stores.
type Store struct {
	mu    sync.Mutex
	users map[string]core.Identity
	cats  []core.Category
	items []core.LineItem
	refs  map[int64]string
	// unapplied holds items whose amount is not yet part of spent.
	unapplied map[int64]bool
	nextID    int64
	now       func() time.Time
}

func New() *Store {
	return &Store{
		users:     map[string]core.Identity{},
		refs:      map[int64]string{},
		unapplied: map[int64]bool{},
		now:       time.Now,
	}
}

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *Store) findLocked(owner string, id int64) int {
	for i, c := range s.cats {
		if c.ID == id && c.Owner == owner {
			return i
		}
	}
	return -1
}

func (s *Store) ListCategories(_ context.Context, owner string) ([]core.Category, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.Category
	for _, c := range s.cats {
		if c.Owner == owner {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *Store) GetCategory(_ context.Context, owner string, id int64) (core.Category, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.findLocked(owner, id)
	if i < 0 {
		return core.Category{}, core.ErrCategoryNotFound
	}
	return s.cats[i], nil
}

func (s *Store) InsertCategory(_ context.Context, c core.Category) (core.Category, error) {
	if err := c.Validate(); err != nil {
		return core.Category{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c.ID = s.id()
	c.Version = 1
	s.cats = append(s.cats, c)
	return c, nil
}

func (s *Store) UpdateAllocation(_ context.Context, owner string, id int64, allocated core.Money) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.findLocked(owner, id)
	if i < 0 {
		return core.ErrCategoryNotFound
	}
	s.cats[i].Allocated = allocated
	s.cats[i].Version++
	return nil
}

func (s *Store) insertItemLocked(item core.LineItem) (core.LineItem, int, error) {
	if err := item.Validate(); err != nil {
		return core.LineItem{}, -1, err
	}
	i := s.findLocked(item.Owner, item.CategoryID)
	if i < 0 {
		return core.LineItem{}, -1, core.ErrCategoryNotFound
	}
	item.ID = s.id()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = s.now().UTC()
	}
	s.items = append(s.items, item)
	return item, i, nil
}

func (s *Store) InsertLineItem(_ context.Context, item core.LineItem) (core.LineItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, _, err := s.insertItemLocked(item)
	return stored, err
}

func (s *Store) InsertPendingLineItem(_ context.Context, item core.LineItem) (core.LineItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item.SpentAfter = core.Money{}
	stored, _, err := s.insertItemLocked(item)
	if err != nil {
		return core.LineItem{}, err
	}
	s.unapplied[stored.ID] = true
	return stored, nil
}

func (s *Store) RecordLineItem(_ context.Context, item core.LineItem) (core.LineItem, core.Category, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.findLocked(item.Owner, item.CategoryID)
	if i >= 0 {
		item.SpentAfter = s.cats[i].Spent.Add(item.Amount)
	}
	stored, i, err := s.insertItemLocked(item)
	if err != nil {
		return core.LineItem{}, core.Category{}, err
	}
	s.cats[i].Spent = stored.SpentAfter
	s.cats[i].Version++
	return stored, s.cats[i], nil
}

func (s *Store) ApplyLineItem(_ context.Context, item core.LineItem, version int64, spent core.Money) (core.ApplyOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.findLocked(item.Owner, item.CategoryID)
	if i < 0 {
		return core.ApplyConflict, core.ErrCategoryNotFound
	}
	if s.cats[i].Version != version {
		return core.ApplyConflict, nil
	}
	if !s.unapplied[item.ID] {
		return core.AlreadyApplied, nil
	}
	s.cats[i].Spent = spent
	s.cats[i].Version++
	s.claimLocked(item.ID, spent)
	return core.Applied, nil
}

// RepairSpent sets spent at version and claims the listed unapplied items.
func (s *Store) RepairSpent(_ context.Context, owner string, id, version int64, spent core.Money, unapplied []int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.findLocked(owner, id)
	if i < 0 {
		return false, core.ErrCategoryNotFound
	}
	if s.cats[i].Version != version {
		return false, nil
	}
	s.cats[i].Spent = spent
	s.cats[i].Version++
	for _, itemID := range unapplied {
		if s.unapplied[itemID] {
			s.claimLocked(itemID, spent)
		}
	}
	return true, nil
}

func (s *Store) claimLocked(itemID int64, spentAfter core.Money) {
	delete(s.unapplied, itemID)
	for j := range s.items {
		if s.items[j].ID == itemID {
			s.items[j].SpentAfter = spentAfter
			return
		}
	}
}

func (s *Store) SetSpent(_ context.Context, owner string, id int64, spent core.Money) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.findLocked(owner, id)
	if i < 0 {
		return core.ErrCategoryNotFound
	}
	s.cats[i].Spent = spent
	s.cats[i].Version++
	return nil
}

func (s *Store) ListLineItems(_ context.Context, owner string, categoryID int64) ([]core.LineItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.LineItem
	for _, it := range s.items {
		if it.Owner == owner && it.CategoryID == categoryID {
			out = append(out, it)
		}
	}
	return out, nil
}

// LineItemTotals sums line item amounts per category of owner, applied or
// not, and lists the unapplied ones. Categories without items are present
// with a zero total.
func (s *Store) LineItemTotals(_ context.Context, owner string) (map[int64]core.ItemTotal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[int64]core.ItemTotal{}
	for _, c := range s.cats {
		if c.Owner == owner {
			out[c.ID] = core.ItemTotal{}
		}
	}
	for _, it := range s.items {
		if it.Owner != owner {
			continue
		}
		t := out[it.CategoryID]
		t.Sum = t.Sum.Add(it.Amount)
		if s.unapplied[it.ID] {
			t.Unapplied = append(t.Unapplied, it.ID)
		}
		out[it.CategoryID] = t
	}
	return out, nil
}

// Owners lists every owner holding at least one category, sorted.
func (s *Store) Owners(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[string]struct{}{}
	var out []string
	for _, c := range s.cats {
		if _, ok := seen[c.Owner]; ok {
			continue
		}
		seen[c.Owner] = struct{}{}
		out = append(out, c.Owner)
	}
	sort.Strings(out)
	return out, nil
}

// PendingExports returns applied line items not yet marked exported,
// oldest first.
func (s *Store) PendingExports(_ context.Context, limit int) ([]core.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.LedgerEntry
	for _, it := range s.items {
		if len(out) >= limit {
			break
		}
		if _, done := s.refs[it.ID]; done || s.unapplied[it.ID] {
			continue
		}
		e := core.LedgerEntry{
			ItemID:     it.ID,
			Owner:      it.Owner,
			CategoryID: it.CategoryID,
			Amount:     it.Amount,
			SpentAfter: it.SpentAfter,
			RecordedAt: it.CreatedAt,
		}
		if i := s.findLocked(it.Owner, it.CategoryID); i >= 0 {
			e.CategoryName = s.cats[i].Name
			if e.SpentAfter.Cents == 0 {
				e.SpentAfter = s.cats[i].Spent
			}
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *Store) MarkExported(_ context.Context, itemID int64, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs[itemID] = ref
	return nil
}

func (s *Store) MarkExportFailed(context.Context, int64) error { return nil }

// ExportRef returns the spreadsheet reference recorded for itemID.
func (s *Store) ExportRef(itemID int64) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref, ok := s.refs[itemID]
	return ref, ok
}

// UpsertUser inserts or replaces the profile keyed by UID.
func (s *Store) UpsertUser(_ context.Context, u core.Identity) error {
	if err := u.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.UID] = u
	return nil
}

func (s *Store) GetUser(_ context.Context, uid string) (core.Identity, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[uid]
	return u, ok, nil
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() error { return nil }
