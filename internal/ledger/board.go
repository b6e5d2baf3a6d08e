package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"wedplan/internal/core"
)

// ErrNotEditing is returned by draft operations on a row in Viewing state.
var ErrNotEditing = errors.New("category is not being edited")

// Board is the per-session budget screen: the owner's category list as last
// fetched and the edit state of each row. Two boards for one owner behave
// like two browser tabs; neither sees the other's writes until it refreshes.
type Board struct {
	svc   *Service
	owner string

	mu         sync.Mutex
	categories []core.Category
	rows       map[int64]RowState
	loadedAt   time.Time
}

func NewBoard(svc *Service, owner string) *Board {
	return &Board{
		svc:   svc,
		owner: owner,
		rows:  make(map[int64]RowState),
	}
}

func (b *Board) Owner() string { return b.owner }

// Loaded reports whether the board has fetched its list at least once.
func (b *Board) Loaded() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.loadedAt.IsZero()
}

// Refresh re-reads the full category list. Edit states of rows that vanished
// are dropped; the cache is kept as it was when the read fails.
func (b *Board) Refresh(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.refreshLocked(ctx)
}

func (b *Board) refreshLocked(ctx context.Context) error {
	cats, err := b.svc.ListCategories(ctx, b.owner)
	if err != nil {
		return err
	}
	b.categories = cats
	b.loadedAt = b.svc.now()

	present := make(map[int64]struct{}, len(cats))
	for _, c := range cats {
		present[c.ID] = struct{}{}
	}
	for id := range b.rows {
		if _, ok := present[id]; !ok {
			delete(b.rows, id)
		}
	}
	return nil
}

// Categories returns a copy of the cached list.
func (b *Board) Categories() []core.Category {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]core.Category, len(b.categories))
	copy(out, b.categories)
	return out
}

// Category looks id up in the cached list only.
func (b *Board) Category(id int64) (core.Category, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cachedLocked(id)
}

func (b *Board) cachedLocked(id int64) (core.Category, bool) {
	for _, c := range b.categories {
		if c.ID == id {
			return c, true
		}
	}
	return core.Category{}, false
}

// State returns the row state of id. Rows never touched are Viewing.
func (b *Board) State(id int64) RowState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked(id)
}

func (b *Board) stateLocked(id int64) RowState {
	if st, ok := b.rows[id]; ok {
		return st
	}
	return Viewing{}
}

// CreateCategory inserts a category and refreshes the list. A blank name is
// rejected with no insert and no refresh.
func (b *Board) CreateCategory(ctx context.Context, name string) (core.Category, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	created, err := b.svc.CreateCategory(ctx, b.owner, name)
	if core.IsValidationError(err) {
		return core.Category{}, err
	}
	return created, errors.Join(err, b.refreshLocked(ctx))
}

// BeginEdit moves id from Viewing to Editing, seeding the draft from the
// cached row. A row already in Editing keeps its draft.
func (b *Board) BeginEdit(id int64) (core.CategoryDraft, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cat, ok := b.cachedLocked(id)
	if !ok {
		return core.CategoryDraft{}, fmt.Errorf("begin edit %d: %w", id, core.ErrUnknownCategory)
	}
	if draft, editing := IsEditing(b.stateLocked(id)); editing {
		return draft, nil
	}
	draft := cat.Draft()
	b.rows[id] = Editing{Draft: draft}
	return draft, nil
}

// UpdateDraft replaces the draft of a row in Editing.
func (b *Board) UpdateDraft(id int64, draft core.CategoryDraft) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := IsEditing(b.stateLocked(id)); !ok {
		return fmt.Errorf("update draft %d: %w", id, ErrNotEditing)
	}
	b.rows[id] = Editing{Draft: draft}
	return nil
}

// CancelEdit discards the draft and returns id to Viewing.
func (b *Board) CancelEdit(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.rows, id)
}

// SaveEdit persists the draft allocation, then returns the row to Viewing
// whether or not the write succeeded, then refreshes. Only the allocation
// is written; the draft name is not persisted.
func (b *Board) SaveEdit(ctx context.Context, id int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	draft, ok := IsEditing(b.stateLocked(id))
	if !ok {
		return fmt.Errorf("save edit %d: %w", id, ErrNotEditing)
	}
	err := b.svc.EditAllocation(ctx, b.owner, id, draft.Allocated)
	delete(b.rows, id)
	return errors.Join(err, b.refreshLocked(ctx))
}

// AddLineItem records amount against the cached row of categoryID and
// refreshes regardless of the outcome. Input rejected by validation, or a
// category missing from the cache, never reaches the store.
func (b *Board) AddLineItem(ctx context.Context, categoryID int64, amount core.Money) (LineItemResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	probe := core.LineItem{Owner: b.owner, CategoryID: categoryID, Amount: amount}
	if err := probe.Validate(); err != nil {
		return LineItemResult{}, err
	}
	cached, ok := b.cachedLocked(categoryID)
	if !ok {
		return LineItemResult{}, fmt.Errorf("add line item to %d: %w", categoryID, core.ErrUnknownCategory)
	}

	res, err := b.svc.AddLineItem(ctx, b.owner, cached, amount)
	return res, errors.Join(err, b.refreshLocked(ctx))
}

// Row is one category as the screen shows it.
type Row struct {
	Category   core.Category
	Remaining  core.Money
	SpentRatio float64
	State      RowState
}

// View is a snapshot of the board.
type View struct {
	Owner    string
	Rows     []Row
	Summary  core.BudgetSummary
	LoadedAt time.Time
}

// View snapshots the cached list without touching the store.
func (b *Board) View() View {
	b.mu.Lock()
	defer b.mu.Unlock()

	rows := make([]Row, 0, len(b.categories))
	for _, c := range b.categories {
		rows = append(rows, Row{
			Category:   c,
			Remaining:  c.Remaining(),
			SpentRatio: c.SpentRatio(),
			State:      b.stateLocked(c.ID),
		})
	}
	return View{
		Owner:    b.owner,
		Rows:     rows,
		Summary:  core.Summarize(b.categories),
		LoadedAt: b.loadedAt,
	}
}
