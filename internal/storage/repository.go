package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"wedplan/internal/core"
	"wedplan/internal/log"

	_ "modernc.org/sqlite"
)

// Repository is the SQL store behind the ledger, the user table and the
// export bookkeeping. The same code serves SQLite and Postgres.
type Repository struct {
	db      *sql.DB
	queries *Queries
	dialect Dialect
	logger  *log.Logger
	now     func() time.Time
}

func sqliteDSN(dbPath string) string {
	return "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)"
}

func NewSQLiteRepository(dbPath string, logger *log.Logger) (*Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", sqliteDSN(dbPath))
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// One writer at a time; the spent increment relies on it.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := RunMigrations(dbPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return newRepository(db, DialectSQLite, logger), nil
}

func newRepository(db *sql.DB, dialect Dialect, logger *log.Logger) *Repository {
	if logger == nil {
		logger = log.Discard()
	}
	return &Repository{
		db:      db,
		queries: NewQueries(db, dialect),
		dialect: dialect,
		logger:  logger.WithComponent(log.ComponentStorage).With("dialect", string(dialect)),
		now:     time.Now,
	}
}

func (r *Repository) Dialect() Dialect { return r.dialect }

func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *Repository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

func (r *Repository) millis() int64 { return r.now().UnixMilli() }

func toCategory(c BudgetCategory) core.Category {
	return core.Category{
		ID:        c.ID,
		Owner:     c.OwnerID,
		Name:      c.Name,
		Allocated: core.Money{Cents: c.AllocatedCents},
		Spent:     core.Money{Cents: c.SpentCents},
		Version:   c.Version,
	}
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return core.ErrCategoryNotFound
	}
	return err
}

func affected(n int64, err error) error {
	if err != nil {
		return err
	}
	if n == 0 {
		return core.ErrCategoryNotFound
	}
	return nil
}

func (r *Repository) ListCategories(ctx context.Context, owner string) ([]core.Category, error) {
	rows, err := r.queries.ListCategories(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	out := make([]core.Category, len(rows))
	for i, c := range rows {
		out[i] = toCategory(c)
	}
	return out, nil
}

func (r *Repository) GetCategory(ctx context.Context, owner string, id int64) (core.Category, error) {
	c, err := r.queries.GetCategory(ctx, id, owner)
	if err != nil {
		return core.Category{}, fmt.Errorf("get category %d: %w", id, notFound(err))
	}
	return toCategory(c), nil
}

func (r *Repository) InsertCategory(ctx context.Context, c core.Category) (core.Category, error) {
	if err := c.Validate(); err != nil {
		return core.Category{}, err
	}
	row, err := r.queries.CreateCategory(ctx, CreateCategoryParams{
		OwnerID:        c.Owner,
		Name:           c.Name,
		AllocatedCents: c.Allocated.Cents,
		SpentCents:     c.Spent.Cents,
		Now:            r.millis(),
	})
	if err != nil {
		return core.Category{}, fmt.Errorf("create category: %w", err)
	}
	return toCategory(row), nil
}

func (r *Repository) UpdateAllocation(ctx context.Context, owner string, id int64, allocated core.Money) error {
	if err := affected(r.queries.UpdateAllocation(ctx, id, owner, allocated.Cents, r.millis())); err != nil {
		return fmt.Errorf("update allocation of %d: %w", id, err)
	}
	return nil
}

// InsertLineItem stores an item whose amount counts as part of spent from
// the start. The caller moves spent itself.
func (r *Repository) InsertLineItem(ctx context.Context, item core.LineItem) (core.LineItem, error) {
	return r.insertItem(ctx, r.queries, item, true)
}

// InsertPendingLineItem stores an item that ApplyLineItem, or a reconcile
// repair, later folds into spent.
func (r *Repository) InsertPendingLineItem(ctx context.Context, item core.LineItem) (core.LineItem, error) {
	item.SpentAfter = core.Money{}
	return r.insertItem(ctx, r.queries, item, false)
}

func (r *Repository) insertItem(ctx context.Context, q *Queries, item core.LineItem, applied bool) (core.LineItem, error) {
	if err := item.Validate(); err != nil {
		return core.LineItem{}, err
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = r.now().UTC()
	}
	id, err := q.CreateItem(ctx, CreateItemParams{
		OwnerID:     item.Owner,
		CategoryID:  item.CategoryID,
		AmountCents: item.Amount.Cents,
		CreatedAt:   item.CreatedAt.UnixMilli(),
		Applied:     applied,
		SpentAfter:  sql.NullInt64{Int64: item.SpentAfter.Cents, Valid: item.SpentAfter.Cents != 0},
	})
	if err != nil {
		return core.LineItem{}, fmt.Errorf("insert line item: %w", notFound(err))
	}
	item.ID = id
	return item, nil
}

// RecordLineItem increments spent and inserts the item in one transaction.
func (r *Repository) RecordLineItem(ctx context.Context, item core.LineItem) (core.LineItem, core.Category, error) {
	if err := item.Validate(); err != nil {
		return core.LineItem{}, core.Category{}, err
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return core.LineItem{}, core.Category{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	qtx := r.queries.WithTx(tx)
	cat, err := qtx.AddSpent(ctx, item.CategoryID, item.Owner, item.Amount.Cents, r.millis())
	if err != nil {
		return core.LineItem{}, core.Category{}, fmt.Errorf("increment spent: %w", notFound(err))
	}
	item.SpentAfter = core.Money{Cents: cat.SpentCents}
	stored, err := r.insertItem(ctx, qtx, item, true)
	if err != nil {
		return core.LineItem{}, core.Category{}, err
	}
	if err := tx.Commit(); err != nil {
		return core.LineItem{}, core.Category{}, fmt.Errorf("commit line item: %w", err)
	}
	return stored, toCategory(cat), nil
}

// ApplyLineItem moves spent to the given value while the category is still
// at version and claims the pending item in the same transaction. Both rows
// are locked category first, the same order RepairSpent uses.
func (r *Repository) ApplyLineItem(ctx context.Context, item core.LineItem, version int64, spent core.Money) (core.ApplyOutcome, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return core.ApplyConflict, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	qtx := r.queries.WithTx(tx)
	n, err := qtx.SetSpentIfVersion(ctx, item.CategoryID, item.Owner, version, spent.Cents, r.millis())
	if err != nil {
		return core.ApplyConflict, fmt.Errorf("apply line item %d: %w", item.ID, err)
	}
	if n == 0 {
		tx.Rollback()
		if _, err := r.queries.GetCategory(ctx, item.CategoryID, item.Owner); err != nil {
			return core.ApplyConflict, fmt.Errorf("apply line item %d: %w", item.ID, notFound(err))
		}
		return core.ApplyConflict, nil
	}
	n, err = qtx.MarkItemApplied(ctx, item.ID, item.Owner, item.CategoryID, spent.Cents)
	if err != nil {
		return core.ApplyConflict, fmt.Errorf("claim line item %d: %w", item.ID, err)
	}
	if n == 0 {
		return core.AlreadyApplied, nil
	}
	if err := tx.Commit(); err != nil {
		return core.ApplyConflict, fmt.Errorf("commit line item %d: %w", item.ID, err)
	}
	return core.Applied, nil
}

// RepairSpent sets spent while the category is still at version. On
// success it also claims the unapplied items the new value already counts,
// so their writers do not add them a second time.
func (r *Repository) RepairSpent(ctx context.Context, owner string, id, version int64, spent core.Money, unapplied []int64) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	qtx := r.queries.WithTx(tx)
	n, err := qtx.SetSpentIfVersion(ctx, id, owner, version, spent.Cents, r.millis())
	if err != nil {
		return false, fmt.Errorf("repair spent of %d: %w", id, err)
	}
	if n == 0 {
		tx.Rollback()
		if _, err := r.queries.GetCategory(ctx, id, owner); err != nil {
			return false, fmt.Errorf("repair spent of %d: %w", id, notFound(err))
		}
		return false, nil
	}
	for _, itemID := range unapplied {
		if _, err := qtx.MarkItemApplied(ctx, itemID, owner, id, spent.Cents); err != nil {
			return false, fmt.Errorf("claim line item %d: %w", itemID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit repair of %d: %w", id, err)
	}
	return true, nil
}

func (r *Repository) SetSpent(ctx context.Context, owner string, id int64, spent core.Money) error {
	if err := affected(r.queries.SetSpent(ctx, id, owner, spent.Cents, r.millis())); err != nil {
		return fmt.Errorf("set spent of %d: %w", id, err)
	}
	return nil
}

func (r *Repository) ListLineItems(ctx context.Context, owner string, categoryID int64) ([]core.LineItem, error) {
	rows, err := r.queries.ListItems(ctx, owner, categoryID)
	if err != nil {
		return nil, fmt.Errorf("list line items: %w", err)
	}
	out := make([]core.LineItem, len(rows))
	for i, it := range rows {
		out[i] = core.LineItem{
			ID:         it.ID,
			Owner:      it.OwnerID,
			CategoryID: it.CategoryID,
			Amount:     core.Money{Cents: it.AmountCents},
			CreatedAt:  time.UnixMilli(it.CreatedAt).UTC(),
		}
	}
	return out, nil
}

// LineItemTotals sums line item amounts per category of owner, applied or
// not, and lists the unapplied ones. Categories without items are present
// with a zero total.
func (r *Repository) LineItemTotals(ctx context.Context, owner string) (map[int64]core.ItemTotal, error) {
	rows, err := r.queries.ListItemBalances(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("line item totals: %w", err)
	}
	out := map[int64]core.ItemTotal{}
	for _, b := range rows {
		t := out[b.CategoryID]
		if b.ItemID.Valid {
			t.Sum = t.Sum.Add(core.Money{Cents: b.AmountCents.Int64})
			if b.Applied.Int64 == 0 {
				t.Unapplied = append(t.Unapplied, b.ItemID.Int64)
			}
		}
		out[b.CategoryID] = t
	}
	return out, nil
}

func (r *Repository) Owners(ctx context.Context) ([]string, error) {
	owners, err := r.queries.ListOwners(ctx)
	if err != nil {
		return nil, fmt.Errorf("list owners: %w", err)
	}
	return owners, nil
}

// PendingExports returns applied line items not yet written to the
// spreadsheet, oldest first. SpentAfter is the spent recorded with the item.
func (r *Repository) PendingExports(ctx context.Context, limit int) ([]core.LedgerEntry, error) {
	rows, err := r.queries.GetPendingItems(ctx, int64(limit))
	if err != nil {
		return nil, fmt.Errorf("get pending exports: %w", err)
	}
	out := make([]core.LedgerEntry, len(rows))
	for i, p := range rows {
		out[i] = core.LedgerEntry{
			ItemID:       p.ID,
			Owner:        p.OwnerID,
			CategoryID:   p.CategoryID,
			CategoryName: p.CategoryName,
			Amount:       core.Money{Cents: p.AmountCents},
			SpentAfter:   core.Money{Cents: p.SpentAfter},
			RecordedAt:   time.UnixMilli(p.CreatedAt).UTC(),
		}
	}
	return out, nil
}

func (r *Repository) MarkExported(ctx context.Context, itemID int64, ref string) error {
	if err := r.queries.MarkItemSynced(ctx, itemID, ref, r.millis()); err != nil {
		return fmt.Errorf("mark line item exported: %w", err)
	}
	r.logger.DebugContext(ctx, "line item marked exported", log.FieldItemID, itemID, log.FieldSheetsRef, ref)
	return nil
}

func (r *Repository) MarkExportFailed(ctx context.Context, itemID int64) error {
	if err := r.queries.MarkItemSyncError(ctx, itemID); err != nil {
		return fmt.Errorf("mark line item export error: %w", err)
	}
	r.logger.WarnContext(ctx, "line item export marked failed", log.FieldItemID, itemID)
	return nil
}

func (r *Repository) UpsertUser(ctx context.Context, u core.Identity) error {
	if err := u.Validate(); err != nil {
		return err
	}
	err := r.queries.UpsertUser(ctx, User{
		ID:          u.UID,
		DisplayName: u.DisplayName,
		Email:       u.Email,
		AvatarURL:   u.AvatarURL,
	}, r.millis())
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

func (r *Repository) GetUser(ctx context.Context, uid string) (core.Identity, bool, error) {
	u, err := r.queries.GetUser(ctx, uid)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Identity{}, false, nil
	}
	if err != nil {
		return core.Identity{}, false, fmt.Errorf("get user: %w", err)
	}
	return core.Identity{UID: u.ID, DisplayName: u.DisplayName, Email: u.Email, AvatarURL: u.AvatarURL}, true, nil
}
