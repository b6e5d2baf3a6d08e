package storage

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
)

type DBTX interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
	QueryContext(context.Context, string, ...any) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...any) *sql.Row
}

// Dialect names a supported SQL backend. It doubles as the migrations
// subdirectory.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Queries runs the statements below against a connection or transaction.
// Statements are written with ? placeholders and rebound for Postgres.
type Queries struct {
	db      DBTX
	dialect Dialect
}

func NewQueries(db DBTX, dialect Dialect) *Queries {
	return &Queries{db: db, dialect: dialect}
}

func (q *Queries) WithTx(tx *sql.Tx) *Queries {
	return &Queries{db: tx, dialect: q.dialect}
}

func (q *Queries) bind(query string) string {
	if q.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type BudgetCategory struct {
	ID             int64
	OwnerID        string
	Name           string
	AllocatedCents int64
	SpentCents     int64
	Version        int64
}

type BudgetItem struct {
	ID          int64
	OwnerID     string
	CategoryID  int64
	AmountCents int64
	CreatedAt   int64
}

type User struct {
	ID          string
	DisplayName string
	Email       string
	AvatarURL   string
}

const categoryColumns = `id, owner_id, name, allocated_cents, spent_cents, version`

func scanCategory(row interface{ Scan(...any) error }) (BudgetCategory, error) {
	var c BudgetCategory
	err := row.Scan(&c.ID, &c.OwnerID, &c.Name, &c.AllocatedCents, &c.SpentCents, &c.Version)
	return c, err
}

const listCategories = `SELECT ` + categoryColumns + `
FROM budget_categories
WHERE owner_id = ?
ORDER BY id`

func (q *Queries) ListCategories(ctx context.Context, ownerID string) ([]BudgetCategory, error) {
	rows, err := q.db.QueryContext(ctx, q.bind(listCategories), ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []BudgetCategory
	for rows.Next() {
		c, err := scanCategory(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

const getCategory = `SELECT ` + categoryColumns + `
FROM budget_categories
WHERE id = ? AND owner_id = ?`

func (q *Queries) GetCategory(ctx context.Context, id int64, ownerID string) (BudgetCategory, error) {
	return scanCategory(q.db.QueryRowContext(ctx, q.bind(getCategory), id, ownerID))
}

const createCategory = `INSERT INTO budget_categories (owner_id, name, allocated_cents, spent_cents, version, created_at, updated_at)
VALUES (?, ?, ?, ?, 1, ?, ?)
RETURNING ` + categoryColumns

type CreateCategoryParams struct {
	OwnerID        string
	Name           string
	AllocatedCents int64
	SpentCents     int64
	Now            int64
}

func (q *Queries) CreateCategory(ctx context.Context, arg CreateCategoryParams) (BudgetCategory, error) {
	row := q.db.QueryRowContext(ctx, q.bind(createCategory),
		arg.OwnerID, arg.Name, arg.AllocatedCents, arg.SpentCents, arg.Now, arg.Now)
	return scanCategory(row)
}

const updateAllocation = `UPDATE budget_categories
SET allocated_cents = ?, version = version + 1, updated_at = ?
WHERE id = ? AND owner_id = ?`

func (q *Queries) UpdateAllocation(ctx context.Context, id int64, ownerID string, cents, now int64) (int64, error) {
	res, err := q.db.ExecContext(ctx, q.bind(updateAllocation), cents, now, id, ownerID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const addSpent = `UPDATE budget_categories
SET spent_cents = spent_cents + ?, version = version + 1, updated_at = ?
WHERE id = ? AND owner_id = ?
RETURNING ` + categoryColumns

func (q *Queries) AddSpent(ctx context.Context, id int64, ownerID string, delta, now int64) (BudgetCategory, error) {
	return scanCategory(q.db.QueryRowContext(ctx, q.bind(addSpent), delta, now, id, ownerID))
}

const setSpent = `UPDATE budget_categories
SET spent_cents = ?, version = version + 1, updated_at = ?
WHERE id = ? AND owner_id = ?`

func (q *Queries) SetSpent(ctx context.Context, id int64, ownerID string, cents, now int64) (int64, error) {
	res, err := q.db.ExecContext(ctx, q.bind(setSpent), cents, now, id, ownerID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const setSpentIfVersion = `UPDATE budget_categories
SET spent_cents = ?, version = version + 1, updated_at = ?
WHERE id = ? AND owner_id = ? AND version = ?`

func (q *Queries) SetSpentIfVersion(ctx context.Context, id int64, ownerID string, version, cents, now int64) (int64, error) {
	res, err := q.db.ExecContext(ctx, q.bind(setSpentIfVersion), cents, now, id, ownerID, version)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// The SELECT yields no row, and so inserts nothing, unless the category
// belongs to the same owner.
const createItem = `INSERT INTO budget_items (owner_id, category_id, amount_cents, created_at, applied, spent_after_cents)
SELECT CAST(? AS TEXT), id, CAST(? AS BIGINT), CAST(? AS BIGINT), CAST(? AS INTEGER), CAST(? AS BIGINT)
FROM budget_categories
WHERE id = ? AND owner_id = ?
RETURNING id`

type CreateItemParams struct {
	OwnerID     string
	CategoryID  int64
	AmountCents int64
	CreatedAt   int64
	// Applied is false while the amount is not yet part of spent.
	Applied    bool
	SpentAfter sql.NullInt64
}

func (q *Queries) CreateItem(ctx context.Context, arg CreateItemParams) (int64, error) {
	var applied int64
	if arg.Applied {
		applied = 1
	}
	var id int64
	err := q.db.QueryRowContext(ctx, q.bind(createItem),
		arg.OwnerID, arg.AmountCents, arg.CreatedAt, applied, arg.SpentAfter, arg.CategoryID, arg.OwnerID).Scan(&id)
	return id, err
}

// Only an unapplied item is claimed; a zero row count means someone else
// counted it already.
const markItemApplied = `UPDATE budget_items
SET applied = 1, spent_after_cents = ?
WHERE id = ? AND owner_id = ? AND category_id = ? AND applied = 0`

func (q *Queries) MarkItemApplied(ctx context.Context, id int64, ownerID string, categoryID, spentAfter int64) (int64, error) {
	res, err := q.db.ExecContext(ctx, q.bind(markItemApplied), spentAfter, id, ownerID, categoryID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const listItems = `SELECT id, owner_id, category_id, amount_cents, created_at
FROM budget_items
WHERE owner_id = ? AND category_id = ?
ORDER BY id`

func (q *Queries) ListItems(ctx context.Context, ownerID string, categoryID int64) ([]BudgetItem, error) {
	rows, err := q.db.QueryContext(ctx, q.bind(listItems), ownerID, categoryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []BudgetItem
	for rows.Next() {
		var i BudgetItem
		if err := rows.Scan(&i.ID, &i.OwnerID, &i.CategoryID, &i.AmountCents, &i.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	return items, rows.Err()
}

type ItemBalance struct {
	CategoryID  int64
	ItemID      sql.NullInt64
	AmountCents sql.NullInt64
	Applied     sql.NullInt64
}

// One row per line item, plus a row with NULL item columns for every
// category that has none. A single statement so the reconciler works from
// one snapshot.
const listItemBalances = `SELECT c.id, i.id, i.amount_cents, i.applied
FROM budget_categories c
LEFT JOIN budget_items i ON i.category_id = c.id AND i.owner_id = c.owner_id
WHERE c.owner_id = ?
ORDER BY c.id, i.id`

func (q *Queries) ListItemBalances(ctx context.Context, ownerID string) ([]ItemBalance, error) {
	rows, err := q.db.QueryContext(ctx, q.bind(listItemBalances), ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ItemBalance
	for rows.Next() {
		var b ItemBalance
		if err := rows.Scan(&b.CategoryID, &b.ItemID, &b.AmountCents, &b.Applied); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

const listOwners = `SELECT DISTINCT owner_id FROM budget_categories ORDER BY owner_id`

func (q *Queries) ListOwners(ctx context.Context) ([]string, error) {
	rows, err := q.db.QueryContext(ctx, listOwners)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var o string
		if err := rows.Scan(&o); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

type PendingItem struct {
	ID           int64
	OwnerID      string
	CategoryID   int64
	CategoryName string
	AmountCents  int64
	SpentAfter   int64
	CreatedAt    int64
}

// Unapplied items wait until spent includes them. Items recorded before
// spent_after_cents existed fall back to the category's current spent.
const getPendingItems = `SELECT i.id, i.owner_id, i.category_id, c.name, i.amount_cents, COALESCE(i.spent_after_cents, c.spent_cents), i.created_at
FROM budget_items i
JOIN budget_categories c ON c.id = i.category_id AND c.owner_id = i.owner_id
WHERE i.sync_status IN ('pending', 'error') AND i.applied = 1
ORDER BY i.id
LIMIT ?`

func (q *Queries) GetPendingItems(ctx context.Context, limit int64) ([]PendingItem, error) {
	rows, err := q.db.QueryContext(ctx, q.bind(getPendingItems), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PendingItem
	for rows.Next() {
		var p PendingItem
		if err := rows.Scan(&p.ID, &p.OwnerID, &p.CategoryID, &p.CategoryName, &p.AmountCents, &p.SpentAfter, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

const markItemSynced = `UPDATE budget_items
SET sync_status = 'synced', synced_at = ?, sheets_ref = ?
WHERE id = ?`

func (q *Queries) MarkItemSynced(ctx context.Context, id int64, ref string, now int64) error {
	_, err := q.db.ExecContext(ctx, q.bind(markItemSynced), now, ref, id)
	return err
}

const markItemSyncError = `UPDATE budget_items
SET sync_status = 'error'
WHERE id = ? AND sync_status <> 'synced'`

func (q *Queries) MarkItemSyncError(ctx context.Context, id int64) error {
	_, err := q.db.ExecContext(ctx, q.bind(markItemSyncError), id)
	return err
}

const upsertUser = `INSERT INTO users (id, display_name, email, avatar_url, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
    display_name = excluded.display_name,
    email = excluded.email,
    avatar_url = excluded.avatar_url,
    updated_at = excluded.updated_at`

func (q *Queries) UpsertUser(ctx context.Context, u User, now int64) error {
	_, err := q.db.ExecContext(ctx, q.bind(upsertUser), u.ID, u.DisplayName, u.Email, u.AvatarURL, now, now)
	return err
}

const getUser = `SELECT id, display_name, email, avatar_url FROM users WHERE id = ?`

func (q *Queries) GetUser(ctx context.Context, id string) (User, error) {
	var u User
	err := q.db.QueryRowContext(ctx, q.bind(getUser), id).Scan(&u.ID, &u.DisplayName, &u.Email, &u.AvatarURL)
	return u, err
}
