package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"wedplan/internal/core"
	"wedplan/internal/log"
)

// Store is the row-level persistence the ledger needs. Every method is scoped
// by owner; a row belonging to another owner behaves as if it did not exist
// and yields core.ErrCategoryNotFound.
type Store interface {
	ListCategories(ctx context.Context, owner string) ([]core.Category, error)
	GetCategory(ctx context.Context, owner string, id int64) (core.Category, error)
	InsertCategory(ctx context.Context, c core.Category) (core.Category, error)
	UpdateAllocation(ctx context.Context, owner string, id int64, allocated core.Money) error

	// InsertLineItem stores the item without touching the category's spent.
	// The item counts toward spent immediately.
	InsertLineItem(ctx context.Context, item core.LineItem) (core.LineItem, error)
	// InsertPendingLineItem stores the item as not yet counted in spent.
	InsertPendingLineItem(ctx context.Context, item core.LineItem) (core.LineItem, error)
	// ApplyLineItem sets spent while the category is at version and marks
	// the pending item counted, as one unit. It reports AlreadyApplied, and
	// writes nothing, when the item was counted by someone else.
	ApplyLineItem(ctx context.Context, item core.LineItem, version int64, spent core.Money) (core.ApplyOutcome, error)
	// RecordLineItem stores the item and adds its amount to the category's
	// spent in a single transaction, returning the updated category.
	RecordLineItem(ctx context.Context, item core.LineItem) (core.LineItem, core.Category, error)
	// SetSpent overwrites spent unconditionally.
	SetSpent(ctx context.Context, owner string, id int64, spent core.Money) error

	ListLineItems(ctx context.Context, owner string, categoryID int64) ([]core.LineItem, error)
}

// EventPublisher receives recorded line items for asynchronous consumers.
type EventPublisher interface {
	PublishLineItemRecorded(ctx context.Context, entry core.LedgerEntry) error
}

// SpentStrategy selects how AddLineItem moves a category's spent total.
type SpentStrategy string

const (
	// StrategyAtomic increments spent inside the store, in the same
	// transaction as the item insert.
	StrategyAtomic SpentStrategy = "atomic"
	// StrategyVersioned re-reads the category and compare-and-sets spent on
	// its version, retrying on conflict.
	StrategyVersioned SpentStrategy = "versioned"
	// StrategyLastWriteWins writes cached spent + amount after a separate
	// insert. Concurrent writers lose updates.
	StrategyLastWriteWins SpentStrategy = "last-write-wins"
)

const defaultMaxRetries = 5

func ParseSpentStrategy(s string) (SpentStrategy, error) {
	switch SpentStrategy(strings.ToLower(strings.TrimSpace(s))) {
	case "", StrategyAtomic:
		return StrategyAtomic, nil
	case StrategyVersioned:
		return StrategyVersioned, nil
	case StrategyLastWriteWins, "lww", "legacy":
		return StrategyLastWriteWins, nil
	default:
		return "", fmt.Errorf("unknown spent strategy %q", s)
	}
}

type Options struct {
	Strategy   SpentStrategy
	MaxRetries int
	Publisher  EventPublisher
	Logger     *log.Logger
	Now        func() time.Time
}

// Stats are monotonically increasing counters exposed on /metrics.
type Stats struct {
	CategoriesCreated int64
	AllocationsEdited int64
	LineItemsRecorded int64
	VersionConflicts  int64
	StoreFailures     int64
}

// Service implements the budget ledger operations for any owner.
type Service struct {
	store      Store
	strategy   SpentStrategy
	maxRetries int
	publisher  EventPublisher
	logger     *log.Logger
	now        func() time.Time

	categoriesCreated atomic.Int64
	allocationsEdited atomic.Int64
	lineItemsRecorded atomic.Int64
	versionConflicts  atomic.Int64
	storeFailures     atomic.Int64
}

func New(store Store, opts Options) *Service {
	if opts.Strategy == "" {
		opts.Strategy = StrategyAtomic
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.Logger == nil {
		opts.Logger = log.Discard()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		store:      store,
		strategy:   opts.Strategy,
		maxRetries: opts.MaxRetries,
		publisher:  opts.Publisher,
		logger:     opts.Logger.WithComponent(log.ComponentLedger),
		now:        opts.Now,
	}
}

func (s *Service) Strategy() SpentStrategy { return s.strategy }

func (s *Service) Stats() Stats {
	return Stats{
		CategoriesCreated: s.categoriesCreated.Load(),
		AllocationsEdited: s.allocationsEdited.Load(),
		LineItemsRecorded: s.lineItemsRecorded.Load(),
		VersionConflicts:  s.versionConflicts.Load(),
		StoreFailures:     s.storeFailures.Load(),
	}
}

// ListCategories returns the owner's categories in insertion order.
func (s *Service) ListCategories(ctx context.Context, owner string) ([]core.Category, error) {
	if strings.TrimSpace(owner) == "" {
		return nil, core.ErrEmptyOwner
	}
	cats, err := s.store.ListCategories(ctx, owner)
	if err != nil {
		s.storeFailed(ctx, log.OpList, err, log.NewFields().WithOwner(owner))
		return nil, fmt.Errorf("list categories: %w", err)
	}
	return cats, nil
}

// CreateCategory inserts a category with zero allocation and spend. Blank
// names are rejected without touching the store.
func (s *Service) CreateCategory(ctx context.Context, owner, name string) (core.Category, error) {
	c, err := core.NewCategory(owner, name)
	if err != nil {
		return core.Category{}, err
	}
	created, err := s.store.InsertCategory(ctx, c)
	if err != nil {
		s.storeFailed(ctx, log.OpCreate, err, log.NewFields().WithOwner(owner).With(log.FieldCategoryName, c.Name))
		return core.Category{}, fmt.Errorf("create category: %w", err)
	}
	s.categoriesCreated.Add(1)
	s.logger.InfoContext(ctx, "category created",
		log.FieldOwner, owner, log.FieldCategoryID, created.ID, log.FieldCategoryName, created.Name)
	return created, nil
}

// EditAllocation overwrites allocated and nothing else. Any value is
// accepted, including zero and negatives.
func (s *Service) EditAllocation(ctx context.Context, owner string, id int64, allocated core.Money) error {
	if strings.TrimSpace(owner) == "" {
		return core.ErrEmptyOwner
	}
	if id == 0 {
		return core.ErrMissingCategory
	}
	if err := s.store.UpdateAllocation(ctx, owner, id, allocated); err != nil {
		if !errors.Is(err, core.ErrCategoryNotFound) {
			s.storeFailed(ctx, log.OpUpdate, err, log.NewFields().WithCategory(owner, id))
		}
		return fmt.Errorf("edit allocation: %w", err)
	}
	s.allocationsEdited.Add(1)
	s.logger.InfoContext(ctx, "allocation updated",
		log.FieldOwner, owner, log.FieldCategoryID, id, log.FieldAllocated, allocated.Cents)
	return nil
}

// LineItemResult is what AddLineItem managed to persist. Category reflects
// the spent value the ledger believes was written.
type LineItemResult struct {
	Item     core.LineItem
	Category core.Category
}

// AddLineItem records amount against cached, the caller's view of the
// category. Invalid input is rejected before any store call.
func (s *Service) AddLineItem(ctx context.Context, owner string, cached core.Category, amount core.Money) (LineItemResult, error) {
	item := core.LineItem{
		Owner:      strings.TrimSpace(owner),
		CategoryID: cached.ID,
		Amount:     amount,
		CreatedAt:  s.now().UTC(),
	}
	if err := item.Validate(); err != nil {
		return LineItemResult{}, err
	}

	var (
		res LineItemResult
		err error
	)
	switch s.strategy {
	case StrategyVersioned:
		res, err = s.addVersioned(ctx, item)
	case StrategyLastWriteWins:
		res, err = s.addLastWriteWins(ctx, item, cached)
	default:
		res, err = s.addAtomic(ctx, item)
	}
	if err != nil {
		return res, err
	}

	s.lineItemsRecorded.Add(1)
	s.logger.InfoContext(ctx, "line item recorded",
		log.FieldOwner, owner,
		log.FieldCategoryID, cached.ID,
		log.FieldItemID, res.Item.ID,
		log.FieldAmountCents, amount.Cents,
		log.FieldSpentCents, res.Category.Spent.Cents,
		log.FieldStrategy, string(s.strategy))
	s.publish(ctx, res)
	return res, nil
}

func (s *Service) addAtomic(ctx context.Context, item core.LineItem) (LineItemResult, error) {
	stored, cat, err := s.store.RecordLineItem(ctx, item)
	if err != nil {
		s.recordFailed(ctx, item, err)
		return LineItemResult{}, fmt.Errorf("record line item: %w", err)
	}
	return LineItemResult{Item: stored, Category: cat}, nil
}

// addVersioned stores the item as pending, then folds it into spent with a
// version check. When retries run out the item stays pending and the
// reconciler counts it.
func (s *Service) addVersioned(ctx context.Context, item core.LineItem) (LineItemResult, error) {
	stored, err := s.store.InsertPendingLineItem(ctx, item)
	if err != nil {
		s.recordFailed(ctx, item, err)
		return LineItemResult{}, fmt.Errorf("insert line item: %w", err)
	}

	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return LineItemResult{Item: stored}, err
		}
		cat, err := s.store.GetCategory(ctx, item.Owner, item.CategoryID)
		if err != nil {
			s.recordFailed(ctx, item, err)
			return LineItemResult{Item: stored}, fmt.Errorf("read category: %w", err)
		}
		spent := cat.Spent.Add(item.Amount)
		outcome, err := s.store.ApplyLineItem(ctx, stored, cat.Version, spent)
		if err != nil {
			s.recordFailed(ctx, item, err)
			return LineItemResult{Item: stored}, fmt.Errorf("update spent: %w", err)
		}
		switch outcome {
		case core.Applied:
			cat.Spent = spent
			cat.Version++
			stored.SpentAfter = spent
			return LineItemResult{Item: stored, Category: cat}, nil
		case core.AlreadyApplied:
			s.logger.DebugContext(ctx, "line item already counted by reconciler",
				log.FieldCategoryID, cat.ID, log.FieldItemID, stored.ID)
			if cat, err = s.store.GetCategory(ctx, item.Owner, item.CategoryID); err != nil {
				s.recordFailed(ctx, item, err)
				return LineItemResult{Item: stored}, fmt.Errorf("read category: %w", err)
			}
			stored.SpentAfter = cat.Spent
			return LineItemResult{Item: stored, Category: cat}, nil
		}
		s.versionConflicts.Add(1)
		s.logger.DebugContext(ctx, "spent update lost version race, retrying",
			log.FieldCategoryID, cat.ID, "version", cat.Version, "attempt", attempt+1)
	}
	return LineItemResult{Item: stored}, fmt.Errorf("update spent after %d attempts: %w", s.maxRetries+1, core.ErrVersionConflict)
}

// addLastWriteWins runs both steps even when the insert fails and reports
// every failure.
func (s *Service) addLastWriteWins(ctx context.Context, item core.LineItem, cached core.Category) (LineItemResult, error) {
	spent := cached.Spent.Add(item.Amount)
	item.SpentAfter = spent
	stored, insertErr := s.store.InsertLineItem(ctx, item)
	if insertErr != nil {
		s.recordFailed(ctx, item, insertErr)
		insertErr = fmt.Errorf("insert line item: %w", insertErr)
	}

	updateErr := s.store.SetSpent(ctx, item.Owner, cached.ID, spent)
	if updateErr != nil {
		s.recordFailed(ctx, item, updateErr)
		updateErr = fmt.Errorf("update spent: %w", updateErr)
	}

	cat := cached
	if updateErr == nil {
		cat.Spent = spent
	}
	if err := errors.Join(insertErr, updateErr); err != nil {
		return LineItemResult{Item: stored, Category: cat}, err
	}
	return LineItemResult{Item: stored, Category: cat}, nil
}

func (s *Service) publish(ctx context.Context, res LineItemResult) {
	if s.publisher == nil {
		return
	}
	entry := core.LedgerEntry{
		ItemID:       res.Item.ID,
		Owner:        res.Item.Owner,
		CategoryID:   res.Item.CategoryID,
		CategoryName: res.Category.Name,
		Amount:       res.Item.Amount,
		SpentAfter:   res.Category.Spent,
		RecordedAt:   res.Item.CreatedAt,
	}
	if err := s.publisher.PublishLineItemRecorded(ctx, entry); err != nil {
		s.logger.LogError(ctx, "failed to publish line item", err, log.OpRecord,
			log.NewFields().WithCategory(entry.Owner, entry.CategoryID).With(log.FieldItemID, entry.ItemID))
	}
}

// LineItems lists the items filed under one of the owner's categories.
func (s *Service) LineItems(ctx context.Context, owner string, categoryID int64) ([]core.LineItem, error) {
	if strings.TrimSpace(owner) == "" {
		return nil, core.ErrEmptyOwner
	}
	if categoryID == 0 {
		return nil, core.ErrMissingCategory
	}
	if _, err := s.store.GetCategory(ctx, owner, categoryID); err != nil {
		return nil, fmt.Errorf("line items: %w", err)
	}
	items, err := s.store.ListLineItems(ctx, owner, categoryID)
	if err != nil {
		s.storeFailed(ctx, log.OpList, err, log.NewFields().WithCategory(owner, categoryID))
		return nil, fmt.Errorf("line items: %w", err)
	}
	return items, nil
}

// Summary totals the owner's categories as currently stored.
func (s *Service) Summary(ctx context.Context, owner string) (core.BudgetSummary, error) {
	cats, err := s.ListCategories(ctx, owner)
	if err != nil {
		return core.BudgetSummary{}, err
	}
	return core.Summarize(cats), nil
}

func (s *Service) recordFailed(ctx context.Context, item core.LineItem, err error) {
	if errors.Is(err, core.ErrCategoryNotFound) {
		return
	}
	s.storeFailed(ctx, log.OpRecord, err,
		log.NewFields().WithCategory(item.Owner, item.CategoryID).WithAmount(item.Amount.Cents))
}

func (s *Service) storeFailed(ctx context.Context, op string, err error, fields log.LogFields) {
	if errors.Is(err, context.Canceled) {
		return
	}
	s.storeFailures.Add(1)
	s.logger.LogError(ctx, "store operation failed", err, op, fields.With(log.FieldErrorType, log.ErrorTypeDatabase))
}
