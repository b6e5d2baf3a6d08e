package core

import (
	"errors"
	"strings"
	"time"
)

type (
	Money struct {
		Cents int64
	}

	// Identity is what the identity provider hands back after sign-in.
	Identity struct {
		UID         string
		DisplayName string
		Email       string
		AvatarURL   string
	}

	// Category is a named budget bucket. Spent is a denormalized aggregate of
	// the line items filed under it and is only moved by the write path.
	Category struct {
		ID        int64
		Owner     string
		Name      string
		Allocated Money
		Spent     Money
		Version   int64
	}

	LineItem struct {
		ID         int64
		Owner      string
		CategoryID int64
		Amount     Money
		CreatedAt  time.Time
		// SpentAfter is the category's spent right after this item was
		// added to it. Zero while unknown.
		SpentAfter Money
	}

	// ItemTotal is what a category's line items add up to, as the
	// reconciler sees it.
	ItemTotal struct {
		Sum Money
		// Unapplied lists items whose amount no writer has yet moved into
		// the category's spent.
		Unapplied []int64
	}

	// CategoryDraft is the editing buffer of a category row.
	CategoryDraft struct {
		Name      string
		Allocated Money
	}
)

const maxNameLength = 100

var (
	ErrInvalidAmount    = errors.New("invalid amount")
	ErrEmptyName        = errors.New("empty category name")
	ErrNameTooLong      = errors.New("category name too long (max 100 characters)")
	ErrEmptyOwner       = errors.New("empty owner")
	ErrMissingCategory  = errors.New("missing category")
	ErrUnknownCategory  = errors.New("category not in loaded list")
	ErrCategoryNotFound = errors.New("category not found")
	ErrVersionConflict  = errors.New("category changed concurrently")
)

// ApplyOutcome is the result of folding a stored line item into its
// category's spent.
type ApplyOutcome int

const (
	// ApplyConflict means the category moved past the expected version.
	ApplyConflict ApplyOutcome = iota
	Applied
	// AlreadyApplied means another writer, usually the reconciler, counted
	// the item first. Spent already includes it.
	AlreadyApplied
)

// Validate accepts line-item amounts: positive and at most MaxCents.
func (m Money) Validate() error {
	if m.Cents <= 0 || m.Cents > MaxCents {
		return ErrInvalidAmount
	}
	return nil
}

// Add returns m+o.
func (m Money) Add(o Money) Money {
	return Money{Cents: m.Cents + o.Cents}
}

// Sub returns m-o.
func (m Money) Sub(o Money) Money {
	return Money{Cents: m.Cents - o.Cents}
}

func (i Identity) Validate() error {
	if strings.TrimSpace(i.UID) == "" {
		return ErrEmptyOwner
	}
	return nil
}

// NewCategory builds an unsaved category with zero allocation and spend.
// The name is trimmed; an empty result is rejected.
func NewCategory(owner, name string) (Category, error) {
	c := Category{Owner: strings.TrimSpace(owner), Name: strings.TrimSpace(name)}
	if err := c.Validate(); err != nil {
		return Category{}, err
	}
	return c, nil
}

func (c Category) Validate() error {
	if c.Owner == "" {
		return ErrEmptyOwner
	}
	if c.Name == "" {
		return ErrEmptyName
	}
	if len(c.Name) > maxNameLength {
		return ErrNameTooLong
	}
	return nil
}

// Remaining is allocated minus spent. It goes negative on overspend.
func (c Category) Remaining() Money {
	return c.Allocated.Sub(c.Spent)
}

// SpentRatio is spent/allocated, or 0 when nothing is allocated.
// It is not capped at 1.
func (c Category) SpentRatio() float64 {
	if c.Allocated.Cents <= 0 {
		return 0
	}
	return float64(c.Spent.Cents) / float64(c.Allocated.Cents)
}

// Draft returns an editing buffer seeded from the stored values.
func (c Category) Draft() CategoryDraft {
	return CategoryDraft{Name: c.Name, Allocated: c.Allocated}
}

func (li LineItem) Validate() error {
	if strings.TrimSpace(li.Owner) == "" {
		return ErrEmptyOwner
	}
	if li.CategoryID == 0 {
		return ErrMissingCategory
	}
	return li.Amount.Validate()
}
