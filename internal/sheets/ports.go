package sheets

import (
	"context"
	"errors"

	"wedplan/internal/core"
)

// Ports for the spreadsheet export.
type (
	// LedgerWriter appends one row per recorded line item.
	LedgerWriter interface {
		AppendEntry(ctx context.Context, e core.LedgerEntry) (rowRef string, err error)
	}

	// LedgerReader lists the line item ids already present in the sheet,
	// mapped to their row reference.
	LedgerReader interface {
		ExportedItems(ctx context.Context) (map[int64]string, error)
	}
)

var ErrInvalidEntry = errors.New("invalid ledger entry")

// ValidateEntry rejects entries that cannot be written as a ledger row.
func ValidateEntry(e core.LedgerEntry) error {
	if e.ItemID <= 0 || e.Owner == "" || e.CategoryID <= 0 {
		return ErrInvalidEntry
	}
	return e.Amount.Validate()
}
