package core

import "time"

// BudgetSummary aggregates an owner's categories.
type BudgetSummary struct {
	Categories     int
	TotalAllocated Money
	TotalSpent     Money
	// Remaining is TotalAllocated - TotalSpent and may be negative.
	Remaining Money
	// ChartRemaining is Remaining floored at zero, for the spent/remaining chart.
	ChartRemaining Money
}

// Summarize totals allocated and spent over cats.
func Summarize(cats []Category) BudgetSummary {
	var s BudgetSummary
	for _, c := range cats {
		s.Categories++
		s.TotalAllocated = s.TotalAllocated.Add(c.Allocated)
		s.TotalSpent = s.TotalSpent.Add(c.Spent)
	}
	s.Remaining = s.TotalAllocated.Sub(s.TotalSpent)
	if s.Remaining.Cents > 0 {
		s.ChartRemaining = s.Remaining
	}
	return s
}

// LedgerEntry is one recorded line item as exported to external sheets.
type LedgerEntry struct {
	ItemID       int64
	Owner        string
	CategoryID   int64
	CategoryName string
	Amount       Money
	SpentAfter   Money
	RecordedAt   time.Time
}
