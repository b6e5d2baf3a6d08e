package http

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"wedplan/internal/core"
	"wedplan/internal/ledger"
)

// formatEuros formats cents as a Euro currency string (e.g., "€12,34").
func formatEuros(cents int64) string {
	neg := cents < 0
	if neg {
		cents = -cents
	}
	euros := cents / 100
	rem := cents % 100
	s := strconv.FormatInt(euros, 10) + "," + fmt.Sprintf("%02d", rem)
	if neg {
		return "-€" + s
	}
	return "€" + s
}

// sanitizeInput removes control characters and trims whitespace.
func sanitizeInput(s string) string {
	s = strings.TrimSpace(s)
	return strings.Map(func(r rune) rune {
		if r < 32 && r != 9 && r != 10 && r != 13 {
			return -1
		}
		return r
	}, s)
}

type moneyJSON struct {
	Cents   int64  `json:"cents"`
	Display string `json:"display"`
}

func toMoney(m core.Money) moneyJSON {
	return moneyJSON{Cents: m.Cents, Display: formatEuros(m.Cents)}
}

type draftJSON struct {
	Name      string    `json:"name"`
	Allocated moneyJSON `json:"allocated"`
}

func toDraft(d core.CategoryDraft) draftJSON {
	return draftJSON{Name: d.Name, Allocated: toMoney(d.Allocated)}
}

type categoryJSON struct {
	ID         int64      `json:"id"`
	Name       string     `json:"name"`
	Allocated  moneyJSON  `json:"allocated"`
	Spent      moneyJSON  `json:"spent"`
	Remaining  moneyJSON  `json:"remaining"`
	SpentRatio float64    `json:"spent_ratio"`
	State      string     `json:"state"`
	Draft      *draftJSON `json:"draft,omitempty"`
}

type summaryJSON struct {
	Categories     int       `json:"categories"`
	TotalAllocated moneyJSON `json:"total_allocated"`
	TotalSpent     moneyJSON `json:"total_spent"`
	Remaining      moneyJSON `json:"remaining"`
	ChartRemaining moneyJSON `json:"chart_remaining"`
}

func toSummary(s core.BudgetSummary) summaryJSON {
	return summaryJSON{
		Categories:     s.Categories,
		TotalAllocated: toMoney(s.TotalAllocated),
		TotalSpent:     toMoney(s.TotalSpent),
		Remaining:      toMoney(s.Remaining),
		ChartRemaining: toMoney(s.ChartRemaining),
	}
}

type boardJSON struct {
	Owner      string         `json:"owner"`
	Categories []categoryJSON `json:"categories"`
	Summary    summaryJSON    `json:"summary"`
	LoadedAt   time.Time      `json:"loaded_at"`
}

func toRow(row ledger.Row) categoryJSON {
	out := categoryJSON{
		ID:         row.Category.ID,
		Name:       row.Category.Name,
		Allocated:  toMoney(row.Category.Allocated),
		Spent:      toMoney(row.Category.Spent),
		Remaining:  toMoney(row.Remaining),
		SpentRatio: row.SpentRatio,
		State:      "viewing",
	}
	if draft, ok := ledger.IsEditing(row.State); ok {
		d := toDraft(draft)
		out.State = "editing"
		out.Draft = &d
	}
	return out
}

func toBoard(v ledger.View) boardJSON {
	rows := make([]categoryJSON, 0, len(v.Rows))
	for _, r := range v.Rows {
		rows = append(rows, toRow(r))
	}
	return boardJSON{
		Owner:      v.Owner,
		Categories: rows,
		Summary:    toSummary(v.Summary),
		LoadedAt:   v.LoadedAt,
	}
}

type lineItemJSON struct {
	ID         int64     `json:"id"`
	CategoryID int64     `json:"category_id"`
	Amount     moneyJSON `json:"amount"`
	CreatedAt  time.Time `json:"created_at"`
}

func toLineItem(li core.LineItem) lineItemJSON {
	return lineItemJSON{
		ID:         li.ID,
		CategoryID: li.CategoryID,
		Amount:     toMoney(li.Amount),
		CreatedAt:  li.CreatedAt,
	}
}

type identityJSON struct {
	UID         string `json:"uid"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

func toIdentity(id core.Identity) identityJSON {
	return identityJSON{UID: id.UID, DisplayName: id.DisplayName, Email: id.Email, AvatarURL: id.AvatarURL}
}
