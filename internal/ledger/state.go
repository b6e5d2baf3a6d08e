package ledger

import "wedplan/internal/core"

// RowState is the UI state of one category row: Viewing or Editing.
type RowState interface {
	isRowState()
}

// Viewing is the resting state of every row.
type Viewing struct{}

// Editing holds the unsaved draft of a row being edited.
type Editing struct {
	Draft core.CategoryDraft
}

func (Viewing) isRowState() {}
func (Editing) isRowState() {}

// IsEditing reports whether st is an Editing state and returns its draft.
func IsEditing(st RowState) (core.CategoryDraft, bool) {
	e, ok := st.(Editing)
	return e.Draft, ok
}
