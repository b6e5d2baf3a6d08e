// Package memory is a LedgerWriter that keeps rows in process. The worker
// uses it when no spreadsheet is configured.
package memory

import (
	"context"
	"fmt"
	"sync"

	"wedplan/internal/core"
	"wedplan/internal/sheets"
)

type Writer struct {
	mu   sync.Mutex
	rows []core.LedgerEntry
	refs map[int64]string
}

var (
	_ sheets.LedgerWriter = (*Writer)(nil)
	_ sheets.LedgerReader = (*Writer)(nil)
)

func New() *Writer {
	return &Writer{refs: map[int64]string{}}
}

// AppendEntry stores the entry and returns a synthetic row reference.
func (w *Writer) AppendEntry(_ context.Context, e core.LedgerEntry) (string, error) {
	if err := sheets.ValidateEntry(e); err != nil {
		return "", err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rows = append(w.rows, e)
	ref := fmt.Sprintf("mem:%d", len(w.rows))
	w.refs[e.ItemID] = ref
	return ref, nil
}

func (w *Writer) ExportedItems(context.Context) (map[int64]string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[int64]string, len(w.refs))
	for id, ref := range w.refs {
		out[id] = ref
	}
	return out, nil
}

// Rows returns a copy of everything appended so far.
func (w *Writer) Rows() []core.LedgerEntry {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]core.LedgerEntry(nil), w.rows...)
}
