package worker

import (
	"context"
	"errors"
	"testing"

	"wedplan/internal/amqp"
	"wedplan/internal/core"
	"wedplan/internal/log"
	sheetsmem "wedplan/internal/sheets/memory"
	"wedplan/internal/storage/memory"
)

type failingWriter struct{ calls int }

func (f *failingWriter) AppendEntry(context.Context, core.LedgerEntry) (string, error) {
	f.calls++
	return "", errors.New("quota exceeded")
}

func seedItems(t *testing.T, store *memory.Store, owner string, amounts ...int64) (core.Category, []core.LineItem) {
	t.Helper()
	ctx := context.Background()
	cat, err := store.InsertCategory(ctx, core.Category{Owner: owner, Name: "Venue"})
	if err != nil {
		t.Fatal(err)
	}
	var items []core.LineItem
	for _, a := range amounts {
		it, c, err := store.RecordLineItem(ctx, core.LineItem{Owner: owner, CategoryID: cat.ID, Amount: core.Money{Cents: a}})
		if err != nil {
			t.Fatal(err)
		}
		items = append(items, it)
		cat = c
	}
	return cat, items
}

func TestExportWorker_ProcessPending(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	_, items := seedItems(t, store, "u1", 1000, 2500)
	writer := sheetsmem.New()
	w := NewExportWorker(store, writer, 10, log.Discard())

	if err := w.ProcessPending(ctx); err != nil {
		t.Fatal(err)
	}
	rows := writer.Rows()
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	// Each row carries spent as it was when that item was recorded, not
	// the category's spent at export time.
	if rows[0].CategoryName != "Venue" || rows[0].SpentAfter.Cents != 1000 || rows[1].SpentAfter.Cents != 3500 {
		t.Fatalf("unexpected rows %+v", rows)
	}
	for _, it := range items {
		if _, ok := store.ExportRef(it.ID); !ok {
			t.Fatalf("item %d not marked exported", it.ID)
		}
	}

	if err := w.ProcessPending(ctx); err != nil {
		t.Fatal(err)
	}
	if len(writer.Rows()) != 2 {
		t.Fatal("second pass should not append again")
	}
	if st := w.Stats(); st.Appended != 2 || st.Failed != 0 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestExportWorker_DuplicateMessage(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	cat, items := seedItems(t, store, "u1", 700)
	writer := sheetsmem.New()
	w := NewExportWorker(store, writer, 10, nil)

	msg := amqp.NewLineItemRecordedMessage(core.LedgerEntry{
		ItemID:       items[0].ID,
		Owner:        "u1",
		CategoryID:   cat.ID,
		CategoryName: cat.Name,
		Amount:       core.Money{Cents: 700},
		SpentAfter:   cat.Spent,
	})
	for i := 0; i < 2; i++ {
		if err := w.HandleLineItemRecorded(ctx, msg); err != nil {
			t.Fatal(err)
		}
	}
	if len(writer.Rows()) != 1 {
		t.Fatalf("expected 1 row, got %d", len(writer.Rows()))
	}
	if st := w.Stats(); st.Skipped != 1 {
		t.Fatalf("expected one skip, got %+v", st)
	}
}

func TestExportWorker_AppendFailureLeavesItemPending(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	seedItems(t, store, "u1", 100)
	writer := &failingWriter{}
	w := NewExportWorker(store, writer, 10, nil)

	if err := w.ProcessPending(ctx); err != nil {
		t.Fatalf("batch errors are counted, not returned: %v", err)
	}
	if w.Stats().Failed != 1 || writer.calls != 1 {
		t.Fatalf("unexpected stats %+v", w.Stats())
	}
	pending, _ := store.PendingExports(ctx, 10)
	if len(pending) != 1 {
		t.Fatalf("item should still be pending, got %d", len(pending))
	}

	msg := amqp.NewLineItemRecordedMessage(pending[0])
	if err := w.HandleLineItemRecorded(ctx, msg); err == nil {
		t.Fatal("message handling should surface the error so it is requeued")
	}
}

func TestExportWorker_StartupCheckSkipsRowsAlreadyInSheet(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	_, items := seedItems(t, store, "u1", 100, 200)
	writer := sheetsmem.New()

	// Appended before a crash, never marked.
	pending, _ := store.PendingExports(ctx, 10)
	if _, err := writer.AppendEntry(ctx, pending[0]); err != nil {
		t.Fatal(err)
	}

	w := NewExportWorker(store, writer, 10, nil)
	if err := w.StartupCheck(ctx); err != nil {
		t.Fatal(err)
	}
	if len(writer.Rows()) != 2 {
		t.Fatalf("expected 2 rows in total, got %d", len(writer.Rows()))
	}
	for _, it := range items {
		if _, ok := store.ExportRef(it.ID); !ok {
			t.Fatalf("item %d not marked exported", it.ID)
		}
	}
	if st := w.Stats(); st.Appended != 1 || st.Skipped != 1 {
		t.Fatalf("unexpected stats %+v", st)
	}
}
