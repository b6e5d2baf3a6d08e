package worker

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"wedplan/internal/amqp"
	"wedplan/internal/cache"
	"wedplan/internal/core"
	"wedplan/internal/log"
	"wedplan/internal/sheets"
)

// ExportStore is the bookkeeping side of the spreadsheet export.
type ExportStore interface {
	PendingExports(ctx context.Context, limit int) ([]core.LedgerEntry, error)
	MarkExported(ctx context.Context, itemID int64, ref string) error
	MarkExportFailed(ctx context.Context, itemID int64) error
}

const (
	exportedCacheSize = 10000
	exportedCacheTTL  = 24 * time.Hour
)

// ExportWorker appends recorded line items to the ledger spreadsheet.
type ExportWorker struct {
	store     ExportStore
	writer    sheets.LedgerWriter
	batchSize int
	logger    *log.Logger

	// item id -> row ref, so redelivered messages are not appended twice
	exported *cache.LRUCache[string]

	appended atomic.Int64
	skipped  atomic.Int64
	failed   atomic.Int64
}

type ExportStats struct {
	Appended int64
	Skipped  int64
	Failed   int64
}

func NewExportWorker(store ExportStore, writer sheets.LedgerWriter, batchSize int, logger *log.Logger) *ExportWorker {
	if batchSize <= 0 {
		batchSize = 10
	}
	if logger == nil {
		logger = log.Discard()
	}
	return &ExportWorker{
		store:     store,
		writer:    writer,
		batchSize: batchSize,
		logger:    logger.WithComponent(log.ComponentWorker),
		exported:  cache.NewLRUCache[string](exportedCacheSize, exportedCacheTTL),
	}
}

// Exported exposes the dedupe cache for periodic cleanup.
func (w *ExportWorker) Exported() cache.Cleaner { return w.exported }

func (w *ExportWorker) Stats() ExportStats {
	return ExportStats{
		Appended: w.appended.Load(),
		Skipped:  w.skipped.Load(),
		Failed:   w.failed.Load(),
	}
}

// HandleLineItemRecorded processes a single message from AMQP.
func (w *ExportWorker) HandleLineItemRecorded(ctx context.Context, msg *amqp.LineItemRecordedMessage) error {
	w.logger.DebugContext(ctx, "Processing line item message", log.FieldItemID, msg.ItemID)
	return w.export(ctx, msg.Entry())
}

// ProcessPending exports line items whose message never arrived or whose
// earlier export failed.
func (w *ExportWorker) ProcessPending(ctx context.Context) error {
	_, _, err := w.exportPending(ctx, w.batchSize)
	return err
}

// StartupCheck seeds the dedupe cache from the sheet when the writer can
// read it back, then drains a larger pending batch.
func (w *ExportWorker) StartupCheck(ctx context.Context) error {
	if reader, ok := w.writer.(sheets.LedgerReader); ok {
		items, err := reader.ExportedItems(ctx)
		if err != nil {
			w.logger.WarnContext(ctx, "Could not read exported rows, duplicates are possible", log.FieldError, err)
		} else {
			for id, ref := range items {
				w.exported.Set(strconv.FormatInt(id, 10), ref)
			}
			w.logger.InfoContext(ctx, "Loaded exported rows from sheet", "count", len(items))
		}
	}

	ok, failed, err := w.exportPending(ctx, w.batchSize*5)
	if err != nil {
		return fmt.Errorf("startup export check: %w", err)
	}
	w.logger.InfoContext(ctx, "Startup export check completed",
		"exported", ok,
		"errors", failed,
		log.FieldOperation, log.OpStartup)
	return nil
}

func (w *ExportWorker) exportPending(ctx context.Context, limit int) (int, int, error) {
	pending, err := w.store.PendingExports(ctx, limit)
	if err != nil {
		return 0, 0, fmt.Errorf("get pending exports: %w", err)
	}
	if len(pending) == 0 {
		return 0, 0, nil
	}

	w.logger.InfoContext(ctx, "Processing pending exports", "count", len(pending))
	ok, failed := 0, 0
	for _, e := range pending {
		if ctx.Err() != nil {
			return ok, failed, ctx.Err()
		}
		if err := w.export(ctx, e); err != nil {
			failed++
			continue
		}
		ok++
	}
	return ok, failed, nil
}

func (w *ExportWorker) export(ctx context.Context, e core.LedgerEntry) error {
	key := strconv.FormatInt(e.ItemID, 10)
	fields := log.NewFields().
		WithOperation(log.OpExport).
		WithCategory(e.Owner, e.CategoryID).
		With(log.FieldItemID, e.ItemID)

	if ref, ok := w.exported.Get(key); ok {
		w.skipped.Add(1)
		w.logger.DebugContext(ctx, "Line item already exported", fields.With(log.FieldSheetsRef, ref).ToSlice()...)
		if err := w.store.MarkExported(ctx, e.ItemID, ref); err != nil {
			return fmt.Errorf("mark exported: %w", err)
		}
		return nil
	}

	ref, err := w.writer.AppendEntry(ctx, e)
	if err != nil {
		w.failed.Add(1)
		w.logger.LogError(ctx, "Failed to append ledger row", err, log.OpExport, fields)
		if markErr := w.store.MarkExportFailed(ctx, e.ItemID); markErr != nil {
			w.logger.ErrorContext(ctx, "Failed to mark export error", log.FieldItemID, e.ItemID, log.FieldError, markErr)
		}
		return fmt.Errorf("append line item %d: %w", e.ItemID, err)
	}
	w.exported.Set(key, ref)
	w.appended.Add(1)

	if err := w.store.MarkExported(ctx, e.ItemID, ref); err != nil {
		return fmt.Errorf("mark exported: %w", err)
	}
	w.logger.InfoContext(ctx, "Line item exported", fields.With(log.FieldSheetsRef, ref).ToSlice()...)
	return nil
}
