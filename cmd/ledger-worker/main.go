package main

import (
	"context"
	"errors"
	"os"
	"time"

	"wedplan/internal/backend"
	"wedplan/internal/cache"
	"wedplan/internal/cli"
	"wedplan/internal/config"
	"wedplan/internal/log"
	"wedplan/internal/sheets"
	gsheet "wedplan/internal/sheets/google"
	"wedplan/internal/worker"
)

func main() {
	cli.LoadEnvFile()
	cfg := cli.LoadConfig()
	logger := cli.SetupLogger(cfg, log.ComponentWorker)
	cli.MustValidate(logger, cfg.ValidateWorker)

	logger.Info("Starting ledger-worker", "backend", cfg.DataBackend, log.FieldOperation, log.OpStartup)

	backendConfig, err := backend.FromAppConfig(cfg)
	if err != nil {
		logger.Error("Invalid backend configuration", log.FieldError, err,
			log.FieldErrorType, log.ErrorTypeConfiguration)
		os.Exit(1)
	}
	backendConfig.RequireAMQP = cfg.AMQPURL != ""

	result, err := backend.NewFactory(logger).CreateBackend(context.Background(), backendConfig)
	if err != nil {
		logger.Error("Failed to create backend", log.FieldError, err)
		os.Exit(1)
	}

	var exporter *worker.ExportWorker
	if cfg.HasSheets() {
		writer, err := newSheetsWriter(cfg, logger)
		if err != nil {
			logger.Error("Failed to initialize Google Sheets client", log.FieldError, err)
			result.Cleanup()
			os.Exit(1)
		}
		exporter = worker.NewExportWorker(result.Store, writer, cfg.ExportBatchSize, logger)
	} else {
		logger.Info("Google Sheets export disabled - no GOOGLE_SPREADSHEET_ID provided")
	}
	reconciler := worker.NewReconciler(result.Store, cfg.ReconcileConcurrency, logger)

	caches := cache.NewManager(logger)
	if exporter != nil {
		caches.Register(exporter.Exported())
		caches.StartCleanup(time.Hour)
	}

	ctx, done := cli.GracefulShutdown(logger, 30*time.Second, func(context.Context) {
		caches.Stop()
		if err := result.Cleanup(); err != nil {
			logger.Error("Backend cleanup error", log.FieldError, err)
		}
		if exporter != nil {
			stats := exporter.Stats()
			logger.Info("Export totals", "appended", stats.Appended, "skipped", stats.Skipped, "failed", stats.Failed)
		}
		logger.Info("Reconciliation totals", "repaired", reconciler.Repaired())
	})

	if exporter != nil {
		logger.Info("Performing startup export check...")
		if err := exporter.StartupCheck(ctx); err != nil {
			logger.Error("Failed startup export check", log.FieldError, err)
		}
	}
	if report, err := reconciler.ReconcileAll(ctx); err != nil {
		logger.Error("Startup reconciliation failed", log.FieldError, err)
	} else {
		logger.Info("Startup reconciliation finished", "owners", report.Owners, "repaired", report.Repaired)
	}

	switch {
	case exporter == nil:
	case result.AMQP != nil:
		go func() {
			err := result.AMQP.ConsumeLineItems(ctx, exporter.HandleLineItemRecorded)
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Message consumption failed", log.FieldError, err)
			}
		}()
	default:
		logger.Info("No AMQP broker configured, relying on periodic export")
	}

	if exporter != nil {
		go worker.Every(ctx, cfg.ExportInterval, "export", logger, exporter.ProcessPending)
	}
	go worker.Every(ctx, cfg.ReconcileInterval, "reconcile", logger, func(ctx context.Context) error {
		_, err := reconciler.ReconcileAll(ctx)
		return err
	})

	cli.WaitForShutdown(ctx, done)
	logger.Info("Worker stopped gracefully")
}

func newSheetsWriter(cfg *config.Config, logger *log.Logger) (sheets.LedgerWriter, error) {
	creds, err := cfg.ServiceAccountCredentials()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	client, err := gsheet.New(ctx, gsheet.Options{
		SpreadsheetID:   cfg.GoogleSpreadsheetID,
		SheetName:       cfg.GoogleSheetName,
		CredentialsJSON: creds,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}
	logger.Info("Google Sheets client initialized", "spreadsheet_id", cfg.GoogleSpreadsheetID)
	return client, nil
}
