package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"wedplan/internal/backend"
	"wedplan/internal/cli"
	apphttp "wedplan/internal/http"
	"wedplan/internal/identity"
	"wedplan/internal/ledger"
	"wedplan/internal/log"
)

func main() {
	cli.LoadEnvFile()
	cfg := cli.LoadConfig()
	logger := cli.SetupLogger(cfg, log.ComponentApp)
	cli.MustValidate(logger, cfg.Validate)

	logger.Info("Starting wedplan server",
		"port", cfg.Port,
		"backend", cfg.DataBackend,
		log.FieldStrategy, cfg.SpentStrategy,
		log.FieldOperation, log.OpStartup)

	backendConfig, err := backend.FromAppConfig(cfg)
	if err != nil {
		logger.Error("Invalid backend configuration", log.FieldError, err,
			log.FieldErrorType, log.ErrorTypeConfiguration)
		os.Exit(1)
	}
	result, err := backend.NewFactory(logger).CreateBackend(context.Background(), backendConfig)
	if err != nil {
		logger.Error("Failed to create backend", log.FieldError, err, "backend", cfg.DataBackend)
		os.Exit(1)
	}

	strategy, err := ledger.ParseSpentStrategy(cfg.SpentStrategy)
	if err != nil {
		logger.Error("Invalid spent strategy", log.FieldError, err)
		os.Exit(1)
	}
	svc := ledger.New(result.Store, ledger.Options{
		Strategy:   strategy,
		MaxRetries: cfg.SpentMaxRetries,
		Publisher:  result.Publisher(),
		Logger:     logger,
	})

	sessions, err := identity.NewSessions(identity.SessionConfig{
		Secret: []byte(cfg.SessionSecret),
		TTL:    cfg.SessionTTL,
		Secure: cfg.CookieSecure,
	})
	if err != nil {
		logger.Error("Failed to configure sessions", log.FieldError, err)
		os.Exit(1)
	}
	var provider identity.Provider
	if cfg.AuthDevMode {
		logger.Warn("AUTH_DEV_MODE is enabled: credentials of the form dev:<uid> are trusted")
		provider = identity.DevProvider{}
	} else {
		provider = identity.NewGoogleProvider(cfg.GoogleClientID)
	}
	auth := identity.NewService(provider, result.Store, sessions, logger)

	srv := apphttp.NewServer(apphttp.Options{
		Addr:            ":" + cfg.Port,
		Ledger:          svc,
		Auth:            auth,
		Store:           result.Store,
		Logger:          logger,
		BoardCacheSize:  cfg.BoardCacheSize,
		BoardCacheTTL:   cfg.BoardCacheTTL,
		CleanupInterval: 5 * time.Minute,
	})

	ctx, done := cli.GracefulShutdown(logger, 30*time.Second, func(ctx context.Context) {
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Server shutdown error", log.FieldError, err)
		}
		if err := result.Cleanup(); err != nil {
			logger.Error("Backend cleanup error", log.FieldError, err)
		}
	})

	go func() {
		logger.Info("HTTP server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Server error", log.FieldError, err, "port", cfg.Port)
			os.Exit(1)
		}
	}()

	cli.WaitForShutdown(ctx, done)
	logger.Info("Server stopped gracefully")
}
