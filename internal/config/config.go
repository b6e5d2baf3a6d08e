package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	// HTTP Server
	Port string `env:"PORT" envDefault:"8081"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`

	// Backend selection: sqlite, postgres or memory
	DataBackend  string `env:"DATA_BACKEND" envDefault:"sqlite"`
	SQLiteDBPath string `env:"SQLITE_DB_PATH" envDefault:"./data/wedplan.db"`
	PostgresDSN  string `env:"POSTGRES_DSN"`

	// Ledger
	SpentStrategy   string `env:"SPENT_STRATEGY" envDefault:"atomic"`
	SpentMaxRetries int    `env:"SPENT_MAX_RETRIES" envDefault:"5"`

	// AMQP (optional; empty URL disables publishing)
	AMQPURL      string `env:"AMQP_URL"`
	AMQPExchange string `env:"AMQP_EXCHANGE" envDefault:"wedplan"`
	AMQPQueue    string `env:"AMQP_QUEUE" envDefault:"ledger_export"`

	// Sign-in and sessions
	GoogleClientID string        `env:"GOOGLE_CLIENT_ID"`
	AuthDevMode    bool          `env:"AUTH_DEV_MODE" envDefault:"false"`
	SessionSecret  string        `env:"SESSION_SECRET"`
	SessionTTL     time.Duration `env:"SESSION_TTL" envDefault:"168h"`
	CookieSecure   bool          `env:"SESSION_COOKIE_SECURE" envDefault:"false"`

	// Board cache
	BoardCacheSize int           `env:"BOARD_CACHE_SIZE" envDefault:"1000"`
	BoardCacheTTL  time.Duration `env:"BOARD_CACHE_TTL" envDefault:"30m"`

	// Google Sheets export (worker)
	GoogleSpreadsheetID          string `env:"GOOGLE_SPREADSHEET_ID"`
	GoogleSheetName              string `env:"GOOGLE_SHEET_NAME" envDefault:"Ledger"`
	GoogleServiceAccountJSON     string `env:"GOOGLE_SERVICE_ACCOUNT_JSON"`
	GoogleServiceAccountFile     string `env:"GOOGLE_SERVICE_ACCOUNT_FILE"`
	GoogleApplicationCredentials string `env:"GOOGLE_APPLICATION_CREDENTIALS"`

	// Worker
	ExportBatchSize      int           `env:"EXPORT_BATCH_SIZE" envDefault:"10"`
	ExportInterval       time.Duration `env:"EXPORT_INTERVAL" envDefault:"30s"`
	ReconcileInterval    time.Duration `env:"RECONCILE_INTERVAL" envDefault:"10m"`
	ReconcileConcurrency int           `env:"RECONCILE_CONCURRENCY" envDefault:"4"`
}

var (
	validBackends   = []string{"memory", "postgres", "sqlite"}
	validStrategies = []string{"atomic", "versioned", "last-write-wins"}
)

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// HasSheets reports whether spreadsheet export is configured.
func (c *Config) HasSheets() bool {
	return c.GoogleSpreadsheetID != ""
}

// ServiceAccountCredentials returns the inline JSON or the contents of the
// configured credentials file.
func (c *Config) ServiceAccountCredentials() ([]byte, error) {
	if c.GoogleServiceAccountJSON != "" {
		return []byte(c.GoogleServiceAccountJSON), nil
	}
	path := c.GoogleServiceAccountFile
	if path == "" {
		path = c.GoogleApplicationCredentials
	}
	if path == "" {
		return nil, fmt.Errorf("missing service account credentials (set GOOGLE_SERVICE_ACCOUNT_JSON, GOOGLE_SERVICE_ACCOUNT_FILE, or GOOGLE_APPLICATION_CREDENTIALS)")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read service account file: %w", err)
	}
	return b, nil
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	var errors []string

	if port, err := strconv.Atoi(c.Port); err != nil {
		errors = append(errors, fmt.Sprintf("invalid port '%s': must be a number", c.Port))
	} else if port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("invalid port %d: must be between 1 and 65535", port))
	}

	if !contains(validBackends, c.DataBackend) {
		errors = append(errors, fmt.Sprintf("invalid data backend '%s': must be one of %v", c.DataBackend, validBackends))
	}

	switch c.DataBackend {
	case "sqlite":
		if c.SQLiteDBPath == "" {
			errors = append(errors, "SQLite database path cannot be empty when using sqlite backend")
		} else {
			dir := filepath.Dir(c.SQLiteDBPath)
			if dir != "." && dir != "" {
				if _, err := os.Stat(dir); os.IsNotExist(err) {
					if err := os.MkdirAll(dir, 0755); err != nil {
						errors = append(errors, fmt.Sprintf("cannot create SQLite database directory '%s': %v", dir, err))
					}
				}
			}
		}
	case "postgres":
		if c.PostgresDSN == "" {
			errors = append(errors, "POSTGRES_DSN is required when using postgres backend")
		}
	}

	if !contains(validStrategies, strings.ToLower(c.SpentStrategy)) {
		errors = append(errors, fmt.Sprintf("invalid spent strategy '%s': must be one of %v", c.SpentStrategy, validStrategies))
	}
	if c.SpentMaxRetries < 1 || c.SpentMaxRetries > 100 {
		errors = append(errors, fmt.Sprintf("invalid spent max retries %d: must be between 1 and 100", c.SpentMaxRetries))
	}

	if c.AMQPURL != "" {
		if parsedURL, err := url.Parse(c.AMQPURL); err != nil {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL '%s': %v", c.AMQPURL, err))
		} else if parsedURL.Scheme != "amqp" && parsedURL.Scheme != "amqps" {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL scheme '%s': must be 'amqp' or 'amqps'", parsedURL.Scheme))
		}
		if c.AMQPExchange == "" {
			errors = append(errors, "AMQP exchange name cannot be empty when AMQP URL is provided")
		}
		if c.AMQPQueue == "" {
			errors = append(errors, "AMQP queue name cannot be empty when AMQP URL is provided")
		}
	}

	if c.GoogleClientID == "" && !c.AuthDevMode {
		errors = append(errors, "GOOGLE_CLIENT_ID is required unless AUTH_DEV_MODE is enabled")
	}
	if len(c.SessionSecret) < 32 {
		errors = append(errors, "SESSION_SECRET must be at least 32 characters")
	}
	if c.SessionTTL < time.Minute {
		errors = append(errors, fmt.Sprintf("invalid session TTL %v: must be at least 1 minute", c.SessionTTL))
	}

	if c.BoardCacheSize < 1 {
		errors = append(errors, fmt.Sprintf("invalid board cache size %d: must be at least 1", c.BoardCacheSize))
	}
	if c.BoardCacheTTL < time.Second {
		errors = append(errors, fmt.Sprintf("invalid board cache TTL %v: must be at least 1 second", c.BoardCacheTTL))
	}

	if c.ExportBatchSize < 1 {
		errors = append(errors, fmt.Sprintf("invalid export batch size %d: must be at least 1", c.ExportBatchSize))
	} else if c.ExportBatchSize > 1000 {
		errors = append(errors, fmt.Sprintf("invalid export batch size %d: must be at most 1000", c.ExportBatchSize))
	}
	if c.ExportInterval < time.Second {
		errors = append(errors, fmt.Sprintf("invalid export interval %v: must be at least 1 second", c.ExportInterval))
	} else if c.ExportInterval > 24*time.Hour {
		errors = append(errors, fmt.Sprintf("invalid export interval %v: must be at most 24 hours", c.ExportInterval))
	}
	if c.ReconcileInterval < time.Second {
		errors = append(errors, fmt.Sprintf("invalid reconcile interval %v: must be at least 1 second", c.ReconcileInterval))
	}
	if c.ReconcileConcurrency < 1 || c.ReconcileConcurrency > 64 {
		errors = append(errors, fmt.Sprintf("invalid reconcile concurrency %d: must be between 1 and 64", c.ReconcileConcurrency))
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errors, "\n- "))
	}

	return nil
}

// ValidateWorker checks what the export worker needs on top of Validate's
// shared checks. Sign-in settings are not required there.
func (c *Config) ValidateWorker() error {
	worker := *c
	worker.AuthDevMode = true
	if len(worker.SessionSecret) < 32 {
		worker.SessionSecret = strings.Repeat("-", 32)
	}
	if err := worker.Validate(); err != nil {
		return err
	}
	if c.DataBackend == "memory" {
		return fmt.Errorf("configuration validation failed:\n- the worker needs a persistent backend (sqlite or postgres)")
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
