package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"wedplan/internal/log"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type PostgresOptions struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

func DefaultPostgresOptions() PostgresOptions {
	return PostgresOptions{
		MaxOpenConns:    50,
		MaxIdleConns:    25,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// NewPostgresRepository connects through the pgx database/sql driver and
// applies migrations before returning.
func NewPostgresRepository(ctx context.Context, dsn string, opts PostgresOptions, logger *log.Logger) (*Repository, error) {
	if dsn == "" {
		return nil, fmt.Errorf("missing postgres connection string")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetConnMaxLifetime(opts.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	if err := RunPostgresMigrations(dsn); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return newRepository(db, DialectPostgres, logger), nil
}
