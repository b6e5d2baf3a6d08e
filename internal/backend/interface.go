package backend

import (
	"context"

	"wedplan/internal/amqp"
	"wedplan/internal/core"
	"wedplan/internal/identity"
	"wedplan/internal/ledger"
)

// Store is everything the server and the worker need from persistence.
// storage.Repository and memory.Store both satisfy it.
type Store interface {
	ledger.Store
	identity.UserStore

	GetUser(ctx context.Context, uid string) (core.Identity, bool, error)
	LineItemTotals(ctx context.Context, owner string) (map[int64]core.ItemTotal, error)
	RepairSpent(ctx context.Context, owner string, id, version int64, spent core.Money, unapplied []int64) (bool, error)
	Owners(ctx context.Context) ([]string, error)

	PendingExports(ctx context.Context, limit int) ([]core.LedgerEntry, error)
	MarkExported(ctx context.Context, itemID int64, ref string) error
	MarkExportFailed(ctx context.Context, itemID int64) error

	Ping(ctx context.Context) error
	Close() error
}

// CleanupFunc represents a cleanup function for resources
type CleanupFunc func() error

// BackendResult contains the store, the optional broker client and a cleanup
// function releasing both.
type BackendResult struct {
	Store Store
	// AMQP is nil when no broker is configured or it could not be reached.
	AMQP    *amqp.Client
	Cleanup CleanupFunc
}

// Publisher returns the broker client as a ledger publisher, or nil.
func (r *BackendResult) Publisher() ledger.EventPublisher {
	if r.AMQP == nil {
		return nil
	}
	return r.AMQP
}

// Factory creates backends based on configuration
type Factory interface {
	CreateBackend(ctx context.Context, config Config) (*BackendResult, error)
}

// BackendType represents the type of backend
type BackendType string

const (
	SQLiteBackend   BackendType = "sqlite"
	PostgresBackend BackendType = "postgres"
	MemoryBackend   BackendType = "memory"
)

func (bt BackendType) String() string {
	return string(bt)
}

func (bt BackendType) IsValid() bool {
	switch bt {
	case SQLiteBackend, PostgresBackend, MemoryBackend:
		return true
	default:
		return false
	}
}

// Persistent reports whether data survives a restart.
func (bt BackendType) Persistent() bool {
	return bt == SQLiteBackend || bt == PostgresBackend
}
