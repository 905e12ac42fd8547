// Package store defines the persistence interfaces for the fill reconciler.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache and per-entry leases), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/atmx/fill-recon/internal/model"
)

// ErrNotFound is returned when a journal entry does not exist.
var ErrNotFound = errors.New("store: not found")

// FillStore persists normalized broker fills. (broker, trade_id) is unique.
type FillStore interface {
	// InsertFill stores a fill. It returns false without error when a fill
	// with the same (broker, trade_id) already exists.
	InsertFill(ctx context.Context, f *model.Fill) (bool, error)

	// ListFills returns a broker's fills filled at or after since, ordered
	// by fill time.
	ListFills(ctx context.Context, broker string, since time.Time) ([]model.Fill, error)
}

// JournalStore persists journal intent records.
type JournalStore interface {
	// CreateEntry persists a new journal entry.
	CreateEntry(ctx context.Context, e *model.Entry) error

	// GetEntry retrieves an entry by id, or ErrNotFound.
	GetEntry(ctx context.Context, id string) (*model.Entry, error)

	// ListEntries returns entries whose effective date lies in [from, to].
	ListEntries(ctx context.Context, from, to time.Time) ([]model.Entry, error)

	// ListOpenEntries returns every OPEN or ENTERED entry regardless of date.
	ListOpenEntries(ctx context.Context) ([]model.Entry, error)

	// ListLedgerWriteFailures returns terminal entries flagged ledger_write_failed.
	ListLedgerWriteFailures(ctx context.Context) ([]model.Entry, error)

	// LinkedFillIDs maps each of the given trade ids that is already
	// recorded on an entry (entry or exit side) to that entry's id.
	LinkedFillIDs(ctx context.Context, tradeIDs []string) (map[string]string, error)

	// UpdateEntry applies a partial update, or returns ErrNotFound.
	UpdateEntry(ctx context.Context, id string, patch model.EntryPatch) error
}

// LedgerStore persists the append-only ledger.
type LedgerStore interface {
	// InsertLedgerEntry appends a row unless one already exists for
	// (entry_id, desk); written reports whether a row was inserted.
	InsertLedgerEntry(ctx context.Context, entry *model.LedgerEntry) (bool, error)

	// GetLedgerEntriesByEntry returns the ledger rows for a journal entry.
	GetLedgerEntriesByEntry(ctx context.Context, entryID string) ([]model.LedgerEntry, error)
}

// Store is the full persistence interface. PostgreSQL is the source of
// truth; Redis provides a read-through cache layer.
type Store interface {
	FillStore
	JournalStore
	LedgerStore
}
