// Package ledger appends closed positions to the append-only ledger.
// A journal entry yields at most one ledger row per desk, no matter how
// many times it is reconciled.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/fill-recon/internal/model"
	"github.com/atmx/fill-recon/internal/store"
)

// ErrWriteFailed wraps any failure to persist a ledger row.
var ErrWriteFailed = errors.New("ledger: write failed")

// ErrInvalidRequest is returned for requests missing an entry id or desk.
var ErrInvalidRequest = errors.New("ledger: invalid request")

// Locker serialises work on a key. The returned function releases it.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// Request describes one closed position.
type Request struct {
	EntryID        string
	Desk           string
	Symbol         string
	Direction      model.Direction
	EntryTimestamp time.Time
	ExitTimestamp  time.Time
	EntryPrice     decimal.Decimal
	ExitPrice      decimal.Decimal
	Quantity       decimal.Decimal
	RealizedPnL    decimal.Decimal
	RMultiple      *decimal.Decimal
	BatchID        string
}

// Result reports whether a new row was inserted. Written is false when a
// row for (EntryID, Desk) already existed.
type Result struct {
	Written bool
	Entry   *model.LedgerEntry
}

// Writer performs idempotent ledger inserts.
type Writer struct {
	store  store.LedgerStore
	locker Locker
	now    func() time.Time
}

// NewWriter creates a ledger writer. A nil locker falls back to an
// in-process keyed mutex.
func NewWriter(s store.LedgerStore, locker Locker) *Writer {
	if locker == nil {
		locker = NewKeyedMutex()
	}
	return &Writer{
		store:  s,
		locker: locker,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Write inserts the ledger row for req unless one already exists.
func (w *Writer) Write(ctx context.Context, req Request) (Result, error) {
	if req.EntryID == "" || req.Desk == "" {
		return Result{}, fmt.Errorf("%w: entry id and desk are required", ErrInvalidRequest)
	}

	unlock, err := w.locker.Lock(ctx, req.EntryID)
	if err != nil {
		return Result{}, fmt.Errorf("%w: entry %s: %v", ErrWriteFailed, req.EntryID, err)
	}
	defer unlock()

	row := &model.LedgerEntry{
		ID:             uuid.NewString(),
		EntryID:        req.EntryID,
		Desk:           req.Desk,
		Symbol:         req.Symbol,
		Direction:      req.Direction,
		EntryTimestamp: req.EntryTimestamp.UTC(),
		ExitTimestamp:  req.ExitTimestamp.UTC(),
		EntryPrice:     req.EntryPrice,
		ExitPrice:      req.ExitPrice,
		Quantity:       req.Quantity,
		RealizedPnL:    req.RealizedPnL,
		RMultiple:      req.RMultiple,
		ReconcileBatch: req.BatchID,
		CreatedAt:      w.now(),
	}

	written, err := w.store.InsertLedgerEntry(ctx, row)
	if err != nil {
		return Result{}, fmt.Errorf("%w: entry %s: %v", ErrWriteFailed, req.EntryID, err)
	}
	if !written {
		return Result{Written: false}, nil
	}
	return Result{Written: true, Entry: row}, nil
}

// KeyedMutex is an in-process Locker with one mutex per key.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewKeyedMutex creates an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyLock)}
}

// Lock blocks until key is free. Context cancellation is not observed once
// waiting has started.
func (k *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}, nil
}
