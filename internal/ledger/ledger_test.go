package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/fill-recon/internal/model"
	"github.com/atmx/fill-recon/internal/store"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func closedRequest(batch string) Request {
	at := time.Date(2025, 1, 15, 14, 30, 0, 0, time.UTC)
	return Request{
		EntryID:        "e1",
		Desk:           "equities",
		Symbol:         "AAPL",
		Direction:      model.Long,
		EntryTimestamp: at,
		ExitTimestamp:  at.Add(2 * time.Hour),
		EntryPrice:     d(150),
		ExitPrice:      d(155),
		Quantity:       d(10),
		RealizedPnL:    d(50),
		BatchID:        batch,
	}
}

func TestWriter_Idempotent(t *testing.T) {
	s := store.NewMemoryStore()
	w := NewWriter(s, nil)
	ctx := context.Background()

	res, err := w.Write(ctx, closedRequest("b1"))
	require.NoError(t, err)
	assert.True(t, res.Written)
	require.NotNil(t, res.Entry)
	assert.Equal(t, "b1", res.Entry.ReconcileBatch)
	assert.NotEmpty(t, res.Entry.ID)

	res, err = w.Write(ctx, closedRequest("b2"))
	require.NoError(t, err)
	assert.False(t, res.Written)
	assert.Nil(t, res.Entry)

	rows, err := s.GetLedgerEntriesByEntry(ctx, "e1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "b1", rows[0].ReconcileBatch)
	assert.True(t, rows[0].RealizedPnL.Equal(d(50)))
}

func TestWriter_ConcurrentWritesProduceOneRow(t *testing.T) {
	s := store.NewMemoryStore()
	w := NewWriter(s, nil)

	var wg sync.WaitGroup
	var mu sync.Mutex
	written := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := w.Write(context.Background(), closedRequest("b1"))
			if err == nil && res.Written {
				mu.Lock()
				written++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, written)
	assert.Equal(t, 1, s.LedgerCount())
}

func TestWriter_RejectsMissingKey(t *testing.T) {
	w := NewWriter(store.NewMemoryStore(), nil)

	req := closedRequest("b1")
	req.Desk = ""
	_, err := w.Write(context.Background(), req)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

type failingLedger struct{ err error }

func (f failingLedger) InsertLedgerEntry(context.Context, *model.LedgerEntry) (bool, error) {
	return false, f.err
}

func (f failingLedger) GetLedgerEntriesByEntry(context.Context, string) ([]model.LedgerEntry, error) {
	return nil, nil
}

func TestWriter_WrapsStoreFailure(t *testing.T) {
	w := NewWriter(failingLedger{err: errors.New("connection reset")}, nil)

	_, err := w.Write(context.Background(), closedRequest("b1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrWriteFailed)
	assert.Contains(t, err.Error(), "connection reset")
}

type refusingLocker struct{}

func (refusingLocker) Lock(context.Context, string) (func(), error) {
	return nil, errors.New("lease held elsewhere")
}

func TestWriter_LockFailure(t *testing.T) {
	s := store.NewMemoryStore()
	w := NewWriter(s, refusingLocker{})

	_, err := w.Write(context.Background(), closedRequest("b1"))
	assert.ErrorIs(t, err, ErrWriteFailed)
	assert.Equal(t, 0, s.LedgerCount())
}

func TestKeyedMutex_ReleasesKeys(t *testing.T) {
	k := NewKeyedMutex()
	ctx := context.Background()

	unlockA, err := k.Lock(ctx, "a")
	require.NoError(t, err)
	unlockB, err := k.Lock(ctx, "b")
	require.NoError(t, err)

	unlockA()
	unlockB()
	assert.Empty(t, k.locks)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = k.Lock(cancelled, "a")
	assert.ErrorIs(t, err, context.Canceled)
}
