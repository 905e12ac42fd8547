package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/fill-recon/internal/model"
)

// newTestPostgres connects to TEST_DATABASE_URL, applying migrations. The
// test is skipped when the variable is unset.
func newTestPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	require.NoError(t, Migrate(url))

	pool, err := pgxpool.New(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return NewPostgresStore(pool)
}

func TestPostgresStore_FillsAndLedger(t *testing.T) {
	s := newTestPostgres(t)
	ctx := context.Background()
	suffix := uuid.NewString()[:8]
	at := time.Date(2025, 1, 15, 14, 30, 0, 0, time.UTC)

	f := testFill("t-"+suffix, at)
	inserted, err := s.InsertFill(ctx, f)
	require.NoError(t, err)
	assert.True(t, inserted)
	inserted, err = s.InsertFill(ctx, f)
	require.NoError(t, err)
	assert.False(t, inserted)

	fills, err := s.ListFills(ctx, "alpaca", at)
	require.NoError(t, err)
	var found bool
	for _, got := range fills {
		if got.TradeID == f.TradeID {
			found = true
			assert.True(t, got.Price.Equal(d(150)))
			assert.True(t, got.FilledAt.Equal(at))
		}
	}
	assert.True(t, found)

	e := testEntry("e-"+suffix, "2025-01-15", model.StatusOpen)
	e.CreatedAt = at
	require.NoError(t, s.CreateEntry(ctx, e))

	row := &model.LedgerEntry{
		ID: uuid.NewString(), EntryID: e.ID, Desk: e.Desk, Symbol: "AAPL",
		Direction: model.Long, EntryTimestamp: at, ExitTimestamp: at.Add(time.Hour),
		EntryPrice: d(150), ExitPrice: d(155), Quantity: d(10), RealizedPnL: d(50),
		ReconcileBatch: "b1", CreatedAt: at,
	}
	written, err := s.InsertLedgerEntry(ctx, row)
	require.NoError(t, err)
	assert.True(t, written)

	row.ID = uuid.NewString()
	written, err = s.InsertLedgerEntry(ctx, row)
	require.NoError(t, err)
	assert.False(t, written)

	rows, err := s.GetLedgerEntriesByEntry(ctx, e.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].RealizedPnL.Equal(d(50)))
	assert.Nil(t, rows[0].RMultiple)
}

func TestPostgresStore_UpdateEntry(t *testing.T) {
	s := newTestPostgres(t)
	ctx := context.Background()
	suffix := uuid.NewString()[:8]

	e := testEntry("e-"+suffix, "2025-01-15", model.StatusOpen)
	e.CreatedAt = time.Now().UTC()
	require.NoError(t, s.CreateEntry(ctx, e))

	status := model.StatusExited
	matched := model.ReconcileMatched
	pnl := d(50)
	result := model.ResultWin
	require.NoError(t, s.UpdateEntry(ctx, e.ID, model.EntryPatch{
		Status:           &status,
		RealizedPnL:      &pnl,
		Result:           &result,
		EntryFillIDs:     []string{"a-" + suffix},
		ExitFillIDs:      []string{"b-" + suffix},
		ReconcileStatus:  &matched,
		MatchExplanation: []string{"matched"},
	}))

	got, err := s.GetEntry(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusExited, got.Status)
	assert.True(t, got.RealizedPnL.Equal(d(50)))
	assert.Equal(t, model.ResultWin, got.Result)
	assert.Equal(t, []string{"matched"}, got.MatchExplanation)
	assert.Equal(t, 145.0, got.Plan["stop"])

	linked, err := s.LinkedFillIDs(ctx, []string{"b-" + suffix, "zz-" + suffix})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"b-" + suffix: e.ID}, linked)

	err = s.UpdateEntry(ctx, "missing-"+suffix, model.EntryPatch{Status: &status})
	assert.ErrorIs(t, err, ErrNotFound)
}
