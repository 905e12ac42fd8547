package reconcile

import (
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/fill-recon/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func dp(f float64) *decimal.Decimal {
	v := d(f)
	return &v
}

var effective = time.Date(2026, 2, 8, 0, 0, 0, 0, time.UTC)

func ts(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func eqFill(id string, side model.Side, qty, price float64, at string) model.Fill {
	return model.Fill{
		Broker:     "alpaca",
		TradeID:    id,
		OrderID:    "ord-" + id,
		Symbol:     "AAPL",
		Side:       side,
		Quantity:   d(qty),
		Price:      d(price),
		FilledAt:   ts(at),
		AssetClass: model.AssetEquity,
	}
}

func openEntry(dir model.Direction) model.Entry {
	return model.Entry{
		ID:            "entry-1",
		Desk:          "swing",
		Symbol:        "AAPL",
		AssetClass:    model.AssetEquity,
		EffectiveDate: effective,
		Status:        model.StatusOpen,
		Direction:     dir,
	}
}

func reconcileOne(t *testing.T, entry model.Entry, fills []model.Fill) model.ReconcileUpdate {
	t.Helper()
	updates := NewEngine(DefaultConfig()).ReconcileEquity([]model.Entry{entry}, fills, "batch-1")
	require.Len(t, updates, 1)
	return updates[0]
}

func TestEquity_EndToEndLongWin(t *testing.T) {
	fills := []model.Fill{
		eqFill("f1", model.SideBuy, 10, 150, "2026-02-08T12:00:00Z"),
		eqFill("f2", model.SideSell, 10, 155, "2026-02-08T15:00:00Z"),
	}
	u := reconcileOne(t, openEntry(model.Long), fills)

	assert.Equal(t, model.ReconcileMatched, u.Status)
	assert.Equal(t, "entry-1", u.EntryID)
	p := u.Updates
	require.NotNil(t, p.Status)
	assert.Equal(t, model.StatusExited, *p.Status)
	require.NotNil(t, p.RealizedPnL)
	assert.Equal(t, "50.00", p.RealizedPnL.StringFixed(2))
	require.NotNil(t, p.PnLPercent)
	assert.Equal(t, "3.33", p.PnLPercent.StringFixed(2))
	assert.Nil(t, p.RMultiple)
	require.NotNil(t, p.Result)
	assert.Equal(t, model.ResultWin, *p.Result)
	assert.Equal(t, []string{"f1"}, p.EntryFillIDs)
	assert.Equal(t, []string{"f2"}, p.ExitFillIDs)
	assert.Equal(t, ts("2026-02-08T15:00:00Z"), *p.ExitFilledAt)
	assert.Equal(t, "broker_reconcile:batch-1:MATCHED", *p.SystemUpdateReason)
	assert.NotEmpty(t, u.Explanation)
	assert.Equal(t, u.Explanation, p.MatchExplanation)
	assert.NotEmpty(t, u.Reason)
}

func TestEquity_VWAP(t *testing.T) {
	fills := []model.Fill{
		eqFill("f1", model.SideBuy, 10, 100, "2026-02-08T12:00:00Z"),
		eqFill("f2", model.SideBuy, 10, 110, "2026-02-08T13:00:00Z"),
	}
	u := reconcileOne(t, openEntry(model.Long), fills)

	assert.Equal(t, model.ReconcileNone, u.Status)
	require.NotNil(t, u.Updates.AvgEntryPrice)
	assert.Equal(t, "105.0000", u.Updates.AvgEntryPrice.StringFixed(4))
	assert.True(t, u.Updates.TotalQty.Equal(d(20)))
	assert.Equal(t, []string{"f1", "f2"}, u.Updates.EntryFillIDs)
	assert.Nil(t, u.Updates.Status, "entry status must not change without an exit")
	assert.Nil(t, u.Updates.RealizedPnL)
}

func TestEquity_VWAPRoundsToFourPlaces(t *testing.T) {
	fills := []model.Fill{
		eqFill("f1", model.SideBuy, 3, 10, "2026-02-08T12:00:00Z"),
		eqFill("f2", model.SideBuy, 3, 10.01, "2026-02-08T12:01:00Z"),
		eqFill("f3", model.SideBuy, 1, 10.02, "2026-02-08T12:02:00Z"),
	}
	u := reconcileOne(t, openEntry(model.Long), fills)
	// (30 + 30.03 + 10.02) / 7 = 10.00714...
	assert.Equal(t, "10.0071", u.Updates.AvgEntryPrice.String())
}

func TestEquity_PnLSign(t *testing.T) {
	t.Run("long", func(t *testing.T) {
		u := reconcileOne(t, openEntry(model.Long), []model.Fill{
			eqFill("f1", model.SideBuy, 10, 100, "2026-02-08T12:00:00Z"),
			eqFill("f2", model.SideSell, 10, 110, "2026-02-08T13:00:00Z"),
		})
		assert.Equal(t, "100.00", u.Updates.RealizedPnL.StringFixed(2))
		assert.Equal(t, model.ResultWin, *u.Updates.Result)
	})
	t.Run("short", func(t *testing.T) {
		u := reconcileOne(t, openEntry(model.Short), []model.Fill{
			eqFill("f1", model.SideSell, 10, 100, "2026-02-08T12:00:00Z"),
			eqFill("f2", model.SideBuy, 10, 110, "2026-02-08T13:00:00Z"),
		})
		assert.Equal(t, "-100.00", u.Updates.RealizedPnL.StringFixed(2))
		assert.Equal(t, model.ResultLoss, *u.Updates.Result)
		assert.Equal(t, model.ReconcileMatched, u.Status)
	})
}

func TestEquity_Breakeven(t *testing.T) {
	u := reconcileOne(t, openEntry(model.Long), []model.Fill{
		eqFill("f1", model.SideBuy, 10, 100, "2026-02-08T12:00:00Z"),
		eqFill("f2", model.SideSell, 10, 100, "2026-02-08T13:00:00Z"),
	})
	assert.Equal(t, model.ResultBreakeven, *u.Updates.Result)
}

func TestEquity_ReversalBoundary(t *testing.T) {
	entryFill := eqFill("f1", model.SideBuy, 100, 50, "2026-02-08T12:00:00Z")

	t.Run("106 is a reversal", func(t *testing.T) {
		u := reconcileOne(t, openEntry(model.Long), []model.Fill{
			entryFill,
			eqFill("f2", model.SideSell, 60, 51, "2026-02-08T13:00:00Z"),
			eqFill("f3", model.SideSell, 46, 51, "2026-02-08T13:05:00Z"),
		})
		assert.Equal(t, model.ReconcileAmbiguousReversal, u.Status)
		assert.Nil(t, u.Updates.Status)
		assert.Nil(t, u.Updates.RealizedPnL)
		require.NotNil(t, u.Updates.ReversalOvershoot)
		assert.True(t, u.Updates.ReversalOvershoot.Equal(d(6)))
		assert.Equal(t, []string{"f2", "f3"}, u.Updates.ExitFillIDs)
	})

	t.Run("105 is accepted", func(t *testing.T) {
		u := reconcileOne(t, openEntry(model.Long), []model.Fill{
			entryFill,
			eqFill("f2", model.SideSell, 105, 51, "2026-02-08T13:00:00Z"),
		})
		assert.Equal(t, model.ReconcileMatched, u.Status)
		assert.Equal(t, model.StatusExited, *u.Updates.Status)
	})
}

func TestEquity_Partial(t *testing.T) {
	u := reconcileOne(t, openEntry(model.Long), []model.Fill{
		eqFill("f1", model.SideBuy, 10, 100, "2026-02-08T12:00:00Z"),
		eqFill("f2", model.SideSell, 4, 105, "2026-02-08T13:00:00Z"),
	})
	assert.Equal(t, model.ReconcilePartial, u.Status)
	assert.Nil(t, u.Updates.Status)
	assert.Nil(t, u.Updates.Result)
	assert.Equal(t, "20.00", u.Updates.RealizedPnL.StringFixed(2))
	assert.True(t, u.Updates.ExitedQty.Equal(d(4)))
}

func TestEquity_ManualOverrideBlocks(t *testing.T) {
	entry := openEntry(model.Long)
	entry.ManualOverride = true
	u := reconcileOne(t, entry, []model.Fill{
		eqFill("f1", model.SideBuy, 10, 100, "2026-02-08T12:00:00Z"),
		eqFill("f2", model.SideSell, 10, 110, "2026-02-08T13:00:00Z"),
	})
	assert.Equal(t, model.ReconcileBlockedOverride, u.Status)
	assert.False(t, u.Updates.TouchesFinancials())
	assert.NotEmpty(t, u.Explanation)
}

func TestEquity_ManualOverrideOnTerminalEntryIsSkipped(t *testing.T) {
	entry := openEntry(model.Long)
	entry.ManualOverride = true
	entry.Status = model.StatusExited
	updates := NewEngine(DefaultConfig()).ReconcileEquity([]model.Entry{entry}, nil, "b")
	assert.Empty(t, updates)
}

func TestEquity_SkipsTerminalAndNonCandidates(t *testing.T) {
	fills := []model.Fill{eqFill("f1", model.SideBuy, 10, 100, "2026-02-08T12:00:00Z")}
	var entries []model.Entry
	for _, st := range []model.EntryStatus{model.StatusExited, model.StatusClosed, model.StatusPlanned, model.StatusCancelled} {
		e := openEntry(model.Long)
		e.Status = st
		entries = append(entries, e)
	}
	assert.Empty(t, NewEngine(DefaultConfig()).ReconcileEquity(entries, fills, "b"))
}

func TestEquity_NoEntryFills(t *testing.T) {
	u := reconcileOne(t, openEntry(model.Long), []model.Fill{
		eqFill("f2", model.SideSell, 10, 110, "2026-02-08T13:00:00Z"),
	})
	assert.Equal(t, model.ReconcileNone, u.Status)
	assert.False(t, u.Updates.TouchesFinancials())
}

func TestEquity_DateWindowRejects(t *testing.T) {
	fills := []model.Fill{
		eqFill("f1", model.SideBuy, 10, 100, "2026-02-08T12:00:00Z"),
		eqFill("old1", model.SideSell, 10, 90, "2026-02-01T13:00:00Z"),
		eqFill("old2", model.SideSell, 10, 90, "2026-02-02T13:00:00Z"),
		eqFill("old3", model.SideSell, 10, 90, "2026-02-03T13:00:00Z"),
		eqFill("old4", model.SideSell, 10, 90, "2026-02-04T13:00:00Z"),
		eqFill("edge", model.SideSell, 10, 101, "2026-02-09T23:59:00Z"),
	}
	u := reconcileOne(t, openEntry(model.Long), fills)

	assert.Equal(t, model.ReconcileMatched, u.Status)
	assert.Equal(t, []string{"edge"}, u.Updates.ExitFillIDs)
	require.Len(t, u.Rejected, 3, "rejected candidates are capped")
	assert.Equal(t, "old1", u.Rejected[0].FillID)
	assert.Contains(t, u.Rejected[0].Reason, "outside ±1 day window")
}

func TestEquity_TooManyCandidatesIsAmbiguous(t *testing.T) {
	var fills []model.Fill
	for i := 0; i < 11; i++ {
		fills = append(fills, eqFill(fmt.Sprintf("f%d", i), model.SideBuy, 1, 100, "2026-02-08T12:00:00Z"))
	}
	u := reconcileOne(t, openEntry(model.Long), fills)
	assert.Equal(t, model.ReconcileAmbiguous, u.Status)
	assert.False(t, u.Updates.TouchesFinancials())

	u = reconcileOne(t, openEntry(model.Long), fills[:10])
	assert.Equal(t, model.ReconcileNone, u.Status)
}

func TestEquity_SymbolMatching(t *testing.T) {
	other := eqFill("x", model.SideBuy, 10, 100, "2026-02-08T12:00:00Z")
	other.Symbol = "MSFT"
	contract := model.Fill{
		TradeID: "c1", Symbol: "TSLA", ContractSymbol: "AAPL  260220C00150000",
		Side: model.SideBuy, Quantity: d(1), Price: d(2), FilledAt: ts("2026-02-08T12:00:00Z"),
		AssetClass: model.AssetOption,
	}

	entry := openEntry(model.Long)
	entry.ContractSymbol = "AAPL  260220C00150000"
	u := reconcileOne(t, entry, []model.Fill{other, contract})
	assert.Equal(t, []string{"c1"}, u.Updates.EntryFillIDs)
}

func TestEquity_RMultiple(t *testing.T) {
	fills := []model.Fill{
		eqFill("f1", model.SideBuy, 10, 100, "2026-02-08T12:00:00Z"),
		eqFill("f2", model.SideSell, 10, 110, "2026-02-08T13:00:00Z"),
	}

	t.Run("explicit stop", func(t *testing.T) {
		e := openEntry(model.Long)
		e.StopLoss = dp(95)
		u := reconcileOne(t, e, fills)
		require.NotNil(t, u.Updates.RMultiple)
		assert.Equal(t, "2.00", u.Updates.RMultiple.StringFixed(2))
	})
	t.Run("invalidation text", func(t *testing.T) {
		e := openEntry(model.Long)
		e.Invalidation = "daily close below 98"
		u := reconcileOne(t, e, fills)
		require.NotNil(t, u.Updates.RMultiple)
		assert.Equal(t, "5.00", u.Updates.RMultiple.StringFixed(2))
	})
	t.Run("nested plan key", func(t *testing.T) {
		e := openEntry(model.Long)
		e.Plan = map[string]any{"risk": map[string]any{"stopLoss": "90"}}
		u := reconcileOne(t, e, fills)
		require.NotNil(t, u.Updates.RMultiple)
		assert.Equal(t, "1.00", u.Updates.RMultiple.StringFixed(2))
	})
	t.Run("stop on wrong side", func(t *testing.T) {
		e := openEntry(model.Long)
		e.StopLoss = dp(105)
		u := reconcileOne(t, e, fills)
		assert.Nil(t, u.Updates.RMultiple)
	})
	t.Run("short", func(t *testing.T) {
		e := openEntry(model.Short)
		e.StopLoss = dp(105)
		u := reconcileOne(t, e, []model.Fill{
			eqFill("f1", model.SideSell, 10, 100, "2026-02-08T12:00:00Z"),
			eqFill("f2", model.SideBuy, 10, 90, "2026-02-08T13:00:00Z"),
		})
		require.NotNil(t, u.Updates.RMultiple)
		assert.Equal(t, "2.00", u.Updates.RMultiple.StringFixed(2))
	})
}

func TestEquity_EntriesAreIndependent(t *testing.T) {
	a := openEntry(model.Long)
	b := openEntry(model.Long)
	b.ID = "entry-2"
	b.ManualOverride = true
	fills := []model.Fill{
		eqFill("f1", model.SideBuy, 10, 100, "2026-02-08T12:00:00Z"),
		eqFill("f2", model.SideSell, 10, 110, "2026-02-08T13:00:00Z"),
	}
	eng := NewEngine(DefaultConfig())
	forward := eng.ReconcileEquity([]model.Entry{a, b}, fills, "b")
	backward := eng.ReconcileEquity([]model.Entry{b, a}, fills, "b")
	require.Len(t, forward, 2)
	require.Len(t, backward, 2)
	assert.Equal(t, forward[0], backward[1])
	assert.Equal(t, forward[1], backward[0])
}
