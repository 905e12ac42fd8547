package reconcile

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/fill-recon/internal/model"
)

func optGroup(id string, net, contracts float64, at string) model.OptionsFillGroup {
	dir := model.GroupEven
	switch {
	case net < -0.01:
		dir = model.GroupDebit
	case net > 0.01:
		dir = model.GroupCredit
	}
	return model.OptionsFillGroup{
		ID:             id,
		Underlying:     "SPY",
		Expiration:     "2026-03-20",
		Direction:      dir,
		Legs:           []model.Fill{{TradeID: id + "-leg", Symbol: "SPY", Underlying: "SPY", AssetClass: model.AssetOption, FilledAt: ts(at)}},
		NetCashflow:    d(net),
		TotalContracts: d(contracts),
		FirstFillAt:    ts(at),
	}
}

func optEntry() model.Entry {
	return model.Entry{
		ID:            "opt-1",
		Desk:          "options",
		Symbol:        "SPY",
		AssetClass:    model.AssetOption,
		EffectiveDate: effective,
		Status:        model.StatusEntered,
		Direction:     model.Long,
	}
}

func reconcileOptionsOne(t *testing.T, entry model.Entry, groups []model.OptionsFillGroup) model.ReconcileUpdate {
	t.Helper()
	updates := NewEngine(DefaultConfig()).ReconcileOptions([]model.Entry{entry}, groups, "batch-o")
	require.Len(t, updates, 1)
	return updates[0]
}

func TestOptions_DebitEntryCreditExitWins(t *testing.T) {
	u := reconcileOptionsOne(t, optEntry(), []model.OptionsFillGroup{
		optGroup("exit", 400, 2, "2026-02-20T15:00:00Z"),
		optGroup("entry", -250, 2, "2026-02-08T14:30:00Z"),
	})

	assert.Equal(t, model.ReconcileMatched, u.Status)
	p := u.Updates
	assert.Equal(t, model.StatusExited, *p.Status)
	assert.Equal(t, "150.00", p.RealizedPnL.StringFixed(2))
	assert.Equal(t, "60.00", p.PnLPercent.StringFixed(2))
	assert.Equal(t, model.ResultWin, *p.Result)
	assert.Equal(t, "1.25", p.AvgEntryPrice.String())
	assert.Equal(t, "2", p.ExitPrice.String())
	assert.Equal(t, []string{"entry-leg"}, p.EntryFillIDs)
	assert.Equal(t, []string{"exit-leg"}, p.ExitFillIDs)
}

func TestOptions_CreditEntryDebitExitLoses(t *testing.T) {
	u := reconcileOptionsOne(t, optEntry(), []model.OptionsFillGroup{
		optGroup("entry", 300, 1, "2026-02-08T14:30:00Z"),
		optGroup("exit", -450, 1, "2026-02-10T15:00:00Z"),
	})
	assert.Equal(t, model.ReconcileMatched, u.Status)
	assert.Equal(t, "-150.00", u.Updates.RealizedPnL.StringFixed(2))
	assert.Equal(t, model.ResultLoss, *u.Updates.Result)
}

func TestOptions_BreakevenIsOneDollar(t *testing.T) {
	u := reconcileOptionsOne(t, optEntry(), []model.OptionsFillGroup{
		optGroup("entry", -250, 1, "2026-02-08T14:30:00Z"),
		optGroup("exit", 251, 1, "2026-02-09T15:00:00Z"),
	})
	assert.Equal(t, model.ResultBreakeven, *u.Updates.Result)
}

func TestOptions_EntryOnlyIsNoneWithEnrichment(t *testing.T) {
	u := reconcileOptionsOne(t, optEntry(), []model.OptionsFillGroup{
		optGroup("entry", -250, 2, "2026-02-08T14:30:00Z"),
	})
	assert.Equal(t, model.ReconcileNone, u.Status)
	assert.True(t, u.Updates.TotalQty.Equal(d(2)))
	assert.Equal(t, "1.25", u.Updates.AvgEntryPrice.String())
	assert.Nil(t, u.Updates.Status)
}

func TestOptions_Partial(t *testing.T) {
	u := reconcileOptionsOne(t, optEntry(), []model.OptionsFillGroup{
		optGroup("entry", -500, 4, "2026-02-08T14:30:00Z"),
		optGroup("exit", 300, 2, "2026-02-09T15:00:00Z"),
	})
	assert.Equal(t, model.ReconcilePartial, u.Status)
	assert.Equal(t, "-200.00", u.Updates.RealizedPnL.StringFixed(2))
	assert.Nil(t, u.Updates.Status)
	assert.Nil(t, u.Updates.Result)
}

func TestOptions_Reversal(t *testing.T) {
	u := reconcileOptionsOne(t, optEntry(), []model.OptionsFillGroup{
		optGroup("entry", -500, 2, "2026-02-08T14:30:00Z"),
		optGroup("exit", 900, 3, "2026-02-09T15:00:00Z"),
	})
	assert.Equal(t, model.ReconcileAmbiguousReversal, u.Status)
	assert.Nil(t, u.Updates.RealizedPnL)
	assert.True(t, u.Updates.ReversalOvershoot.Equal(d(1)))
}

func TestOptions_EntryGroupOutsideWindowRejected(t *testing.T) {
	u := reconcileOptionsOne(t, optEntry(), []model.OptionsFillGroup{
		optGroup("stale", -100, 1, "2026-01-20T14:30:00Z"),
		optGroup("entry", -250, 1, "2026-02-09T14:30:00Z"),
		optGroup("exit", 300, 1, "2026-03-01T15:00:00Z"),
	})
	assert.Equal(t, model.ReconcileMatched, u.Status)
	require.Len(t, u.Rejected, 1)
	assert.Equal(t, "stale", u.Rejected[0].FillID)
	assert.Equal(t, "50.00", u.Updates.RealizedPnL.StringFixed(2))
}

func TestOptions_NoGroups(t *testing.T) {
	u := reconcileOptionsOne(t, optEntry(), nil)
	assert.Equal(t, model.ReconcileNone, u.Status)
	assert.False(t, u.Updates.TouchesFinancials())
}

func TestOptions_TooManyGroups(t *testing.T) {
	groups := []model.OptionsFillGroup{optGroup("entry", -250, 20, "2026-02-08T14:30:00Z")}
	start := ts("2026-02-09T14:30:00Z")
	for i := 0; i < 10; i++ {
		groups = append(groups, optGroup(fmt.Sprintf("exit-%d", i), 30, 1,
			start.Add(time.Duration(i)*time.Minute).Format(time.RFC3339)))
	}
	u := reconcileOptionsOne(t, optEntry(), groups)
	assert.Equal(t, model.ReconcileAmbiguous, u.Status)
	assert.False(t, u.Updates.TouchesFinancials())
}

func TestOptions_ManualOverride(t *testing.T) {
	e := optEntry()
	e.ManualOverride = true
	u := reconcileOptionsOne(t, e, []model.OptionsFillGroup{optGroup("entry", -250, 1, "2026-02-08T14:30:00Z")})
	assert.Equal(t, model.ReconcileBlockedOverride, u.Status)
	assert.False(t, u.Updates.TouchesFinancials())
}

func TestOptions_PremiumStopRMultiple(t *testing.T) {
	e := optEntry()
	e.StopLoss = dp(0.75)
	u := reconcileOptionsOne(t, e, []model.OptionsFillGroup{
		optGroup("entry", -250, 2, "2026-02-08T14:30:00Z"),
		optGroup("exit", 400, 2, "2026-02-20T15:00:00Z"),
	})
	// risk = (1.25 - 0.75) × 100 × 2 = 100; pnl 150
	require.NotNil(t, u.Updates.RMultiple)
	assert.Equal(t, "1.50", u.Updates.RMultiple.StringFixed(2))
}
