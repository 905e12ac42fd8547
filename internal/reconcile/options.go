package reconcile

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/atmx/fill-recon/internal/model"
)

// ReconcileOptions matches options fill groups against each entry by
// underlying. The chronologically first group inside the date window is the
// entry group; every later group is an exit group. Realized P&L is the sum of
// all matched groups' signed net cashflows.
func (e *Engine) ReconcileOptions(entries []model.Entry, groups []model.OptionsFillGroup, batchID string) []model.ReconcileUpdate {
	var updates []model.ReconcileUpdate
	for _, entry := range entries {
		if u, ok := e.reconcileOptionsEntry(entry, groups, batchID); ok {
			updates = append(updates, u)
		}
	}
	return updates
}

func (e *Engine) reconcileOptionsEntry(entry model.Entry, groups []model.OptionsFillGroup, batchID string) (model.ReconcileUpdate, bool) {
	candidate, blocked := eligible(entry)
	if blocked {
		return blockedUpdate(entry, batchID), true
	}
	if !candidate {
		return model.ReconcileUpdate{}, false
	}

	var t trace
	t.add("entry %s: options %s %s, status %s, effective %s",
		entry.ID, entry.Direction, entry.Symbol, entry.Status, entry.EffectiveDate.UTC().Format("2006-01-02"))

	var matched []model.OptionsFillGroup
	for _, g := range groups {
		if groupMatches(entry, g) {
			matched = append(matched, g)
		}
	}
	sortGroups(matched)
	t.add("%d of %d options group(s) match underlying %s", len(matched), len(groups), entry.Symbol)

	rejected := rejectList{max: e.cfg.MaxRejected}
	var entryGroup *model.OptionsFillGroup
	var exitGroups []model.OptionsFillGroup
	for i := range matched {
		g := matched[i]
		if entryGroup != nil {
			exitGroups = append(exitGroups, g)
			continue
		}
		if withinWindow(g.FirstFillAt, entry.EffectiveDate, e.cfg.DateWindowDays) {
			entryGroup = &matched[i]
			continue
		}
		rejected.add(g.ID, g.Underlying, fmt.Sprintf("group opened %s, outside ±%d day window of %s",
			g.FirstFillAt.UTC().Format("2006-01-02"), e.cfg.DateWindowDays,
			entry.EffectiveDate.UTC().Format("2006-01-02")))
	}
	if rejected.total > 0 {
		t.add("%d group(s) rejected by the ±%d day date window", rejected.total, e.cfg.DateWindowDays)
	}

	finish := func(status model.ReconcileStatus, reason string, patch *model.EntryPatch) (model.ReconcileUpdate, bool) {
		u := newUpdate(entry.ID, status, batchID, reason, t, patch)
		u.Rejected = rejected.items
		return u, true
	}

	if entryGroup == nil {
		t.add("no entry group in window; nothing to match")
		return finish(model.ReconcileNone, "No entry group found", nil)
	}

	if n := 1 + len(exitGroups); n > e.cfg.MaxCandidates {
		t.add("%d candidate groups exceed the limit of %d; manual review required", n, e.cfg.MaxCandidates)
		return finish(model.ReconcileAmbiguous,
			fmt.Sprintf("Too many candidate groups (%d) to match automatically", n), nil)
	}

	contracts := entryGroup.TotalContracts
	entryPremium := premium(entryGroup.NetCashflow, contracts)
	t.add("entry group %s: %s %s contract(s), %d leg(s), net %s (premium %s)",
		entryGroup.ID, entryGroup.Direction, contracts.String(), len(entryGroup.Legs),
		entryGroup.NetCashflow.StringFixed(2), entryPremium.StringFixed(4))

	patch := &model.EntryPatch{
		EntryPrice:    ptr(entryPremium),
		EntrySize:     ptr(contracts),
		AvgEntryPrice: ptr(entryPremium),
		TotalQty:      ptr(contracts),
		EntryFillIDs:  entryGroup.FillIDs(),
		EntryFilledAt: ptr(entryGroup.FirstFillAt),
	}

	if len(exitGroups) == 0 {
		t.add("no exit groups; position remains open")
		return finish(model.ReconcileNone,
			fmt.Sprintf("Entry filled for net %s; no exit yet", entryGroup.NetCashflow.StringFixed(2)), patch)
	}

	exitContracts := decimal.Zero
	exitFlow := decimal.Zero
	var exitIDs []string
	for _, g := range exitGroups {
		exitContracts = exitContracts.Add(g.TotalContracts)
		exitFlow = exitFlow.Add(g.NetCashflow)
		exitIDs = append(exitIDs, g.FillIDs()...)
	}
	t.add("%d exit group(s): %s contract(s), net %s", len(exitGroups), exitContracts.String(), exitFlow.StringFixed(2))

	limit := contracts.Mul(decimal.NewFromInt(1).Add(e.cfg.ReversalTolerance))
	if exitContracts.GreaterThan(limit) {
		overshoot := exitContracts.Sub(contracts)
		t.add("exit contracts %s exceed entry contracts %s by more than %s%%; possible reversal",
			exitContracts.String(), contracts.String(), e.cfg.ReversalTolerance.Mul(hundred).String())
		t.add("P&L not computed: split into two trades manually")
		return finish(model.ReconcileAmbiguousReversal,
			fmt.Sprintf("Exit contracts overshoot entry by %s; possible reversal", overshoot.String()),
			&model.EntryPatch{
				AvgEntryPrice:     ptr(entryPremium),
				TotalQty:          ptr(contracts),
				ExitedQty:         ptr(exitContracts),
				ReversalOvershoot: ptr(overshoot),
				EntryFillIDs:      entryGroup.FillIDs(),
				ExitFillIDs:       exitIDs,
			})
	}

	// Signed cashflows net to P&L directly: debit entry + credit exit.
	pnl := entryGroup.NetCashflow.Add(exitFlow).Round(2)
	pnlPct := decimal.Zero
	if basis := entryGroup.NetCashflow.Abs(); basis.IsPositive() {
		pnlPct = pnl.Div(basis).Mul(hundred).Round(2)
	}
	exitPremium := premium(exitFlow, exitContracts)
	t.add("realized P&L %s (%s%% of entry premium)", pnl.StringFixed(2), pnlPct.StringFixed(2))

	patch.ExitPrice = ptr(exitPremium)
	patch.ExitSize = ptr(exitContracts)
	patch.ExitedQty = ptr(exitContracts)
	patch.RealizedPnL = ptr(pnl)
	patch.PnLPercent = ptr(pnlPct)
	patch.ExitFillIDs = exitIDs
	patch.ExitFilledAt = ptr(exitGroups[len(exitGroups)-1].FirstFillAt)

	if r, ok := optionsRMultiple(entry, entryPremium, exitContracts, pnl, &t); ok {
		patch.RMultiple = ptr(r)
	}

	if exitContracts.GreaterThanOrEqual(contracts) {
		result := classifyOptions(pnl, e.cfg.OptionsBreakeven)
		t.add("fully exited (%s ≥ %s contracts): %s", exitContracts.String(), contracts.String(), result)
		patch.Status = ptr(model.StatusExited)
		patch.Result = ptr(result)
		return finish(model.ReconcileMatched,
			fmt.Sprintf("Options position closed: %s %s", result, pnl.StringFixed(2)), patch)
	}

	t.add("partially exited (%s of %s contracts); position remains open", exitContracts.String(), contracts.String())
	return finish(model.ReconcilePartial,
		fmt.Sprintf("Partial exit of %s/%s contracts; net %s", exitContracts.String(), contracts.String(), pnl.StringFixed(2)), patch)
}

// optionsRMultiple treats a resolvable stop as a premium level per contract.
func optionsRMultiple(entry model.Entry, entryPremium, contracts, pnl decimal.Decimal, t *trace) (decimal.Decimal, bool) {
	stop, source, ok := resolveStop(entry)
	if !ok {
		t.add("no stop resolvable; R-multiple not computed")
		return decimal.Zero, false
	}
	risk := entryPremium.Sub(stop).Abs().Mul(contractScale)
	if !risk.IsPositive() {
		t.add("stop %s from %s equals entry premium; R-multiple not computed", stop.String(), source)
		return decimal.Zero, false
	}
	r := pnl.Div(risk.Mul(contracts)).Round(2)
	t.add("premium stop %s from %s; risk per contract %s; R-multiple %s", stop.String(), source, risk.StringFixed(2), r.StringFixed(2))
	return r, true
}

// classifyOptions uses an absolute dollar breakeven band.
func classifyOptions(pnl, band decimal.Decimal) string {
	switch {
	case pnl.GreaterThan(band):
		return model.ResultWin
	case pnl.LessThan(band.Neg()):
		return model.ResultLoss
	default:
		return model.ResultBreakeven
	}
}

// premium converts a net cashflow into a per-contract option price.
func premium(flow, contracts decimal.Decimal) decimal.Decimal {
	if !contracts.IsPositive() {
		return decimal.Zero
	}
	return flow.Abs().Div(contracts.Mul(contractScale)).Round(4)
}

func groupMatches(entry model.Entry, g model.OptionsFillGroup) bool {
	if strings.EqualFold(g.Underlying, entry.Symbol) {
		return true
	}
	if entry.ContractSymbol == "" {
		return false
	}
	for _, l := range g.Legs {
		if strings.EqualFold(l.ContractSymbol, entry.ContractSymbol) {
			return true
		}
	}
	return false
}

func sortGroups(groups []model.OptionsFillGroup) {
	sort.SliceStable(groups, func(i, j int) bool {
		if !groups[i].FirstFillAt.Equal(groups[j].FirstFillAt) {
			return groups[i].FirstFillAt.Before(groups[j].FirstFillAt)
		}
		return groups[i].ID < groups[j].ID
	})
}
